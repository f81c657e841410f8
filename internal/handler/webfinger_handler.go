package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/feedpub/internal/repository"
	"github.com/hitoshi/feedpub/internal/translator"
)

// WebfingerHandler はGET /.well-known/webfingerのハンドラー。
// このインスタンスのフィードアカウントに対するJRDレスポンスを返す。
type WebfingerHandler struct {
	feedRepo   repository.FeedRepository
	translator *translator.Translator
	domain     string
	logger     *slog.Logger
}

// NewWebfingerHandler はWebfingerHandlerの新しいインスタンスを生成する。
func NewWebfingerHandler(
	feedRepo repository.FeedRepository,
	tr *translator.Translator,
	domain string,
	logger *slog.Logger,
) *WebfingerHandler {
	return &WebfingerHandler{
		feedRepo:   feedRepo,
		translator: tr,
		domain:     domain,
		logger:     logger,
	}
}

// Resolve はresourceパラメータ（acct:name@domain）を解決する。
// 自ドメイン以外のリソースと未知のアカウントは404を返す。
func (h *WebfingerHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "resource parameter required", http.StatusBadRequest)
		return
	}

	handle := strings.TrimPrefix(resource, "acct:")
	handle = strings.TrimPrefix(handle, "@")

	parts := strings.Split(handle, "@")
	if len(parts) != 2 || !strings.EqualFold(parts[1], h.domain) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	feed, err := h.feedRepo.FindByName(r.Context(), parts[0])
	if err != nil {
		h.logger.Error("webfingerの解決に失敗しました",
			slog.String("resource", resource),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if feed == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/jrd+json; charset=utf-8")
	json.NewEncoder(w).Encode(h.translator.WebfingerResponse(feed))
}
