// Package handler は連合向けHTTPエンドポイントを提供する。
// アクタープロフィール、inbox、outbox、followers、webfingerの各
// エンドポイントをchiルーターで公開する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedpub/internal/ap"
	"github.com/hitoshi/feedpub/internal/middleware"
	"github.com/hitoshi/feedpub/internal/model"
	"github.com/hitoshi/feedpub/internal/repository"
	"github.com/hitoshi/feedpub/internal/signature"
	"github.com/hitoshi/feedpub/internal/translator"
)

// Dispatcher は受信アクティビティの処理インターフェース。
// inbox.Dispatcherが実装する。
type Dispatcher interface {
	Dispatch(ctx context.Context, feed *model.Feed, validity signature.Validity, body []byte) error
}

// APHandler は連合向けエンドポイントのハンドラー。
type APHandler struct {
	feedRepo     repository.FeedRepository
	itemRepo     repository.ItemRepository
	followerRepo repository.FollowerRepository
	translator   *translator.Translator
	dispatcher   Dispatcher
	logger       *slog.Logger
}

// NewAPHandler はAPHandlerの新しいインスタンスを生成する。
func NewAPHandler(
	feedRepo repository.FeedRepository,
	itemRepo repository.ItemRepository,
	followerRepo repository.FollowerRepository,
	tr *translator.Translator,
	dispatcher Dispatcher,
	logger *slog.Logger,
) *APHandler {
	return &APHandler{
		feedRepo:     feedRepo,
		itemRepo:     itemRepo,
		followerRepo: followerRepo,
		translator:   tr,
		dispatcher:   dispatcher,
		logger:       logger,
	}
}

// GetActor はGET /feed/{name}を処理し、アクタードキュメントを返す。
func (h *APHandler) GetActor(w http.ResponseWriter, r *http.Request) {
	feed, ok := h.findFeed(w, r)
	if !ok {
		return
	}
	writeActivityJSON(w, http.StatusOK, h.translator.ActorDoc(feed))
}

// PostInbox はPOST /feed/{name}/inboxを処理する。
// 署名検証済みのボディをディスパッチャーへ渡し、受理した場合は202を返す。
// 認証失敗はルーティング失敗と同じく404で拒否し、内部エラーの詳細は
// 連合側に漏らさない。
func (h *APHandler) PostInbox(w http.ResponseWriter, r *http.Request) {
	feed, ok := h.findFeed(w, r)
	if !ok {
		return
	}

	validity := middleware.ValidityFromContext(r.Context())
	body := middleware.BodyFromContext(r.Context())

	if err := h.dispatcher.Dispatch(r.Context(), feed, validity, body); err != nil {
		var authErr *model.AuthenticationError
		if errors.As(err, &authErr) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.logger.Error("受信アクティビティの処理に失敗しました",
			slog.String("feed_name", feed.Name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// GetOutbox はGET /feed/{name}/outboxを処理する。
// pageパラメータなしではコレクションのルート、page=Nでは記事ページを返す。
func (h *APHandler) GetOutbox(w http.ResponseWriter, r *http.Request) {
	feed, ok := h.findFeed(w, r)
	if !ok {
		return
	}

	total, err := h.itemRepo.CountByFeed(r.Context(), feed.ID)
	if err != nil {
		h.serverError(w, feed.Name, err)
		return
	}

	page, hasPage := pageParam(r)
	if !hasPage {
		writeActivityJSON(w, http.StatusOK, h.translator.OutboxCollection(feed, total))
		return
	}

	pageSize := h.translator.OutboxPageSize()
	items, err := h.itemRepo.ListByFeed(r.Context(), feed.ID, pageSize, (page-1)*pageSize)
	if err != nil {
		h.serverError(w, feed.Name, err)
		return
	}
	writeActivityJSON(w, http.StatusOK, h.translator.OutboxPage(feed, items, total, page))
}

// GetFollowers はGET /feed/{name}/followersを処理する。
func (h *APHandler) GetFollowers(w http.ResponseWriter, r *http.Request) {
	feed, ok := h.findFeed(w, r)
	if !ok {
		return
	}

	total, err := h.followerRepo.CountByFeed(r.Context(), feed.ID)
	if err != nil {
		h.serverError(w, feed.Name, err)
		return
	}

	page, hasPage := pageParam(r)
	if !hasPage {
		writeActivityJSON(w, http.StatusOK, h.translator.FollowersCollection(feed, total))
		return
	}

	followers, err := h.followerRepo.ListByFeed(r.Context(), feed.ID)
	if err != nil {
		h.serverError(w, feed.Name, err)
		return
	}

	pageSize := h.translator.OutboxPageSize()
	start := (page - 1) * pageSize
	if start > len(followers) {
		start = len(followers)
	}
	end := start + pageSize
	if end > len(followers) {
		end = len(followers)
	}
	writeActivityJSON(w, http.StatusOK, h.translator.FollowersPage(feed, followers[start:end], total, page))
}

// findFeed はパスパラメータのnameからフィードを引く。
// 見つからない場合は404を書き込みfalseを返す。
func (h *APHandler) findFeed(w http.ResponseWriter, r *http.Request) (*model.Feed, bool) {
	name := chi.URLParam(r, "name")
	feed, err := h.feedRepo.FindByName(r.Context(), name)
	if err != nil {
		h.serverError(w, name, err)
		return nil, false
	}
	if feed == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	return feed, true
}

func (h *APHandler) serverError(w http.ResponseWriter, feedName string, err error) {
	h.logger.Error("リクエスト処理に失敗しました",
		slog.String("feed_name", feedName),
		slog.String("error", err.Error()),
	)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// pageParam はpageクエリパラメータを返す。不正値は1として扱う。
func pageParam(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("page")
	if raw == "" {
		return 0, false
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		page = 1
	}
	return page, true
}

// writeActivityJSON はActivityPubドキュメントをJSONで書き込む。
func writeActivityJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", ap.ContentType+"; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
