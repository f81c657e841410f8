// Package webfinger はuser@domainハンドルからアクターURLを解決する。
package webfinger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/feedpub/internal/ap"
	"github.com/hitoshi/feedpub/internal/model"
	"github.com/hitoshi/feedpub/internal/transport"
)

// Resolver はリモートサーバーへのWebfinger照会を行う。
type Resolver struct {
	httpClient  *http.Client
	logger      *slog.Logger
	retryPolicy transport.Policy
}

// NewResolver はResolverの新しいインスタンスを生成する。
func NewResolver(httpClient *http.Client, logger *slog.Logger) *Resolver {
	return &Resolver{
		httpClient:  httpClient,
		logger:      logger,
		retryPolicy: transport.DefaultPolicy,
	}
}

// FindActorURL はuser@domainハンドルをWebfingerで照会し、
// rel="self"かつtype="application/activity+json"のリンクのhrefを返す。
// 該当リンクが無い場合は解決失敗としてValidationErrorを返す。
func (r *Resolver) FindActorURL(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")

	parts := strings.Split(handle, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", &model.ValidationError{Reason: fmt.Sprintf("不正なハンドル形式です: %s", handle)}
	}
	domain := parts[1]

	query := url.Values{}
	query.Set("resource", "acct:"+handle)
	webfingerURL := fmt.Sprintf("https://%s/.well-known/webfinger?%s", domain, query.Encode())

	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, webfingerURL, nil)
		if err != nil {
			return nil, fmt.Errorf("webfingerリクエストの作成に失敗しました: %w", err)
		}
		req.Header.Set("Accept", "application/jrd+json, application/json")
		req.Header.Set("User-Agent", userAgent)
		return req, nil
	}

	resp, err := transport.Do(ctx, r.httpClient, r.retryPolicy, build)
	if err != nil {
		return "", &model.NetworkError{URL: webfingerURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &model.NetworkError{
			URL: webfingerURL,
			Err: fmt.Errorf("HTTPステータス %d", resp.StatusCode),
		}
	}

	var jrd ap.WebfingerResponse
	if err := json.NewDecoder(resp.Body).Decode(&jrd); err != nil {
		return "", &model.ParseError{Reason: "webfingerレスポンスのデコードに失敗", Err: err}
	}

	for _, link := range jrd.Links {
		if link.Rel == "self" && link.Type == ap.ContentType && link.Href != "" {
			return link.Href, nil
		}
	}

	r.logger.Warn("webfingerレスポンスにアクターリンクがありません",
		slog.String("handle", handle),
	)
	return "", &model.ValidationError{Reason: fmt.Sprintf("アクターリンクが見つかりません: %s", handle)}
}

// userAgent は送信リクエストに付与するUser-Agent。
const userAgent = "feedpub/1.0 (+https://github.com/hitoshi/feedpub)"
