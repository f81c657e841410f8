// Package ingest はフィードの取り込みパイプラインを提供する。
// HTTPフェッチ（条件付きGET）、gofeedによるパース、記事の冪等な保存、
// 新着記事の配送ファンアウトまでを担当する。
package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hitoshi/feedpub/internal/model"
	"github.com/hitoshi/feedpub/internal/transport"
)

// userAgent はフィードフェッチに付与するUser-Agent。
const userAgent = "feedpub/1.0 (+https://github.com/hitoshi/feedpub)"

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// LoadResult はフィードドキュメントのフェッチ結果を表す。
type LoadResult struct {
	NotModified  bool
	Body         []byte
	ETag         string
	LastModified string
}

// Loader はフィードドキュメントのHTTPフェッチを行う。
// ETag/Last-Modifiedによる条件付きGETと、SSRF検証・サイズ上限付きの
// 読み取りを実装する。
type Loader struct {
	ssrfGuard   SSRFValidator
	timeout     time.Duration
	maxBodySize int64
	retryPolicy transport.Policy
}

// NewLoader はLoaderの新しいインスタンスを生成する。
func NewLoader(ssrfGuard SSRFValidator, timeout time.Duration, maxBodySize int64) *Loader {
	return &Loader{
		ssrfGuard:   ssrfGuard,
		timeout:     timeout,
		maxBodySize: maxBodySize,
		retryPolicy: transport.DefaultPolicy,
	}
}

// Load はフィードドキュメントをフェッチする。
// フィードが前回のETag/Last-Modifiedを持つ場合は条件付きGETを行い、
// 304の場合はNotModifiedを立てたLoadResultを返す。
func (l *Loader) Load(ctx context.Context, feed *model.Feed) (*LoadResult, error) {
	if err := l.ssrfGuard.ValidateURL(feed.URL); err != nil {
		return nil, &model.ValidationError{Reason: fmt.Sprintf("SSRF検証失敗: %s", err.Error())}
	}

	client := l.ssrfGuard.NewSafeClient(l.timeout)
	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("フィードリクエストの作成に失敗しました: %w", err)
		}

		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

		if feed.ETag != "" {
			req.Header.Set("If-None-Match", feed.ETag)
		}
		if feed.LastModified != "" {
			req.Header.Set("If-Modified-Since", feed.LastModified)
		}
		return req, nil
	}

	resp, err := transport.Do(ctx, client, l.retryPolicy, build)
	if err != nil {
		return nil, &model.NetworkError{URL: feed.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &LoadResult{NotModified: true}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &model.NetworkError{
			URL: feed.URL,
			Err: fmt.Errorf("HTTPステータス %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBodySize))
	if err != nil {
		return nil, &model.NetworkError{URL: feed.URL, Err: err}
	}

	return &LoadResult{
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}
