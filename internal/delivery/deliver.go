package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/feedpub/internal/ap"
	"github.com/hitoshi/feedpub/internal/model"
	"github.com/hitoshi/feedpub/internal/signature"
	"github.com/hitoshi/feedpub/internal/transport"
)

// userAgent は送信リクエストに付与するUser-Agent。
const userAgent = "feedpub/1.0 (+https://github.com/hitoshi/feedpub)"

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// KeyIDProvider はフィードの署名鍵IDを導出するインターフェース。
// translator.Translatorが実装する。
type KeyIDProvider interface {
	KeyID(feed *model.Feed) string
}

// Deliverer はアクティビティ1件をリモートinboxへ署名付きPOSTする。
type Deliverer struct {
	ssrfGuard   SSRFValidator
	keys        KeyIDProvider
	logger      *slog.Logger
	timeout     time.Duration
	retryPolicy transport.Policy
}

// NewDeliverer はDelivererの新しいインスタンスを生成する。
func NewDeliverer(ssrfGuard SSRFValidator, keys KeyIDProvider, logger *slog.Logger, timeout time.Duration) *Deliverer {
	return &Deliverer{
		ssrfGuard:   ssrfGuard,
		keys:        keys,
		logger:      logger,
		timeout:     timeout,
		retryPolicy: transport.DefaultPolicy,
	}
}

// Deliver はアクティビティをinboxへ配送する。
// フィードの秘密鍵でDate/Digestを含むHTTP署名を付与し、2xx以外の
// レスポンスは配送失敗として扱う。
func (d *Deliverer) Deliver(ctx context.Context, feed *model.Feed, inboxURL string, body []byte) error {
	if err := d.ssrfGuard.ValidateURL(inboxURL); err != nil {
		return &model.ValidationError{Reason: fmt.Sprintf("SSRF検証失敗: %s", err.Error())}
	}

	// 署名はDateヘッダーを含むため、再試行ごとにリクエストを作り直して署名し直す
	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, inboxURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("配送リクエストの作成に失敗しました: %w", err)
		}
		req.Header.Set("Content-Type", ap.ContentType)
		req.Header.Set("User-Agent", userAgent)

		if err := signature.Sign(req, d.keys.KeyID(feed), feed.PrivateKeyPem, body); err != nil {
			return nil, err
		}
		return req, nil
	}

	start := time.Now()
	client := d.ssrfGuard.NewSafeClient(d.timeout)
	resp, err := transport.Do(ctx, client, d.retryPolicy, build)
	if err != nil {
		return &model.NetworkError{URL: inboxURL, Err: err}
	}
	defer resp.Body.Close()

	// 相手先のエラーボディはログ量を抑えるため読み捨てる
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &model.NetworkError{
			URL: inboxURL,
			Err: fmt.Errorf("HTTPステータス %d", resp.StatusCode),
		}
	}

	d.logger.Info("アクティビティを配送しました",
		slog.String("feed_id", feed.ID),
		slog.String("inbox_url", inboxURL),
		slog.Int("http_status", resp.StatusCode),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
