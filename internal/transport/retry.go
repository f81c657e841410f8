// Package transport は送信HTTPリクエストの共通リトライ処理を提供する。
// ここでのリトライはトランスポートレベル（一時的なネットワーク断や
// 相手先の一時障害を同一タスク試行内で再試行する）であり、配送エンジンの
// タスクレベルのリトライとは独立している。
package transport

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Policy はトランスポートリトライの方針。
type Policy struct {
	// MaxAttempts は初回を含む最大試行回数。1以下は単発と同じ。
	MaxAttempts int
	// BaseDelay は初回リトライまでの待ち時間。以降は2倍ずつ増加する。
	BaseDelay time.Duration
}

// DefaultPolicy は全送信HTTPコールに適用する既定の方針。
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
}

// Retryable はHTTPステータスコードが再試行対象かを返す。
// 429と5xxは相手先の一時障害として再試行する。その他の4xxは恒久エラー。
func Retryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// Do はビルダー関数が生成したリクエストを送信し、トランスポートエラーと
// 再試行対象ステータスを指数バックオフ付きで再試行する。
// ボディや署名のDateヘッダーは試行ごとに作り直す必要があるため、
// リクエスト本体ではなくビルダー関数を受け取る。
// 最終試行の結果（レスポンスまたはエラー）をそのまま返す。
func Do(ctx context.Context, client *http.Client, policy Policy, build func() (*http.Request, error)) (*http.Response, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err == nil && !Retryable(resp.StatusCode) {
			return resp, nil
		}
		if attempt >= attempts {
			return resp, err
		}

		if resp != nil {
			// コネクション再利用のためボディを読み捨てる
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
		}

		if err := sleep(ctx, policy.BaseDelay<<(attempt-1)); err != nil {
			return nil, err
		}
	}
}

// sleep はコンテキストのキャンセルを尊重して待機する。
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
