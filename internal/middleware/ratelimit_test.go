package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newTestRateLimiter(burst int) *RateLimiter {
	return NewRateLimiter(RateLimiterConfig{
		InboxRate:       rate.Limit(0.01), // 補充をほぼ止めてバーストのみで判定する
		InboxBurst:      burst,
		CleanupInterval: time.Hour,
	})
}

// TestRateLimiter_BurstExceeded はバースト超過のリクエストが429になる
// ことを検証する。
func TestRateLimiter_BurstExceeded(t *testing.T) {
	rl := newTestRateLimiter(2)
	defer rl.Stop()

	handler := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/feed/news/inbox", nil)
		req.RemoteAddr = "203.0.113.10:4567"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d status = %d, want 202", i+1, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/feed/news/inbox", nil)
	req.RemoteAddr = "203.0.113.10:4567"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response must carry Retry-After")
	}
}

// TestRateLimiter_PerHost は接続元ホストごとに独立した制限であることを検証する。
func TestRateLimiter_PerHost(t *testing.T) {
	rl := newTestRateLimiter(1)
	defer rl.Stop()

	handler := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	first := httptest.NewRequest(http.MethodPost, "/feed/news/inbox", nil)
	first.RemoteAddr = "203.0.113.10:4567"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first host status = %d, want 202", rec.Code)
	}

	// 同一ホストの2回目はバースト超過
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("first host second request status = %d, want 429", rec.Code)
	}

	// 別ホストは影響を受けない
	other := httptest.NewRequest(http.MethodPost, "/feed/news/inbox", nil)
	other.RemoteAddr = "198.51.100.7:9999"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("other host status = %d, want 202", rec.Code)
	}

	if rl.LimiterCount() != 2 {
		t.Errorf("LimiterCount = %d, want 2", rl.LimiterCount())
	}
}

// TestNewRateLimiterConfig は毎分リクエスト数からの設定生成を検証する。
func TestNewRateLimiterConfig(t *testing.T) {
	cfg := NewRateLimiterConfig(120)
	if cfg.InboxRate != rate.Limit(2.0) {
		t.Errorf("InboxRate = %v, want 2 req/sec", cfg.InboxRate)
	}
	if cfg.InboxBurst != 120 {
		t.Errorf("InboxBurst = %d, want 120", cfg.InboxBurst)
	}

	// 0以下はデフォルト値にフォールバックする
	fallback := NewRateLimiterConfig(0)
	if fallback.InboxBurst != 120 {
		t.Errorf("fallback InboxBurst = %d, want 120", fallback.InboxBurst)
	}
}
