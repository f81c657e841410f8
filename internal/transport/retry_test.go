package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// testPolicy はテスト実行を遅くしないための短い待ち時間の方針。
var testPolicy = Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

func buildFor(t *testing.T, url string) func() (*http.Request, error) {
	t.Helper()
	return func() (*http.Request, error) {
		return http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	}
}

// TestDo_RetriesTransientStatus は5xxが再試行され、回復後のレスポンスが
// 返ることを検証する。
func TestDo_RetriesTransientStatus(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := Do(context.Background(), server.Client(), testPolicy, buildFor(t, server.URL))
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if requests != 3 {
		t.Errorf("requests = %d, want 3", requests)
	}
}

// TestDo_ExhaustsAttempts は再試行上限到達で最終レスポンスがそのまま
// 返ることを検証する。
func TestDo_ExhaustsAttempts(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	resp, err := Do(context.Background(), server.Client(), testPolicy, buildFor(t, server.URL))
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if requests != testPolicy.MaxAttempts {
		t.Errorf("requests = %d, want %d", requests, testPolicy.MaxAttempts)
	}
}

// TestDo_PermanentStatusIsNotRetried は4xxが再試行されないことを検証する。
func TestDo_PermanentStatusIsNotRetried(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	resp, err := Do(context.Background(), server.Client(), testPolicy, buildFor(t, server.URL))
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	defer resp.Body.Close()

	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}
}

// TestDo_RetriesTooManyRequests は429が再試行対象になることを検証する。
func TestDo_RetriesTooManyRequests(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := Do(context.Background(), server.Client(), testPolicy, buildFor(t, server.URL))
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
}

// TestDo_ContextCancelStopsRetry はバックオフ待機中のキャンセルで
// 即座に打ち切られることを検証する。
func TestDo_ContextCancelStopsRetry(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := Policy{MaxAttempts: 3, BaseDelay: time.Minute}
	build := func() (*http.Request, error) {
		// キャンセル済みコンテキストでもリクエスト自体は送信させるため
		// バックグラウンドのコンテキストで生成する
		return http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	}

	_, err := Do(ctx, server.Client(), policy, build)
	if err == nil {
		t.Fatal("expected context error")
	}
	if requests != 1 {
		t.Errorf("requests = %d, want 1 (no retry after cancel)", requests)
	}
}

// TestRetryable はステータスコードの分類を検証する。
func TestRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{200, false},
		{304, false},
		{404, false},
		{410, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tt := range tests {
		if got := Retryable(tt.status); got != tt.want {
			t.Errorf("Retryable(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
