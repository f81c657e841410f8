package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/feedpub/internal/model"
	"github.com/hitoshi/feedpub/internal/transport"
)

// allowAllGuard はテスト用のSSRFValidator実装。
// httptestのループバックアドレスを許可するため、検証を行わない。
type allowAllGuard struct {
	validateErr error
}

func (g *allowAllGuard) ValidateURL(string) error {
	return g.validateErr
}

func (g *allowAllGuard) NewSafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// newTestLoader はバックオフ待ちを短縮したLoaderを生成する。
func newTestLoader(guard *allowAllGuard, maxBodySize int64) *Loader {
	loader := NewLoader(guard, 5*time.Second, maxBodySize)
	loader.retryPolicy = transport.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	return loader
}

// TestLoad_SendsConditionalHeaders は前回のETag/Last-Modifiedが
// 条件付きGETヘッダーとして送信されることを検証する。
func TestLoad_SendsConditionalHeaders(t *testing.T) {
	var gotIfNoneMatch, gotIfModifiedSince string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfNoneMatch = r.Header.Get("If-None-Match")
		gotIfModifiedSince = r.Header.Get("If-Modified-Since")
		w.Header().Set("ETag", `"v2"`)
		w.Write([]byte("<rss></rss>"))
	}))
	defer server.Close()

	loader := newTestLoader(&allowAllGuard{}, 1<<20)
	feed := &model.Feed{
		ID:           "feed-1",
		URL:          server.URL,
		ETag:         `"v1"`,
		LastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
	}

	result, err := loader.Load(context.Background(), feed)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if gotIfNoneMatch != `"v1"` {
		t.Errorf("If-None-Match = %q, want %q", gotIfNoneMatch, `"v1"`)
	}
	if gotIfModifiedSince != "Mon, 02 Jan 2006 15:04:05 GMT" {
		t.Errorf("If-Modified-Since = %q", gotIfModifiedSince)
	}
	if result.ETag != `"v2"` {
		t.Errorf("result ETag = %q, want %q", result.ETag, `"v2"`)
	}
}

// TestLoad_NotModified は304レスポンスでNotModifiedが立つことを検証する。
func TestLoad_NotModified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	loader := newTestLoader(&allowAllGuard{}, 1<<20)
	result, err := loader.Load(context.Background(), &model.Feed{ID: "feed-1", URL: server.URL})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if !result.NotModified {
		t.Error("expected NotModified to be true")
	}
}

// TestLoad_HTTPError は2xx以外のステータスがNetworkErrorになることを検証する。
func TestLoad_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	loader := newTestLoader(&allowAllGuard{}, 1<<20)
	_, err := loader.Load(context.Background(), &model.Feed{ID: "feed-1", URL: server.URL})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}

	var netErr *model.NetworkError
	if !errors.As(err, &netErr) {
		t.Errorf("error type = %T, want *model.NetworkError", err)
	}
}

// TestLoad_RetriesTransientFailure は一時的な5xxがトランスポートレベルで
// 再試行され、回復後のレスポンスで成功することを検証する。
func TestLoad_RetriesTransientFailure(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("<rss></rss>"))
	}))
	defer server.Close()

	loader := newTestLoader(&allowAllGuard{}, 1<<20)
	result, err := loader.Load(context.Background(), &model.Feed{ID: "feed-1", URL: server.URL})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if requests != 2 {
		t.Errorf("requests = %d, want 2 (one retry)", requests)
	}
	if string(result.Body) != "<rss></rss>" {
		t.Errorf("body = %q", result.Body)
	}
}

// TestLoad_SSRFBlocked はSSRF検証に失敗したURLがネットワークアクセスなしで
// 拒否されることを検証する。
func TestLoad_SSRFBlocked(t *testing.T) {
	requested := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = true
	}))
	defer server.Close()

	guard := &allowAllGuard{validateErr: errors.New("blocked IP address")}
	loader := newTestLoader(guard, 1<<20)

	_, err := loader.Load(context.Background(), &model.Feed{ID: "feed-1", URL: server.URL})
	if err == nil {
		t.Fatal("expected error for blocked URL")
	}
	if requested {
		t.Error("blocked URL must not be requested")
	}

	var validationErr *model.ValidationError
	if !errors.As(err, &validationErr) {
		t.Errorf("error type = %T, want *model.ValidationError", err)
	}
}

// TestLoad_BodySizeLimit は上限サイズを超えるボディが切り詰められることを検証する。
func TestLoad_BodySizeLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer server.Close()

	loader := newTestLoader(&allowAllGuard{}, 1024)
	result, err := loader.Load(context.Background(), &model.Feed{ID: "feed-1", URL: server.URL})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if len(result.Body) != 1024 {
		t.Errorf("body size = %d, want 1024", len(result.Body))
	}
}
