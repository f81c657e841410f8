package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedpub/internal/middleware"
	"github.com/hitoshi/feedpub/internal/model"
	"github.com/hitoshi/feedpub/internal/signature"
	"github.com/hitoshi/feedpub/internal/translator"
)

// mockFeedRepo はテスト用のFeedRepository実装。
type mockFeedRepo struct {
	feeds map[string]*model.Feed
}

func (m *mockFeedRepo) FindByID(_ context.Context, id string) (*model.Feed, error) {
	for _, f := range m.feeds {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, nil
}

func (m *mockFeedRepo) FindByName(_ context.Context, name string) (*model.Feed, error) {
	return m.feeds[name], nil
}

func (m *mockFeedRepo) FindAdmin(_ context.Context) (*model.Feed, error) { return nil, nil }
func (m *mockFeedRepo) Create(_ context.Context, feed *model.Feed) error { return nil }
func (m *mockFeedRepo) Update(_ context.Context, feed *model.Feed) error { return nil }

func (m *mockFeedRepo) ListStale(_ context.Context, threshold time.Time, maxErrors int) ([]*model.Feed, error) {
	return nil, nil
}

func (m *mockFeedRepo) UpdateRefreshState(_ context.Context, feed *model.Feed) error { return nil }
func (m *mockFeedRepo) MarkRefreshed(_ context.Context, id string) error             { return nil }

// mockItemRepo はテスト用のItemRepository実装。
type mockItemRepo struct {
	items []*model.Item
}

func (m *mockItemRepo) ExistsByFeedAndGUID(_ context.Context, feedID, guid string) (bool, error) {
	return false, nil
}

func (m *mockItemRepo) Create(_ context.Context, item *model.Item) error { return nil }

func (m *mockItemRepo) ListByFeed(_ context.Context, feedID string, limit, offset int) ([]*model.Item, error) {
	if offset > len(m.items) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.items) {
		end = len(m.items)
	}
	return m.items[offset:end], nil
}

func (m *mockItemRepo) CountByFeed(_ context.Context, feedID string) (int, error) {
	return len(m.items), nil
}

// mockFollowerRepo はテスト用のFollowerRepository実装。
type mockFollowerRepo struct {
	followers []*model.Follower
}

func (m *mockFollowerRepo) Upsert(_ context.Context, follower *model.Follower) error { return nil }
func (m *mockFollowerRepo) Delete(_ context.Context, feedID, actorURL string) error  { return nil }

func (m *mockFollowerRepo) ListByFeed(_ context.Context, feedID string) ([]*model.Follower, error) {
	return m.followers, nil
}

func (m *mockFollowerRepo) CountByFeed(_ context.Context, feedID string) (int, error) {
	return len(m.followers), nil
}

// mockDispatcher はテスト用のDispatcher実装。
type mockDispatcher struct {
	feeds      []string
	validities []signature.Validity
	bodies     [][]byte
	err        error
}

func (m *mockDispatcher) Dispatch(_ context.Context, feed *model.Feed, validity signature.Validity, body []byte) error {
	m.feeds = append(m.feeds, feed.Name)
	m.validities = append(m.validities, validity)
	m.bodies = append(m.bodies, body)
	if m.err != nil {
		return m.err
	}
	// 実装と同じく、安全でない署名は認証エラーとして拒否する
	if !validity.IsSecure() {
		return &model.AuthenticationError{Reason: validity.Code.String()}
	}
	return nil
}

type handlerFixture struct {
	feedRepo     *mockFeedRepo
	itemRepo     *mockItemRepo
	followerRepo *mockFollowerRepo
	dispatcher   *mockDispatcher
	router       *chi.Mux
}

func newHandlerFixture() *handlerFixture {
	f := &handlerFixture{
		feedRepo: &mockFeedRepo{feeds: map[string]*model.Feed{
			"news": {ID: "feed-1", Name: "news", Title: "Example News"},
		}},
		itemRepo:     &mockItemRepo{},
		followerRepo: &mockFollowerRepo{},
		dispatcher:   &mockDispatcher{},
	}

	tr := translator.NewTranslator("feeds.example")
	apHandler := NewAPHandler(f.feedRepo, f.itemRepo, f.followerRepo, tr, f.dispatcher, slog.Default())
	wfHandler := NewWebfingerHandler(f.feedRepo, tr, "feeds.example", slog.Default())

	r := chi.NewRouter()
	r.Get("/feed/{name}", apHandler.GetActor)
	r.With(middleware.NewSignatureMiddleware(nil, true)).Post("/feed/{name}/inbox", apHandler.PostInbox)
	r.Get("/feed/{name}/outbox", apHandler.GetOutbox)
	r.Get("/feed/{name}/followers", apHandler.GetFollowers)
	r.Get("/.well-known/webfinger", wfHandler.Resolve)
	f.router = r
	return f
}

// TestGetActor はアクタードキュメントが正しいContent-Typeで返ることを検証する。
func TestGetActor(t *testing.T) {
	f := newHandlerFixture()

	req := httptest.NewRequest(http.MethodGet, "/feed/news", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/activity+json") {
		t.Errorf("Content-Type = %q", ct)
	}

	var doc struct {
		Type              string `json:"type"`
		PreferredUsername string `json:"preferredUsername"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if doc.Type != "Service" || doc.PreferredUsername != "news" {
		t.Errorf("doc = %+v", doc)
	}
}

// TestGetActor_UnknownFeed は未知のフィード名が404になることを検証する。
func TestGetActor_UnknownFeed(t *testing.T) {
	f := newHandlerFixture()

	req := httptest.NewRequest(http.MethodGet, "/feed/missing", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// TestPostInbox は受信アクティビティがディスパッチャーに渡り202が
// 返ることを検証する。
func TestPostInbox(t *testing.T) {
	f := newHandlerFixture()
	body := `{"type":"Follow","actor":"https://remote.example/users/alice"}`

	req := httptest.NewRequest(http.MethodPost, "/feed/news/inbox", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(f.dispatcher.bodies) != 1 {
		t.Fatalf("dispatched = %d, want 1", len(f.dispatcher.bodies))
	}
	if string(f.dispatcher.bodies[0]) != body {
		t.Errorf("dispatched body = %q", f.dispatcher.bodies[0])
	}
	if !f.dispatcher.validities[0].IsSecure() {
		t.Error("validity from context must be secure when checks are disabled")
	}
}

// TestPostInbox_UnsignedRequestRejected は署名検証が有効な場合、
// Signatureヘッダーのないリクエストが404で拒否されることを検証する。
func TestPostInbox_UnsignedRequestRejected(t *testing.T) {
	f := newHandlerFixture()
	tr := translator.NewTranslator("feeds.example")
	apHandler := NewAPHandler(f.feedRepo, f.itemRepo, f.followerRepo, tr, f.dispatcher, slog.Default())

	r := chi.NewRouter()
	r.With(middleware.NewSignatureMiddleware(nil, false)).Post("/feed/{name}/inbox", apHandler.PostInbox)

	req := httptest.NewRequest(http.MethodPost, "/feed/news/inbox", strings.NewReader(`{"type":"Follow"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 on authentication failure", rec.Code)
	}
	// 拒否されても監査のためにディスパッチャーには渡る
	if len(f.dispatcher.validities) != 1 {
		t.Fatalf("dispatched = %d, want 1", len(f.dispatcher.validities))
	}
	if f.dispatcher.validities[0].Code != signature.ValidityAbsent {
		t.Errorf("validity = %s, want Absent", f.dispatcher.validities[0].Code)
	}
}

// TestPostInbox_AuthenticationError はディスパッチャーの認証エラーが
// 404になることを検証する。
func TestPostInbox_AuthenticationError(t *testing.T) {
	f := newHandlerFixture()
	f.dispatcher.err = &model.AuthenticationError{Reason: "Outdated"}

	req := httptest.NewRequest(http.MethodPost, "/feed/news/inbox", strings.NewReader(`{"type":"Follow"}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// TestPostInbox_DispatchError はディスパッチの内部エラーが500になることを検証する。
func TestPostInbox_DispatchError(t *testing.T) {
	f := newHandlerFixture()
	f.dispatcher.err = context.DeadlineExceeded

	req := httptest.NewRequest(http.MethodPost, "/feed/news/inbox", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

// TestGetOutbox_Collection はpageパラメータなしでコレクションルートが
// 返ることを検証する。
func TestGetOutbox_Collection(t *testing.T) {
	f := newHandlerFixture()
	for i := 0; i < 25; i++ {
		f.itemRepo.items = append(f.itemRepo.items, &model.Item{ID: "item", FeedID: "feed-1"})
	}

	req := httptest.NewRequest(http.MethodGet, "/feed/news/outbox", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var coll struct {
		Type       string `json:"type"`
		TotalItems int    `json:"totalItems"`
		First      string `json:"first"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &coll); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if coll.Type != "OrderedCollection" || coll.TotalItems != 25 {
		t.Errorf("collection = %+v", coll)
	}
	if !strings.HasSuffix(coll.First, "?page=1") {
		t.Errorf("First = %q", coll.First)
	}
}

// TestGetOutbox_Page はpage=1で記事ページが返ることを検証する。
func TestGetOutbox_Page(t *testing.T) {
	f := newHandlerFixture()
	for i := 0; i < 25; i++ {
		f.itemRepo.items = append(f.itemRepo.items, &model.Item{ID: "item", FeedID: "feed-1"})
	}

	req := httptest.NewRequest(http.MethodGet, "/feed/news/outbox?page=1", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var page struct {
		Type         string `json:"type"`
		OrderedItems []any  `json:"orderedItems"`
		Next         string `json:"next"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if page.Type != "OrderedCollectionPage" {
		t.Errorf("Type = %q", page.Type)
	}
	if len(page.OrderedItems) != 20 {
		t.Errorf("OrderedItems = %d, want 20 (page size)", len(page.OrderedItems))
	}
	if !strings.HasSuffix(page.Next, "?page=2") {
		t.Errorf("Next = %q", page.Next)
	}
}

// TestGetFollowers はfollowersコレクションとページを検証する。
func TestGetFollowers(t *testing.T) {
	f := newHandlerFixture()
	f.followerRepo.followers = []*model.Follower{
		{Actor: "https://a.example/users/alice"},
		{Actor: "https://b.example/users/bob"},
	}

	req := httptest.NewRequest(http.MethodGet, "/feed/news/followers", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var coll struct {
		TotalItems int `json:"totalItems"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &coll); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if coll.TotalItems != 2 {
		t.Errorf("TotalItems = %d, want 2", coll.TotalItems)
	}

	req = httptest.NewRequest(http.MethodGet, "/feed/news/followers?page=1", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var page struct {
		OrderedItems []string `json:"orderedItems"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(page.OrderedItems) != 2 {
		t.Errorf("OrderedItems = %v, want 2 actor URLs", page.OrderedItems)
	}
}

// TestWebfinger はリソースパラメータの解決を検証する。
func TestWebfinger(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{"acct形式", "?resource=acct:news@feeds.example", http.StatusOK},
		{"先頭@付き", "?resource=@news@feeds.example", http.StatusOK},
		{"ドメインの大文字小文字は無視", "?resource=acct:news@FEEDS.EXAMPLE", http.StatusOK},
		{"未知のアカウント", "?resource=acct:missing@feeds.example", http.StatusNotFound},
		{"他ドメインのリソース", "?resource=acct:news@other.example", http.StatusNotFound},
		{"resourceパラメータなし", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture()
			req := httptest.NewRequest(http.MethodGet, "/.well-known/webfinger"+tt.query, nil)
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/jrd+json") {
				t.Errorf("Content-Type = %q", ct)
			}
			var jrd struct {
				Subject string `json:"subject"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &jrd); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if jrd.Subject != "acct:news@feeds.example" {
				t.Errorf("Subject = %q", jrd.Subject)
			}
		})
	}
}
