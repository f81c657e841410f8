package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/feedpub/internal/ap"
	"github.com/hitoshi/feedpub/internal/model"
	"github.com/hitoshi/feedpub/internal/signature"
)

// mockFollowerRepo はテスト用のFollowerRepository実装。
type mockFollowerRepo struct {
	followers map[string]bool // actor URL
	deleted   []string
}

func newMockFollowerRepo() *mockFollowerRepo {
	return &mockFollowerRepo{followers: map[string]bool{}}
}

func (m *mockFollowerRepo) Upsert(_ context.Context, follower *model.Follower) error {
	m.followers[follower.Actor] = true
	return nil
}

func (m *mockFollowerRepo) Delete(_ context.Context, feedID, actorURL string) error {
	delete(m.followers, actorURL)
	m.deleted = append(m.deleted, actorURL)
	return nil
}

func (m *mockFollowerRepo) ListByFeed(_ context.Context, feedID string) ([]*model.Follower, error) {
	return nil, nil
}

func (m *mockFollowerRepo) CountByFeed(_ context.Context, feedID string) (int, error) {
	return len(m.followers), nil
}

// mockMessageRepo はテスト用のMessageRepository実装。
type mockMessageRepo struct {
	messages []*model.Message
}

func (m *mockMessageRepo) Create(_ context.Context, message *model.Message) error {
	m.messages = append(m.messages, message)
	return nil
}

func (m *mockMessageRepo) DeleteOlderThan(_ context.Context, threshold time.Time) (int64, error) {
	return 0, nil
}

// mockSettingRepo はテスト用のSettingRepository実装。
type mockSettingRepo struct {
	values map[string]string
}

func (m *mockSettingRepo) Get(_ context.Context, name, defaultValue string) (string, error) {
	if v, ok := m.values[name]; ok {
		return v, nil
	}
	return defaultValue, nil
}

func (m *mockSettingRepo) Set(_ context.Context, name, value string) error {
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[name] = value
	return nil
}

// mockResolver はテスト用のActorResolver実装。
type mockResolver struct {
	actors map[string]*model.Actor
	calls  int
}

func (m *mockResolver) FindOrFetch(_ context.Context, identifier string) (*model.Actor, error) {
	m.calls++
	return m.actors[identifier], nil
}

// mockBuilder はテスト用のActivityBuilder実装。
type mockBuilder struct{}

func (mockBuilder) AcceptFollow(feed *model.Feed, followerActorURL string, rawFollow json.RawMessage) *ap.Accept {
	return &ap.Accept{Type: "Accept", Actor: "https://feeds.example/feed/" + feed.Name}
}

func (mockBuilder) DirectMessage(feed *model.Feed, to *model.Actor, content string) *ap.CreateNote {
	return &ap.CreateNote{Type: "Create", Object: ap.Note{Content: content, To: []string{to.URL}}}
}

// mockSender はテスト用のSender実装。
type mockSender struct {
	enqueued []any
	targets  []string
}

func (m *mockSender) EnqueueActivity(_ context.Context, feed *model.Feed, actorURL string, activity any) error {
	m.enqueued = append(m.enqueued, activity)
	m.targets = append(m.targets, actorURL)
	return nil
}

// passthroughSanitizer はテスト用のSanitizer実装。タグのみ除去する。
type passthroughSanitizer struct{}

func (passthroughSanitizer) SanitizeText(rawHTML string) string {
	out := rawHTML
	for {
		start := strings.Index(out, "<")
		if start < 0 {
			return out
		}
		end := strings.Index(out[start:], ">")
		if end < 0 {
			return out
		}
		out = out[:start] + out[start+end+1:]
	}
}

type dispatcherFixture struct {
	followerRepo *mockFollowerRepo
	messageRepo  *mockMessageRepo
	settingRepo  *mockSettingRepo
	resolver     *mockResolver
	sender       *mockSender
	dispatcher   *Dispatcher
}

func newDispatcherFixture() *dispatcherFixture {
	f := &dispatcherFixture{
		followerRepo: newMockFollowerRepo(),
		messageRepo:  &mockMessageRepo{},
		settingRepo:  &mockSettingRepo{},
		resolver: &mockResolver{actors: map[string]*model.Actor{
			"https://remote.example/users/alice": {
				URL:      "https://remote.example/users/alice",
				InboxURL: "https://remote.example/users/alice/inbox",
				Username: "alice",
			},
		}},
		sender: &mockSender{},
	}
	f.dispatcher = NewDispatcher(
		f.followerRepo, f.messageRepo, f.settingRepo, f.resolver, mockBuilder{},
		f.sender, passthroughSanitizer{}, nil, slog.Default(), "https://feeds.example",
	)
	return f
}

func secure() signature.Validity {
	return signature.Validity{Code: signature.ValidityValid}
}

// TestDispatch_Follow はFollow受信でフォロワー登録とAcceptのエンキューが
// 行われることを検証する。
func TestDispatch_Follow(t *testing.T) {
	f := newDispatcherFixture()
	feed := &model.Feed{ID: "feed-1", Name: "news"}
	body := []byte(`{
		"id": "https://remote.example/activities/1",
		"type": "Follow",
		"actor": "https://remote.example/users/alice",
		"object": "https://feeds.example/feed/news"
	}`)

	if err := f.dispatcher.Dispatch(context.Background(), feed, secure(), body); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if !f.followerRepo.followers["https://remote.example/users/alice"] {
		t.Error("expected follower to be registered")
	}
	if len(f.sender.enqueued) != 1 {
		t.Fatalf("enqueued = %d activities, want 1 (Accept)", len(f.sender.enqueued))
	}
	if _, ok := f.sender.enqueued[0].(*ap.Accept); !ok {
		t.Errorf("enqueued activity type = %T, want *ap.Accept", f.sender.enqueued[0])
	}
	if len(f.messageRepo.messages) != 1 || !f.messageRepo.messages[0].Handled {
		t.Error("expected a handled audit log entry")
	}
}

// TestDispatch_FollowFromBlockedDomain はブロック済みドメインからのFollowが
// 黙って無視されることを検証する。
func TestDispatch_FollowFromBlockedDomain(t *testing.T) {
	f := newDispatcherFixture()
	feed := &model.Feed{ID: "feed-1", Name: "news"}
	body := []byte(`{
		"type": "Follow",
		"actor": "https://blocked.example/users/spam"
	}`)

	if err := f.dispatcher.Dispatch(context.Background(), feed, secure(), body); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if len(f.followerRepo.followers) != 0 {
		t.Error("blocked actor must not be registered")
	}
	if len(f.sender.enqueued) != 0 {
		t.Error("no Accept must be sent to a blocked actor")
	}
}

// TestDispatch_InsecureSignature は安全でない署名のアクティビティが
// 処理されず、監査ログを残した上でAuthenticationErrorになることを検証する。
func TestDispatch_InsecureSignature(t *testing.T) {
	f := newDispatcherFixture()
	feed := &model.Feed{ID: "feed-1", Name: "news"}
	body := []byte(`{
		"type": "Follow",
		"actor": "https://remote.example/users/alice"
	}`)

	validity := signature.Validity{Code: signature.ValidityInvalidSignature}
	err := f.dispatcher.Dispatch(context.Background(), feed, validity, body)
	if err == nil {
		t.Fatal("expected authentication error for insecure signature")
	}
	var authErr *model.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("error type = %T, want *model.AuthenticationError", err)
	}

	if len(f.followerRepo.followers) != 0 {
		t.Error("insecure Follow must not register a follower")
	}
	if len(f.sender.enqueued) != 0 {
		t.Error("insecure Follow must not enqueue activities")
	}
	if len(f.messageRepo.messages) != 1 {
		t.Fatalf("messages = %d, want 1 audit entry", len(f.messageRepo.messages))
	}
	if f.messageRepo.messages[0].Error == "" || f.messageRepo.messages[0].Handled {
		t.Error("audit entry must record the verification failure")
	}
}

// TestDispatch_OutdatedSignature はDateが古すぎるリクエストも
// AuthenticationErrorになることを検証する。
func TestDispatch_OutdatedSignature(t *testing.T) {
	f := newDispatcherFixture()
	feed := &model.Feed{ID: "feed-1", Name: "news"}
	body := []byte(`{"type": "Follow", "actor": "https://remote.example/users/alice"}`)

	validity := signature.Validity{Code: signature.ValidityOutdated}
	err := f.dispatcher.Dispatch(context.Background(), feed, validity, body)

	var authErr *model.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("error type = %T, want *model.AuthenticationError", err)
	}
	if len(f.messageRepo.messages) != 1 {
		t.Fatalf("messages = %d, want 1 audit entry", len(f.messageRepo.messages))
	}
	if !strings.Contains(f.messageRepo.messages[0].Error, "Outdated") {
		t.Errorf("audit error = %q, want the validity classification", f.messageRepo.messages[0].Error)
	}
}

// TestDispatch_MalformedBody はデコードできないボディが監査ログに
// 記録されエラーにならないことを検証する。
func TestDispatch_MalformedBody(t *testing.T) {
	f := newDispatcherFixture()
	feed := &model.Feed{ID: "feed-1", Name: "news"}

	if err := f.dispatcher.Dispatch(context.Background(), feed, secure(), []byte(`not json`)); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if len(f.messageRepo.messages) != 1 {
		t.Fatalf("messages = %d, want 1 audit entry", len(f.messageRepo.messages))
	}
	if f.messageRepo.messages[0].Error == "" {
		t.Error("audit entry must record the decode failure")
	}
}

// TestDispatch_UndoFollow はUndo(Follow)でフォロワー行が削除されること、
// 存在しない行でも成功することを検証する。
func TestDispatch_UndoFollow(t *testing.T) {
	f := newDispatcherFixture()
	f.followerRepo.followers["https://remote.example/users/alice"] = true
	feed := &model.Feed{ID: "feed-1", Name: "news"}
	body := []byte(`{
		"type": "Undo",
		"actor": "https://remote.example/users/alice",
		"object": {
			"type": "Follow",
			"actor": "https://remote.example/users/alice",
			"object": "https://feeds.example/feed/news"
		}
	}`)

	if err := f.dispatcher.Dispatch(context.Background(), feed, secure(), body); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(f.followerRepo.followers) != 0 {
		t.Error("expected follower to be removed")
	}

	// 冪等性: もう一度処理しても成功する
	if err := f.dispatcher.Dispatch(context.Background(), feed, secure(), body); err != nil {
		t.Fatalf("second Undo returned error: %v", err)
	}
}

// TestDispatch_UndoNonFollow はFollow以外のUndoが無視されることを検証する。
func TestDispatch_UndoNonFollow(t *testing.T) {
	f := newDispatcherFixture()
	f.followerRepo.followers["https://remote.example/users/alice"] = true
	feed := &model.Feed{ID: "feed-1", Name: "news"}
	body := []byte(`{
		"type": "Undo",
		"actor": "https://remote.example/users/alice",
		"object": {"type": "Like", "actor": "https://remote.example/users/alice"}
	}`)

	if err := f.dispatcher.Dispatch(context.Background(), feed, secure(), body); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(f.followerRepo.deleted) != 0 {
		t.Error("Undo(Like) must not delete followers")
	}
}

// TestDispatch_Delete はDelete受信で送信アクターのフォロワー行が
// 削除されることを検証する。
func TestDispatch_Delete(t *testing.T) {
	f := newDispatcherFixture()
	f.followerRepo.followers["https://remote.example/users/alice"] = true
	feed := &model.Feed{ID: "feed-1", Name: "news"}
	body := []byte(`{
		"type": "Delete",
		"actor": "https://remote.example/users/alice",
		"object": "https://remote.example/users/alice"
	}`)

	if err := f.dispatcher.Dispatch(context.Background(), feed, secure(), body); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(f.followerRepo.followers) != 0 {
		t.Error("expected follower to be removed on account deletion")
	}
}

// TestDispatch_CreateHelp はadminフィード宛のhelpメンションに
// ダイレクトメッセージで応答することを検証する。
func TestDispatch_CreateHelp(t *testing.T) {
	f := newDispatcherFixture()
	feed := &model.Feed{ID: "feed-admin", Name: "admin", Admin: true}
	body := []byte(`{
		"type": "Create",
		"actor": "https://remote.example/users/alice",
		"object": {
			"type": "Note",
			"content": "<p>@admin help</p>"
		}
	}`)

	if err := f.dispatcher.Dispatch(context.Background(), feed, secure(), body); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if len(f.sender.enqueued) != 1 {
		t.Fatalf("enqueued = %d activities, want 1 (DM)", len(f.sender.enqueued))
	}
	dm, ok := f.sender.enqueued[0].(*ap.CreateNote)
	if !ok {
		t.Fatalf("enqueued activity type = %T, want *ap.CreateNote", f.sender.enqueued[0])
	}
	if !strings.Contains(dm.Object.Content, "https://feeds.example/login") {
		t.Errorf("DM content must contain the login link: %q", dm.Object.Content)
	}
	if f.sender.targets[0] != "https://remote.example/users/alice" {
		t.Errorf("DM target = %q, want the sender", f.sender.targets[0])
	}
}

// TestDispatch_CreateHelpCustomMessage はhelp応答文が設定で
// 上書きできることを検証する。
func TestDispatch_CreateHelpCustomMessage(t *testing.T) {
	f := newDispatcherFixture()
	f.settingRepo.values = map[string]string{
		"help_message": "<p>See https://docs.example/feeds for instructions.</p>",
	}
	feed := &model.Feed{ID: "feed-admin", Name: "admin", Admin: true}
	body := []byte(`{
		"type": "Create",
		"actor": "https://remote.example/users/alice",
		"object": {
			"type": "Note",
			"content": "<p>@admin help</p>"
		}
	}`)

	if err := f.dispatcher.Dispatch(context.Background(), feed, secure(), body); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if len(f.sender.enqueued) != 1 {
		t.Fatalf("enqueued = %d activities, want 1 (DM)", len(f.sender.enqueued))
	}
	dm := f.sender.enqueued[0].(*ap.CreateNote)
	if !strings.Contains(dm.Object.Content, "https://docs.example/feeds") {
		t.Errorf("DM content must use the configured message: %q", dm.Object.Content)
	}
}

// TestDispatch_CreateIgnoredCases はhelp応答の対象外となるCreateを検証する。
func TestDispatch_CreateIgnoredCases(t *testing.T) {
	tests := []struct {
		name  string
		admin bool
		body  string
	}{
		{
			name:  "非adminフィード宛",
			admin: false,
			body:  `{"type":"Create","actor":"https://remote.example/users/alice","object":{"type":"Note","content":"help"}}`,
		},
		{
			name:  "helpfulは単語境界で一致しない",
			admin: true,
			body:  `{"type":"Create","actor":"https://remote.example/users/alice","object":{"type":"Note","content":"that was helpful"}}`,
		},
		{
			name:  "走査窓の外のhelpには反応しない",
			admin: true,
			body:  `{"type":"Create","actor":"https://remote.example/users/alice","object":{"type":"Note","content":"` + strings.Repeat("a ", 60) + `help"}}`,
		},
		{
			name:  "Note以外のオブジェクト",
			admin: true,
			body:  `{"type":"Create","actor":"https://remote.example/users/alice","object":{"type":"Article","content":"help"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcherFixture()
			feed := &model.Feed{ID: "feed-1", Name: "news", Admin: tt.admin}

			if err := f.dispatcher.Dispatch(context.Background(), feed, secure(), []byte(tt.body)); err != nil {
				t.Fatalf("Dispatch returned error: %v", err)
			}
			if len(f.sender.enqueued) != 0 {
				t.Errorf("enqueued = %d activities, want 0", len(f.sender.enqueued))
			}
		})
	}
}

// TestDispatch_UnknownTypeIsIgnored は処理対象外のアクティビティが
// エラーにならず監査ログのみ残ることを検証する。
func TestDispatch_UnknownTypeIsIgnored(t *testing.T) {
	f := newDispatcherFixture()
	feed := &model.Feed{ID: "feed-1", Name: "news"}
	body := []byte(`{"type":"Accept","actor":"https://remote.example/users/alice"}`)

	if err := f.dispatcher.Dispatch(context.Background(), feed, secure(), body); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(f.messageRepo.messages) != 1 {
		t.Errorf("messages = %d, want 1 audit entry", len(f.messageRepo.messages))
	}
	if f.messageRepo.messages[0].Handled {
		t.Error("ignored activity must not be marked handled")
	}
}

// TestContainsHelpCommand は単語境界判定の各ケースを検証する。
func TestContainsHelpCommand(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"help", true},
		{"Help me please", true},
		{"@admin help", true},
		{"help!", true},
		{"ヘルプ help ください", true},
		{"helpful", false},
		{"shelp", false},
		{"no keyword here", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := containsHelpCommand(tt.text); got != tt.want {
			t.Errorf("containsHelpCommand(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
