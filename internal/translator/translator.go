// Package translator はフィードと記事をActivityPubのオブジェクトグラフに変換する。
// 送信する形状（Create/Note、アクタープロフィール、OrderedCollection、Accept）
// ごとに具体的な構造体を組み立てる。
package translator

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/hitoshi/feedpub/internal/ap"
	"github.com/hitoshi/feedpub/internal/model"
)

// outboxPageSize はoutboxの1ページあたりの記事数。
const outboxPageSize = 20

// Translator はこのインスタンスのフィードに対応するActivityPubオブジェクトを
// 生成する。ドメイン名からID URLを導出する。
type Translator struct {
	domain  string
	baseURL string
}

// NewTranslator はTranslatorの新しいインスタンスを生成する。
func NewTranslator(domain string) *Translator {
	return &Translator{
		domain:  domain,
		baseURL: "https://" + domain,
	}
}

// ActorURL はフィードのアクターID URLを返す。
func (t *Translator) ActorURL(feed *model.Feed) string {
	return fmt.Sprintf("%s/feed/%s", t.baseURL, feed.Name)
}

// InboxURL はフィードのinbox URLを返す。
func (t *Translator) InboxURL(feed *model.Feed) string {
	return t.ActorURL(feed) + "/inbox"
}

// OutboxURL はフィードのoutbox URLを返す。
func (t *Translator) OutboxURL(feed *model.Feed) string {
	return t.ActorURL(feed) + "/outbox"
}

// KeyID はフィードの署名鍵IDを返す。
func (t *Translator) KeyID(feed *model.Feed) string {
	return t.ActorURL(feed) + "#main-key"
}

// Handle はフィードのwebfingerハンドルを返す。
func (t *Translator) Handle(feed *model.Feed) string {
	return fmt.Sprintf("%s@%s", feed.Name, t.domain)
}

// ActorDoc はフィードのアクタープロフィールドキュメントを生成する。
func (t *Translator) ActorDoc(feed *model.Feed) *ap.ActorDoc {
	actorURL := t.ActorURL(feed)

	doc := &ap.ActorDoc{
		Context:           []any{ap.ActivityContext, "https://w3id.org/security/v1"},
		ID:                actorURL,
		Type:              "Service",
		PreferredUsername: feed.Name,
		Name:              feed.Title,
		Summary:           feed.Description,
		URL:               feed.SiteURL,
		Inbox:             t.InboxURL(feed),
		Outbox:            t.OutboxURL(feed),
		Followers:         actorURL + "/followers",
		PublicKey: ap.PublicKey{
			ID:           t.KeyID(feed),
			Owner:        actorURL,
			PublicKeyPem: feed.PublicKeyPem,
		},
		Published: feed.CreatedAt.UTC().Format(time.RFC3339),
	}

	if feed.IconURL != "" {
		doc.Icon = &ap.Image{Type: "Image", URL: feed.IconURL}
	}
	if feed.ImageURL != "" {
		doc.Image = &ap.Image{Type: "Image", URL: feed.ImageURL}
	}

	return doc
}

// NoteFromItem は記事1件をNoteオブジェクトに変換する。
// status_publicityがpublicなら公開コレクション宛、unlistedなら
// フォロワー宛にして公開コレクションをccに落とす。
func (t *Translator) NoteFromItem(feed *model.Feed, item *model.Item) ap.Note {
	actorURL := t.ActorURL(feed)
	followersURL := actorURL + "/followers"

	note := ap.Note{
		ID:           fmt.Sprintf("%s/items/%s", actorURL, item.ID),
		Type:         "Note",
		Published:    item.CreatedAt.UTC().Format(time.RFC3339),
		AttributedTo: actorURL,
		Content:      t.renderItemContent(feed, item),
		URL:          item.URL,
	}

	if feed.Language != "" {
		note.ContentMap = map[string]string{feed.Language: note.Content}
	}
	if feed.ContentWarning != "" {
		note.Summary = feed.ContentWarning
		note.Sensitive = true
	}
	if feed.Hashtag != "" {
		note.Tag = append(note.Tag, ap.Tag{
			Type: "Hashtag",
			Href: fmt.Sprintf("%s/tags/%s", t.baseURL, feed.Hashtag),
			Name: "#" + feed.Hashtag,
		})
	}

	if feed.StatusPublicity == "unlisted" {
		note.To = []string{followersURL}
		note.CC = []string{ap.PublicCollection}
	} else {
		note.To = []string{ap.PublicCollection}
		note.CC = []string{followersURL}
	}

	return note
}

// CreateFromItem は記事1件を配送用のCreateアクティビティに変換する。
func (t *Translator) CreateFromItem(feed *model.Feed, item *model.Item) *ap.CreateNote {
	note := t.NoteFromItem(feed, item)
	return &ap.CreateNote{
		Context:   ap.ActivityContext,
		ID:        note.ID + "/activity",
		Type:      "Create",
		Actor:     t.ActorURL(feed),
		Published: note.Published,
		To:        note.To,
		CC:        note.CC,
		Object:    note,
	}
}

// AcceptFollow は受信したFollowをそのままエコーするAcceptを生成する。
func (t *Translator) AcceptFollow(feed *model.Feed, followerActorURL string, rawFollow json.RawMessage) *ap.Accept {
	return &ap.Accept{
		Context: ap.ActivityContext,
		ID:      fmt.Sprintf("%s/accept/%s", t.ActorURL(feed), uuidFragment(rawFollow)),
		Type:    "Accept",
		Actor:   t.ActorURL(feed),
		To:      []string{followerActorURL},
		Object:  rawFollow,
	}
}

// DirectMessage は特定アクター宛のメンション付きダイレクトメッセージを生成する。
// adminフィードからの操作者メッセージ（ログインリンク等）に使用する。
// 公開コレクションには宛先を向けず、sensitiveフラグを立てる。
func (t *Translator) DirectMessage(feed *model.Feed, to *model.Actor, content string) *ap.CreateNote {
	actorURL := t.ActorURL(feed)
	now := time.Now().UTC().Format(time.RFC3339)

	handle := to.Username
	if domain := hostOf(to.URL); domain != "" {
		handle = handle + "@" + domain
	}

	note := ap.Note{
		ID:           fmt.Sprintf("%s/messages/%d", actorURL, time.Now().UnixNano()),
		Type:         "Note",
		Published:    now,
		AttributedTo: actorURL,
		Content:      content,
		Sensitive:    true,
		To:           []string{to.URL},
		Tag: []ap.Tag{{
			Type: "Mention",
			Href: to.URL,
			Name: "@" + handle,
		}},
	}

	return &ap.CreateNote{
		Context:   ap.ActivityContext,
		ID:        note.ID + "/activity",
		Type:      "Create",
		Actor:     actorURL,
		Published: now,
		To:        note.To,
		Object:    note,
	}
}

// OutboxCollection はoutboxのルートドキュメントを生成する。
func (t *Translator) OutboxCollection(feed *model.Feed, totalItems int) *ap.OrderedCollection {
	outboxURL := t.OutboxURL(feed)
	coll := &ap.OrderedCollection{
		Context:    ap.ActivityContext,
		ID:         outboxURL,
		Type:       "OrderedCollection",
		TotalItems: totalItems,
	}
	if totalItems > 0 {
		coll.First = outboxURL + "?page=1"
	}
	return coll
}

// OutboxPage はoutboxの1ページを生成する。
func (t *Translator) OutboxPage(feed *model.Feed, items []*model.Item, totalItems, page int) *ap.OrderedCollectionPage {
	outboxURL := t.OutboxURL(feed)

	doc := &ap.OrderedCollectionPage{
		Context:    ap.ActivityContext,
		ID:         fmt.Sprintf("%s?page=%d", outboxURL, page),
		Type:       "OrderedCollectionPage",
		PartOf:     outboxURL,
		TotalItems: totalItems,
	}

	for _, item := range items {
		doc.OrderedItems = append(doc.OrderedItems, t.CreateFromItem(feed, item))
	}

	if page*outboxPageSize < totalItems {
		doc.Next = fmt.Sprintf("%s?page=%d", outboxURL, page+1)
	}
	if page > 1 {
		doc.Prev = fmt.Sprintf("%s?page=%d", outboxURL, page-1)
	}

	return doc
}

// FollowersCollection はfollowersコレクションのルートドキュメントを生成する。
func (t *Translator) FollowersCollection(feed *model.Feed, totalItems int) *ap.OrderedCollection {
	followersURL := t.ActorURL(feed) + "/followers"
	coll := &ap.OrderedCollection{
		Context:    ap.ActivityContext,
		ID:         followersURL,
		Type:       "OrderedCollection",
		TotalItems: totalItems,
	}
	if totalItems > 0 {
		coll.First = followersURL + "?page=1"
	}
	return coll
}

// FollowersPage はfollowersコレクションの1ページを生成する。
// 項目はフォロワーのアクターURL。
func (t *Translator) FollowersPage(feed *model.Feed, followers []*model.Follower, totalItems, page int) *ap.OrderedCollectionPage {
	followersURL := t.ActorURL(feed) + "/followers"

	doc := &ap.OrderedCollectionPage{
		Context:    ap.ActivityContext,
		ID:         fmt.Sprintf("%s?page=%d", followersURL, page),
		Type:       "OrderedCollectionPage",
		PartOf:     followersURL,
		TotalItems: totalItems,
	}
	for _, follower := range followers {
		doc.OrderedItems = append(doc.OrderedItems, follower.Actor)
	}
	if page*outboxPageSize < totalItems {
		doc.Next = fmt.Sprintf("%s?page=%d", followersURL, page+1)
	}
	if page > 1 {
		doc.Prev = fmt.Sprintf("%s?page=%d", followersURL, page-1)
	}

	return doc
}

// OutboxPageSize はoutboxの1ページあたりの記事数を返す。
func (t *Translator) OutboxPageSize() int {
	return outboxPageSize
}

// WebfingerResponse はこのインスタンスのフィードに対するJRDレスポンスを生成する。
func (t *Translator) WebfingerResponse(feed *model.Feed) *ap.WebfingerResponse {
	actorURL := t.ActorURL(feed)
	return &ap.WebfingerResponse{
		Subject: "acct:" + t.Handle(feed),
		Aliases: []string{actorURL},
		Links: []ap.WebfingerLink{
			{Rel: "self", Type: ap.ContentType, Href: actorURL},
		},
	}
}

// renderItemContent は記事をNote本文のHTMLにレンダリングする。
// タイトルとリンクを段落で並べ、フィードのハッシュタグがあれば末尾に付ける。
func (t *Translator) renderItemContent(feed *model.Feed, item *model.Item) string {
	var b strings.Builder

	if item.Title != "" {
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(item.Title))
		b.WriteString("</p>")
	}
	if item.Content != "" {
		b.WriteString("<p>")
		b.WriteString(item.Content)
		b.WriteString("</p>")
	}
	if item.URL != "" {
		escaped := html.EscapeString(item.URL)
		b.WriteString(fmt.Sprintf(`<p><a href="%s" rel="noopener noreferrer">%s</a></p>`, escaped, escaped))
	}
	if feed.Hashtag != "" {
		b.WriteString(fmt.Sprintf(`<p><a href="%s/tags/%s" rel="tag">#%s</a></p>`,
			t.baseURL, feed.Hashtag, html.EscapeString(feed.Hashtag)))
	}

	return b.String()
}

// uuidFragment は受信アクティビティのIDからAccept IDに使う安定した断片を作る。
func uuidFragment(raw json.RawMessage) string {
	var activity struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &activity); err == nil && activity.ID != "" {
		return fmt.Sprintf("%x", hash64(activity.ID))
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

// hash64 はFNV-1aの64ビットハッシュ。
func hash64(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// hostOf はURLのホスト名を返す。パースできない場合は空文字列を返す。
func hostOf(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i >= 0 {
		rest := rawURL[i+3:]
		if j := strings.IndexAny(rest, "/?#"); j >= 0 {
			return rest[:j]
		}
		return rest
	}
	return ""
}
