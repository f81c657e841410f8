// Package ap はActivityPubのワイヤーフォーマットを定義する。
// 送受信する形状ごとに具体的な構造体を用意し、汎用の拡張機構は持たない。
package ap

import "encoding/json"

// ActivityContext はActivityStreamsの標準@context。
const ActivityContext = "https://www.w3.org/ns/activitystreams"

// PublicCollection は公開投稿の宛先を表す特殊コレクション。
const PublicCollection = "https://www.w3.org/ns/activitystreams#Public"

// ContentType はActivityPubドキュメントのMIMEタイプ。
const ContentType = "application/activity+json"

// PublicKey はアクタードキュメントに埋め込まれる公開鍵。
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Image はアクターのアイコン・ヘッダー画像。
type Image struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// ActorDoc はこのサーバーがフィードごとに公開するアクタードキュメント。
type ActorDoc struct {
	Context           any       `json:"@context"`
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	PreferredUsername string    `json:"preferredUsername"`
	Name              string    `json:"name,omitempty"`
	Summary           string    `json:"summary,omitempty"`
	URL               string    `json:"url,omitempty"`
	Inbox             string    `json:"inbox"`
	Outbox            string    `json:"outbox"`
	Followers         string    `json:"followers,omitempty"`
	PublicKey         PublicKey `json:"publicKey"`
	Icon              *Image    `json:"icon,omitempty"`
	Image             *Image    `json:"image,omitempty"`
	ManuallyApproves  bool      `json:"manuallyApprovesFollowers"`
	Published         string    `json:"published,omitempty"`
}

// RemoteActorDoc はリモートサーバーから取得したアクタードキュメント。
// 一部のサーバー（GoToSocial系）は鍵のみのドキュメントを返すため、
// inboxの代わりにactorやpublicKey.ownerしか持たない場合がある。
type RemoteActorDoc struct {
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	PreferredUsername string     `json:"preferredUsername"`
	Inbox             string     `json:"inbox"`
	Actor             string     `json:"actor"`
	PublicKey         *PublicKey `json:"publicKey"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
}

// Tag はNoteに付与されるハッシュタグまたはメンション。
type Tag struct {
	Type string `json:"type"`
	Href string `json:"href,omitempty"`
	Name string `json:"name"`
}

// Note はフィード記事1件に対応する投稿オブジェクト。
type Note struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Published    string            `json:"published"`
	AttributedTo string            `json:"attributedTo"`
	Content      string            `json:"content"`
	ContentMap   map[string]string `json:"contentMap,omitempty"`
	Summary      string            `json:"summary,omitempty"` // コンテンツ警告
	Sensitive    bool              `json:"sensitive,omitempty"`
	URL          string            `json:"url,omitempty"`
	To           []string          `json:"to,omitempty"`
	CC           []string          `json:"cc,omitempty"`
	Tag          []Tag             `json:"tag,omitempty"`
	InReplyTo    string            `json:"inReplyTo,omitempty"`
}

// CreateNote はNoteを配送するCreateアクティビティ。
type CreateNote struct {
	Context   any      `json:"@context"`
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Actor     string   `json:"actor"`
	Published string   `json:"published,omitempty"`
	To        []string `json:"to,omitempty"`
	CC        []string `json:"cc,omitempty"`
	Object    Note     `json:"object"`
}

// Accept はFollowに応答するAcceptアクティビティ。
// Objectには受信したFollowアクティビティをそのままエコーする。
type Accept struct {
	Context any             `json:"@context"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   string          `json:"actor"`
	To      []string        `json:"to,omitempty"`
	Object  json.RawMessage `json:"object"`
}

// InboundActivity は受信したアクティビティの共通フィールド。
// Objectは型ごとに形が異なるため、ディスパッチ後に個別にデコードする。
type InboundActivity struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// InboundObject はInboundActivityのObjectとして現れるオブジェクトの
// 共通フィールド（CreateのNote本文、Undo対象のFollowなど）。
type InboundObject struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Actor   string `json:"actor"`
	Content string `json:"content"`
}

// OrderedCollection はoutbox/followersコレクションのルートドキュメント。
type OrderedCollection struct {
	Context    any    `json:"@context"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	TotalItems int    `json:"totalItems"`
	First      string `json:"first,omitempty"`
	Last       string `json:"last,omitempty"`
}

// OrderedCollectionPage はOrderedCollectionの1ページ。
type OrderedCollectionPage struct {
	Context      any    `json:"@context"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	PartOf       string `json:"partOf"`
	TotalItems   int    `json:"totalItems"`
	OrderedItems []any  `json:"orderedItems"`
	Next         string `json:"next,omitempty"`
	Prev         string `json:"prev,omitempty"`
}

// WebfingerLink はJRDレスポンスのリンク1件。
type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// WebfingerResponse は/.well-known/webfingerのJRDレスポンス。
type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}
