// Package model はドメインモデルを定義する。
package model

import "time"

// Feed はActivityPubアカウントとして公開されるRSS/Atomフィードを表す。
// フィードごとに独立したRSA鍵ペアを持ち、送信リクエストの署名に使用する。
type Feed struct {
	ID              string
	UserID          string
	Name            string // アカウント名（URLパスとwebfingerハンドルに使用）
	URL             string // フィードドキュメントのURL
	PrivateKeyPem   string
	PublicKeyPem    string
	Title           string
	Description     string
	ImageURL        string
	IconURL         string
	SiteURL         string
	Hashtag         string
	ContentWarning  string
	StatusPublicity string // public / unlisted
	Listed          bool
	Admin           bool
	Language        string
	TweakedProfile  bool // trueの場合はフィード由来のプロフィール上書きを行わない
	ETag            string
	LastModified    string
	LastPostAt      *time.Time
	RefreshedAt     time.Time
	ErrorCount      int
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Item はフィードから取り込んだ記事を表す。
// (FeedID, GUID) が一意であり、再取り込みで重複は生成されない。
type Item struct {
	ID        string
	FeedID    string
	GUID      string
	Title     string
	Content   string // サニタイズ済みHTML
	URL       string
	CreatedAt time.Time
}

// Follower はフィードをフォローしているリモートアクターを表す。
// (FeedID, Actor) が一意であり、重複Followはupsertされる。
type Follower struct {
	ID        string
	FeedID    string
	Actor     string // アクターのプロフィールURL
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message は受信アクティビティの監査ログを表す。追記専用で、保持期間超過分は
// クリーンアップジョブが削除する。
type Message struct {
	ID        string
	Username  string
	Text      string
	Actor     string
	Error     string
	Handled   bool
	CreatedAt time.Time
}
