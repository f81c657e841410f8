// Package model はドメインモデルを定義する。
package model

import "time"

// Actor はリモート連合サーバー上のアカウントのキャッシュを表す。
// 解決時にupsertされ、プロフィールURL・inbox URL・鍵IDのいずれでも検索できる。
type Actor struct {
	ID           string
	URL          string // プロフィールURL（一意）
	InboxURL     string
	PublicKeyID  string
	PublicKeyPem string
	Username     string
	ErrorCount   int
	RefreshedAt  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BlockedDomain はアクター解決を拒否するドメインを表す。
// このリストに含まれるドメインへはネットワークアクセスを一切行わない。
type BlockedDomain struct {
	Name string
}

// Setting はプロセス全体で共有されるキー/バリュー設定を表す。
type Setting struct {
	Name  string
	Value string
}
