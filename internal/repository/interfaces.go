// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/feedpub/internal/model"
)

// ActorRepository はリモートアクターキャッシュの永続化インターフェース。
// Actor行は複数のフロー（リゾルバーのupsert、配送失敗カウンター、受信Follow）
// から同時に更新されるため、すべての変更は競合解決付きupsertで行う。
type ActorRepository interface {
	// FindByIdentifier はプロフィールURL・inbox URL・鍵IDのいずれかに一致する
	// アクターを検索する。見つからない場合はnilを返す。
	FindByIdentifier(ctx context.Context, identifier string) (*model.Actor, error)

	// Upsert はアクターをURLをキーにINSERT ... ON CONFLICT DO UPDATEで保存する。
	// 同一アクターを同時に解決した複数ワーカーは1行に収束する。
	Upsert(ctx context.Context, actor *model.Actor) error

	// IncrementErrorCount は識別子に一致するアクターのerror_countを加算する。
	IncrementErrorCount(ctx context.Context, identifier string) error

	// DeleteExceedingErrorCount はerror_countが上限を超えたアクターを
	// フォロワー行もろとも削除し、削除したアクター数を返す。
	DeleteExceedingErrorCount(ctx context.Context, ceiling int) (int64, error)
}

// FeedRepository はフィードデータの永続化インターフェース。
type FeedRepository interface {
	// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Feed, error)

	// FindByName はアカウント名でフィードを検索する。見つからない場合はnilを返す。
	FindByName(ctx context.Context, name string) (*model.Feed, error)

	// FindAdmin はadminフラグの立ったフィードを取得する。見つからない場合はnilを返す。
	FindAdmin(ctx context.Context) (*model.Feed, error)

	// Create はフィードを作成する。
	Create(ctx context.Context, feed *model.Feed) error

	// Update はフィードのプロフィールと状態を更新する。
	Update(ctx context.Context, feed *model.Feed) error

	// ListStale はrefreshed_atがthresholdより古く、error_countがmaxErrors以下の
	// 非adminフィードをFOR UPDATE SKIP LOCKEDで排他的に取得する。
	ListStale(ctx context.Context, threshold time.Time, maxErrors int) ([]*model.Feed, error)

	// UpdateRefreshState はリフレッシュ結果（error、error_count、refreshed_at、
	// last_post_at、etag、last_modified）を更新する。
	UpdateRefreshState(ctx context.Context, feed *model.Feed) error

	// MarkRefreshed はrefreshed_atのみを現在時刻に更新する。
	// adminフィードをリフレッシュ対象から外すために使用する。
	MarkRefreshed(ctx context.Context, id string) error
}

// ItemRepository は記事データの永続化インターフェース。
type ItemRepository interface {
	// ExistsByFeedAndGUID は(feed_id, guid)の記事が存在するかを返す。
	ExistsByFeedAndGUID(ctx context.Context, feedID, guid string) (bool, error)

	// Create は新規記事を作成する。
	Create(ctx context.Context, item *model.Item) error

	// ListByFeed はフィードの記事をcreated_at降順でページ取得する。
	ListByFeed(ctx context.Context, feedID string, limit, offset int) ([]*model.Item, error)

	// CountByFeed はフィードの記事数を返す。
	CountByFeed(ctx context.Context, feedID string) (int, error)
}

// FollowerRepository はフォロワーデータの永続化インターフェース。
type FollowerRepository interface {
	// Upsert は(feed_id, actor)をキーにフォロワーを冪等に保存する。
	Upsert(ctx context.Context, follower *model.Follower) error

	// Delete は(feed_id, actor)のフォロワー行を削除する。
	// 存在しない行の削除はエラーにならない（冪等）。
	Delete(ctx context.Context, feedID, actorURL string) error

	// ListByFeed はフィードの全フォロワーを返す。
	ListByFeed(ctx context.Context, feedID string) ([]*model.Follower, error)

	// CountByFeed はフィードのフォロワー数を返す。
	CountByFeed(ctx context.Context, feedID string) (int, error)
}

// MessageRepository は受信アクティビティ監査ログの永続化インターフェース。
type MessageRepository interface {
	// Create は監査ログを追記する。
	Create(ctx context.Context, message *model.Message) error

	// DeleteOlderThan は指定時刻より古いログを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, threshold time.Time) (int64, error)
}

// SettingRepository はプロセス全体のキー/バリュー設定の永続化インターフェース。
type SettingRepository interface {
	// Get は設定値を取得する。未設定の場合はdefaultValueを返す。
	Get(ctx context.Context, name, defaultValue string) (string, error)

	// Set は設定値をupsertする。
	Set(ctx context.Context, name, value string) error
}

// BlockedDomainRepository はブロック対象ドメインの永続化インターフェース。
type BlockedDomainRepository interface {
	// Exists はドメインがブロックリストに含まれるかを返す。
	Exists(ctx context.Context, name string) (bool, error)
}

// TaskRepository は永続タスクキューの永続化インターフェース。
type TaskRepository interface {
	// Enqueue はタスクを登録する。Keyを持つタスクはpending/runningの同一
	// (kind, key)が既に存在する場合no-opになる（一意タスク）。
	Enqueue(ctx context.Context, task *model.Task) error

	// ClaimPending は実行可能なpendingタスクをFOR UPDATE SKIP LOCKEDで
	// 最大limit件claimし、runningに遷移させて返す。
	ClaimPending(ctx context.Context, limit int) ([]*model.Task, error)

	// MarkDone はタスクを完了状態にする。
	MarkDone(ctx context.Context, id string) error

	// Reschedule はタスクをリトライのためpendingに戻し、試行回数と次回実行
	// 時刻を更新する。
	Reschedule(ctx context.Context, id string, attempts int, runAt time.Time) error

	// MarkFailed はリトライ上限に達したタスクを破棄済みにする。
	MarkFailed(ctx context.Context, id string) error

	// DeleteFinished はdone/failedのタスクのうち指定時刻より古いものを削除する。
	DeleteFinished(ctx context.Context, threshold time.Time) (int64, error)
}
