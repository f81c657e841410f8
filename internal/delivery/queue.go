// Package delivery はアクティビティ配送エンジンを提供する。
// 永続タスクキュー、署名付きPOST配送、新着記事のフォロワーへのファンアウト、
// リトライ/バックオフ付きワーカープール、定期ジョブのスケジューリングを含む。
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedpub/internal/model"
	"github.com/hitoshi/feedpub/internal/repository"
)

// タスク種別。
const (
	// KindDeliver はアクティビティ1件を1つのinboxへ配送するタスク。
	KindDeliver = "deliver"
	// KindRefreshFeed はフィード1件をリフレッシュするタスク。
	// キー refresh:<feed_id> により同一フィードの同時リフレッシュを防ぐ。
	KindRefreshFeed = "refresh_feed"
	// KindStaleScan は鮮度切れフィードを列挙してリフレッシュタスクを積むタスク。
	KindStaleScan = "stale_scan"
	// KindMessageCleanup は保持期間超過の監査ログを削除するタスク。
	KindMessageCleanup = "message_cleanup"
	// KindActorCleanup はエラー上限超過のアクターを削除するタスク。
	KindActorCleanup = "actor_cleanup"
	// KindTaskCleanup は完了済みタスク行を削除するタスク。
	KindTaskCleanup = "task_cleanup"
)

// taskSpec はタスク種別ごとの実行ポリシー。
type taskSpec struct {
	maxRetries  int
	backoffBase time.Duration
}

// taskSpecs は種別ごとのリトライポリシー。
// 配送は一時的な相手先障害を想定して指数バックオフ付きでリトライする。
// リフレッシュと定期ジョブは次のサイクルで再実行されるためリトライしない。
var taskSpecs = map[string]taskSpec{
	KindDeliver:        {maxRetries: 5, backoffBase: 2 * time.Second},
	KindRefreshFeed:    {maxRetries: 0},
	KindStaleScan:      {maxRetries: 0},
	KindMessageCleanup: {maxRetries: 0},
	KindActorCleanup:   {maxRetries: 0},
	KindTaskCleanup:    {maxRetries: 0},
}

// DeliverPayload は配送タスクのペイロード。
// 配送するアクティビティ本体はエンキュー時に直列化済みで、ワーカーは
// 宛先アクターのinboxを解決して署名付きPOSTを行う。
type DeliverPayload struct {
	FeedID   string          `json:"feed_id"`
	ActorURL string          `json:"actor_url"`
	Body     json.RawMessage `json:"body"`
}

// RefreshPayload はリフレッシュタスクのペイロード。
type RefreshPayload struct {
	FeedID string `json:"feed_id"`
}

// Queue は永続タスクキューへの書き込み側インターフェースの実装。
// タスクはPostgresのtasksテーブルに保存され、プロセス再起動を跨いで生き残る。
type Queue struct {
	taskRepo repository.TaskRepository
}

// NewQueue はQueueの新しいインスタンスを生成する。
func NewQueue(taskRepo repository.TaskRepository) *Queue {
	return &Queue{taskRepo: taskRepo}
}

// Enqueue はタスクを即時実行可能として登録する。
// keyが空でない場合は一意タスクとなり、同一(kind, key)のpending/running
// タスクが既に存在する場合はno-opになる。
func (q *Queue) Enqueue(ctx context.Context, kind, key string, payload any) error {
	return q.Schedule(ctx, kind, key, payload, time.Now())
}

// Schedule はタスクを指定時刻以降に実行可能として登録する。
func (q *Queue) Schedule(ctx context.Context, kind, key string, payload any, runAt time.Time) error {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("タスクペイロードの直列化に失敗しました: %w", err)
		}
		raw = encoded
	}

	task := &model.Task{
		ID:      uuid.New().String(),
		Kind:    kind,
		Key:     key,
		Payload: raw,
		Status:  model.TaskStatusPending,
		RunAt:   runAt,
	}
	if err := q.taskRepo.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("タスクの登録に失敗しました: %w", err)
	}
	return nil
}

// backoffFor はリトライ回数に応じた指数バックオフ（2^attempt秒）を返す。
func backoffFor(spec taskSpec, attempts int) time.Duration {
	base := spec.backoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}
