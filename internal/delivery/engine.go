package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hitoshi/feedpub/internal/ap"
	"github.com/hitoshi/feedpub/internal/model"
	"github.com/hitoshi/feedpub/internal/repository"
)

// ActivityBuilder は配送するアクティビティの組み立てインターフェース。
// translator.Translatorが実装する。
type ActivityBuilder interface {
	CreateFromItem(feed *model.Feed, item *model.Item) *ap.CreateNote
}

// Engine は配送タスクのファンアウトを行う。
// 新着記事1件につきフォロワーごとに1つの配送タスクを永続キューに積む。
// 実際のHTTP配送はワーカーが行うため、エンキュー元（リフレッシュや
// inboxディスパッチ）は相手先の障害に影響されない。
type Engine struct {
	followerRepo repository.FollowerRepository
	queue        *Queue
	builder      ActivityBuilder
	logger       *slog.Logger
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(
	followerRepo repository.FollowerRepository,
	queue *Queue,
	builder ActivityBuilder,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		followerRepo: followerRepo,
		queue:        queue,
		builder:      builder,
		logger:       logger,
	}
}

// PublishItems は新着記事をフィードの全フォロワーへファンアウトする。
// ingest.Publisherを実装する。
func (e *Engine) PublishItems(ctx context.Context, feed *model.Feed, items []*model.Item) error {
	followers, err := e.followerRepo.ListByFeed(ctx, feed.ID)
	if err != nil {
		return err
	}
	if len(followers) == 0 {
		return nil
	}

	enqueued := 0
	for _, item := range items {
		body, err := json.Marshal(e.builder.CreateFromItem(feed, item))
		if err != nil {
			return fmt.Errorf("アクティビティの直列化に失敗しました: %w", err)
		}

		for _, follower := range followers {
			payload := DeliverPayload{
				FeedID:   feed.ID,
				ActorURL: follower.Actor,
				Body:     body,
			}
			if err := e.queue.Enqueue(ctx, KindDeliver, "", payload); err != nil {
				return err
			}
			enqueued++
		}
	}

	e.logger.Info("配送タスクをエンキューしました",
		slog.String("feed_id", feed.ID),
		slog.Int("items", len(items)),
		slog.Int("followers", len(followers)),
		slog.Int("tasks", enqueued),
	)
	return nil
}

// EnqueueActivity は任意のアクティビティを単一アクター宛の配送タスクとして積む。
// 受信FollowへのAcceptやadminフィードからのダイレクトメッセージに使用する。
func (e *Engine) EnqueueActivity(ctx context.Context, feed *model.Feed, actorURL string, activity any) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("アクティビティの直列化に失敗しました: %w", err)
	}
	return e.queue.Enqueue(ctx, KindDeliver, "", DeliverPayload{
		FeedID:   feed.ID,
		ActorURL: actorURL,
		Body:     body,
	})
}

// EnqueueRefresh はフィードのリフレッシュタスクを積む。
// キー refresh:<feed_id> により同一フィードのリフレッシュは常に1つに保たれる。
func (e *Engine) EnqueueRefresh(ctx context.Context, feedID string) error {
	return e.queue.Enqueue(ctx, KindRefreshFeed, "refresh:"+feedID, RefreshPayload{FeedID: feedID})
}
