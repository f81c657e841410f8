package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/feedpub/internal/model"
	"github.com/hitoshi/feedpub/internal/repository"
)

// Publisher は新着記事の配送ファンアウトのインターフェース。
// delivery.Engineが実装する。
type Publisher interface {
	PublishItems(ctx context.Context, feed *model.Feed, items []*model.Item) error
}

// RefreshMetrics はリフレッシュ結果の計測インターフェース。
type RefreshMetrics interface {
	FeedRefreshed(outcome string)
}

// Refresher はフィード1件のリフレッシュサイクルを実行する。
// フェッチ、パース、プロフィール反映、新着記事の配送ファンアウト、
// フィード状態（エラーカウント・条件付きGETトークン）の更新を行う。
type Refresher struct {
	feedRepo     repository.FeedRepository
	loader       *Loader
	parser       *Parser
	publisher    Publisher
	metrics      RefreshMetrics
	logger       *slog.Logger
	feedErrorMax int
}

// NewRefresher はRefresherの新しいインスタンスを生成する。
func NewRefresher(
	feedRepo repository.FeedRepository,
	loader *Loader,
	parser *Parser,
	publisher Publisher,
	metrics RefreshMetrics,
	logger *slog.Logger,
	feedErrorMax int,
) *Refresher {
	return &Refresher{
		feedRepo:     feedRepo,
		loader:       loader,
		parser:       parser,
		publisher:    publisher,
		metrics:      metrics,
		logger:       logger,
		feedErrorMax: feedErrorMax,
	}
}

// Refresh は指定IDのフィードをリフレッシュする。
//
// adminフィードは外部フィードを持たないためrefreshed_atの更新のみ行う。
// error_countが上限を超えたフィードは取り込み対象外（no-op）。
// 成功時はエラーカウントをリセットし、新着記事をフォロワーへファンアウトする。
func (r *Refresher) Refresh(ctx context.Context, feedID string) error {
	start := time.Now()

	feed, err := r.feedRepo.FindByID(ctx, feedID)
	if err != nil {
		return err
	}
	if feed == nil {
		r.logger.Warn("リフレッシュ対象のフィードが見つかりません",
			slog.String("feed_id", feedID),
		)
		return nil
	}

	if feed.Admin {
		return r.feedRepo.MarkRefreshed(ctx, feed.ID)
	}

	if feed.ErrorCount > r.feedErrorMax {
		r.logger.Info("エラー上限を超えたフィードをスキップします",
			slog.String("feed_id", feed.ID),
			slog.Int("error_count", feed.ErrorCount),
		)
		return nil
	}

	result, err := r.loader.Load(ctx, feed)
	if err != nil {
		return r.recordFailure(ctx, feed, err)
	}

	if result.NotModified {
		r.logger.Info("フィードは未変更です（304）",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.URL),
		)
		r.recordMetric("not_modified")
		return r.recordSuccess(ctx, feed, nil)
	}

	if result.ETag != "" {
		feed.ETag = result.ETag
	}
	if result.LastModified != "" {
		feed.LastModified = result.LastModified
	}

	outcome, err := r.parser.Parse(ctx, feed, result.Body)
	if err != nil {
		return r.recordFailure(ctx, feed, err)
	}

	if outcome.NewestPostAt != nil {
		feed.LastPostAt = outcome.NewestPostAt
	}

	if len(outcome.NewItems) > 0 {
		if err := r.publisher.PublishItems(ctx, feed, outcome.NewItems); err != nil {
			return r.recordFailure(ctx, feed, err)
		}
	}

	r.logger.Info("フィードのリフレッシュが完了しました",
		slog.String("feed_id", feed.ID),
		slog.String("feed_url", feed.URL),
		slog.Int("new_items", len(outcome.NewItems)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	r.recordMetric("success")
	return r.recordSuccess(ctx, feed, outcome)
}

// recordSuccess はリフレッシュ成功を記録する。エラーカウントをリセットし、
// 条件付きGETトークンとlast_post_atを保存する。
func (r *Refresher) recordSuccess(ctx context.Context, feed *model.Feed, _ *ParseOutcome) error {
	feed.ErrorCount = 0
	feed.Error = ""
	feed.RefreshedAt = time.Now()
	return r.feedRepo.UpdateRefreshState(ctx, feed)
}

// recordFailure はリフレッシュ失敗を記録する。エラーカウントを加算し、
// エラーメッセージを保存する。上限を超えたフィードは以後スキップされる。
func (r *Refresher) recordFailure(ctx context.Context, feed *model.Feed, cause error) error {
	feed.ErrorCount++
	feed.Error = cause.Error()
	feed.RefreshedAt = time.Now()

	r.logger.Error("フィードのリフレッシュに失敗しました",
		slog.String("feed_id", feed.ID),
		slog.String("feed_url", feed.URL),
		slog.Int("error_count", feed.ErrorCount),
		slog.String("error", cause.Error()),
	)
	r.recordMetric("failure")

	if err := r.feedRepo.UpdateRefreshState(ctx, feed); err != nil {
		r.logger.Error("フィード状態の更新に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
	}
	return cause
}

func (r *Refresher) recordMetric(outcome string) {
	if r.metrics != nil {
		r.metrics.FeedRefreshed(outcome)
	}
}
