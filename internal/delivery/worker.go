package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedpub/internal/model"
	"github.com/hitoshi/feedpub/internal/repository"
)

// pollInterval はワーカーがpendingタスクをポーリングする間隔。
const pollInterval = 2 * time.Second

// ActorResolver はアクター解決のインターフェース。actor.Resolverが実装する。
type ActorResolver interface {
	FindOrFetch(ctx context.Context, identifier string) (*model.Actor, error)
	LogError(ctx context.Context, identifier string)
}

// FeedRefresher はフィードリフレッシュの実行インターフェース。
// ingest.Refresherが実装する。
type FeedRefresher interface {
	Refresh(ctx context.Context, feedID string) error
}

// WorkerMetrics はワーカー処理結果の計測インターフェース。
type WorkerMetrics interface {
	DeliveryCompleted(outcome string, seconds float64)
	TaskProcessed(kind, outcome string)
}

// WorkerConfig はワーカープールの実行パラメータ。
type WorkerConfig struct {
	Concurrency          int
	BatchSize            int
	RefreshTimeout       time.Duration
	StaleThreshold       time.Duration
	FeedErrorMax         int
	ActorErrorMax        int
	MessageRetentionDays int
}

// Worker は永続タスクキューからタスクをclaimして実行するワーカープール。
// FOR UPDATE SKIP LOCKEDによるclaimと組み合わせることで、複数プロセスの
// ワーカーが同一タスクを重複実行しないことを保証する（at-least-once）。
type Worker struct {
	taskRepo    repository.TaskRepository
	feedRepo    repository.FeedRepository
	messageRepo repository.MessageRepository
	actorRepo   repository.ActorRepository
	resolver    ActorResolver
	deliverer   *Deliverer
	refresher   FeedRefresher
	engine      *Engine
	metrics     WorkerMetrics
	logger      *slog.Logger
	cfg         WorkerConfig
}

// NewWorker はWorkerの新しいインスタンスを生成する。
func NewWorker(
	taskRepo repository.TaskRepository,
	feedRepo repository.FeedRepository,
	messageRepo repository.MessageRepository,
	actorRepo repository.ActorRepository,
	resolver ActorResolver,
	deliverer *Deliverer,
	refresher FeedRefresher,
	engine *Engine,
	metrics WorkerMetrics,
	logger *slog.Logger,
	cfg WorkerConfig,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Concurrency * 2
	}
	return &Worker{
		taskRepo:    taskRepo,
		feedRepo:    feedRepo,
		messageRepo: messageRepo,
		actorRepo:   actorRepo,
		resolver:    resolver,
		deliverer:   deliverer,
		refresher:   refresher,
		engine:      engine,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
	}
}

// Start はワーカープールを起動する。コンテキストがキャンセルされるまで
// pendingタスクをポーリングし、semaphoreパターンで並列実行する。
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	w.logger.Info("配送ワーカーを開始しました",
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Int("batch_size", w.cfg.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("配送ワーカーを停止しました")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("タスクサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はpendingタスクを1バッチclaimして並列実行する。
func (w *Worker) RunOnce(ctx context.Context) error {
	tasks, err := w.taskRepo.ClaimPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, task := range tasks {
		wg.Add(1)
		sem <- struct{}{}

		go func(t *model.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, t)
		}(task)
	}

	wg.Wait()
	return nil
}

// process はタスク1件を実行し、結果に応じてタスク状態を遷移させる。
// 失敗時は種別ごとのリトライ上限まで指数バックオフで再スケジュールする。
func (w *Worker) process(ctx context.Context, task *model.Task) {
	err := w.execute(ctx, task)
	if err == nil {
		w.recordTask(task.Kind, "done")
		if markErr := w.taskRepo.MarkDone(ctx, task.ID); markErr != nil {
			w.logger.Error("タスクの完了記録に失敗しました",
				slog.String("task_id", task.ID),
				slog.String("error", markErr.Error()),
			)
		}
		return
	}

	spec := taskSpecs[task.Kind]
	attempts := task.Attempts + 1

	if attempts <= spec.maxRetries {
		runAt := time.Now().Add(backoffFor(spec, attempts))
		w.logger.Warn("タスクを再スケジュールします",
			slog.String("task_id", task.ID),
			slog.String("kind", task.Kind),
			slog.Int("attempts", attempts),
			slog.Time("run_at", runAt),
			slog.String("error", err.Error()),
		)
		w.recordTask(task.Kind, "retry")
		if rescheduleErr := w.taskRepo.Reschedule(ctx, task.ID, attempts, runAt); rescheduleErr != nil {
			w.logger.Error("タスクの再スケジュールに失敗しました",
				slog.String("task_id", task.ID),
				slog.String("error", rescheduleErr.Error()),
			)
		}
		return
	}

	w.logger.Error("タスクがリトライ上限に達しました",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
	w.recordTask(task.Kind, "failed")
	if failErr := w.taskRepo.MarkFailed(ctx, task.ID); failErr != nil {
		w.logger.Error("タスクの失敗記録に失敗しました",
			slog.String("task_id", task.ID),
			slog.String("error", failErr.Error()),
		)
	}
}

// execute はタスク種別に応じた処理を実行する。
func (w *Worker) execute(ctx context.Context, task *model.Task) error {
	switch task.Kind {
	case KindDeliver:
		return w.executeDeliver(ctx, task)
	case KindRefreshFeed:
		return w.executeRefresh(ctx, task)
	case KindStaleScan:
		return w.executeStaleScan(ctx)
	case KindMessageCleanup:
		return w.executeMessageCleanup(ctx)
	case KindActorCleanup:
		return w.executeActorCleanup(ctx)
	case KindTaskCleanup:
		return w.executeTaskCleanup(ctx)
	default:
		w.logger.Warn("未知のタスク種別を破棄します",
			slog.String("task_id", task.ID),
			slog.String("kind", task.Kind),
		)
		return nil
	}
}

// executeDeliver は配送タスクを実行する。
// 宛先アクターをキャッシュ経由で解決し、署名付きPOSTで配送する。
// 失敗時はアクターのエラーカウントを加算する（上限超過分は
// actor_cleanupタスクがフォロワーもろとも削除する）。
func (w *Worker) executeDeliver(ctx context.Context, task *model.Task) error {
	var payload DeliverPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		w.logger.Error("配送ペイロードのデコードに失敗しました",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return nil // 不正ペイロードはリトライしても直らない
	}

	feed, err := w.feedRepo.FindByID(ctx, payload.FeedID)
	if err != nil {
		return err
	}
	if feed == nil {
		w.logger.Warn("配送元フィードが見つからないため配送を破棄します",
			slog.String("task_id", task.ID),
			slog.String("feed_id", payload.FeedID),
		)
		return nil
	}

	start := time.Now()

	recipient, err := w.resolver.FindOrFetch(ctx, payload.ActorURL)
	if err != nil {
		w.resolver.LogError(ctx, payload.ActorURL)
		w.recordDelivery("actor_error", time.Since(start))
		return err
	}
	if recipient == nil {
		// ブロック済みドメインのアクターには配送しない
		w.recordDelivery("blocked", time.Since(start))
		return nil
	}

	if err := w.deliverer.Deliver(ctx, feed, recipient.InboxURL, payload.Body); err != nil {
		w.resolver.LogError(ctx, payload.ActorURL)
		w.recordDelivery("failure", time.Since(start))
		return err
	}

	w.recordDelivery("success", time.Since(start))
	return nil
}

// executeRefresh はリフレッシュタスクを実行する。
// フィード単位のタイムアウトを適用し、1フィードの停滞が他を巻き込まない
// ようにする。
func (w *Worker) executeRefresh(ctx context.Context, task *model.Task) error {
	var payload RefreshPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		w.logger.Error("リフレッシュペイロードのデコードに失敗しました",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	refreshCtx := ctx
	if w.cfg.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		refreshCtx, cancel = context.WithTimeout(ctx, w.cfg.RefreshTimeout)
		defer cancel()
	}
	return w.refresher.Refresh(refreshCtx, payload.FeedID)
}

// executeStaleScan は鮮度切れフィードを列挙し、フィードごとに一意の
// リフレッシュタスクを積む。
func (w *Worker) executeStaleScan(ctx context.Context) error {
	threshold := time.Now().Add(-w.cfg.StaleThreshold)
	feeds, err := w.feedRepo.ListStale(ctx, threshold, w.cfg.FeedErrorMax)
	if err != nil {
		return err
	}
	for _, feed := range feeds {
		if err := w.engine.EnqueueRefresh(ctx, feed.ID); err != nil {
			return err
		}
	}
	if len(feeds) > 0 {
		w.logger.Info("鮮度切れフィードをエンキューしました",
			slog.Int("feed_count", len(feeds)),
		)
	}
	return nil
}

// executeMessageCleanup は保持期間を超過した監査ログを削除する。
func (w *Worker) executeMessageCleanup(ctx context.Context) error {
	threshold := time.Now().AddDate(0, 0, -w.cfg.MessageRetentionDays)
	deleted, err := w.messageRepo.DeleteOlderThan(ctx, threshold)
	if err != nil {
		return err
	}
	w.logger.Info("監査ログのクリーンアップが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", w.cfg.MessageRetentionDays),
	)
	return nil
}

// executeActorCleanup はエラー上限を超過したアクターをフォロワー行ごと削除する。
// 配送先として到達不能になったアクターへの再配送を止めるサーキットブレーカー。
func (w *Worker) executeActorCleanup(ctx context.Context) error {
	deleted, err := w.actorRepo.DeleteExceedingErrorCount(ctx, w.cfg.ActorErrorMax)
	if err != nil {
		return err
	}
	if deleted > 0 {
		w.logger.Info("到達不能アクターを削除しました",
			slog.Int64("deleted_count", deleted),
			slog.Int("error_ceiling", w.cfg.ActorErrorMax),
		)
	}
	return nil
}

// executeTaskCleanup は完了済みタスク行を削除する。
func (w *Worker) executeTaskCleanup(ctx context.Context) error {
	threshold := time.Now().Add(-24 * time.Hour)
	deleted, err := w.taskRepo.DeleteFinished(ctx, threshold)
	if err != nil {
		return err
	}
	if deleted > 0 {
		w.logger.Info("完了済みタスクを削除しました",
			slog.Int64("deleted_count", deleted),
		)
	}
	return nil
}

func (w *Worker) recordDelivery(outcome string, d time.Duration) {
	if w.metrics != nil {
		w.metrics.DeliveryCompleted(outcome, d.Seconds())
	}
}

func (w *Worker) recordTask(kind, outcome string) {
	if w.metrics != nil {
		w.metrics.TaskProcessed(kind, outcome)
	}
}
