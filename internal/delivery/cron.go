package delivery

import (
	"context"
	"log/slog"
	"time"
)

// Cron は定期ジョブを一意タスクとして永続キューに積むスケジューラ。
// タスク自体の実行はワーカーが行うため、複数プロセスでCronが動いていても
// 一意キー制約により各ジョブは1つしか積まれない。
type Cron struct {
	queue  *Queue
	logger *slog.Logger

	scanInterval    time.Duration
	cleanupInterval time.Duration
}

// NewCron はCronの新しいインスタンスを生成する。
// scanIntervalは鮮度スキャンの間隔（リフレッシュ間隔より十分短くする）。
func NewCron(queue *Queue, logger *slog.Logger, scanInterval time.Duration) *Cron {
	if scanInterval <= 0 {
		scanInterval = time.Minute
	}
	return &Cron{
		queue:           queue,
		logger:          logger,
		scanInterval:    scanInterval,
		cleanupInterval: time.Hour,
	}
}

// Start は定期ジョブのスケジューリングを開始する。
// コンテキストがキャンセルされるまで実行を継続する。
func (c *Cron) Start(ctx context.Context) {
	scanTicker := time.NewTicker(c.scanInterval)
	defer scanTicker.Stop()
	cleanupTicker := time.NewTicker(c.cleanupInterval)
	defer cleanupTicker.Stop()

	c.logger.Info("定期ジョブスケジューラを開始しました",
		slog.Duration("scan_interval", c.scanInterval),
		slog.Duration("cleanup_interval", c.cleanupInterval),
	)

	// 起動直後に1回スキャンを積む
	c.enqueueScan(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("定期ジョブスケジューラを停止しました")
			return
		case <-scanTicker.C:
			c.enqueueScan(ctx)
		case <-cleanupTicker.C:
			c.enqueueCleanups(ctx)
		}
	}
}

func (c *Cron) enqueueScan(ctx context.Context) {
	if err := c.queue.Enqueue(ctx, KindStaleScan, KindStaleScan, nil); err != nil {
		c.logger.Error("鮮度スキャンタスクの登録に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

func (c *Cron) enqueueCleanups(ctx context.Context) {
	for _, kind := range []string{KindMessageCleanup, KindActorCleanup, KindTaskCleanup} {
		if err := c.queue.Enqueue(ctx, kind, kind, nil); err != nil {
			c.logger.Error("クリーンアップタスクの登録に失敗しました",
				slog.String("kind", kind),
				slog.String("error", err.Error()),
			)
		}
	}
}
