package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/feedpub/internal/model"
)

// PostgresTaskRepo はPostgreSQLを使用した永続タスクキューリポジトリ。
// pending/retry状態はプロセス再起動をまたいで保持される。
type PostgresTaskRepo struct {
	db *sql.DB
}

// NewPostgresTaskRepo はPostgresTaskRepoを生成する。
func NewPostgresTaskRepo(db *sql.DB) *PostgresTaskRepo {
	return &PostgresTaskRepo{db: db}
}

// Enqueue はタスクを登録する。
// Keyを持つタスクはpending/runningの同一(kind, key)が既に存在する場合
// 部分一意インデックスの競合によりno-opになる（一意タスク）。
func (r *PostgresTaskRepo) Enqueue(ctx context.Context, task *model.Task) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (id, kind, key, payload, status, attempts, run_at,
		                    created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'pending', 0, $5, now(), now())
		 ON CONFLICT (kind, key) WHERE status IN ('pending', 'running')
		 DO NOTHING`,
		task.ID, task.Kind, nullString(task.Key), []byte(task.Payload), task.RunAt,
	)
	if err != nil {
		return &model.PersistenceError{Op: "タスクの登録に失敗しました", Err: err}
	}
	return nil
}

// ClaimPending は実行可能なpendingタスクをFOR UPDATE SKIP LOCKEDで
// 最大limit件claimし、runningに遷移させて返す。
// 複数のワーカープロセスが同時にclaimしても同一タスクは1つにしか渡らない。
func (r *PostgresTaskRepo) ClaimPending(ctx context.Context, limit int) ([]*model.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &model.PersistenceError{Op: "トランザクション開始に失敗しました", Err: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, kind, key, payload, status, attempts, run_at, created_at, updated_at
		 FROM tasks
		 WHERE status = 'pending' AND run_at <= now()
		 ORDER BY run_at ASC
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, &model.PersistenceError{Op: "タスクのclaimに失敗しました", Err: err}
	}

	var tasks []*model.Task
	var ids []string
	for rows.Next() {
		task := &model.Task{}
		var key sql.NullString
		var payload []byte

		if err := rows.Scan(
			&task.ID, &task.Kind, &key, &payload, &task.Status,
			&task.Attempts, &task.RunAt, &task.CreatedAt, &task.UpdatedAt,
		); err != nil {
			rows.Close()
			return nil, &model.PersistenceError{Op: "タスクの読み取りに失敗しました", Err: err}
		}

		task.Key = nullStringValue(key)
		task.Payload = payload
		task.Status = model.TaskStatusRunning
		tasks = append(tasks, task)
		ids = append(ids, task.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, &model.PersistenceError{Op: "タスクの走査に失敗しました", Err: err}
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = 'running', updated_at = now() WHERE id = $1`,
			id,
		); err != nil {
			return nil, &model.PersistenceError{Op: "タスク状態の更新に失敗しました", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &model.PersistenceError{Op: "トランザクションのコミットに失敗しました", Err: err}
	}

	return tasks, nil
}

// MarkDone はタスクを完了状態にする。
func (r *PostgresTaskRepo) MarkDone(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'done', updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return &model.PersistenceError{Op: "タスクの完了記録に失敗しました", Err: err}
	}
	return nil
}

// Reschedule はタスクをリトライのためpendingに戻す。
func (r *PostgresTaskRepo) Reschedule(ctx context.Context, id string, attempts int, runAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending', attempts = $2, run_at = $3,
		        updated_at = now()
		 WHERE id = $1`,
		id, attempts, runAt,
	)
	if err != nil {
		return &model.PersistenceError{Op: "タスクの再スケジュールに失敗しました", Err: err}
	}
	return nil
}

// MarkFailed はリトライ上限に達したタスクを破棄済みにする。
func (r *PostgresTaskRepo) MarkFailed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'failed', updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return &model.PersistenceError{Op: "タスクの失敗記録に失敗しました", Err: err}
	}
	return nil
}

// DeleteFinished はdone/failedのタスクのうち指定時刻より古いものを削除する。
func (r *PostgresTaskRepo) DeleteFinished(ctx context.Context, threshold time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM tasks
		 WHERE status IN ('done', 'failed') AND updated_at < $1`,
		threshold,
	)
	if err != nil {
		return 0, &model.PersistenceError{Op: "完了タスクの削除に失敗しました", Err: err}
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, &model.PersistenceError{Op: "削除件数の取得に失敗しました", Err: err}
	}
	return deleted, nil
}

// compile-time interface check
var _ TaskRepository = (*PostgresTaskRepo)(nil)
