package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/feedpub/internal/model"
)

// PostgresFollowerRepo はPostgreSQLを使用したフォロワーリポジトリ。
type PostgresFollowerRepo struct {
	db *sql.DB
}

// NewPostgresFollowerRepo はPostgresFollowerRepoを生成する。
func NewPostgresFollowerRepo(db *sql.DB) *PostgresFollowerRepo {
	return &PostgresFollowerRepo{db: db}
}

// Upsert は(feed_id, actor)をキーにフォロワーを冪等に保存する。
// 重複Followはupdated_atの更新のみ行う。
func (r *PostgresFollowerRepo) Upsert(ctx context.Context, follower *model.Follower) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO followers (id, feed_id, actor, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (feed_id, actor) DO UPDATE SET updated_at = now()`,
		follower.ID, follower.FeedID, follower.Actor,
	)
	if err != nil {
		return &model.PersistenceError{Op: "フォロワーのupsertに失敗しました", Err: err}
	}
	return nil
}

// Delete は(feed_id, actor)のフォロワー行を削除する。冪等。
func (r *PostgresFollowerRepo) Delete(ctx context.Context, feedID, actorURL string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM followers WHERE feed_id = $1 AND actor = $2`,
		feedID, actorURL,
	)
	if err != nil {
		return &model.PersistenceError{Op: "フォロワーの削除に失敗しました", Err: err}
	}
	return nil
}

// ListByFeed はフィードの全フォロワーを返す。
func (r *PostgresFollowerRepo) ListByFeed(ctx context.Context, feedID string) ([]*model.Follower, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, feed_id, actor, created_at, updated_at
		 FROM followers
		 WHERE feed_id = $1
		 ORDER BY created_at ASC`,
		feedID,
	)
	if err != nil {
		return nil, &model.PersistenceError{Op: "フォロワー一覧の取得に失敗しました", Err: err}
	}
	defer rows.Close()

	var followers []*model.Follower
	for rows.Next() {
		f := &model.Follower{}
		if err := rows.Scan(&f.ID, &f.FeedID, &f.Actor, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, &model.PersistenceError{Op: "フォロワーの読み取りに失敗しました", Err: err}
		}
		followers = append(followers, f)
	}

	if err := rows.Err(); err != nil {
		return nil, &model.PersistenceError{Op: "フォロワー一覧の走査に失敗しました", Err: err}
	}

	return followers, nil
}

// CountByFeed はフィードのフォロワー数を返す。
func (r *PostgresFollowerRepo) CountByFeed(ctx context.Context, feedID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM followers WHERE feed_id = $1`,
		feedID,
	).Scan(&count)
	if err != nil {
		return 0, &model.PersistenceError{Op: "フォロワー数の取得に失敗しました", Err: err}
	}
	return count, nil
}

// compile-time interface check
var _ FollowerRepository = (*PostgresFollowerRepo)(nil)
