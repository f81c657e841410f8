package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/feedpub/internal/model"
)

// PostgresItemRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresItemRepo struct {
	db *sql.DB
}

// NewPostgresItemRepo はPostgresItemRepoを生成する。
func NewPostgresItemRepo(db *sql.DB) *PostgresItemRepo {
	return &PostgresItemRepo{db: db}
}

// ExistsByFeedAndGUID は(feed_id, guid)の記事が存在するかを返す。
// フィード再取り込み時の重複判定に使用する。
func (r *PostgresItemRepo) ExistsByFeedAndGUID(ctx context.Context, feedID, guid string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM items WHERE feed_id = $1 AND guid = $2)`,
		feedID, guid,
	).Scan(&exists)
	if err != nil {
		return false, &model.PersistenceError{Op: "記事の存在確認に失敗しました", Err: err}
	}
	return exists, nil
}

// Create は新規記事を作成する。
func (r *PostgresItemRepo) Create(ctx context.Context, item *model.Item) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO items (id, feed_id, guid, title, content, url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		item.ID, item.FeedID, item.GUID,
		nullString(item.Title), nullString(item.Content), nullString(item.URL),
		item.CreatedAt,
	)
	if err != nil {
		return &model.PersistenceError{Op: "記事の作成に失敗しました", Err: err}
	}
	return nil
}

// ListByFeed はフィードの記事をcreated_at降順でページ取得する。
// outboxのOrderedCollectionPage生成に使用する。
func (r *PostgresItemRepo) ListByFeed(ctx context.Context, feedID string, limit, offset int) ([]*model.Item, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, feed_id, guid, title, content, url, created_at
		 FROM items
		 WHERE feed_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		feedID, limit, offset,
	)
	if err != nil {
		return nil, &model.PersistenceError{Op: "記事一覧の取得に失敗しました", Err: err}
	}
	defer rows.Close()

	var items []*model.Item
	for rows.Next() {
		item := &model.Item{}
		var title, content, url sql.NullString

		if err := rows.Scan(
			&item.ID, &item.FeedID, &item.GUID,
			&title, &content, &url, &item.CreatedAt,
		); err != nil {
			return nil, &model.PersistenceError{Op: "記事の読み取りに失敗しました", Err: err}
		}

		item.Title = nullStringValue(title)
		item.Content = nullStringValue(content)
		item.URL = nullStringValue(url)
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, &model.PersistenceError{Op: "記事一覧の走査に失敗しました", Err: err}
	}

	return items, nil
}

// CountByFeed はフィードの記事数を返す。
func (r *PostgresItemRepo) CountByFeed(ctx context.Context, feedID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM items WHERE feed_id = $1`,
		feedID,
	).Scan(&count)
	if err != nil {
		return 0, &model.PersistenceError{Op: "記事数の取得に失敗しました", Err: err}
	}
	return count, nil
}

// compile-time interface check
var _ ItemRepository = (*PostgresItemRepo)(nil)
