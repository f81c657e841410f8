package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/feedpub/internal/model"
)

// PostgresFeedRepo はPostgreSQLを使用したフィードリポジトリ。
type PostgresFeedRepo struct {
	db *sql.DB
}

// NewPostgresFeedRepo はPostgresFeedRepoを生成する。
func NewPostgresFeedRepo(db *sql.DB) *PostgresFeedRepo {
	return &PostgresFeedRepo{db: db}
}

const feedColumns = `id, user_id, name, url, private_key_pem, public_key_pem,
	title, description, image_url, icon_url, site_url, hashtag,
	content_warning, status_publicity, listed, admin, language,
	tweaked_profile, etag, last_modified, last_post_at, refreshed_at,
	error_count, error, created_at, updated_at`

// scanFeed は1行分のフィードを読み取る。
func scanFeed(row interface{ Scan(...any) error }) (*model.Feed, error) {
	feed := &model.Feed{}
	var title, description, imageURL, iconURL, siteURL sql.NullString
	var hashtag, contentWarning, language, etag, lastModified, errMsg sql.NullString
	var lastPostAt sql.NullTime

	err := row.Scan(
		&feed.ID, &feed.UserID, &feed.Name, &feed.URL,
		&feed.PrivateKeyPem, &feed.PublicKeyPem,
		&title, &description, &imageURL, &iconURL, &siteURL,
		&hashtag, &contentWarning, &feed.StatusPublicity,
		&feed.Listed, &feed.Admin, &language, &feed.TweakedProfile,
		&etag, &lastModified, &lastPostAt, &feed.RefreshedAt,
		&feed.ErrorCount, &errMsg, &feed.CreatedAt, &feed.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	feed.Title = nullStringValue(title)
	feed.Description = nullStringValue(description)
	feed.ImageURL = nullStringValue(imageURL)
	feed.IconURL = nullStringValue(iconURL)
	feed.SiteURL = nullStringValue(siteURL)
	feed.Hashtag = nullStringValue(hashtag)
	feed.ContentWarning = nullStringValue(contentWarning)
	feed.Language = nullStringValue(language)
	feed.ETag = nullStringValue(etag)
	feed.LastModified = nullStringValue(lastModified)
	feed.Error = nullStringValue(errMsg)
	if lastPostAt.Valid {
		t := lastPostAt.Time
		feed.LastPostAt = &t
	}

	return feed, nil
}

// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	feed, err := scanFeed(r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &model.PersistenceError{Op: "フィードの取得に失敗しました", Err: err}
	}
	return feed, nil
}

// FindByName はアカウント名でフィードを検索する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByName(ctx context.Context, name string) (*model.Feed, error) {
	feed, err := scanFeed(r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE name = $1`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &model.PersistenceError{Op: "フィード名によるフィードの検索に失敗しました", Err: err}
	}
	return feed, nil
}

// FindAdmin はadminフラグの立ったフィードを取得する。見つからない場合はnilを返す。
// adminフィードは高々1件しか存在しない。
func (r *PostgresFeedRepo) FindAdmin(ctx context.Context) (*model.Feed, error) {
	feed, err := scanFeed(r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE admin = true LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &model.PersistenceError{Op: "adminフィードの取得に失敗しました", Err: err}
	}
	return feed, nil
}

// Create はフィードを作成する。
func (r *PostgresFeedRepo) Create(ctx context.Context, feed *model.Feed) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feeds (id, user_id, name, url, private_key_pem, public_key_pem,
		                    title, description, image_url, icon_url, site_url,
		                    hashtag, content_warning, status_publicity, listed,
		                    admin, language, tweaked_profile, etag, last_modified,
		                    last_post_at, refreshed_at, error_count, error,
		                    created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		         $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		feed.ID, feed.UserID, feed.Name, feed.URL,
		feed.PrivateKeyPem, feed.PublicKeyPem,
		nullString(feed.Title), nullString(feed.Description),
		nullString(feed.ImageURL), nullString(feed.IconURL),
		nullString(feed.SiteURL), nullString(feed.Hashtag),
		nullString(feed.ContentWarning), feed.StatusPublicity,
		feed.Listed, feed.Admin, nullString(feed.Language),
		feed.TweakedProfile, nullString(feed.ETag), nullString(feed.LastModified),
		nullTime(feed.LastPostAt), feed.RefreshedAt,
		feed.ErrorCount, nullString(feed.Error),
		feed.CreatedAt, feed.UpdatedAt,
	)
	if err != nil {
		return &model.PersistenceError{Op: "フィードの作成に失敗しました", Err: err}
	}
	return nil
}

// Update はフィードのプロフィールと状態を更新する。
func (r *PostgresFeedRepo) Update(ctx context.Context, feed *model.Feed) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET
		    url = $2, title = $3, description = $4, image_url = $5,
		    icon_url = $6, site_url = $7, hashtag = $8, content_warning = $9,
		    status_publicity = $10, listed = $11, language = $12,
		    tweaked_profile = $13, updated_at = now()
		 WHERE id = $1`,
		feed.ID, feed.URL, nullString(feed.Title), nullString(feed.Description),
		nullString(feed.ImageURL), nullString(feed.IconURL),
		nullString(feed.SiteURL), nullString(feed.Hashtag),
		nullString(feed.ContentWarning), feed.StatusPublicity,
		feed.Listed, nullString(feed.Language), feed.TweakedProfile,
	)
	if err != nil {
		return &model.PersistenceError{Op: "フィードの更新に失敗しました", Err: err}
	}
	return nil
}

// ListStale はrefreshed_atがthresholdより古く、error_countがmaxErrors以下の
// 非adminフィードをFOR UPDATE SKIP LOCKEDで排他的に取得する。
// adminフィードは定期リフレッシュの対象外。
func (r *PostgresFeedRepo) ListStale(ctx context.Context, threshold time.Time, maxErrors int) ([]*model.Feed, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feedColumns+`
		 FROM feeds
		 WHERE refreshed_at < $1
		   AND error_count <= $2
		   AND admin = false
		 ORDER BY refreshed_at ASC
		 FOR UPDATE SKIP LOCKED`,
		threshold, maxErrors,
	)
	if err != nil {
		return nil, &model.PersistenceError{Op: "リフレッシュ対象フィードの取得に失敗しました", Err: err}
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, &model.PersistenceError{Op: "リフレッシュ対象フィードの読み取りに失敗しました", Err: err}
		}
		feeds = append(feeds, feed)
	}

	if err := rows.Err(); err != nil {
		return nil, &model.PersistenceError{Op: "リフレッシュ対象フィードの走査に失敗しました", Err: err}
	}

	return feeds, nil
}

// UpdateRefreshState はリフレッシュ結果を更新する。
func (r *PostgresFeedRepo) UpdateRefreshState(ctx context.Context, feed *model.Feed) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET
		    error = $2,
		    error_count = $3,
		    refreshed_at = $4,
		    last_post_at = $5,
		    etag = $6,
		    last_modified = $7,
		    updated_at = now()
		 WHERE id = $1`,
		feed.ID,
		nullString(feed.Error),
		feed.ErrorCount,
		feed.RefreshedAt,
		nullTime(feed.LastPostAt),
		nullString(feed.ETag),
		nullString(feed.LastModified),
	)
	if err != nil {
		return &model.PersistenceError{Op: "リフレッシュ状態の更新に失敗しました", Err: err}
	}
	return nil
}

// MarkRefreshed はrefreshed_atのみを現在時刻に更新する。
func (r *PostgresFeedRepo) MarkRefreshed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET refreshed_at = now(), updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return &model.PersistenceError{Op: "refreshed_atの更新に失敗しました", Err: err}
	}
	return nil
}

// nullTime は*time.Timeをsql.NullTimeに変換する。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// compile-time interface check
var _ FeedRepository = (*PostgresFeedRepo)(nil)
