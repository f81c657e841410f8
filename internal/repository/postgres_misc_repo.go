package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/feedpub/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用した監査ログリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// Create は監査ログを追記する。
func (r *PostgresMessageRepo) Create(ctx context.Context, message *model.Message) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, username, text, actor, error, handled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		message.ID, nullString(message.Username), nullString(message.Text),
		nullString(message.Actor), nullString(message.Error),
		message.Handled, message.CreatedAt,
	)
	if err != nil {
		return &model.PersistenceError{Op: "監査ログの追記に失敗しました", Err: err}
	}
	return nil
}

// DeleteOlderThan は指定時刻より古いログを削除し、削除件数を返す。
func (r *PostgresMessageRepo) DeleteOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM messages WHERE created_at < $1`,
		threshold,
	)
	if err != nil {
		return 0, &model.PersistenceError{Op: "監査ログの削除に失敗しました", Err: err}
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, &model.PersistenceError{Op: "削除件数の取得に失敗しました", Err: err}
	}
	return deleted, nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)

// PostgresSettingRepo はPostgreSQLを使用した設定リポジトリ。
type PostgresSettingRepo struct {
	db *sql.DB
}

// NewPostgresSettingRepo はPostgresSettingRepoを生成する。
func NewPostgresSettingRepo(db *sql.DB) *PostgresSettingRepo {
	return &PostgresSettingRepo{db: db}
}

// Get は設定値を取得する。未設定の場合はdefaultValueを返す。
func (r *PostgresSettingRepo) Get(ctx context.Context, name, defaultValue string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE name = $1`,
		name,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return defaultValue, nil
	}
	if err != nil {
		return "", &model.PersistenceError{Op: "設定値の取得に失敗しました", Err: err}
	}
	return value, nil
}

// Set は設定値をupsertする。
func (r *PostgresSettingRepo) Set(ctx context.Context, name, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO settings (name, value) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`,
		name, value,
	)
	if err != nil {
		return &model.PersistenceError{Op: "設定値の更新に失敗しました", Err: err}
	}
	return nil
}

// compile-time interface check
var _ SettingRepository = (*PostgresSettingRepo)(nil)

// PostgresBlockedDomainRepo はPostgreSQLを使用したブロックドメインリポジトリ。
type PostgresBlockedDomainRepo struct {
	db *sql.DB
}

// NewPostgresBlockedDomainRepo はPostgresBlockedDomainRepoを生成する。
func NewPostgresBlockedDomainRepo(db *sql.DB) *PostgresBlockedDomainRepo {
	return &PostgresBlockedDomainRepo{db: db}
}

// Exists はドメインがブロックリストに含まれるかを返す。
func (r *PostgresBlockedDomainRepo) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM blocked_domains WHERE name = $1)`,
		name,
	).Scan(&exists)
	if err != nil {
		return false, &model.PersistenceError{Op: "ブロックドメインの確認に失敗しました", Err: err}
	}
	return exists, nil
}

// compile-time interface check
var _ BlockedDomainRepository = (*PostgresBlockedDomainRepo)(nil)
