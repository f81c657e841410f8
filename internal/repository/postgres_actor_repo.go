package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/feedpub/internal/model"
)

// PostgresActorRepo はPostgreSQLを使用したアクターキャッシュリポジトリ。
type PostgresActorRepo struct {
	db *sql.DB
}

// NewPostgresActorRepo はPostgresActorRepoを生成する。
func NewPostgresActorRepo(db *sql.DB) *PostgresActorRepo {
	return &PostgresActorRepo{db: db}
}

const actorColumns = `id, url, inbox_url, public_key_id, public_key_pem, username,
	error_count, refreshed_at, created_at, updated_at`

// scanActor は1行分のアクターを読み取る。
func scanActor(row interface{ Scan(...any) error }) (*model.Actor, error) {
	actor := &model.Actor{}
	var inboxURL, publicKeyID, publicKeyPem, username sql.NullString

	err := row.Scan(
		&actor.ID, &actor.URL, &inboxURL, &publicKeyID, &publicKeyPem,
		&username, &actor.ErrorCount, &actor.RefreshedAt,
		&actor.CreatedAt, &actor.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	actor.InboxURL = nullStringValue(inboxURL)
	actor.PublicKeyID = nullStringValue(publicKeyID)
	actor.PublicKeyPem = nullStringValue(publicKeyPem)
	actor.Username = nullStringValue(username)

	return actor, nil
}

// FindByIdentifier はプロフィールURL・inbox URL・鍵IDのいずれかに一致する
// アクターを検索する。見つからない場合はnilを返す。
func (r *PostgresActorRepo) FindByIdentifier(ctx context.Context, identifier string) (*model.Actor, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+actorColumns+`
		 FROM actors
		 WHERE url = $1 OR inbox_url = $1 OR public_key_id = $1`,
		identifier,
	)

	actor, err := scanActor(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &model.PersistenceError{Op: "アクターの検索に失敗しました", Err: err}
	}
	return actor, nil
}

// Upsert はアクターをURLをキーにINSERT ... ON CONFLICT DO UPDATEで保存する。
func (r *PostgresActorRepo) Upsert(ctx context.Context, actor *model.Actor) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO actors (id, url, inbox_url, public_key_id, public_key_pem,
		                     username, error_count, refreshed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now(), now())
		 ON CONFLICT (url) DO UPDATE SET
		    inbox_url = EXCLUDED.inbox_url,
		    public_key_id = EXCLUDED.public_key_id,
		    public_key_pem = EXCLUDED.public_key_pem,
		    username = EXCLUDED.username,
		    refreshed_at = now(),
		    updated_at = now()`,
		actor.ID, actor.URL, nullString(actor.InboxURL),
		nullString(actor.PublicKeyID), nullString(actor.PublicKeyPem),
		nullString(actor.Username), actor.ErrorCount,
	)
	if err != nil {
		return &model.PersistenceError{Op: "アクターのupsertに失敗しました", Err: err}
	}
	return nil
}

// IncrementErrorCount は識別子に一致するアクターのerror_countを加算する。
func (r *PostgresActorRepo) IncrementErrorCount(ctx context.Context, identifier string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE actors SET error_count = error_count + 1, updated_at = now()
		 WHERE url = $1 OR inbox_url = $1 OR public_key_id = $1`,
		identifier,
	)
	if err != nil {
		return &model.PersistenceError{Op: "アクターのエラーカウント更新に失敗しました", Err: err}
	}
	return nil
}

// DeleteExceedingErrorCount はerror_countが上限を超えたアクターを
// フォロワー行もろとも削除する。サーキットブレーカーの実体。
func (r *PostgresActorRepo) DeleteExceedingErrorCount(ctx context.Context, ceiling int) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &model.PersistenceError{Op: "トランザクション開始に失敗しました", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM followers
		 WHERE actor IN (SELECT url FROM actors WHERE error_count > $1)`,
		ceiling,
	)
	if err != nil {
		return 0, &model.PersistenceError{Op: "フォロワー行の削除に失敗しました", Err: err}
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM actors WHERE error_count > $1`,
		ceiling,
	)
	if err != nil {
		return 0, &model.PersistenceError{Op: "アクター行の削除に失敗しました", Err: err}
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, &model.PersistenceError{Op: "削除件数の取得に失敗しました", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &model.PersistenceError{Op: "トランザクションのコミットに失敗しました", Err: err}
	}

	return deleted, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ ActorRepository = (*PostgresActorRepo)(nil)
