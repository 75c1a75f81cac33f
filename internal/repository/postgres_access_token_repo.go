package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/authbackend/internal/model"
)

// PostgresAccessTokenRepo はPostgreSQLを使用したトークンストア。
type PostgresAccessTokenRepo struct {
	db *sql.DB
}

// NewPostgresAccessTokenRepo はPostgresAccessTokenRepoを生成する。
func NewPostgresAccessTokenRepo(db *sql.DB) *PostgresAccessTokenRepo {
	return &PostgresAccessTokenRepo{db: db}
}

// Create はトークンを挿入する。
// ON CONFLICT DO NOTHING により、同時発行で値が衝突しても既存行は上書きされない。
func (r *PostgresAccessTokenRepo) Create(ctx context.Context, token *model.AccessToken) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO access_tokens (token, user_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (token) DO NOTHING`,
		token.Token, token.UserID, token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create access token: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDuplicateToken
	}
	return nil
}

// FindByToken はトークン値で検索する。見つからない場合はnilを返す。
func (r *PostgresAccessTokenRepo) FindByToken(ctx context.Context, token string) (*model.AccessToken, error) {
	t := &model.AccessToken{}
	err := r.db.QueryRowContext(ctx,
		`SELECT token, user_id, created_at, expires_at
		 FROM access_tokens
		 WHERE token = $1`,
		token,
	).Scan(&t.Token, &t.UserID, &t.CreatedAt, &t.ExpiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find access token: %w", err)
	}

	return t, nil
}

// Delete はトークンを削除する。
func (r *PostgresAccessTokenRepo) Delete(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM access_tokens WHERE token = $1`,
		token,
	)
	if err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	return nil
}

// DeleteByUserID は指定ユーザーの全トークンを削除する。
func (r *PostgresAccessTokenRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM access_tokens WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user access tokens: %w", err)
	}
	return nil
}

// DeleteExpired はnow時点で期限切れのトークンを削除し、削除件数を返す。
func (r *PostgresAccessTokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM access_tokens WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired access tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ AccessTokenRepository = (*PostgresAccessTokenRepo)(nil)
