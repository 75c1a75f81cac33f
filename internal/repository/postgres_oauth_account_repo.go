package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/authbackend/internal/model"
)

// execer は*sql.DBと*sql.Txの共通インターフェース。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresOAuthAccountRepo はPostgreSQLを使用したOAuthアカウントリポジトリ。
type PostgresOAuthAccountRepo struct {
	db *sql.DB
}

// NewPostgresOAuthAccountRepo はPostgresOAuthAccountRepoを生成する。
func NewPostgresOAuthAccountRepo(db *sql.DB) *PostgresOAuthAccountRepo {
	return &PostgresOAuthAccountRepo{db: db}
}

// FindByProviderAndAccountID はproviderとaccount_idでOAuthアカウントを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresOAuthAccountRepo) FindByProviderAndAccountID(ctx context.Context, provider, accountID string) (*model.OAuthAccount, error) {
	account := &model.OAuthAccount{}
	var expiresAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, account_id, account_email,
		        access_token, refresh_token, expires_at, created_at, updated_at
		 FROM oauth_accounts
		 WHERE provider = $1 AND account_id = $2`,
		provider, accountID,
	).Scan(
		&account.ID, &account.UserID, &account.Provider, &account.AccountID, &account.AccountEmail,
		&account.AccessToken, &account.RefreshToken, &expiresAt, &account.CreatedAt, &account.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find oauth account: %w", err)
	}
	if expiresAt.Valid {
		account.ExpiresAt = &expiresAt.Time
	}

	return account, nil
}

// Create はOAuthアカウントを作成する。
func (r *PostgresOAuthAccountRepo) Create(ctx context.Context, account *model.OAuthAccount) error {
	return insertOAuthAccount(ctx, r.db, account)
}

// UpdateTokens はIdPから受け取ったトークン情報を更新する。
func (r *PostgresOAuthAccountRepo) UpdateTokens(ctx context.Context, account *model.OAuthAccount) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE oauth_accounts
		 SET account_email = $3, access_token = $4, refresh_token = $5, expires_at = $6, updated_at = $7
		 WHERE provider = $1 AND account_id = $2`,
		account.Provider, account.AccountID, account.AccountEmail, account.AccessToken, account.RefreshToken,
		account.ExpiresAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update oauth account tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func insertOAuthAccount(ctx context.Context, db execer, account *model.OAuthAccount) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO oauth_accounts
		   (id, user_id, provider, account_id, account_email,
		    access_token, refresh_token, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		account.ID, account.UserID, account.Provider, account.AccountID, account.AccountEmail,
		account.AccessToken, account.RefreshToken, account.ExpiresAt, account.CreatedAt, account.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateOAuthAccount
	}
	if err != nil {
		return fmt.Errorf("failed to insert oauth account: %w", err)
	}
	return nil
}

// compile-time interface check
var _ OAuthAccountRepository = (*PostgresOAuthAccountRepo)(nil)
