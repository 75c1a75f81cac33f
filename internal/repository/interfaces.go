// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hitoshi/authbackend/internal/model"
)

// 一意制約違反を表すエラー。呼び出し側で errors.Is により判定する。
var (
	ErrDuplicateEmail        = errors.New("duplicate email")
	ErrDuplicateToken        = errors.New("duplicate token")
	ErrDuplicateOAuthAccount = errors.New("duplicate oauth account")

	// ErrRecordNotFound は更新対象が存在しないことを表す。
	ErrRecordNotFound = errors.New("record not found")
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを検索する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレスが重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// Update はユーザーを更新する。IDは変更しない。
	// メールアドレスが他ユーザーと重複する場合はErrDuplicateEmailを返す。
	Update(ctx context.Context, user *model.User) error

	// CreateWithOAuthAccount はユーザーとOAuthアカウントを同一トランザクションで作成する。
	CreateWithOAuthAccount(ctx context.Context, user *model.User, account *model.OAuthAccount) error
}

// OAuthAccountRepository は外部IdP紐付け情報の永続化インターフェース。
type OAuthAccountRepository interface {
	// FindByProviderAndAccountID はproviderとaccount_idでOAuthアカウントを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndAccountID(ctx context.Context, provider, accountID string) (*model.OAuthAccount, error)

	// Create はOAuthアカウントを作成する。
	// (provider, account_id) が重複する場合はErrDuplicateOAuthAccountを返す。
	Create(ctx context.Context, account *model.OAuthAccount) error

	// UpdateTokens はIdPから受け取ったトークン情報を更新する。
	UpdateTokens(ctx context.Context, account *model.OAuthAccount) error
}

// AccessTokenRepository はセッショントークンの永続化インターフェース（トークンストア）。
type AccessTokenRepository interface {
	// Create はトークンを挿入する。同じトークン値が既に存在する場合は
	// 何も書き込まずErrDuplicateTokenを返す（insert-if-absent）。
	Create(ctx context.Context, token *model.AccessToken) error

	// FindByToken はトークン値で検索する。見つからない場合はnilを返す。
	// 期限切れの判定は呼び出し側が行う。
	FindByToken(ctx context.Context, token string) (*model.AccessToken, error)

	// Delete はトークンを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, token string) error

	// DeleteByUserID は指定ユーザーの全トークンを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
