// Package credential はユーザーレコードとOAuthアカウント紐付けの永続化、
// およびパスワード検証を提供する。
package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authbackend/internal/model"
	"github.com/hitoshi/authbackend/internal/repository"
)

// Store はクレデンシャルストア。
// ハッシュ済みパスワードはVerifyPasswordとPasswordFingerprint以外で参照しない。
type Store struct {
	users    repository.UserRepository
	accounts repository.OAuthAccountRepository
	hasher   Hasher
	now      func() time.Time
}

// NewStore はStoreを生成する。
func NewStore(users repository.UserRepository, accounts repository.OAuthAccountRepository, hasher Hasher) *Store {
	return &Store{
		users:    users,
		accounts: accounts,
		hasher:   hasher,
		now:      time.Now,
	}
}

// HashPassword は平文パスワードをハッシュ化する。
func (s *Store) HashPassword(plaintext string) (string, error) {
	return s.hasher.Hash(plaintext)
}

// FindByID はIDでユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, model.StoreError("find user by id", err)
	}
	return user, nil
}

// FindByEmail は正規化したメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := s.users.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, model.StoreError("find user by email", err)
	}
	return user, nil
}

// Create はユーザーを作成する。メールアドレスが既に存在する場合はmodel.ErrConflictを返す。
func (s *Store) Create(ctx context.Context, email, hashedPassword string, flags model.UserFlags) (*model.User, error) {
	now := s.now()
	user := &model.User{
		ID:             uuid.New().String(),
		Email:          NormalizeEmail(email),
		HashedPassword: hashedPassword,
		IsActive:       flags.IsActive,
		IsVerified:     flags.IsVerified,
		IsSuperuser:    flags.IsSuperuser,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, fmt.Errorf("%w: email already registered", model.ErrConflict)
		}
		return nil, model.StoreError("create user", err)
	}
	return user, nil
}

// Update はnil以外のフィールドを反映したユーザーを保存して返す。
// 引数のuserは変更しない。
func (s *Store) Update(ctx context.Context, user *model.User, fields model.UserUpdate) (*model.User, error) {
	updated := *user
	if fields.Email != nil {
		updated.Email = NormalizeEmail(*fields.Email)
	}
	if fields.HashedPassword != nil {
		updated.HashedPassword = *fields.HashedPassword
	}
	if fields.IsActive != nil {
		updated.IsActive = *fields.IsActive
	}
	if fields.IsVerified != nil {
		updated.IsVerified = *fields.IsVerified
	}
	if fields.IsSuperuser != nil {
		updated.IsSuperuser = *fields.IsSuperuser
	}
	updated.UpdatedAt = s.now()

	if err := s.users.Update(ctx, &updated); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateEmail):
			return nil, fmt.Errorf("%w: email already registered", model.ErrConflict)
		case errors.Is(err, repository.ErrRecordNotFound):
			return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, user.ID)
		}
		return nil, model.StoreError("update user", err)
	}
	return &updated, nil
}

// VerifyPassword はパスワードを検証する。userがnilでもハッシュ比較を行いfalseを返す。
func (s *Store) VerifyPassword(user *model.User, plaintext string) bool {
	if user == nil {
		return s.hasher.Verify(plaintext, "")
	}
	return s.hasher.Verify(plaintext, user.HashedPassword)
}

// PasswordFingerprint はリセットトークンに埋め込むための現在のパスワードハッシュの指紋を返す。
// パスワードが変わると値も変わる。
func (s *Store) PasswordFingerprint(user *model.User) string {
	sum := sha256.Sum256([]byte(user.HashedPassword))
	return hex.EncodeToString(sum[:8])
}

// FindOAuthAccount は(provider, accountID)でOAuthアカウントを取得する。見つからない場合はnilを返す。
func (s *Store) FindOAuthAccount(ctx context.Context, provider, accountID string) (*model.OAuthAccount, error) {
	account, err := s.accounts.FindByProviderAndAccountID(ctx, provider, accountID)
	if err != nil {
		return nil, model.StoreError("find oauth account", err)
	}
	return account, nil
}

// LinkOAuthAccount は既存ユーザーにOAuthアカウントを紐付ける。
func (s *Store) LinkOAuthAccount(ctx context.Context, user *model.User, account *model.OAuthAccount) error {
	now := s.now()
	account.ID = uuid.New().String()
	account.UserID = user.ID
	account.CreatedAt = now
	account.UpdatedAt = now
	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicateOAuthAccount) {
			return fmt.Errorf("%w: oauth account already linked", model.ErrConflict)
		}
		return model.StoreError("link oauth account", err)
	}
	return nil
}

// CreateWithOAuthAccount はユーザーとOAuthアカウントを同時に作成する。
func (s *Store) CreateWithOAuthAccount(ctx context.Context, email string, flags model.UserFlags, account *model.OAuthAccount) (*model.User, error) {
	now := s.now()
	user := &model.User{
		ID:          uuid.New().String(),
		Email:       NormalizeEmail(email),
		IsActive:    flags.IsActive,
		IsVerified:  flags.IsVerified,
		IsSuperuser: flags.IsSuperuser,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	account.ID = uuid.New().String()
	account.UserID = user.ID
	account.CreatedAt = now
	account.UpdatedAt = now

	if err := s.users.CreateWithOAuthAccount(ctx, user, account); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) || errors.Is(err, repository.ErrDuplicateOAuthAccount) {
			return nil, fmt.Errorf("%w: %v", model.ErrConflict, err)
		}
		return nil, model.StoreError("create user with oauth account", err)
	}
	return user, nil
}

// UpdateOAuthTokens はIdPから受け取った最新のトークン情報を保存する。
func (s *Store) UpdateOAuthTokens(ctx context.Context, account *model.OAuthAccount) error {
	account.UpdatedAt = s.now()
	if err := s.accounts.UpdateTokens(ctx, account); err != nil {
		return model.StoreError("update oauth tokens", err)
	}
	return nil
}
