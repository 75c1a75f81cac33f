package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/authbackend/internal/model"
)

// MemoryStore はプロセス内メモリを使用したリポジトリ群。
// 開発環境と単体テスト用で、複数インスタンス間ではセッションを共有できない。
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]model.User
	oauthAccounts map[string]model.OAuthAccount
	tokens        map[string]model.AccessToken

	Users         *MemoryUserRepo
	OAuthAccounts *MemoryOAuthAccountRepo
	AccessTokens  *MemoryAccessTokenRepo
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		users:         make(map[string]model.User),
		oauthAccounts: make(map[string]model.OAuthAccount),
		tokens:        make(map[string]model.AccessToken),
	}
	s.Users = &MemoryUserRepo{s: s}
	s.OAuthAccounts = &MemoryOAuthAccountRepo{s: s}
	s.AccessTokens = &MemoryAccessTokenRepo{s: s}
	return s
}

// MemoryUserRepo はメモリ上のユーザーリポジトリ。
type MemoryUserRepo struct {
	s *MemoryStore
}

// FindByID は指定IDのユーザーを取得する。
func (r *MemoryUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	u, ok := r.s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。
func (r *MemoryUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	if u := r.s.findByEmailLocked(email); u != nil {
		return u, nil
	}
	return nil, nil
}

// Create はユーザーを作成する。
func (r *MemoryUserRepo) Create(_ context.Context, user *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	return r.s.createUserLocked(user)
}

// Update はユーザーを更新する。
func (r *MemoryUserRepo) Update(_ context.Context, user *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.users[user.ID]; !ok {
		return ErrRecordNotFound
	}
	if other := r.s.findByEmailLocked(user.Email); other != nil && other.ID != user.ID {
		return ErrDuplicateEmail
	}
	r.s.users[user.ID] = *user
	return nil
}

// Len は保存されているユーザー数を返す。
func (r *MemoryUserRepo) Len() int {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.users)
}

// CreateWithOAuthAccount はユーザーとOAuthアカウントをまとめて作成する。
func (r *MemoryUserRepo) CreateWithOAuthAccount(_ context.Context, user *model.User, account *model.OAuthAccount) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := oauthKey(account.Provider, account.AccountID)
	if _, ok := r.s.oauthAccounts[key]; ok {
		return ErrDuplicateOAuthAccount
	}
	if err := r.s.createUserLocked(user); err != nil {
		return err
	}
	r.s.oauthAccounts[key] = *account
	return nil
}

func (s *MemoryStore) findByEmailLocked(email string) *model.User {
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			found := u
			return &found
		}
	}
	return nil
}

func (s *MemoryStore) createUserLocked(user *model.User) error {
	if s.findByEmailLocked(user.Email) != nil {
		return ErrDuplicateEmail
	}
	s.users[user.ID] = *user
	return nil
}

// MemoryOAuthAccountRepo はメモリ上のOAuthアカウントリポジトリ。
type MemoryOAuthAccountRepo struct {
	s *MemoryStore
}

func oauthKey(provider, accountID string) string {
	return provider + "\x00" + accountID
}

// FindByProviderAndAccountID はproviderとaccount_idでOAuthアカウントを検索する。
func (r *MemoryOAuthAccountRepo) FindByProviderAndAccountID(_ context.Context, provider, accountID string) (*model.OAuthAccount, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	a, ok := r.s.oauthAccounts[oauthKey(provider, accountID)]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// Create はOAuthアカウントを作成する。
func (r *MemoryOAuthAccountRepo) Create(_ context.Context, account *model.OAuthAccount) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := oauthKey(account.Provider, account.AccountID)
	if _, ok := r.s.oauthAccounts[key]; ok {
		return ErrDuplicateOAuthAccount
	}
	r.s.oauthAccounts[key] = *account
	return nil
}

// UpdateTokens はトークン情報を更新する。
func (r *MemoryOAuthAccountRepo) UpdateTokens(_ context.Context, account *model.OAuthAccount) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := oauthKey(account.Provider, account.AccountID)
	existing, ok := r.s.oauthAccounts[key]
	if !ok {
		return ErrRecordNotFound
	}
	existing.AccountEmail = account.AccountEmail
	existing.AccessToken = account.AccessToken
	existing.RefreshToken = account.RefreshToken
	existing.ExpiresAt = account.ExpiresAt
	existing.UpdatedAt = account.UpdatedAt
	r.s.oauthAccounts[key] = existing
	return nil
}

// MemoryAccessTokenRepo はメモリ上のトークンストア。
type MemoryAccessTokenRepo struct {
	s *MemoryStore
}

// Create はトークンを挿入する。
func (r *MemoryAccessTokenRepo) Create(_ context.Context, token *model.AccessToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.tokens[token.Token]; ok {
		return ErrDuplicateToken
	}
	r.s.tokens[token.Token] = *token
	return nil
}

// FindByToken はトークン値で検索する。
func (r *MemoryAccessTokenRepo) FindByToken(_ context.Context, token string) (*model.AccessToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	t, ok := r.s.tokens[token]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// Delete はトークンを削除する。
func (r *MemoryAccessTokenRepo) Delete(_ context.Context, token string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	delete(r.s.tokens, token)
	return nil
}

// DeleteByUserID は指定ユーザーの全トークンを削除する。
func (r *MemoryAccessTokenRepo) DeleteByUserID(_ context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for k, t := range r.s.tokens {
		if t.UserID == userID {
			delete(r.s.tokens, k)
		}
	}
	return nil
}

// DeleteExpired は期限切れトークンを削除し、削除件数を返す。
func (r *MemoryAccessTokenRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for k, t := range r.s.tokens {
		if t.Expired(now) {
			delete(r.s.tokens, k)
			n++
		}
	}
	return n, nil
}

// Len は保存されているトークン数を返す。
func (r *MemoryAccessTokenRepo) Len() int {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.tokens)
}

// compile-time interface checks
var (
	_ UserRepository         = (*MemoryUserRepo)(nil)
	_ OAuthAccountRepository = (*MemoryOAuthAccountRepo)(nil)
	_ AccessTokenRepository  = (*MemoryAccessTokenRepo)(nil)
)
