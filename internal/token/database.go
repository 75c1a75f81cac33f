package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hitoshi/authbackend/internal/model"
	"github.com/hitoshi/authbackend/internal/repository"
)

const (
	tokenBytes          = 32
	maxIssueAttempts    = 3
	defaultStoreTimeout = 5 * time.Second
)

// DatabaseStrategy はトークンストアに永続化する不透明トークンのStrategy。
// ログアウト時にサーバー側で失効できる。
type DatabaseStrategy struct {
	tokens   repository.AccessTokenRepository
	users    UserLoader
	lifetime time.Duration

	// StoreTimeout はストア操作1回あたりの上限時間。超過はmodel.ErrTransientStoreになる。
	StoreTimeout time.Duration

	now    func() time.Time
	random io.Reader
}

// NewDatabaseStrategy はDatabaseStrategyを生成する。lifetimeが0以下の場合は既定値を使う。
func NewDatabaseStrategy(tokens repository.AccessTokenRepository, users UserLoader, lifetime time.Duration) *DatabaseStrategy {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &DatabaseStrategy{
		tokens:       tokens,
		users:        users,
		lifetime:     lifetime,
		StoreTimeout: defaultStoreTimeout,
		now:          time.Now,
		random:       rand.Reader,
	}
}

// Lifetime はトークンの有効期間を返す。
func (s *DatabaseStrategy) Lifetime() time.Duration {
	return s.lifetime
}

// Issue は256bitの乱数トークンを生成して保存する。
// 衝突した場合は新しい値で再試行する。
func (s *DatabaseStrategy) Issue(ctx context.Context, user *model.User) (string, error) {
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		value, err := s.generate()
		if err != nil {
			return "", err
		}

		now := s.now()
		record := &model.AccessToken{
			Token:     value,
			UserID:    user.ID,
			CreatedAt: now,
			ExpiresAt: now.Add(s.lifetime),
		}

		err = s.withTimeout(ctx, func(ctx context.Context) error {
			return s.tokens.Create(ctx, record)
		})
		if errors.Is(err, repository.ErrDuplicateToken) {
			continue
		}
		if err != nil {
			return "", model.StoreError("create access token", err)
		}
		return value, nil
	}
	return "", fmt.Errorf("failed to issue unique token after %d attempts", maxIssueAttempts)
}

// Resolve はトークンを検索し、有効期限内かつアクティブな所有者を返す。
// 不明なトークンと期限切れのトークンは区別しない。
func (s *DatabaseStrategy) Resolve(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, model.ErrUnauthenticated
	}

	var record *model.AccessToken
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var findErr error
		record, findErr = s.tokens.FindByToken(ctx, token)
		return findErr
	})
	if err != nil {
		return nil, model.StoreError("find access token", err)
	}
	if record == nil || record.Expired(s.now()) {
		return nil, model.ErrUnauthenticated
	}

	var user *model.User
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var loadErr error
		user, loadErr = loadActiveUser(ctx, s.users, record.UserID)
		return loadErr
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Revoke はトークンを削除する。存在しない場合もエラーにしない。
func (s *DatabaseStrategy) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.tokens.Delete(ctx, token)
	})
	if err != nil {
		return model.StoreError("delete access token", err)
	}
	return nil
}

// RevokeAll はユーザーの全トークンを削除する。パスワードリセット時に使用する。
func (s *DatabaseStrategy) RevokeAll(ctx context.Context, userID string) error {
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.tokens.DeleteByUserID(ctx, userID)
	})
	if err != nil {
		return model.StoreError("delete user access tokens", err)
	}
	return nil
}

func (s *DatabaseStrategy) generate() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.random, b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *DatabaseStrategy) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if s.StoreTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, s.StoreTimeout)
	defer cancel()
	return fn(ctx)
}

var (
	_ Strategy    = (*DatabaseStrategy)(nil)
	_ UserRevoker = (*DatabaseStrategy)(nil)
)
