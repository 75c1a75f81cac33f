package token

import (
	"context"
	"time"

	"github.com/hitoshi/authbackend/internal/model"
)

// JWTStrategy は署名付きトークンをそのままセッショントークンとして使うStrategy。
// ストアへの問い合わせが不要な代わりに、有効期限前の失効はできない。
type JWTStrategy struct {
	signer   *Signer
	users    UserLoader
	lifetime time.Duration
}

// NewJWTStrategy はJWTStrategyを生成する。
func NewJWTStrategy(signer *Signer, users UserLoader, lifetime time.Duration) *JWTStrategy {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &JWTStrategy{signer: signer, users: users, lifetime: lifetime}
}

// Lifetime はトークンの有効期間を返す。
func (s *JWTStrategy) Lifetime() time.Duration {
	return s.lifetime
}

// Issue はユーザーIDをsubjectとする署名付きトークンを発行する。
func (s *JWTStrategy) Issue(_ context.Context, user *model.User) (string, error) {
	return s.signer.Sign(AudienceSession, user.ID, s.lifetime, Claims{})
}

// Resolve は署名と有効期限を検証し、所有者を返す。
func (s *JWTStrategy) Resolve(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, model.ErrUnauthenticated
	}
	claims, err := s.signer.Parse(token, AudienceSession)
	if err != nil {
		return nil, model.ErrUnauthenticated
	}
	return loadActiveUser(ctx, s.users, claims.Subject)
}

// Revoke はサポートされない。
func (s *JWTStrategy) Revoke(context.Context, string) error {
	return ErrRevokeNotSupported
}

var _ Strategy = (*JWTStrategy)(nil)
