// Package token はセッショントークンの発行・解決・失効（Strategy）と、
// パスワードリセット等に使う自己検証型トークンを提供する。
package token

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/authbackend/internal/model"
)

// DefaultLifetime はセッショントークンの既定有効期間。
const DefaultLifetime = 3600 * time.Second

// ErrRevokeNotSupported はサーバー側での失効をサポートしないStrategyが返す。
var ErrRevokeNotSupported = errors.New("token revocation not supported by this strategy")

// Strategy はトークンの発行・解決・失効を行う。
type Strategy interface {
	// Issue はユーザーに対して新しいトークンを発行する。
	Issue(ctx context.Context, user *model.User) (string, error)
	// Resolve はトークンからユーザーを解決する。
	// 不明・期限切れはmodel.ErrUnauthenticated、非アクティブはmodel.ErrInactive、
	// ストア障害はmodel.ErrTransientStoreを返す。
	Resolve(ctx context.Context, token string) (*model.User, error)
	// Revoke はトークンを失効させる。冪等。
	Revoke(ctx context.Context, token string) error
}

// UserRevoker はユーザー単位で全トークンを失効できるStrategy。
type UserRevoker interface {
	RevokeAll(ctx context.Context, userID string) error
}

// UserLoader はトークンの所有者を読み込む。見つからない場合はnilを返す。
type UserLoader interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// loadActiveUser は所有者を読み込み、存在しない・非アクティブの場合は認証失敗を返す。
func loadActiveUser(ctx context.Context, users UserLoader, userID string) (*model.User, error) {
	user, err := users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrTransientStore) {
			return nil, err
		}
		return nil, model.StoreError("load token owner", err)
	}
	if user == nil {
		return nil, model.ErrUnauthenticated
	}
	if !user.IsActive {
		return nil, model.ErrInactive
	}
	return user, nil
}
