// Package auth は外部IdPによるOAuthログインと、その結果をローカルユーザーと
// セッショントークンに変換するブリッジを提供する。
package auth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownProvider は登録されていないプロバイダー名を表す。
	ErrUnknownProvider = errors.New("unknown oauth provider")

	// ErrInvalidState はstateパラメータの署名不正・期限切れ・nonce不一致を表す。
	ErrInvalidState = errors.New("invalid oauth state")

	// ErrExchange はIdPとの認可コード交換やユーザー情報取得の失敗を表す。
	ErrExchange = errors.New("oauth exchange failed")
)

// OAuthUserInfo はIdPから取得したユーザー情報とトークン。
type OAuthUserInfo struct {
	Provider      string
	AccountID     string
	Email         string
	EmailVerified bool

	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// Name はルートやOAuthアカウントに記録するプロバイダー名を返す。
	Name() string
	// AuthCodeURL はstateを含む認可URLを生成する。
	AuthCodeURL(state string) string
	// Exchange は認可コードをトークンに交換し、ユーザー情報を取得する。
	Exchange(ctx context.Context, code string) (*OAuthUserInfo, error)
}
