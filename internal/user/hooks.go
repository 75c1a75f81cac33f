package user

import (
	"context"
	"log/slog"

	"github.com/hitoshi/authbackend/internal/model"
)

// Hooks は各フロー完了後に呼び出されるコールバック。nilのフックは呼ばれない。
// フックのエラーやpanicは記録のみ行い、元の操作は失敗させない。
type Hooks struct {
	OnAfterRegister       func(ctx context.Context, user *model.User) error
	OnAfterLogin          func(ctx context.Context, user *model.User) error
	OnAfterForgotPassword func(ctx context.Context, user *model.User, token string) error
	OnAfterResetPassword  func(ctx context.Context, user *model.User) error
	OnAfterRequestVerify  func(ctx context.Context, user *model.User, token string) error
	OnAfterVerify         func(ctx context.Context, user *model.User) error
	OnAfterUpdate         func(ctx context.Context, user *model.User) error
}

// LoggingHooks は各イベントをログに記録するフックを返す。
// revealTokensがtrueの場合のみリセット/検証トークンをログに出力する（開発環境用）。
func LoggingHooks(logger *slog.Logger, revealTokens bool) Hooks {
	logToken := func(msg string) func(context.Context, *model.User, string) error {
		return func(ctx context.Context, u *model.User, token string) error {
			attrs := []any{slog.String("user_id", u.ID)}
			if revealTokens {
				attrs = append(attrs, slog.String("token", token))
			}
			logger.InfoContext(ctx, msg, attrs...)
			return nil
		}
	}
	logUser := func(msg string) func(context.Context, *model.User) error {
		return func(ctx context.Context, u *model.User) error {
			logger.InfoContext(ctx, msg, slog.String("user_id", u.ID))
			return nil
		}
	}

	return Hooks{
		OnAfterRegister:       logUser("ユーザーが登録されました"),
		OnAfterLogin:          logUser("ユーザーがログインしました"),
		OnAfterForgotPassword: logToken("パスワードリセットトークンを発行しました"),
		OnAfterResetPassword:  logUser("パスワードがリセットされました"),
		OnAfterRequestVerify:  logToken("メールアドレス検証トークンを発行しました"),
		OnAfterVerify:         logUser("メールアドレスが検証されました"),
		OnAfterUpdate:         logUser("ユーザー情報が更新されました"),
	}
}
