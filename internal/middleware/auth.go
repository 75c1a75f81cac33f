package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/authbackend/internal/backend"
	"github.com/hitoshi/authbackend/internal/metrics"
	"github.com/hitoshi/authbackend/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// authResultContextKey はリクエストコンテキストに認証結果を格納するためのキー。
var authResultContextKey = contextKey("auth_result")

// RequestAuthenticator はリクエストを認証済みユーザーに解決する。
// backend.Authenticatorが実装する。
type RequestAuthenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*backend.Result, error)
}

// NewAuthMiddleware はリクエストを認証し、成功した場合は結果をコンテキストに注入するミドルウェアを返す。
// 未認証のリクエストも次のハンドラーに渡す。拒否はRequireUserで行う。
// ストア障害の場合は認証失敗と区別して503を返す。
func NewAuthMiddleware(authenticator RequestAuthenticator, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			res, err := authenticator.Authenticate(r.Context(), r)

			switch {
			case err == nil:
				collector.RecordTokenResolve("success", time.Since(start))
				setLoggedUser(r.Context(), res.User.ID)
				next.ServeHTTP(w, r.WithContext(ContextWithAuthResult(r.Context(), res)))
			case errors.Is(err, model.ErrUnauthenticated):
				outcome := "unauthenticated"
				if errors.Is(err, model.ErrInactive) {
					outcome = "inactive"
				}
				collector.RecordTokenResolve(outcome, time.Since(start))
				next.ServeHTTP(w, r)
			default:
				collector.RecordTokenResolve("store_error", time.Since(start))
				slog.ErrorContext(r.Context(), "リクエストの認証中にストア障害が発生しました",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewServiceUnavailableError())
			}
		})
	}
}

// Requirement は認証済みユーザーに求める条件。
type Requirement struct {
	Active    bool
	Verified  bool
	Superuser bool
}

// RequireUser は認証済みで条件を満たすユーザーのみを通すミドルウェアを返す。
// 未認証と非アクティブは401、未検証と権限不足は403を返す。
func RequireUser(req Requirement) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, ok := CurrentUser(r.Context())
			if !ok || (req.Active && !u.IsActive) {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if (req.Verified && !u.IsVerified) || (req.Superuser && !u.IsSuperuser) {
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ContextWithAuthResult はコンテキストに認証結果を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithAuthResult(ctx context.Context, res *backend.Result) context.Context {
	return context.WithValue(ctx, authResultContextKey, res)
}

// AuthResultFromContext はリクエストコンテキストから認証結果を取得する。
func AuthResultFromContext(ctx context.Context) (*backend.Result, bool) {
	res, ok := ctx.Value(authResultContextKey).(*backend.Result)
	return res, ok && res != nil
}

// CurrentUser はリクエストコンテキストから認証済みユーザーを取得する。
func CurrentUser(ctx context.Context) (*model.User, bool) {
	res, ok := AuthResultFromContext(ctx)
	if !ok || res.User == nil {
		return nil, false
	}
	return res.User, true
}
