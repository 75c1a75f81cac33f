package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/authbackend/internal/backend"
	"github.com/hitoshi/authbackend/internal/metrics"
	"github.com/hitoshi/authbackend/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector

	// Authenticator のバックエンドごとに /auth/{name}/login と /auth/{name}/logout を登録する。
	// 認証済みリクエストの解決もこの順で行う。
	Authenticator *backend.Authenticator
	Manager       UserManager

	// OAuth はnilの場合OAuthルートを登録しない。
	OAuth       OAuthBridge
	OAuthConfig OAuthHandlerConfig

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	// CSRF はnilの場合CSRF検証を行わない。
	CSRF *middleware.CSRFConfig
	HSTS bool

	HealthCheck    HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Metrics → Recovery → SecurityHeaders → CORS → CSRF → Auth
//
// 未認証で叩ける認証エンドポイントにはクライアントIPごとのレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	if deps.CSRF != nil {
		r.Use(middleware.NewCSRFMiddleware(*deps.CSRF))
	}

	// 運用エンドポイント
	r.Get("/health", NewHealthHandler(deps.HealthCheck))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.Manager)
	userHandler := NewUserHandler(deps.Manager)

	limited := func(r chi.Router) chi.Router { return r }
	if deps.RateLimiter != nil {
		limited = func(r chi.Router) chi.Router { return r.With(deps.RateLimiter.Middleware()) }
	}

	r.Route("/auth", func(r chi.Router) {
		for _, b := range deps.Authenticator.Backends() {
			limited(r).Post("/"+b.Name()+"/login", authHandler.Login(b))
			r.Post("/"+b.Name()+"/logout", authHandler.Logout(b))
		}

		limited(r).Post("/register", authHandler.Register)
		limited(r).Post("/forgot-password", authHandler.ForgotPassword)
		limited(r).Post("/reset-password", authHandler.ResetPassword)
		limited(r).Post("/request-verify-token", authHandler.RequestVerifyToken)
		limited(r).Post("/verify", authHandler.Verify)

		if deps.CSRF != nil {
			r.Get("/csrf-token", middleware.NewCSRFTokenHandler(*deps.CSRF).ServeHTTP)
		}

		if deps.OAuth != nil {
			oauthHandler := NewOAuthHandler(deps.OAuth, deps.OAuthConfig)
			limited(r).Get("/{provider}/authorize", oauthHandler.Authorize)
			limited(r).Get("/{provider}/callback", oauthHandler.Callback)
		}
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.Authenticator, collector))
		r.Use(middleware.RequireUser(middleware.Requirement{Active: true}))

		r.Get("/authenticated-route", userHandler.AuthenticatedRoute)

		r.Route("/users", func(r chi.Router) {
			r.Get("/me", userHandler.Me)
			r.Patch("/me", userHandler.UpdateMe)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireUser(middleware.Requirement{Active: true, Superuser: true}))
				r.Get("/{id}", userHandler.GetUser)
				r.Patch("/{id}", userHandler.UpdateUser)
			})
		})
	})

	return r
}
