package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/authbackend/internal/auth"
	"github.com/hitoshi/authbackend/internal/backend"
	"github.com/hitoshi/authbackend/internal/config"
	"github.com/hitoshi/authbackend/internal/credential"
	"github.com/hitoshi/authbackend/internal/database"
	"github.com/hitoshi/authbackend/internal/handler"
	"github.com/hitoshi/authbackend/internal/logger"
	"github.com/hitoshi/authbackend/internal/metrics"
	"github.com/hitoshi/authbackend/internal/middleware"
	"github.com/hitoshi/authbackend/internal/repository"
	"github.com/hitoshi/authbackend/internal/token"
	"github.com/hitoshi/authbackend/internal/transport"
	"github.com/hitoshi/authbackend/internal/user"
	"github.com/hitoshi/authbackend/internal/worker/cleanup"
)

const (
	pingTimeout     = 5 * time.Second
	shutdownTimeout = 30 * time.Second

	// oauthCallbackPath はOAuthログイン完了後に遷移するフロントエンドのパス。
	oauthCallbackPath = "/oauth-callback"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// 設定エラーの場合もログは出力できる状態にしてから返す。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		logger.SetupDefault(w, slog.LevelInfo)
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel)), nil
}

// Run はアプリケーションのメインエントリーポイント。
// SIGINTまたはSIGTERMでキャンセルされるコンテキストでRunContextを呼ぶ。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, w, args)
}

// RunContext はサブコマンドを解析し、対応するモードで起動する。
// serveとworkerはctxがキャンセルされるまでブロックする。
func RunContext(ctx context.Context, w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(ctx, port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("app_env", cfg.AppEnv),
		slog.String("store", cfg.Store),
		slog.String("token_store", cfg.TokenStore),
		slog.String("token_strategy", cfg.TokenStrategy),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, log, args[1:])
	case CommandWorker:
		return runWorker(ctx, cfg, log)
	case CommandCreateSuperuser:
		return runCreateSuperuser(ctx, cfg, log, args[1:])
	default:
		return runServe(ctx, cfg, log)
	}
}

// services は起動モード間で共有する依存関係の集合。
type services struct {
	registry *prometheus.Registry
	metrics  *metrics.Collector

	store    *credential.Store
	purger   cleanup.ExpiredTokenPurger
	strategy token.Strategy
	manager  *user.Manager

	authenticator *backend.Authenticator
	bridge        *auth.Bridge

	db    *sql.DB
	redis *redis.Client
}

// buildServices は設定に従ってストア、トークン戦略、バックエンド、マネージャーを組み立てる。
// 戻り値のcloseで開いた接続を閉じる。
func buildServices(ctx context.Context, cfg *config.Config, log *slog.Logger) (svc *services, closeFn func(), err error) {
	svc = &services{registry: prometheus.NewRegistry()}
	svc.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc.metrics = metrics.NewCollector(svc.registry)

	closeFn = func() {
		if svc.redis != nil {
			svc.redis.Close()
		}
		if svc.db != nil {
			svc.db.Close()
		}
	}
	defer func() {
		if err != nil {
			closeFn()
		}
	}()

	// 1. 接続
	if cfg.Store == config.StorePostgres || cfg.TokenStore == config.StorePostgres {
		svc.db, err = database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Ping(ctx, svc.db, pingTimeout); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Info("database connection established")
	}
	if cfg.TokenStore == config.StoreRedis {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		svc.redis = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := svc.redis.Ping(pingCtx).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info("redis connection established")
	}

	// 2. リポジトリ
	mem := repository.NewMemoryStore()
	var (
		users    repository.UserRepository         = mem.Users
		accounts repository.OAuthAccountRepository = mem.OAuthAccounts
		tokens   repository.AccessTokenRepository  = mem.AccessTokens
	)
	svc.purger = mem.AccessTokens
	if cfg.Store == config.StorePostgres {
		users = repository.NewPostgresUserRepo(svc.db)
		accounts = repository.NewPostgresOAuthAccountRepo(svc.db)
	}
	switch cfg.TokenStore {
	case config.StorePostgres:
		pg := repository.NewPostgresAccessTokenRepo(svc.db)
		tokens, svc.purger = pg, pg
	case config.StoreRedis:
		// RedisはTTLで失効するため削除ジョブは不要
		tokens, svc.purger = repository.NewRedisAccessTokenRepo(svc.redis, repository.DefaultRedisKeyPrefix, repository.WithRedisLogger(log)), nil
	}
	if cfg.Store == config.StoreMemory || cfg.TokenStore == config.StoreMemory {
		log.Warn("in-memory store is enabled; data is lost on restart and not shared between processes")
	}

	// 3. 認証情報ストアとトークン戦略
	hasher, err := credential.NewHasher(cfg.PasswordHasher)
	if err != nil {
		return nil, nil, err
	}
	svc.store = credential.NewStore(users, accounts, hasher)
	signer := token.NewSigner(cfg.Secret)
	if cfg.Secret == config.DefaultSecret {
		log.Warn("SECRET is the development default; set a real signing key before deploying")
	}

	switch cfg.TokenStrategy {
	case config.StrategyJWT:
		svc.strategy = token.NewJWTStrategy(signer, svc.store, cfg.TokenLifetime)
		log.Warn("JWT token strategy is enabled; logout cannot revoke issued tokens")
	default:
		svc.strategy = token.NewDatabaseStrategy(tokens, svc.store, cfg.TokenLifetime)
	}

	// 4. ユーザーマネージャー
	opts := []user.Option{
		user.WithHooks(user.LoggingHooks(log, !cfg.IsProduction())),
		user.WithMetrics(svc.metrics),
		user.WithLogger(log),
	}
	if revoker, ok := svc.strategy.(token.UserRevoker); ok {
		opts = append(opts, user.WithSessionRevoker(revoker))
	}
	svc.manager = user.NewManager(svc.store,
		credential.DefaultPasswordPolicy{MinLength: cfg.PasswordMinLength},
		signer,
		user.Config{
			ResetTokenLifetime:  cfg.ResetTokenLifetime,
			VerifyTokenLifetime: cfg.VerifyTokenLifetime,
			RequireVerified:     cfg.RequireVerified,
		},
		opts...,
	)

	// 5. バックエンド
	cookieCfg := transport.Config{
		CookieDomain: cfg.CookieDomain,
		CookieSecure: cfg.CookieSecure,
		MaxAge:       cfg.TokenLifetime,
	}
	svc.authenticator = backend.NewAuthenticator(
		backend.New("cookie", transport.New(transport.Cookie, cookieCfg), svc.strategy),
		backend.New("bearer", transport.New(transport.Bearer, transport.Config{}), svc.strategy),
	)

	// 6. OAuth
	if cfg.OAuthEnabled() {
		kind, err := transport.ParseKind(cfg.OAuthTokenDelivery)
		if err != nil {
			return nil, nil, err
		}
		oauthCfg := cookieCfg
		oauthCfg.RedirectURL = strings.TrimRight(cfg.FrontendURL, "/") + oauthCallbackPath
		oauthTransport := transport.New(kind, oauthCfg)
		if oauthTransport.Insecure() {
			log.Warn("OAuth token delivery exposes the token in the redirect URL",
				slog.String("delivery", cfg.OAuthTokenDelivery),
			)
		}

		svc.bridge = auth.NewBridge(svc.store, svc.manager,
			backend.New("oauth", oauthTransport, svc.strategy),
			signer,
			auth.WithBridgeMetrics(svc.metrics),
			auth.WithBridgeLogger(log),
		)
		svc.bridge.RegisterProvider(auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}))
	}

	return svc, closeFn, nil
}

// healthCheck はDBとRedisへの疎通を確認する。
func (s *services) healthCheck(ctx context.Context) error {
	if s.db != nil {
		if err := database.Ping(ctx, s.db, pingTimeout); err != nil {
			return err
		}
	}
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	return nil
}

// newRouter はservicesと設定からHTTPハンドラーを構築する。
// 戻り値のstopでレート制限のクリーンアップを停止する。
func newRouter(cfg *config.Config, svc *services, log *slog.Logger) (http.Handler, func()) {
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinute(cfg.RateLimitAuth))

	deps := &handler.RouterDeps{
		Logger:        log,
		Metrics:       svc.metrics,
		Authenticator: svc.authenticator,
		Manager:       svc.manager,
		OAuthConfig: handler.OAuthHandlerConfig{
			CookieSecure: cfg.CookieSecure,
		},
		CORSAllowedOrigin: cfg.FrontendURL,
		RateLimiter:       rateLimiter,
		HSTS:              cfg.CookieSecure,
		HealthCheck:       svc.healthCheck,
		MetricsHandler:    metrics.Handler(svc.registry),
	}
	if svc.bridge != nil {
		deps.OAuth = svc.bridge
	}
	if cfg.CSRFProtection {
		deps.CSRF = &middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		}
	}
	return handler.NewRouter(deps), rateLimiter.Stop
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	svc, closeServices, err := buildServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeServices()

	router, stopRouter := newRouter(cfg, svc, log)
	defer stopRouter()

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動し、期限切れトークンを定期的に削除する。
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	svc, closeServices, err := buildServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeServices()

	if svc.purger == nil {
		log.Info("token store expires entries by itself; worker has nothing to clean up",
			slog.String("token_store", cfg.TokenStore),
		)
		<-ctx.Done()
		return nil
	}

	log.Info("worker starting", slog.Duration("interval", cfg.TokenCleanupInterval))
	cleanup.NewCleanupJob(svc.purger, log, svc.metrics).Start(ctx, cfg.TokenCleanupInterval)
	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// 引数なしまたはupで未適用分をすべて適用し、downで1ステップ戻し、versionで現在のバージョンを表示する。
func runMigrate(cfg *config.Config, log *slog.Logger, args []string) error {
	actionArg := ""
	if len(args) > 0 {
		actionArg = args[0]
	}
	action, err := database.ParseAction(actionArg)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("migrate requires DATABASE_URL")
	}
	log.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, dirty, err := database.Apply(cfg.DatabaseURL, action)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runCreateSuperuser は検証済みスーパーユーザーを取得または作成する。
// 引数 [email password] がなければADMIN_EMAILとADMIN_PASSWORDを使う。
func runCreateSuperuser(ctx context.Context, cfg *config.Config, log *slog.Logger, args []string) error {
	email, password := cfg.AdminEmail, cfg.AdminPassword
	if len(args) >= 2 {
		email, password = args[0], args[1]
	}
	if email == "" || password == "" {
		return errors.New("createsuperuser requires ADMIN_EMAIL and ADMIN_PASSWORD or [email password] arguments")
	}

	svc, closeServices, err := buildServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeServices()

	u, created, err := svc.manager.EnsureSuperuser(ctx, email, password)
	if err != nil {
		return fmt.Errorf("failed to create superuser: %w", err)
	}
	log.Info("superuser ready",
		slog.String("user_id", u.ID),
		slog.String("email", u.Email),
		slog.Bool("created", created),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
