package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultSecret は開発用の署名キー。本番環境では設定エラーとして扱う。
const DefaultSecret = "SECRET"

// ストアの種類
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// トークン戦略
const (
	StrategyDatabase = "database"
	StrategyJWT      = "jwt"
)

// OAuthログイン後のトークン受け渡し方式
const (
	DeliveryRedirectCookie = "redirect-cookie"
	DeliveryRedirectBearer = "redirect-bearer"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	AppEnv string

	// Database
	DatabaseURL string
	RedisURL    string

	// Store はユーザーとOAuthアカウントの保存先（postgres|memory）。
	Store string
	// TokenStore はアクセストークンの保存先（postgres|redis|memory）。
	TokenStore string

	// Secret はリセット/検証トークンとOAuth stateの署名キー。
	Secret string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	OAuthTokenDelivery string

	// Token
	TokenStrategy        string
	TokenLifetime        time.Duration
	ResetTokenLifetime   time.Duration
	VerifyTokenLifetime  time.Duration
	TokenCleanupInterval time.Duration

	// Password
	PasswordMinLength int
	PasswordHasher    string
	RequireVerified   bool

	// Server
	ServerPort  string
	FrontendURL string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// Protection
	RateLimitAuth  int
	CSRFProtection bool

	// Logging
	LogLevel string

	// createsuperuser
	AdminEmail    string
	AdminPassword string
}

// IsProduction は本番環境かどうかを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// OAuthEnabled はGoogleログインが設定されているかを返す。
func (c *Config) OAuthEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数の欠落や不正な値がある場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:             getEnvString("APP_ENV", "development"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		Store:              getEnvString("STORE", StorePostgres),
		TokenStore:         getEnvString("TOKEN_STORE", StorePostgres),
		Secret:             getEnvString("SECRET", DefaultSecret),
		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),
		OAuthTokenDelivery: getEnvString("OAUTH_TOKEN_DELIVERY", DeliveryRedirectCookie),

		TokenStrategy:        getEnvString("TOKEN_STRATEGY", StrategyDatabase),
		TokenLifetime:        time.Duration(getEnvInt("COOKIE_MAX_AGE", 3600)) * time.Second,
		ResetTokenLifetime:   getEnvDuration("RESET_TOKEN_LIFETIME", time.Hour),
		VerifyTokenLifetime:  getEnvDuration("VERIFY_TOKEN_LIFETIME", time.Hour),
		TokenCleanupInterval: getEnvDuration("TOKEN_CLEANUP_INTERVAL", time.Hour),

		PasswordMinLength: getEnvInt("PASSWORD_MIN_LENGTH", 8),
		PasswordHasher:    getEnvString("PASSWORD_HASHER", "bcrypt"),
		RequireVerified:   getEnvBool("REQUIRE_VERIFIED", false),

		ServerPort:  getEnvString("SERVER_PORT", "8080"),
		FrontendURL: getEnvString("FRONTEND_URL", "http://localhost:5173"),

		CookieDomain: os.Getenv("COOKIE_DOMAIN"),

		RateLimitAuth:  getEnvInt("RATE_LIMIT_AUTH", 20),
		CSRFProtection: getEnvBool("CSRF_PROTECTION", false),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		AdminEmail:    os.Getenv("ADMIN_EMAIL"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
	}
	// 本番ではSecure Cookieを既定にする
	cfg.CookieSecure = getEnvBool("SECURE_COOKIES", cfg.IsProduction())

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var problems []string

	if !oneOf(c.AppEnv, "development", "production") {
		problems = append(problems, fmt.Sprintf("APP_ENV must be development or production, got %q", c.AppEnv))
	}
	if !oneOf(c.Store, StorePostgres, StoreMemory) {
		problems = append(problems, fmt.Sprintf("STORE must be postgres or memory, got %q", c.Store))
	}
	if !oneOf(c.TokenStore, StorePostgres, StoreRedis, StoreMemory) {
		problems = append(problems, fmt.Sprintf("TOKEN_STORE must be postgres, redis or memory, got %q", c.TokenStore))
	}
	if !oneOf(c.TokenStrategy, StrategyDatabase, StrategyJWT) {
		problems = append(problems, fmt.Sprintf("TOKEN_STRATEGY must be database or jwt, got %q", c.TokenStrategy))
	}
	if !oneOf(c.OAuthTokenDelivery, DeliveryRedirectCookie, DeliveryRedirectBearer) {
		problems = append(problems, fmt.Sprintf("OAUTH_TOKEN_DELIVERY must be redirect-cookie or redirect-bearer, got %q", c.OAuthTokenDelivery))
	}
	if !oneOf(c.PasswordHasher, "bcrypt", "argon2id") {
		problems = append(problems, fmt.Sprintf("PASSWORD_HASHER must be bcrypt or argon2id, got %q", c.PasswordHasher))
	}
	if !oneOf(strings.ToLower(c.LogLevel), "debug", "info", "warn", "error") {
		problems = append(problems, fmt.Sprintf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel))
	}

	if c.DatabaseURL == "" && (c.Store == StorePostgres || c.TokenStore == StorePostgres) {
		problems = append(problems, "DATABASE_URL is required unless STORE and TOKEN_STORE are memory/redis")
	}
	if c.TokenStore == StoreRedis && c.RedisURL == "" {
		problems = append(problems, "REDIS_URL is required when TOKEN_STORE=redis")
	}
	if c.Secret == "" {
		problems = append(problems, "SECRET must not be empty")
	}
	if c.IsProduction() && c.Secret == DefaultSecret {
		problems = append(problems, "SECRET must be changed from the development default in production")
	}
	if (c.GoogleClientID == "") != (c.GoogleClientSecret == "") {
		problems = append(problems, "GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set together")
	}
	if c.OAuthEnabled() && c.GoogleRedirectURL == "" {
		problems = append(problems, "GOOGLE_REDIRECT_URL is required when Google login is enabled")
	}
	if c.TokenLifetime <= 0 {
		problems = append(problems, "COOKIE_MAX_AGE must be positive")
	}
	if c.PasswordMinLength < 1 {
		problems = append(problems, "PASSWORD_MIN_LENGTH must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
