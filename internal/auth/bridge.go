package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/hitoshi/authbackend/internal/backend"
	"github.com/hitoshi/authbackend/internal/credential"
	"github.com/hitoshi/authbackend/internal/metrics"
	"github.com/hitoshi/authbackend/internal/model"
	"github.com/hitoshi/authbackend/internal/token"
	"github.com/hitoshi/authbackend/internal/user"
)

// DefaultStateLifetime はOAuth stateの有効期間。
const DefaultStateLifetime = 10 * time.Minute

// ErrEmailTaken はIdPが確認していないメールアドレスが既存ユーザーと一致したことを表す。
// 未確認のメールアドレスでは既存アカウントへの紐付けを行わない。
var ErrEmailTaken = fmt.Errorf("%w: email belongs to an existing account", model.ErrConflict)

// Authorization は認可リクエストの開始に必要な情報。
// NonceはCookieでブラウザに保持させ、コールバックでstateと照合する。
type Authorization struct {
	URL   string
	State string
	Nonce string
}

// CallbackResult はOAuthログインの結果。
type CallbackResult struct {
	User    *model.User
	Token   string
	Created bool
}

// Bridge は外部IdPで確認された本人情報をローカルユーザーとセッショントークンに変換する。
type Bridge struct {
	providers     map[string]OAuthProvider
	store         *credential.Store
	manager       *user.Manager
	backend       *backend.Backend
	signer        *token.Signer
	stateLifetime time.Duration
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	random        io.Reader
}

// BridgeOption はBridgeの任意設定。
type BridgeOption func(*Bridge)

// WithBridgeMetrics はメトリクスコレクターを設定する。
func WithBridgeMetrics(c metrics.MetricsCollector) BridgeOption {
	return func(b *Bridge) { b.metrics = c }
}

// WithBridgeLogger はロガーを設定する。
func WithBridgeLogger(l *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = l }
}

// WithStateLifetime はstateの有効期間を設定する。
func WithStateLifetime(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.stateLifetime = d }
}

// NewBridge はBridgeを生成する。bはOAuthログイン専用のバックエンド。
func NewBridge(store *credential.Store, manager *user.Manager, b *backend.Backend, signer *token.Signer, opts ...BridgeOption) *Bridge {
	br := &Bridge{
		providers:     make(map[string]OAuthProvider),
		store:         store,
		manager:       manager,
		backend:       b,
		signer:        signer,
		stateLifetime: DefaultStateLifetime,
		metrics:       metrics.Nop{},
		logger:        slog.Default(),
		random:        rand.Reader,
	}
	for _, opt := range opts {
		opt(br)
	}
	return br
}

// RegisterProvider はプロバイダーを登録する。同名のプロバイダーは置き換える。
func (b *Bridge) RegisterProvider(p OAuthProvider) {
	b.providers[p.Name()] = p
}

// Providers は登録済みのプロバイダー名を名前順で返す。
func (b *Bridge) Providers() []string {
	names := make([]string, 0, len(b.providers))
	for name := range b.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Backend はOAuthログインに使うバックエンドを返す。
func (b *Bridge) Backend() *backend.Backend {
	return b.backend
}

// Authorize はnonceを生成し、nonceを埋め込んだ署名付きstateと認可URLを返す。
func (b *Bridge) Authorize(providerName string) (*Authorization, error) {
	p, ok := b.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}

	buf := make([]byte, 16)
	if _, err := io.ReadFull(b.random, buf); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(buf)

	state, err := b.signer.Sign(token.AudienceOAuthState, providerName, b.stateLifetime, token.Claims{Nonce: nonce})
	if err != nil {
		return nil, err
	}

	return &Authorization{URL: p.AuthCodeURL(state), State: state, Nonce: nonce}, nil
}

// Callback はstateを検証して認可コードを交換し、ユーザーを解決してトークンを発行する。
func (b *Bridge) Callback(ctx context.Context, providerName, code, state, nonce string) (*CallbackResult, error) {
	p, ok := b.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}
	if err := b.verifyState(providerName, state, nonce); err != nil {
		b.metrics.RecordOAuthLogin(providerName, "invalid_state")
		return nil, err
	}

	info, err := p.Exchange(ctx, code)
	if err != nil {
		b.metrics.RecordOAuthLogin(providerName, "exchange_failed")
		return nil, err
	}

	u, created, err := b.ResolveUser(ctx, info)
	if err != nil {
		b.metrics.RecordOAuthLogin(providerName, "rejected")
		return nil, err
	}
	if created {
		b.manager.NotifyRegistered(ctx, u)
	}

	tok, err := b.manager.Login(ctx, b.backend, u)
	if err != nil {
		b.metrics.RecordOAuthLogin(providerName, "error")
		return nil, err
	}

	b.metrics.RecordOAuthLogin(providerName, "success")
	b.logger.InfoContext(ctx, "OAuthログインに成功しました",
		slog.String("provider", providerName),
		slog.String("user_id", u.ID),
		slog.Bool("created", created),
	)
	return &CallbackResult{User: u, Token: tok, Created: created}, nil
}

func (b *Bridge) verifyState(providerName, state, nonce string) error {
	if state == "" || nonce == "" {
		return fmt.Errorf("%w: missing state or nonce", ErrInvalidState)
	}
	claims, err := b.signer.Parse(state, token.AudienceOAuthState)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if claims.Subject != providerName {
		return fmt.Errorf("%w: provider mismatch", ErrInvalidState)
	}
	if subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(nonce)) != 1 {
		return fmt.Errorf("%w: nonce mismatch", ErrInvalidState)
	}
	return nil
}

// ResolveUser はIdPのユーザー情報に対応するローカルユーザーを返す。
// OAuthアカウントが紐付いていればその所有者、なければ同じメールアドレスのユーザーに紐付け、
// どちらもなければ検証済みユーザーを新規作成する。createdは新規作成時にtrue。
func (b *Bridge) ResolveUser(ctx context.Context, info *OAuthUserInfo) (u *model.User, created bool, err error) {
	if info.AccountID == "" {
		return nil, false, fmt.Errorf("%w: missing account id", ErrExchange)
	}
	email := credential.NormalizeEmail(info.Email)
	if err := credential.ValidateEmail(email); err != nil {
		return nil, false, fmt.Errorf("%w: idp returned no usable email", ErrExchange)
	}

	account, err := b.store.FindOAuthAccount(ctx, info.Provider, info.AccountID)
	if err != nil {
		return nil, false, err
	}
	if account != nil {
		u, err = b.loginLinked(ctx, account, info)
		return u, false, err
	}

	existing, err := b.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if !info.EmailVerified {
			return nil, false, ErrEmailTaken
		}
		if !existing.IsActive {
			return nil, false, model.ErrInactive
		}
		if err := b.store.LinkOAuthAccount(ctx, existing, newAccount(info)); err != nil {
			return nil, false, err
		}
		b.logger.InfoContext(ctx, "既存ユーザーにOAuthアカウントを紐付けました",
			slog.String("user_id", existing.ID),
			slog.String("provider", info.Provider),
		)
		return existing, false, nil
	}

	u, err = b.store.CreateWithOAuthAccount(ctx, email, model.UserFlags{
		IsActive:   true,
		IsVerified: true,
	}, newAccount(info))
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}

// loginLinked は紐付け済みアカウントの所有者を返し、IdPのトークンを更新する。
func (b *Bridge) loginLinked(ctx context.Context, account *model.OAuthAccount, info *OAuthUserInfo) (*model.User, error) {
	u, err := b.store.FindByID(ctx, account.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: linked user %s is missing", model.ErrNotFound, account.UserID)
	}
	if !u.IsActive {
		return nil, model.ErrInactive
	}

	account.AccountEmail = credential.NormalizeEmail(info.Email)
	account.AccessToken = info.AccessToken
	// Googleは初回の同意時にしかリフレッシュトークンを返さない
	if info.RefreshToken != "" {
		account.RefreshToken = info.RefreshToken
	}
	account.ExpiresAt = expiryPtr(info.Expiry)
	if err := b.store.UpdateOAuthTokens(ctx, account); err != nil {
		b.logger.WarnContext(ctx, "OAuthトークンの更新に失敗しました",
			slog.String("user_id", u.ID),
			slog.String("error", err.Error()),
		)
	}
	return u, nil
}

func newAccount(info *OAuthUserInfo) *model.OAuthAccount {
	return &model.OAuthAccount{
		Provider:     info.Provider,
		AccountID:    info.AccountID,
		AccountEmail: credential.NormalizeEmail(info.Email),
		AccessToken:  info.AccessToken,
		RefreshToken: info.RefreshToken,
		ExpiresAt:    expiryPtr(info.Expiry),
	}
}

func expiryPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
