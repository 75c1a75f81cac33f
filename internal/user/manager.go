// Package user はユーザー登録、ログイン、パスワードリセット、メールアドレス検証を
// まとめるユーザーマネージャーを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authbackend/internal/backend"
	"github.com/hitoshi/authbackend/internal/credential"
	"github.com/hitoshi/authbackend/internal/metrics"
	"github.com/hitoshi/authbackend/internal/model"
	"github.com/hitoshi/authbackend/internal/token"
)

const (
	defaultResetTokenLifetime  = time.Hour
	defaultVerifyTokenLifetime = time.Hour
	defaultHookTimeout         = 5 * time.Second
)

// Config はユーザーマネージャーの設定。
type Config struct {
	ResetTokenLifetime  time.Duration
	VerifyTokenLifetime time.Duration
	HookTimeout         time.Duration
	// RequireVerified がtrueの場合、未検証ユーザーのパスワードログインを拒否する。
	RequireVerified bool
}

// Manager はユーザーマネージャー。
type Manager struct {
	store   *credential.Store
	policy  credential.PasswordPolicy
	signer  *token.Signer
	hooks   Hooks
	cfg     Config
	revoker token.UserRevoker
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// Option はManagerの任意設定。
type Option func(*Manager)

// WithHooks はフックを設定する。
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// WithSessionRevoker はパスワードリセット時に既存セッションを失効させるStrategyを設定する。
func WithSessionRevoker(r token.UserRevoker) Option {
	return func(m *Manager) { m.revoker = r }
}

// WithMetrics はメトリクスコレクターを設定する。
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager はManagerを生成する。
func NewManager(store *credential.Store, policy credential.PasswordPolicy, signer *token.Signer, cfg Config, opts ...Option) *Manager {
	if cfg.ResetTokenLifetime <= 0 {
		cfg.ResetTokenLifetime = defaultResetTokenLifetime
	}
	if cfg.VerifyTokenLifetime <= 0 {
		cfg.VerifyTokenLifetime = defaultVerifyTokenLifetime
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = defaultHookTimeout
	}
	m := &Manager{
		store:   store,
		policy:  policy,
		signer:  signer,
		cfg:     cfg,
		metrics: metrics.Nop{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register は新規ユーザーを登録する。
// メールアドレスが登録済みの場合はmodel.ErrConflictを返す。応答の秘匿は呼び出し側で行う。
func (m *Manager) Register(ctx context.Context, email, password string) (*model.User, error) {
	email = credential.NormalizeEmail(email)
	if err := credential.ValidateEmail(email); err != nil {
		m.metrics.RecordRegistration("invalid")
		return nil, err
	}
	if err := m.policy.Validate(password, &model.User{Email: email}); err != nil {
		m.metrics.RecordRegistration("invalid")
		return nil, err
	}

	hashed, err := m.store.HashPassword(password)
	if err != nil {
		return nil, err
	}

	user, err := m.store.Create(ctx, email, hashed, model.UserFlags{IsActive: true})
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			m.metrics.RecordRegistration("conflict")
			m.logger.InfoContext(ctx, "登録済みのメールアドレスで登録が試行されました")
		}
		return nil, err
	}

	m.metrics.RecordRegistration("created")
	m.NotifyRegistered(ctx, user)
	return user, nil
}

// Decoy は登録済みメールアドレスへの登録要求に返す、実在しないユーザーを生成する。
// 成功時と同じ形のレスポンスを返すために使う。
func (m *Manager) Decoy(email string) *model.User {
	now := time.Now()
	return &model.User{
		ID:        uuid.New().String(),
		Email:     credential.NormalizeEmail(email),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NotifyRegistered は登録フックを実行する。OAuthによる新規作成でも使う。
func (m *Manager) NotifyRegistered(ctx context.Context, user *model.User) {
	if m.hooks.OnAfterRegister == nil {
		return
	}
	m.runHook(ctx, "on_after_register", func(ctx context.Context) error {
		return m.hooks.OnAfterRegister(ctx, user)
	})
}

// Authenticate はメールアドレスとパスワードでユーザーを認証する。
// 未登録・パスワード不一致・非アクティブはすべてmodel.ErrInvalidCredentialsになる。
func (m *Manager) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	user, err := m.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !m.store.VerifyPassword(user, password) || !user.IsActive {
		return nil, model.ErrInvalidCredentials
	}
	if m.cfg.RequireVerified && !user.IsVerified {
		return nil, model.ErrNotVerified
	}
	return user, nil
}

// Login は指定バックエンドのStrategyでトークンを発行する。
func (m *Manager) Login(ctx context.Context, b *backend.Backend, user *model.User) (string, error) {
	tok, err := b.Strategy().Issue(ctx, user)
	if err != nil {
		m.metrics.RecordLogin(b.Name(), "error")
		return "", fmt.Errorf("failed to issue token: %w", err)
	}
	m.metrics.RecordLogin(b.Name(), "success")

	if m.hooks.OnAfterLogin != nil {
		m.runHook(ctx, "on_after_login", func(ctx context.Context) error {
			return m.hooks.OnAfterLogin(ctx, user)
		})
	}
	return tok, nil
}

// Logout はトークンを失効させる。失効をサポートしないStrategyでは何もしない。
func (m *Manager) Logout(ctx context.Context, b *backend.Backend, tok string) error {
	err := b.Strategy().Revoke(ctx, tok)
	if errors.Is(err, token.ErrRevokeNotSupported) {
		m.logger.DebugContext(ctx, "このバックエンドはトークンの失効をサポートしません",
			slog.String("backend", b.Name()),
		)
		err = nil
	}
	if err != nil {
		return err
	}
	m.metrics.RecordLogout(b.Name())
	return nil
}

// ForgotPassword はパスワードリセットトークンを発行してフックに渡す。
// 未登録や非アクティブの場合も成功として扱う。
func (m *Manager) ForgotPassword(ctx context.Context, email string) error {
	user, err := m.store.FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	if user == nil || !user.IsActive {
		return nil
	}

	tok, err := m.signer.Sign(token.AudienceReset, user.ID, m.cfg.ResetTokenLifetime, token.Claims{
		Fingerprint: m.store.PasswordFingerprint(user),
	})
	if err != nil {
		return err
	}

	if m.hooks.OnAfterForgotPassword != nil {
		m.runHook(ctx, "on_after_forgot_password", func(ctx context.Context) error {
			return m.hooks.OnAfterForgotPassword(ctx, user, tok)
		})
	}
	return nil
}

// ResetPassword はリセットトークンを消費してパスワードを変更する。
// トークンには発行時点のパスワードの指紋が含まれるため、変更後は再利用できない。
func (m *Manager) ResetPassword(ctx context.Context, tok, newPassword string) (*model.User, error) {
	claims, err := m.signer.Parse(tok, token.AudienceReset)
	if err != nil {
		return nil, err
	}

	user, err := m.store.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive {
		return nil, fmt.Errorf("%w: unknown or inactive user", model.ErrInvalidToken)
	}
	if claims.Fingerprint != m.store.PasswordFingerprint(user) {
		return nil, fmt.Errorf("%w: token already used", model.ErrInvalidToken)
	}

	if err := m.policy.Validate(newPassword, user); err != nil {
		return nil, err
	}
	hashed, err := m.store.HashPassword(newPassword)
	if err != nil {
		return nil, err
	}
	updated, err := m.store.Update(ctx, user, model.UserUpdate{HashedPassword: &hashed})
	if err != nil {
		return nil, err
	}

	if m.revoker != nil {
		if err := m.revoker.RevokeAll(ctx, updated.ID); err != nil {
			m.logger.WarnContext(ctx, "既存セッションの失効に失敗しました",
				slog.String("user_id", updated.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if m.hooks.OnAfterResetPassword != nil {
		m.runHook(ctx, "on_after_reset_password", func(ctx context.Context) error {
			return m.hooks.OnAfterResetPassword(ctx, updated)
		})
	}
	return updated, nil
}

// RequestVerify はメールアドレス検証トークンを発行してフックに渡す。
// 未登録・非アクティブ・検証済みの場合も成功として扱う。
func (m *Manager) RequestVerify(ctx context.Context, email string) error {
	user, err := m.store.FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	if user == nil || !user.IsActive || user.IsVerified {
		return nil
	}

	tok, err := m.signer.Sign(token.AudienceVerify, user.ID, m.cfg.VerifyTokenLifetime, token.Claims{
		Email: user.Email,
	})
	if err != nil {
		return err
	}

	if m.hooks.OnAfterRequestVerify != nil {
		m.runHook(ctx, "on_after_request_verify", func(ctx context.Context) error {
			return m.hooks.OnAfterRequestVerify(ctx, user, tok)
		})
	}
	return nil
}

// Verify は検証トークンを消費してis_verifiedを立てる。
// 検証済みの場合はmodel.ErrAlreadyVerifiedを返す。
func (m *Manager) Verify(ctx context.Context, tok string) (*model.User, error) {
	claims, err := m.signer.Parse(tok, token.AudienceVerify)
	if err != nil {
		return nil, err
	}

	user, err := m.store.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive || claims.Email != user.Email {
		return nil, fmt.Errorf("%w: user or email mismatch", model.ErrInvalidToken)
	}
	if user.IsVerified {
		return nil, model.ErrAlreadyVerified
	}

	verified := true
	updated, err := m.store.Update(ctx, user, model.UserUpdate{IsVerified: &verified})
	if err != nil {
		return nil, err
	}

	if m.hooks.OnAfterVerify != nil {
		m.runHook(ctx, "on_after_verify", func(ctx context.Context) error {
			return m.hooks.OnAfterVerify(ctx, updated)
		})
	}
	return updated, nil
}

// Get はIDでユーザーを取得する。見つからない場合はmodel.ErrNotFoundを返す。
func (m *Manager) Get(ctx context.Context, id string) (*model.User, error) {
	user, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, id)
	}
	return user, nil
}

// UpdateRequest はユーザー更新要求。nilのフィールドは変更しない。
type UpdateRequest struct {
	Email       *string
	Password    *string
	IsActive    *bool
	IsVerified  *bool
	IsSuperuser *bool
}

// Update はユーザーを更新する。
// safeがtrueの場合（本人による更新）はフラグの変更を無視する。
// メールアドレスを変更すると未検証に戻る。
func (m *Manager) Update(ctx context.Context, user *model.User, req UpdateRequest, safe bool) (*model.User, error) {
	var fields model.UserUpdate
	target := *user

	if req.Email != nil {
		email := credential.NormalizeEmail(*req.Email)
		if err := credential.ValidateEmail(email); err != nil {
			return nil, err
		}
		if email != user.Email {
			notVerified := false
			fields.Email = &email
			fields.IsVerified = &notVerified
			target.Email = email
		}
	}

	if req.Password != nil {
		if err := m.policy.Validate(*req.Password, &target); err != nil {
			return nil, err
		}
		hashed, err := m.store.HashPassword(*req.Password)
		if err != nil {
			return nil, err
		}
		fields.HashedPassword = &hashed
	}

	if !safe {
		if req.IsActive != nil {
			fields.IsActive = req.IsActive
		}
		if req.IsVerified != nil {
			fields.IsVerified = req.IsVerified
		}
		if req.IsSuperuser != nil {
			fields.IsSuperuser = req.IsSuperuser
		}
	}

	updated, err := m.store.Update(ctx, user, fields)
	if err != nil {
		return nil, err
	}

	if m.hooks.OnAfterUpdate != nil {
		m.runHook(ctx, "on_after_update", func(ctx context.Context) error {
			return m.hooks.OnAfterUpdate(ctx, updated)
		})
	}
	return updated, nil
}

// EnsureSuperuser は指定メールアドレスのスーパーユーザーを取得または作成する。
// 既存ユーザーの場合はフラグのみ立て、パスワードは変更しない。
func (m *Manager) EnsureSuperuser(ctx context.Context, email, password string) (*model.User, bool, error) {
	existing, err := m.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	yes := true
	if existing != nil {
		updated, err := m.store.Update(ctx, existing, model.UserUpdate{
			IsActive:    &yes,
			IsVerified:  &yes,
			IsSuperuser: &yes,
		})
		return updated, false, err
	}

	email = credential.NormalizeEmail(email)
	if err := credential.ValidateEmail(email); err != nil {
		return nil, false, err
	}
	if err := m.policy.Validate(password, &model.User{Email: email}); err != nil {
		return nil, false, err
	}
	hashed, err := m.store.HashPassword(password)
	if err != nil {
		return nil, false, err
	}
	user, err := m.store.Create(ctx, email, hashed, model.UserFlags{IsActive: true, IsVerified: true, IsSuperuser: true})
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// runHook はフックを別goroutineで実行し、完了かHookTimeoutの経過まで待つ。
// 呼び出し元のキャンセルは引き継がない。タイムアウト後もフック自体は走り続けるが、
// 本処理はそれを待たない。
func (m *Manager) runHook(ctx context.Context, name string, fn func(context.Context) error) {
	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.HookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.metrics.RecordHookFailure(name)
				m.logger.ErrorContext(ctx, "フックがpanicしました",
					slog.String("hook", name),
					slog.Any("panic", r),
				)
				done <- nil
			}
		}()
		done <- fn(hookCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			m.metrics.RecordHookFailure(name)
			m.logger.WarnContext(ctx, "フックの実行に失敗しました",
				slog.String("hook", name),
				slog.String("error", err.Error()),
			)
		}
	case <-hookCtx.Done():
		m.metrics.RecordHookFailure(name)
		m.logger.WarnContext(ctx, "フックがタイムアウトしました",
			slog.String("hook", name),
			slog.Duration("timeout", m.cfg.HookTimeout),
		)
	}
}
