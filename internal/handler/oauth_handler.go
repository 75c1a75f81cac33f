package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authbackend/internal/auth"
	"github.com/hitoshi/authbackend/internal/backend"
	"github.com/hitoshi/authbackend/internal/middleware"
	"github.com/hitoshi/authbackend/internal/model"
)

const oauthNonceCookie = "oauth_nonce"

// OAuthBridge はOAuthハンドラーが必要とするブリッジのインターフェース。
// auth.Bridgeが実装する。
type OAuthBridge interface {
	Authorize(provider string) (*auth.Authorization, error)
	Callback(ctx context.Context, provider, code, state, nonce string) (*auth.CallbackResult, error)
	Backend() *backend.Backend
}

// OAuthHandlerConfig はOAuthハンドラーの設定。
type OAuthHandlerConfig struct {
	CookieSecure  bool
	StateLifetime time.Duration
}

// OAuthHandler は外部IdPによるログインのHTTPハンドラー。
type OAuthHandler struct {
	bridge OAuthBridge
	config OAuthHandlerConfig
}

// NewOAuthHandler はOAuthHandlerを生成する。
func NewOAuthHandler(bridge OAuthBridge, config OAuthHandlerConfig) *OAuthHandler {
	if config.StateLifetime <= 0 {
		config.StateLifetime = auth.DefaultStateLifetime
	}
	return &OAuthHandler{bridge: bridge, config: config}
}

// Authorize は認可URLを返し、stateと照合するnonceをCookieに保存する。
// GET /auth/{provider}/authorize
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	authz, err := h.bridge.Authorize(chi.URLParam(r, "provider"))
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	h.setNonceCookie(w, authz.Nonce, int(h.config.StateLifetime.Seconds()))
	writeJSON(w, http.StatusOK, map[string]string{"authorization_url": authz.URL})
}

// Callback はIdPからのリダイレクトを処理し、OAuthバックエンドのログインレスポンスを返す。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	// nonceは成否にかかわらず使い捨て
	nonce := ""
	if c, err := r.Cookie(oauthNonceCookie); err == nil {
		nonce = c.Value
	}
	h.setNonceCookie(w, "", -1)

	if idpErr := q.Get("error"); idpErr != "" {
		slog.WarnContext(r.Context(), "IdPが認可を拒否しました",
			slog.String("provider", provider),
			slog.String("error", idpErr),
		)
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewOAuthFailedError())
		return
	}
	if !requireField(w, "code", q.Get("code")) {
		return
	}

	res, err := h.bridge.Callback(r.Context(), provider, q.Get("code"), q.Get("state"), nonce)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}
	h.bridge.Backend().Transport().WriteLoginResponse(w, r, res.Token)
}

func (h *OAuthHandler) setNonceCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthNonceCookie,
		Value:    value,
		Path:     "/auth",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *OAuthHandler) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnknownProvider):
		http.NotFound(w, r)
	case errors.Is(err, auth.ErrInvalidState):
		slog.WarnContext(r.Context(), "OAuth stateの検証に失敗しました", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewOAuthInvalidStateError())
	case errors.Is(err, auth.ErrExchange):
		slog.WarnContext(r.Context(), "IdPとの通信に失敗しました", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewOAuthFailedError())
	case errors.Is(err, auth.ErrEmailTaken):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewOAuthUserExistsError())
	case errors.Is(err, model.ErrInactive):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewLoginBadCredentialsError())
	default:
		middleware.WriteError(w, r, err)
	}
}
