package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authbackend/internal/backend"
	"github.com/hitoshi/authbackend/internal/middleware"
	"github.com/hitoshi/authbackend/internal/model"
	"github.com/hitoshi/authbackend/internal/user"
)

// UserManager はハンドラーが必要とするユーザーマネージャーのインターフェース。
// user.Managerが実装する。
type UserManager interface {
	Register(ctx context.Context, email, password string) (*model.User, error)
	Decoy(email string) *model.User
	Authenticate(ctx context.Context, email, password string) (*model.User, error)
	Login(ctx context.Context, b *backend.Backend, u *model.User) (string, error)
	Logout(ctx context.Context, b *backend.Backend, token string) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, password string) (*model.User, error)
	RequestVerify(ctx context.Context, email string) error
	Verify(ctx context.Context, token string) (*model.User, error)
	Get(ctx context.Context, id string) (*model.User, error)
	Update(ctx context.Context, u *model.User, req user.UpdateRequest, safe bool) (*model.User, error)
}

// AuthHandler はパスワードログイン、登録、パスワードリセット、メール検証のHTTPハンドラー。
type AuthHandler struct {
	manager UserManager
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(manager UserManager) *AuthHandler {
	return &AuthHandler{manager: manager}
}

// Login はバックエンドごとのログインハンドラーを返す。
// POST /auth/{backend}/login （フォーム: username, password）
func (h *AuthHandler) Login(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity,
				model.NewValidationAPIError(model.NewValidationError("body", "フォームが不正です")))
			return
		}
		username := r.PostFormValue("username")
		password := r.PostFormValue("password")
		if !requireField(w, "username", username) || !requireField(w, "password", password) {
			return
		}

		u, err := h.manager.Authenticate(r.Context(), username, password)
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}

		tok, err := h.manager.Login(r.Context(), b, u)
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		b.Transport().WriteLoginResponse(w, r, tok)
	}
}

// Logout はバックエンドごとのログアウトハンドラーを返す。
// そのバックエンドのトランスポートで提示されたトークンのみを失効させる。
// POST /auth/{backend}/logout
func (h *AuthHandler) Logout(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, ok := b.Transport().Extract(r)
		if !ok {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		u, err := b.Strategy().Resolve(r.Context(), tok)
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		if !u.IsActive {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}

		if err := h.manager.Logout(r.Context(), b, tok); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		b.Transport().WriteLogoutResponse(w, r)
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register は新規ユーザーを登録する。
// 登録済みメールアドレスの場合も同じ形の201を返し、存在を明かさない。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireField(w, "email", req.Email) || !requireField(w, "password", req.Password) {
		return
	}

	u, err := h.manager.Register(r.Context(), req.Email, req.Password)
	if errors.Is(err, model.ErrConflict) {
		u, err = h.manager.Decoy(req.Email), nil
	}
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

type emailRequest struct {
	Email string `json:"email"`
}

// ForgotPassword はパスワードリセットトークンの発行を要求する。
// ユーザーの有無にかかわらず202を返す。
// POST /auth/forgot-password
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeJSON(w, r, &req) || !requireField(w, "email", req.Email) {
		return
	}
	if err := h.manager.ForgotPassword(r.Context(), req.Email); err != nil && !h.acceptAnyway(r, err) {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// ResetPassword はリセットトークンを使ってパスワードを変更する。
// POST /auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireField(w, "token", req.Token) || !requireField(w, "password", req.Password) {
		return
	}

	if _, err := h.manager.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		if errors.Is(err, model.ErrInvalidToken) {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewBadTokenError(model.ErrCodeResetPasswordBadToken))
			return
		}
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RequestVerifyToken はメールアドレス検証トークンの発行を要求する。
// ユーザーの有無や検証状態にかかわらず202を返す。
// POST /auth/request-verify-token
func (h *AuthHandler) RequestVerifyToken(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeJSON(w, r, &req) || !requireField(w, "email", req.Email) {
		return
	}
	if err := h.manager.RequestVerify(r.Context(), req.Email); err != nil && !h.acceptAnyway(r, err) {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

type verifyRequest struct {
	Token string `json:"token"`
}

// Verify は検証トークンを消費してユーザーを検証済みにする。
// POST /auth/verify
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) || !requireField(w, "token", req.Token) {
		return
	}

	u, err := h.manager.Verify(r.Context(), req.Token)
	if err != nil {
		if errors.Is(err, model.ErrInvalidToken) {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewBadTokenError(model.ErrCodeVerifyUserBadToken))
			return
		}
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// acceptAnyway はユーザーの存在を明かさないエンドポイントで、
// ストア障害以外のエラーを記録して成功扱いにするかを判定する。
func (h *AuthHandler) acceptAnyway(r *http.Request, err error) bool {
	if errors.Is(err, model.ErrTransientStore) {
		return false
	}
	slog.WarnContext(r.Context(), "要求を受理しましたが処理に失敗しました",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	return true
}
