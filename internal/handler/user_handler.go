package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authbackend/internal/middleware"
	"github.com/hitoshi/authbackend/internal/model"
	"github.com/hitoshi/authbackend/internal/user"
)

// UserHandler はユーザー情報の参照・更新のHTTPハンドラー。
// 認証ミドルウェアとRequireUserの後に配置する。
type UserHandler struct {
	manager UserManager
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(manager UserManager) *UserHandler {
	return &UserHandler{manager: manager}
}

// updateUserRequest はユーザー更新リクエスト。省略したフィールドは変更しない。
type updateUserRequest struct {
	Email       *string `json:"email"`
	Password    *string `json:"password"`
	IsActive    *bool   `json:"is_active"`
	IsVerified  *bool   `json:"is_verified"`
	IsSuperuser *bool   `json:"is_superuser"`
}

func (req updateUserRequest) toUpdate() user.UpdateRequest {
	return user.UpdateRequest{
		Email:       req.Email,
		Password:    req.Password,
		IsActive:    req.IsActive,
		IsVerified:  req.IsVerified,
		IsSuperuser: req.IsSuperuser,
	}
}

// Me は現在のユーザーを返す。
// GET /users/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, ok := middleware.CurrentUser(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// UpdateMe は現在のユーザーのメールアドレスまたはパスワードを変更する。
// フラグの変更は無視する。
// PATCH /users/me
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	u, ok := middleware.CurrentUser(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	var req updateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	updated, err := h.manager.Update(r.Context(), u, req.toUpdate(), true)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(updated))
}

// GetUser は指定ユーザーを返す。スーパーユーザー専用。
// GET /users/{id}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// UpdateUser は指定ユーザーを更新する。フラグも変更できる。スーパーユーザー専用。
// PATCH /users/{id}
func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	target, err := h.manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	var req updateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	updated, err := h.manager.Update(r.Context(), target, req.toUpdate(), false)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(updated))
}

// AuthenticatedRoute は認証済みユーザーへの挨拶を返す。
// GET /authenticated-route
func (h *UserHandler) AuthenticatedRoute(w http.ResponseWriter, r *http.Request) {
	u, ok := middleware.CurrentUser(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Hello %s!", u.Email)})
}
