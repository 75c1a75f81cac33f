// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/authbackend/internal/middleware"
	"github.com/hitoshi/authbackend/internal/model"
)

const maxBodyBytes = 1 << 20

// userResponse はユーザーのレスポンス形式。ハッシュ済みパスワードは含めない。
type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	IsActive    bool   `json:"is_active"`
	IsVerified  bool   `json:"is_verified"`
	IsSuperuser bool   `json:"is_superuser"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		IsActive:    u.IsActive,
		IsVerified:  u.IsVerified,
		IsSuperuser: u.IsSuperuser,
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをvにデコードする。
// 不正なボディの場合は422を書き込んでfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		reason := "リクエストボディが不正です"
		if errors.Is(err, io.EOF) {
			reason = "リクエストボディが空です"
		}
		middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity,
			model.NewValidationAPIError(model.NewValidationError("body", reason)))
		return false
	}
	return true
}

// requireField は必須フィールドが空の場合に422を書き込んでfalseを返す。
func requireField(w http.ResponseWriter, field, value string) bool {
	if value != "" {
		return true
	}
	middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity,
		model.NewValidationAPIError(model.NewValidationError(field, "必須項目です")))
	return false
}
