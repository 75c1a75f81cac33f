package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authbackend/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// StatusFor はエラー種別に対応するHTTPステータスとAPIErrorを返す。
// エンドポイント固有のコードが必要な場合は呼び出し側で上書きする。
func StatusFor(err error) (int, *model.APIError) {
	var ve *model.ValidationError
	switch {
	case errors.Is(err, model.ErrTransientStore):
		return http.StatusServiceUnavailable, model.NewServiceUnavailableError()
	case errors.As(err, &ve):
		if ve.Field == "password" {
			return http.StatusBadRequest, model.NewValidationAPIError(ve)
		}
		return http.StatusUnprocessableEntity, model.NewValidationAPIError(ve)
	case errors.Is(err, model.ErrNotVerified):
		return http.StatusBadRequest, model.NewLoginUserNotVerifiedError()
	case errors.Is(err, model.ErrInvalidCredentials):
		return http.StatusBadRequest, model.NewLoginBadCredentialsError()
	case errors.Is(err, model.ErrUnauthenticated):
		return http.StatusUnauthorized, model.NewUnauthorizedError()
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden, model.NewForbiddenError()
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, model.NewUserNotFoundError()
	case errors.Is(err, model.ErrAlreadyVerified):
		return http.StatusBadRequest, model.NewAlreadyVerifiedError()
	case errors.Is(err, model.ErrInvalidToken):
		return http.StatusBadRequest, model.NewBadTokenError(model.ErrCodeResetPasswordBadToken)
	case errors.Is(err, model.ErrConflict):
		return http.StatusBadRequest, model.NewEmailExistsError()
	default:
		return http.StatusInternalServerError, nil
	}
}

// WriteError はエラー種別に応じたレスポンスを書き込む。
// 想定外のエラーは内容をログにのみ記録して500を返す。
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, apiErr := StatusFor(err)
	if apiErr == nil {
		slog.ErrorContext(r.Context(), "想定外のエラーが発生しました",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteInternalServerError(w)
		return
	}
	if status == http.StatusServiceUnavailable {
		slog.ErrorContext(r.Context(), "ストア障害が発生しました",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		w.Header().Set("Retry-After", "1")
	}
	WriteErrorResponse(w, status, apiErr)
}
