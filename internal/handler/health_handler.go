package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/authbackend/internal/middleware"
	"github.com/hitoshi/authbackend/internal/model"
)

const healthCheckTimeout = 2 * time.Second

// HealthChecker は依存先（DB、Redis）の疎通を確認する関数。
type HealthChecker func(ctx context.Context) error

// NewHealthHandler はヘルスチェックのハンドラーを返す。
// checkがnilの場合は常に200を返す。
// GET /health
func NewHealthHandler(check HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := check(ctx); err != nil {
				slog.ErrorContext(r.Context(), "ヘルスチェックに失敗しました", slog.String("error", err.Error()))
				middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewServiceUnavailableError())
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
