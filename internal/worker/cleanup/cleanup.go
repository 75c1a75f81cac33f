// Package cleanup は期限切れアクセストークンの定期削除ジョブを提供する。
// 期限切れトークンはResolveで拒否されるため、このジョブはストレージの整理のみを担う。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/authbackend/internal/metrics"
)

// DefaultInterval は既定の実行間隔。
const DefaultInterval = time.Hour

// ExpiredTokenPurger は期限切れトークンの一括削除を抽象化するインターフェース。
// PostgresAccessTokenRepoとMemoryAccessTokenRepoが実装する。
type ExpiredTokenPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CleanupJob は期限切れアクセストークンの削除ジョブ。
// 削除は冪等で、対象がない場合もエラーにならない。
type CleanupJob struct {
	tokens  ExpiredTokenPurger
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(tokens ExpiredTokenPurger, logger *slog.Logger, collector metrics.MetricsCollector) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &CleanupJob{
		tokens:  tokens,
		logger:  logger,
		metrics: collector,
		now:     time.Now,
	}
}

// Run は現在時刻で期限切れのトークンを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deleted, err := j.tokens.DeleteExpired(ctx, j.now())
	if err != nil {
		j.logger.ErrorContext(ctx, "トークンクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("トークンクリーンアップの実行に失敗: %w", err)
	}
	j.metrics.RecordTokensPurged(deleted)

	j.logger.InfoContext(ctx, "トークンクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回、その後intervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。失敗はログに記録して次の周期で再試行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
