package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/authbackend/internal/metrics"
	"github.com/hitoshi/authbackend/internal/model"
	"github.com/hitoshi/authbackend/internal/repository"
)

// mockPurger はExpiredTokenPurgerのモック。
type mockPurger struct {
	mu       sync.Mutex
	calls    int
	lastNow  time.Time
	deleteFn func(ctx context.Context, now time.Time) (int64, error)
}

func (m *mockPurger) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	m.calls++
	m.lastNow = now
	m.mu.Unlock()
	return m.deleteFn(ctx, now)
}

func (m *mockPurger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type purgeRecorder struct {
	metrics.Nop
	mu     sync.Mutex
	purged []int64
}

func (r *purgeRecorder) RecordTokensPurged(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged = append(r.purged, n)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestCleanupJob_Run_DeletesAndRecords(t *testing.T) {
	var buf bytes.Buffer
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	purger := &mockPurger{deleteFn: func(context.Context, time.Time) (int64, error) { return 7, nil }}
	rec := &purgeRecorder{}

	job := NewCleanupJob(purger, newTestLogger(&buf), rec)
	job.now = func() time.Time { return fixed }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !purger.lastNow.Equal(fixed) {
		t.Errorf("DeleteExpired called with %v, want %v", purger.lastNow, fixed)
	}
	if len(rec.purged) != 1 || rec.purged[0] != 7 {
		t.Errorf("RecordTokensPurged calls = %v, want [7]", rec.purged)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("ログがJSONではない: %v", err)
	}
	if entry["deleted_count"] != float64(7) {
		t.Errorf("deleted_count = %v, want 7", entry["deleted_count"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("duration_ms がログに含まれていない")
	}
}

func TestCleanupJob_Run_Error(t *testing.T) {
	var buf bytes.Buffer
	purger := &mockPurger{deleteFn: func(context.Context, time.Time) (int64, error) {
		return 0, errors.New("connection refused")
	}}
	rec := &purgeRecorder{}

	err := NewCleanupJob(purger, newTestLogger(&buf), rec).Run(context.Background())
	if err == nil {
		t.Fatal("エラーが返されるべき")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("元のエラーがラップされていない: %v", err)
	}
	if len(rec.purged) != 0 {
		t.Errorf("失敗時はメトリクスを記録しない: %v", rec.purged)
	}
	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("ERRORログが出力されていない: %s", buf.String())
	}
}

func TestCleanupJob_Run_MemoryStore(t *testing.T) {
	ctx := context.Background()
	s := repository.NewMemoryStore()
	now := time.Now()
	tokens := []*model.AccessToken{
		{Token: "expired", UserID: "u1", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)},
		{Token: "live", UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
	}
	for _, tk := range tokens {
		if err := s.AccessTokens.Create(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := NewCleanupJob(s.AccessTokens, newTestLogger(&buf), nil).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if s.AccessTokens.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.AccessTokens.Len())
	}
	if got, _ := s.AccessTokens.FindByToken(ctx, "live"); got == nil {
		t.Error("有効なトークンが削除された")
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	purger := &mockPurger{deleteFn: func(context.Context, time.Time) (int64, error) { return 0, nil }}
	job := NewCleanupJob(purger, newTestLogger(&buf), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for purger.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start がキャンセル後に終了しなかった")
	}
	if purger.callCount() < 2 {
		t.Errorf("DeleteExpired calls = %d, want >= 2", purger.callCount())
	}
}
