package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	setMemoryEnv(t)
	t.Setenv("LOG_LEVEL", "warn")

	var buf bytes.Buffer
	cfg, log, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg == nil || log == nil {
		t.Fatal("expected non-nil config and logger")
	}

	// LOG_LEVEL=warnのためInfoは出力されない
	slog.Default().Info("dropped")
	slog.Default().Warn("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected a single JSON log line, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_WithInvalidConfig_ReturnsError(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	t.Setenv("APP_ENV", "production")
	t.Setenv("SECRET", "")
	t.Setenv("DATABASE_URL", "")

	var buf bytes.Buffer
	cfg, log, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for invalid configuration, got nil")
	}
	if cfg != nil || log != nil {
		t.Error("expected nil config and logger on error")
	}
}
