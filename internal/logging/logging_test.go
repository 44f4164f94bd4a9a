package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestSetLevelAdjustsSharedLevelVar(t *testing.T) {
	t.Cleanup(func() { SetLevel(slog.LevelInfo) })
	ctx := context.Background()

	SetLevel(slog.LevelDebug)
	if !Logger().Enabled(ctx, slog.LevelDebug) {
		t.Fatalf("expected debug level to be enabled after SetLevel(Debug)")
	}

	SetLevel(slog.LevelWarn)
	if Logger().Enabled(ctx, slog.LevelInfo) {
		t.Fatalf("expected info level to be disabled after SetLevel(Warn)")
	}
}

func TestLoggerIsNotNil(t *testing.T) {
	if Logger() == nil {
		t.Fatalf("expected a non-nil process logger")
	}
}
