package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"gantry/internal/services"
)

func TestConsoleHandlerFormatsComponent(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	logger.With(String(FieldComponent, "downloader")).Info("transfer started", String("job_id", "demo-v1"))

	line := buf.String()
	if !strings.Contains(line, "[downloader]") {
		t.Fatalf("expected component prefix, got %q", line)
	}
	if !strings.Contains(line, "transfer started") {
		t.Fatalf("expected message, got %q", line)
	}
	if !strings.Contains(line, "job_id=demo-v1") {
		t.Fatalf("expected attrs, got %q", line)
	}
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	ctx := services.WithJobID(context.Background(), "job-1")
	ctx = services.WithStage(ctx, "download")
	WithContext(ctx, logger).Info("hello")

	line := buf.String()
	if !strings.Contains(line, "job_id=job-1") || !strings.Contains(line, "stage=download") {
		t.Fatalf("expected context fields, got %q", line)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "yaml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if got := parseLevel("bogus"); got != slog.LevelInfo {
		t.Fatalf("expected info fallback, got %v", got)
	}
	if got := parseLevel("debug"); got != slog.LevelDebug {
		t.Fatalf("expected debug, got %v", got)
	}
}
