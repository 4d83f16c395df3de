// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"gantry/internal/config"
)

// NewConfig returns a config rooted in a fresh temp directory.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DownloadDir = filepath.Join(base, "downloads")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.QueuePath = filepath.Join(base, "queue.json")
	cfg.Source.BaseAddress = "https://example.invalid/releases"
	cfg.Source.Password = "cGFzcw==" // "pass"
	return &cfg
}
