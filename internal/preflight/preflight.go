package preflight

import (
	"context"

	"gantry/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Download directory", cfg.Paths.DownloadDir),
		CheckDiskSpace("Download disk space", cfg.Paths.DownloadDir, cfg.Workflow.MinFreeSpaceGiB),
		CheckSource(cfg),
	}
	return results
}

// Ready reports whether every check passed.
func Ready(results []Result) bool {
	for _, result := range results {
		if !result.Passed {
			return false
		}
	}
	return true
}
