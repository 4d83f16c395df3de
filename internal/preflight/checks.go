package preflight

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"gantry/internal/config"
	"gantry/internal/deps"
	"gantry/internal/sources"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckDiskSpace verifies the filesystem holding path has room for another
// release. minGiB zero disables the threshold.
func CheckDiskSpace(name, path string, minGiB int) Result {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: statfs: %v)", path, err)}
	}
	free := stat.Bavail * uint64(stat.Bsize)
	detail := fmt.Sprintf("%.1f GiB free", float64(free)/(1<<30))
	if minGiB > 0 && free < uint64(minGiB)<<30 {
		return Result{Name: name, Detail: fmt.Sprintf("%s (below %d GiB minimum)", detail, minGiB)}
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckSource verifies the remote source configuration is complete enough to
// attempt a download.
func CheckSource(cfg *config.Config) Result {
	const name = "Remote source"

	if strings.TrimSpace(cfg.Source.BaseAddress) == "" {
		return Result{Name: name, Detail: "missing base address"}
	}
	remote := sources.Remote{BaseAddress: cfg.Source.BaseAddress, Password: cfg.Source.Password}
	if _, err := remote.DecodePassword(); err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	return Result{Name: name, Passed: true, Detail: "configured"}
}

// CheckSystemDeps evaluates all tool dependencies for the given config.
// Both the daemon and the CLI status command use this to avoid duplicating
// the requirements list.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	requirements := []deps.Requirement{
		{
			Name:        "rclone",
			Command:     cfg.Binaries.Rclone,
			Description: "Required for remote transfers",
		},
		{
			Name:        "7-Zip",
			Command:     cfg.Binaries.SevenZip,
			Description: "Required for archive extraction",
		},
		{
			Name:        "adb",
			Command:     cfg.Binaries.ADB,
			Description: "Required for device installs",
			Optional:    true,
		},
	}
	return deps.CheckBinaries(requirements)
}
