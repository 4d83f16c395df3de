package services

import (
	"errors"
	"os/exec"
	"syscall"
)

// IsSignalExit reports whether err represents a subprocess that died from a
// termination signal rather than its own non-zero exit. Used to distinguish
// cancellation from genuine failure.
func IsSignalExit(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return true
	}
	return exitErr.ExitCode() == -1
}
