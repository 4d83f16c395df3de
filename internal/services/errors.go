package services

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers for failure classification. Stage processors wrap errors
// with one of these so callers can route on the failure class without parsing
// message text.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrDependency    = errors.New("dependency unavailable")
	ErrPath          = errors.New("path error")
	ErrAuth          = errors.New("authentication failure")
	ErrWrongPassword = errors.New("wrong password")
	ErrCorruption    = errors.New("data corruption")
	ErrTerminated    = errors.New("process terminated")
	ErrInstall       = errors.New("install failure")
	ErrExternalTool  = errors.New("external tool error")
	ErrUnexpected    = errors.New("unexpected error")
)

// MaxStoredErrorLength bounds error messages persisted on queue jobs.
const MaxStoredErrorLength = 300

// Wrap builds an error that includes stage context while tagging it with the
// provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrUnexpected
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Truncate bounds a message to MaxStoredErrorLength runes before storage.
func Truncate(message string) string {
	message = strings.TrimSpace(message)
	runes := []rune(message)
	if len(runes) <= MaxStoredErrorLength {
		return message
	}
	return string(runes[:MaxStoredErrorLength-3]) + "..."
}

// IsExpectedTermination reports whether the error represents a cancellation
// rather than a genuine failure.
func IsExpectedTermination(err error) bool {
	return errors.Is(err, ErrTerminated)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
