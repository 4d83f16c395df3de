// Package adb wraps the adb command line tool behind the device control
// surface the install processor consumes. Device discovery and tracking live
// outside this system; callers supply a device identifier.
package adb

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrUpdateIncompatible signals that an install failed because an existing
// package with an incompatible version/signature is present. The caller may
// uninstall and retry.
var ErrUpdateIncompatible = errors.New("installed package incompatible with update")

// DeviceControl is the device primitive surface consumed by the installer.
type DeviceControl interface {
	Shell(ctx context.Context, deviceID, command string) (string, error)
	Push(ctx context.Context, deviceID, localPath, remotePath string) error
	Pull(ctx context.Context, deviceID, remotePath, localPath string) error
	Install(ctx context.Context, deviceID, apkPath string, flags []string) error
	Uninstall(ctx context.Context, deviceID, packageName string) error
}

// Runner abstracts adb invocation for testability.
type Runner interface {
	Run(ctx context.Context, args []string) (string, error)
}

// Option configures the client.
type Option func(*CLI)

// WithRunner injects a custom runner (primarily for tests).
func WithRunner(runner Runner) Option {
	return func(c *CLI) {
		if runner != nil {
			c.runner = runner
		}
	}
}

// CLI drives the adb binary.
type CLI struct {
	binary string
	runner Runner
}

// New constructs an adb client.
func New(binary string, opts ...Option) (*CLI, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("adb binary required")
	}
	cli := &CLI{binary: binary}
	cli.runner = &commandRunner{binary: binary}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

func (c *CLI) Shell(ctx context.Context, deviceID, command string) (string, error) {
	out, err := c.runner.Run(ctx, []string{"-s", deviceID, "shell", command})
	if err != nil {
		return "", fmt.Errorf("adb shell: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (c *CLI) Push(ctx context.Context, deviceID, localPath, remotePath string) error {
	if _, err := c.runner.Run(ctx, []string{"-s", deviceID, "push", localPath, remotePath}); err != nil {
		return fmt.Errorf("adb push %s: %w", localPath, err)
	}
	return nil
}

func (c *CLI) Pull(ctx context.Context, deviceID, remotePath, localPath string) error {
	if _, err := c.runner.Run(ctx, []string{"-s", deviceID, "pull", remotePath, localPath}); err != nil {
		return fmt.Errorf("adb pull %s: %w", remotePath, err)
	}
	return nil
}

// Install installs an apk. An incompatible-update failure is returned as
// ErrUpdateIncompatible so the caller can uninstall and retry once.
func (c *CLI) Install(ctx context.Context, deviceID, apkPath string, flags []string) error {
	args := []string{"-s", deviceID, "install"}
	args = append(args, flags...)
	args = append(args, apkPath)
	out, err := c.runner.Run(ctx, args)
	if incompatibleUpdate(out) || (err != nil && incompatibleUpdate(err.Error())) {
		return fmt.Errorf("adb install %s: %w", apkPath, ErrUpdateIncompatible)
	}
	if err != nil {
		return fmt.Errorf("adb install %s: %w", apkPath, err)
	}
	// adb reports some failures on stdout with a zero exit.
	if strings.Contains(out, "Failure") {
		return fmt.Errorf("adb install %s: %s", apkPath, strings.TrimSpace(out))
	}
	return nil
}

func (c *CLI) Uninstall(ctx context.Context, deviceID, packageName string) error {
	if _, err := c.runner.Run(ctx, []string{"-s", deviceID, "uninstall", packageName}); err != nil {
		return fmt.Errorf("adb uninstall %s: %w", packageName, err)
	}
	return nil
}

func incompatibleUpdate(out string) bool {
	return strings.Contains(out, "INSTALL_FAILED_UPDATE_INCOMPATIBLE") ||
		strings.Contains(out, "INSTALL_FAILED_VERSION_DOWNGRADE")
}

type commandRunner struct {
	binary string
}

func (r *commandRunner) Run(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...) //nolint:gosec
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

var _ DeviceControl = (*CLI)(nil)
