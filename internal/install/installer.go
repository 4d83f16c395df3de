// Package install drives the device-install stage: either a scripted command
// sequence shipped with the content or a convention-based standard install.
package install

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gantry/internal/config"
	"gantry/internal/deps"
	"gantry/internal/fileutil"
	"gantry/internal/logging"
	"gantry/internal/notifications"
	"gantry/internal/queue"
	"gantry/internal/services"
	"gantry/internal/services/adb"
)

// obbRemoteBase is the conventional expansion-data location on device.
const obbRemoteBase = "/sdcard/Android/obb"

// installFlags requests reinstall plus runtime permission grants.
var installFlags = []string{"-r", "-g"}

// Installer manages the device-install stage. It is invoked on demand, not
// by the pipeline scheduler.
type Installer struct {
	cfg      *config.Config
	store    *queue.Store
	logger   *slog.Logger
	device   adb.DeviceControl
	resolver deps.Resolver
	notifier notifications.Service

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewInstaller constructs the install processor using default dependencies.
func NewInstaller(cfg *config.Config, store *queue.Store, logger *slog.Logger, resolver deps.Resolver, notifier notifications.Service) *Installer {
	var device adb.DeviceControl
	if cli, err := adb.New(cfg.Binaries.ADB); err == nil {
		device = cli
	} else if logger != nil {
		logger.Warn("adb client unavailable", logging.Error(err))
	}
	return NewInstallerWithDependencies(cfg, store, logger, device, resolver, notifier)
}

// NewInstallerWithDependencies allows injecting all collaborators (used in tests).
func NewInstallerWithDependencies(
	cfg *config.Config,
	store *queue.Store,
	logger *slog.Logger,
	device adb.DeviceControl,
	resolver deps.Resolver,
	notifier notifications.Service,
) *Installer {
	if notifier == nil {
		notifier = notifications.NewNop()
	}
	return &Installer{
		cfg:      cfg,
		store:    store,
		logger:   logging.NewComponentLogger(logger, "installer"),
		device:   device,
		resolver: resolver,
		notifier: notifier,
		active:   make(map[string]context.CancelFunc),
	}
}

// Start installs one job's extracted content onto the identified device. All
// failures are translated into job status plus error message; Start itself
// never returns an error.
func (i *Installer) Start(ctx context.Context, jobID, deviceID string) bool {
	logger := logging.WithContext(ctx, i.logger)

	job, ok := i.store.Find(jobID)
	if !ok {
		logger.Warn("install requested for unknown job", logging.String(logging.FieldJobID, jobID))
		return false
	}
	i.store.Update(jobID, func(j *queue.Job) {
		j.Status = queue.StatusInstalling
		j.Progress = 0
	})

	if strings.TrimSpace(deviceID) == "" {
		i.failJob(jobID, services.Wrap(services.ErrConfiguration, "install", "select device", "no device connected", nil))
		return false
	}
	if i.device == nil || i.resolver == nil {
		i.failJob(jobID, services.Wrap(services.ErrDependency, "install", "resolve tools", "device tool unavailable", nil))
		return false
	}
	if _, err := i.resolver.DeviceBinary(); err != nil {
		i.failJob(jobID, services.Wrap(services.ErrDependency, "install", "resolve device binary", err.Error(), nil))
		return false
	}
	if job.LocalPath == "" || !fileutil.PathExists(job.LocalPath) {
		i.failJob(jobID, services.Wrap(services.ErrPath, "install", "locate content", "extracted content missing", nil))
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	i.mu.Lock()
	i.active[jobID] = cancel
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.active, jobID)
		i.mu.Unlock()
	}()

	var err error
	if scriptPath, found := findScript(job.LocalPath); found {
		logger.Info("running scripted install", logging.String(logging.FieldJobID, jobID))
		err = i.runScript(runCtx, logger, job, deviceID, scriptPath)
	} else {
		logger.Info("running standard install", logging.String(logging.FieldJobID, jobID))
		err = i.runStandard(runCtx, logger, job, deviceID)
	}
	if err != nil {
		if !i.stillInstalling(jobID) {
			// Cancel path already set the final status.
			return false
		}
		i.failJob(jobID, err)
		return false
	}
	if !i.stillInstalling(jobID) {
		logger.Info("install finished after job left installing, ignoring result")
		return false
	}

	i.store.Update(jobID, func(j *queue.Job) {
		j.Status = queue.StatusCompleted
		j.Progress = 100
	})
	_ = i.notifier.Publish(ctx, notifications.EventJobCompleted, notifications.Payload{
		"id":          job.ID,
		"displayName": job.DisplayName,
		"installed":   true,
	})
	logger.Info("install completed", logging.String(logging.FieldJobID, jobID))
	return true
}

// Cancel aborts a running install and marks the job cancelled.
func (i *Installer) Cancel(jobID string) bool {
	i.mu.Lock()
	cancel := i.active[jobID]
	i.mu.Unlock()

	found := i.store.Update(jobID, func(j *queue.Job) {
		j.Status = queue.StatusCancelled
	})
	if cancel != nil {
		cancel()
	}
	return found
}

// runScript executes the install script line by line. Only an install
// command failure aborts the script; other failures are logged and the
// script continues.
func (i *Installer) runScript(ctx context.Context, logger *slog.Logger, job queue.Job, deviceID, scriptPath string) error {
	commands, err := parseScript(scriptPath)
	if err != nil {
		return services.Wrap(services.ErrPath, "install", "read script", err.Error(), nil)
	}
	if len(commands) == 0 {
		return services.Wrap(services.ErrInstall, "install", "read script", "install script is empty", nil)
	}

	for n, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return services.Wrap(services.ErrTerminated, "install", "run script", "install cancelled", nil)
		}
		i.reportProgress(ctx, job.ID, (n+1)*100/len(commands))

		switch cmd.kind {
		case commandShell:
			out, err := i.device.Shell(ctx, deviceID, strings.Join(cmd.args, " "))
			if err != nil {
				logger.Warn("script shell command failed", logging.String("command", cmd.raw), logging.Error(err))
			} else if out != "" {
				logger.Info("script shell output", logging.String("output", services.Truncate(out)))
			}
		case commandInstall:
			if len(cmd.args) == 0 {
				logger.Warn("script install command missing file", logging.String("command", cmd.raw))
				continue
			}
			apk := filepath.Join(job.LocalPath, cmd.args[0])
			flags := cmd.args[1:]
			if len(flags) == 0 {
				flags = installFlags
			}
			if err := i.installPackage(ctx, logger, deviceID, job.PackageName, apk, flags); err != nil {
				// A failed install invalidates the rest of the script.
				return services.Wrap(services.ErrInstall, "install", "script install", services.Truncate(err.Error()), nil)
			}
		case commandPush:
			if len(cmd.args) < 2 {
				logger.Warn("script push command needs local and remote paths", logging.String("command", cmd.raw))
				continue
			}
			local := filepath.Join(job.LocalPath, cmd.args[0])
			if err := i.device.Push(ctx, deviceID, local, cmd.args[1]); err != nil {
				logger.Warn("script push failed", logging.String("command", cmd.raw), logging.Error(err))
			}
		case commandPull:
			if len(cmd.args) == 0 {
				logger.Warn("script pull command missing remote path", logging.String("command", cmd.raw))
				continue
			}
			local := filepath.Join(job.LocalPath, filepath.Base(cmd.args[0]))
			if err := i.device.Pull(ctx, deviceID, cmd.args[0], local); err != nil {
				logger.Warn("script pull failed", logging.String("command", cmd.raw), logging.Error(err))
			}
		default:
			logger.Warn("skipping unrecognized script command", logging.String("command", cmd.raw))
		}
	}
	return nil
}

// runStandard performs the convention-based install: every package file at
// the content root, then the matching expansion-data directory pushed
// file-by-file with cumulative-byte-weighted progress.
func (i *Installer) runStandard(ctx context.Context, logger *slog.Logger, job queue.Job, deviceID string) error {
	apks, err := packageFiles(job.LocalPath)
	if err != nil {
		return services.Wrap(services.ErrPath, "install", "scan content", err.Error(), nil)
	}
	if len(apks) == 0 {
		return services.Wrap(services.ErrInstall, "install", "scan content", "no package files found in extracted content", nil)
	}

	for n, apk := range apks {
		if err := ctx.Err(); err != nil {
			return services.Wrap(services.ErrTerminated, "install", "install packages", "install cancelled", nil)
		}
		logger.Info("installing package", logging.String("apk", filepath.Base(apk)))
		if err := i.installPackage(ctx, logger, deviceID, job.PackageName, apk, installFlags); err != nil {
			return services.Wrap(services.ErrInstall, "install", "install package", services.Truncate(err.Error()), nil)
		}
		i.reportProgress(ctx, job.ID, (n+1)*50/len(apks))
	}

	obbDir := filepath.Join(job.LocalPath, job.PackageName)
	if job.PackageName == "" || !fileutil.PathExists(obbDir) {
		i.reportProgress(ctx, job.ID, 100)
		return nil
	}
	return i.pushExpansionData(ctx, logger, job, deviceID, obbDir)
}

// pushExpansionData pushes the OBB directory one file at a time, weighting
// progress by cumulative bytes so a handful of huge files does not make the
// counter jump in useless increments.
func (i *Installer) pushExpansionData(ctx context.Context, logger *slog.Logger, job queue.Job, deviceID, obbDir string) error {
	files, totalBytes, err := fileutil.RegularFiles(obbDir)
	if err != nil {
		return services.Wrap(services.ErrPath, "install", "scan expansion data", err.Error(), nil)
	}
	if len(files) == 0 {
		i.reportProgress(ctx, job.ID, 100)
		return nil
	}

	remoteBase := obbRemoteBase + "/" + job.PackageName
	if _, err := i.device.Shell(ctx, deviceID, "mkdir -p "+remoteBase); err != nil {
		// Push creates missing directories itself; a mkdir failure only
		// matters if the pushes fail too.
		logger.Warn("could not create expansion data directory", logging.Error(err))
	}

	var pushedBytes int64
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return services.Wrap(services.ErrTerminated, "install", "push expansion data", "install cancelled", nil)
		}
		rel, err := filepath.Rel(obbDir, file.Path)
		if err != nil {
			rel = filepath.Base(file.Path)
		}
		remote := remoteBase + "/" + filepath.ToSlash(rel)
		if err := i.device.Push(ctx, deviceID, file.Path, remote); err != nil {
			return services.Wrap(services.ErrInstall, "install", "push expansion data", services.Truncate(err.Error()), nil)
		}
		pushedBytes += file.Size
		percent := 50
		if totalBytes > 0 {
			percent = 50 + int(pushedBytes*50/totalBytes)
		}
		i.reportProgress(ctx, job.ID, percent)
	}
	return nil
}

// installPackage installs one apk, recovering once from an
// update-incompatibility failure by uninstalling the conflicting package.
func (i *Installer) installPackage(ctx context.Context, logger *slog.Logger, deviceID, packageName, apk string, flags []string) error {
	err := i.device.Install(ctx, deviceID, apk, flags)
	if err == nil {
		return nil
	}
	if !errors.Is(err, adb.ErrUpdateIncompatible) || packageName == "" {
		return err
	}
	logger.Warn("installed package incompatible, uninstalling and retrying",
		logging.String("package", packageName),
	)
	if uninstallErr := i.device.Uninstall(ctx, deviceID, packageName); uninstallErr != nil {
		return fmt.Errorf("uninstall conflicting package: %w (after %s)", uninstallErr, err)
	}
	return i.device.Install(ctx, deviceID, apk, flags)
}

// reportProgress applies the monotonic progress rule with a status guard, so
// a cancelled install cannot be resurrected by a late step.
func (i *Installer) reportProgress(ctx context.Context, jobID string, percent int) {
	job, ok := i.store.Find(jobID)
	if !ok || job.Status != queue.StatusInstalling {
		return
	}
	if percent < job.Progress {
		return
	}
	i.store.Update(jobID, func(j *queue.Job) {
		j.Progress = percent
	})
	_ = i.notifier.Publish(ctx, notifications.EventTransferProgress, notifications.Payload{
		"id":       jobID,
		"progress": percent,
		"stage":    "installing",
	})
}

func (i *Installer) stillInstalling(jobID string) bool {
	job, ok := i.store.Find(jobID)
	return ok && job.Status == queue.StatusInstalling
}

func (i *Installer) failJob(jobID string, err error) {
	message := services.Truncate(err.Error())
	i.logger.Error("install failed",
		logging.String(logging.FieldJobID, jobID),
		logging.String(logging.FieldEventType, "stage_failure"),
		logging.Error(err),
	)
	i.store.Update(jobID, func(j *queue.Job) {
		if j.Status == queue.StatusInstalling {
			j.Status = queue.StatusInstallError
			j.ErrorMessage = message
		} else {
			j.SetFailed(message)
		}
	})
	if job, ok := i.store.Find(jobID); ok {
		_ = i.notifier.Publish(context.Background(), notifications.EventJobFailed, notifications.Payload{
			"id":          job.ID,
			"displayName": job.DisplayName,
			"error":       message,
		})
	}
}

// packageFiles lists installable package files at the content root.
func packageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var apks []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".apk") {
			apks = append(apks, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(apks)
	return apks, nil
}
