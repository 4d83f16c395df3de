// Package download drives the transfer stage: one rclone invocation per job,
// mirror first when configured, public source as the authoritative fallback.
package download

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"gantry/internal/config"
	"gantry/internal/deps"
	"gantry/internal/logging"
	"gantry/internal/notifications"
	"gantry/internal/queue"
	"gantry/internal/services"
	"gantry/internal/services/rclone"
	"gantry/internal/sources"
)

// Result is the download stage outcome. Failures are recorded on the job,
// not returned; a false Success with false ShouldExtract means the job's
// current status already reflects what happened.
type Result struct {
	Success       bool
	ShouldExtract bool
}

// Downloader manages the transfer stage.
type Downloader struct {
	cfg      *config.Config
	store    *queue.Store
	logger   *slog.Logger
	client   rclone.Transfer
	resolver deps.Resolver
	source   sources.Provider
	mirrors  sources.MirrorProvider
	settings sources.Settings
	notifier notifications.Service

	mu     sync.Mutex
	active map[string]*processHandle
}

// processHandle is the per-job ownership entry for the live subprocess.
// Detaching stops parsed output from mutating the job before the process is
// torn down, so late lines cannot resurrect a cancelled job.
type processHandle struct {
	cancel   context.CancelFunc
	detached atomic.Bool
}

// NewDownloader constructs the download processor using default dependencies.
func NewDownloader(cfg *config.Config, store *queue.Store, logger *slog.Logger, resolver deps.Resolver, mirrors sources.MirrorProvider, notifier notifications.Service) *Downloader {
	provider := sources.NewConfigProvider(cfg)
	var client rclone.Transfer
	if cli, err := rclone.New(cfg.Binaries.Rclone); err == nil {
		client = cli
	} else if logger != nil {
		logger.Warn("rclone client unavailable", logging.Error(err))
	}
	return NewDownloaderWithDependencies(cfg, store, logger, client, resolver, provider, mirrors, provider, notifier)
}

// NewDownloaderWithDependencies allows injecting all collaborators (used in tests).
func NewDownloaderWithDependencies(
	cfg *config.Config,
	store *queue.Store,
	logger *slog.Logger,
	client rclone.Transfer,
	resolver deps.Resolver,
	source sources.Provider,
	mirrors sources.MirrorProvider,
	settings sources.Settings,
	notifier notifications.Service,
) *Downloader {
	if mirrors == nil {
		mirrors = sources.NoMirror{}
	}
	if notifier == nil {
		notifier = notifications.NewNop()
	}
	return &Downloader{
		cfg:      cfg,
		store:    store,
		logger:   logging.NewComponentLogger(logger, "downloader"),
		client:   client,
		resolver: resolver,
		source:   source,
		mirrors:  mirrors,
		settings: settings,
		notifier: notifier,
		active:   make(map[string]*processHandle),
	}
}

// Start runs the transfer for one job to completion. All failures are
// translated into job status plus error message; Start itself never returns
// an error.
func (d *Downloader) Start(ctx context.Context, jobID string) Result {
	logger := logging.WithContext(ctx, d.logger)

	job, ok := d.store.Find(jobID)
	if !ok {
		logger.Warn("download requested for unknown job", logging.String(logging.FieldJobID, jobID))
		return Result{}
	}

	if d.client == nil || d.resolver == nil {
		d.failJob(jobID, services.Wrap(services.ErrDependency, "download", "resolve tools", "transfer tool unavailable", nil))
		return Result{}
	}
	if _, err := d.resolver.TransferBinary(); err != nil {
		d.failJob(jobID, services.Wrap(services.ErrDependency, "download", "resolve transfer binary", err.Error(), nil))
		return Result{}
	}
	remote, err := d.source.Remote()
	if err != nil {
		d.failJob(jobID, services.Wrap(services.ErrConfiguration, "download", "resolve source", err.Error(), nil))
		return Result{}
	}

	localPath := filepath.Join(d.cfg.Paths.DownloadDir, job.ID)
	if err := os.MkdirAll(localPath, 0o755); err != nil {
		d.failJob(jobID, services.Wrap(services.ErrPath, "download", "create destination", err.Error(), nil))
		return Result{}
	}

	d.store.Update(jobID, func(j *queue.Job) {
		j.Status = queue.StatusDownloading
		j.Progress = 0
		j.LocalPath = localPath
		j.Speed = ""
		j.ETA = ""
	})

	req := rclone.CopyRequest{
		RemotePath:       job.ID,
		Dest:             localPath,
		BaseAddress:      remote.BaseAddress,
		DownloadLimitKiB: d.settings.DownloadRateLimitKiB(),
		UploadLimitKiB:   d.settings.UploadRateLimitKiB(),
	}

	if mirror := d.activeMirror(logger); mirror != nil {
		mirrorReq := req
		mirrorReq.Mirror = mirror.Name
		mirrorReq.BaseAddress = ""
		logger.Info("attempting mirror transfer", logging.String("mirror", mirror.Name))
		err := d.runTransfer(ctx, jobID, mirrorReq)
		if err == nil {
			return d.finish(ctx, jobID, logger)
		}
		if !d.stillDownloading(jobID) {
			return Result{}
		}
		if d.cfg.Workflow.SurfaceMirrorErrors {
			d.failJob(jobID, services.Wrap(services.ErrExternalTool, "download", "mirror transfer", services.Truncate(err.Error()), nil))
			return Result{}
		}
		// The public attempt is authoritative; the mirror failure stays
		// out of the job's terminal error.
		logger.Warn("mirror transfer failed, falling back to public source", logging.Error(err))
		d.store.Update(jobID, func(j *queue.Job) {
			j.Progress = 0
			j.Speed = ""
			j.ETA = ""
		})
	}

	if err := d.runTransfer(ctx, jobID, req); err != nil {
		if !d.stillDownloading(jobID) {
			// Cancel path already set the final status.
			return Result{}
		}
		d.failJob(jobID, err)
		return Result{}
	}
	return d.finish(ctx, jobID, logger)
}

// Cancel terminates the tracked subprocess for the job and marks it
// cancelled. Listeners are detached before the status write so a late output
// line cannot overwrite it.
func (d *Downloader) Cancel(jobID string) bool {
	d.mu.Lock()
	handle := d.active[jobID]
	d.mu.Unlock()
	if handle != nil {
		handle.detached.Store(true)
	}

	found := d.store.Update(jobID, func(j *queue.Job) {
		j.Status = queue.StatusCancelled
		j.Speed = ""
		j.ETA = ""
	})

	if handle != nil {
		handle.cancel()
	}
	return found
}

func (d *Downloader) activeMirror(logger *slog.Logger) *sources.Mirror {
	mirror, err := d.mirrors.ActiveMirror()
	if err != nil {
		// Mirror resolution trouble falls back to the public source
		// without touching the job.
		logger.Warn("mirror resolution failed, using public source", logging.Error(err))
		return nil
	}
	return mirror
}

func (d *Downloader) runTransfer(ctx context.Context, jobID string, req rclone.CopyRequest) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := &processHandle{cancel: cancel}
	d.mu.Lock()
	d.active[jobID] = handle
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, jobID)
		d.mu.Unlock()
	}()

	var authFailed atomic.Bool
	cb := rclone.Callbacks{
		OnStart: func(pid int) {
			if handle.detached.Load() {
				return
			}
			d.store.Update(jobID, func(j *queue.Job) {
				j.PID = pid
			})
		},
		OnProgress: func(update rclone.ProgressUpdate) {
			d.applyProgress(ctx, jobID, handle, update)
		},
		OnAuthFailure: func(line string) {
			if authFailed.Swap(true) {
				return
			}
			handle.detached.Store(true)
			cancel()
		},
	}

	err := d.client.Copy(runCtx, req, cb)
	if authFailed.Load() {
		return services.Wrap(services.ErrAuth, "download", "remote transfer", "Authentication failed: remote rejected credentials", nil)
	}
	if err != nil && services.IsSignalExit(err) && handle.detached.Load() {
		// Expected termination from the cancel path, not a failure.
		return services.Wrap(services.ErrTerminated, "download", "remote transfer", "transfer cancelled", nil)
	}
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "download", "remote transfer", services.Truncate(err.Error()), nil)
	}
	return nil
}

// applyProgress enforces the monotonic progress rule and re-checks the job's
// status so a cancelled or superseded job is never resurrected by late
// subprocess output.
func (d *Downloader) applyProgress(ctx context.Context, jobID string, handle *processHandle, update rclone.ProgressUpdate) {
	if handle.detached.Load() {
		return
	}
	job, ok := d.store.Find(jobID)
	if !ok {
		handle.detached.Store(true)
		handle.cancel()
		return
	}
	if job.Status != queue.StatusDownloading {
		handle.detached.Store(true)
		handle.cancel()
		return
	}
	if update.Percent < job.Progress {
		return
	}
	d.store.Update(jobID, func(j *queue.Job) {
		j.Progress = update.Percent
		if update.Speed != "" {
			j.Speed = update.Speed
		}
		if update.ETA != "" {
			j.ETA = update.ETA
		}
	})
	_ = d.notifier.Publish(ctx, notifications.EventTransferProgress, notifications.Payload{
		"id":       jobID,
		"progress": update.Percent,
		"speed":    update.Speed,
		"eta":      update.ETA,
	})
}

func (d *Downloader) finish(ctx context.Context, jobID string, logger *slog.Logger) Result {
	if !d.stillDownloading(jobID) {
		// The state change already reflects the true outcome.
		logger.Info("transfer finished after job left downloading, ignoring result")
		return Result{}
	}
	d.store.Update(jobID, func(j *queue.Job) {
		j.Progress = 100
		j.Speed = ""
		j.ETA = ""
		j.PID = 0
	})
	_ = d.notifier.Publish(ctx, notifications.EventTransferProgress, notifications.Payload{
		"id":       jobID,
		"progress": 100,
	})
	logger.Info("transfer completed", logging.String(logging.FieldJobID, jobID))
	return Result{Success: true, ShouldExtract: true}
}

func (d *Downloader) stillDownloading(jobID string) bool {
	job, ok := d.store.Find(jobID)
	return ok && job.Status == queue.StatusDownloading
}

func (d *Downloader) failJob(jobID string, err error) {
	message := services.Truncate(err.Error())
	d.logger.Error("download failed",
		logging.String(logging.FieldJobID, jobID),
		logging.String(logging.FieldEventType, "stage_failure"),
		logging.Error(err),
	)
	d.store.Update(jobID, func(j *queue.Job) {
		j.SetFailed(message)
	})
	if job, ok := d.store.Find(jobID); ok {
		_ = d.notifier.Publish(context.Background(), notifications.EventJobFailed, notifications.Payload{
			"id":          job.ID,
			"displayName": job.DisplayName,
			"error":       message,
		})
	}
}
