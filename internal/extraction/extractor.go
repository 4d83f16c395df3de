// Package extraction drives the decompression stage: one 7-Zip invocation
// against the first archive volume, followed by layout normalization of the
// extracted tree.
package extraction

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gantry/internal/config"
	"gantry/internal/deps"
	"gantry/internal/fileutil"
	"gantry/internal/logging"
	"gantry/internal/notifications"
	"gantry/internal/queue"
	"gantry/internal/services"
	"gantry/internal/services/sevenzip"
	"gantry/internal/sources"
)

// Extractor manages the decompression stage.
type Extractor struct {
	cfg      *config.Config
	store    *queue.Store
	logger   *slog.Logger
	client   sevenzip.Extractor
	resolver deps.Resolver
	source   sources.Provider
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

// NewExtractor constructs the extraction processor using default dependencies.
func NewExtractor(cfg *config.Config, store *queue.Store, logger *slog.Logger, resolver deps.Resolver, notifier notifications.Service) *Extractor {
	var client sevenzip.Extractor
	grace := time.Duration(cfg.Workflow.KillGraceSeconds) * time.Second
	if cli, err := sevenzip.New(cfg.Binaries.SevenZip, grace); err == nil {
		client = cli
	} else if logger != nil {
		logger.Warn("7z client unavailable", logging.Error(err))
	}
	return NewExtractorWithDependencies(cfg, store, logger, client, resolver, sources.NewConfigProvider(cfg), notifier)
}

// NewExtractorWithDependencies allows injecting all collaborators (used in tests).
func NewExtractorWithDependencies(
	cfg *config.Config,
	store *queue.Store,
	logger *slog.Logger,
	client sevenzip.Extractor,
	resolver deps.Resolver,
	source sources.Provider,
	notifier notifications.Service,
) *Extractor {
	if notifier == nil {
		notifier = notifications.NewNop()
	}
	return &Extractor{
		cfg:      cfg,
		store:    store,
		logger:   logging.NewComponentLogger(logger, "extractor"),
		client:   client,
		resolver: resolver,
		source:   source,
		notifier: notifier,
		active:   make(map[string]*processHandle),
	}
}

// Start runs extraction for one job to completion. All failures are
// translated into job status plus error message; Start itself never returns
// an error.
func (e *Extractor) Start(ctx context.Context, jobID string) bool {
	logger := logging.WithContext(ctx, e.logger)

	job, ok := e.store.Find(jobID)
	if !ok {
		logger.Warn("extraction requested for unknown job", logging.String(logging.FieldJobID, jobID))
		return false
	}

	if e.client == nil || e.resolver == nil {
		e.failJob(jobID, services.Wrap(services.ErrDependency, "extraction", "resolve tools", "archive tool unavailable", nil))
		return false
	}
	if _, err := e.resolver.ArchiveBinary(); err != nil {
		e.failJob(jobID, services.Wrap(services.ErrDependency, "extraction", "resolve archive binary", err.Error(), nil))
		return false
	}
	if job.LocalPath == "" || !fileutil.PathExists(job.LocalPath) {
		e.failJob(jobID, services.Wrap(services.ErrPath, "extraction", "locate content", "downloaded content missing", nil))
		return false
	}
	remote, err := e.source.Remote()
	if err != nil {
		e.failJob(jobID, services.Wrap(services.ErrConfiguration, "extraction", "resolve source", err.Error(), nil))
		return false
	}
	password, err := remote.DecodePassword()
	if err != nil {
		e.failJob(jobID, services.Wrap(services.ErrConfiguration, "extraction", "decode password", err.Error(), nil))
		return false
	}
	firstPart, found := findFirstPart(job.LocalPath)
	if !found {
		e.failJob(jobID, services.Wrap(services.ErrPath, "extraction", "locate archive", "no archive volume found in downloaded content", nil))
		return false
	}

	e.store.Update(jobID, func(j *queue.Job) {
		j.Status = queue.StatusExtracting
		j.SetExtractProgress(0)
	})

	if err := e.runExtraction(ctx, jobID, firstPart, job.LocalPath, password); err != nil {
		if !e.stillExtracting(jobID) {
			// Cancel path already set the final status.
			return false
		}
		e.failJob(jobID, err)
		return false
	}
	if !e.stillExtracting(jobID) {
		logger.Info("extraction finished after job left extracting, ignoring result")
		return false
	}

	e.cleanupParts(logger, firstPart)
	e.normalizeLayout(logger, job.ID, job.LocalPath)
	e.extractNested(ctx, jobID, logger, job.LocalPath, password)
	if !e.stillExtracting(jobID) {
		logger.Info("job left extracting during nested pass, ignoring result")
		return false
	}

	e.store.Update(jobID, func(j *queue.Job) {
		j.Status = queue.StatusCompleted
		j.SetExtractProgress(100)
		j.PID = 0
	})
	_ = e.notifier.Publish(ctx, notifications.EventJobCompleted, notifications.Payload{
		"id":          job.ID,
		"displayName": job.DisplayName,
	})
	logger.Info("extraction completed", logging.String(logging.FieldJobID, jobID))
	return true
}

// Cancel terminates the tracked subprocess for the job and marks it
// cancelled. Listeners are detached before the status write so a late output
// line cannot overwrite it.
func (e *Extractor) Cancel(jobID string) bool {
	e.mu.Lock()
	handle := e.active[jobID]
	e.mu.Unlock()
	if handle != nil {
		handle.detached.Store(true)
	}

	found := e.store.Update(jobID, func(j *queue.Job) {
		j.Status = queue.StatusCancelled
	})

	if handle != nil {
		handle.cancel()
	}
	return found
}

func (e *Extractor) runExtraction(ctx context.Context, jobID, archivePath, destDir, password string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := &processHandle{cancel: cancel}
	e.mu.Lock()
	e.active[jobID] = handle
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, jobID)
		e.mu.Unlock()
	}()

	cb := sevenzip.Callbacks{
		OnStart: func(pid int) {
			if handle.detached.Load() {
				return
			}
			e.store.Update(jobID, func(j *queue.Job) {
				j.PID = pid
			})
		},
		OnProgress: func(percent int) {
			e.applyProgress(ctx, jobID, handle, percent)
		},
	}

	err := e.client.Extract(runCtx, archivePath, destDir, password, cb)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sevenzip.ErrWrongPassword):
		return services.Wrap(services.ErrWrongPassword, "extraction", "extract archive", "Wrong password", nil)
	case errors.Is(err, sevenzip.ErrDataCorruption):
		return services.Wrap(services.ErrCorruption, "extraction", "extract archive", "Archive data is corrupted (CRC mismatch)", nil)
	case services.IsSignalExit(err) && handle.detached.Load():
		// Expected termination from the cancel path, not a failure.
		return services.Wrap(services.ErrTerminated, "extraction", "extract archive", "extraction cancelled", nil)
	default:
		return services.Wrap(services.ErrExternalTool, "extraction", "extract archive", services.Truncate(err.Error()), nil)
	}
}

// applyProgress enforces the monotonic progress rule and re-checks the job's
// status so a cancelled or superseded job is never resurrected by late
// subprocess output.
func (e *Extractor) applyProgress(ctx context.Context, jobID string, handle *processHandle, percent int) {
	if handle.detached.Load() {
		return
	}
	job, ok := e.store.Find(jobID)
	if !ok {
		handle.detached.Store(true)
		handle.cancel()
		return
	}
	if job.Status != queue.StatusExtracting {
		handle.detached.Store(true)
		handle.cancel()
		return
	}
	if job.ExtractProgress != nil && percent < *job.ExtractProgress {
		return
	}
	e.store.Update(jobID, func(j *queue.Job) {
		j.SetExtractProgress(percent)
	})
	_ = e.notifier.Publish(ctx, notifications.EventExtractionProgress, notifications.Payload{
		"id":       jobID,
		"progress": percent,
	})
}

// cleanupParts removes the consumed archive volumes. Removal is best effort;
// a part that cannot be deleted costs disk, not correctness.
func (e *Extractor) cleanupParts(logger *slog.Logger, firstPart string) {
	for _, part := range partFiles(firstPart) {
		if err := os.Remove(part); err != nil {
			logger.Warn("could not remove archive part",
				logging.String("part", filepath.Base(part)),
				logging.Error(err),
			)
		}
	}
}

// normalizeLayout flattens the redundant wrapper directory some archives
// carry: when extraction produced a single directory named after the job, its
// children move up one level.
func (e *Extractor) normalizeLayout(logger *slog.Logger, jobID, dir string) {
	inner, ok := singleTopLevelDir(dir)
	if !ok || filepath.Base(inner) != jobID {
		return
	}
	// Colliding entries stay inside the wrapper rather than clobbering
	// what is already in place.
	removed := flattenDir(inner, dir, func(name string) {
		logger.Warn("skipping flatten collision", logging.String("entry", name))
	})
	if !removed {
		logger.Warn("wrapper directory not empty after flatten", logging.String("dir", inner))
	}
}

// extractNested expands single-file archives left at the top level, repeating
// until none remain. The subprocess stays registered under the job so Cancel
// can terminate a nested pass the same way it terminates the primary one.
// Other failures are logged and left behind; the primary extraction already
// succeeded.
func (e *Extractor) extractNested(ctx context.Context, jobID string, logger *slog.Logger, dir, password string) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := &processHandle{cancel: cancel}
	e.mu.Lock()
	e.active[jobID] = handle
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, jobID)
		e.mu.Unlock()
	}()

	for pass := 0; pass < 5; pass++ {
		archives := nestedArchives(dir)
		if len(archives) == 0 {
			return
		}
		for _, archive := range archives {
			// A cancel that raced the handoff from the primary handle shows
			// up as a status change rather than a detach.
			if handle.detached.Load() || !e.stillExtracting(jobID) {
				return
			}
			logger.Info("extracting nested archive", logging.String("archive", filepath.Base(archive)))
			if err := e.client.Extract(runCtx, archive, dir, password, sevenzip.Callbacks{}); err != nil {
				if handle.detached.Load() {
					return
				}
				logger.Warn("nested archive extraction failed",
					logging.String("archive", filepath.Base(archive)),
					logging.Error(err),
				)
				// Leave the archive so the failure is inspectable.
				return
			}
			if err := os.Remove(archive); err != nil {
				logger.Warn("could not remove nested archive",
					logging.String("archive", filepath.Base(archive)),
					logging.Error(err),
				)
				return
			}
		}
	}
	logger.Warn("nested archive recursion limit reached", logging.String("dir", dir))
}

func (e *Extractor) stillExtracting(jobID string) bool {
	job, ok := e.store.Find(jobID)
	return ok && job.Status == queue.StatusExtracting
}

func (e *Extractor) failJob(jobID string, err error) {
	message := services.Truncate(err.Error())
	e.logger.Error("extraction failed",
		logging.String(logging.FieldJobID, jobID),
		logging.String(logging.FieldEventType, "stage_failure"),
		logging.Error(err),
	)
	e.store.Update(jobID, func(j *queue.Job) {
		j.SetFailed(message)
	})
	if job, ok := e.store.Find(jobID); ok {
		_ = e.notifier.Publish(context.Background(), notifications.EventJobFailed, notifications.Payload{
			"id":          job.ID,
			"displayName": job.DisplayName,
			"error":       message,
		})
	}
}
