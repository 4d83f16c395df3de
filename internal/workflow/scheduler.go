// Package workflow coordinates the pipeline: a single-flight loop that
// drains the queue one job at a time through download and extraction, plus
// the status-routed job operations (cancel, retry, remove).
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/google/uuid"

	"gantry/internal/download"
	"gantry/internal/logging"
	"gantry/internal/queue"
	"gantry/internal/services"
)

// DownloadStage is the transfer processor surface the scheduler drives.
type DownloadStage interface {
	Start(ctx context.Context, jobID string) download.Result
	Cancel(jobID string) bool
}

// ExtractionStage is the decompression processor surface the scheduler drives.
type ExtractionStage interface {
	Start(ctx context.Context, jobID string) bool
	Cancel(jobID string) bool
}

// InstallStage is the device-install processor surface. Installs run on
// demand, outside the queue loop, but cancellation still routes through the
// scheduler.
type InstallStage interface {
	Start(ctx context.Context, jobID, deviceID string) bool
	Cancel(jobID string) bool
}

// Scheduler runs the pipeline with a single concurrency slot.
type Scheduler struct {
	store      *queue.Store
	logger     *slog.Logger
	downloader DownloadStage
	extractor  ExtractionStage
	installer  InstallStage

	processing atomic.Bool
}

// New constructs the scheduler over the three stage processors.
func New(store *queue.Store, logger *slog.Logger, downloader DownloadStage, extractor ExtractionStage, installer InstallStage) *Scheduler {
	return &Scheduler{
		store:      store,
		logger:     logging.NewComponentLogger(logger, "scheduler"),
		downloader: downloader,
		extractor:  extractor,
		installer:  installer,
	}
}

// Processing reports whether a job currently occupies the pipeline slot.
func (s *Scheduler) Processing() bool {
	return s.processing.Load()
}

// ProcessQueue drains queued jobs. It is a no-op while a job is already
// being processed; the active run re-invokes the drain when it finishes, so
// one call is enough to move the whole queue.
func (s *Scheduler) ProcessQueue(ctx context.Context) {
	if !s.processing.CompareAndSwap(false, true) {
		return
	}
	defer s.processing.Store(false)

	for {
		if ctx.Err() != nil {
			return
		}
		job, ok := s.store.NextQueued()
		if !ok {
			return
		}
		s.runJob(ctx, job)
	}
}

// runJob pushes one job through download and, when requested, extraction.
// A panic from a processor marks the job failed without taking the
// scheduler down.
func (s *Scheduler) runJob(ctx context.Context, job queue.Job) {
	jobCtx := services.WithRequestID(ctx, uuid.NewString())
	jobCtx = services.WithJobID(jobCtx, job.ID)
	logger := logging.WithContext(jobCtx, s.logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("stage processor panicked",
				logging.String(logging.FieldJobID, job.ID),
				logging.String("panic", fmt.Sprint(r)),
			)
			s.store.Update(job.ID, func(j *queue.Job) {
				j.SetFailed(services.Truncate(fmt.Sprintf("internal error: %v", r)))
			})
		}
	}()

	logger.Info("processing job", logging.String(logging.FieldJobID, job.ID))
	result := s.downloader.Start(jobCtx, job.ID)
	if !result.Success {
		return
	}
	if !result.ShouldExtract {
		return
	}
	s.extractor.Start(jobCtx, job.ID)
}

// Install runs the device-install stage for one job on demand. The install
// occupies the same pipeline slot as the drain loop, so at most one job is
// ever mid-stage.
func (s *Scheduler) Install(ctx context.Context, jobID, deviceID string) bool {
	if !s.processing.CompareAndSwap(false, true) {
		s.logger.Warn("install refused while pipeline busy",
			logging.String(logging.FieldJobID, jobID),
		)
		return false
	}
	defer s.processing.Store(false)

	job, ok := s.store.Find(jobID)
	if !ok {
		return false
	}
	switch job.Status {
	case queue.StatusCompleted, queue.StatusInstallError:
	default:
		s.logger.Warn("install refused for job status",
			logging.String(logging.FieldJobID, jobID),
			logging.String("status", string(job.Status)),
		)
		return false
	}
	jobCtx := services.WithRequestID(ctx, uuid.NewString())
	jobCtx = services.WithJobID(jobCtx, jobID)
	return s.installer.Start(jobCtx, jobID, deviceID)
}

// Cancel routes cancellation to the processor owning the job's current
// stage. A queued job is cancelled directly in the store.
func (s *Scheduler) Cancel(jobID string) bool {
	job, ok := s.store.Find(jobID)
	if !ok {
		return false
	}
	switch job.Status {
	case queue.StatusDownloading:
		return s.downloader.Cancel(jobID)
	case queue.StatusExtracting:
		return s.extractor.Cancel(jobID)
	case queue.StatusInstalling:
		return s.installer.Cancel(jobID)
	case queue.StatusQueued:
		return s.store.Update(jobID, func(j *queue.Job) {
			j.Status = queue.StatusCancelled
		})
	default:
		s.logger.Warn("cancel refused for job status",
			logging.String(logging.FieldJobID, jobID),
			logging.String("status", string(job.Status)),
		)
		return false
	}
}

// Retry re-queues a cancelled or failed job and kicks the drain loop.
func (s *Scheduler) Retry(ctx context.Context, jobID string) bool {
	job, ok := s.store.Find(jobID)
	if !ok {
		return false
	}
	if !job.CanRetry() {
		s.logger.Warn("retry refused for job status",
			logging.String(logging.FieldJobID, jobID),
			logging.String("status", string(job.Status)),
		)
		return false
	}
	updated := s.store.Update(jobID, func(j *queue.Job) {
		j.Status = queue.StatusQueued
		j.Progress = 0
		j.ExtractProgress = nil
		j.ErrorMessage = ""
		j.Speed = ""
		j.ETA = ""
	})
	if updated {
		go s.ProcessQueue(ctx)
	}
	return updated
}

// Remove cancels any active work for the job and drops it from the queue.
// Downloaded files stay on disk; DeleteFiles removes both.
func (s *Scheduler) Remove(jobID string) bool {
	if job, ok := s.store.Find(jobID); ok && job.IsActive() {
		s.Cancel(jobID)
	}
	return s.store.Remove(jobID)
}

// DeleteFiles removes the job's local content and then the queue entry. A
// directory already deleted externally is not an error.
func (s *Scheduler) DeleteFiles(jobID string) bool {
	job, ok := s.store.Find(jobID)
	if !ok {
		return false
	}
	if job.IsActive() {
		s.Cancel(jobID)
	}
	if job.LocalPath != "" {
		if err := os.RemoveAll(job.LocalPath); err != nil {
			s.logger.Warn("could not delete job files",
				logging.String(logging.FieldJobID, jobID),
				logging.Error(err),
			)
		}
	}
	return s.store.Remove(jobID)
}
