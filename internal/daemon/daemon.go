package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"gantry/internal/config"
	"gantry/internal/logging"
	"gantry/internal/notifications"
	"gantry/internal/preflight"
	"gantry/internal/queue"
	"gantry/internal/workflow"
)

// pollInterval bounds how long an externally appended queue entry waits
// before the daemon notices it.
const pollInterval = 2 * time.Second

// Daemon coordinates the background pipeline and enforces single-instance
// execution.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *queue.Store
	scheduler *workflow.Scheduler
	notifier  *notifications.Coalescer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	Processing   bool
	QueuePath    string
	LockFilePath string
}

// LockPath returns the lock file a running daemon holds. Other processes
// probe it to tell whether a daemon owns the queue file.
func LockPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, "gantryd.lock")
}

// New constructs a daemon with initialized dependencies. notifier may be
// nil, in which case events are discarded.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger, scheduler *workflow.Scheduler, notifier notifications.Service) (*Daemon, error) {
	if cfg == nil || store == nil || scheduler == nil {
		return nil, errors.New("daemon requires config, store, and scheduler")
	}
	if notifier == nil {
		notifier = notifications.NewNop()
	}

	window := time.Duration(cfg.Workflow.NotifyDebounceMs) * time.Millisecond
	lockPath := LockPath(cfg)
	return &Daemon{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "daemon"),
		store:     store,
		scheduler: scheduler,
		notifier:  notifications.NewCoalescer(notifier, window),
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}, nil
}

// Start acquires the daemon lock, wires queue change notifications, and
// launches the queue drain loop.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another gantry daemon instance is already running")
	}

	for _, result := range preflight.RunAll(ctx, d.cfg) {
		if result.Passed {
			continue
		}
		d.logger.Warn("preflight check failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
		)
	}
	for _, status := range preflight.CheckSystemDeps(d.cfg) {
		if status.Available || status.Optional {
			continue
		}
		d.logger.Warn("required tool unavailable",
			logging.String("tool", status.Name),
			logging.String("detail", status.Detail),
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.store.SetOnChange(func(jobs []queue.Job) {
		_ = d.notifier.Publish(runCtx, notifications.EventQueueChanged, snapshotPayload(jobs))
	})

	d.wg.Add(1)
	go d.drainLoop(runCtx)

	d.running.Store(true)
	d.logger.Info("gantry daemon started", logging.String("lock", d.lockPath))
	return nil
}

// drainLoop wakes the scheduler on a fixed interval, importing queue
// entries appended by other processes first.
func (d *Daemon) drainLoop(ctx context.Context) {
	defer d.wg.Done()

	// Drain whatever survived the restart before the first tick.
	d.scheduler.ProcessQueue(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.store.ImportNew()
			d.scheduler.ProcessQueue(ctx)
		}
	}
}

// Stop halts background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	d.store.SetOnChange(nil)
	d.notifier.Close()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("gantry daemon stopped")
}

// Close stops the daemon and flushes the queue.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	return Status{
		Running:      d.running.Load(),
		Processing:   d.scheduler.Processing(),
		QueuePath:    d.store.Path(),
		LockFilePath: d.lockPath,
	}
}

func snapshotPayload(jobs []queue.Job) notifications.Payload {
	entries := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		entry := map[string]any{
			"id":       job.ID,
			"status":   string(job.Status),
			"progress": job.Progress,
		}
		if job.ExtractProgress != nil {
			entry["extractProgress"] = *job.ExtractProgress
		}
		if job.ErrorMessage != "" {
			entry["error"] = job.ErrorMessage
		}
		entries = append(entries, entry)
	}
	return notifications.Payload{"jobs": entries}
}
