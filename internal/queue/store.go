package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"gantry/internal/fileutil"
	"gantry/internal/logging"
)

// Store is the durable queue. Reads are served from memory; mutations
// schedule a coalesced write-back of the whole file. Durability is
// at-most-once: a failed save is logged and the in-memory state stands.
type Store struct {
	path      string
	saveDelay time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	jobs      []*Job
	saveTimer *time.Timer
	closed    bool
	onChange  func([]Job)
}

// Open loads the queue file at path and returns a ready store. A missing or
// corrupt file yields an empty queue. Jobs whose local path vanished are
// discarded, and jobs interrupted mid-stage are demoted so the scheduler can
// pick them up again.
func Open(path string, saveDelay time.Duration, logger *slog.Logger) (*Store, error) {
	store := newStore(path, saveDelay, logger)
	store.load(true)
	if err := store.Flush(); err != nil {
		return nil, err
	}
	return store, nil
}

// OpenShared loads the queue file without restart recovery and without
// rewriting it. For processes that edit a file a daemon may own; interrupted
// and orphaned entries are the daemon's to clean up.
func OpenShared(path string, saveDelay time.Duration, logger *slog.Logger) (*Store, error) {
	store := newStore(path, saveDelay, logger)
	store.load(false)
	return store, nil
}

func newStore(path string, saveDelay time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	if saveDelay <= 0 {
		saveDelay = time.Second
	}
	return &Store{
		path:      path,
		saveDelay: saveDelay,
		logger:    logger.With(logging.String(logging.FieldComponent, "queue")),
	}
}

func (s *Store) load(recover bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("queue file unreadable, starting empty", logging.Error(err))
		}
		return
	}

	var loaded []*Job
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn("queue file corrupt, starting empty", logging.Error(err))
		return
	}

	kept := make([]*Job, 0, len(loaded))
	for _, job := range loaded {
		if job == nil || job.ID == "" {
			continue
		}
		if recover {
			if job.LocalPath != "" && !fileutil.PathExists(job.LocalPath) {
				s.logger.Info("dropping orphaned job, local path missing",
					logging.String(logging.FieldJobID, job.ID),
					logging.String("local_path", job.LocalPath),
				)
				continue
			}
			s.recoverInterrupted(job)
		}
		kept = append(kept, job)
	}
	s.jobs = kept
}

// recoverInterrupted demotes jobs whose subprocess cannot survive a restart.
// Installing content is already extracted, so it falls back to completed and
// can be reinstalled on demand.
func (s *Store) recoverInterrupted(job *Job) {
	switch job.Status {
	case StatusDownloading, StatusExtracting:
		s.logger.Info("demoting interrupted job to queued",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("previous_status", string(job.Status)),
		)
		job.Status = StatusQueued
		job.Progress = 0
		job.ExtractProgress = nil
		job.ErrorMessage = ""
		job.Speed = ""
		job.ETA = ""
		job.PID = 0
	case StatusInstalling:
		job.Status = StatusCompleted
		job.PID = 0
	}
}

// SetOnChange registers a callback invoked with a full snapshot after every
// mutation. Used by the notification layer; must not block.
func (s *Store) SetOnChange(fn func([]Job)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Add appends a job to the queue. Duplicate IDs are rejected.
func (s *Store) Add(job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("queue: job id required")
	}
	s.mu.Lock()
	if s.indexOfLocked(job.ID) >= 0 {
		s.mu.Unlock()
		return errors.New("queue: job already exists: " + job.ID)
	}
	cp := *job
	s.jobs = append(s.jobs, &cp)
	s.scheduleSaveLocked()
	snapshot := s.snapshotLocked()
	onChange := s.onChange
	s.mu.Unlock()

	s.emit(onChange, snapshot)
	return nil
}

// Remove deletes the job with the given id, reporting whether it existed.
func (s *Store) Remove(id string) bool {
	return s.RemoveWhere(func(job Job) bool { return job.ID == id })
}

// RemoveWhere deletes every job matching the predicate, reporting whether
// anything was removed.
func (s *Store) RemoveWhere(pred func(Job) bool) bool {
	s.mu.Lock()
	kept := s.jobs[:0]
	removed := false
	for _, job := range s.jobs {
		if pred(*job) {
			removed = true
			continue
		}
		kept = append(kept, job)
	}
	s.jobs = kept
	var snapshot []Job
	var onChange func([]Job)
	if removed {
		s.scheduleSaveLocked()
		snapshot = s.snapshotLocked()
		onChange = s.onChange
	}
	s.mu.Unlock()

	if removed {
		s.emit(onChange, snapshot)
	}
	return removed
}

// Find returns a copy of the job with the given id.
func (s *Store) Find(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOfLocked(id); i >= 0 {
		return *s.jobs[i], true
	}
	return Job{}, false
}

// NextQueued returns the first queued job in insertion order.
func (s *Store) NextQueued() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Status == StatusQueued {
			return *job, true
		}
	}
	return Job{}, false
}

// List returns a snapshot of every job in insertion order.
func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Update applies mutate to the job with the given id and re-establishes the
// model invariants: percentages clamped, process handle cleared outside
// active stages, error cleared on re-queue, and illegal status transitions
// dropped with a warning. Returns whether the job existed.
func (s *Store) Update(id string, mutate func(*Job)) bool {
	s.mu.Lock()
	i := s.indexOfLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	job := s.jobs[i]
	previous := job.Status
	mutate(job)

	if job.Status != previous && !ValidTransition(previous, job.Status) {
		s.logger.Warn("rejecting illegal status transition",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("from", string(previous)),
			logging.String("to", string(job.Status)),
		)
		job.Status = previous
	}
	applyInvariants(job)

	s.scheduleSaveLocked()
	snapshot := s.snapshotLocked()
	onChange := s.onChange
	s.mu.Unlock()

	s.emit(onChange, snapshot)
	return true
}

// Snapshot reads the queue file at path without opening a store. Used for
// read-only inspection while another process owns the file.
func Snapshot(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue: %w", err)
	}
	var loaded []Job
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse queue: %w", err)
	}
	out := make([]Job, 0, len(loaded))
	for _, job := range loaded {
		if job.ID == "" {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// ImportNew re-reads the queue file and folds in changes made by another
// process (the CLI). The daemon polls this instead of holding an IPC channel.
// Unknown queued IDs are appended; known jobs adopt a file-side re-queue from
// a retryable state, and file-side install outcomes for jobs this store holds
// as installable. Otherwise in-memory jobs win.
func (s *Store) ImportNew() int {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0
	}
	var loaded []*Job
	if err := json.Unmarshal(data, &loaded); err != nil {
		return 0
	}

	s.mu.Lock()
	added := 0
	for _, job := range loaded {
		if job == nil || job.ID == "" {
			continue
		}
		if idx := s.indexOfLocked(job.ID); idx >= 0 {
			if s.mergeExternalLocked(s.jobs[idx], job) {
				added++
			}
			continue
		}
		if job.Status != StatusQueued {
			continue
		}
		applyInvariants(job)
		s.jobs = append(s.jobs, job)
		added++
	}
	var snapshot []Job
	var onChange func([]Job)
	if added > 0 {
		s.scheduleSaveLocked()
		snapshot = s.snapshotLocked()
		onChange = s.onChange
	}
	s.mu.Unlock()

	if added > 0 {
		s.logger.Info("imported external queue edits", logging.Int("count", added))
		s.emit(onChange, snapshot)
	}
	return added
}

// mergeExternalLocked folds a file-side edit into a job this store already
// holds. Two edits are adopted: a re-queue of a retryable job, and an install
// outcome written while the job sat in an installable state. A debounced save
// from another job's progress would otherwise rewrite the file from a stale
// snapshot and drop the edit.
func (s *Store) mergeExternalLocked(existing, loaded *Job) bool {
	if loaded.Status == StatusQueued && existing.CanRetry() {
		existing.Status = StatusQueued
		existing.Progress = 0
		existing.ExtractProgress = nil
		existing.ErrorMessage = ""
		existing.Speed = ""
		existing.ETA = ""
		return true
	}
	installable := existing.Status == StatusCompleted || existing.Status == StatusInstallError
	outcome := loaded.Status == StatusCompleted || loaded.Status == StatusInstallError
	if installable && outcome && loaded.Status != existing.Status {
		existing.Status = loaded.Status
		existing.Progress = loaded.Progress
		existing.ErrorMessage = loaded.ErrorMessage
		return true
	}
	return false
}

// Flush persists the queue synchronously and cancels any pending save.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(s.path, data, 0o644)
}

// Close flushes outstanding writes and stops the save timer.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush()
}

// Path returns the queue file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) indexOfLocked(id string) int {
	for i, job := range s.jobs {
		if job.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) snapshotLocked() []Job {
	out := make([]Job, len(s.jobs))
	for i, job := range s.jobs {
		out[i] = *job
	}
	return out
}

func (s *Store) scheduleSaveLocked() {
	if s.closed || s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(s.saveDelay, func() {
		s.mu.Lock()
		s.saveTimer = nil
		s.mu.Unlock()
		if err := s.Flush(); err != nil {
			s.logger.Warn("queue save failed", logging.Error(err))
		}
	})
}

func (s *Store) emit(onChange func([]Job), snapshot []Job) {
	if onChange != nil {
		onChange(snapshot)
	}
}

func applyInvariants(job *Job) {
	job.Progress = clampPercent(job.Progress)
	if job.ExtractProgress != nil {
		clamped := clampPercent(*job.ExtractProgress)
		job.ExtractProgress = &clamped
	}
	switch job.Status {
	case StatusExtracting, StatusCompleted:
	default:
		job.ExtractProgress = nil
	}
	if !job.IsActive() {
		job.PID = 0
	}
	if job.Status == StatusQueued {
		job.ErrorMessage = ""
	}
}
