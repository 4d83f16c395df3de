// Package workflow drives queued jobs through the download, extraction and
// install stages.
//
// The Scheduler drains the queue one job at a time: a single pipeline slot is
// enforced with an atomic flag, so a second drain request while a job is
// mid-stage is a no-op. Download and extraction run back to back for each
// job; install runs only on demand against a connected device. Cancellation
// is routed to whichever stage currently owns the job.
package workflow
