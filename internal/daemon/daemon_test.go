package daemon_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"gantry/internal/config"
	"gantry/internal/daemon"
	"gantry/internal/download"
	"gantry/internal/queue"
	"gantry/internal/testsupport"
	"gantry/internal/workflow"
)

type completingDownload struct {
	mu      sync.Mutex
	store   *queue.Store
	started []string
}

func (f *completingDownload) Start(ctx context.Context, jobID string) download.Result {
	f.mu.Lock()
	f.started = append(f.started, jobID)
	f.mu.Unlock()
	f.store.Update(jobID, func(j *queue.Job) { j.Status = queue.StatusDownloading })
	f.store.Update(jobID, func(j *queue.Job) { j.Status = queue.StatusCompleted })
	return download.Result{Success: true}
}

func (f *completingDownload) Cancel(jobID string) bool { return false }

func (f *completingDownload) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type noopExtract struct{}

func (noopExtract) Start(ctx context.Context, jobID string) bool { return true }
func (noopExtract) Cancel(jobID string) bool                     { return false }

type noopInstall struct{}

func (noopInstall) Start(ctx context.Context, jobID, deviceID string) bool { return true }
func (noopInstall) Cancel(jobID string) bool                               { return false }

func newDaemon(t *testing.T) (*daemon.Daemon, *config.Config, *queue.Store, *completingDownload) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatal(err)
	}
	store := testsupport.NewStore(t, cfg)
	dl := &completingDownload{store: store}
	scheduler := workflow.New(store, nil, dl, noopExtract{}, noopInstall{})

	d, err := daemon.New(cfg, store, nil, scheduler, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	return d, cfg, store, dl
}

func TestStartDrainsQueueAndStops(t *testing.T) {
	d, _, store, dl := newDaemon(t)
	if err := store.Add(queue.NewJob("startup-v1", "com.example.startup")); err != nil {
		t.Fatal(err)
	}

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for dl.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("queued job never processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	status := d.Status()
	if !status.Running {
		t.Fatal("status should report running")
	}
	d.Stop()
	if d.Status().Running {
		t.Fatal("status should report stopped")
	}
}

func TestSecondInstanceRefused(t *testing.T) {
	d, cfg, store, _ := newDaemon(t)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	dl := &completingDownload{store: store}
	scheduler := workflow.New(store, nil, dl, noopExtract{}, noopInstall{})
	second, err := daemon.New(cfg, store, nil, scheduler, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("second instance should be refused")
	}
}

func TestStartWhileRunningRefused(t *testing.T) {
	d, _, _, _ := newDaemon(t)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	if err := d.Start(context.Background()); err == nil {
		t.Fatal("starting a running daemon should fail")
	}
}

func TestStopWithoutStart(t *testing.T) {
	d, _, _, _ := newDaemon(t)
	d.Stop()
}
