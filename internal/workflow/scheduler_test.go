package workflow_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gantry/internal/config"
	"gantry/internal/download"
	"gantry/internal/queue"
	"gantry/internal/testsupport"
	"gantry/internal/workflow"
)

// fakeDownloadStage drives jobs to a scripted terminal status.
type fakeDownloadStage struct {
	mu        sync.Mutex
	store     *queue.Store
	started   []string
	cancelled []string
	outcome   map[string]download.Result
	panicOn   string
	block     chan struct{}
}

func (f *fakeDownloadStage) Start(ctx context.Context, jobID string) download.Result {
	f.mu.Lock()
	f.started = append(f.started, jobID)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if jobID == f.panicOn {
		panic("downloader blew up")
	}
	result := f.outcome[jobID]
	f.store.Update(jobID, func(j *queue.Job) {
		j.Status = queue.StatusDownloading
	})
	if result.Success {
		f.store.Update(jobID, func(j *queue.Job) {
			j.Progress = 100
		})
	} else {
		f.store.Update(jobID, func(j *queue.Job) {
			j.SetFailed("transfer failed")
		})
	}
	return result
}

func (f *fakeDownloadStage) Cancel(jobID string) bool {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, jobID)
	f.mu.Unlock()
	return f.store.Update(jobID, func(j *queue.Job) {
		j.Status = queue.StatusCancelled
	})
}

func (f *fakeDownloadStage) startedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

type fakeExtractionStage struct {
	mu        sync.Mutex
	store     *queue.Store
	started   []string
	cancelled []string
	fail      bool
}

func (f *fakeExtractionStage) Start(ctx context.Context, jobID string) bool {
	f.mu.Lock()
	f.started = append(f.started, jobID)
	f.mu.Unlock()
	f.store.Update(jobID, func(j *queue.Job) {
		j.Status = queue.StatusExtracting
	})
	if f.fail {
		f.store.Update(jobID, func(j *queue.Job) {
			j.SetFailed("extraction failed")
		})
		return false
	}
	f.store.Update(jobID, func(j *queue.Job) {
		j.Status = queue.StatusCompleted
		j.SetExtractProgress(100)
	})
	return true
}

func (f *fakeExtractionStage) Cancel(jobID string) bool {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, jobID)
	f.mu.Unlock()
	return f.store.Update(jobID, func(j *queue.Job) {
		j.Status = queue.StatusCancelled
	})
}

type fakeInstallStage struct {
	started   []string
	cancelled []string
	devices   []string
	ok        bool
}

func (f *fakeInstallStage) Start(ctx context.Context, jobID, deviceID string) bool {
	f.started = append(f.started, jobID)
	f.devices = append(f.devices, deviceID)
	return f.ok
}

func (f *fakeInstallStage) Cancel(jobID string) bool {
	f.cancelled = append(f.cancelled, jobID)
	return true
}

type env struct {
	cfg       *config.Config
	store     *queue.Store
	scheduler *workflow.Scheduler
	download  *fakeDownloadStage
	extract   *fakeExtractionStage
	install   *fakeInstallStage
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.NewStore(t, cfg)
	dl := &fakeDownloadStage{store: store, outcome: map[string]download.Result{}}
	ex := &fakeExtractionStage{store: store}
	in := &fakeInstallStage{ok: true}
	return &env{
		cfg:       cfg,
		store:     store,
		scheduler: workflow.New(store, nil, dl, ex, in),
		download:  dl,
		extract:   ex,
		install:   in,
	}
}

func (e *env) addJob(t *testing.T, id string) {
	t.Helper()
	if err := e.store.Add(queue.NewJob(id, "com.example."+id)); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func TestProcessQueueDrainsInOrder(t *testing.T) {
	e := newEnv(t)
	e.addJob(t, "first")
	e.addJob(t, "second")
	e.download.outcome["first"] = download.Result{Success: true, ShouldExtract: true}
	e.download.outcome["second"] = download.Result{Success: true, ShouldExtract: true}

	e.scheduler.ProcessQueue(context.Background())

	started := e.download.startedJobs()
	if len(started) != 2 || started[0] != "first" || started[1] != "second" {
		t.Fatalf("started = %v, want [first second]", started)
	}
	for _, id := range []string{"first", "second"} {
		job, _ := e.store.Find(id)
		if job.Status != queue.StatusCompleted {
			t.Fatalf("job %s status = %s, want completed", id, job.Status)
		}
	}
	if e.scheduler.Processing() {
		t.Fatal("scheduler should be idle after draining")
	}
}

func TestProcessQueueSkipsExtractionWhenNotRequested(t *testing.T) {
	e := newEnv(t)
	e.addJob(t, "failing")
	e.download.outcome["failing"] = download.Result{}

	e.scheduler.ProcessQueue(context.Background())

	if len(e.extract.started) != 0 {
		t.Fatalf("extraction started for %v, want none", e.extract.started)
	}
	job, _ := e.store.Find("failing")
	if job.Status != queue.StatusError {
		t.Fatalf("status = %s, want error", job.Status)
	}
}

func TestProcessQueueNoOpWhileProcessing(t *testing.T) {
	e := newEnv(t)
	e.addJob(t, "slow")
	e.download.outcome["slow"] = download.Result{Success: true, ShouldExtract: false}
	e.download.block = make(chan struct{})

	go e.scheduler.ProcessQueue(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for !e.scheduler.Processing() {
		if time.Now().After(deadline) {
			t.Fatal("scheduler never entered processing")
		}
		time.Sleep(time.Millisecond)
	}

	// Re-entry while busy must not start a second run.
	e.scheduler.ProcessQueue(context.Background())
	if got := len(e.download.startedJobs()); got != 1 {
		t.Fatalf("started %d jobs, want 1", got)
	}
	close(e.download.block)
}

func TestPanicMarksJobAndKeepsDraining(t *testing.T) {
	e := newEnv(t)
	e.addJob(t, "doomed")
	e.addJob(t, "next")
	e.download.panicOn = "doomed"
	e.download.outcome["next"] = download.Result{Success: true, ShouldExtract: true}

	e.scheduler.ProcessQueue(context.Background())

	doomed, _ := e.store.Find("doomed")
	if doomed.Status != queue.StatusError {
		t.Fatalf("doomed status = %s, want error", doomed.Status)
	}
	next, _ := e.store.Find("next")
	if next.Status != queue.StatusCompleted {
		t.Fatalf("next status = %s, want completed", next.Status)
	}
}

func TestCancelRoutesByStatus(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"dl", "ex", "in"} {
		e.addJob(t, id)
	}
	e.store.Update("dl", func(j *queue.Job) { j.Status = queue.StatusDownloading })
	e.store.Update("ex", func(j *queue.Job) { j.Status = queue.StatusDownloading })
	e.store.Update("ex", func(j *queue.Job) { j.Status = queue.StatusExtracting })
	e.store.Update("in", func(j *queue.Job) { j.Status = queue.StatusDownloading })
	e.store.Update("in", func(j *queue.Job) { j.Status = queue.StatusCompleted })
	e.store.Update("in", func(j *queue.Job) { j.Status = queue.StatusInstalling })

	if !e.scheduler.Cancel("dl") {
		t.Fatal("cancel dl failed")
	}
	if !e.scheduler.Cancel("ex") {
		t.Fatal("cancel ex failed")
	}
	if !e.scheduler.Cancel("in") {
		t.Fatal("cancel in failed")
	}
	if len(e.download.cancelled) != 1 || e.download.cancelled[0] != "dl" {
		t.Fatalf("download cancels = %v", e.download.cancelled)
	}
	if len(e.extract.cancelled) != 1 || e.extract.cancelled[0] != "ex" {
		t.Fatalf("extract cancels = %v", e.extract.cancelled)
	}
	if len(e.install.cancelled) != 1 || e.install.cancelled[0] != "in" {
		t.Fatalf("install cancels = %v", e.install.cancelled)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	e := newEnv(t)
	e.addJob(t, "waiting")

	if !e.scheduler.Cancel("waiting") {
		t.Fatal("cancel failed")
	}
	job, _ := e.store.Find("waiting")
	if job.Status != queue.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}
	if len(e.download.cancelled) != 0 {
		t.Fatal("queued cancel must not reach a processor")
	}
}

func TestCancelRefusedForTerminalStatus(t *testing.T) {
	e := newEnv(t)
	e.addJob(t, "done")
	e.store.Update("done", func(j *queue.Job) { j.Status = queue.StatusDownloading })
	e.store.Update("done", func(j *queue.Job) { j.Status = queue.StatusCompleted })

	if e.scheduler.Cancel("done") {
		t.Fatal("cancel of a completed job should be refused")
	}
}

func TestRetryResetsJobState(t *testing.T) {
	e := newEnv(t)
	e.addJob(t, "flaky")
	e.store.Update("flaky", func(j *queue.Job) { j.Status = queue.StatusDownloading })
	e.store.Update("flaky", func(j *queue.Job) {
		j.Progress = 42
		j.Speed = "1 MiB/s"
		j.ETA = "5m"
		j.SetFailed("transfer failed")
	})
	e.download.outcome["flaky"] = download.Result{Success: true, ShouldExtract: false}

	if !e.scheduler.Retry(context.Background(), "flaky") {
		t.Fatal("retry failed")
	}

	waitFor(t, func() bool {
		job, ok := e.store.Find("flaky")
		return ok && job.Status != queue.StatusQueued
	})
	job, _ := e.store.Find("flaky")
	if job.ErrorMessage != "" || job.ExtractProgress != nil {
		t.Fatalf("retry did not reset job: %+v", job)
	}
}

func TestRetryRefusedUnlessCancelledOrError(t *testing.T) {
	e := newEnv(t)
	e.addJob(t, "busy")
	e.store.Update("busy", func(j *queue.Job) { j.Status = queue.StatusDownloading })

	if e.scheduler.Retry(context.Background(), "busy") {
		t.Fatal("retry of a downloading job should be refused")
	}
	e.addJob(t, "fresh")
	if e.scheduler.Retry(context.Background(), "fresh") {
		t.Fatal("retry of a queued job should be refused")
	}
}

func TestInstallOnDemand(t *testing.T) {
	e := newEnv(t)
	e.addJob(t, "ready")
	e.store.Update("ready", func(j *queue.Job) { j.Status = queue.StatusDownloading })
	e.store.Update("ready", func(j *queue.Job) { j.Status = queue.StatusCompleted })

	if !e.scheduler.Install(context.Background(), "ready", "dev1") {
		t.Fatal("install failed")
	}
	if len(e.install.started) != 1 || e.install.devices[0] != "dev1" {
		t.Fatalf("install calls = %v on %v", e.install.started, e.install.devices)
	}

	e.addJob(t, "notready")
	if e.scheduler.Install(context.Background(), "notready", "dev1") {
		t.Fatal("install of a queued job should be refused")
	}
}

func TestRemoveCancelsActiveJob(t *testing.T) {
	e := newEnv(t)
	e.addJob(t, "active")
	e.store.Update("active", func(j *queue.Job) { j.Status = queue.StatusDownloading })

	if !e.scheduler.Remove("active") {
		t.Fatal("remove failed")
	}
	if len(e.download.cancelled) != 1 {
		t.Fatal("active job must be cancelled before removal")
	}
	if _, ok := e.store.Find("active"); ok {
		t.Fatal("job should be gone from the queue")
	}
}

func TestDeleteFilesRemovesContentAndEntry(t *testing.T) {
	e := newEnv(t)
	e.addJob(t, "payload")
	localPath := filepath.Join(e.cfg.Paths.DownloadDir, "payload")
	if err := os.MkdirAll(localPath, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(localPath, "game.apk"), []byte("apk"), 0o644); err != nil {
		t.Fatal(err)
	}
	e.store.Update("payload", func(j *queue.Job) {
		j.Status = queue.StatusDownloading
		j.LocalPath = localPath
	})
	e.store.Update("payload", func(j *queue.Job) { j.Status = queue.StatusCompleted })

	if !e.scheduler.DeleteFiles("payload") {
		t.Fatal("delete files failed")
	}
	if _, err := os.Stat(localPath); !os.IsNotExist(err) {
		t.Fatal("local content should be deleted")
	}
	if _, ok := e.store.Find("payload"); ok {
		t.Fatal("job should be gone from the queue")
	}
}

func TestDeleteFilesToleratesMissingDirectory(t *testing.T) {
	e := newEnv(t)
	e.addJob(t, "ghost")
	e.store.Update("ghost", func(j *queue.Job) {
		j.Status = queue.StatusDownloading
		j.LocalPath = filepath.Join(e.cfg.Paths.DownloadDir, "ghost")
	})
	e.store.Update("ghost", func(j *queue.Job) { j.Status = queue.StatusCompleted })

	if !e.scheduler.DeleteFiles("ghost") {
		t.Fatal("delete files should succeed for an already-deleted directory")
	}
	if _, ok := e.store.Find("ghost"); ok {
		t.Fatal("job should be gone from the queue")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func TestInstallRefusedWhilePipelineBusy(t *testing.T) {
	e := newEnv(t)
	e.addJob(t, "ready")
	e.store.Update("ready", func(j *queue.Job) { j.Status = queue.StatusDownloading })
	e.store.Update("ready", func(j *queue.Job) { j.Status = queue.StatusCompleted })

	e.addJob(t, "slow")
	e.download.outcome["slow"] = download.Result{Success: true, ShouldExtract: false}
	e.download.block = make(chan struct{})

	go e.scheduler.ProcessQueue(context.Background())
	waitFor(t, e.scheduler.Processing)

	if e.scheduler.Install(context.Background(), "ready", "dev1") {
		t.Fatal("install must be refused while a download holds the pipeline slot")
	}
	if len(e.install.started) != 0 {
		t.Fatalf("install stage ran for %v while pipeline busy", e.install.started)
	}

	close(e.download.block)
	waitFor(t, func() bool { return !e.scheduler.Processing() })

	if !e.scheduler.Install(context.Background(), "ready", "dev1") {
		t.Fatal("install should succeed once the pipeline is idle")
	}
}
