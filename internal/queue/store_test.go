package queue_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gantry/internal/queue"
)

func openStore(t *testing.T, path string) *queue.Store {
	t.Helper()
	store, err := queue.Open(path, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "queue.json"))
	if jobs := store.List(); len(jobs) != 0 {
		t.Fatalf("expected empty queue, got %d jobs", len(jobs))
	}
}

func TestOpenCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := openStore(t, path)
	if jobs := store.List(); len(jobs) != 0 {
		t.Fatalf("expected empty queue after corrupt load, got %d", len(jobs))
	}
}

func TestOpenDemotesInterruptedDownload(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "game-v1")
	if err := os.MkdirAll(local, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "queue.json")
	jobs := []*queue.Job{{
		ID:        "game-v1",
		Status:    queue.StatusDownloading,
		Progress:  40,
		PID:       1234,
		LocalPath: local,
		AddedAt:   time.Now().UTC(),
	}}
	data, _ := json.Marshal(jobs)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	store := openStore(t, path)
	job, ok := store.Find("game-v1")
	if !ok {
		t.Fatal("expected job to survive restart")
	}
	if job.Status != queue.StatusQueued {
		t.Fatalf("expected queued after restart, got %s", job.Status)
	}
	if job.Progress != 0 || job.PID != 0 {
		t.Fatalf("expected progress and pid reset, got %d/%d", job.Progress, job.PID)
	}
}

func TestOpenDropsOrphanedJobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	jobs := []*queue.Job{{
		ID:        "gone-v1",
		Status:    queue.StatusCompleted,
		LocalPath: filepath.Join(dir, "deleted-elsewhere"),
		AddedAt:   time.Now().UTC(),
	}}
	data, _ := json.Marshal(jobs)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	store := openStore(t, path)
	if _, ok := store.Find("gone-v1"); ok {
		t.Fatal("expected orphaned job to be discarded")
	}
}

func TestAddRejectsDuplicateID(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "queue.json"))
	if err := store.Add(queue.NewJob("demo-v1", "com.example.demo")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Add(queue.NewJob("demo-v1", "com.example.demo")); err == nil {
		t.Fatal("expected duplicate rejection")
	}
}

func TestUpdateClampsAndClears(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "queue.json"))
	if err := store.Add(queue.NewJob("demo-v1", "com.example.demo")); err != nil {
		t.Fatal(err)
	}

	store.Update("demo-v1", func(j *queue.Job) {
		j.Status = queue.StatusDownloading
		j.Progress = 150
		j.PID = 99
	})
	job, _ := store.Find("demo-v1")
	if job.Progress != 100 {
		t.Fatalf("expected clamped progress, got %d", job.Progress)
	}
	if job.PID != 99 {
		t.Fatalf("expected pid retained while active, got %d", job.PID)
	}

	store.Update("demo-v1", func(j *queue.Job) {
		j.Status = queue.StatusError
		j.ErrorMessage = "boom"
	})
	job, _ = store.Find("demo-v1")
	if job.PID != 0 {
		t.Fatal("expected pid cleared when leaving active stage")
	}

	store.Update("demo-v1", func(j *queue.Job) {
		j.Status = queue.StatusQueued
	})
	job, _ = store.Find("demo-v1")
	if job.ErrorMessage != "" {
		t.Fatal("expected error cleared on re-queue")
	}
}

func TestUpdateRejectsIllegalTransition(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "queue.json"))
	job := queue.NewJob("demo-v1", "com.example.demo")
	job.Status = queue.StatusCompleted
	if err := store.Add(job); err != nil {
		t.Fatal(err)
	}

	store.Update("demo-v1", func(j *queue.Job) {
		j.Status = queue.StatusDownloading
	})
	got, _ := store.Find("demo-v1")
	if got.Status != queue.StatusCompleted {
		t.Fatalf("expected completed -> downloading to be rejected, got %s", got.Status)
	}
}

func TestExtractProgressClearedOutsideExtraction(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "queue.json"))
	job := queue.NewJob("demo-v1", "com.example.demo")
	job.Status = queue.StatusDownloading
	if err := store.Add(job); err != nil {
		t.Fatal(err)
	}

	store.Update("demo-v1", func(j *queue.Job) {
		j.Status = queue.StatusExtracting
		j.SetExtractProgress(42)
	})
	got, _ := store.Find("demo-v1")
	if got.ExtractProgress == nil || *got.ExtractProgress != 42 {
		t.Fatal("expected extract progress retained while extracting")
	}

	store.Update("demo-v1", func(j *queue.Job) {
		j.Status = queue.StatusError
	})
	got, _ = store.Find("demo-v1")
	if got.ExtractProgress != nil {
		t.Fatal("expected extract progress cleared outside extracting/completed")
	}
}

func TestDebouncedSavePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	store := openStore(t, path)
	if err := store.Add(queue.NewJob("demo-v1", "com.example.demo")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil {
			var jobs []queue.Job
			if json.Unmarshal(data, &jobs) == nil && len(jobs) == 1 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("debounced save never landed")
}

func TestRemoveWhere(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "queue.json"))
	for _, id := range []string{"a-v1", "b-v1", "c-v1"} {
		if err := store.Add(queue.NewJob(id, "")); err != nil {
			t.Fatal(err)
		}
	}
	if !store.RemoveWhere(func(j queue.Job) bool { return j.ID != "b-v1" }) {
		t.Fatal("expected removals")
	}
	jobs := store.List()
	if len(jobs) != 1 || jobs[0].ID != "b-v1" {
		t.Fatalf("unexpected survivors: %+v", jobs)
	}
	if store.Remove("nope") {
		t.Fatal("expected remove of unknown id to report false")
	}
}

func TestNextQueuedInsertionOrder(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "queue.json"))
	first := queue.NewJob("first-v1", "")
	first.Status = queue.StatusCompleted
	if err := store.Add(first); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"second-v1", "third-v1"} {
		if err := store.Add(queue.NewJob(id, "")); err != nil {
			t.Fatal(err)
		}
	}
	next, ok := store.NextQueued()
	if !ok || next.ID != "second-v1" {
		t.Fatalf("expected second-v1 next, got %+v ok=%v", next, ok)
	}
}

func TestImportNewPicksUpExternalAdds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	store := openStore(t, path)
	if err := store.Add(queue.NewJob("resident-v3", "com.example.resident")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Another process appends to the file.
	external := openStore(t, path)
	if err := external.Add(queue.NewJob("visitor-v1", "com.example.visitor")); err != nil {
		t.Fatalf("Add external: %v", err)
	}
	if err := external.Flush(); err != nil {
		t.Fatalf("Flush external: %v", err)
	}

	if added := store.ImportNew(); added != 1 {
		t.Fatalf("ImportNew = %d, want 1", added)
	}
	if _, ok := store.Find("visitor-v1"); !ok {
		t.Fatal("imported job not found")
	}
	// Re-import is a no-op.
	if added := store.ImportNew(); added != 0 {
		t.Fatalf("second ImportNew = %d, want 0", added)
	}
}

func TestImportNewIgnoresNonQueued(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	store := openStore(t, path)
	done := queue.NewJob("done-v1", "com.example.done")
	done.Status = queue.StatusCompleted
	data, err := json.Marshal([]*queue.Job{done})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if added := store.ImportNew(); added != 0 {
		t.Fatalf("ImportNew = %d, want 0 for non-queued entries", added)
	}
}

func TestImportNewAdoptsExternalRetry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	store := openStore(t, path)
	if err := store.Add(queue.NewJob("crashed-v1", "com.example.crashed")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	store.Update("crashed-v1", func(j *queue.Job) {
		j.Status = queue.StatusDownloading
		j.Progress = 40
	})
	store.Update("crashed-v1", func(j *queue.Job) {
		j.SetFailed("transfer failed")
	})
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Another process re-queues the failed job on disk.
	requeued := queue.NewJob("crashed-v1", "com.example.crashed")
	data, err := json.Marshal([]*queue.Job{requeued})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if added := store.ImportNew(); added != 1 {
		t.Fatalf("ImportNew = %d, want 1", added)
	}
	job, ok := store.Find("crashed-v1")
	if !ok {
		t.Fatal("job missing after import")
	}
	if job.Status != queue.StatusQueued {
		t.Fatalf("Status = %s, want queued", job.Status)
	}
	if job.Progress != 0 || job.ErrorMessage != "" {
		t.Fatalf("retry state not reset: progress=%d error=%q", job.Progress, job.ErrorMessage)
	}
}

func TestImportNewAdoptsInstallOutcome(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	store := openStore(t, path)
	if err := store.Add(queue.NewJob("shelved-v2", "com.example.shelved")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	store.Update("shelved-v2", func(j *queue.Job) {
		j.Status = queue.StatusDownloading
	})
	store.Update("shelved-v2", func(j *queue.Job) {
		j.Status = queue.StatusCompleted
		j.Progress = 100
	})
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Another process ran the install and recorded the failure on disk.
	failed := queue.NewJob("shelved-v2", "com.example.shelved")
	failed.Status = queue.StatusInstallError
	failed.Progress = 100
	failed.ErrorMessage = "device unauthorized"
	data, err := json.Marshal([]*queue.Job{failed})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if added := store.ImportNew(); added != 1 {
		t.Fatalf("ImportNew = %d, want 1", added)
	}
	job, _ := store.Find("shelved-v2")
	if job.Status != queue.StatusInstallError {
		t.Fatalf("Status = %s, want install_error", job.Status)
	}
	if job.ErrorMessage != "device unauthorized" {
		t.Fatalf("ErrorMessage = %q", job.ErrorMessage)
	}
}

func TestImportNewKeepsActiveJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	store := openStore(t, path)
	if err := store.Add(queue.NewJob("busy-v1", "com.example.busy")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	store.Update("busy-v1", func(j *queue.Job) {
		j.Status = queue.StatusDownloading
		j.Progress = 10
	})

	stale := queue.NewJob("busy-v1", "com.example.busy")
	data, err := json.Marshal([]*queue.Job{stale})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if added := store.ImportNew(); added != 0 {
		t.Fatalf("ImportNew = %d, want 0 for active job", added)
	}
	job, _ := store.Find("busy-v1")
	if job.Status != queue.StatusDownloading {
		t.Fatalf("Status = %s, want downloading", job.Status)
	}
}

func TestSnapshotReadsWithoutStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	store := openStore(t, path)
	if err := store.Add(queue.NewJob("peek-v1", "com.example.peek")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	jobs, err := queue.Snapshot(path)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "peek-v1" {
		t.Fatalf("unexpected snapshot: %+v", jobs)
	}

	missing, err := queue.Snapshot(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Snapshot missing file: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing file, got %+v", missing)
	}
}

func TestOpenSharedSkipsRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	active := queue.NewJob("live-v1", "com.example.live")
	active.Status = queue.StatusDownloading
	active.Progress = 55
	active.LocalPath = filepath.Join(t.TempDir(), "missing")
	data, err := json.Marshal([]*queue.Job{active})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := queue.OpenShared(path, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("OpenShared: %v", err)
	}
	job, ok := store.Find("live-v1")
	if !ok {
		t.Fatal("active job dropped")
	}
	if job.Status != queue.StatusDownloading || job.Progress != 55 {
		t.Fatalf("job rewritten: %+v", job)
	}
}
