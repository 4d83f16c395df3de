package testsupport

import (
	"testing"
	"time"

	"gantry/internal/config"
	"gantry/internal/queue"
)

// NewStore opens a queue store against the config's queue path with a short
// save debounce suitable for tests.
func NewStore(t *testing.T, cfg *config.Config) *queue.Store {
	t.Helper()
	store, err := queue.Open(cfg.Paths.QueuePath, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
