package testsupport

import (
	"testing"

	"foreman/internal/config"
	"foreman/internal/queue"
)

// MustOpenStore opens the queue store for the given config and registers
// cleanup, failing the test on error.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg.StorePath())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}
