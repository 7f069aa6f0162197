package testsupport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"ripline/internal/config"
	"ripline/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob builds a pending job with deterministic ids derived from seq.
func NewJob(seq int64, title string) *queue.Job {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Add(time.Duration(seq) * time.Second)
	return &queue.Job{
		ID:         fmt.Sprintf("job-%03d", seq),
		Seq:        seq,
		SourcePath: "/media/" + title,
		OutputDir:  "/library",
		DiscTitle:  title,
		Status:     queue.StatusPending,
		Profile:    queue.Profile{Codec: "av1", Quality: 24, IncludeChapters: true},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// SaveJob persists job or fails the test.
func SaveJob(t testing.TB, store *queue.Store, job *queue.Job) *queue.Job {
	t.Helper()
	if err := store.Save(context.Background(), job); err != nil {
		t.Fatalf("store.Save: %v", err)
	}
	return job
}
