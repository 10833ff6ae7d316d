package memory

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/infra/storage"
	"github.com/vietddude/keyproxy/internal/infra/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.RunStore(t, func(t *testing.T) storage.Store {
		return NewMemoryStorage()
	})
}

func TestJobRepo(t *testing.T) {
	storagetest.RunJobRepository(t, func(t *testing.T) storage.JobRepository {
		return NewJobRepo()
	})
}

func TestJobRepo_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewJobRepo()
	r.now = func() time.Time { return now }

	job := &domain.Job{ID: "job-1", Status: domain.JobStatusPending}
	if _, _, err := r.Enqueue(ctx, "idem", job, time.Minute); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	now = now.Add(2 * time.Minute)

	if _, err := r.Load(ctx, "job-1"); err != storage.ErrNotFound {
		t.Errorf("Load() after ttl error = %v, want %v", err, storage.ErrNotFound)
	}
	got, err := r.Dequeue(ctx)
	if err != nil || got != nil {
		t.Errorf("Dequeue() after ttl = %v, %v, want nil, nil", got, err)
	}

	id, created, err := r.Enqueue(ctx, "idem", &domain.Job{ID: "job-2"}, time.Minute)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !created || id != "job-2" {
		t.Errorf("Enqueue() after ttl = %s, %v, want job-2, true", id, created)
	}
}
