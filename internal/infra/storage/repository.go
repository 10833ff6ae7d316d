package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/keyproxy/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("record not found")
)

// JobRepository handles async job storage and queueing
type JobRepository interface {
	// Enqueue stores job and queues it, unless idemKey already maps to a job.
	// It returns the id the key maps to and whether job was newly queued.
	Enqueue(ctx context.Context, idemKey string, job *domain.Job, ttl time.Duration) (string, bool, error)

	// Save overwrites a stored job
	Save(ctx context.Context, job *domain.Job, ttl time.Duration) error

	// Load retrieves a job by id, or ErrNotFound
	Load(ctx context.Context, id string) (*domain.Job, error)

	// Dequeue pops the oldest queued job. It returns nil when the queue is empty.
	Dequeue(ctx context.Context) (*domain.Job, error)
}
