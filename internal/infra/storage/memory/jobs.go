package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/infra/storage"
)

type expiring struct {
	value     []byte
	expiresAt time.Time
}

func (e expiring) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// JobRepo is a process-local storage.JobRepository.
type JobRepo struct {
	idem  map[string]expiring
	jobs  map[string]expiring
	queue []string
	now   func() time.Time
	mu    sync.Mutex
}

func NewJobRepo() *JobRepo {
	return &JobRepo{
		idem: make(map[string]expiring),
		jobs: make(map[string]expiring),
		now:  time.Now,
	}
}

var _ storage.JobRepository = (*JobRepo)(nil)

func (r *JobRepo) Enqueue(
	ctx context.Context,
	idemKey string,
	job *domain.Job,
	ttl time.Duration,
) (string, bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal job: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if e, ok := r.idem[idemKey]; ok && e.live(now) {
		return string(e.value), false, nil
	}
	r.idem[idemKey] = expiring{value: []byte(job.ID), expiresAt: expiry(now, ttl)}
	r.jobs[job.ID] = expiring{value: data, expiresAt: expiry(now, ttl)}
	r.queue = append(r.queue, job.ID)
	return job.ID, true, nil
}

func (r *JobRepo) Save(ctx context.Context, job *domain.Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = expiring{value: data, expiresAt: expiry(r.now(), ttl)}
	return nil
}

func (r *JobRepo) Load(ctx context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(id)
}

func (r *JobRepo) Dequeue(ctx context.Context) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.queue) > 0 {
		id := r.queue[0]
		r.queue = r.queue[1:]
		job, err := r.load(id)
		if err == storage.ErrNotFound {
			continue // expired while queued
		}
		return job, err
	}
	return nil, nil
}

func (r *JobRepo) load(id string) (*domain.Job, error) {
	e, ok := r.jobs[id]
	if !ok || !e.live(r.now()) {
		return nil, storage.ErrNotFound
	}
	var job domain.Job
	if err := json.Unmarshal(e.value, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
