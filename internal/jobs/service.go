// Package jobs runs upstream requests asynchronously behind an idempotency key.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/infra/storage"
)

var (
	// ErrInvalidRequest is returned when a submitted job can never be routed.
	ErrInvalidRequest = errors.New("invalid job request")

	// ErrMissingIdempotencyKey is returned when Submit is called without a key.
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")

	// ErrJobNotFound is returned for unknown or expired job ids.
	ErrJobNotFound = errors.New("job not found")
)

// DefaultTTL is how long jobs and idempotency keys are kept.
const DefaultTTL = 24 * time.Hour

// Service submits and looks up jobs.
type Service struct {
	repo   storage.JobRepository
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a job service over repo.
func NewService(repo storage.JobRepository, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		repo:   repo,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default().With("component", "jobs"),
	}
}

// Submit queues req under idemKey. A replayed key returns the original job
// with created false.
func (s *Service) Submit(ctx context.Context, idemKey string, req domain.JobRequest) (*domain.Job, bool, error) {
	idemKey = strings.TrimSpace(idemKey)
	if idemKey == "" {
		return nil, false, ErrMissingIdempotencyKey
	}
	if err := validateRequest(&req); err != nil {
		return nil, false, err
	}

	job := &domain.Job{
		ID:          uuid.NewString(),
		Status:      domain.JobStatusPending,
		Request:     req,
		SubmittedAt: s.now().UTC(),
	}
	id, created, err := s.repo.Enqueue(ctx, idemKey, job, s.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue job: %w", err)
	}
	if created {
		s.logger.Info("Job queued", "job_id", id, "path", req.Path)
		return job, true, nil
	}

	existing, err := s.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		// The job expired before its idempotency key; report the id only.
		return &domain.Job{ID: id}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.repo.Load(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

func validateRequest(req *domain.JobRequest) error {
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	req.Method = strings.ToUpper(req.Method)
	if req.Path == "" {
		req.Path = "/v1beta/models/gemini-2.0-flash:generateContent"
	}
	if !strings.HasPrefix(req.Path, "/v1beta/") && !strings.HasPrefix(req.Path, "/v1/") {
		return fmt.Errorf("%w: path %q is not an API path", ErrInvalidRequest, req.Path)
	}
	return nil
}
