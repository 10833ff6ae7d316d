package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/metrics"
	"github.com/vietddude/keyproxy/internal/proxy"
)

// maxResultBody bounds the stored upstream response.
const maxResultBody = 4 << 20

// Router routes a job's request upstream.
type Router interface {
	RouteRequest(ctx context.Context, req *proxy.Request) (*proxy.Response, error)
}

// Worker drains the job queue through the router.
type Worker struct {
	svc    *Service
	router Router
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a queue worker. poll is the idle wait between empty polls.
func NewWorker(svc *Service, router Router, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		svc:    svc,
		router: router,
		poll:   poll,
		logger: slog.Default().With("component", "job-worker"),
	}
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		// Drain everything queued before waiting again.
		for {
			ok, err := w.ProcessNext(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Error("Failed to process job", "error", err)
				break
			}
			if !ok {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessNext runs the oldest queued job. It reports false when the queue is empty.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.svc.repo.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}

	started := w.svc.now().UTC()
	job.Status = domain.JobStatusProcessing
	job.StartedAt = &started
	if err := w.svc.repo.Save(ctx, job, w.svc.ttl); err != nil {
		return true, fmt.Errorf("mark job %s processing: %w", job.ID, err)
	}

	result, routeErr := w.route(ctx, job.Request)

	completed := w.svc.now().UTC()
	job.CompletedAt = &completed
	job.Result = result
	if routeErr != nil {
		job.Status = domain.JobStatusFailed
		job.Error = routeErr.Error()
	} else if result.StatusCode >= 200 && result.StatusCode < 300 {
		job.Status = domain.JobStatusCompleted
	} else {
		job.Status = domain.JobStatusFailed
		job.Error = fmt.Sprintf("upstream status %d", result.StatusCode)
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Status)).Inc()

	// Persist the outcome even if the worker is shutting down.
	if err := w.svc.repo.Save(context.WithoutCancel(ctx), job, w.svc.ttl); err != nil {
		return true, fmt.Errorf("save job %s: %w", job.ID, err)
	}
	w.logger.Info("Job finished", "job_id", job.ID, "status", job.Status, "error", job.Error)
	return true, nil
}

func (w *Worker) route(ctx context.Context, jr domain.JobRequest) (*domain.JobResult, error) {
	header := make(http.Header)
	if len(jr.Body) > 0 {
		header.Set("Content-Type", "application/json")
	}
	resp, err := w.router.RouteRequest(ctx, &proxy.Request{
		Method:   jr.Method,
		Path:     jr.Path,
		RawQuery: jr.Query,
		Header:   header,
		Body:     jr.Body,
	})
	if err != nil {
		var upErr *proxy.UpstreamError
		if errors.As(err, &upErr) && upErr.Permanent {
			return &domain.JobResult{StatusCode: upErr.StatusCode, Body: jsonBody(upErr.Body)}, err
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBody))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return &domain.JobResult{StatusCode: resp.StatusCode, Body: jsonBody(body)}, nil
}

// jsonBody keeps body as raw JSON, quoting it as a string when it isn't valid JSON.
func jsonBody(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}
