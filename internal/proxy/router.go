// Package proxy routes client requests upstream through the credential pool,
// retrying on fresh credentials until one succeeds or the budget is spent.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/core/pool"
	"github.com/vietddude/keyproxy/internal/metrics"
	"github.com/vietddude/keyproxy/internal/proxy/upstream"
)

// CredentialPool is the part of the pool manager the router drives.
type CredentialPool interface {
	Acquire(ctx context.Context) (*domain.Credential, error)
	UpdateKey(ctx context.Context, id string, o pool.Outcome) error
	ReleaseKey(ctx context.Context, id string) error
}

// Forwarder performs one upstream attempt.
type Forwarder interface {
	Do(ctx context.Context, req *upstream.Request, key string, timeout time.Duration) (*upstream.Response, error)
}

// Request is a buffered client request.
type Request = upstream.Request

// Attempt describes one upstream call made for a request.
type Attempt struct {
	Key        string // masked
	StatusCode int
	Reason     string
	Elapsed    time.Duration
}

// Response is the answer relayed to the client. Body must be closed.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Attempts   []Attempt
}

// Config controls the retry loop.
type Config struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		RetryBaseDelay: 0,
		RetryMaxDelay:  10 * time.Second,
	}
}

// Router is the proxy front end over the pool.
type Router struct {
	pool    CredentialPool
	fwd     Forwarder
	timeout *AdaptiveTimeout
	cfg     Config
	logger  *slog.Logger
}

// NewRouter creates a router. A nil timeout uses the default controller.
func NewRouter(p CredentialPool, fwd Forwarder, timeout *AdaptiveTimeout, cfg Config) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if timeout == nil {
		timeout = NewAdaptiveTimeout(DefaultTimeoutConfig())
	}
	return &Router{
		pool:    p,
		fwd:     fwd,
		timeout: timeout,
		cfg:     cfg,
		logger:  slog.Default().With("component", "router"),
	}
}

// attemptResult is the outcome of one iteration of the retry loop.
type attemptResult struct {
	resp      *Response // final answer, nil to keep going
	transient *UpstreamError
	status    int
}

// RouteRequest forwards req upstream, rotating credentials on transient
// failures. Permanent upstream failures return *UpstreamError, an exhausted
// pool returns pool.ErrNoAvailableKeys and a spent budget returns
// ErrMaxRetriesExceeded. Lost lock races count against the budget. Store
// failures are returned as they are.
func (r *Router) RouteRequest(ctx context.Context, req *Request) (*Response, error) {
	var (
		attempts []Attempt
		cause    error // last transient failure
		lastCode int
	)
	for n := 1; n <= r.cfg.MaxAttempts; n++ {
		if n > 1 {
			if err := r.wait(ctx, lastCode, n-1); err != nil {
				return nil, r.finish("canceled", len(attempts), err)
			}
		}

		res, err := r.attempt(ctx, req, &attempts)
		if errors.Is(err, pool.ErrLockContention) {
			r.logger.Debug("Key lock contention, retrying", "attempt", n)
			cause, lastCode = err, 0
			continue
		}
		if err != nil {
			return nil, r.fail(err, attempts, cause)
		}
		if res.resp != nil {
			res.resp.Attempts = attempts
			metrics.RouteAttempts.Observe(float64(len(attempts)))
			metrics.RouteResults.WithLabelValues(resultLabel(res.resp.StatusCode)).Inc()
			return res.resp, nil
		}
		cause, lastCode = res.transient, res.status
	}

	err := fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, r.cfg.MaxAttempts, cause)
	r.logger.Warn("Retry budget spent", "attempts", r.cfg.MaxAttempts, "last_error", cause)
	return nil, r.finish("max_retries", len(attempts), err)
}

// attempt runs one acquire, forward, classify, finalize cycle.
func (r *Router) attempt(ctx context.Context, req *Request, attempts *[]Attempt) (attemptResult, error) {
	cred, err := r.pool.Acquire(ctx)
	if err != nil {
		return attemptResult{}, err
	}

	finalized := false
	defer func() {
		if finalized {
			return
		}
		if err := r.pool.ReleaseKey(context.WithoutCancel(ctx), cred.ID); err != nil {
			r.logger.Error("Failed to release key", "key", domain.MaskKey(cred.ID), "error", err)
		}
	}()

	timeout := r.timeout.Current()
	start := time.Now()
	up, fwdErr := r.fwd.Do(ctx, req, cred.ID, timeout)
	elapsed := time.Since(start)

	if err := ctx.Err(); err != nil {
		if up != nil && up.Body != nil {
			up.Body.Close()
		}
		return attemptResult{}, err
	}

	o := Outcome{Err: fwdErr, Elapsed: elapsed}
	if up != nil {
		o.StatusCode, o.Header, o.Body = up.StatusCode, up.Header, up.Excerpt
	}
	d := Classify(o)

	metrics.UpstreamRequests.WithLabelValues(d.Reason).Inc()
	metrics.UpstreamLatency.WithLabelValues(d.Reason).Observe(elapsed.Seconds())
	*attempts = append(*attempts, Attempt{
		Key:        domain.MaskKey(cred.ID),
		StatusCode: o.StatusCode,
		Reason:     d.Reason,
		Elapsed:    elapsed,
	})

	switch {
	case d.Success:
		r.timeout.Decrease()
	case d.WidenTimeout:
		r.timeout.Increase()
	}

	if d.Penalty == PenaltyNone {
		// Nothing learned about the credential; the deferred release frees it.
		return attemptResult{resp: &Response{
			StatusCode: o.StatusCode,
			Header:     o.Header,
			Body:       io.NopCloser(bytes.NewReader(o.Body)),
		}}, nil
	}

	po := r.poolOutcome(o, d)
	if err := r.pool.UpdateKey(context.WithoutCancel(ctx), cred.ID, po); err != nil {
		if !errors.Is(err, pool.ErrNotLocked) {
			if up != nil && up.Body != nil {
				up.Body.Close()
			}
			return attemptResult{}, fmt.Errorf("finalize key: %w", err)
		}
		r.logger.Warn("Key lock lost before finalize", "key", domain.MaskKey(cred.ID), "reason", d.Reason)
	}
	finalized = true

	logger := r.logger.With("key", domain.MaskKey(cred.ID), "status", o.StatusCode, "reason", d.Reason, "elapsed", elapsed)
	switch {
	case d.Success:
		logger.Debug("Upstream call succeeded")
		return attemptResult{resp: &Response{StatusCode: up.StatusCode, Header: up.Header, Body: up.Body}}, nil
	case d.Retry:
		logger.Info("Transient upstream failure, rotating key", "penalty", d.Penalty, "error", fwdErr)
		return attemptResult{transient: newUpstreamError(o, d, cred.ID), status: o.StatusCode}, nil
	default:
		logger.Warn("Permanent upstream failure", "penalty", d.Penalty)
		return attemptResult{}, newUpstreamError(o, d, cred.ID)
	}
}

func (r *Router) poolOutcome(o Outcome, d Decision) pool.Outcome {
	now := time.Now()
	po := pool.Outcome{
		Success: d.Success,
		Code:    o.StatusCode,
		Next:    d.Penalty.next(),
		Reason:  d.Reason,
	}
	if o.Header != nil {
		po.QuotaRemaining, po.QuotaResetAt = quotaHeaders(o.Header, now)
		if d.Penalty == PenaltyCooldown {
			po.Cooldown = retryAfter(o.Header, now)
		}
	}
	return po
}

// fail maps an error that ends the loop early.
func (r *Router) fail(err error, attempts []Attempt, lastTransient error) error {
	var upErr *UpstreamError
	switch {
	case errors.As(err, &upErr):
		return r.finish("permanent", len(attempts), err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return r.finish("canceled", len(attempts), err)
	case errors.Is(err, pool.ErrNoAvailableKeys) && lastTransient != nil:
		// The pool ran dry because earlier attempts penalized every key.
		return r.finish("max_retries", len(attempts),
			fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, len(attempts), err))
	case errors.Is(err, pool.ErrNoAvailableKeys):
		return r.finish("no_keys", len(attempts), err)
	default:
		r.logger.Error("Routing aborted", "attempts", len(attempts), "error", err)
		return r.finish("store_error", len(attempts), err)
	}
}

func (r *Router) finish(result string, attempts int, err error) error {
	metrics.RouteAttempts.Observe(float64(attempts))
	metrics.RouteResults.WithLabelValues(result).Inc()
	return err
}

// wait sleeps the inter-attempt delay, returning early on cancellation.
func (r *Router) wait(ctx context.Context, status, attempt int) error {
	d := RetryDelay(status, attempt, r.cfg.RetryBaseDelay, r.cfg.RetryMaxDelay)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func resultLabel(status int) string {
	if status >= 200 && status < 300 {
		return "success"
	}
	return "relayed"
}
