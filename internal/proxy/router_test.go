package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/core/pool"
	"github.com/vietddude/keyproxy/internal/infra/storage"
	"github.com/vietddude/keyproxy/internal/infra/storage/memory"
	"github.com/vietddude/keyproxy/internal/proxy/upstream"
)

// =============================================================================
// Fake upstream
// =============================================================================

// fakeUpstream answers per credential and counts calls.
type fakeUpstream struct {
	mu    sync.Mutex
	calls []string
	reply func(w http.ResponseWriter, r *http.Request, key string)
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(upstream.DefaultKeyHeader)
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()
	f.reply(w, r, key)
}

func (f *fakeUpstream) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func statusByKey(codes map[string]int) func(http.ResponseWriter, *http.Request, string) {
	return func(w http.ResponseWriter, r *http.Request, key string) {
		code := codes[key]
		if code == 0 {
			code = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if code == http.StatusOK {
			_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"hi from `+key+`"}]}}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"error":{"message":"`+http.StatusText(code)+`"}}`)
	}
}

type routerFixture struct {
	router    *Router
	pool      *pool.Pool
	upstream  *fakeUpstream
	serverURL string
}

func newRouterFixture(t *testing.T, cfg Config, tcfg TimeoutConfig, keys ...string) *routerFixture {
	t.Helper()
	p := pool.New(memory.NewMemoryStorage(), pool.Config{Cooldown: time.Hour})
	for _, k := range keys {
		require.NoError(t, p.Add(context.Background(), k))
	}

	fake := &fakeUpstream{reply: statusByKey(nil)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := upstream.NewClient(srv.URL, "")
	require.NoError(t, err)

	return &routerFixture{
		router:    NewRouter(p, client, NewAdaptiveTimeout(tcfg), cfg),
		pool:      p,
		upstream:  fake,
		serverURL: srv.URL,
	}
}

func (f *routerFixture) status(t *testing.T, id string) *domain.Credential {
	t.Helper()
	c, err := f.pool.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func generateRequest() *Request {
	return &Request{
		Method: http.MethodPost,
		Path:   "/v1beta/models/gemini-2.0-flash:generateContent",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`),
	}
}

func readBody(t *testing.T, resp *Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// =============================================================================
// Scenarios
// =============================================================================

func TestRouteRequest_SingleKeySuccess(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig(), DefaultTimeoutConfig(), "key-a")
	f.upstream.reply = statusByKey(map[string]int{"key-a": 200})

	resp, err := f.router.RouteRequest(context.Background(), generateRequest())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "hi from key-a")
	require.Len(t, resp.Attempts, 1)
	assert.Equal(t, "...ey-a", resp.Attempts[0].Key)

	c := f.status(t, "key-a")
	assert.Equal(t, domain.StatusAvailable, c.Status)
	assert.Equal(t, int64(1), c.TotalUses)
	assert.Equal(t, int64(0), c.TotalFailures)
	assert.Equal(t, 1.0, c.HealthScore)
	assert.Nil(t, c.LockedAt)
}

func TestRouteRequest_RotatesAfterRateLimit(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig(), DefaultTimeoutConfig(), "key-a", "key-b")
	f.upstream.reply = statusByKey(map[string]int{"key-a": 429, "key-b": 200})

	resp, err := f.router.RouteRequest(context.Background(), generateRequest())
	require.NoError(t, err)
	assert.Contains(t, readBody(t, resp), "hi from key-b")
	assert.Equal(t, []string{"key-a", "key-b"}, f.upstream.Calls(), "exactly one retry")
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, domain.ReasonQuotaExceeded, resp.Attempts[0].Reason)

	a := f.status(t, "key-a")
	assert.Equal(t, domain.StatusCoolingDown, a.Status)
	assert.Equal(t, domain.ReasonQuotaExceeded, a.Reason)
	assert.Equal(t, 0.75, a.HealthScore)
	require.NotNil(t, a.LastFailure)
	assert.Equal(t, 429, a.LastFailure.Code)

	assert.Equal(t, domain.StatusAvailable, f.status(t, "key-b").Status)
}

func TestRouteRequest_PermanentAuthFailure(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig(), DefaultTimeoutConfig(), "key-a", "key-b")
	f.upstream.reply = statusByKey(map[string]int{"key-a": 401, "key-b": 200})

	_, err := f.router.RouteRequest(context.Background(), generateRequest())
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.True(t, upErr.Permanent)
	assert.Equal(t, http.StatusUnauthorized, upErr.StatusCode)
	assert.Equal(t, domain.ReasonInvalidAuth, upErr.Reason)
	assert.NotContains(t, err.Error(), "key-a", "credentials are masked in errors")

	assert.Equal(t, []string{"key-a"}, f.upstream.Calls(), "no retry after a permanent failure")
	assert.Equal(t, domain.StatusDisabled, f.status(t, "key-a").Status)
	assert.Equal(t, domain.StatusAvailable, f.status(t, "key-b").Status)
}

func TestRouteRequest_EmptyPool(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig(), DefaultTimeoutConfig())

	_, err := f.router.RouteRequest(context.Background(), generateRequest())
	assert.ErrorIs(t, err, pool.ErrNoAvailableKeys)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Empty(t, f.upstream.Calls())
}

func TestRouteRequest_AllKeysRateLimited(t *testing.T) {
	keys := []string{"key-a", "key-b", "key-c"}
	f := newRouterFixture(t, DefaultConfig(), DefaultTimeoutConfig(), keys...)
	f.upstream.reply = statusByKey(map[string]int{"key-a": 429, "key-b": 429, "key-c": 429})

	_, err := f.router.RouteRequest(context.Background(), generateRequest())
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Len(t, f.upstream.Calls(), 3)
	for _, k := range keys {
		assert.Equal(t, domain.StatusCoolingDown, f.status(t, k).Status, k)
	}
}

func TestRouteRequest_BudgetSpent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	f := newRouterFixture(t, cfg, DefaultTimeoutConfig(), "key-a", "key-b", "key-c")
	f.upstream.reply = statusByKey(map[string]int{"key-a": 503, "key-b": 503, "key-c": 200})

	_, err := f.router.RouteRequest(context.Background(), generateRequest())
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr, "the last transient failure is wrapped")
	assert.False(t, upErr.Permanent)
	assert.Equal(t, 503, upErr.StatusCode)
	assert.Len(t, f.upstream.Calls(), 2)
	assert.Equal(t, domain.StatusAvailable, f.status(t, "key-c").Status)
}

func TestRouteRequest_RelaysUnclassifiedStatus(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig(), DefaultTimeoutConfig(), "key-a")
	f.upstream.reply = func(w http.ResponseWriter, r *http.Request, key string) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, "conflict")
	}

	resp, err := f.router.RouteRequest(context.Background(), generateRequest())
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", readBody(t, resp))

	c := f.status(t, "key-a")
	assert.Equal(t, domain.StatusAvailable, c.Status)
	assert.Equal(t, domain.ReasonReleased, c.Reason)
	assert.Equal(t, 1.0, c.HealthScore)
}

func TestRouteRequest_RetryAfterSetsCooldown(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig(), DefaultTimeoutConfig(), "key-a", "key-b")
	f.upstream.reply = func(w http.ResponseWriter, r *http.Request, key string) {
		if key == "key-a" {
			w.Header().Set("Retry-After", "120")
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}

	before := time.Now()
	resp, err := f.router.RouteRequest(context.Background(), generateRequest())
	require.NoError(t, err)
	resp.Body.Close()

	a := f.status(t, "key-a")
	require.NotNil(t, a.CooldownUntil)
	assert.WithinDuration(t, before.Add(2*time.Minute), *a.CooldownUntil, 5*time.Second)
	require.NotNil(t, a.QuotaRemaining)
	assert.Equal(t, 0, *a.QuotaRemaining)
}

func TestRouteRequest_AttemptTimeoutWidensTimeout(t *testing.T) {
	tcfg := TimeoutConfig{Initial: 50 * time.Millisecond, Floor: 50 * time.Millisecond, Ceiling: time.Second, Growth: 2, Shrink: 0.5}
	f := newRouterFixture(t, DefaultConfig(), tcfg, "slow", "zfast")
	f.upstream.reply = func(w http.ResponseWriter, r *http.Request, key string) {
		if key == "slow" {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}

	resp, err := f.router.RouteRequest(context.Background(), generateRequest())
	require.NoError(t, err)
	resp.Body.Close()
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, domain.ReasonTimeout, resp.Attempts[0].Reason)

	assert.Equal(t, domain.StatusCoolingDown, f.status(t, "slow").Status)
	// Widened to 100ms by the timeout, narrowed back to 50ms by the success.
	assert.Equal(t, 50*time.Millisecond, f.router.timeout.Current())
}

func TestRouteRequest_ClientCancelReleasesKey(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig(), DefaultTimeoutConfig(), "key-a")
	var inFlight atomic.Bool
	f.upstream.reply = func(w http.ResponseWriter, r *http.Request, key string) {
		_, _ = io.Copy(io.Discard, r.Body)
		inFlight.Store(true)
		<-r.Context().Done()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for !inFlight.Load() {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := f.router.RouteRequest(ctx, generateRequest())
	assert.ErrorIs(t, err, context.Canceled)

	c := f.status(t, "key-a")
	assert.Equal(t, domain.StatusAvailable, c.Status, "cancelled attempts release the key")
	assert.Equal(t, 1.0, c.HealthScore)
	assert.Nil(t, c.LockedAt)
}

func TestRouteRequest_StoreUnavailable(t *testing.T) {
	r := NewRouter(unavailablePool{}, nil, nil, DefaultConfig())
	_, err := r.RouteRequest(context.Background(), generateRequest())
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.NotErrorIs(t, err, pool.ErrNoAvailableKeys)
}

func TestRouteRequest_NeverLeavesKeysLocked(t *testing.T) {
	keys := []string{"k1", "k2", "k3", "k4"}
	f := newRouterFixture(t, DefaultConfig(), DefaultTimeoutConfig(), keys...)
	var n atomic.Int64
	f.upstream.reply = func(w http.ResponseWriter, r *http.Request, key string) {
		codes := []int{200, 429, 500, 409}
		w.WriteHeader(codes[n.Add(1)%int64(len(codes))])
	}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.router.RouteRequest(context.Background(), generateRequest())
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	counts, err := f.pool.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, counts[domain.StatusInUse])
}

// unavailablePool fails every acquisition with a store outage.
type unavailablePool struct{}

func (unavailablePool) Acquire(context.Context) (*domain.Credential, error) {
	return nil, errors.Join(storage.ErrUnavailable, errors.New("connection refused"))
}
func (unavailablePool) UpdateKey(context.Context, string, pool.Outcome) error { return nil }
func (unavailablePool) ReleaseKey(context.Context, string) error { return nil }

// contendedPool loses the first lose acquisitions to other lockers.
type contendedPool struct {
	*pool.Pool
	lose atomic.Int32
}

func (c *contendedPool) Acquire(ctx context.Context) (*domain.Credential, error) {
	if c.lose.Add(-1) >= 0 {
		return nil, pool.ErrLockContention
	}
	return c.Pool.Acquire(ctx)
}

func TestRouteRequest_LockContentionRetries(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig(), DefaultTimeoutConfig(), "key-a")
	cp := &contendedPool{Pool: f.pool}
	cp.lose.Store(2)
	client, err := upstream.NewClient(f.serverURL, "")
	require.NoError(t, err)
	r := NewRouter(cp, client, nil, DefaultConfig())

	resp, err := r.RouteRequest(context.Background(), generateRequest())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)
	assert.Len(t, f.upstream.Calls(), 1)
}

func TestRouteRequest_LockContentionSpendsBudget(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig(), DefaultTimeoutConfig(), "key-a")
	cp := &contendedPool{Pool: f.pool}
	cp.lose.Store(100)
	client, err := upstream.NewClient(f.serverURL, "")
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	r := NewRouter(cp, client, nil, cfg)

	_, err = r.RouteRequest(context.Background(), generateRequest())
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, pool.ErrLockContention)
	assert.NotErrorIs(t, err, pool.ErrNoAvailableKeys)
	assert.Equal(t, int32(97), cp.lose.Load())
	assert.Empty(t, f.upstream.Calls())
}
