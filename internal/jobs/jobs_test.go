package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/core/pool"
	"github.com/vietddude/keyproxy/internal/infra/storage/memory"
	"github.com/vietddude/keyproxy/internal/proxy"
)

// =============================================================================
// Mock Router
// =============================================================================

type mockRouter struct {
	mu       sync.Mutex
	requests []*proxy.Request
	respond  func(req *proxy.Request) (*proxy.Response, error)
}

func (m *mockRouter) RouteRequest(ctx context.Context, req *proxy.Request) (*proxy.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.respond(req)
}

func okResponse(body string) func(*proxy.Request) (*proxy.Response, error) {
	return func(*proxy.Request) (*proxy.Response, error) {
		return &proxy.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(body))}, nil
	}
}

func newTestService() *Service {
	return NewService(memory.NewJobRepo(), time.Hour)
}

func TestSubmit_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	req := domain.JobRequest{Path: "/v1beta/models/gemini-pro:generateContent", Body: json.RawMessage(`{"contents":[]}`)}

	first, created, err := svc.Submit(ctx, "idem-1", req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, domain.JobStatusPending, first.Status)
	assert.Equal(t, http.MethodPost, first.Request.Method)

	again, created, err := svc.Submit(ctx, "idem-1", req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	other, created, err := svc.Submit(ctx, "idem-2", req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestSubmit_Validation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	_, _, err := svc.Submit(ctx, "  ", domain.JobRequest{})
	assert.ErrorIs(t, err, ErrMissingIdempotencyKey)

	_, _, err = svc.Submit(ctx, "k", domain.JobRequest{Path: "/admin/keys"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	job, _, err := svc.Submit(ctx, "k", domain.JobRequest{Method: "get", Path: "/v1/models"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, job.Request.Method)
}

func TestGet_NotFound(t *testing.T) {
	_, err := newTestService().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestProcessNext_Completes(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	router := &mockRouter{respond: okResponse(`{"candidates":[{"index":0}]}`)}
	w := NewWorker(svc, router, time.Millisecond)

	job, _, err := svc.Submit(ctx, "k", domain.JobRequest{
		Path:  "/v1beta/models/gemini-pro:generateContent",
		Query: "alt=json",
		Body:  json.RawMessage(`{"contents":[]}`),
	})
	require.NoError(t, err)

	ok, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, http.StatusOK, got.Result.StatusCode)
	assert.JSONEq(t, `{"candidates":[{"index":0}]}`, string(got.Result.Body))
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	require.Len(t, router.requests, 1)
	sent := router.requests[0]
	assert.Equal(t, "alt=json", sent.RawQuery)
	assert.Equal(t, "application/json", sent.Header.Get("Content-Type"))
	assert.Equal(t, `{"contents":[]}`, string(sent.Body))

	ok, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "queue is drained")
}

func TestProcessNext_Failures(t *testing.T) {
	tests := []struct {
		name       string
		respond    func(*proxy.Request) (*proxy.Response, error)
		wantStatus int
		wantError  string
	}{
		{
			name: "pool exhausted",
			respond: func(*proxy.Request) (*proxy.Response, error) {
				return nil, pool.ErrNoAvailableKeys
			},
			wantError: "no available keys",
		},
		{
			name: "permanent upstream error keeps the upstream body",
			respond: func(*proxy.Request) (*proxy.Response, error) {
				return nil, &proxy.UpstreamError{StatusCode: 400, Permanent: true, Body: []byte(`{"error":"bad"}`)}
			},
			wantStatus: 400,
			wantError:  "permanent",
		},
		{
			name: "relayed non-2xx",
			respond: func(*proxy.Request) (*proxy.Response, error) {
				return &proxy.Response{StatusCode: 409, Body: io.NopCloser(strings.NewReader("conflict"))}, nil
			},
			wantStatus: 409,
			wantError:  "upstream status 409",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			svc := newTestService()
			w := NewWorker(svc, &mockRouter{respond: tt.respond}, time.Millisecond)

			job, _, err := svc.Submit(ctx, "k", domain.JobRequest{Path: "/v1beta/models"})
			require.NoError(t, err)
			_, err = w.ProcessNext(ctx)
			require.NoError(t, err)

			got, err := svc.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusFailed, got.Status)
			assert.Contains(t, got.Error, tt.wantError)
			if tt.wantStatus == 0 {
				assert.Nil(t, got.Result)
				return
			}
			require.NotNil(t, got.Result)
			assert.Equal(t, tt.wantStatus, got.Result.StatusCode)
		})
	}
}

func TestWorkerRun_ProcessesInOrder(t *testing.T) {
	svc := newTestService()
	router := &mockRouter{respond: okResponse("plain text")}
	w := NewWorker(svc, router, 5*time.Millisecond)

	var ids []string
	for i := range 3 {
		job, _, err := svc.Submit(context.Background(), fmt.Sprintf("k%d", i), domain.JobRequest{
			Path:  "/v1beta/models",
			Query: fmt.Sprintf("n=%d", i),
		})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := svc.Get(context.Background(), id)
			if err != nil || job.Status != domain.JobStatusCompleted {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	router.mu.Lock()
	defer router.mu.Unlock()
	require.Len(t, router.requests, 3)
	for i, req := range router.requests {
		assert.Equal(t, fmt.Sprintf("n=%d", i), req.RawQuery)
	}

	job, err := svc.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.JSONEq(t, `"plain text"`, string(job.Result.Body), "non-JSON bodies are stored quoted")
}

func TestWorkerRun_StopsOnCancel(t *testing.T) {
	w := NewWorker(newTestService(), &mockRouter{respond: func(*proxy.Request) (*proxy.Response, error) {
		return nil, errors.New("unused")
	}}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
