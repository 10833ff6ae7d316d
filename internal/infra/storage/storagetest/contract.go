// Package storagetest holds behaviour tests shared by every storage.Store and
// storage.JobRepository implementation.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/infra/storage"
)

const (
	available storage.Bucket = "available"
	inUse     storage.Bucket = "in_use"
	cooling   storage.Bucket = "cooling"
)

// RunStore exercises s against the storage.Store contract. newStore must
// return an empty store on every call.
func RunStore(t *testing.T, newStore func(t *testing.T) storage.Store) {
	ctx := context.Background()

	t.Run("InsertAndRead", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.Insert(ctx, "k1", map[string]string{"a": "1", "b": "2"}, available)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.Insert(ctx, "k1", map[string]string{"a": "x"}, available)
		require.NoError(t, err)
		assert.False(t, ok, "duplicate insert must fail")

		all, err := s.ReadFields(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "1", "b": "2", storage.StatusField: "available"}, all)

		some, err := s.ReadFields(ctx, "k1", "a", "missing")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "1"}, some)

		none, err := s.ReadFields(ctx, "nope")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("WriteFields", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert(ctx, "k1", map[string]string{"a": "1", "b": "2"}, available)
		require.NoError(t, err)

		require.NoError(t, s.WriteFields(ctx, "k1", map[string]string{"a": "9", "b": "", "c": "3"}))
		all, err := s.ReadFields(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "9", "c": "3", storage.StatusField: "available"}, all)

		err = s.WriteFields(ctx, "nope", map[string]string{"a": "1"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
		none, err := s.ReadFields(ctx, "nope")
		require.NoError(t, err)
		assert.Empty(t, none, "write must not create a record")
	})

	t.Run("MoveBucket", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert(ctx, "k1", nil, available)
		require.NoError(t, err)

		ok, err := s.MoveBucket(ctx, "k1", inUse, cooling)
		require.NoError(t, err)
		assert.False(t, ok, "move from the wrong bucket")

		ok, err = s.MoveBucket(ctx, "k1", available, inUse)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.MoveBucket(ctx, "k1", available, inUse)
		require.NoError(t, err)
		assert.False(t, ok, "second move must lose")

		ok, err = s.MoveBucket(ctx, "missing", available, inUse)
		require.NoError(t, err)
		assert.False(t, ok)

		ids, err := s.ListCandidates(ctx, inUse)
		require.NoError(t, err)
		assert.Equal(t, []string{"k1"}, ids)
		ids, err = s.ListCandidates(ctx, available)
		require.NoError(t, err)
		assert.Empty(t, ids)

		fields, err := s.ReadFields(ctx, "k1", storage.StatusField)
		require.NoError(t, err)
		assert.Equal(t, "in_use", fields[storage.StatusField])
	})

	t.Run("ConcurrentMoveHasOneWinner", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert(ctx, "k1", nil, available)
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.MoveBucket(ctx, "k1", available, inUse)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("TransactionAppliesAll", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert(ctx, "k1", map[string]string{"h": "1"}, inUse)
		require.NoError(t, err)

		ok, err := s.Transaction(ctx,
			storage.Write("k1", map[string]string{"h": "0.75", "reason": "server_error"}),
			storage.Move("k1", inUse, cooling),
		)
		require.NoError(t, err)
		require.True(t, ok)

		all, err := s.ReadFields(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "0.75", all["h"])
		assert.Equal(t, "server_error", all["reason"])
		assert.Equal(t, "cooling", all[storage.StatusField])
	})

	t.Run("TransactionAppliesNothingOnFailedMove", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert(ctx, "k1", map[string]string{"h": "1"}, available)
		require.NoError(t, err)

		ok, err := s.Transaction(ctx,
			storage.Write("k1", map[string]string{"h": "0.5"}),
			storage.Move("k1", inUse, cooling),
		)
		require.NoError(t, err)
		assert.False(t, ok)

		all, err := s.ReadFields(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "1", all["h"])
		assert.Equal(t, "available", all[storage.StatusField])
	})

	t.Run("TransactionFailsOnMissingRecord", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert(ctx, "k1", map[string]string{"h": "1"}, available)
		require.NoError(t, err)

		ok, err := s.Transaction(ctx,
			storage.Write("k1", map[string]string{"h": "0.5"}),
			storage.Write("ghost", map[string]string{"h": "0.5"}),
		)
		require.NoError(t, err)
		assert.False(t, ok)

		all, err := s.ReadFields(ctx, "k1", "h")
		require.NoError(t, err)
		assert.Equal(t, "1", all["h"])
	})

	t.Run("TransactionCountsWithinWindow", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert(ctx, "k1", map[string]string{"n": "4", "w": "m1"}, available)
		require.NoError(t, err)

		counter := storage.Counter{Field: "n", WindowField: "w", Window: "m1", Limit: 5}
		ok, err := s.Transaction(ctx, storage.Move("k1", available, inUse), storage.Count("k1", counter))
		require.NoError(t, err)
		require.True(t, ok)
		all, err := s.ReadFields(ctx, "k1", "n", "w")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"n": "5", "w": "m1"}, all)

		ok, err = s.Transaction(ctx, storage.Move("k1", inUse, available), storage.Count("k1", counter))
		require.NoError(t, err)
		assert.False(t, ok, "count past the limit must fail the transaction")
		all, err = s.ReadFields(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "5", all["n"])
		assert.Equal(t, "in_use", all[storage.StatusField], "failed count must not apply the move")
	})

	t.Run("TransactionCountRestartsInNewWindow", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert(ctx, "k1", map[string]string{"n": "9", "w": "m1"}, available)
		require.NoError(t, err)

		ok, err := s.Transaction(ctx, storage.Count("k1", storage.Counter{Field: "n", WindowField: "w", Window: "m2", Limit: 1}))
		require.NoError(t, err)
		require.True(t, ok)
		all, err := s.ReadFields(ctx, "k1", "n", "w")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"n": "1", "w": "m2"}, all)

		ok, err = s.Transaction(ctx, storage.Count("fresh", storage.Counter{Field: "n", WindowField: "w", Window: "m2"}))
		require.NoError(t, err)
		assert.False(t, ok, "count on a missing record")
	})

	t.Run("ConcurrentCountsAreNotLost", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert(ctx, "k1", nil, available)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.Transaction(ctx, storage.Count("k1", storage.Counter{Field: "n", WindowField: "w", Window: "m1"}))
			}()
		}
		wg.Wait()
		all, err := s.ReadFields(ctx, "k1", "n")
		require.NoError(t, err)
		assert.Equal(t, "20", all["n"])
	})

	t.Run("Remove", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert(ctx, "k1", map[string]string{"a": "1"}, cooling)
		require.NoError(t, err)

		ok, err := s.Remove(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Remove(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, ok)

		ids, err := s.ListCandidates(ctx, cooling)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("ListCandidatesManyRecords", func(t *testing.T) {
		s := newStore(t)
		for i := range 150 {
			bucket := available
			if i%3 == 0 {
				bucket = cooling
			}
			_, err := s.Insert(ctx, fmt.Sprintf("key-%03d", i), nil, bucket)
			require.NoError(t, err)
		}
		ids, err := s.ListCandidates(ctx, available)
		require.NoError(t, err)
		assert.Len(t, ids, 100)
		ids, err = s.ListCandidates(ctx, cooling)
		require.NoError(t, err)
		assert.Len(t, ids, 50)
	})

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, newStore(t).Ping(ctx))
	})
}

// RunJobRepository exercises r against the storage.JobRepository contract.
func RunJobRepository(t *testing.T, newRepo func(t *testing.T) storage.JobRepository) {
	ctx := context.Background()

	newJob := func(id string) *domain.Job {
		return &domain.Job{
			ID:          id,
			Status:      domain.JobStatusPending,
			Request:     domain.JobRequest{Method: "POST", Path: "/v1beta/models/m:generateContent", Body: json.RawMessage(`{"a":1}`)},
			SubmittedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}
	}

	t.Run("EnqueueIsIdempotent", func(t *testing.T) {
		r := newRepo(t)
		id, created, err := r.Enqueue(ctx, "idem-1", newJob("job-1"), time.Hour)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "job-1", id)

		id, created, err = r.Enqueue(ctx, "idem-1", newJob("job-2"), time.Hour)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "job-1", id)

		_, err = r.Load(ctx, "job-2")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("DequeueFIFO", func(t *testing.T) {
		r := newRepo(t)
		for _, id := range []string{"a", "b", "c"} {
			_, _, err := r.Enqueue(ctx, "idem-"+id, newJob(id), time.Hour)
			require.NoError(t, err)
		}
		for _, want := range []string{"a", "b", "c"} {
			job, err := r.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, want, job.ID)
			assert.JSONEq(t, `{"a":1}`, string(job.Request.Body))
		}
		job, err := r.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		r := newRepo(t)
		job := newJob("job-1")
		_, _, err := r.Enqueue(ctx, "idem", job, time.Hour)
		require.NoError(t, err)

		job.Status = domain.JobStatusCompleted
		job.Result = &domain.JobResult{StatusCode: 200, Body: json.RawMessage(`{"ok":true}`)}
		require.NoError(t, r.Save(ctx, job, time.Hour))

		got, err := r.Load(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, got.Status)
		require.NotNil(t, got.Result)
		assert.Equal(t, 200, got.Result.StatusCode)

		_, err = r.Load(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
