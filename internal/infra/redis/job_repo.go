package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/infra/storage"
)

var enqueueScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return {0, existing}
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'EX', ttl)
  redis.call('SET', KEYS[2], ARGV[2], 'EX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
  redis.call('SET', KEYS[2], ARGV[2])
end
redis.call('LPUSH', KEYS[3], ARGV[1])
return {1, ARGV[1]}
`)

// JobRepo implements storage.JobRepository using Redis.
type JobRepo struct {
	rdb *redis.Client
}

// NewJobRepo creates a new Redis-backed job repository.
func NewJobRepo(client *Client) *JobRepo {
	return &JobRepo{rdb: client.rdb}
}

var _ storage.JobRepository = (*JobRepo)(nil)

// Enqueue maps idemKey to the job, stores it and pushes it on the task queue
// in one step. A live idempotency key returns the job it already maps to.
func (r *JobRepo) Enqueue(
	ctx context.Context,
	key string,
	job *domain.Job,
	ttl time.Duration,
) (string, bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal job: %w", err)
	}

	keys := []string{idemKey(key), jobKey(job.ID), taskQueueKey}
	res, err := enqueueScript.Run(ctx, r.rdb, keys, job.ID, data, ttlSeconds(ttl)).Slice()
	if err != nil {
		return "", false, unavailable("enqueue", err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("unexpected enqueue reply %v", res)
	}
	created, _ := res[0].(int64)
	id, _ := res[1].(string)
	return id, created == 1, nil
}

// Save overwrites the stored job.
func (r *JobRepo) Save(ctx context.Context, job *domain.Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := r.rdb.Set(ctx, jobKey(job.ID), data, ttl).Err(); err != nil {
		return unavailable("set job", err)
	}
	return nil
}

// Load retrieves a stored job.
func (r *JobRepo) Load(ctx context.Context, id string) (*domain.Job, error) {
	data, err := r.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get job", err)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Dequeue pops from the tail of the task queue, skipping jobs that expired
// while queued.
func (r *JobRepo) Dequeue(ctx context.Context) (*domain.Job, error) {
	for {
		id, err := r.rdb.RPop(ctx, taskQueueKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, unavailable("rpop", err)
		}

		job, err := r.Load(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		return job, err
	}
}

func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return max(1, int64(ttl/time.Second))
}
