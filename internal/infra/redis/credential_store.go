package redis

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/keyproxy/internal/infra/storage"
)

// Each credential is a hash at key:<id> plus exactly one marker string at
// key:<id>:<bucket>. Bucket moves rename the marker.

var moveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('RENAME', KEYS[1], KEYS[2])
redis.call('HSET', KEYS[3], 'status', ARGV[1])
return 1
`)

var writeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
for i = 1, #ARGV, 2 do
  if ARGV[i+1] == '' then
    redis.call('HDEL', KEYS[1], ARGV[i])
  else
    redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
  end
end
return 1
`)

// ARGV: op count, then per op 'w' <n> <k1> <v1> ..., 'm' <bucket> or
// 'c' <field> <window field> <window> <limit>.
// KEYS: per op <record>, <from marker> <to marker> <record>, or <record>.
var transactionScript = redis.NewScript(`
local state = {}
local function exists(k)
  if state[k] ~= nil then return state[k] end
  return redis.call('EXISTS', k) == 1
end

local ki, ai = 1, 2
local ops = {}
for _ = 1, tonumber(ARGV[1]) do
  local kind = ARGV[ai]
  ai = ai + 1
  if kind == 'w' then
    local rec = KEYS[ki]
    local n = tonumber(ARGV[ai])
    ki = ki + 1
    ai = ai + 1
    if not exists(rec) then return 0 end
    table.insert(ops, {'w', rec, ai, n})
    ai = ai + n * 2
  elseif kind == 'c' then
    local rec = KEYS[ki]
    local field, wfield, window, limit = ARGV[ai], ARGV[ai+1], ARGV[ai+2], tonumber(ARGV[ai+3])
    ki = ki + 1
    ai = ai + 4
    if not exists(rec) then return 0 end
    local n = 1
    if redis.call('HGET', rec, wfield) == window then
      n = tonumber(redis.call('HGET', rec, field) or '0') + 1
    end
    if limit > 0 and n > limit then return 0 end
    table.insert(ops, {'c', rec, field, wfield, window, n})
  else
    local from, to, rec = KEYS[ki], KEYS[ki+1], KEYS[ki+2]
    local bucket = ARGV[ai]
    ki = ki + 3
    ai = ai + 1
    if not exists(rec) or not exists(from) or exists(to) then return 0 end
    state[from] = false
    state[to] = true
    table.insert(ops, {'m', from, to, rec, bucket})
  end
end

for _, op in ipairs(ops) do
  if op[1] == 'w' then
    for j = op[3], op[3] + op[4] * 2 - 1, 2 do
      if ARGV[j+1] == '' then
        redis.call('HDEL', op[2], ARGV[j])
      else
        redis.call('HSET', op[2], ARGV[j], ARGV[j+1])
      end
    end
  elseif op[1] == 'c' then
    redis.call('HSET', op[2], op[4], op[5], op[3], tostring(op[6]))
  else
    redis.call('RENAME', op[2], op[3])
    redis.call('HSET', op[4], 'status', op[5])
  end
end
return 1
`)

var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i = 2, #ARGV, 2 do
  if ARGV[i+1] ~= '' then
    redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
  end
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
redis.call('SET', KEYS[2], '1')
return 1
`)

var removeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local status = redis.call('HGET', KEYS[1], 'status')
redis.call('DEL', KEYS[1])
if status then
  redis.call('DEL', KEYS[1] .. ':' .. status)
end
return 1
`)

// CredentialStore implements storage.Store on Redis.
type CredentialStore struct {
	rdb *redis.Client
}

// NewCredentialStore creates a new Redis-backed credential store.
func NewCredentialStore(client *Client) *CredentialStore {
	return &CredentialStore{rdb: client.rdb}
}

var _ storage.Store = (*CredentialStore)(nil)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", storage.ErrUnavailable, op, err)
}

// ListCandidates scans for bucket markers.
func (s *CredentialStore) ListCandidates(ctx context.Context, bucket storage.Bucket) ([]string, error) {
	suffix := ":" + string(bucket)
	seen := make(map[string]struct{})
	iter := s.rdb.Scan(ctx, 0, markerPattern(string(bucket)), 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimSuffix(strings.TrimPrefix(iter.Val(), "key:"), suffix)
		seen[id] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan", err)
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// ReadFields returns the selected hash fields, skipping absent ones.
func (s *CredentialStore) ReadFields(ctx context.Context, id string, fields ...string) (map[string]string, error) {
	if len(fields) == 0 {
		all, err := s.rdb.HGetAll(ctx, recordKey(id)).Result()
		if err != nil {
			return nil, unavailable("hgetall", err)
		}
		return all, nil
	}

	vals, err := s.rdb.HMGet(ctx, recordKey(id), fields...).Result()
	if err != nil {
		return nil, unavailable("hmget", err)
	}
	out := make(map[string]string, len(fields))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[fields[i]] = str
		}
	}
	return out, nil
}

func (s *CredentialStore) WriteFields(ctx context.Context, id string, fields map[string]string) error {
	ok, err := writeScript.Run(ctx, s.rdb, []string{recordKey(id)}, flattenFields(fields)...).Bool()
	if err != nil {
		return unavailable("write", err)
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

func (s *CredentialStore) MoveBucket(ctx context.Context, id string, from, to storage.Bucket) (bool, error) {
	keys := []string{markerKey(id, string(from)), markerKey(id, string(to)), recordKey(id)}
	ok, err := moveScript.Run(ctx, s.rdb, keys, string(to)).Bool()
	if err != nil {
		return false, unavailable("move", err)
	}
	return ok, nil
}

func (s *CredentialStore) Transaction(ctx context.Context, ops ...storage.Op) (bool, error) {
	if len(ops) == 0 {
		return true, nil
	}

	keys := make([]string, 0, len(ops)*3)
	args := []any{len(ops)}
	for _, op := range ops {
		switch op.Kind {
		case storage.OpWrite:
			keys = append(keys, recordKey(op.ID))
			args = append(args, "w", len(op.Fields))
			args = append(args, flattenFields(op.Fields)...)
		case storage.OpMove:
			keys = append(keys,
				markerKey(op.ID, string(op.From)),
				markerKey(op.ID, string(op.To)),
				recordKey(op.ID),
			)
			args = append(args, "m", string(op.To))
		case storage.OpCount:
			c := op.Count
			keys = append(keys, recordKey(op.ID))
			args = append(args, "c", c.Field, c.WindowField, c.Window, c.Limit)
		default:
			return false, fmt.Errorf("unknown op kind %d", op.Kind)
		}
	}

	ok, err := transactionScript.Run(ctx, s.rdb, keys, args...).Bool()
	if err != nil {
		return false, unavailable("transaction", err)
	}
	return ok, nil
}

func (s *CredentialStore) Insert(
	ctx context.Context,
	id string,
	fields map[string]string,
	bucket storage.Bucket,
) (bool, error) {
	args := []any{string(bucket)}
	for k, v := range fields {
		if k == storage.StatusField {
			continue
		}
		args = append(args, k, v)
	}
	keys := []string{recordKey(id), markerKey(id, string(bucket))}
	ok, err := insertScript.Run(ctx, s.rdb, keys, args...).Bool()
	if err != nil {
		return false, unavailable("insert", err)
	}
	return ok, nil
}

func (s *CredentialStore) Remove(ctx context.Context, id string) (bool, error) {
	ok, err := removeScript.Run(ctx, s.rdb, []string{recordKey(id)}).Bool()
	if err != nil {
		return false, unavailable("remove", err)
	}
	return ok, nil
}

func (s *CredentialStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// flattenFields encodes fields as alternating key/value script arguments.
func flattenFields(fields map[string]string) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

