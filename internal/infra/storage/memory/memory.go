package memory

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/vietddude/keyproxy/internal/infra/storage"
)

// MemoryStorage is a process-local storage.Store. One mutex guards every map,
// so each call is atomic with respect to every other call.
type MemoryStorage struct {
	records map[string]map[string]string
	buckets map[string]storage.Bucket
	mu      sync.Mutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[string]map[string]string),
		buckets: make(map[string]storage.Bucket),
	}
}

var _ storage.Store = (*MemoryStorage)(nil)

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

func (s *MemoryStorage) ListCandidates(ctx context.Context, bucket storage.Bucket) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, b := range s.buckets {
		if b == bucket {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStorage) ReadFields(ctx context.Context, id string, fields ...string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return map[string]string{}, nil
	}
	if len(fields) == 0 {
		return maps.Clone(rec), nil
	}
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if v, ok := rec[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// -----------------------------------------------------------------------------
// Writes
// -----------------------------------------------------------------------------

func (s *MemoryStorage) WriteFields(ctx context.Context, id string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return storage.ErrNotFound
	}
	applyFields(rec, fields)
	return nil
}

func (s *MemoryStorage) MoveBucket(ctx context.Context, id string, from, to storage.Bucket) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canMove(id, from, to) {
		return false, nil
	}
	s.move(id, to)
	return true, nil
}

func (s *MemoryStorage) Transaction(ctx context.Context, ops ...storage.Op) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate against the state each op would see, then apply.
	pending := make(map[string]storage.Bucket)
	counts := make(map[int]int)
	for i, op := range ops {
		rec, ok := s.records[op.ID]
		if !ok {
			return false, nil
		}
		switch op.Kind {
		case storage.OpMove:
			current, ok := pending[op.ID]
			if !ok {
				current = s.buckets[op.ID]
			}
			if current != op.From || op.From == op.To {
				return false, nil
			}
			pending[op.ID] = op.To
		case storage.OpCount:
			n, ok := nextCount(rec, op.Count)
			if !ok {
				return false, nil
			}
			counts[i] = n
		}
	}

	for i, op := range ops {
		switch op.Kind {
		case storage.OpWrite:
			applyFields(s.records[op.ID], op.Fields)
		case storage.OpMove:
			s.move(op.ID, op.To)
		case storage.OpCount:
			rec := s.records[op.ID]
			rec[op.Count.WindowField] = op.Count.Window
			rec[op.Count.Field] = strconv.Itoa(counts[i])
		}
	}
	return true, nil
}

// nextCount returns the value c would take on rec, and false when it passes the limit.
func nextCount(rec map[string]string, c *storage.Counter) (int, bool) {
	n := 1
	if rec[c.WindowField] == c.Window {
		cur, _ := strconv.Atoi(rec[c.Field])
		n = cur + 1
	}
	if c.Limit > 0 && n > c.Limit {
		return 0, false
	}
	return n, true
}

func (s *MemoryStorage) Insert(
	ctx context.Context,
	id string,
	fields map[string]string,
	bucket storage.Bucket,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		return false, nil
	}
	rec := make(map[string]string, len(fields)+1)
	applyFields(rec, fields)
	s.records[id] = rec
	s.move(id, bucket)
	return true, nil
}

func (s *MemoryStorage) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	delete(s.records, id)
	delete(s.buckets, id)
	return true, nil
}

func (s *MemoryStorage) canMove(id string, from, to storage.Bucket) bool {
	if _, ok := s.records[id]; !ok {
		return false
	}
	return s.buckets[id] == from && from != to
}

func (s *MemoryStorage) move(id string, to storage.Bucket) {
	s.buckets[id] = to
	s.records[id][storage.StatusField] = string(to)
}

func applyFields(rec, fields map[string]string) {
	for k, v := range fields {
		if v == "" {
			delete(rec, k)
			continue
		}
		rec[k] = v
	}
}
