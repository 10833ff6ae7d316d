package pool

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/metrics"
)

var keySeparators = regexp.MustCompile(`[\s,]+`)

// ParseKeyList splits an uploaded key list on whitespace and commas.
func ParseKeyList(text string) []string {
	var keys []string
	for _, k := range keySeparators.Split(text, -1) {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func validateKey(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.IndexFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r == ','
	}) >= 0 {
		return fmt.Errorf("%w: contains separator characters", ErrInvalidKey)
	}
	return nil
}

// Add pools a new credential as Available with full health.
func (p *Pool) Add(ctx context.Context, id string) error {
	if err := validateKey(id); err != nil {
		return err
	}
	ok, err := p.store.Insert(ctx, id, newRecord(id, p.now()), bucket(domain.StatusAvailable))
	if err != nil {
		return err
	}
	if !ok {
		return ErrKeyExists
	}
	p.logger.Info("Credential added", "key", domain.MaskKey(id))
	return nil
}

// BulkResult counts the outcome of a BulkAdd.
type BulkResult struct {
	Added     int `json:"added"`
	Duplicate int `json:"duplicate"`
	Invalid   int `json:"invalid"`
}

// BulkAdd adds every id, counting duplicates and invalid entries instead of
// failing. It stops at the first store error.
func (p *Pool) BulkAdd(ctx context.Context, ids []string) (BulkResult, error) {
	var res BulkResult
	for _, id := range ids {
		err := p.Add(ctx, id)
		switch {
		case err == nil:
			res.Added++
		case errors.Is(err, ErrKeyExists):
			res.Duplicate++
		case errors.Is(err, ErrInvalidKey):
			res.Invalid++
		default:
			return res, err
		}
	}
	return res, nil
}

// Delete removes a credential whatever its status.
func (p *Pool) Delete(ctx context.Context, id string) error {
	ok, err := p.store.Remove(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrKeyNotFound
	}
	p.logger.Info("Credential deleted", "key", domain.MaskKey(id))
	return nil
}

// Get returns one credential.
func (p *Pool) Get(ctx context.Context, id string) (*domain.Credential, error) {
	return p.read(ctx, id)
}

// List returns every credential grouped by status and refreshes the pool gauge.
func (p *Pool) List(ctx context.Context) ([]*domain.Credential, error) {
	var all []*domain.Credential
	for _, status := range domain.AllStatuses {
		creds, err := p.listStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		metrics.PoolCredentials.WithLabelValues(string(status)).Set(float64(len(creds)))
		all = append(all, creds...)
	}
	return all, nil
}

// Counts returns the number of credentials per status.
func (p *Pool) Counts(ctx context.Context) (map[State]int, error) {
	counts := make(map[State]int, len(domain.AllStatuses))
	for _, status := range domain.AllStatuses {
		ids, err := p.store.ListCandidates(ctx, bucket(status))
		if err != nil {
			return nil, err
		}
		counts[status] = len(ids)
	}
	return counts, nil
}

// Reactivate returns a CoolingDown, Disabled or Expired credential to
// Available with its health reset. Reactivating an Available credential is a
// no-op; an InUse credential cannot be reactivated.
func (p *Pool) Reactivate(ctx context.Context, id string) error {
	c, err := p.read(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case domain.StatusAvailable:
		return nil
	case domain.StatusInUse:
		return fmt.Errorf("%w: %s is in use", ErrInvalidTransition, domain.MaskKey(id))
	}
	ok, err := p.reactivate(ctx, c, domain.ReasonManualReactivate, true)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s changed status concurrently", ErrInvalidTransition, domain.MaskKey(id))
	}
	p.logger.Info("Credential reactivated", "key", domain.MaskKey(id), "from", c.Status)
	return nil
}

