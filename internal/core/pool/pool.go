// Package pool manages the lifecycle of upstream credentials: selection,
// locking, health bookkeeping and the status state machine. All state lives in
// the storage.Store; a Pool holds no credential state of its own.
package pool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/infra/storage"
	"github.com/vietddude/keyproxy/internal/metrics"
)

var (
	// ErrNoAvailableKeys is returned when no credential is eligible for selection.
	ErrNoAvailableKeys = errors.New("no available keys")

	// ErrKeyNotFound is returned when a credential doesn't exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists is returned when adding a credential that is already pooled.
	ErrKeyExists = errors.New("key already exists")

	// ErrInvalidKey is returned for empty or malformed credentials.
	ErrInvalidKey = errors.New("invalid key")

	// ErrNotLocked is returned when finalizing a credential the caller no longer holds.
	ErrNotLocked = errors.New("key is not locked")

	// ErrLockContention is returned when Acquire loses every lock race.
	ErrLockContention = errors.New("key lock contention")
)

// Health arithmetic.
const (
	recoveryRate      = 0.05
	penaltyFactor     = 0.75
	ReactivatedHealth = 0.8
)

// RecoverHealth moves h a step toward 1.0.
func RecoverHealth(h float64) float64 {
	return clampHealth(h + recoveryRate*(1-h))
}

// PenalizeHealth cuts h by a flat fraction.
func PenalizeHealth(h float64) float64 {
	return clampHealth(h * penaltyFactor)
}

func clampHealth(h float64) float64 {
	return min(1, max(0, h))
}

// Config holds pool limits. Zero limits disable the corresponding ceiling.
type Config struct {
	RPMLimit    int           `yaml:"rpm_limit"`
	DailyLimit  int           `yaml:"daily_limit"`
	Cooldown    time.Duration `yaml:"cooldown"`
	LockLease   time.Duration `yaml:"lock_lease"`
	LockRetries int           `yaml:"lock_retries"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RPMLimit:    15,
		DailyLimit:  0,
		Cooldown:    60 * time.Second,
		LockLease:   5 * time.Minute,
		LockRetries: 5,
	}
}

// Outcome is the final result of one upstream call made while holding a credential.
type Outcome struct {
	Success        bool
	Code           int // HTTP status, 0 for transport failures
	Next           State
	Reason         string
	Cooldown       time.Duration // overrides Config.Cooldown when positive
	QuotaRemaining *int
	QuotaResetAt   *time.Time
}

// Pool is the credential pool manager.
type Pool struct {
	store  storage.Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New creates a pool over store.
func New(store storage.Store, cfg Config) *Pool {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.LockRetries <= 0 {
		cfg.LockRetries = DefaultConfig().LockRetries
	}
	return &Pool{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "pool"),
	}
}

// GetBestKey returns the healthiest eligible Available credential without locking it.
func (p *Pool) GetBestKey(ctx context.Context) (*domain.Credential, error) {
	if _, err := p.ReclaimCooled(ctx); err != nil {
		return nil, err
	}

	now := p.now()
	ids, err := p.store.ListCandidates(ctx, bucket(domain.StatusAvailable))
	if err != nil {
		return nil, err
	}

	candidates := make([]*domain.Credential, 0, len(ids))
	for _, id := range ids {
		c, err := p.read(ctx, id)
		if errors.Is(err, ErrKeyNotFound) {
			continue // deleted since the scan
		}
		if err != nil {
			if errors.Is(err, storage.ErrUnavailable) {
				return nil, err
			}
			p.logger.Warn("Skipping unreadable credential", "key", domain.MaskKey(id), "error", err)
			continue
		}
		if c.Status != domain.StatusAvailable {
			continue
		}

		if p.cfg.DailyLimit > 0 && c.DayCount(now) >= p.cfg.DailyLimit {
			if err := p.expire(ctx, c); err != nil {
				return nil, err
			}
			continue
		}
		if p.cfg.RPMLimit > 0 && c.MinuteCount(now) >= p.cfg.RPMLimit {
			continue
		}
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil, ErrNoAvailableKeys
	}
	slices.SortFunc(candidates, compareCandidates)
	return candidates[0], nil
}

// compareCandidates orders by health desc, known quota desc, then least recently used.
func compareCandidates(a, b *domain.Credential) int {
	if c := cmp.Compare(b.HealthScore, a.HealthScore); c != 0 {
		return c
	}
	switch {
	case a.QuotaRemaining != nil && b.QuotaRemaining != nil:
		if c := cmp.Compare(*b.QuotaRemaining, *a.QuotaRemaining); c != 0 {
			return c
		}
	case a.QuotaRemaining != nil:
		return -1
	case b.QuotaRemaining != nil:
		return 1
	}
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt != nil:
		return -1
	case a.LastUsedAt != nil && b.LastUsedAt == nil:
		return 1
	case a.LastUsedAt != nil && b.LastUsedAt != nil:
		if c := a.LastUsedAt.Compare(*b.LastUsedAt); c != 0 {
			return c
		}
	}
	return strings.Compare(a.ID, b.ID)
}

// LockKey moves c from Available to InUse and counts the request against the
// minute and day windows in the same step. The counters are bumped in the
// store, so a concurrent use since c was read is never lost and a key at its
// ceiling is never locked. False means another caller won the race or the key
// reached a limit.
func (p *Pool) LockKey(ctx context.Context, c *domain.Credential) (bool, error) {
	now := p.now()
	minute := domain.MinuteOf(now)
	day := domain.DayOf(now)

	ok, err := p.store.Transaction(ctx,
		storage.Move(c.ID, bucket(domain.StatusAvailable), bucket(domain.StatusInUse)),
		storage.Count(c.ID, storage.Counter{
			Field:       fieldRPMCount,
			WindowField: fieldRPMWindow,
			Window:      formatTime(minute),
			Limit:       p.cfg.RPMLimit,
		}),
		storage.Count(c.ID, storage.Counter{
			Field:       fieldRPDCount,
			WindowField: fieldRPDDay,
			Window:      day,
			Limit:       p.cfg.DailyLimit,
		}),
		storage.Write(c.ID, map[string]string{
			fieldLockedAt:   formatTime(now),
			fieldLastUsedAt: formatTime(now),
		}),
	)
	if err != nil || !ok {
		return false, err
	}

	// Counts from c's snapshot; the store holds the authoritative values.
	c.Status = domain.StatusInUse
	c.LockedAt = &now
	c.LastUsedAt = &now
	c.MinuteWindow, c.RequestsThisMinute = minute, c.MinuteCount(now)+1
	c.Day, c.RequestsToday = day, c.DayCount(now)+1
	p.recordTransition(c.ID, domain.StatusAvailable, domain.StatusInUse, "")
	return true, nil
}

// Acquire selects and locks the best credential, re-running selection when a
// concurrent caller wins the lock. It returns ErrLockContention when every
// retry loses.
func (p *Pool) Acquire(ctx context.Context) (*domain.Credential, error) {
	for range p.cfg.LockRetries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := p.GetBestKey(ctx)
		if err != nil {
			return nil, err
		}
		ok, err := p.LockKey(ctx, c)
		if err != nil {
			return nil, err
		}
		if ok {
			return c, nil
		}
		metrics.LockContention.Inc()
		p.logger.Debug("Lost lock race", "key", domain.MaskKey(c.ID))
	}
	return nil, fmt.Errorf("%w: lost %d lock races", ErrLockContention, p.cfg.LockRetries)
}

// UpdateKey finalizes a locked credential with the outcome of its upstream call.
// Every field change and the bucket move are applied as one transaction.
func (p *Pool) UpdateKey(ctx context.Context, id string, o Outcome) error {
	if !CanTransition(domain.StatusInUse, o.Next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, domain.StatusInUse, o.Next)
	}

	c, err := p.read(ctx, id)
	if errors.Is(err, ErrKeyNotFound) {
		return ErrNotLocked
	}
	if err != nil {
		return err
	}
	if c.Status != domain.StatusInUse {
		return ErrNotLocked
	}

	now := p.now()
	uses := c.TotalUses + 1
	failures := c.TotalFailures
	fields := map[string]string{
		fieldReason:        o.Reason,
		fieldLockedAt:      cleared,
		fieldCooldownUntil: cleared,
	}
	if o.Success {
		fields[fieldHealth] = formatFloat(RecoverHealth(c.HealthScore))
	} else {
		failures++
		fields[fieldHealth] = formatFloat(PenalizeHealth(c.HealthScore))
		fields[fieldLastFailureCode] = strconv.Itoa(o.Code)
		fields[fieldLastFailureAt] = formatTime(now)
	}
	fields[fieldTotalUses] = strconv.FormatInt(uses, 10)
	fields[fieldTotalFailures] = strconv.FormatInt(failures, 10)
	fields[fieldErrorRate] = formatFloat(float64(failures) / float64(uses))

	if o.QuotaRemaining != nil {
		fields[fieldQuotaRemaining] = strconv.Itoa(*o.QuotaRemaining)
	}
	if o.QuotaResetAt != nil {
		fields[fieldQuotaResetAt] = formatTime(*o.QuotaResetAt)
	}
	if o.Next == domain.StatusCoolingDown {
		cooldown := o.Cooldown
		if cooldown <= 0 {
			cooldown = p.cfg.Cooldown
		}
		fields[fieldCooldownUntil] = formatTime(now.Add(cooldown))
	}

	ok, err := p.store.Transaction(ctx,
		storage.Write(id, fields),
		storage.Move(id, bucket(domain.StatusInUse), bucket(o.Next)),
	)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotLocked
	}

	p.recordTransition(id, domain.StatusInUse, o.Next, o.Reason)
	return nil
}

// ReleaseKey returns a locked credential to Available without touching its
// health. Releasing a credential that is not InUse is a no-op.
func (p *Pool) ReleaseKey(ctx context.Context, id string) error {
	ok, err := p.store.Transaction(ctx,
		storage.Write(id, map[string]string{
			fieldLockedAt: cleared,
			fieldReason:   domain.ReasonReleased,
		}),
		storage.Move(id, bucket(domain.StatusInUse), bucket(domain.StatusAvailable)),
	)
	if err != nil {
		return err
	}
	if ok {
		p.recordTransition(id, domain.StatusInUse, domain.StatusAvailable, domain.ReasonReleased)
	}
	return nil
}

// ReclaimCooled moves CoolingDown credentials whose cooldown has elapsed back to Available.
func (p *Pool) ReclaimCooled(ctx context.Context) (int, error) {
	return p.sweepBucket(ctx, domain.StatusCoolingDown, func(c *domain.Credential, now time.Time) bool {
		return !c.CoolingUntil(now)
	}, domain.ReasonCooldownElapsed, false)
}

// expire burns an Available credential that reached the daily ceiling.
func (p *Pool) expire(ctx context.Context, c *domain.Credential) error {
	ok, err := p.store.Transaction(ctx,
		storage.Write(c.ID, map[string]string{fieldReason: domain.ReasonDailyQuota}),
		storage.Move(c.ID, bucket(domain.StatusAvailable), bucket(domain.StatusExpired)),
	)
	if err != nil {
		return err
	}
	if ok {
		p.recordTransition(c.ID, domain.StatusAvailable, domain.StatusExpired, domain.ReasonDailyQuota)
	}
	return nil
}

// reactivate moves c back to Available. resetHealth restores the health score
// to ReactivatedHealth. It returns false when c changed status concurrently.
func (p *Pool) reactivate(ctx context.Context, c *domain.Credential, reason string, resetHealth bool) (bool, error) {
	if !CanTransition(c.Status, domain.StatusAvailable) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, domain.StatusAvailable)
	}
	fields := map[string]string{
		fieldReason:        reason,
		fieldCooldownUntil: cleared,
		fieldLockedAt:      cleared,
	}
	if resetHealth {
		fields[fieldHealth] = formatFloat(ReactivatedHealth)
	}
	ok, err := p.store.Transaction(ctx,
		storage.Write(c.ID, fields),
		storage.Move(c.ID, bucket(c.Status), bucket(domain.StatusAvailable)),
	)
	if err != nil || !ok {
		return false, err
	}
	p.recordTransition(c.ID, c.Status, domain.StatusAvailable, reason)
	return true, nil
}

// sweepBucket reactivates every credential in status that matches due.
func (p *Pool) sweepBucket(
	ctx context.Context,
	status State,
	due func(c *domain.Credential, now time.Time) bool,
	reason string,
	resetHealth bool,
) (int, error) {
	creds, err := p.listStatus(ctx, status)
	if err != nil {
		return 0, err
	}
	now := p.now()
	moved := 0
	for _, c := range creds {
		if !due(c, now) {
			continue
		}
		ok, err := p.reactivate(ctx, c, reason, resetHealth)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

func (p *Pool) read(ctx context.Context, id string) (*domain.Credential, error) {
	fields, err := p.store.ReadFields(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeCredential(id, fields)
}

// listStatus reads every credential currently in status, skipping records
// that vanish or move mid-scan.
func (p *Pool) listStatus(ctx context.Context, status State) ([]*domain.Credential, error) {
	ids, err := p.store.ListCandidates(ctx, bucket(status))
	if err != nil {
		return nil, err
	}
	creds := make([]*domain.Credential, 0, len(ids))
	for _, id := range ids {
		c, err := p.read(ctx, id)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			if errors.Is(err, storage.ErrUnavailable) {
				return nil, err
			}
			p.logger.Warn("Skipping unreadable credential", "key", domain.MaskKey(id), "error", err)
			continue
		}
		if c.Status == status {
			creds = append(creds, c)
		}
	}
	return creds, nil
}

func (p *Pool) recordTransition(id string, from, to State, reason string) {
	t := NewTransition(id, from, to, reason, p.now())
	metrics.CredentialTransitions.WithLabelValues(string(from), string(to)).Inc()
	if !t.IsValid() {
		p.logger.Error("Credential moved outside the state machine", "transition", t)
		return
	}
	if from == domain.StatusAvailable && to == domain.StatusInUse {
		return
	}
	p.logger.Debug("Credential transition", "transition", t)
}

// RecoverStaleLocks returns InUse credentials whose lease has run out to
// Available. Health is left untouched.
func (p *Pool) RecoverStaleLocks(ctx context.Context) (int, error) {
	if p.cfg.LockLease <= 0 {
		return 0, nil
	}
	return p.sweepBucket(ctx, domain.StatusInUse, func(c *domain.Credential, now time.Time) bool {
		return c.LockedAt == nil || now.Sub(*c.LockedAt) > p.cfg.LockLease
	}, domain.ReasonLockExpired, false)
}

// ResetDaily returns credentials expired by the daily ceiling to Available
// once the UTC day has rolled over.
func (p *Pool) ResetDaily(ctx context.Context) (int, error) {
	return p.sweepBucket(ctx, domain.StatusExpired, func(c *domain.Credential, now time.Time) bool {
		return c.Reason == domain.ReasonDailyQuota && c.Day != domain.DayOf(now)
	}, domain.ReasonDailyReset, false)
}
