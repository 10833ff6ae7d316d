package pool

import (
	"fmt"
	"strconv"
	"time"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/infra/storage"
)

// Record field names.
const (
	fieldAPIKey          = "api_key"
	fieldReason          = "reason"
	fieldHealth          = "health_score"
	fieldQuotaRemaining  = "quota_remaining"
	fieldQuotaResetAt    = "quota_reset_at"
	fieldRPMWindow       = "rpm_window"
	fieldRPMCount        = "rpm_count"
	fieldRPDDay          = "rpd_day"
	fieldRPDCount        = "rpd_count"
	fieldLastUsedAt      = "last_used_at"
	fieldLastFailureCode = "last_failure_code"
	fieldLastFailureAt   = "last_failure_at"
	fieldTotalUses       = "total_uses"
	fieldTotalFailures   = "total_failures"
	fieldErrorRate       = "error_rate"
	fieldCooldownUntil   = "cooldown_until"
	fieldLockedAt        = "locked_at"
	fieldCreatedAt       = "created_at"
)

// cleared marks a field for removal in a storage write.
const cleared = ""

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// newRecord returns the fields of a freshly added credential.
func newRecord(id string, now time.Time) map[string]string {
	return map[string]string{
		fieldAPIKey:        id,
		fieldReason:        domain.ReasonInitial,
		fieldHealth:        "1",
		fieldTotalUses:     "0",
		fieldTotalFailures: "0",
		fieldErrorRate:     "0",
		fieldCreatedAt:     formatTime(now),
	}
}

// decodeCredential builds a Credential from its stored fields.
func decodeCredential(id string, f map[string]string) (*domain.Credential, error) {
	if len(f) == 0 {
		return nil, ErrKeyNotFound
	}
	d := decoder{fields: f}

	status, err := domain.ParseStatus(f[storage.StatusField])
	if err != nil {
		return nil, fmt.Errorf("credential %s: %w", domain.MaskKey(id), err)
	}

	c := &domain.Credential{
		ID:                 id,
		Status:             status,
		Reason:             f[fieldReason],
		HealthScore:        d.float(fieldHealth, 1),
		QuotaRemaining:     d.optInt(fieldQuotaRemaining),
		QuotaResetAt:       d.optTime(fieldQuotaResetAt),
		RequestsThisMinute: d.int(fieldRPMCount),
		RequestsToday:      d.int(fieldRPDCount),
		Day:                f[fieldRPDDay],
		LastUsedAt:         d.optTime(fieldLastUsedAt),
		TotalUses:          int64(d.int(fieldTotalUses)),
		TotalFailures:      int64(d.int(fieldTotalFailures)),
		CooldownUntil:      d.optTime(fieldCooldownUntil),
		LockedAt:           d.optTime(fieldLockedAt),
	}
	if w := d.optTime(fieldRPMWindow); w != nil {
		c.MinuteWindow = *w
	}
	if t := d.optTime(fieldCreatedAt); t != nil {
		c.CreatedAt = *t
	}
	if at := d.optTime(fieldLastFailureAt); at != nil {
		c.LastFailure = &domain.Failure{Code: d.int(fieldLastFailureCode), At: *at}
	}
	if d.err != nil {
		return nil, fmt.Errorf("credential %s: %w", domain.MaskKey(id), d.err)
	}
	return c, nil
}

// decoder parses string fields, keeping the first error.
type decoder struct {
	fields map[string]string
	err    error
}

func (d *decoder) int(name string) int {
	v, ok := d.fields[name]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("field %s: %w", name, err)
	}
	return n
}

func (d *decoder) optInt(name string) *int {
	if _, ok := d.fields[name]; !ok {
		return nil
	}
	n := d.int(name)
	return &n
}

func (d *decoder) float(name string, def float64) float64 {
	v, ok := d.fields[name]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("field %s: %w", name, err)
	}
	return f
}

func (d *decoder) optTime(name string) *time.Time {
	v, ok := d.fields[name]
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		if d.err == nil {
			d.err = fmt.Errorf("field %s: %w", name, err)
		}
		return nil
	}
	return &t
}
