package domain

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a credential.
// The string value doubles as the store bucket name.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusInUse       Status = "in_use"
	StatusCoolingDown Status = "cooling"
	StatusDisabled    Status = "disabled"
	StatusExpired     Status = "expired"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusAvailable,
	StatusInUse,
	StatusCoolingDown,
	StatusDisabled,
	StatusExpired,
}

// ParseStatus converts a stored status string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown credential status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusInUse, StatusCoolingDown, StatusDisabled, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether leaving s requires a manual reactivation.
func (s Status) Terminal() bool {
	switch s {
	case StatusDisabled, StatusExpired:
		return true
	case StatusAvailable, StatusInUse, StatusCoolingDown:
		return false
	default:
		return false
	}
}

// Reasons recorded alongside a status change.
const (
	ReasonInitial          = "initial_addition"
	ReasonSuccess          = "success"
	ReasonReleased         = "released"
	ReasonQuotaExceeded    = "quota_exceeded"
	ReasonServerError      = "server_error"
	ReasonTimeout          = "timeout"
	ReasonTransportError   = "transport_error"
	ReasonInvalidAuth      = "invalid_auth"
	ReasonBadRequest       = "bad_request"
	ReasonDailyQuota       = "daily_quota"
	ReasonCooldownElapsed  = "cooldown_elapsed"
	ReasonLockExpired      = "lock_expired"
	ReasonManualReactivate = "manual_reactivate"
	ReasonHealthCheck      = "health_check_passed"
	ReasonDailyReset       = "daily_reset"
)

// Failure is the last failed upstream call made with a credential.
// Code is the HTTP status, or 0 for transport failures.
type Failure struct {
	Code int       `json:"code"`
	At   time.Time `json:"at"`
}

// Credential is one upstream API key and its health bookkeeping.
type Credential struct {
	ID          string
	Status      Status
	Reason      string
	HealthScore float64

	QuotaRemaining *int
	QuotaResetAt   *time.Time

	RequestsThisMinute int
	MinuteWindow       time.Time // start of the minute RequestsThisMinute counts
	RequestsToday      int
	Day                string // UTC day (2006-01-02) RequestsToday counts

	LastUsedAt  *time.Time
	LastFailure *Failure

	TotalUses     int64
	TotalFailures int64

	CooldownUntil *time.Time
	LockedAt      *time.Time
	CreatedAt     time.Time
}

// ErrorRate returns TotalFailures / TotalUses, or 0 before the first use.
func (c *Credential) ErrorRate() float64 {
	if c.TotalUses == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.TotalUses)
}

// MinuteCount returns the requests made in the minute containing now.
func (c *Credential) MinuteCount(now time.Time) int {
	if !c.MinuteWindow.Equal(MinuteOf(now)) {
		return 0
	}
	return c.RequestsThisMinute
}

// DayCount returns the requests made on the UTC day containing now.
func (c *Credential) DayCount(now time.Time) int {
	if c.Day != DayOf(now) {
		return 0
	}
	return c.RequestsToday
}

// CoolingUntil reports whether the credential is still resting at now.
func (c *Credential) CoolingUntil(now time.Time) bool {
	return c.CooldownUntil != nil && now.Before(*c.CooldownUntil)
}

// MinuteOf truncates t to the start of its minute in UTC.
func MinuteOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// DayOf formats the UTC day containing t.
func DayOf(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// MaskKey hides all but the last four characters of a key for logs and listings.
func MaskKey(key string) string {
	const suffixLength = 4
	if key == "" {
		return "[EMPTY]"
	}
	if len(key) > suffixLength {
		return "..." + key[len(key)-suffixLength:]
	}
	return "..." + key
}

// Summary is the admin-facing view of a credential.
type Summary struct {
	Key                string     `json:"key"`
	Status             Status     `json:"status"`
	Reason             string     `json:"reason,omitempty"`
	NeedsReactivation  bool       `json:"needs_reactivation"`
	HealthScore        float64    `json:"health_score"`
	ErrorRate          float64    `json:"error_rate"`
	TotalUses          int64      `json:"total_uses"`
	TotalFailures      int64      `json:"total_failures"`
	RequestsThisMinute int        `json:"requests_this_minute"`
	RequestsToday      int        `json:"requests_today"`
	QuotaRemaining     *int       `json:"quota_remaining,omitempty"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	LastFailure        *Failure   `json:"last_failure,omitempty"`
	CooldownUntil      *time.Time `json:"cooldown_until,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Summarize builds the admin view. Raw keys are only included when reveal is set.
func (c *Credential) Summarize(now time.Time, reveal bool) Summary {
	key := MaskKey(c.ID)
	if reveal {
		key = c.ID
	}
	return Summary{
		Key:                key,
		Status:             c.Status,
		Reason:             c.Reason,
		NeedsReactivation:  c.Status.Terminal(),
		HealthScore:        c.HealthScore,
		ErrorRate:          c.ErrorRate(),
		TotalUses:          c.TotalUses,
		TotalFailures:      c.TotalFailures,
		RequestsThisMinute: c.MinuteCount(now),
		RequestsToday:      c.DayCount(now),
		QuotaRemaining:     c.QuotaRemaining,
		LastUsedAt:         c.LastUsedAt,
		LastFailure:        c.LastFailure,
		CooldownUntil:      c.CooldownUntil,
		CreatedAt:          c.CreatedAt,
	}
}
