package proxy

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/proxy/upstream"
)

// Penalty is what happens to the credential after an attempt.
type Penalty int

const (
	PenaltyNone Penalty = iota // nothing learned, release the credential
	PenaltyRecover
	PenaltyCooldown
	PenaltyDisable
	PenaltyExpire
)

func (p Penalty) String() string {
	switch p {
	case PenaltyNone:
		return "none"
	case PenaltyRecover:
		return "recover"
	case PenaltyCooldown:
		return "cooldown"
	case PenaltyDisable:
		return "disable"
	case PenaltyExpire:
		return "expire"
	default:
		return "unknown"
	}
}

// next returns the status a credential moves to under p. PenaltyNone has no
// target; the credential is released instead.
func (p Penalty) next() domain.Status {
	switch p {
	case PenaltyRecover:
		return domain.StatusAvailable
	case PenaltyCooldown:
		return domain.StatusCoolingDown
	case PenaltyDisable:
		return domain.StatusDisabled
	case PenaltyExpire:
		return domain.StatusExpired
	case PenaltyNone:
		return domain.StatusAvailable
	default:
		return domain.StatusAvailable
	}
}

// Outcome is the raw result of one upstream attempt.
type Outcome struct {
	StatusCode int
	Err        error // transport failure, StatusCode is 0
	Body       []byte
	Header     http.Header
	Elapsed    time.Duration
}

// Decision is what the router does with an Outcome.
type Decision struct {
	Success      bool
	Retry        bool
	Penalty      Penalty
	WidenTimeout bool
	Reason       string
}

// Permanent reports whether the request must fail without another attempt.
func (d Decision) Permanent() bool {
	return !d.Success && !d.Retry && d.Penalty != PenaltyNone
}

// Gemini marks per-day quota violations in the 429 body, e.g.
// "GenerateRequestsPerDayPerProjectPerModel-FreeTier".
var dailyQuotaMarkers = [][]byte{
	[]byte("perday"),
	[]byte("per day"),
	[]byte("daily"),
}

// Gemini answers 400 rather than 401 for a malformed or revoked key.
var invalidKeyMarkers = [][]byte{
	[]byte("api_key_invalid"),
	[]byte("api key not valid"),
	[]byte("api key expired"),
}

// Classify maps an attempt outcome to a decision.
func Classify(o Outcome) Decision {
	if o.Err != nil {
		if isTimeout(o.Err) {
			return Decision{Retry: true, Penalty: PenaltyCooldown, WidenTimeout: true, Reason: domain.ReasonTimeout}
		}
		return Decision{Retry: true, Penalty: PenaltyCooldown, Reason: domain.ReasonTransportError}
	}

	code := o.StatusCode
	switch {
	case code >= 200 && code < 300:
		return Decision{Success: true, Penalty: PenaltyRecover, Reason: domain.ReasonSuccess}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Decision{Penalty: PenaltyDisable, Reason: domain.ReasonInvalidAuth}
	case code == http.StatusBadRequest && containsAny(o.Body, invalidKeyMarkers):
		return Decision{Penalty: PenaltyDisable, Reason: domain.ReasonInvalidAuth}
	case code == http.StatusBadRequest || code == http.StatusNotFound || code == http.StatusUnprocessableEntity:
		return Decision{Penalty: PenaltyDisable, Reason: domain.ReasonBadRequest}
	case code == http.StatusTooManyRequests && containsAny(o.Body, dailyQuotaMarkers):
		return Decision{Retry: true, Penalty: PenaltyExpire, Reason: domain.ReasonDailyQuota}
	case code == http.StatusTooManyRequests:
		return Decision{Retry: true, Penalty: PenaltyCooldown, Reason: domain.ReasonQuotaExceeded}
	case code >= 500:
		return Decision{Retry: true, Penalty: PenaltyCooldown, WidenTimeout: true, Reason: domain.ReasonServerError}
	default:
		return Decision{Penalty: PenaltyNone, Reason: "unclassified_status"}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, upstream.ErrAttemptTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func containsAny(body []byte, markers [][]byte) bool {
	if len(body) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, m := range markers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}
