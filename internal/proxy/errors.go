package proxy

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vietddude/keyproxy/internal/core/domain"
)

// ErrMaxRetriesExceeded is returned when the attempt budget is spent or the
// pool ran dry after transient failures.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// UpstreamError is a failed upstream attempt. Permanent errors are returned
// immediately; transient ones only surface wrapped in ErrMaxRetriesExceeded.
type UpstreamError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Permanent  bool
	Reason     string
	Key        string // masked
	Err        error
}

func (e *UpstreamError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s upstream error (%s) with key %s: %v", kind, e.Reason, e.Key, e.Err)
	}
	return fmt.Sprintf("%s upstream error (%s) with key %s: status %d", kind, e.Reason, e.Key, e.StatusCode)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func newUpstreamError(o Outcome, d Decision, key string) *UpstreamError {
	return &UpstreamError{
		StatusCode: o.StatusCode,
		Header:     o.Header,
		Body:       o.Body,
		Permanent:  d.Permanent(),
		Reason:     d.Reason,
		Key:        domain.MaskKey(key),
		Err:        o.Err,
	}
}
