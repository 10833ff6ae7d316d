package proxy

import (
	"math/rand/v2"
	"net/http"
	"time"
)

// RetryDelay returns how long to wait before the next attempt after the
// attempt-th attempt ended with status. Rate limits back off exponentially,
// 503 adds jitter, 504 grows linearly. Zero base disables the delay.
func RetryDelay(status, attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	attempt = max(attempt, 1)

	var d time.Duration
	switch status {
	case http.StatusTooManyRequests:
		d = base << min(attempt-1, 16)
	case http.StatusServiceUnavailable:
		d = base + rand.N(base)
	case http.StatusGatewayTimeout:
		d = base * time.Duration(attempt)
	default:
		d = base
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}
