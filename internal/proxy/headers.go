package proxy

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Cooldowns longer than this are treated as a daily reset.
const maxRetryAfter = 24 * time.Hour

// retryAfter reads a Retry-After header in either delta-seconds or HTTP-date form.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	var d time.Duration
	if seconds, err := time.ParseDuration(v + "s"); err == nil {
		d = seconds
	} else if parsed, err := http.ParseTime(v); err == nil {
		d = parsed.Sub(now)
	}
	if d <= 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

// quotaHeaders reads X-RateLimit-Remaining and X-RateLimit-Reset when present.
// Reset is accepted as a Unix timestamp or as seconds from now.
func quotaHeaders(h http.Header, now time.Time) (remaining *int, resetAt *time.Time) {
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			remaining = &n
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
			var t time.Time
			if n > 1_000_000_000 {
				t = time.Unix(n, 0).UTC()
			} else {
				t = now.Add(time.Duration(n) * time.Second).UTC()
			}
			resetAt = &t
		}
	}
	return remaining, resetAt
}
