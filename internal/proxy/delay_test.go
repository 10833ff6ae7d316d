package proxy

import (
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		name    string
		status  int
		attempt int
		max     time.Duration
		want    time.Duration
	}{
		{"429 first", 429, 1, 0, 100 * time.Millisecond},
		{"429 third", 429, 3, 0, 400 * time.Millisecond},
		{"429 capped", 429, 10, time.Second, time.Second},
		{"504 linear", 504, 3, 0, 300 * time.Millisecond},
		{"500 flat", 500, 4, 0, 100 * time.Millisecond},
		{"transport flat", 0, 2, 0, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryDelay(tt.status, tt.attempt, base, tt.max); got != tt.want {
				t.Errorf("RetryDelay() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRetryDelay_Jitter(t *testing.T) {
	base := 100 * time.Millisecond
	for range 20 {
		got := RetryDelay(503, 1, base, 0)
		if got < base || got >= 2*base {
			t.Fatalf("RetryDelay(503) = %s, want [%s, %s)", got, base, 2*base)
		}
	}
}

func TestRetryDelay_ZeroBase(t *testing.T) {
	if got := RetryDelay(429, 5, 0, time.Second); got != 0 {
		t.Errorf("RetryDelay() = %s, want 0", got)
	}
}
