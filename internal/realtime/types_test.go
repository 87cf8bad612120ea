package realtime

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		name string
		base time.Duration
		n    int
		want time.Duration
	}{
		{"first attempt", time.Second, 1, time.Second},
		{"fifth attempt", time.Second, 5, 16 * time.Second},
		{"capped", time.Second, 12, maxBackoff},
		{"no overflow", time.Second, 200, maxBackoff},
		{"base above cap", time.Hour, 3, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Config{ReconnectBaseDelay: tt.base}
			if got := c.backoff(tt.n); got != tt.want {
				t.Errorf("backoff(%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}
}
