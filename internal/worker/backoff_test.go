package worker

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		failCount int
		want      time.Duration
	}{
		{failCount: 0, want: time.Minute},
		{failCount: 1, want: time.Minute},
		{failCount: 2, want: 5 * time.Minute},
		{failCount: 3, want: 15 * time.Minute},
		{failCount: 4, want: 30 * time.Minute},
		{failCount: 5, want: time.Hour},
		{failCount: 17, want: time.Hour},
		{failCount: -3, want: time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(tt.failCount); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.failCount, got, tt.want)
		}
	}
}
