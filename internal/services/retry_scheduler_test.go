package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	r := NewRetryScheduler(nil, zap.NewNop(), 30*time.Second, 600*time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second}, // clamped to attempt 1
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 480 * time.Second},
		{6, 600 * time.Second}, // capped
		{10, 600 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffBaseAboveCap(t *testing.T) {
	r := NewRetryScheduler(nil, zap.NewNop(), 15*time.Minute, 10*time.Minute)
	assert.Equal(t, 10*time.Minute, r.Backoff(1))
}
