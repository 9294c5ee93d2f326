package backoff_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuongbtq/taskorch/internal/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 5*time.Second, c.Delay(attempt))
	}
}

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	assert.Equal(t, 10*time.Second, e.Delay(5))
	assert.Equal(t, 10*time.Second, e.Delay(200))
}

func TestExponential_NoCapDoesNotOverflow(t *testing.T) {
	e := backoff.NewExponential(time.Second, 0)

	assert.Positive(t, e.Delay(200))
}

func TestDefaultStrategy(t *testing.T) {
	s := backoff.DefaultStrategy()

	assert.Equal(t, 30*time.Second, s.Delay(1))
	assert.Equal(t, time.Hour, s.Delay(30))
}
