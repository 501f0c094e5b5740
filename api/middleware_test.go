package api

import (
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimiter_BoundedByIP(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Minute), 1, 2)

	first := gofakeit.IPv4Address()
	assert.True(t, rl.getLimiter(first).Allow())
	assert.False(t, rl.getLimiter(first).Allow(), "same bucket on the second call")

	for i := 0; i < 10; i++ {
		rl.getLimiter(gofakeit.IPv4Address() + "-" + gofakeit.DigitN(4))
	}
	assert.Equal(t, 2, rl.Len())

	// the oldest client was evicted and starts with a full bucket
	assert.True(t, rl.getLimiter(first).Allow())
}

func TestRefillWindow(t *testing.T) {
	assert.Equal(t, time.Minute, refillWindow(rate.Every(time.Second), 5))
	assert.Equal(t, 10*time.Minute, refillWindow(rate.Every(time.Minute), 10))
	assert.Equal(t, time.Minute, refillWindow(0, 3))
}
