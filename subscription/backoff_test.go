package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayClampsToMinimum(t *testing.T) {
	// frequency/16 below one minute clamps up.
	assert.Equal(t, time.Minute, retryDelay(5*time.Minute, 1))
}

func TestRetryDelayDoublesPerFailure(t *testing.T) {
	freq := 24 * time.Hour // base 1h30m
	base := freq / 16

	assert.Equal(t, base, retryDelay(freq, 1))
	assert.Equal(t, 2*base, retryDelay(freq, 2))
	assert.Equal(t, 4*base, retryDelay(freq, 3))
}

func TestRetryDelayNeverExceedsPeriod(t *testing.T) {
	freq := time.Hour
	for failures := uint32(1); failures <= 20; failures++ {
		delay := retryDelay(freq, failures)
		assert.LessOrEqual(t, delay, freq)
		assert.GreaterOrEqual(t, delay, time.Minute)
	}
}

func TestRetryDelayShortPeriods(t *testing.T) {
	// A frequency below the minimum delay caps at the frequency itself.
	assert.Equal(t, 30*time.Second, retryDelay(30*time.Second, 1))
	assert.Equal(t, 30*time.Second, retryDelay(30*time.Second, 5))
}
