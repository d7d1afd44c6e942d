package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWait_ZeroRateDisabled(t *testing.T) {
	r := NewRegistry()
	err := r.Wait(context.Background(), "s1", Config{MaxRequestsPerSecond: 0})
	require.NoError(t, err)
}

func TestWait_BurstAllowsImmediateFirstCall(t *testing.T) {
	r := NewRegistry()
	start := time.Now()
	err := r.Wait(context.Background(), "s1", Config{MaxRequestsPerSecond: 1, BurstSize: 1})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRetryAfterDelay_DeltaSeconds(t *testing.T) {
	d, ok := RetryAfterDelay("5", "", 0)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
}

func TestRetryAfterDelay_CappedByMaxBackoff(t *testing.T) {
	d, ok := RetryAfterDelay("100", "", 10*time.Second)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, d)
}

func TestRetryAfterDelay_FallsBackToRateLimitReset(t *testing.T) {
	target := time.Now().Add(3 * time.Second).Unix()
	d, ok := RetryAfterDelay("", itoa(target), 0)
	require.True(t, ok)
	assert.InDelta(t, 3*time.Second, d, float64(time.Second))
}

func TestRetryAfterDelay_NeitherHeaderPresent(t *testing.T) {
	_, ok := RetryAfterDelay("", "", 0)
	assert.False(t, ok)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
