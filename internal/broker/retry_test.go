package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDoubles(t *testing.T) {
	base := 10 * time.Second
	max := time.Hour

	assert.Equal(t, 10*time.Second, Backoff(0, base, max, false))
	assert.Equal(t, 20*time.Second, Backoff(1, base, max, false))
	assert.Equal(t, 40*time.Second, Backoff(2, base, max, false))
	assert.Equal(t, 80*time.Second, Backoff(3, base, max, false))
}

func TestBackoffMonotonicUpToCap(t *testing.T) {
	base := 10 * time.Second
	max := time.Hour

	prev := time.Duration(0)
	for n := 0; n <= 30; n++ {
		d := Backoff(n, base, max, false)
		require.GreaterOrEqual(t, d, prev, "backoff must not shrink at attempt %d", n)
		require.LessOrEqual(t, d, max)
		prev = d
	}
	assert.Equal(t, max, Backoff(30, base, max, false), "large attempt counts clamp to max")
}

func TestBackoffJitterBound(t *testing.T) {
	base := 10 * time.Second
	max := time.Hour

	for n := 0; n < 25; n++ {
		plain := Backoff(n, base, max, false)
		for i := 0; i < 50; i++ {
			jittered := Backoff(n, base, max, true)
			require.GreaterOrEqual(t, jittered, plain)
			require.LessOrEqual(t, float64(jittered), float64(plain)*1.1+1,
				"jitter must stay within 10%% at attempt %d", n)
		}
	}
}

func TestBackoffNegativeAttempts(t *testing.T) {
	assert.Equal(t, 10*time.Second, Backoff(-3, 10*time.Second, time.Hour, false))
}
