package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives a limiter without real sleeping: sleeps advance the clock.
type fakeClock struct {
	t      time.Time
	slept  []time.Duration
	cancel bool // sleeps fail as if ctx ended
}

func newFakeLimiter(burst int, perMinute float64) (*RateLimiter, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(burst, perMinute)
	rl.now = func() time.Time { return clk.t }
	rl.last = clk.t
	rl.sleep = func(ctx context.Context, d time.Duration) error {
		clk.slept = append(clk.slept, d)
		if clk.cancel {
			return context.Canceled
		}
		clk.t = clk.t.Add(d)
		return nil
	}
	return rl, clk
}

func TestRateLimiter_BurstThenSpacing(t *testing.T) {
	rl, clk := newFakeLimiter(3, 60) // one per second after the burst
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		held, err := rl.Wait(ctx)
		require.NoError(t, err)
		assert.Zero(t, held, "burst token %d", i)
	}
	held, err := rl.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Second, held)
	assert.Equal(t, []time.Duration{time.Second}, clk.slept)
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl, clk := newFakeLimiter(2, 120) // two per second
	ctx := context.Background()
	rl.Wait(ctx)
	rl.Wait(ctx)

	clk.t = clk.t.Add(time.Second)
	for i := 0; i < 2; i++ {
		held, err := rl.Wait(ctx)
		require.NoError(t, err)
		assert.Zero(t, held)
	}

	clk.t = clk.t.Add(time.Hour)
	rl.reserve()
	assert.InDelta(t, 1, rl.tokens, 1e-9, "refill is capped at the burst")
}

func TestRateLimiter_ReservationsQueueInOrder(t *testing.T) {
	rl, _ := newFakeLimiter(1, 60)
	rl.reserve()

	assert.Equal(t, time.Second, rl.reserve())
	assert.Equal(t, 2*time.Second, rl.reserve(), "a later caller waits behind an earlier reservation")
}

func TestRateLimiter_CancelledWaitReturnsToken(t *testing.T) {
	rl, clk := newFakeLimiter(1, 60)
	ctx := context.Background()
	rl.Wait(ctx)

	clk.cancel = true
	_, err := rl.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	clk.cancel = false
	held, err := rl.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Second, held, "the abandoned reservation does not push later callers back")
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	assert.Equal(t, 10.0, rl.burst)
	assert.Equal(t, 0.5, rl.perSec)
}

func TestRateLimiter_NilNeverDelays(t *testing.T) {
	var rl *RateLimiter
	for i := 0; i < 100; i++ {
		held, err := rl.Wait(context.Background())
		require.NoError(t, err)
		assert.Zero(t, held)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rl.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled, "a nil limiter still reports a cancelled context")
}

func TestRateLimiter_RealSleepHonoursDeadline(t *testing.T) {
	rl := NewRateLimiter(1, 0.001)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := rl.Wait(ctx)
	require.NoError(t, err)
	_, err = rl.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
