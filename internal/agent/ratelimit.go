package agent

import (
	"context"
	"sync"
	"time"
)

// RateLimiter spaces backend consultations with a token bucket shared by all
// threads. Callers reserve a token up front, so waiters are served in arrival
// order; a caller whose context ends while waiting hands its token back.
// A nil *RateLimiter never delays.
type RateLimiter struct {
	mu     sync.Mutex
	burst  float64
	perSec float64
	tokens float64 // may go negative while reservations are outstanding
	last   time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter allows burst consultations at once and perMinute sustained.
// Non-positive values fall back to 10 and 30.
func NewRateLimiter(burst int, perMinute float64) *RateLimiter {
	if burst <= 0 {
		burst = 10
	}
	if perMinute <= 0 {
		perMinute = 30
	}
	rl := &RateLimiter{
		burst:  float64(burst),
		perSec: perMinute / 60,
		tokens: float64(burst),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	rl.last = rl.now()
	return rl
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// reserve takes one token and returns how long the caller must wait for it.
func (rl *RateLimiter) reserve() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	rl.tokens = min(rl.burst, rl.tokens+now.Sub(rl.last).Seconds()*rl.perSec)
	rl.last = now
	rl.tokens--
	if rl.tokens >= 0 {
		return 0
	}
	return time.Duration(-rl.tokens / rl.perSec * float64(time.Second))
}

func (rl *RateLimiter) cancel() {
	rl.mu.Lock()
	rl.tokens = min(rl.burst, rl.tokens+1)
	rl.mu.Unlock()
}

// Wait blocks until the caller may consult the backend and reports how long it
// was held back. It fails only when ctx ends first.
func (rl *RateLimiter) Wait(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if rl == nil {
		return 0, nil
	}
	delay := rl.reserve()
	if delay == 0 {
		return 0, nil
	}
	if err := rl.sleep(ctx, delay); err != nil {
		rl.cancel()
		return 0, err
	}
	return delay, nil
}
