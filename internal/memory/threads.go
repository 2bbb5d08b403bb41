package memory

import (
	"context"
	"fmt"
	"sync"

	"relaybot/internal/domain"
)

// BusyPolicy decides what a call does when its thread already has one in flight.
type BusyPolicy string

const (
	// PolicyQueue waits for the in-flight call to finish.
	PolicyQueue BusyPolicy = "queue"
	// PolicyFail returns ThreadBusy immediately.
	PolicyFail BusyPolicy = "fail"
)

// ParseBusyPolicy accepts "queue" or "fail"; empty means queue.
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch BusyPolicy(s) {
	case "", PolicyQueue:
		return PolicyQueue, nil
	case PolicyFail:
		return PolicyFail, nil
	}
	return "", fmt.Errorf("unknown busy policy %q (want queue or fail)", s)
}

// threadLock is a one-slot channel, so waiting for it can be abandoned when
// the caller's context ends. refs counts holders and waiters; the entry is
// dropped when it reaches zero.
type threadLock struct {
	slot chan struct{}
	refs int
}

// Threads guards against concurrent calls on one thread. Distinct threads
// never contend, and only threads with a call in flight or waiting hold an
// entry.
type Threads struct {
	policy BusyPolicy

	mu    sync.Mutex
	locks map[string]*threadLock
}

func NewThreads(policy BusyPolicy) *Threads {
	if policy == "" {
		policy = PolicyQueue
	}
	return &Threads{policy: policy, locks: make(map[string]*threadLock)}
}

// Policy returns the configured busy policy.
func (t *Threads) Policy() BusyPolicy { return t.policy }

func (t *Threads) ref(threadID string) *threadLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[threadID]
	if !ok {
		l = &threadLock{slot: make(chan struct{}, 1)}
		t.locks[threadID] = l
	}
	l.refs++
	return l
}

func (t *Threads) unref(threadID string, l *threadLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l.refs--; l.refs == 0 {
		delete(t.locks, threadID)
	}
}

// tracked reports how many threads currently hold an entry.
func (t *Threads) tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// Acquire claims threadID and returns the function that releases it. Under
// PolicyFail a held thread yields ThreadBusy; under PolicyQueue the call waits
// until the thread frees up or ctx ends.
func (t *Threads) Acquire(ctx context.Context, threadID string) (func(), error) {
	l := t.ref(threadID)
	var once sync.Once
	release := func() {
		once.Do(func() {
			<-l.slot
			t.unref(threadID, l)
		})
	}

	if t.policy == PolicyFail {
		select {
		case l.slot <- struct{}{}:
			return release, nil
		default:
			t.unref(threadID, l)
			return nil, domain.NewError(domain.KindThreadBusy, "thread %q has a call in flight", threadID)
		}
	}

	select {
	case l.slot <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		t.unref(threadID, l)
		return nil, ctx.Err()
	}
}
