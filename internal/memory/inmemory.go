package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"relaybot/internal/domain"
)

// Store is the in-process ThreadStore. The map lock is held only to find or
// create a thread; each thread's contents have their own lock, so work on one
// thread never waits on another.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*threadState
}

type threadState struct {
	mu     sync.Mutex
	turns  []domain.Turn
	budget int
}

func NewStore() *Store {
	return &Store{threads: make(map[string]*threadState)}
}

// thread returns the state for id, creating it when create is set.
func (s *Store) thread(id string, create bool) *threadState {
	s.mu.RLock()
	t, ok := s.threads[id]
	s.mu.RUnlock()
	if ok || !create {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok = s.threads[id]; !ok {
		t = &threadState{}
		s.threads[id] = t
	}
	return t
}

func (s *Store) Append(ctx context.Context, threadID string, turns ...domain.Turn) ([]domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, nil
	}
	t := s.thread(threadID, true)
	t.mu.Lock()
	defer t.mu.Unlock()

	next := len(t.turns) + 1
	out := make([]domain.Turn, len(turns))
	for i, turn := range turns {
		turn.Index = next + i
		if turn.Timestamp.IsZero() {
			turn.Timestamp = time.Now()
		}
		if turn.Result != nil {
			r := *turn.Result
			turn.Result = &r
		}
		out[i] = turn
	}
	t.turns = append(t.turns, out...)
	return append([]domain.Turn(nil), out...), nil
}

func (s *Store) History(ctx context.Context, threadID string) ([]domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := s.thread(threadID, false)
	if t == nil {
		return []domain.Turn{}, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Turn{}, t.turns...), nil
}

func (s *Store) Clear(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

func (s *Store) ResetBudget(ctx context.Context, threadID string, n int) error {
	t := s.thread(threadID, true)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budget = n
	return nil
}

func (s *Store) DecrementBudget(ctx context.Context, threadID string) (int, bool, error) {
	t := s.thread(threadID, false)
	if t == nil {
		return 0, false, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.budget <= 0 {
		return 0, false, nil
	}
	t.budget--
	return t.budget, true, nil
}

func (s *Store) Threads(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.threads))
	states := make([]*threadState, 0, len(s.threads))
	for id, t := range s.threads {
		ids = append(ids, id)
		states = append(states, t)
	}
	s.mu.RUnlock()

	out := ids[:0]
	for i, t := range states {
		t.mu.Lock()
		n := len(t.turns)
		t.mu.Unlock()
		if n > 0 {
			out = append(out, ids[i])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Close() error { return nil }

var _ domain.ThreadStore = (*Store)(nil)
