package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
)

// storeFactories runs every contract test against both implementations.
func storeFactories() map[string]func(t *testing.T) domain.ThreadStore {
	return map[string]func(t *testing.T) domain.ThreadStore{
		"memory": func(t *testing.T) domain.ThreadStore { return NewStore() },
		"sqlite": func(t *testing.T) domain.ThreadStore {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "threads.db"), testLogger())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStore_AppendAssignsGaplessIndices(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			got, err := s.Append(ctx, "t1", domain.UserTurn("hi"))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, 1, got[0].Index)

			res := domain.Success(domain.InvocationRequest{Capability: "calculate", RequestID: "r1"}, map[string]any{"result": 352})
			got, err = s.Append(ctx, "t1", domain.ToolTurn(res), domain.AssistantTurn("352"))
			require.NoError(t, err)
			assert.Equal(t, 2, got[0].Index)
			assert.Equal(t, 3, got[1].Index)

			hist, err := s.History(ctx, "t1")
			require.NoError(t, err)
			require.Len(t, hist, 3)
			for i, turn := range hist {
				assert.Equal(t, i+1, turn.Index)
			}
			assert.Equal(t, domain.RoleUser, hist[0].Role)
			assert.Equal(t, domain.RoleTool, hist[1].Role)
			require.NotNil(t, hist[1].Result)
			assert.True(t, hist[1].Result.OK)
			assert.Equal(t, "r1", hist[1].Result.RequestID)
			assert.Equal(t, "352", hist[2].Text)
		})
	}
}

func TestStore_HistoryOfUnknownThreadIsEmpty(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			hist, err := newStore(t).History(context.Background(), "never-seen")
			require.NoError(t, err)
			assert.Empty(t, hist)
		})
	}
}

func TestStore_ThreadsAreIndependent(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			_, err := s.Append(ctx, "a", domain.UserTurn("a1"), domain.AssistantTurn("a2"))
			require.NoError(t, err)
			got, err := s.Append(ctx, "b", domain.UserTurn("b1"))
			require.NoError(t, err)
			assert.Equal(t, 1, got[0].Index)

			require.NoError(t, s.Clear(ctx, "a"))
			a, _ := s.History(ctx, "a")
			b, _ := s.History(ctx, "b")
			assert.Empty(t, a)
			assert.Len(t, b, 1)

			ids, err := s.Threads(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, ids)
		})
	}
}

func TestStore_ClearRestartsIndices(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			s.Append(ctx, "t", domain.UserTurn("one"), domain.UserTurn("two"))
			require.NoError(t, s.Clear(ctx, "t"))
			got, err := s.Append(ctx, "t", domain.UserTurn("again"))
			require.NoError(t, err)
			assert.Equal(t, 1, got[0].Index)
		})
	}
}

func TestStore_Budget(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			_, ok, err := s.DecrementBudget(ctx, "t")
			require.NoError(t, err)
			assert.False(t, ok, "unset budget is zero")

			require.NoError(t, s.ResetBudget(ctx, "t", 2))
			rem, ok, err := s.DecrementBudget(ctx, "t")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 1, rem)

			rem, ok, _ = s.DecrementBudget(ctx, "t")
			assert.True(t, ok)
			assert.Equal(t, 0, rem)

			_, ok, _ = s.DecrementBudget(ctx, "t")
			assert.False(t, ok, "exhausted budget stays at zero")

			require.NoError(t, s.ResetBudget(ctx, "t", 1))
			_, ok, _ = s.DecrementBudget(ctx, "t")
			assert.True(t, ok)
		})
	}
}

func TestStore_ConcurrentAppendsAcrossThreads(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			const threads, perThread = 8, 10
			var wg sync.WaitGroup
			for i := 0; i < threads; i++ {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					for j := 0; j < perThread; j++ {
						if _, err := s.Append(ctx, id, domain.UserTurn(fmt.Sprint(j))); err != nil {
							t.Errorf("append %s: %v", id, err)
							return
						}
					}
				}(fmt.Sprintf("t%d", i))
			}
			wg.Wait()

			for i := 0; i < threads; i++ {
				hist, err := s.History(ctx, fmt.Sprintf("t%d", i))
				require.NoError(t, err)
				require.Len(t, hist, perThread)
				for j, turn := range hist {
					assert.Equal(t, j+1, turn.Index)
					assert.Equal(t, fmt.Sprint(j), turn.Text)
				}
			}
		})
	}
}

func TestStore_ConcurrentAppendsSameThread(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.Append(ctx, "shared", domain.UserTurn("x"), domain.AssistantTurn("y"))
				}()
			}
			wg.Wait()

			hist, err := s.History(ctx, "shared")
			require.NoError(t, err)
			require.Len(t, hist, 40)
			for i, turn := range hist {
				assert.Equal(t, i+1, turn.Index)
				// Batches never interleave.
				if i%2 == 0 {
					assert.Equal(t, domain.RoleUser, turn.Role)
				} else {
					assert.Equal(t, domain.RoleAssistant, turn.Role)
				}
			}
		})
	}
}

func TestStore_HistoryIsACopy(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.Append(ctx, "t", domain.UserTurn("original"))
	hist, _ := s.History(ctx, "t")
	hist[0].Text = "mutated"

	again, _ := s.History(ctx, "t")
	assert.Equal(t, "original", again[0].Text)
}

func TestStore_AppendHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStore().Append(ctx, "t", domain.UserTurn("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "threads.db")

	s, err := NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	_, err = s.Append(ctx, "t1", domain.UserTurn("hello"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	defer s.Close()
	hist, err := s.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "hello", hist[0].Text)
}

func TestStore_ImplementationsAgree(t *testing.T) {
	ctx := context.Background()
	failed := domain.Failure(domain.InvocationRequest{Capability: "read_file", RequestID: "r2"},
		domain.KindPathTraversal, "path escapes the sandbox root")
	turns := [][]domain.Turn{
		{domain.UserTurn("calculate 15 * 23 + 7")},
		{domain.ToolTurn(domain.Success(domain.InvocationRequest{Capability: "calculate", RequestID: "r1"}, map[string]any{"result": int64(352), "expression": "15 * 23 + 7"}))},
		{domain.ToolTurn(failed), domain.AssistantTurn("352")},
	}

	histories := map[string][]domain.Turn{}
	for name, newStore := range storeFactories() {
		s := newStore(t)
		for _, batch := range turns {
			_, err := s.Append(ctx, "t1", batch...)
			require.NoError(t, err)
		}
		hist, err := s.History(ctx, "t1")
		require.NoError(t, err)
		histories[name] = hist
	}

	opts := cmp.Options{
		cmpopts.IgnoreFields(domain.Turn{}, "Timestamp"),
		cmpopts.EquateEmpty(),
	}
	if diff := cmp.Diff(histories["memory"], histories["sqlite"], opts); diff != "" {
		t.Errorf("sqlite history differs from memory history (-memory +sqlite):\n%s", diff)
	}
}

func TestSQLiteStore_HistoryKeepsNumberTypes(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "numbers.db"), testLogger())
	require.NoError(t, err)
	defer s.Close()

	payload, err := domain.CanonicalPayload(map[string]any{"result": int64(352), "size": 12, "ratio": 2.5})
	require.NoError(t, err)
	want := domain.Success(domain.InvocationRequest{Capability: "calculate", RequestID: "r1"}, payload)
	_, err = s.Append(ctx, "t1", domain.ToolTurn(want))
	require.NoError(t, err)

	hist, err := s.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, want, *hist[0].Result)
	assert.IsType(t, int64(0), hist[0].Result.Payload["size"])
	assert.IsType(t, float64(0), hist[0].Result.Payload["ratio"])
}

func TestSQLiteStore_Audit(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"), testLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.LogAudit(ctx, domain.AuditEntry{
		Action: "rejected", ThreadID: "t1", RequestID: "r1",
		Capability: "read_file", Kind: domain.KindPathTraversal, Details: "outside root",
	}))
	require.NoError(t, s.LogAudit(ctx, domain.AuditEntry{Action: "executed", Capability: "calculate"}))

	recs, err := s.RecentAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "executed", recs[0].Action)
	assert.Equal(t, domain.KindPathTraversal, recs[1].Kind)
	assert.Equal(t, "t1", recs[1].ThreadID)
	assert.Equal(t, "r1", recs[1].RequestID)
}

func TestSQLiteStore_Pairing(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pair.db"), testLogger())
	require.NoError(t, err)
	defer s.Close()

	now := time.Now()
	ok, err := s.IsPaired(ctx, "telegram", "42", now)
	require.NoError(t, err)
	assert.False(t, ok)

	exp := now.Add(time.Hour)
	require.NoError(t, s.Pair(ctx, "telegram", "42", &exp))
	ok, _ = s.IsPaired(ctx, "telegram", "42", now)
	assert.True(t, ok)
	ok, _ = s.IsPaired(ctx, "telegram", "42", now.Add(2*time.Hour))
	assert.False(t, ok, "expired")

	require.NoError(t, s.Pair(ctx, "slack", "U1", nil))
	ok, _ = s.IsPaired(ctx, "slack", "U1", now.AddDate(10, 0, 0))
	assert.True(t, ok, "no expiry")

	require.NoError(t, s.Unpair(ctx, "slack", "U1"))
	ok, _ = s.IsPaired(ctx, "slack", "U1", now)
	assert.False(t, ok)
}

func TestSQLiteStore_SnapshotIsAnOpenableCopy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "threads.db"), testLogger())
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Append(ctx, "t1", domain.UserTurn("before"))
	require.NoError(t, err)

	dest := filepath.Join(dir, "copy.db")
	require.NoError(t, s.Snapshot(ctx, dest))
	assert.Error(t, s.Snapshot(ctx, dest), "existing destination is refused")

	_, err = s.Append(ctx, "t1", domain.UserTurn("after"))
	require.NoError(t, err)

	c, err := NewSQLiteStore(dest, testLogger())
	require.NoError(t, err)
	defer c.Close()
	hist, err := c.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "before", hist[0].Text)
}
