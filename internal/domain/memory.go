package domain

import "context"

// ThreadStore holds per-thread turn history and the loop budget.
// Operations on one thread never observe or block on another.
type ThreadStore interface {
	// Append stores turns in order, assigning the next indices. The batch is
	// all-or-nothing. The returned turns carry their assigned indices.
	Append(ctx context.Context, threadID string, turns ...Turn) ([]Turn, error)
	History(ctx context.Context, threadID string) ([]Turn, error)
	Clear(ctx context.Context, threadID string) error

	ResetBudget(ctx context.Context, threadID string, n int) error
	// DecrementBudget consumes one unit. ok is false, and nothing is consumed,
	// when the budget was already zero.
	DecrementBudget(ctx context.Context, threadID string) (remaining int, ok bool, err error)

	Threads(ctx context.Context) ([]string, error)
	Close() error
}
