package domain

import "context"

// Channel is a user-facing front-end (CLI, Telegram, Slack, ...).
// Start blocks until ctx is cancelled or the channel fails.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
}
