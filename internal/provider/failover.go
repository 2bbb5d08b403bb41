package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"relaybot/internal/domain"
)

// Failover tries multiple backends in order, falling back to the next one
// when the current fails.
type Failover struct {
	backends []domain.Backend
	logger   *slog.Logger
}

// NewFailover creates a failover chain from the given backends.
// At least one backend is required.
func NewFailover(backends []domain.Backend, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{
		backends: backends,
		logger:   logger,
	}
}

func (f *Failover) Name() string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

// Healthy succeeds when any backend that can report health is healthy.
// Backends without a health probe are assumed healthy.
func (f *Failover) Healthy(ctx context.Context) error {
	for _, b := range f.backends {
		hc, ok := b.(domain.HealthChecker)
		if !ok {
			return nil
		}
		if err := hc.Healthy(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no healthy backend in failover chain")
}

// Consult tries each backend in order and returns the first decision.
// Cancellation stops the chain immediately.
func (f *Failover) Consult(ctx context.Context, history []domain.Turn, caps []*domain.Capability) (domain.Decision, error) {
	if len(f.backends) == 0 {
		return domain.Decision{}, fmt.Errorf("failover chain is empty")
	}
	var lastErr error
	for i, b := range f.backends {
		d, err := b.Consult(ctx, history, caps)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover: used fallback backend",
					"backend", b.Name(),
					"attempt", i+1,
				)
			}
			return d, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Decision{}, ctxErr
		}
		lastErr = err
		f.logger.Warn("failover: backend failed, trying next",
			"backend", b.Name(),
			"attempt", i+1,
			"error", err,
		)
	}
	return domain.Decision{}, fmt.Errorf("all backends in failover chain failed: %w", lastErr)
}
