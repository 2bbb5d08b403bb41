// Package dispatch routes invocation requests to capability handlers. Every
// request comes back as an InvocationResult; nothing escapes as a Go error or
// a panic.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// DefaultTimeout bounds a single handler execution.
const DefaultTimeout = 30 * time.Second

// Catalog resolves capability names. *tool.Registry implements it.
type Catalog interface {
	Lookup(name string) (*domain.Capability, error)
}

// Validator checks arguments before a handler runs. *security.Validator
// implements it.
type Validator interface {
	Validate(c *domain.Capability, args map[string]any) error
}

// Config holds the dispatcher's collaborators.
type Config struct {
	Catalog   Catalog
	Validator Validator
	Timeout   time.Duration
	Audit     domain.AuditLogger // optional
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Dispatcher executes invocation requests.
type Dispatcher struct {
	catalog   Catalog
	validator Validator
	timeout   time.Duration
	audit     domain.AuditLogger
	metrics   *metrics.Collector
	logger    *slog.Logger
}

func New(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		catalog:   cfg.Catalog,
		validator: cfg.Validator,
		timeout:   cfg.Timeout,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

type threadKey struct{}

// WithThreadID tags ctx with the thread a dispatch belongs to, for audit.
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadKey{}, threadID)
}

// ThreadID returns the thread set by WithThreadID, or "".
func ThreadID(ctx context.Context) string {
	id, _ := ctx.Value(threadKey{}).(string)
	return id
}

// Dispatch looks up, validates and executes req. Validation failures never
// reach the handler.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.InvocationRequest) domain.InvocationResult {
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}
	logger := d.logger.With("tool", req.Capability, "request_id", req.RequestID)

	c, err := d.catalog.Lookup(req.Capability)
	if err != nil {
		res := domain.Failure(req, domain.KindUnknownCapability,
			fmt.Sprintf("capability %q is not registered", req.Capability))
		d.record(ctx, logger, "rejected", res, 0)
		return res
	}

	if d.validator != nil {
		if err := d.validator.Validate(c, req.Arguments); err != nil {
			kind := domain.KindOf(err)
			if kind == "" {
				kind = domain.KindSchemaViolation
			}
			res := domain.Failure(req, kind, messageOf(err))
			d.record(ctx, logger, "rejected", res, 0)
			return res
		}
	}

	if logger.Enabled(ctx, slog.LevelDebug) {
		if argsJSON, err := json.Marshal(req.Arguments); err == nil {
			logger.Debug("tool arguments", "args", string(argsJSON))
		}
	}

	start := time.Now()
	res := d.execute(ctx, c, req)
	action := "executed"
	if !res.OK {
		action = "failed"
	}
	d.record(ctx, logger, action, res, time.Since(start))
	return res
}

type outcome struct {
	payload map[string]any
	err     error
}

func (d *Dispatcher) execute(ctx context.Context, c *domain.Capability, req domain.InvocationRequest) domain.InvocationResult {
	tctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// Buffered so an abandoned handler can still finish and exit.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		payload, err := c.Handler(tctx, req.Arguments)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			payload, err := domain.CanonicalPayload(out.payload)
			if err != nil {
				return domain.Failure(req, domain.KindHandlerError, err.Error())
			}
			return domain.Success(req, payload)
		}
		if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return d.timedOut(req)
		}
		kind := domain.KindOf(out.err)
		if kind == "" {
			kind = domain.KindHandlerError
		}
		return domain.Failure(req, kind, messageOf(out.err))
	case <-tctx.Done():
		if ctx.Err() != nil {
			return domain.Failure(req, domain.KindHandlerError, "invocation cancelled: "+ctx.Err().Error())
		}
		return d.timedOut(req)
	}
}

func (d *Dispatcher) timedOut(req domain.InvocationRequest) domain.InvocationResult {
	return domain.Failure(req, domain.KindTimeout, fmt.Sprintf("handler exceeded %s", d.timeout))
}

func (d *Dispatcher) record(ctx context.Context, logger *slog.Logger, action string, res domain.InvocationResult, elapsed time.Duration) {
	kind := "ok"
	if !res.OK {
		kind = string(res.Kind)
	}
	label := res.Capability
	if res.Kind == domain.KindUnknownCapability {
		label = "unknown"
	}
	d.metrics.Counter(metrics.DispatchTotal, "Invocations by capability and outcome",
		metrics.Labels("capability", label, "kind", kind)).Inc()
	if action != "rejected" {
		d.metrics.Histogram(metrics.DispatchLatency, "Handler latency in seconds",
			metrics.Labels("capability", label), metrics.LatencyBuckets).Observe(elapsed.Seconds())
	}

	switch {
	case res.OK:
		logger.Debug("tool completed", "elapsed", elapsed)
	case action == "rejected":
		logger.Warn("invocation rejected", "kind", res.Kind, "reason", res.Message)
	default:
		logger.Info("tool failed", "kind", res.Kind, "error", res.Message, "elapsed", elapsed)
	}

	if d.audit == nil {
		return
	}
	entry := domain.AuditEntry{
		Action:     action,
		ThreadID:   ThreadID(ctx),
		RequestID:  res.RequestID,
		Capability: res.Capability,
		Kind:       res.Kind,
		Details:    res.Message,
	}
	// Audit writes survive call cancellation.
	if err := d.audit.LogAudit(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("audit log failed", "error", err)
	}
}

func messageOf(err error) string {
	var de *domain.Error
	if errors.As(err, &de) && de.Message != "" {
		if de.Err != nil {
			return de.Message + ": " + de.Err.Error()
		}
		return de.Message
	}
	return err.Error()
}
