// Package agent runs the conversation loop: consult the backend, dispatch
// the capabilities it asks for, feed the results back, and stop on a direct
// answer or when the invocation budget runs out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
	"relaybot/internal/memory"
	"relaybot/internal/metrics"
)

const (
	// DefaultBudget is the invocation budget of a call that sets none.
	DefaultBudget        = 8
	defaultMaxParallel   = 5
	defaultRateBurst     = 5
	defaultRatePerMinute = 30.0
)

// State names a step of the conversation loop.
type State string

const (
	StateAwaitingUserInput  State = "AwaitingUserInput"
	StateConsultingBackend  State = "ConsultingBackend"
	StateAwaitingToolResult State = "AwaitingToolResult"
	StateResponding         State = "Responding"
)

// Dispatcher executes one invocation request. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.InvocationRequest) domain.InvocationResult
}

// Catalog lists the capabilities declared to the backend. *tool.Registry
// implements it.
type Catalog interface {
	Capabilities() []*domain.Capability
}

// Config holds the orchestrator's collaborators and tuning.
type Config struct {
	Backend    domain.Backend
	Store      domain.ThreadStore
	Dispatcher Dispatcher
	Catalog    Catalog
	Threads    *memory.Threads // nil means queue policy
	Budget     int             // default per-call budget
	// MaxParallel bounds concurrent dispatches within one round.
	MaxParallel int
	RateLimiter *RateLimiter // nil disables throttling
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

// Orchestrator is safe for concurrent use. Calls on distinct threads run in
// parallel; calls on one thread are serialised by Threads.
type Orchestrator struct {
	backend     domain.Backend
	store       domain.ThreadStore
	dispatcher  Dispatcher
	catalog     Catalog
	threads     *memory.Threads
	budget      int
	maxParallel int
	limiter     *RateLimiter
	metrics     *metrics.Collector
	logger      *slog.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	if cfg.Threads == nil {
		cfg.Threads = memory.NewThreads(memory.PolicyQueue)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		backend:     cfg.Backend,
		store:       cfg.Store,
		dispatcher:  cfg.Dispatcher,
		catalog:     cfg.Catalog,
		threads:     cfg.Threads,
		budget:      cfg.Budget,
		maxParallel: cfg.MaxParallel,
		limiter:     cfg.RateLimiter,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// NewDefaultRateLimiter returns the limiter used by the CLI.
func NewDefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(defaultRateBurst, defaultRatePerMinute)
}

type callOptions struct {
	budget int
}

// Option adjusts a single RunTurn call.
type Option func(*callOptions)

// WithBudget sets the invocation budget for one call. Values below zero are
// treated as zero, which lets the backend answer but refuses every request.
func WithBudget(n int) Option {
	return func(o *callOptions) {
		if n < 0 {
			n = 0
		}
		o.budget = n
	}
}

// call is the state of one RunTurn: committed history plus the turns staged
// since, which reach the store only when the call responds.
type call struct {
	threadID string
	logger   *slog.Logger
	state    State
	history  []domain.Turn
	staged   []domain.Turn
	lastText string
}

func (o *Orchestrator) transition(c *call, to State) {
	c.logger.Debug("state transition", "from", c.state, "to", to)
	c.state = to
}

// RunTurn processes one user message on threadID and returns the answer.
// Call-fatal failures (ThreadBusy, BackendUnavailable, cancellation) leave the
// committed history holding the user turn and nothing after it.
func (o *Orchestrator) RunTurn(ctx context.Context, threadID, text string, opts ...Option) (domain.Answer, error) {
	co := callOptions{budget: o.budget}
	for _, opt := range opts {
		opt(&co)
	}
	if strings.TrimSpace(threadID) == "" {
		return domain.Answer{}, domain.NewError(domain.KindSchemaViolation, "thread id must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return domain.Answer{}, domain.NewError(domain.KindSchemaViolation, "message must not be empty")
	}

	release, err := o.threads.Acquire(ctx, threadID)
	if err != nil {
		if errors.Is(err, domain.ErrThreadBusy) {
			o.metrics.Counter(metrics.ThreadBusyTotal, "Calls rejected because their thread was busy", "").Inc()
			o.countTurn("busy")
		}
		return domain.Answer{}, err
	}
	defer release()

	active := o.metrics.Gauge(metrics.ActiveCalls, "Calls in flight", "")
	active.Inc()
	defer active.Dec()

	c := &call{
		threadID: threadID,
		logger:   o.logger.With("thread", threadID),
		state:    StateAwaitingUserInput,
	}

	if err := o.store.ResetBudget(ctx, threadID, co.budget); err != nil {
		return domain.Answer{}, fmt.Errorf("reset budget: %w", err)
	}
	if _, err := o.store.Append(ctx, threadID, domain.UserTurn(text)); err != nil {
		return domain.Answer{}, fmt.Errorf("append user turn: %w", err)
	}
	c.history, err = o.store.History(ctx, threadID)
	if err != nil {
		return domain.Answer{}, fmt.Errorf("load history: %w", err)
	}

	answer, err := o.loop(ctx, c)
	switch {
	case err == nil:
		if answer.Incomplete {
			o.countTurn("incomplete")
		} else {
			o.countTurn("answered")
		}
	case ctx.Err() != nil:
		o.countTurn("cancelled")
		c.logger.Info("call cancelled", "state", c.state, "discarded_turns", len(c.staged))
	default:
		o.countTurn(strings.ToLower(string(domain.KindOf(err))))
		c.logger.Warn("call failed", "state", c.state, "error", err, "discarded_turns", len(c.staged))
	}
	return answer, err
}

func (o *Orchestrator) loop(ctx context.Context, c *call) (domain.Answer, error) {
	caps := o.catalog.Capabilities()
	for {
		o.transition(c, StateConsultingBackend)
		decision, err := o.consult(ctx, c, caps)
		if err != nil {
			return domain.Answer{}, err
		}
		if decision.Text != "" {
			c.lastText = decision.Text
		}

		if decision.IsDirectAnswer() {
			return o.respond(ctx, c, domain.Answer{Text: decision.Text})
		}

		o.transition(c, StateAwaitingToolResult)
		results, exhausted, err := o.runRound(ctx, c, decision.Requests)
		if err != nil {
			return domain.Answer{}, err
		}
		for _, r := range results {
			c.staged = append(c.staged, domain.ToolTurn(r))
		}

		if exhausted {
			c.logger.Info("invocation budget exhausted", "requests", len(decision.Requests))
			text := c.lastText
			if text == "" {
				text = domain.IncompleteResponse
			}
			return o.respond(ctx, c, domain.Answer{Text: text, Incomplete: true})
		}
	}
}

func (o *Orchestrator) consult(ctx context.Context, c *call, caps []*domain.Capability) (domain.Decision, error) {
	held, err := o.limiter.Wait(ctx)
	if err != nil {
		return domain.Decision{}, err
	}
	if held > 0 {
		c.logger.Debug("backend consultation throttled", "waited", held)
		o.metrics.Counter(metrics.BackendThrottledTotal, "Backend consultations delayed by the rate limiter", "").Inc()
	}

	view := make([]domain.Turn, 0, len(c.history)+len(c.staged))
	view = append(view, c.history...)
	view = append(view, c.staged...)

	start := time.Now()
	decision, err := o.backend.Consult(ctx, view, caps)
	o.metrics.Histogram(metrics.BackendConsultLatency, "Backend consultation latency in seconds",
		metrics.Labels("backend", o.backend.Name()), metrics.LatencyBuckets).ObserveSince(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Decision{}, ctxErr
		}
		o.metrics.Counter(metrics.BackendErrorsTotal, "Failed backend consultations",
			metrics.Labels("backend", o.backend.Name())).Inc()
		return domain.Decision{}, domain.WrapError(domain.KindBackendUnavailable, err, "backend %s", o.backend.Name())
	}
	c.logger.Debug("backend decision", "requests", len(decision.Requests), "text_len", len(decision.Text),
		"elapsed", time.Since(start))
	return decision, nil
}

// runRound spends budget on each request in order and dispatches the ones it
// could pay for concurrently. Results keep request order. exhausted reports
// whether any request was refused for lack of budget.
func (o *Orchestrator) runRound(ctx context.Context, c *call, reqs []domain.InvocationRequest) ([]domain.InvocationResult, bool, error) {
	results := make([]domain.InvocationResult, len(reqs))
	allowed := make([]bool, len(reqs))
	exhausted := false

	for i := range reqs {
		if reqs[i].RequestID == "" {
			reqs[i].RequestID = uuid.NewString()
		}
		if reqs[i].Arguments == nil {
			reqs[i].Arguments = map[string]any{}
		}
		remaining, ok, err := o.store.DecrementBudget(ctx, c.threadID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, false, ctxErr
			}
			return nil, false, fmt.Errorf("decrement budget: %w", err)
		}
		if !ok {
			exhausted = true
			results[i] = domain.Failure(reqs[i], domain.KindBudgetExceeded, "invocation budget exhausted for this call")
			continue
		}
		allowed[i] = true
		c.logger.Debug("dispatching", "tool", reqs[i].Capability, "request_id", reqs[i].RequestID, "budget_remaining", remaining)
	}

	dctx := dispatch.WithThreadID(ctx, c.threadID)
	var g errgroup.Group
	g.SetLimit(o.maxParallel)
	for i := range reqs {
		if !allowed[i] {
			continue
		}
		g.Go(func() error {
			results[i] = o.dispatcher.Dispatch(dctx, reqs[i])
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return results, exhausted, nil
}

// respond commits the staged tool turns and the assistant turn as one batch.
func (o *Orchestrator) respond(ctx context.Context, c *call, answer domain.Answer) (domain.Answer, error) {
	o.transition(c, StateResponding)
	batch := append(c.staged, domain.AssistantTurn(answer.Text))
	if _, err := o.store.Append(ctx, c.threadID, batch...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Answer{}, ctxErr
		}
		return domain.Answer{}, fmt.Errorf("commit turns: %w", err)
	}
	c.staged = nil
	o.transition(c, StateAwaitingUserInput)
	return answer, nil
}

func (o *Orchestrator) countTurn(outcome string) {
	o.metrics.Counter(metrics.TurnsTotal, "Completed calls by outcome", metrics.Labels("outcome", outcome)).Inc()
}

// History returns the committed turns of threadID.
func (o *Orchestrator) History(ctx context.Context, threadID string) ([]domain.Turn, error) {
	return o.store.History(ctx, threadID)
}

// ClearHistory drops every turn of threadID. It waits for, or under the fail
// policy refuses to interrupt, a call in flight on the same thread.
func (o *Orchestrator) ClearHistory(ctx context.Context, threadID string) error {
	release, err := o.threads.Acquire(ctx, threadID)
	if err != nil {
		return err
	}
	defer release()
	if err := o.store.Clear(ctx, threadID); err != nil {
		return fmt.Errorf("clear thread %s: %w", threadID, err)
	}
	o.logger.Info("thread cleared", "thread", threadID)
	return nil
}

// Threads lists threads that have history.
func (o *Orchestrator) Threads(ctx context.Context) ([]string, error) {
	return o.store.Threads(ctx)
}

// Capabilities returns what the backend is offered.
func (o *Orchestrator) Capabilities() []*domain.Capability {
	return o.catalog.Capabilities()
}

// Backend returns the configured backend.
func (o *Orchestrator) Backend() domain.Backend { return o.backend }
