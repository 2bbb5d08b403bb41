package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/security"
)

const defaultGatewayConcurrency = 4

// Replies for call-fatal failures. The caller's message stays in the thread.
const (
	busyReply        = "Still working on your previous message. Please wait for the answer."
	unavailableReply = "The assistant backend is unavailable right now. Please try again later."
	failureReply     = "Sorry, something went wrong while handling that message."
	unpairedReply    = "This chat is not paired yet. Ask the operator for your pairing code and send /pair <code>."
)

// GatewayConfig wires the gateway to the bus and the orchestrator.
type GatewayConfig struct {
	Orchestrator *Orchestrator
	Bus          domain.MessageBus
	Events       *bus.EventBus            // optional observer stream
	Pairing      *security.PairingService // nil disables pairing
	// Trusted channels skip pairing (the local CLI, the key-protected API).
	Trusted     []string
	Concurrency int // messages handled at once; default 4
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

// Gateway turns inbound chat messages into orchestrator calls and routes the
// answers back to the originating channel.
type Gateway struct {
	orch        *Orchestrator
	bus         domain.MessageBus
	events      *bus.EventBus
	pairing     *security.PairingService
	trusted     map[string]bool
	concurrency int
	metrics     *metrics.Collector
	logger      *slog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultGatewayConcurrency
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	trusted := make(map[string]bool, len(cfg.Trusted))
	for _, name := range cfg.Trusted {
		trusted[name] = true
	}
	return &Gateway{
		orch:        cfg.Orchestrator,
		bus:         cfg.Bus,
		events:      cfg.Events,
		pairing:     cfg.Pairing,
		trusted:     trusted,
		concurrency: cfg.Concurrency,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// Run consumes inbound messages with bounded concurrency until ctx ends or
// the bus closes, then waits for in-flight messages.
func (g *Gateway) Run(ctx context.Context) {
	g.logger.Info("gateway started", "concurrency", g.concurrency)

	sem := make(chan struct{}, g.concurrency)
	inbound := g.bus.Subscribe()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("gateway stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				g.logger.Info("inbound bus closed, gateway stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				g.handle(ctx, msg)
			}()
		}
	}
}

func (g *Gateway) handle(ctx context.Context, msg domain.InboundMessage) {
	if msg.Abandoned != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-msg.Abandoned:
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	thread := msg.ThreadID()
	logger := g.logger.With("channel", msg.Channel, "thread", thread, "sender", msg.SenderID)
	logger.Info("message received", "content_len", len(msg.Content))
	g.metrics.Counter(metrics.GatewayMessagesTotal, "Inbound chat messages", metrics.Labels("channel", msg.Channel)).Inc()
	g.emit(bus.EventMessageReceived, msg, nil)

	if !g.admit(ctx, msg, logger) {
		return
	}

	if cmd := ParseCommand(msg.Content); cmd != nil {
		if res := g.orch.HandleCommand(ctx, thread, cmd); res.Handled {
			g.emit(bus.EventCommandHandled, msg, map[string]any{"command": cmd.Name})
			g.reply(msg, domain.OutboundMessage{Content: res.Response}, logger)
			return
		}
	}

	answer, err := g.orch.RunTurn(ctx, thread, msg.Content)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("turn cancelled", "error", err)
			return
		}
		kind := domain.KindOf(err)
		logger.Warn("turn failed", "kind", kind, "error", err)
		g.emit(bus.EventTurnFailed, msg, map[string]any{"kind": string(kind), "error": err.Error()})
		g.reply(msg, domain.OutboundMessage{Content: failureText(err), Kind: kind}, logger)
		return
	}

	if answer.Incomplete {
		g.emit(bus.EventTurnIncomplete, msg, nil)
	} else {
		g.emit(bus.EventTurnAnswered, msg, nil)
	}
	g.reply(msg, domain.OutboundMessage{Content: answer.Text, Incomplete: answer.Incomplete}, logger)
}

// admit runs the pairing gate. It reports whether msg may reach the
// orchestrator; when it may not, the sender has already been answered.
func (g *Gateway) admit(ctx context.Context, msg domain.InboundMessage, logger *slog.Logger) bool {
	if !g.pairing.IsRequired() || g.trusted[msg.Channel] {
		return true
	}
	paired, err := g.pairing.IsPaired(ctx, msg.Channel, msg.SenderID)
	if err != nil {
		logger.Error("pairing check failed", "error", err)
		g.reply(msg, domain.OutboundMessage{Content: failureReply}, logger)
		return false
	}
	if paired {
		return true
	}

	if cmd := ParseCommand(msg.Content); cmd != nil && cmd.Name == "pair" && len(cmd.Args) == 1 {
		ok, err := g.pairing.VerifyCode(ctx, msg.Channel, msg.SenderID, cmd.Args[0])
		switch {
		case err != nil:
			logger.Error("pairing failed", "error", err)
			g.reply(msg, domain.OutboundMessage{Content: failureReply}, logger)
		case ok:
			g.emit(bus.EventPairingCompleted, msg, nil)
			g.reply(msg, domain.OutboundMessage{Content: "Paired. You can start chatting."}, logger)
		default:
			g.emit(bus.EventPairingRejected, msg, nil)
			g.reply(msg, domain.OutboundMessage{Content: "Invalid or expired pairing code."}, logger)
		}
		return false
	}

	code, fresh := g.pairing.IssueCode(msg.Channel, msg.SenderID)
	if fresh {
		// The code goes to the operator only, never back to the chat.
		logger.Warn("unpaired sender; share this pairing code with them", "code", code)
		g.emit(bus.EventPairingCodeIssued, msg, map[string]any{"code": code})
	}
	g.reply(msg, domain.OutboundMessage{Content: unpairedReply}, logger)
	return false
}

func (g *Gateway) reply(msg domain.InboundMessage, out domain.OutboundMessage, logger *slog.Logger) {
	out.Channel = msg.Channel
	out.ChatID = msg.ChatID
	if err := g.bus.SendOutbound(out); err != nil {
		logger.Error("reply not delivered", "error", err)
	}
}

func (g *Gateway) emit(eventType string, msg domain.InboundMessage, payload map[string]any) {
	if g.events == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["channel"] = msg.Channel
	payload["chat_id"] = msg.ChatID
	payload["sender_id"] = msg.SenderID
	payload["thread"] = msg.ThreadID()
	g.events.Emit(bus.Event{Type: eventType, Source: "gateway", Payload: payload})
}

func failureText(err error) string {
	switch {
	case errors.Is(err, domain.ErrThreadBusy):
		return busyReply
	case errors.Is(err, domain.ErrBackendUnavailable):
		return unavailableReply
	case errors.Is(err, domain.ErrSchemaViolation):
		return "Please send a non-empty message."
	}
	return failureReply
}
