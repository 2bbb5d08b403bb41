package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/provider"
	"relaybot/internal/security"
)

type gatewayHarness struct {
	*harness
	bus     *bus.InMemoryBus
	events  *bus.EventBus
	replies chan domain.OutboundMessage
}

func startGateway(t *testing.T, backend domain.Backend, mutate ...func(*GatewayConfig)) *gatewayHarness {
	t.Helper()
	h := newHarness(t, backend)
	b := bus.New(8, quietLogger())
	events := bus.NewEventBus(quietLogger())
	replies := make(chan domain.OutboundMessage, 8)
	for _, name := range []string{"chat", "cli"} {
		b.OnOutbound(name, func(m domain.OutboundMessage) { replies <- m })
	}

	cfg := GatewayConfig{
		Orchestrator: h.orch,
		Bus:          b,
		Events:       events,
		Metrics:      h.metrics,
		Logger:       quietLogger(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	gw := NewGateway(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gw.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		b.Close()
	})
	return &gatewayHarness{harness: h, bus: b, events: events, replies: replies}
}

func (g *gatewayHarness) send(t *testing.T, msg domain.InboundMessage) domain.OutboundMessage {
	t.Helper()
	require.NoError(t, g.bus.Publish(context.Background(), msg))
	select {
	case out := <-g.replies:
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply to %q", msg.Content)
		return domain.OutboundMessage{}
	}
}

func TestGateway_AnswersOnTheOriginatingChat(t *testing.T) {
	g := startGateway(t, provider.NewScripted(
		provider.Request("calculate", map[string]any{"expression": "15 * 23 + 7"}),
		answerFromLastResult(),
	))

	out := g.send(t, domain.InboundMessage{Channel: "chat", ChatID: "c1", SenderID: "u1", Content: "Calculate 15 * 23 + 7"})
	assert.Equal(t, "chat", out.Channel)
	assert.Equal(t, "c1", out.ChatID)
	assert.Equal(t, "352", out.Content)
	assert.False(t, out.Incomplete)

	hist, err := g.orch.History(context.Background(), "chat:c1")
	require.NoError(t, err)
	assert.Len(t, hist, 3)

	assert.Len(t, g.events.Recent(bus.EventTurnAnswered, time.Time{}), 1)
}

func TestGateway_ExplicitThreadAndCommands(t *testing.T) {
	backend := provider.NewScripted(provider.Answer("hello"))
	g := startGateway(t, backend)

	g.send(t, domain.InboundMessage{Channel: "cli", ChatID: "direct", Thread: "t1", Content: "hi"})
	out := g.send(t, domain.InboundMessage{Channel: "cli", ChatID: "direct", Thread: "t1", Content: "/history"})
	assert.Contains(t, out.Content, "[assistant] hello")
	assert.Equal(t, 1, backend.Calls(), "commands never reach the backend")

	out = g.send(t, domain.InboundMessage{Channel: "cli", ChatID: "direct", Thread: "t1", Content: "/clear"})
	assert.Equal(t, "Thread cleared. Starting fresh.", out.Content)
	hist, _ := g.orch.History(context.Background(), "t1")
	assert.Empty(t, hist)
}

func TestGateway_BackendFailureIsReported(t *testing.T) {
	g := startGateway(t, provider.NewScripted(provider.Fail(errors.New("connection refused"))))

	out := g.send(t, domain.InboundMessage{Channel: "chat", ChatID: "c1", Content: "hello"})
	assert.Equal(t, unavailableReply, out.Content)
	assert.Equal(t, domain.KindBackendUnavailable, out.Kind)

	failed := g.events.Recent(bus.EventTurnFailed, time.Time{})
	require.Len(t, failed, 1)
	assert.Equal(t, "BackendUnavailable", failed[0].Payload["kind"])
}

func TestGateway_IncompleteAnswerIsFlagged(t *testing.T) {
	g := startGateway(t, provider.NewScripted(provider.Request("system_info", nil)), func(c *GatewayConfig) {
		c.Orchestrator.budget = 1
	})

	out := g.send(t, domain.InboundMessage{Channel: "chat", ChatID: "c1", Content: "loop"})
	assert.True(t, out.Incomplete)
	assert.Equal(t, domain.IncompleteResponse, out.Content)
}

func TestGateway_Pairing(t *testing.T) {
	backend := provider.NewScripted(provider.Answer("welcome"))
	pairing := security.NewPairingService(security.PairingConfig{Required: true, Logger: quietLogger()})
	g := startGateway(t, backend, func(c *GatewayConfig) {
		c.Pairing = pairing
		c.Trusted = []string{"cli"}
	})

	var issued []string
	g.events.On(bus.EventPairingCodeIssued, func(e bus.Event) { issued = append(issued, e.Payload["code"].(string)) })

	msg := domain.InboundMessage{Channel: "chat", ChatID: "c1", SenderID: "u1", Content: "hello"}
	out := g.send(t, msg)
	assert.Equal(t, unpairedReply, out.Content)
	require.Len(t, issued, 1)
	assert.NotContains(t, out.Content, issued[0], "the code is never sent to the chat")

	// Asking again does not mint a second code.
	g.send(t, msg)
	assert.Len(t, issued, 1)

	bad := msg
	bad.Content = "/pair 000000x"
	assert.Equal(t, "Invalid or expired pairing code.", g.send(t, bad).Content)

	good := msg
	good.Content = "/pair " + issued[0]
	assert.Equal(t, "Paired. You can start chatting.", g.send(t, good).Content)

	assert.Equal(t, "welcome", g.send(t, msg).Content)
	assert.Equal(t, 1, backend.Calls(), "only the paired message reached the backend")

	// Trusted channels skip pairing entirely.
	out = g.send(t, domain.InboundMessage{Channel: "cli", ChatID: "direct", SenderID: "local", Content: "hi"})
	assert.Equal(t, "welcome", out.Content)
}

func TestGateway_StopsWhenBusCloses(t *testing.T) {
	h := newHarness(t, provider.NewScripted(provider.Answer("x")))
	b := bus.New(1, quietLogger())
	gw := NewGateway(GatewayConfig{Orchestrator: h.orch, Bus: b, Logger: quietLogger()})

	done := make(chan struct{})
	go func() {
		gw.Run(context.Background())
		close(done)
	}()
	b.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("gateway did not stop")
	}
}

// stallingBackend blocks until its context ends.
type stallingBackend struct {
	started chan struct{}
	ended   chan error
}

func (b *stallingBackend) Name() string { return "stalling" }

func (b *stallingBackend) Consult(ctx context.Context, _ []domain.Turn, _ []*domain.Capability) (domain.Decision, error) {
	close(b.started)
	<-ctx.Done()
	b.ended <- ctx.Err()
	return domain.Decision{}, ctx.Err()
}

func TestGateway_AbandonedMessageCancelsTheTurn(t *testing.T) {
	backend := &stallingBackend{started: make(chan struct{}), ended: make(chan error, 1)}
	g := startGateway(t, backend)

	abandoned := make(chan struct{})
	msg := domain.InboundMessage{Channel: "chat", ChatID: "c1", SenderID: "u1", Content: "take your time", Abandoned: abandoned}
	require.NoError(t, g.bus.Publish(context.Background(), msg))

	select {
	case <-backend.started:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never consulted")
	}
	close(abandoned)

	select {
	case err := <-backend.ended:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("turn was not cancelled")
	}
	select {
	case out := <-g.replies:
		t.Fatalf("unexpected reply %q", out.Content)
	case <-time.After(100 * time.Millisecond):
	}

	hist, err := g.orch.History(context.Background(), "chat:c1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.RoleUser, hist[0].Role)
}
