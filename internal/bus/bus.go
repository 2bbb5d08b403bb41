// Package bus carries chat messages between front-end channels and the
// gateway, plus an internal event stream for observers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
)

const (
	defaultQueueSize = 100
	defaultFullWait  = 10 * time.Second
)

var (
	ErrClosed    = errors.New("bus closed")
	ErrFull      = errors.New("inbound queue full")
	ErrNoHandler = errors.New("no outbound handler for channel")
)

// InMemoryBus queues inbound messages on a buffered channel and routes
// replies to per-channel handlers.
type InMemoryBus struct {
	queue    chan domain.InboundMessage
	fullWait time.Duration

	// publishers hold sendMu for reading while they enqueue; Close takes it
	// for writing before closing queue.
	sendMu    sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once

	routesMu sync.RWMutex
	routes   map[string]func(domain.OutboundMessage)

	logger *slog.Logger
}

func New(queueSize int, logger *slog.Logger) *InMemoryBus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		queue:    make(chan domain.InboundMessage, queueSize),
		fullWait: defaultFullWait,
		done:     make(chan struct{}),
		routes:   make(map[string]func(domain.OutboundMessage)),
		logger:   logger,
	}
}

// Publish enqueues msg for the gateway. A full queue applies backpressure:
// the caller waits until there is room, ctx ends, the bus closes, or the
// full-queue wait runs out, in which case the message is refused with ErrFull.
func (b *InMemoryBus) Publish(ctx context.Context, msg domain.InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	select {
	case b.queue <- msg:
		return nil
	default:
	}
	b.logger.Warn("inbound queue full, waiting", "channel", msg.Channel, "sender", msg.SenderID, "depth", cap(b.queue))

	timer := time.NewTimer(b.fullWait)
	defer timer.Stop()
	select {
	case b.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	case <-timer.C:
		b.logger.Error("inbound message refused", "channel", msg.Channel, "sender", msg.SenderID, "waited", b.fullWait)
		return fmt.Errorf("%w after %s", ErrFull, b.fullWait)
	}
}

// Subscribe returns the inbound stream. It is closed by Close.
func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.queue
}

// SendOutbound delivers msg to the handler of msg.Channel.
func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) error {
	b.routesMu.RLock()
	deliver, ok := b.routes[msg.Channel]
	b.routesMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrNoHandler, msg.Channel)
	}
	deliver(msg)
	return nil
}

// OnOutbound sets the reply handler of a channel, replacing any earlier one.
func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.routesMu.Lock()
	b.routes[channelName] = handler
	b.routesMu.Unlock()
}

// Close refuses further messages, wakes publishers blocked on a full queue
// and closes the inbound stream. Queued messages stay readable.
func (b *InMemoryBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.sendMu.Lock()
		close(b.queue)
		b.sendMu.Unlock()
	})
}

var _ domain.MessageBus = (*InMemoryBus)(nil)
