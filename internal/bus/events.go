package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event types emitted by the gateway.
const (
	EventMessageReceived   = "message.received"
	EventTurnAnswered      = "turn.answered"
	EventTurnIncomplete    = "turn.incomplete"
	EventTurnFailed        = "turn.failed"
	EventCommandHandled    = "command.handled"
	EventPairingCodeIssued = "pairing.code_issued"
	EventPairingCompleted  = "pairing.completed"
	EventPairingRejected   = "pairing.rejected"
)

// AllEvents subscribes to every event type.
const AllEvents = "*"

const defaultHistorySize = 1000

type Event struct {
	Type      string
	Source    string
	Payload   map[string]any
	Timestamp time.Time
}

type EventHandler func(Event)

type subscription struct {
	seq       uint64
	eventType string
	fn        EventHandler
}

// EventBus fans gateway events out to observers and keeps the most recent
// ones in a ring for Recent. Handlers run synchronously on the emitting
// goroutine, in subscription order. A nil *EventBus drops everything.
type EventBus struct {
	mu     sync.Mutex
	subs   []*subscription
	seq    uint64
	ring   []Event
	start  int // index of the oldest event once the ring is full
	logger *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return newEventBus(logger, defaultHistorySize)
}

func newEventBus(logger *slog.Logger, historySize int) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{ring: make([]Event, 0, historySize), logger: logger}
}

// On subscribes fn to eventType (AllEvents for every type) and returns a
// function that ends the subscription.
func (eb *EventBus) On(eventType string, fn EventHandler) (cancel func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.seq++
	sub := &subscription{seq: eb.seq, eventType: eventType, fn: fn}
	eb.subs = append(eb.subs, sub)
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		for i, s := range eb.subs {
			if s == sub {
				eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
				return
			}
		}
	}
}

func (eb *EventBus) record(e Event) {
	if len(eb.ring) < cap(eb.ring) {
		eb.ring = append(eb.ring, e)
		return
	}
	eb.ring[eb.start] = e
	eb.start = (eb.start + 1) % len(eb.ring)
}

// Emit records e and delivers it to matching subscribers. A handler that
// panics is logged and skipped.
func (eb *EventBus) Emit(e Event) {
	if eb == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.record(e)
	var matched []*subscription
	for _, s := range eb.subs {
		if s.eventType == e.Type || s.eventType == AllEvents {
			matched = append(matched, s)
		}
	}
	eb.mu.Unlock()

	for _, s := range matched {
		eb.deliver(s, e)
	}
}

func (eb *EventBus) deliver(s *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panicked", "event", e.Type, "subscription", s.seq, "panic", r)
		}
	}()
	s.fn(e)
}

// Recent returns retained events of eventType (AllEvents for any) emitted at
// or after since, oldest first.
func (eb *EventBus) Recent(eventType string, since time.Time) []Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	var out []Event
	for i := range eb.ring {
		e := eb.ring[(eb.start+i)%len(eb.ring)]
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == AllEvents || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many events are retained.
func (eb *EventBus) Len() int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.ring)
}
