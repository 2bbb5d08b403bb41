package bus

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventBus_TypedAndWildcardSubscribers(t *testing.T) {
	eb := NewEventBus(quietLogger())

	var specific, all []string
	eb.On(EventTurnAnswered, func(e Event) { specific = append(specific, e.Type) })
	eb.On(AllEvents, func(e Event) { all = append(all, e.Type) })

	eb.Emit(Event{Type: EventTurnAnswered})
	eb.Emit(Event{Type: EventTurnFailed})

	assert.Equal(t, []string{EventTurnAnswered}, specific)
	assert.Equal(t, []string{EventTurnAnswered, EventTurnFailed}, all)
}

func TestEventBus_CancelEndsOnlyThatSubscription(t *testing.T) {
	eb := NewEventBus(quietLogger())

	var order []string
	cancelA := eb.On("x", func(Event) { order = append(order, "a") })
	eb.On("x", func(Event) { order = append(order, "b") })
	eb.Emit(Event{Type: "x"})

	cancelA()
	cancelA()
	eb.On("x", func(Event) { order = append(order, "c") })
	eb.Emit(Event{Type: "x"})

	assert.Equal(t, []string{"a", "b", "b", "c"}, order)
}

func TestEventBus_RingKeepsNewest(t *testing.T) {
	eb := newEventBus(quietLogger(), 3)

	eb.Emit(Event{Type: "old", Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: "a"})
	eb.Emit(Event{Type: "b"})
	eb.Emit(Event{Type: "a"})

	assert.Equal(t, 3, eb.Len(), "oldest event evicted")
	assert.Len(t, eb.Recent("a", time.Time{}), 2)
	assert.Empty(t, eb.Recent("old", time.Time{}))

	got := eb.Recent(AllEvents, threshold)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "a"}, []string{got[0].Type, got[1].Type, got[2].Type})

	eb.Emit(Event{Type: "c"})
	got = eb.Recent(AllEvents, time.Time{})
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].Type, "ring wraps oldest first")
	assert.Equal(t, "c", got[2].Type)
	assert.False(t, got[2].Timestamp.IsZero(), "timestamp is set on emit")
}

func TestEventBus_PanickingHandlerIsContained(t *testing.T) {
	eb := NewEventBus(quietLogger())
	called := false
	eb.On("boom", func(Event) { panic("handler bug") })
	eb.On("boom", func(Event) { called = true })

	assert.NotPanics(t, func() { eb.Emit(Event{Type: "boom"}) })
	assert.True(t, called)
}

func TestEventBus_NilDropsEvents(t *testing.T) {
	var eb *EventBus
	assert.NotPanics(t, func() { eb.Emit(Event{Type: "x"}) })
}
