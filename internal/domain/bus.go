package domain

import (
	"context"
	"time"
)

// InboundMessage is a user message arriving from a front-end channel.
type InboundMessage struct {
	Channel   string // channel name, e.g. "telegram"
	ChatID    string // where replies go
	SenderID  string
	Thread    string // conversation key; empty means Channel:ChatID
	Content   string
	Timestamp time.Time

	// Abandoned is closed when the sender stops waiting for the reply; the
	// turn is then cancelled. Nil for channels that always wait.
	Abandoned <-chan struct{}
}

// ThreadID returns the conversation thread the message belongs to.
func (m InboundMessage) ThreadID() string {
	if m.Thread != "" {
		return m.Thread
	}
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a reply routed back to the channel that sent the message.
type OutboundMessage struct {
	Channel    string
	ChatID     string
	Content    string
	Incomplete bool      // the loop stopped on its invocation budget
	Kind       ErrorKind // set when the call failed
}

// MessageBus routes messages between channels and the gateway.
type MessageBus interface {
	Publish(ctx context.Context, msg InboundMessage) error
	Subscribe() <-chan InboundMessage
	SendOutbound(msg OutboundMessage) error
	OnOutbound(channelName string, handler func(OutboundMessage))
	Close()
}
