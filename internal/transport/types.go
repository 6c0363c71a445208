package transport

import (
	"context"
	"errors"
)

// ErrRejected is wrapped by senders when the remote end answered but refused the message
// (non-2xx webhook status, Telegram API error).
var ErrRejected = errors.New("delivery rejected")

// Message is one outbound text message (a rendered digest or an alert line).
type Message struct {
	// Channel is a short label used for metrics/events ("digest", "alert").
	Channel string
	Text    string
}

// Sender delivers a single message to the configured outbound channel.
//
// Implementations must honor ctx and must not retry internally; delivery in this
// system is fire-and-forget per message.
type Sender interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// SenderFunc adapts a function to Sender (mostly for tests).
type SenderFunc func(ctx context.Context, m Message) error

func (f SenderFunc) Name() string { return "func" }

func (f SenderFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }
