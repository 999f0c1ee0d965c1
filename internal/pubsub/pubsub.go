// Package pubsub carries encoded bus envelopes between the processes of a
// single-binary fleet. Each process reads one inbox topic.
package pubsub

import (
	"context"
)

// Message is one encoded envelope on its way to a process inbox. The
// labels repeat envelope fields so tracing and logs can name a message
// without decoding it.
type Message struct {
	Topic   string
	Origin  string
	Payload []byte

	EventType string
	Class     string
	Tenant    string
}

// Handler processes one received message. A returned error is logged;
// the message is not redelivered.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber delivers the messages of a topic to a handler in the
// background until ctx ends or the subscriber closes.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}
