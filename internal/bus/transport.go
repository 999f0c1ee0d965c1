package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nfrund/repobot/internal/codec"
	"github.com/nfrund/repobot/internal/pubsub"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("bus: transport closed")

// Transport moves envelopes between processes of the fleet.
type Transport interface {
	// Send delivers env to the process to. It does not wait for handlers.
	Send(ctx context.Context, to ProcessID, env Envelope) error
	// Listen registers deliver for envelopes addressed to self and returns
	// once the registration is active. Delivery stops when ctx is done.
	Listen(ctx context.Context, self ProcessID, deliver func(Envelope)) error
	Close() error
}

// InboxTopic is the pub/sub topic a process listens on.
func InboxTopic(id ProcessID) string {
	return "fleet.inbox." + string(id)
}

// PubSubTransport carries envelopes over a pubsub.Publisher/Subscriber
// pair, one inbox topic per process. With a shared WatermillBridge it
// connects every process of a single-binary fleet.
type PubSubTransport struct {
	pub pubsub.Publisher
	sub pubsub.Subscriber

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewPubSubTransport creates a transport over pub and sub. Closing the
// transport stops its subscription; pub and sub stay open because they are
// usually shared with the other processes.
func NewPubSubTransport(pub pubsub.Publisher, sub pubsub.Subscriber) *PubSubTransport {
	return &PubSubTransport{pub: pub, sub: sub}
}

// Send implements Transport.
func (t *PubSubTransport) Send(ctx context.Context, to ProcessID, env Envelope) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	data, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	msg := pubsub.Message{
		Topic:     InboxTopic(to),
		Origin:    string(env.Origin),
		Payload:   data,
		EventType: env.Type,
		Class:     env.Class.String(),
	}
	if !env.Tenant.IsZero() {
		msg.Tenant = env.Tenant.String()
	}
	return t.pub.Publish(ctx, msg)
}

// Listen implements Transport.
func (t *PubSubTransport) Listen(ctx context.Context, self ProcessID, deliver func(Envelope)) error {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return ErrTransportClosed
	}
	t.cancel = cancel
	t.mu.Unlock()

	return t.sub.Subscribe(ctx, InboxTopic(self), func(ctx context.Context, msg pubsub.Message) error {
		var env Envelope
		if err := codec.Unmarshal(msg.Payload, &env); err != nil {
			// A malformed envelope will not decode on retry either.
			return fmt.Errorf("decode envelope from %s: %w", msg.Origin, err)
		}
		deliver(env)
		return nil
	})
}

// Close implements Transport.
func (t *PubSubTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}
