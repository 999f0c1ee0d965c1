package pubsub

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.opentelemetry.io/otel/trace"
)

// Metadata keys of the labels a Message carries through watermill.
const (
	metaOrigin    = "origin"
	metaEventType = "event_type"
	metaClass     = "delivery_class"
	metaTenant    = "tenant"
)

// WatermillBridge is an in-memory Publisher and Subscriber over
// watermill's GoChannel, shared by every process of a local fleet.
type WatermillBridge struct {
	pub     message.Publisher
	sub     message.Subscriber
	deliver func(topic string) message.HandlerMiddleware
	logger  *slog.Logger
}

// NewWatermillBridge creates an untraced bridge.
func NewWatermillBridge() *WatermillBridge {
	ch := newGoChannel()
	return &WatermillBridge{
		pub: ch,
		sub: ch,
		deliver: func(string) message.HandlerMiddleware {
			return func(h message.HandlerFunc) message.HandlerFunc { return h }
		},
		logger: slog.Default().With("component", "fleet_pubsub"),
	}
}

// NewWatermillBridgeWithTracer creates a bridge that records a send span
// per publish and a deliver span, parented on it, per delivery.
func NewWatermillBridgeWithTracer(tracer trace.Tracer) *WatermillBridge {
	b := NewWatermillBridge()
	b.pub = &tracingPublisher{next: b.pub, tracer: tracer}
	b.deliver = func(topic string) message.HandlerMiddleware { return deliverSpan(tracer, topic) }
	return b
}

// Publish blocks until the receiving process has taken the message, so
// messages from one publisher to one inbox arrive in publish order.
func newGoChannel() *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{BlockPublishUntilSubscriberAck: true},
		watermill.NewStdLogger(false, false),
	)
}

func toWatermill(ctx context.Context, msg Message) *message.Message {
	wm := message.NewMessage(watermill.NewUUID(), msg.Payload)
	if ctx != nil {
		wm.SetContext(ctx)
	}
	wm.Metadata.Set(metaOrigin, msg.Origin)
	wm.Metadata.Set(metaEventType, msg.EventType)
	wm.Metadata.Set(metaClass, msg.Class)
	wm.Metadata.Set(metaTenant, msg.Tenant)
	return wm
}

func fromWatermill(topic string, wm *message.Message) Message {
	return Message{
		Topic:     topic,
		Origin:    wm.Metadata.Get(metaOrigin),
		Payload:   wm.Payload,
		EventType: wm.Metadata.Get(metaEventType),
		Class:     wm.Metadata.Get(metaClass),
		Tenant:    wm.Metadata.Get(metaTenant),
	}
}

// Publish implements Publisher.
func (b *WatermillBridge) Publish(ctx context.Context, msg Message) error {
	return b.pub.Publish(msg.Topic, toWatermill(ctx, msg))
}

// Subscribe implements Subscriber. It returns once the subscription is
// registered.
func (b *WatermillBridge) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := b.sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	process := b.deliver(topic)(func(wm *message.Message) ([]*message.Message, error) {
		return nil, handler(wm.Context(), fromWatermill(topic, wm))
	})

	go func() {
		for wm := range messages {
			if _, err := process(wm); err != nil {
				b.logger.Error("Failed to handle fleet message",
					"topic", topic,
					"event_type", wm.Metadata.Get(metaEventType),
					"origin", wm.Metadata.Get(metaOrigin),
					"error", err)
			}
			// Nothing is redelivered; a failed message is acked too.
			wm.Ack()
		}
		b.logger.Debug("Inbox subscription ended", "topic", topic)
	}()
	return nil
}

// Close stops every subscription and rejects further publishes.
func (b *WatermillBridge) Close() error {
	return b.sub.Close()
}
