package bus

import (
	"context"

	"github.com/nfrund/repobot/internal/events"
)

// Scoped is a tenant's view of the shared bus. Inbound envelopes reach its
// handlers only when their tenant key equals the view's, and everything it
// publishes carries that key.
type Scoped struct {
	bus    *Bus
	tenant TenantKey
}

// Tenant returns the tenant key of the view.
func (s *Scoped) Tenant() TenantKey { return s.tenant }

// Bus returns the underlying shared bus.
func (s *Scoped) Bus() *Bus { return s.bus }

// SubscribeOnce subscribes h, filtered to this tenant, in the once-per-process registry.
func (s *Scoped) SubscribeOnce(eventType string, h Handler) *Subscription {
	return s.bus.SubscribeOnce(eventType, s.filter(h))
}

// SubscribeEvery subscribes h, filtered to this tenant, in the every-process registry.
func (s *Scoped) SubscribeEvery(eventType string, h Handler) *Subscription {
	return s.bus.SubscribeEvery(eventType, s.filter(h))
}

// Unsubscribe removes a subscription made through this view.
func (s *Scoped) Unsubscribe(sub *Subscription) {
	s.bus.Unsubscribe(sub)
}

// Publish stamps the tenant key on env and publishes it.
func (s *Scoped) Publish(ctx context.Context, env Envelope) error {
	env.Tenant = s.tenant
	return s.bus.Publish(ctx, env)
}

func (s *Scoped) filter(h Handler) Handler {
	return func(ctx context.Context, env Envelope) error {
		if env.Tenant != s.tenant {
			return nil
		}
		return h(ctx, env)
	}
}

// Emit encodes payload for ev and publishes it with the given class.
func Emit[T any](ctx context.Context, p Publisher, class DeliveryClass, ev events.Event[T], payload T) error {
	data, err := ev.Encode(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, Envelope{Class: class, Type: ev.Name(), Payload: data})
}
