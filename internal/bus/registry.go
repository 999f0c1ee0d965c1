package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handler consumes one envelope. A returned error is logged and does not
// affect other handlers.
type Handler func(ctx context.Context, env Envelope) error

// Granularity selects the registry a subscription lives in.
type Granularity int

const (
	// OncePerProcess subscribers consume single-worker deliveries and the
	// local echo of everyone publishes.
	OncePerProcess Granularity = iota + 1
	// EveryProcess subscribers consume all-workers, coordinator and
	// everyone deliveries.
	EveryProcess
)

func (g Granularity) String() string {
	switch g {
	case OncePerProcess:
		return "once"
	case EveryProcess:
		return "every"
	}
	return "unknown"
}

// Subscription is the token returned by Subscribe. It is the only handle
// that can remove the handler again.
type Subscription struct {
	eventType   string
	granularity Granularity
	handler     Handler
	active      atomic.Bool
}

// EventType returns the event type name the subscription listens to.
func (s *Subscription) EventType() string { return s.eventType }

// Active reports whether the subscription has not been removed.
func (s *Subscription) Active() bool { return s != nil && s.active.Load() }

// registry maps event type names to handlers in insertion order.
type registry struct {
	mu       sync.RWMutex
	handlers map[string][]*Subscription
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string][]*Subscription)}
}

func (r *registry) add(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.active.Store(true)
	r.handlers[sub.eventType] = append(r.handlers[sub.eventType], sub)
}

// remove reports whether sub was present. Removing twice is a no-op.
func (r *registry) remove(sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.handlers[sub.eventType]
	for i, s := range subs {
		if s != sub {
			continue
		}
		sub.active.Store(false)
		next := make([]*Subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, sub.eventType)
		} else {
			r.handlers[sub.eventType] = next
		}
		return true
	}
	return false
}

// snapshot returns the handlers for eventType. The slice is never mutated
// in place, so callers may range over it without holding the lock.
func (r *registry) snapshot(eventType string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[eventType]
}

func (r *registry) count(eventType string) int {
	return len(r.snapshot(eventType))
}
