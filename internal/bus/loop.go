package bus

import (
	"context"
	"sync"
)

// delivery is one queued envelope and the local registries it goes to.
type delivery struct {
	env   Envelope
	once  bool
	every bool
}

// eventLoop is the per-process queue. It is unbounded so that enqueueing
// from a transport callback or from inside a handler never blocks.
type eventLoop struct {
	mu     sync.Mutex
	items  []delivery
	signal chan struct{}
}

func newEventLoop() *eventLoop {
	return &eventLoop{signal: make(chan struct{}, 1)}
}

func (l *eventLoop) push(d delivery) {
	l.mu.Lock()
	l.items = append(l.items, d)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *eventLoop) next() (delivery, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return delivery{}, false
	}
	d := l.items[0]
	l.items[0] = delivery{}
	l.items = l.items[1:]
	return d, true
}

// run processes deliveries one at a time until ctx is done.
func (l *eventLoop) run(ctx context.Context, process func(context.Context, delivery)) {
	for {
		for {
			d, ok := l.next()
			if !ok {
				break
			}
			process(ctx, d)
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-l.signal:
		}
	}
}
