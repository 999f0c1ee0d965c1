package fleet

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/nfrund/repobot/internal/bus"
)

// ErrNoWorkers is returned by a Balancer with no targets.
var ErrNoWorkers = errors.New("fleet: no workers to publish through")

// Balancer publishes each envelope through the next target in turn. It
// lets one ingest endpoint spread deliveries over the workers of a local
// fleet, each of which then handles the events it ingested.
type Balancer struct {
	targets []bus.Publisher
	next    atomic.Uint64
}

// NewBalancer creates a balancer over targets.
func NewBalancer(targets ...bus.Publisher) *Balancer {
	return &Balancer{targets: targets}
}

// Publish sends env through the next target.
func (b *Balancer) Publish(ctx context.Context, env bus.Envelope) error {
	if len(b.targets) == 0 {
		return ErrNoWorkers
	}
	i := (b.next.Add(1) - 1) % uint64(len(b.targets))
	return b.targets[i].Publish(ctx, env)
}
