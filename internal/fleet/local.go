package fleet

import (
	"context"
	"errors"
	"fmt"

	"github.com/nfrund/repobot/internal/bus"
	"github.com/nfrund/repobot/internal/pubsub"
)

// Local is a whole fleet in one binary: the coordinator and every worker
// exchange envelopes over one in-memory pub/sub.
type Local struct {
	Coordinator *Process
	Workers     []*Process

	ingress *Balancer
}

// NewLocal builds the processes of topo over bridge. The caller owns
// bridge and closes it after Stop.
func NewLocal(topo bus.Topology, bridge *pubsub.WatermillBridge, opts Options) (*Local, error) {
	if len(topo.Workers) == 0 {
		return nil, fmt.Errorf("fleet: %w", ErrNoWorkers)
	}

	newProcess := func(id bus.ProcessID) (*Process, error) {
		return NewProcess(id, topo, bus.NewPubSubTransport(bridge, bridge), opts)
	}

	coord, err := newProcess(topo.Coordinator)
	if err != nil {
		return nil, err
	}
	l := &Local{Coordinator: coord}

	publishers := make([]bus.Publisher, 0, len(topo.Workers))
	for _, id := range topo.Workers {
		w, err := newProcess(id)
		if err != nil {
			return nil, err
		}
		l.Workers = append(l.Workers, w)
		publishers = append(publishers, w.Bus)
	}
	l.ingress = NewBalancer(publishers...)
	return l, nil
}

// Processes returns the coordinator followed by the workers.
func (l *Local) Processes() []*Process {
	return append([]*Process{l.Coordinator}, l.Workers...)
}

// Ingress is the publisher ingest uses. Each publish goes through the
// next worker.
func (l *Local) Ingress() bus.Publisher { return l.ingress }

// Start starts the coordinator first so workers can register fleet jobs
// with its timer table while loading tenants.
func (l *Local) Start(ctx context.Context) error {
	for _, p := range l.Processes() {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("fleet: start %s: %w", p.ID(), err)
		}
	}
	return nil
}

// Stop stops the workers, then the coordinator.
func (l *Local) Stop(ctx context.Context) error {
	var errs []error
	for _, w := range l.Workers {
		errs = append(errs, w.Stop(ctx))
	}
	errs = append(errs, l.Coordinator.Stop(ctx))
	return errors.Join(errs...)
}
