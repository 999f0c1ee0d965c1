package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/repobot/internal/pubsub"
)

const (
	evTest     = "test.event"
	evSentinel = "test.sentinel"
)

type recorder struct {
	mu     sync.Mutex
	counts map[string]int
	order  []string
}

func newRecorder() *recorder {
	return &recorder{counts: make(map[string]int)}
}

func (r *recorder) handler(key string) Handler {
	return func(ctx context.Context, env Envelope) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.counts[key]++
		r.order = append(r.order, key)
		return nil
	}
}

func (r *recorder) get(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

type testFleet struct {
	coord   *Bus
	workers []*Bus
	all     []*Bus
}

func newTestFleet(t *testing.T, workers int) *testFleet {
	t.Helper()

	bridge := pubsub.NewWatermillBridge()
	topo := Topology{Coordinator: "coordinator"}
	for i := 1; i <= workers; i++ {
		topo.Workers = append(topo.Workers, ProcessID(fmt.Sprintf("worker-%d", i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &testFleet{}
	for _, id := range append([]ProcessID{topo.Coordinator}, topo.Workers...) {
		b, err := New(id, topo, NewPubSubTransport(bridge, bridge))
		require.NoError(t, err)
		require.NoError(t, b.Start(ctx))
		f.all = append(f.all, b)
		if id == topo.Coordinator {
			f.coord = b
		} else {
			f.workers = append(f.workers, b)
		}
	}

	t.Cleanup(func() {
		for _, b := range f.all {
			b.Close()
		}
		cancel()
		bridge.Close()
	})
	return f
}

// subscribeAll records both registries of every process under "<id>/once"
// and "<id>/every".
func (f *testFleet) subscribeAll(rec *recorder, eventType string) {
	for _, b := range f.all {
		b.SubscribeOnce(eventType, rec.handler(string(b.Self())+"/once"))
		b.SubscribeEvery(eventType, rec.handler(string(b.Self())+"/every"))
	}
}

// settle publishes an everyone sentinel from p and waits until every
// process handled it. Deliveries from one publisher keep their order, so
// everything p published before has been handled too.
func (f *testFleet) settle(t *testing.T, p *Bus) {
	t.Helper()
	seen := newRecorder()
	var subs []*Subscription
	for _, b := range f.all {
		subs = append(subs, b.SubscribeEvery(evSentinel, seen.handler(string(b.Self()))))
	}
	defer func() {
		for i, b := range f.all {
			b.Unsubscribe(subs[i])
		}
	}()

	require.NoError(t, p.Publish(context.Background(), Envelope{Class: Everyone, Type: evSentinel}))
	require.Eventually(t, func() bool {
		for _, b := range f.all {
			if seen.get(string(b.Self())) == 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBus_SingleWorker(t *testing.T) {
	f := newTestFleet(t, 3)
	rec := newRecorder()
	f.subscribeAll(rec, evTest)

	publisher := f.workers[0]
	for i := 0; i < 12; i++ {
		require.NoError(t, publisher.Publish(context.Background(), Envelope{Class: SingleWorker, Type: evTest}))
	}
	f.settle(t, publisher)

	total := 0
	for _, w := range f.workers {
		total += rec.get(string(w.Self()) + "/once")
		assert.Zero(t, rec.get(string(w.Self())+"/every"))
	}
	assert.Equal(t, 12, total, "each publish is consumed by exactly one worker")
	assert.Zero(t, rec.get("coordinator/once"))
	assert.Zero(t, rec.get("coordinator/every"))
}

func TestBus_SingleWorkerFromCoordinator(t *testing.T) {
	f := newTestFleet(t, 3)
	rec := newRecorder()
	f.subscribeAll(rec, evTest)

	require.NoError(t, f.coord.Publish(context.Background(), Envelope{Class: SingleWorker, Type: evTest}))
	f.settle(t, f.coord)

	total := 0
	for _, w := range f.workers {
		total += rec.get(string(w.Self()) + "/once")
	}
	assert.Equal(t, 1, total)
	assert.Zero(t, rec.get("coordinator/once"))
}

func TestBus_Everyone(t *testing.T) {
	f := newTestFleet(t, 3)
	rec := newRecorder()
	f.subscribeAll(rec, evTest)

	publisher := f.workers[1]
	require.NoError(t, publisher.Publish(context.Background(), Envelope{Class: Everyone, Type: evTest}))
	f.settle(t, publisher)

	assert.Equal(t, 1, rec.get("coordinator/every"))
	assert.Zero(t, rec.get("coordinator/once"))
	for _, w := range f.workers {
		assert.Equal(t, 1, rec.get(string(w.Self())+"/every"), w.Self())
	}

	// Local echo reaches only the publisher's once registry.
	assert.Equal(t, 1, rec.get("worker-2/once"))
	assert.Zero(t, rec.get("worker-1/once"))
	assert.Zero(t, rec.get("worker-3/once"))
}

func TestBus_EveryoneFromCoordinatorHasNoEcho(t *testing.T) {
	f := newTestFleet(t, 2)
	rec := newRecorder()
	f.subscribeAll(rec, evTest)

	require.NoError(t, f.coord.Publish(context.Background(), Envelope{Class: Everyone, Type: evTest}))
	f.settle(t, f.coord)

	assert.Equal(t, 1, rec.get("coordinator/every"))
	for _, b := range f.all {
		assert.Zero(t, rec.get(string(b.Self())+"/once"), b.Self())
	}
}

func TestBus_AllWorkers(t *testing.T) {
	f := newTestFleet(t, 3)
	rec := newRecorder()
	f.subscribeAll(rec, evTest)

	require.NoError(t, f.coord.Publish(context.Background(), Envelope{Class: AllWorkers, Type: evTest}))
	f.settle(t, f.coord)

	for _, w := range f.workers {
		assert.Equal(t, 1, rec.get(string(w.Self())+"/every"))
		assert.Zero(t, rec.get(string(w.Self())+"/once"))
	}
	assert.Zero(t, rec.get("coordinator/every"))
}

func TestBus_Coordinator(t *testing.T) {
	f := newTestFleet(t, 2)
	rec := newRecorder()
	f.subscribeAll(rec, evTest)

	require.NoError(t, f.workers[0].Publish(context.Background(), Envelope{Class: Coordinator, Type: evTest}))
	f.settle(t, f.workers[0])

	assert.Equal(t, 1, rec.get("coordinator/every"))
	assert.Zero(t, rec.get("coordinator/once"))
	for _, w := range f.workers {
		assert.Zero(t, rec.get(string(w.Self())+"/every"))
		assert.Zero(t, rec.get(string(w.Self())+"/once"))
	}
}

func TestBus_PublishTo(t *testing.T) {
	f := newTestFleet(t, 3)
	rec := newRecorder()
	f.subscribeAll(rec, evTest)

	ctx := context.Background()
	require.NoError(t, f.coord.PublishTo(ctx, "worker-3", Envelope{Type: evTest}))
	f.settle(t, f.coord)

	assert.Equal(t, 1, rec.get("worker-3/once"))
	assert.Zero(t, rec.get("worker-1/once"))
	assert.Zero(t, rec.get("worker-2/once"))

	err := f.coord.PublishTo(ctx, "coordinator", Envelope{Type: evTest})
	assert.ErrorIs(t, err, ErrUnknownProcess)
	err = f.coord.PublishTo(ctx, "worker-9", Envelope{Type: evTest})
	assert.ErrorIs(t, err, ErrUnknownProcess)
}

// failingTransport loses every envelope sent to another process.
type failingTransport struct{}

func (failingTransport) Send(context.Context, ProcessID, Envelope) error {
	return errors.New("network unreachable")
}
func (failingTransport) Listen(context.Context, ProcessID, func(Envelope)) error { return nil }
func (failingTransport) Close() error                                            { return nil }

func newLonelyWorker(t *testing.T) *Bus {
	t.Helper()
	topo := Topology{Coordinator: "coordinator", Workers: []ProcessID{"worker-1", "worker-2"}}
	b, err := New("worker-1", topo, failingTransport{}, WithPicker(func(int) int { return 0 }))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBus_LocalEchoSurvivesTransportFailure(t *testing.T) {
	b := newLonelyWorker(t)
	rec := newRecorder()
	b.SubscribeOnce(evTest, rec.handler("once"))
	b.SubscribeEvery(evTest, rec.handler("every"))

	err := b.Publish(context.Background(), Envelope{Class: Everyone, Type: evTest})
	assert.Error(t, err, "transport failures are reported")

	assert.Eventually(t, func() bool {
		return rec.get("once") == 1 && rec.get("every") == 1
	}, time.Second, 5*time.Millisecond)
}

// stalledTransport holds every send until release is closed.
type stalledTransport struct {
	release chan struct{}
}

func (s stalledTransport) Send(ctx context.Context, _ ProcessID, _ Envelope) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (stalledTransport) Listen(context.Context, ProcessID, func(Envelope)) error { return nil }
func (stalledTransport) Close() error                                            { return nil }

func TestBus_LocalEchoDoesNotWaitForTransport(t *testing.T) {
	tr := stalledTransport{release: make(chan struct{})}
	topo := Topology{Coordinator: "coordinator", Workers: []ProcessID{"worker-1", "worker-2", "worker-3"}}
	b, err := New("worker-3", topo, tr)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Close() })

	rec := newRecorder()
	b.SubscribeOnce(evTest, rec.handler("once"))

	published := make(chan error, 1)
	go func() {
		published <- b.Publish(context.Background(), Envelope{Class: Everyone, Type: evTest})
	}()

	// Every send to the coordinator and the other workers is still blocked.
	require.Eventually(t, func() bool { return rec.get("once") == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-published:
		t.Fatal("publish returned before the transport released its sends")
	default:
	}

	close(tr.release)
	select {
	case err := <-published:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish did not return after the transport released")
	}
}

func TestBus_HandlerIsolationAndOrder(t *testing.T) {
	b := newLonelyWorker(t)
	rec := newRecorder()

	b.SubscribeOnce(evTest, rec.handler("first"))
	b.SubscribeOnce(evTest, func(ctx context.Context, env Envelope) error { panic("handler bug") })
	b.SubscribeOnce(evTest, func(ctx context.Context, env Envelope) error { return errors.New("handler failed") })
	b.SubscribeOnce(evTest, rec.handler("last"))

	require.NoError(t, b.Publish(context.Background(), Envelope{Class: SingleWorker, Type: evTest}))
	require.NoError(t, b.Publish(context.Background(), Envelope{Class: SingleWorker, Type: evTest}))

	require.Eventually(t, func() bool { return rec.get("last") == 2 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"first", "last", "first", "last"}, rec.order)
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := newLonelyWorker(t)
	rec := newRecorder()

	sub := b.SubscribeOnce(evTest, rec.handler("removed"))
	b.SubscribeOnce(evTest, rec.handler("kept"))
	assert.Equal(t, 2, b.Subscribers(OncePerProcess, evTest))

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
	b.Unsubscribe(&Subscription{eventType: evTest, granularity: OncePerProcess})
	assert.Equal(t, 1, b.Subscribers(OncePerProcess, evTest))
	assert.False(t, sub.Active())

	require.NoError(t, b.Publish(context.Background(), Envelope{Class: SingleWorker, Type: evTest}))
	require.Eventually(t, func() bool { return rec.get("kept") == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, rec.get("removed"))
}

func TestBus_HandlerMayUnsubscribeLaterHandler(t *testing.T) {
	b := newLonelyWorker(t)
	rec := newRecorder()

	var later *Subscription
	b.SubscribeOnce(evTest, func(ctx context.Context, env Envelope) error {
		b.Unsubscribe(later)
		return nil
	})
	later = b.SubscribeOnce(evTest, rec.handler("later"))
	b.SubscribeOnce(evTest, rec.handler("tail"))

	require.NoError(t, b.Publish(context.Background(), Envelope{Class: SingleWorker, Type: evTest}))
	require.Eventually(t, func() bool { return rec.get("tail") == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, rec.get("later"))
}

func TestBus_TenantIsolation(t *testing.T) {
	b := newLonelyWorker(t)
	rec := newRecorder()

	tenantA := TenantKey{InstallationID: 1, Repository: "octo/a"}
	tenantB := TenantKey{InstallationID: 1, Repository: "octo/b"}
	b.Scoped(tenantA).SubscribeOnce(evTest, rec.handler("a"))
	b.Scoped(tenantB).SubscribeOnce(evTest, rec.handler("b"))

	require.NoError(t, b.Scoped(tenantA).Publish(context.Background(), Envelope{Class: SingleWorker, Type: evTest}))
	require.NoError(t, b.Publish(context.Background(), Envelope{
		Class: SingleWorker, Type: evTest, Tenant: TenantKey{InstallationID: 2, Repository: "octo/b"},
	}))

	sentinel := newRecorder()
	b.SubscribeOnce(evSentinel, sentinel.handler("done"))
	require.NoError(t, b.Publish(context.Background(), Envelope{Class: SingleWorker, Type: evSentinel}))
	require.Eventually(t, func() bool { return sentinel.get("done") == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, rec.get("a"))
	assert.Zero(t, rec.get("b"), "same repository name under another installation is another tenant")
}

func TestBus_Validation(t *testing.T) {
	b := newLonelyWorker(t)

	err := b.Publish(context.Background(), Envelope{Class: DeliveryClass(42), Type: evTest})
	assert.ErrorIs(t, err, ErrInvalidClass)

	_, err = New("stranger", Topology{Coordinator: "coordinator"}, failingTransport{})
	assert.ErrorIs(t, err, ErrUnknownProcess)

	_, err = New("coordinator", Topology{Coordinator: "coordinator", Workers: []ProcessID{"w", "w"}}, failingTransport{})
	assert.Error(t, err)

	solo, err := New("coordinator", Topology{Coordinator: "coordinator"}, failingTransport{})
	require.NoError(t, err)
	assert.ErrorIs(t, solo.Publish(context.Background(), Envelope{Class: SingleWorker, Type: evTest}), ErrNoWorkers)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), Envelope{Class: SingleWorker, Type: evTest}), ErrClosed)
}

func TestDeliveryClass_String(t *testing.T) {
	for _, c := range []DeliveryClass{SingleWorker, AllWorkers, Coordinator, Everyone} {
		parsed, err := ParseDeliveryClass(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	_, err := ParseDeliveryClass("broadcast")
	assert.Error(t, err)
}

func TestTenantKey(t *testing.T) {
	key, err := ParseTenantKey("42:octo/widgets")
	require.NoError(t, err)
	assert.Equal(t, TenantKey{InstallationID: 42, Repository: "octo/widgets"}, key)
	assert.Equal(t, "42:octo/widgets", key.String())

	_, err = ParseTenantKey("octo/widgets")
	assert.Error(t, err)
	assert.True(t, TenantKey{}.IsZero())
}
