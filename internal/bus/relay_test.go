package bus

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelay_RoutesBetweenProcesses(t *testing.T) {
	topo := Topology{Coordinator: "coordinator", Workers: []ProcessID{"worker-1", "worker-2"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewRelayServer("coordinator", nil)
	ts := httptest.NewServer(server)
	addr := strings.TrimPrefix(ts.URL, "http://")

	coord, err := New("coordinator", topo, server)
	require.NoError(t, err)
	require.NoError(t, coord.Start(ctx))

	var workers []*Bus
	for _, id := range topo.Workers {
		client, err := DialRelay(ctx, RelayURL(addr, id), id, nil)
		require.NoError(t, err)
		w, err := New(id, topo, client)
		require.NoError(t, err)
		require.NoError(t, w.Start(ctx))
		workers = append(workers, w)
	}
	defer func() {
		coord.Close()
		for _, w := range workers {
			w.Close()
		}
		ts.Close()
	}()

	require.Eventually(t, func() bool { return len(server.Connected()) == 2 }, 2*time.Second, 10*time.Millisecond)

	rec := newRecorder()
	for _, b := range append([]*Bus{coord}, workers...) {
		b.SubscribeOnce(evTest, rec.handler(string(b.Self())+"/once"))
		b.SubscribeEvery(evTest, rec.handler(string(b.Self())+"/every"))
	}

	require.NoError(t, workers[0].Publish(ctx, Envelope{Class: Everyone, Type: evTest}))
	require.Eventually(t, func() bool {
		return rec.get("coordinator/every") == 1 &&
			rec.get("worker-1/every") == 1 &&
			rec.get("worker-2/every") == 1 &&
			rec.get("worker-1/once") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, coord.PublishTo(ctx, "worker-2", Envelope{Type: evTest}))
	require.Eventually(t, func() bool { return rec.get("worker-2/once") == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, rec.get("coordinator/once"))
}

func TestRelayServer_UnknownPeer(t *testing.T) {
	server := NewRelayServer("coordinator", nil)
	err := server.Send(context.Background(), "worker-7", Envelope{Type: evTest})
	assert.ErrorIs(t, err, ErrPeerNotConnected)

	require.NoError(t, server.Close())
	err = server.Send(context.Background(), "worker-7", Envelope{Type: evTest})
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestRelayURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:9090/fleet/relay?process=worker-1", RelayURL("localhost:9090", "worker-1"))
}
