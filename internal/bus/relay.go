package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/repobot/internal/codec"
)

// RelayPath is the HTTP path the coordinator accepts worker connections on.
const RelayPath = "/fleet/relay"

const (
	relayReadLimit    = 4 << 20
	relayWriteTimeout = 10 * time.Second
	relaySendBuffer   = 256
)

var (
	// ErrPeerNotConnected is returned when the target worker has no relay connection.
	ErrPeerNotConnected = errors.New("bus: peer not connected")
	// ErrPeerBacklog is returned when a peer's send buffer is full.
	ErrPeerBacklog = errors.New("bus: peer send buffer full")
)

// frame is one relayed envelope and its final destination.
type frame struct {
	To  ProcessID `cbor:"to"`
	Env Envelope  `cbor:"env"`
}

// relayPeer is one connected worker.
type relayPeer struct {
	id   ProcessID
	conn *websocket.Conn
	send chan []byte
}

// RelayServer is the coordinator side of the websocket transport. Workers
// connect to it; envelopes between two workers are forwarded through it.
type RelayServer struct {
	self   ProcessID
	logger *slog.Logger

	mu      sync.RWMutex
	peers   map[ProcessID]*relayPeer
	deliver func(Envelope)
	closed  bool
}

// NewRelayServer creates the coordinator relay for process self.
func NewRelayServer(self ProcessID, logger *slog.Logger) *RelayServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayServer{
		self:   self,
		logger: logger.With("component", "relay_server"),
		peers:  make(map[ProcessID]*relayPeer),
	}
}

// Handler returns the relay as an echo handler.
func (s *RelayServer) Handler() echo.HandlerFunc {
	return echo.WrapHandler(s)
}

// ServeHTTP upgrades a worker connection and serves it until it closes.
func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := ProcessID(r.URL.Query().Get("process"))
	if id == "" {
		http.Error(w, "missing process id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Workers are not browsers; there is no origin to check.
	})
	if err != nil {
		s.logger.Error("Failed to upgrade relay connection", "process", string(id), "error", err)
		return
	}
	conn.SetReadLimit(relayReadLimit)

	peer := &relayPeer{id: id, conn: conn, send: make(chan []byte, relaySendBuffer)}
	if !s.register(peer) {
		conn.Close(websocket.StatusTryAgainLater, "relay closed")
		return
	}
	defer s.unregister(peer)

	go s.writePump(peer)
	s.readPump(r.Context(), peer)
}

func (s *RelayServer) register(peer *relayPeer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if old, ok := s.peers[peer.id]; ok {
		// A reconnecting worker replaces its previous connection.
		close(old.send)
	}
	s.peers[peer.id] = peer
	s.logger.Info("Worker connected", "process", string(peer.id))
	return true
}

func (s *RelayServer) unregister(peer *relayPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.peers[peer.id]; ok && current == peer {
		delete(s.peers, peer.id)
		close(peer.send)
		s.logger.Info("Worker disconnected", "process", string(peer.id))
	}
}

// readPump routes frames from one worker until the connection ends.
func (s *RelayServer) readPump(ctx context.Context, peer *relayPeer) {
	defer peer.conn.Close(websocket.StatusNormalClosure, "worker disconnected")

	for {
		_, data, err := peer.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				s.logger.Warn("Relay read error", "process", string(peer.id), "error", err)
			}
			return
		}

		var f frame
		if err := codec.Unmarshal(data, &f); err != nil {
			s.logger.Warn("Dropping undecodable relay frame", "process", string(peer.id), "error", err)
			continue
		}
		if err := s.route(f); err != nil {
			s.logger.Warn("Relay forward failed",
				"from", string(peer.id), "to", string(f.To), "event_type", f.Env.Type, "error", err)
		}
	}
}

// writePump writes queued frames to one worker until its send channel closes.
func (s *RelayServer) writePump(peer *relayPeer) {
	for data := range peer.send {
		ctx, cancel := context.WithTimeout(context.Background(), relayWriteTimeout)
		err := peer.conn.Write(ctx, websocket.MessageBinary, data)
		cancel()
		if err != nil {
			s.logger.Warn("Relay write error", "process", string(peer.id), "error", err)
			peer.conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}

func (s *RelayServer) route(f frame) error {
	if f.To == s.self {
		s.mu.RLock()
		deliver := s.deliver
		s.mu.RUnlock()
		if deliver != nil {
			deliver(f.Env)
		}
		return nil
	}
	data, err := codec.Marshal(f)
	if err != nil {
		return err
	}
	return s.enqueue(f.To, data)
}

func (s *RelayServer) enqueue(to ProcessID, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrTransportClosed
	}
	peer, ok := s.peers[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, to)
	}
	select {
	case peer.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrPeerBacklog, to)
	}
}

// Connected returns the ids of the connected workers.
func (s *RelayServer) Connected() []ProcessID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]ProcessID, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// Send implements Transport.
func (s *RelayServer) Send(ctx context.Context, to ProcessID, env Envelope) error {
	return s.route(frame{To: to, Env: env})
}

// Listen implements Transport.
func (s *RelayServer) Listen(ctx context.Context, self ProcessID, deliver func(Envelope)) error {
	if self != s.self {
		return fmt.Errorf("relay server belongs to %s, not %s", s.self, self)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrTransportClosed
	}
	s.deliver = deliver
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.deliver = nil
		s.mu.Unlock()
	}()
	return nil
}

// Close disconnects every worker.
func (s *RelayServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := s.peers
	s.peers = make(map[ProcessID]*relayPeer)
	s.mu.Unlock()

	// The close handshake completes on each peer's read pump, which needs
	// the lock to unregister.
	for _, peer := range peers {
		close(peer.send)
		peer.conn.Close(websocket.StatusGoingAway, "coordinator shutting down")
	}
	return nil
}

// RelayClient is the worker side of the websocket transport.
type RelayClient struct {
	self   ProcessID
	conn   *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// RelayURL builds the relay URL for a coordinator address such as "localhost:9090".
func RelayURL(addr string, self ProcessID) string {
	u := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     RelayPath,
		RawQuery: url.Values{"process": {string(self)}}.Encode(),
	}
	return u.String()
}

// DialRelay connects worker self to the coordinator relay at rawURL,
// retrying until ctx is done.
func DialRelay(ctx context.Context, rawURL string, self ProcessID, logger *slog.Logger) (*RelayClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay_client", "process", string(self))

	backoff := 100 * time.Millisecond
	for {
		conn, _, err := websocket.Dial(ctx, rawURL, nil)
		if err == nil {
			conn.SetReadLimit(relayReadLimit)
			logger.Info("Connected to coordinator relay", "url", rawURL)
			return &RelayClient{self: self, conn: conn, logger: logger}, nil
		}

		logger.Warn("Relay dial failed, retrying", "url", rawURL, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial relay %s: %w", rawURL, err)
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}

// Send implements Transport.
func (c *RelayClient) Send(ctx context.Context, to ProcessID, env Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	data, err := codec.Marshal(frame{To: to, Env: env})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, relayWriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

// Listen implements Transport.
func (c *RelayClient) Listen(ctx context.Context, self ProcessID, deliver func(Envelope)) error {
	if self != c.self {
		return fmt.Errorf("relay client belongs to %s, not %s", c.self, self)
	}
	go func() {
		for {
			_, data, err := c.conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
					c.logger.Warn("Relay connection lost", "error", err)
				}
				return
			}
			var f frame
			if err := codec.Unmarshal(data, &f); err != nil {
				c.logger.Warn("Dropping undecodable relay frame", "error", err)
				continue
			}
			if f.To != c.self {
				c.logger.Warn("Dropping relay frame for another process", "to", string(f.To))
				continue
			}
			deliver(f.Env)
		}
	}()
	return nil
}

// Close implements Transport.
func (c *RelayClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close(websocket.StatusNormalClosure, "worker shutting down")
}
