package server

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrSlowPeer    = errors.New("peer outbox full")
)

// WSConfig holds tunable parameters for a WSTransport.
type WSConfig struct {
	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// MaxMessageSize bounds a single inbound frame.
	MaxMessageSize int64

	// OutboxSize is the number of frames queued per peer before the peer is
	// considered too slow and disconnected.
	OutboxSize int

	// InboundSize is the capacity of the channel shared by all peers.
	InboundSize int

	WriteTimeout time.Duration
}

// DefaultWSConfig returns defaults sized for credit-paced streams.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		MaxMessageSize:  64 << 10,
		OutboxSize:      4096,
		InboundSize:     1024,
		WriteTimeout:    10 * time.Second,
	}
}

// peerConn is one connected peer. All of its writes go through outbox so
// the event loop never blocks on a socket.
type peerConn struct {
	id        string
	conn      *websocket.Conn
	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// flush asks the write loop to write what is queued, send a close
	// frame and exit. stopped is closed when the write loop returns.
	flush   chan struct{}
	stopped chan struct{}
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// WSTransport serves the control endpoint over WebSocket. Each connection
// is one peer with a server-assigned identity; every inbound binary message
// is one frame.
type WSTransport struct {
	cfg      WSConfig
	log      *zap.Logger
	upgrader websocket.Upgrader

	inbound chan Inbound

	mu     sync.RWMutex
	peers  map[string]*peerConn
	closed bool

	// onConnect is called with each new peer id (testing hook).
	onConnect func(peer string)
}

// NewWSTransport creates a transport ready to be mounted on an HTTP mux.
func NewWSTransport(cfg WSConfig, log *zap.Logger) *WSTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSTransport{
		cfg: cfg,
		log: log.Named("transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		inbound: make(chan Inbound, cfg.InboundSize),
		peers:   make(map[string]*peerConn),
	}
}

// Inbound returns the channel every peer's frames are delivered on.
func (t *WSTransport) Inbound() <-chan Inbound { return t.inbound }

// Peers returns the number of connected peers.
func (t *WSTransport) Peers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Send queues payload for peer without blocking. A peer whose outbox is
// full is disconnected.
func (t *WSTransport) Send(peer string, payload []byte) error {
	t.mu.RLock()
	p, ok := t.peers[peer]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	select {
	case p.outbox <- payload:
		return nil
	case <-p.done:
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	default:
		t.log.Warn("outbox full, disconnecting peer", zap.String("peer", peer), zap.Int("queued", len(p.outbox)))
		p.close()
		return fmt.Errorf("%w: %s", ErrSlowPeer, peer)
	}
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (t *WSTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(t.cfg.MaxMessageSize)

	p := &peerConn{
		id:     uuid.NewString(),
		conn:   conn,
		outbox:  make(chan []byte, t.cfg.OutboxSize),
		done:    make(chan struct{}),
		flush:   make(chan struct{}),
		stopped: make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.peers[p.id] = p
	t.mu.Unlock()

	t.log.Debug("peer connected", zap.String("peer", p.id), zap.String("remote", r.RemoteAddr))
	if t.onConnect != nil {
		t.onConnect(p.id)
	}

	go t.writeLoop(p)
	t.readLoop(p)
}

// readLoop forwards every binary message to the shared inbound channel
// until the connection fails, then reports the disconnect.
func (t *WSTransport) readLoop(p *peerConn) {
	defer t.drop(p)

	for {
		mt, msg, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.log.Debug("read error", zap.String("peer", p.id), zap.Error(err))
				}
			}
			return
		}
		if mt != websocket.BinaryMessage {
			t.log.Debug("non-binary message ignored", zap.String("peer", p.id))
			continue
		}

		select {
		case t.inbound <- Inbound{Peer: p.id, Payload: msg}:
		case <-p.done:
			return
		}
	}
}

// writeLoop drains the outbox onto the connection.
func (t *WSTransport) writeLoop(p *peerConn) {
	defer close(p.stopped)
	for {
		select {
		case <-p.done:
			return
		case <-p.flush:
			t.flushAndClose(p)
			return
		case data := <-p.outbox:
			p.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				t.log.Debug("write error", zap.String("peer", p.id), zap.Error(err))
				p.close()
				return
			}
		}
	}
}

// flushAndClose writes every queued frame, then a GoingAway close frame.
// The whole flush shares one WriteTimeout deadline.
func (t *WSTransport) flushAndClose(p *peerConn) {
	defer p.close()

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	p.conn.SetWriteDeadline(deadline)
	for len(p.outbox) > 0 {
		if err := p.conn.WriteMessage(websocket.BinaryMessage, <-p.outbox); err != nil {
			t.log.Debug("flush error", zap.String("peer", p.id), zap.Error(err))
			return
		}
	}
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
}

// drop unregisters p and tells the event loop it is gone.
func (t *WSTransport) drop(p *peerConn) {
	p.close()

	t.mu.Lock()
	_, ok := t.peers[p.id]
	delete(t.peers, p.id)
	closed := t.closed
	t.mu.Unlock()

	if !ok || closed {
		return
	}
	t.log.Debug("peer disconnected", zap.String("peer", p.id))

	timer := time.NewTimer(t.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case t.inbound <- Inbound{Peer: p.id, Disconnected: true}:
	case <-timer.C:
		t.log.Warn("disconnect notice dropped", zap.String("peer", p.id))
	}
}

// Close disconnects every peer after writing the frames already queued for
// it, bounded by WriteTimeout. The inbound channel stays open so a running
// event loop is not mistaken for a closed transport.
func (t *WSTransport) Close() {
	t.mu.Lock()
	t.closed = true
	peers := t.peers
	t.peers = make(map[string]*peerConn)
	t.mu.Unlock()

	for _, p := range peers {
		close(p.flush)
	}

	timer := time.NewTimer(t.cfg.WriteTimeout)
	defer timer.Stop()
	expired := false
	for _, p := range peers {
		if expired {
			p.close()
			continue
		}
		select {
		case <-p.stopped:
		case <-timer.C:
			expired = true
			t.log.Warn("flush timed out", zap.String("peer", p.id))
			p.close()
		}
	}
}
