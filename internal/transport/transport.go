// Package transport implements ReplicationTransport, a best-effort datagram
// abstraction over connections identified by (address, endpoint_id). The
// core assumes delivery is reliable per-connection but unreliable across
// reconnects; this package's only job is to frame and move wire.Message
// envelopes, not to add reliability the replication layer above it already
// supplies.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/dedup"
	"github.com/jfoltran/replicator/internal/wire"
)

// Endpoint identifies a transport peer by address and logical endpoint id.
type Endpoint struct {
	Address    string
	EndpointID string
}

func (e Endpoint) String() string { return fmt.Sprintf("%s/%s", e.Address, e.EndpointID) }

// Handler processes one inbound message addressed to a locally registered
// actor (a replica's session object).
type Handler func(msg wire.Message)

// Transport is the contract the replication core consumes: send a framed
// message to a resolved peer, and dispatch received messages to whichever
// actor they're addressed to.
type Transport interface {
	Send(ctx context.Context, to Endpoint, msg wire.Message) error
	RegisterActor(endpointID string, handler Handler)
	UnregisterActor(endpointID string)
	Close() error
}

// WebsocketTransport implements Transport over github.com/coder/websocket,
// multiplexing one long-lived connection per peer address so every actor
// sharing a peer address reuses the same socket: a mutex-guarded connection
// map, context-bounded writes, and remove-the-client-on-error.
type WebsocketTransport struct {
	logger     zerolog.Logger
	writeTimeout time.Duration

	mu     sync.Mutex
	conns  map[string]*peerConn // keyed by peer address
	actors map[string]Handler   // keyed by local endpoint id
	closed bool
}

type peerConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex // coder/websocket requires writes be serialized per connection
	filter *dedup.Filter
}

// Config tunes the transport's write timeout; WriteTimeout defaults to 5s.
type Config struct {
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// NewWebsocketTransport creates a transport with no connections yet; peers
// are dialed lazily on first Send, and accepted via ServeHTTP.
func NewWebsocketTransport(cfg Config, logger zerolog.Logger) *WebsocketTransport {
	cfg = cfg.withDefaults()
	return &WebsocketTransport{
		logger:       logger.With().Str("component", "ws-transport").Logger(),
		writeTimeout: cfg.WriteTimeout,
		conns:        make(map[string]*peerConn),
		actors:       make(map[string]Handler),
	}
}

// RegisterActor wires handler to receive every inbound message addressed to
// endpointID, regardless of which peer connection it arrives on.
func (t *WebsocketTransport) RegisterActor(endpointID string, handler Handler) {
	t.mu.Lock()
	t.actors[endpointID] = handler
	t.mu.Unlock()
}

// UnregisterActor stops routing messages to endpointID.
func (t *WebsocketTransport) UnregisterActor(endpointID string) {
	t.mu.Lock()
	delete(t.actors, endpointID)
	t.mu.Unlock()
}

// Send delivers msg to the peer at to.Address, dialing lazily and caching
// the connection for reuse.
func (t *WebsocketTransport) Send(ctx context.Context, to Endpoint, msg wire.Message) error {
	pc, err := t.dial(ctx, to.Address)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", to.Address, err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal %s message: %w", msg.Action.Name, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()

	pc.mu.Lock()
	err = pc.conn.Write(writeCtx, websocket.MessageText, data)
	pc.mu.Unlock()
	if err != nil {
		t.drop(to.Address)
		return fmt.Errorf("transport: write %s: %w", to.Address, err)
	}
	return nil
}

func (t *WebsocketTransport) dial(ctx context.Context, address string) (*peerConn, error) {
	t.mu.Lock()
	if pc, ok := t.conns[address]; ok {
		t.mu.Unlock()
		return pc, nil
	}
	t.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, address, nil)
	if err != nil {
		return nil, err
	}

	pc := &peerConn{conn: conn, filter: dedup.NewFilter(t.logger)}

	t.mu.Lock()
	if existing, ok := t.conns[address]; ok {
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "duplicate dial")
		return existing, nil
	}
	t.conns[address] = pc
	t.mu.Unlock()

	go t.readLoop(address, pc)
	return pc, nil
}

func (t *WebsocketTransport) drop(address string) {
	t.mu.Lock()
	pc, ok := t.conns[address]
	if ok {
		delete(t.conns, address)
	}
	t.mu.Unlock()
	if ok {
		pc.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// ServeHTTP accepts an inbound peer connection and routes its messages to
// registered actors until the connection closes or errors.
func (t *WebsocketTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // replication peers dial over an already-trusted cluster network
	})
	if err != nil {
		t.logger.Err(err).Msg("ws accept")
		return
	}

	address := r.RemoteAddr
	pc := &peerConn{conn: conn, filter: dedup.NewFilter(t.logger)}

	t.mu.Lock()
	t.conns[address] = pc
	t.mu.Unlock()

	t.readLoop(address, pc)
}

func (t *WebsocketTransport) readLoop(address string, pc *peerConn) {
	ctx := context.Background()
	for {
		_, data, err := pc.conn.Read(ctx)
		if err != nil {
			t.drop(address)
			return
		}

		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warn().Err(err).Str("peer", address).Msg("discarding malformed frame")
			continue
		}
		if !pc.filter.Allow(msg) {
			continue
		}
		t.dispatch(msg)
	}
}

func (t *WebsocketTransport) dispatch(msg wire.Message) {
	t.mu.Lock()
	handler, ok := t.actors[msg.Actor.EndpointID]
	t.mu.Unlock()
	if !ok {
		t.logger.Warn().Str("endpoint", msg.Actor.EndpointID).Str("action", msg.Action.Name.String()).
			Msg("no actor registered for inbound message")
		return
	}
	handler(msg)
}

// Close shuts down every connection this transport owns. Safe to call more
// than once.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.conns = make(map[string]*peerConn)
	t.mu.Unlock()

	for _, pc := range conns {
		pc.conn.Close(websocket.StatusNormalClosure, "transport closing")
	}
	return nil
}
