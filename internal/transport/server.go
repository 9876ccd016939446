// ABOUTME: WebSocket network server for the HiveMind host
// ABOUTME: Parses frames, dispatches by message type, and broadcasts to all peers
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hivemind-audio/hivemind-go/internal/protocol"
)

const shutdownTimeout = 5 * time.Second

// ErrAlreadyRunning is returned by Start when the server is live.
var ErrAlreadyRunning = errors.New("transport already running")

// Handler processes one inbound message. Handlers run on the owning
// connection's reader goroutine, so messages from a single peer are handled
// in order while distinct peers never block each other.
type Handler func(c *Conn, payload json.RawMessage, audioData []byte)

// Server owns all live connections and the dispatch table.
type Server struct {
	upgrader websocket.Upgrader

	handlersMu sync.RWMutex
	handlers   map[protocol.MessageType]Handler

	connsMu sync.RWMutex
	conns   map[*Conn]struct{}

	onDisconnect func(*Conn)

	mu       sync.Mutex
	addr     string
	listener net.Listener
	httpSrv  *http.Server
	running  bool
	stopChan chan struct{}

	wg sync.WaitGroup
}

// NewServer creates a server that will listen on addr (host:port).
func NewServer(addr string) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			// Local-network deployment, nodes connect from arbitrary origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handlers: make(map[protocol.MessageType]Handler),
		conns:    make(map[*Conn]struct{}),
		addr:     addr,
	}
}

// RegisterHandler installs the handler for a message type, replacing any
// existing one.
func (s *Server) RegisterHandler(t protocol.MessageType, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[t] = h
}

// OnDisconnect installs a callback invoked after a connection leaves the
// live set.
func (s *Server) OnDisconnect(fn func(*Conn)) {
	s.onDisconnect = fn
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and serves until Stop is called. A bind failure
// returns immediately and leaves the server stopped and retryable.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.listener = ln
	s.httpSrv = &http.Server{Handler: mux}
	s.running = true
	s.stopChan = make(chan struct{})
	stop := s.stopChan
	s.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("network server listening")

	errChan := make(chan error, 1)
	go func() {
		if serveErr := s.httpSrv.Serve(ln); serveErr != http.ErrServerClosed {
			errChan <- serveErr
		}
	}()

	var serveErr error
	select {
	case <-stop:
		log.Info().Msg("network server shutting down")
	case serveErr = <-errChan:
		log.Error().Err(serveErr).Msg("network server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}

	// Close remaining sockets so reader goroutines unwind
	s.connsMu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.connsMu.Unlock()

	// In-flight dispatches get a bounded grace period, never an open-ended wait
	waitTimeout(&s.wg, shutdownTimeout)

	s.mu.Lock()
	s.running = false
	s.listener = nil
	s.stopChan = nil
	s.mu.Unlock()

	log.Info().Msg("network server stopped")
	return serveErr
}

// Stop causes a blocked Start to return. Safe to call when not running and
// safe to call twice.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopChan != nil {
		close(s.stopChan)
		s.stopChan = nil
	}
}

// Running reports whether the accept loop is live.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// Broadcast serializes once and enqueues to every live connection. Failures
// are isolated per peer and logged; Broadcast itself never fails.
func (s *Server) Broadcast(msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", string(msg.Type)).Msg("broadcast marshal failed")
		return
	}

	// Stable snapshot so connections added or removed mid-broadcast are
	// either fully included or fully excluded
	s.connsMu.RLock()
	peers := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		peers = append(peers, c)
	}
	s.connsMu.RUnlock()

	for _, c := range peers {
		if err := c.enqueue(data); err != nil {
			log.Warn().Err(err).Str("peer", c.RemoteAddr()).Msg("broadcast delivery failed")
		}
	}
}

// handleWebSocket upgrades an HTTP request and runs the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConn(ws)
	log.Info().Str("peer", c.RemoteAddr()).Msg("node connected")

	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()

	s.readLoop(c)

	s.removeConn(c)
	log.Info().Str("peer", c.RemoteAddr()).Str("device_id", c.DeviceID()).Msg("node disconnected")
}

// readLoop parses inbound frames and dispatches them in order for this
// connection. Malformed frames and unknown types are dropped with a warning
// and the connection stays open.
func (s *Server) readLoop(c *Conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("peer", c.RemoteAddr()).Msg("read error")
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("peer", c.RemoteAddr()).Msg("dropping unparseable frame")
			continue
		}

		s.handlersMu.RLock()
		handler := s.handlers[env.Type]
		s.handlersMu.RUnlock()

		if handler == nil {
			log.Debug().Str("type", string(env.Type)).Str("peer", c.RemoteAddr()).Msg("no handler for message")
			continue
		}

		handler(c, env.Payload, env.AudioData)
	}
}

// removeConn drops a connection from the live set and closes its queue. The
// node's session membership is untouched; the staleness monitor decides when
// the node is actually gone.
func (s *Server) removeConn(c *Conn) {
	s.connsMu.Lock()
	_, present := s.conns[c]
	delete(s.conns, c)
	s.connsMu.Unlock()

	if !present {
		return
	}
	c.close()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
}

// waitTimeout waits for wg up to d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
