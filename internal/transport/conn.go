// ABOUTME: Per-peer connection handle with a bounded outbound queue
// ABOUTME: Carries the device binding established by the join handshake
package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hivemind-audio/hivemind-go/internal/protocol"
)

const (
	// sendQueueSize bounds the outbound queue per peer so one slow socket
	// cannot grow memory without limit. A full queue counts as a delivery
	// failure for that peer.
	sendQueueSize = 64

	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Conn is a transport-level handle bound 1:1 to a remote peer. Once the
// peer passes the join handshake it carries the node's device ID.
type Conn struct {
	ws   *websocket.Conn
	addr string

	// sendCh is never closed; writers race harmlessly against teardown and
	// a quit signal unblocks the pump instead.
	sendCh chan []byte
	quit   chan struct{}

	closeOnce sync.Once

	mu            sync.RWMutex
	deviceID      string
	authenticated bool
	closed        bool
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:     ws,
		addr:   ws.RemoteAddr().String(),
		sendCh: make(chan []byte, sendQueueSize),
		quit:   make(chan struct{}),
	}
}

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() string {
	return c.addr
}

// DeviceID returns the bound device ID, or "" before authentication.
func (c *Conn) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// Authenticated reports whether the peer has completed the join handshake.
func (c *Conn) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// Bind marks the connection authenticated and records its device ID.
func (c *Conn) Bind(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceID = deviceID
	c.authenticated = true
}

// Send serializes a message and enqueues it for this peer. Fails without
// blocking when the peer's queue is full or the connection is gone.
func (c *Conn) Send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	return c.enqueue(data)
}

func (c *Conn) enqueue(data []byte) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return fmt.Errorf("connection closed: %s", c.addr)
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		return fmt.Errorf("send queue full for %s", c.addr)
	}
}

// Close tears down the connection. Safe to call more than once.
func (c *Conn) Close() {
	c.close()
}

// close tears down the socket and releases the write pump. Safe to call
// more than once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.quit)
		c.ws.Close()
	})
}

// writePump drains the send queue onto the socket, pinging idle peers.
// Exits on write failure or connection teardown.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("peer", c.addr).Msg("write failed, closing connection")
				c.close()
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				c.close()
				return
			}

		case <-c.quit:
			return
		}
	}
}
