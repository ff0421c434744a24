// Package ws is the reference Transport adapter, built on
// gorilla/websocket using the same read/write pump split the chat
// server's rooms.Client used, generalized to the Transport interface
// instead of a room-specific struct.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Conn adapts a *websocket.Conn to transport.Conn with the read/write
// pump pair, so WriteMessage calls always happen from one goroutine
// the way gorilla requires.
type Conn struct {
	conn *websocket.Conn

	send     chan []byte
	received chan []byte
	closed   chan struct{}
}

// NewConn upgrades an HTTP request into a Conn and starts its pumps.
func NewConn(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: upgrade: %w", err)
	}
	c := &Conn{
		conn:     raw,
		send:     make(chan []byte, 256),
		received: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *Conn) readPump() {
	defer func() {
		close(c.closed)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case c.received <- message:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Send queues data for the write pump; it never blocks the caller on a
// slow peer beyond the channel's buffer.
func (c *Conn) Send(data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return fmt.Errorf("ws: connection closed")
	}
}

// Receive blocks for the next inbound frame, ctx cancellation, or close.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-c.received:
		if !ok {
			return nil, fmt.Errorf("ws: connection closed")
		}
		return msg, nil
	case <-c.closed:
		return nil, fmt.Errorf("ws: connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame carrying code and reason, then tears the
// socket down. code follows the transport package's WS_CLOSE_* family;
// every code other than 1000 (normal closure) is sent in the standard
// websocket close frame as policy violation.
func (c *Conn) Close(code int, reason string) error {
	wsCode := websocket.CloseNormalClosure
	if code != 1000 {
		wsCode = websocket.ClosePolicyViolation
	}
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(wsCode, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return c.conn.Close()
}

// RemoteAddr identifies the peer for logging/metrics.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
