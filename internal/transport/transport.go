// Package transport defines the capability boundary between a Room and
// the concrete connection carrying bytes to a client. The core depends
// only on this interface; transport/ws ships a reference adapter.
package transport

import "context"

// Conn is one client's live connection. Implementations must be safe
// for concurrent Send/Close while a single read loop drains Receive.
type Conn interface {
	// Send writes one frame (already encoded by the room/serializer) to
	// the peer. Implementations queue internally rather than blocking
	// the room loop indefinitely.
	Send(data []byte) error
	// Receive blocks until one inbound frame arrives, the connection
	// closes, or ctx is done.
	Receive(ctx context.Context) ([]byte, error)
	// Close terminates the connection with the given close code,
	// matching the protocol's WS_CLOSE_* family.
	Close(code int, reason string) error
	// RemoteAddr identifies the peer for logging/metrics.
	RemoteAddr() string
}

// Listener accepts new Conns. The ws package has no Listener
// implementation; ws.NewConn upgrades one HTTP request into a Conn.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Close codes mirroring the protocol's documented close reasons.
const (
	CloseConsented    = 1000
	CloseWithError    = 4000
	CloseDevModeRestart = 4010
)
