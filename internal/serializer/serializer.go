// Package serializer defines the state-replication boundary the room
// runtime depends on without owning: encoding full state for a newly
// joined client and computing/applying per-tick deltas. A schema-based
// implementation is assumed to exist behind this interface in a full
// deployment; NoneSerializer is the trivial valid implementation for
// rooms that carry no replicated state.
package serializer

// Client is the minimal shape a Serializer needs to address one
// connected session; the room package's Client satisfies it.
type Client interface {
	SessionID() string
}

// Serializer is the capability a Room delegates state encoding to.
// Handshake is optional: implementations that don't need one return nil.
type Serializer interface {
	ID() string
	Reset(state interface{})
	GetFullState(client Client) ([]byte, error)
	// ApplyPatches computes and, as a side effect of the call, sends the
	// delta frame to each client; it returns whether any bytes were
	// produced (false means the patch tick was a no-op).
	ApplyPatches(clients []Client, state interface{}) (bool, error)
	Handshake() []byte
}

// NoneSerializer never encodes anything; it satisfies rooms that don't
// replicate state (e.g. pure message-relay rooms).
type NoneSerializer struct{}

// ID identifies the serializer to the client so it can pick a matching
// decoder; "none" tells clients not to expect state frames at all.
func (NoneSerializer) ID() string { return "none" }

func (NoneSerializer) Reset(interface{}) {}

func (NoneSerializer) GetFullState(Client) ([]byte, error) { return nil, nil }

func (NoneSerializer) ApplyPatches([]Client, interface{}) (bool, error) { return false, nil }

func (NoneSerializer) Handshake() []byte { return nil }
