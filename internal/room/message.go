package room

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dukepan/roomserver/internal/roomerr"
	"github.com/dukepan/roomserver/internal/transport"
)

// frame is the wire envelope every inbound/outbound message shares,
// following the {"type": ..., "payload": ...} convention already used
// for chat events.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const wildcardMessageType = "*"

// OnMessage registers handler for an exact message type.
func (r *Room) OnMessage(messageType string, handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[messageType] = handler
}

// OnMessageWildcard registers a handler invoked for any message type
// with no exact handler, after validate hook runs but before the
// default handler.
func (r *Room) OnMessageWildcard(handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wildcardHandler = handler
}

// SetDefaultMessageHandler registers the handler invoked when neither
// an exact nor a wildcard handler exists for a message type.
func (r *Room) SetDefaultMessageHandler(handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultHandler = handler
}

// SetValidator attaches a payload validator to messageType, run before
// any handler. A validator that errors short-circuits dispatch.
func (r *Room) SetValidator(messageType string, v ValidateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[messageType] = v
}

// HandleMessage dispatches one inbound frame: exact handler, else
// wildcard, else default. Resolution order never falls through (an
// exact handler match skips wildcard/default even if it errors).
func (r *Room) HandleMessage(ctx context.Context, client *Client, raw []byte) error {
	if client.State() == Leaving {
		return nil
	}

	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return r.invalidPayload(client, err)
	}

	var payload interface{}
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			return r.invalidPayload(client, err)
		}
	}

	r.mu.Lock()
	validator, hasValidator := r.validators[f.Type]
	handler, hasHandler := r.handlers[f.Type]
	wildcard := r.wildcardHandler
	fallback := r.defaultHandler
	r.mu.Unlock()

	if hasValidator {
		normalized, err := validator(payload)
		if err != nil {
			return r.invalidPayload(client, err)
		}
		payload = normalized
	}

	var target MessageHandler
	switch {
	case hasHandler:
		target = handler
	case wildcard != nil:
		target = wildcard
	case fallback != nil:
		target = fallback
	default:
		return r.unhandledMessageType(client, f.Type)
	}

	if err := target(ctx, r, client, payload); err != nil {
		return r.wrap(roomerr.MethodOnMessage, err)
	}
	return nil
}

// unhandledMessageType is the room runtime's own default when no exact,
// wildcard, or application-supplied default handler claims a message
// type: in dev mode it replies with an invalid-payload notice so the
// client can see what went wrong; otherwise it closes the connection
// with WS_CLOSE_WITH_ERROR, since an unrouted message type in
// production usually means a protocol mismatch worth dropping the
// connection over.
func (r *Room) unhandledMessageType(client *Client, messageType string) error {
	if r.devMode {
		_ = r.Send(client, "error", map[string]string{"message": "no handler registered for message type: " + messageType})
		return roomerr.ErrInvalidPayload
	}
	_ = client.conn.Close(transport.CloseWithError, "unhandled message type: "+messageType)
	return roomerr.ErrInvalidPayload
}

// invalidPayload reports a malformed or rejected message. In dev mode
// the underlying error is sent back to the client to speed up
// debugging; in production only a generic notice is sent, since the
// detail may leak internal state.
func (r *Room) invalidPayload(client *Client, cause error) error {
	detail := "invalid payload"
	if r.devMode {
		detail = cause.Error()
	}
	_ = r.Send(client, "error", map[string]string{"message": detail})
	return roomerr.ErrInvalidPayload
}

// Send delivers one typed message to a single client.
func (r *Room) Send(client *Client, messageType string, payload interface{}) error {
	data, err := encodeFrame(messageType, payload)
	if err != nil {
		return err
	}
	return client.conn.Send(data)
}

// joinRoomPayload is the JOIN_ROOM frame body: the reconnection token
// the client must present to resume within the grace window, which
// serializer the room uses, and that serializer's optional handshake.
type joinRoomPayload struct {
	ReconnectionToken string `json:"reconnectionToken"`
	SerializerID      string `json:"serializerId"`
	Handshake         []byte `json:"handshake,omitempty"`
}

// sendJoinRoomFrame tells a freshly joined client its reconnection
// token and serializer identity before any state hits the wire.
func (r *Room) sendJoinRoomFrame(client *Client) error {
	return r.Send(client, "JOIN_ROOM", joinRoomPayload{
		ReconnectionToken: client.ReconnectionToken(),
		SerializerID:      r.serializer.ID(),
		Handshake:         r.serializer.Handshake(),
	})
}

// sendFullState delivers the serializer's full state snapshot for
// client, the ROOM_STATE frame. A nil/empty snapshot (e.g.
// NoneSerializer) sends nothing.
func (r *Room) sendFullState(client *Client) error {
	state, err := r.serializer.GetFullState(client)
	if err != nil {
		return fmt.Errorf("room: get full state: %w", err)
	}
	if len(state) == 0 {
		return nil
	}
	return r.Send(client, "ROOM_STATE", state)
}

// Broadcast delivers one typed message to every joined client except
// opts.Except. When opts.AfterNextPatch is set, delivery is deferred
// until the next patch tick so the message and the state it
// references arrive atomically from the client's perspective.
func (r *Room) Broadcast(messageType string, payload interface{}, opts BroadcastOptions) error {
	data, err := encodeFrame(messageType, payload)
	if err != nil {
		return err
	}
	return r.BroadcastBytes(messageType, data, opts)
}

// BroadcastBytes is Broadcast for an already-encoded frame.
func (r *Room) BroadcastBytes(messageType string, data []byte, opts BroadcastOptions) error {
	if opts.AfterNextPatch {
		r.mu.Lock()
		r.afterNextPatch = append(r.afterNextPatch, pendingBroadcast{messageType: messageType, data: data, except: opts.Except})
		r.mu.Unlock()
		return nil
	}
	return r.deliver(data, opts.Except)
}

func (r *Room) deliver(data []byte, except *Client) error {
	r.mu.Lock()
	targets := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c == except {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()

	var firstErr error
	for _, c := range targets {
		if err := c.conn.Send(data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func encodeFrame(messageType string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("room: marshal payload: %w", err)
	}
	return json.Marshal(frame{Type: messageType, Payload: body})
}
