package room_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukepan/roomserver/internal/room"
	"github.com/dukepan/roomserver/internal/transport"
)

// fakeConn is an in-memory transport.Conn for exercising Room without
// a real network socket.
type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	closed   bool
	closeErr error
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeConn) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeConn) RemoteAddr() string { return "fake" }

func (f *fakeConn) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

var _ transport.Conn = (*fakeConn)(nil)

func newTestRoom(t *testing.T, hooks room.Hooks) *room.Room {
	t.Helper()
	r := room.New(room.Config{
		RoomID:      "room-1",
		RoomName:    "lobby",
		MaxClients:  2,
		DevMode:     true,
		PatchRateMS: 20,
		Hooks:       hooks,
	})
	require.NoError(t, r.RunOnCreate(context.Background(), room.Options{}))
	return r
}

func TestRoom_ReserveAndJoin(t *testing.T) {
	var joined []string
	r := newTestRoom(t, room.Hooks{
		OnJoin: func(ctx context.Context, r *room.Room, c *room.Client, opts room.Options) error {
			joined = append(joined, c.SessionID())
			return nil
		},
	})

	require.NoError(t, r.ReserveSeat(context.Background(), "sess-1", room.Options{"name": "alice"}, nil))

	conn := &fakeConn{}
	client, err := r.Join(context.Background(), "sess-1", conn)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", client.SessionID())
	assert.Equal(t, 1, r.ClientCount())
	assert.Equal(t, []string{"sess-1"}, joined)
	assert.NotEmpty(t, client.ReconnectionToken())
}

func TestRoom_Join_WithoutReservation_Fails(t *testing.T) {
	r := newTestRoom(t, room.Hooks{})
	_, err := r.Join(context.Background(), "ghost", &fakeConn{})
	require.Error(t, err)
}

func TestRoom_LocksAtCapacity(t *testing.T) {
	r := newTestRoom(t, room.Hooks{})
	require.NoError(t, r.ReserveSeat(context.Background(), "a", room.Options{}, nil))
	require.NoError(t, r.ReserveSeat(context.Background(), "b", room.Options{}, nil))

	_, err := r.Join(context.Background(), "a", &fakeConn{})
	require.NoError(t, err)
	_, err = r.Join(context.Background(), "b", &fakeConn{})
	require.NoError(t, err)

	err = r.ReserveSeat(context.Background(), "c", room.Options{}, nil)
	assert.Error(t, err)
}

func TestRoom_Leave_RunsHookAndRemovesClient(t *testing.T) {
	var leftConsented bool
	r := newTestRoom(t, room.Hooks{
		OnLeave: func(ctx context.Context, r *room.Room, c *room.Client, consented bool) error {
			leftConsented = consented
			return nil
		},
	})
	require.NoError(t, r.ReserveSeat(context.Background(), "sess-1", room.Options{}, nil))
	client, err := r.Join(context.Background(), "sess-1", &fakeConn{})
	require.NoError(t, err)

	require.NoError(t, r.Leave(context.Background(), client, true))
	assert.True(t, leftConsented)
	assert.Equal(t, 0, r.ClientCount())
}

func TestRoom_AllowReconnection_ResumesSameSession(t *testing.T) {
	r := newTestRoom(t, room.Hooks{
		OnLeave: func(ctx context.Context, rr *room.Room, c *room.Client, consented bool) error {
			if !consented {
				rr.AllowReconnection(c, 200*time.Millisecond)
			}
			return nil
		},
	})
	require.NoError(t, r.ReserveSeat(context.Background(), "sess-1", room.Options{}, nil))
	client, err := r.Join(context.Background(), "sess-1", &fakeConn{})
	require.NoError(t, err)

	require.NoError(t, r.Leave(context.Background(), client, false))
	assert.Equal(t, 0, r.ClientCount())

	newConn := &fakeConn{}
	resumed, err := r.Join(context.Background(), "sess-1", newConn)
	require.NoError(t, err)
	assert.Equal(t, room.Reconnected, resumed.State())
	assert.Equal(t, 1, r.ClientCount())
}

func TestRoom_HandleMessage_DispatchesExactThenWildcard(t *testing.T) {
	var exactCalled, wildcardCalled bool
	r := newTestRoom(t, room.Hooks{})
	r.OnMessage("ping", func(ctx context.Context, rr *room.Room, c *room.Client, payload interface{}) error {
		exactCalled = true
		return nil
	})
	r.OnMessageWildcard(func(ctx context.Context, rr *room.Room, c *room.Client, payload interface{}) error {
		wildcardCalled = true
		return nil
	})

	require.NoError(t, r.ReserveSeat(context.Background(), "sess-1", room.Options{}, nil))
	client, err := r.Join(context.Background(), "sess-1", &fakeConn{})
	require.NoError(t, err)

	msg, _ := json.Marshal(map[string]interface{}{"type": "ping"})
	require.NoError(t, r.HandleMessage(context.Background(), client, msg))
	assert.True(t, exactCalled)
	assert.False(t, wildcardCalled)

	exactCalled = false
	other, _ := json.Marshal(map[string]interface{}{"type": "unknown-type"})
	require.NoError(t, r.HandleMessage(context.Background(), client, other))
	assert.False(t, exactCalled)
	assert.True(t, wildcardCalled)
}

func TestRoom_Join_SendsJoinRoomFrame(t *testing.T) {
	r := newTestRoom(t, room.Hooks{})
	require.NoError(t, r.ReserveSeat(context.Background(), "sess-1", room.Options{}, nil))
	conn := &fakeConn{}
	client, err := r.Join(context.Background(), "sess-1", conn)
	require.NoError(t, err)

	msgs := conn.messages()
	require.Len(t, msgs, 1)
	var f struct {
		Type    string `json:"type"`
		Payload struct {
			ReconnectionToken string `json:"reconnectionToken"`
			SerializerID      string `json:"serializerId"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msgs[0], &f))
	assert.Equal(t, "JOIN_ROOM", f.Type)
	assert.Equal(t, client.ReconnectionToken(), f.Payload.ReconnectionToken)
	assert.Equal(t, "none", f.Payload.SerializerID)
}

func TestRoom_HandleMessage_DropsMessageFromLeavingClient(t *testing.T) {
	var handlerCalled bool
	var handleErr error
	r := newTestRoom(t, room.Hooks{
		OnLeave: func(ctx context.Context, rr *room.Room, c *room.Client, consented bool) error {
			msg, _ := json.Marshal(map[string]interface{}{"type": "ping"})
			handleErr = rr.HandleMessage(ctx, c, msg)
			return nil
		},
	})
	r.OnMessage("ping", func(ctx context.Context, rr *room.Room, c *room.Client, payload interface{}) error {
		handlerCalled = true
		return nil
	})
	require.NoError(t, r.ReserveSeat(context.Background(), "sess-1", room.Options{}, nil))
	client, err := r.Join(context.Background(), "sess-1", &fakeConn{})
	require.NoError(t, err)

	require.NoError(t, r.Leave(context.Background(), client, true))
	assert.NoError(t, handleErr)
	assert.False(t, handlerCalled, "a message dispatched while the client is leaving must be silently dropped")
}

func TestRoom_HandleMessage_UnhandledTypeDevModeSendsErrorReply(t *testing.T) {
	r := newTestRoom(t, room.Hooks{})
	require.NoError(t, r.ReserveSeat(context.Background(), "sess-1", room.Options{}, nil))
	conn := &fakeConn{}
	client, err := r.Join(context.Background(), "sess-1", conn)
	require.NoError(t, err)

	msg, _ := json.Marshal(map[string]interface{}{"type": "nope"})
	err = r.HandleMessage(context.Background(), client, msg)
	require.Error(t, err)

	msgs := conn.messages()
	require.Len(t, msgs, 2) // JOIN_ROOM, then the unhandled-type reply
	var f struct {
		Type    string `json:"type"`
		Payload struct {
			Message string `json:"message"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msgs[1], &f))
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, f.Payload.Message, "nope")
}

func TestRoom_HandleMessage_UnhandledTypeOutsideDevModeClosesConnection(t *testing.T) {
	r := room.New(room.Config{RoomID: "r1", RoomName: "lobby", DevMode: false})
	require.NoError(t, r.RunOnCreate(context.Background(), room.Options{}))
	require.NoError(t, r.ReserveSeat(context.Background(), "sess-1", room.Options{}, nil))
	conn := &fakeConn{}
	client, err := r.Join(context.Background(), "sess-1", conn)
	require.NoError(t, err)

	msg, _ := json.Marshal(map[string]interface{}{"type": "nope"})
	err = r.HandleMessage(context.Background(), client, msg)
	require.Error(t, err)
	assert.True(t, conn.closed)
}

func TestRoom_InvalidPayload_SendsGenericDetailOutsideDevMode(t *testing.T) {
	r := room.New(room.Config{RoomID: "r1", RoomName: "lobby", DevMode: false})
	require.NoError(t, r.RunOnCreate(context.Background(), room.Options{}))
	require.NoError(t, r.ReserveSeat(context.Background(), "sess-1", room.Options{}, nil))
	conn := &fakeConn{}
	client, err := r.Join(context.Background(), "sess-1", conn)
	require.NoError(t, err)

	err = r.HandleMessage(context.Background(), client, []byte("not json"))
	require.Error(t, err)
	msgs := conn.messages()
	// msgs[0] is the JOIN_ROOM frame Join sends; the error reply is last.
	require.Len(t, msgs, 2)
	assert.NotContains(t, string(msgs[1]), "invalid character")
}

func TestRoom_Broadcast_ExcludesGivenClient(t *testing.T) {
	r := newTestRoom(t, room.Hooks{})
	require.NoError(t, r.ReserveSeat(context.Background(), "a", room.Options{}, nil))
	require.NoError(t, r.ReserveSeat(context.Background(), "b", room.Options{}, nil))
	connA, connB := &fakeConn{}, &fakeConn{}
	clientA, err := r.Join(context.Background(), "a", connA)
	require.NoError(t, err)
	_, err = r.Join(context.Background(), "b", connB)
	require.NoError(t, err)

	require.NoError(t, r.Broadcast("chat", map[string]string{"text": "hi"}, room.BroadcastOptions{Except: clientA}))
	// Each conn already holds its own JOIN_ROOM frame from Join; the
	// broadcast adds exactly one more to connB and none to connA.
	assert.Len(t, connA.messages(), 1)
	assert.Len(t, connB.messages(), 2)
}

func TestRoom_AutoDispose_WhenEmpty(t *testing.T) {
	disposed := make(chan struct{})
	r := newTestRoom(t, room.Hooks{
		OnDisposeEvent: func() { close(disposed) },
	})
	require.NoError(t, r.ReserveSeat(context.Background(), "a", room.Options{}, nil))
	client, err := r.Join(context.Background(), "a", &fakeConn{})
	require.NoError(t, err)
	require.NoError(t, r.Leave(context.Background(), client, true))

	select {
	case <-disposed:
	case <-time.After(2 * time.Second):
		t.Fatal("room did not auto-dispose after emptying")
	}
}
