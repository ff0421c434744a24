// Package room implements the per-room state machine: lifecycle,
// seat reservation, join/leave concurrency, reconnection grace, the
// tick/patch loop, typed message dispatch, and graceful dispose.
//
// A Room serializes every state mutation behind a single mutex rather
// than a cooperative task queue — Go's goroutines already give
// suspension for free, so the single-threaded-per-room contract is
// enforced by locking around each mutation instead of reimplementing
// an event loop. Handlers/hooks run with the lock released so a slow
// or suspending hook doesn't stall other clients' reads of room
// metadata; the lock is re-acquired to apply the hook's effects.
package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dukepan/roomserver/internal/clock"
	"github.com/dukepan/roomserver/internal/driver"
	"github.com/dukepan/roomserver/internal/ipc"
	"github.com/dukepan/roomserver/internal/presence"
	"github.com/dukepan/roomserver/internal/roomerr"
	"github.com/dukepan/roomserver/internal/serializer"
	"github.com/dukepan/roomserver/internal/transport"
)

// State is a Room's lifecycle stage.
type State int

const (
	Creating State = iota
	Created
	Disposing
)

func (s State) String() string {
	switch s {
	case Creating:
		return "CREATING"
	case Created:
		return "CREATED"
	case Disposing:
		return "DISPOSING"
	default:
		return "UNKNOWN"
	}
}

// ClientState is where a joined (or joining) session sits in its
// lifecycle.
type ClientState int

const (
	Joining ClientState = iota
	Joined
	Reconnected
	Leaving
)

// Options is the merged {defaultOptions, options} bag passed to onCreate/onJoin.
type Options map[string]interface{}

// Client is one connected (or reconnecting) session bound to exactly
// one Room.
type Client struct {
	sessionID         string
	reconnectionToken string
	auth              interface{}
	userData          interface{}
	state             ClientState
	conn              transport.Conn

	mu sync.Mutex
}

func newClient(sessionID string, conn transport.Conn) *Client {
	return &Client{sessionID: sessionID, conn: conn, state: Joining}
}

// SessionID identifies the client within its room; satisfies serializer.Client.
func (c *Client) SessionID() string { return c.sessionID }

// ReconnectionToken is the one-time token issued on join, required to
// resume a dropped connection within the grace window.
func (c *Client) ReconnectionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectionToken
}

// Auth is whatever onAuth returned for this client.
func (c *Client) Auth() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

// UserData is free-form room-supplied data attached to the client.
func (c *Client) UserData() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userData
}

// SetUserData lets onJoin/onAuth stash arbitrary state on the client.
func (c *Client) SetUserData(v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userData = v
}

// State reports the client's current lifecycle stage.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// reservedSeat is a provisional, TTL-bounded capacity slot granted
// before the client's transport connects.
type reservedSeat struct {
	options           Options
	auth              interface{}
	consumed          bool
	allowReconnection bool
	ttlTimerID        clock.TimerID
}

// reconnection is a pending allowReconnection hold keyed by the
// reconnection token the original client was issued.
type reconnection struct {
	ch         chan *Client
	timerID    clock.TimerID
	resolved   bool
	seatHolder string // sessionId of the original client, kept occupying the seat
}

// Hooks bundles every optional user-supplied lifecycle callback. All
// may suspend. Errors returned by OnCreate, OnAuth, OnJoin, OnLeave and
// message handlers are routed to OnUncaughtException; errors from
// OnDispose, OnBeforeShutdown and OnBeforePatch are only logged. Panics
// are not recovered.
type Hooks struct {
	OnCreate  func(ctx context.Context, r *Room, options Options) error
	OnAuth    func(ctx context.Context, r *Room, client *Client, options Options) (interface{}, error)
	OnJoin    func(ctx context.Context, r *Room, client *Client, options Options) error
	OnLeave   func(ctx context.Context, r *Room, client *Client, consented bool) error
	OnDispose func(ctx context.Context, r *Room) error
	// OnBeforeShutdown defaults to disconnecting every client if nil.
	OnBeforeShutdown    func(ctx context.Context, r *Room) error
	OnBeforePatch       func(ctx context.Context, r *Room, state interface{}) error
	OnUncaughtException func(err error, methodName string)

	// OnJoinEvent/OnLeaveEvent/OnLockEvent/OnDisposeEvent let the
	// matchmaker observe lifecycle transitions for stats bookkeeping
	// without the room importing the matchmaker package.
	OnJoinEvent    func()
	OnLeaveEvent   func()
	OnLockEvent    func(locked bool)
	OnVisibility   func(unlisted bool)
	OnDisposeEvent func()
}

// Config is the construction-time shape of a Room, mirroring the
// fields a RoomHandler's factory/defaultOptions would populate.
type Config struct {
	RoomID     string
	RoomName   string
	ProcessID  string
	MaxClients int
	// AutoDispose defaults to true when left nil.
	AutoDispose *bool
	PatchRateMS int
	// SeatReservationSecs defaults to 15 when zero.
	SeatReservationSecs int
	Private             bool
	Unlisted            bool
	Metadata            json.RawMessage
	DevMode             bool

	Driver     driver.Instance
	Presence   presence.Presence
	IPC        *ipc.Bus
	Serializer serializer.Serializer
	Clock      *clock.Clock
	Logger     *slog.Logger

	Hooks Hooks
}

// BroadcastOptions controls fan-out for Broadcast/BroadcastBytes.
type BroadcastOptions struct {
	Except         *Client
	AfterNextPatch bool
}

type pendingBroadcast struct {
	messageType string
	data        []byte
	except      *Client
}

// Room is the authoritative per-process session instance.
type Room struct {
	mu sync.Mutex

	roomID     string
	roomName   string
	processID  string
	maxClients int

	autoDispose         bool
	patchRateMS         int
	seatReservationSecs int
	private             bool
	locked              bool
	unlisted            bool
	metadata            json.RawMessage
	devMode             bool

	state State

	clients       []*Client
	reservedSeats map[string]*reservedSeat
	reconnections map[string]*reconnection

	handlers        map[string]MessageHandler
	wildcardHandler MessageHandler
	defaultHandler  MessageHandler
	validators      map[string]ValidateFunc

	hooks Hooks

	driverInstance driver.Instance
	presence       presence.Presence
	ipcBus         *ipc.Bus
	serializer     serializer.Serializer
	clock          *clock.Clock
	logger         *slog.Logger

	simIntervalID   clock.TimerID
	hasSimInterval  bool
	patchIntervalID clock.TimerID

	autoDisposeTimerID clock.TimerID
	hasAutoDisposeTmr  bool
	disposeEmitted     bool

	onLeaveConcurrent int32

	afterNextPatch []pendingBroadcast

	disposed bool
}

// MessageHandler processes one typed ROOM_DATA payload from a client.
type MessageHandler func(ctx context.Context, r *Room, client *Client, payload interface{}) error

// ValidateFunc normalizes or rejects an inbound payload before dispatch.
type ValidateFunc func(payload interface{}) (interface{}, error)

const (
	defaultPatchRateMS    = 50
	defaultSeatReserveSec = 15
)

// New constructs a Room in the CREATING state. The caller must still
// invoke RunOnCreate, which also starts the tick/patch loops, before
// the room is usable.
func New(cfg Config) *Room {
	autoDispose := true
	if cfg.AutoDispose != nil {
		autoDispose = *cfg.AutoDispose
	}
	patchRate := cfg.PatchRateMS
	if patchRate <= 0 {
		patchRate = defaultPatchRateMS
	}
	seatReserve := cfg.SeatReservationSecs
	if seatReserve <= 0 {
		seatReserve = defaultSeatReserveSec
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	ser := cfg.Serializer
	if ser == nil {
		ser = serializer.NoneSerializer{}
	}

	return &Room{
		roomID:              cfg.RoomID,
		roomName:            cfg.RoomName,
		processID:           cfg.ProcessID,
		maxClients:          cfg.MaxClients,
		autoDispose:         autoDispose,
		patchRateMS:         patchRate,
		seatReservationSecs: seatReserve,
		private:             cfg.Private,
		unlisted:            cfg.Unlisted,
		metadata:            cfg.Metadata,
		devMode:             cfg.DevMode,
		state:               Creating,
		reservedSeats:       make(map[string]*reservedSeat),
		reconnections:       make(map[string]*reconnection),
		handlers:            make(map[string]MessageHandler),
		validators:          make(map[string]ValidateFunc),
		hooks:               cfg.Hooks,
		driverInstance:      cfg.Driver,
		presence:            cfg.Presence,
		ipcBus:              cfg.IPC,
		serializer:          ser,
		clock:               c,
		logger:              logger,
	}
}

// RoomID, RoomName, ProcessID identify this instance.
func (r *Room) RoomID() string    { return r.roomID }
func (r *Room) RoomName() string  { return r.roomName }
func (r *Room) ProcessID() string { return r.processID }

// State reports the current lifecycle stage.
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ClientCount is the number of joined (non-leaving) clients.
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Clients returns a snapshot copy of the currently joined clients.
func (r *Room) Clients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, len(r.clients))
	copy(out, r.clients)
	return out
}

func (r *Room) wrap(methodName string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := roomerr.Wrap(methodName, err)
	if r.hooks.OnUncaughtException != nil {
		r.hooks.OnUncaughtException(err, methodName)
	} else {
		r.logger.Error("uncaught exception in room hook", "method", methodName, "error", err, "room_id", r.roomID)
	}
	return wrapped
}

func newSessionID() string { return uuid.NewString() }

func newReconnectionToken() string { return uuid.NewString() }

// hasReachedMaxClients counts joined clients plus unconsumed reserved
// seats plus seats held by a pending reconnection against maxClients.
func (r *Room) hasReachedMaxClients() bool {
	if r.maxClients <= 0 {
		return false
	}
	occupied := len(r.clients) + len(r.reconnections)
	for _, seat := range r.reservedSeats {
		if !seat.consumed {
			occupied++
		}
	}
	return occupied >= r.maxClients
}

func (r *Room) updateLockFromCapacity(ctx context.Context) {
	shouldLock := r.maxClients > 0 && r.hasReachedMaxClients()
	if shouldLock == r.locked {
		return
	}
	r.locked = shouldLock
	r.syncCacheLocked(ctx)
	if r.hooks.OnLockEvent != nil {
		r.hooks.OnLockEvent(r.locked)
	}
}

// syncCacheLocked pushes the room's externally visible fields to its
// RoomCache entry. Caller must hold r.mu.
func (r *Room) syncCacheLocked(ctx context.Context) {
	if r.driverInstance == nil {
		return
	}
	_ = r.driverInstance.UpdateOne(ctx, driver.Patch{
		Set: map[string]interface{}{
			"locked":   r.locked,
			"private":  r.private,
			"unlisted": r.unlisted,
			"clients":  len(r.clients),
		},
	})
}

