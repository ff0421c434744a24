// Package matchmaker implements room discovery and creation: define/
// join/joinById/joinOrCreate/create, the fleet-wide process selection
// policy, the create-slot concurrency rendezvous protocol, and
// cross-process room method calls (remoteRoomCall) guarded by a
// circuit breaker. A timed-out remoteRoomCall is not retried.
package matchmaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dukepan/roomserver/internal/driver"
	"github.com/dukepan/roomserver/internal/ipc"
	"github.com/dukepan/roomserver/internal/presence"
	"github.com/dukepan/roomserver/internal/room"
	"github.com/dukepan/roomserver/internal/roomerr"
	"github.com/dukepan/roomserver/internal/stats"
)

// RoomFactory returns the lifecycle hooks for a fresh room of one
// roomName. The Matchmaker builds the room.Room around them (room ID,
// process ID, max clients, driver instance, Presence, IPC bus) and then
// runs RunOnCreate.
type RoomFactory func() room.Hooks

// RoomHandler is one registered room type: its factory and the
// options merged under every create call unless overridden.
type RoomHandler struct {
	RoomName       string
	Factory        RoomFactory
	DefaultOptions room.Options
	MaxClients     int
	Filter         func(options room.Options, cond *driver.Conditions)
	Sort           driver.Less
}

// SelectProcessFunc picks which process should host a new room
// instance of roomName. entries is the fleet's current stats snapshot
// (one entry per live process). Returning "" lets the caller fall back
// to the local process.
type SelectProcessFunc func(ctx context.Context, roomName string, options room.Options, entries []stats.Entry) (processID string, err error)

// JoinResult is what a successful join/create/joinOrCreate returns to
// the caller (destined for the matchmaking HTTP layer's response body).
type JoinResult struct {
	Room      driver.RoomCache `json:"room"`
	SessionID string           `json:"sessionId"`
}

const (
	concurrencyField        = "c"
	defaultConcurrencyWait  = 5 * time.Second
	defaultCreateRoomWait   = 5 * time.Second
	defaultRemoteCallWait   = 5 * time.Second
)

// Matchmaker is the per-process entry point for room discovery and
// creation. One Matchmaker runs per process, sharing its Driver/
// Presence/IPC with every Room it hosts.
type Matchmaker struct {
	processID string

	driver   driver.Driver
	presence presence.Presence
	ipcBus   *ipc.Bus
	stats    *stats.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[string]*RoomHandler
	local    map[string]*localRoom // roomId -> hosted room, this process only

	selectProcess SelectProcessFunc

	concurrencyWaitTime time.Duration

	breakers   map[string]*gobreaker.CircuitBreaker
	breakersMu sync.Mutex
}

type localRoom struct {
	room     *room.Room
	instance driver.Instance
	stop     func() // ipc room-topic unsubscribe
}

// Config wires a Matchmaker to its process-wide collaborators.
type Config struct {
	ProcessID           string
	Driver              driver.Driver
	Presence            presence.Presence
	IPC                 *ipc.Bus
	Stats               *stats.Registry
	Logger              *slog.Logger
	SelectProcess       SelectProcessFunc
	ConcurrencyWaitTime time.Duration
}

// New constructs a Matchmaker and begins serving its per-process IPC
// inbox (p:<processId>) so other processes can forward createRoom calls
// here. Calls into hosted rooms arrive on each room's own $<roomId> inbox.
func New(ctx context.Context, cfg Config) (*Matchmaker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wait := cfg.ConcurrencyWaitTime
	if wait <= 0 {
		wait = defaultConcurrencyWait
	}

	m := &Matchmaker{
		processID:           cfg.ProcessID,
		driver:               cfg.Driver,
		presence:             cfg.Presence,
		ipcBus:               cfg.IPC,
		stats:                cfg.Stats,
		logger:               logger,
		handlers:             make(map[string]*RoomHandler),
		local:                make(map[string]*localRoom),
		selectProcess:        cfg.SelectProcess,
		concurrencyWaitTime:  wait,
		breakers:             make(map[string]*gobreaker.CircuitBreaker),
	}
	if m.selectProcess == nil {
		m.selectProcess = m.defaultSelectProcess
	}

	if _, err := m.ipcBus.Serve(ctx, ipc.ProcessTopic(m.processID), m.handleProcessCall); err != nil {
		return nil, fmt.Errorf("matchmaker: serve process inbox: %w", err)
	}
	return m, nil
}

// Define registers a room type under roomName.
func (m *Matchmaker) Define(roomName string, factory RoomFactory, defaultOptions room.Options) *RoomHandler {
	h := &RoomHandler{RoomName: roomName, Factory: factory, DefaultOptions: defaultOptions}
	m.mu.Lock()
	m.handlers[roomName] = h
	m.mu.Unlock()
	return h
}

func (m *Matchmaker) handler(roomName string) (*RoomHandler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handlers[roomName]
	return h, ok
}

// defaultSelectProcess picks the process with the fewest hosted rooms,
// falling back to this process when stats are unavailable or this
// process ties for lowest.
func (m *Matchmaker) defaultSelectProcess(ctx context.Context, roomName string, options room.Options, entries []stats.Entry) (string, error) {
	if m.stats == nil || len(entries) == 0 {
		return m.processID, nil
	}
	best := entries[0]
	tiedWithSelf := false
	for _, e := range entries {
		switch {
		case e.RoomCount < best.RoomCount:
			best = e
			tiedWithSelf = e.ProcessID == m.processID
		case e.RoomCount == best.RoomCount && e.ProcessID == m.processID:
			tiedWithSelf = true
		}
	}
	if tiedWithSelf {
		return m.processID, nil
	}
	return best.ProcessID, nil
}

func (m *Matchmaker) breakerFor(name string) *gobreaker.CircuitBreaker {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "remoteRoomCall:" + name,
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	m.breakers[name] = cb
	return cb
}

// roomNotFoundErr is a convenience wrapper matching the taxonomy in roomerr.
func roomNotFoundErr(roomID string) error {
	return fmt.Errorf("%w: %s", roomerr.ErrRoomNotFound, roomID)
}

// HostedRoom returns the *room.Room this process hosts for roomID, for
// a transport layer to hand a freshly-accepted connection to after
// reserveSeat succeeds locally.
func (m *Matchmaker) HostedRoom(roomID string) (*room.Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lr, ok := m.local[roomID]
	if !ok {
		return nil, false
	}
	return lr.room, true
}

// GracefullyShutdown drains every room this process hosts: exclude
// self from the fleet's process hash first so no new room gets routed
// here, then lock every hosted room and Dispose them in parallel
// (Dispose runs onBeforeShutdown, or by default disconnects every
// client), returning once all have finished. The process-wide IPC inbox
// (p:<processId>) stays subscribed after it returns.
func (m *Matchmaker) GracefullyShutdown(ctx context.Context) error {
	m.excludeDeadProcess(ctx, m.processID)

	m.mu.Lock()
	rooms := make([]*room.Room, 0, len(m.local))
	for _, lr := range m.local {
		rooms = append(rooms, lr.room)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range rooms {
		r.Lock(ctx)
		wg.Add(1)
		go func(r *room.Room) {
			defer wg.Done()
			if err := r.Dispose(ctx, false); err != nil {
				m.logger.Error("matchmaker: room dispose during shutdown failed", "room_id", r.RoomID(), "error", err)
			}
		}(r)
	}
	wg.Wait()

	return nil
}
