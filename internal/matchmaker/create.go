package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dukepan/roomserver/internal/driver"
	"github.com/dukepan/roomserver/internal/ipc"
	"github.com/dukepan/roomserver/internal/room"
	"github.com/dukepan/roomserver/internal/roomerr"
	"github.com/dukepan/roomserver/internal/stats"
)

func concurrencyHashKey(roomName string) string { return "ch:" + roomName }
func waitingListKey(roomName string) string      { return "l:" + roomName }

type createRoomArgs struct {
	RoomName string       `json:"roomName"`
	Options  room.Options `json:"options"`
}

// winnerBroadcast is published once per follower on the waiting list
// once the winning caller finishes creating (or fails to create) the room.
type winnerBroadcast struct {
	Room  *driver.RoomCache `json:"room,omitempty"`
	Error string            `json:"error,omitempty"`
}

// Create finds a process to host a new roomName instance (or hosts it
// locally if selectProcess declines), runs the fleet-wide
// concurrency-limited rendezvous so concurrent Create calls for the
// same roomName share one winner, and returns the resulting RoomCache.
//
// Contention protocol: every caller increments a shared counter with a
// TTL (HIncrByEx); the caller who observes count==1 is the winner and
// proceeds to create the room, while followers block on BRPop against
// a per-roomName waiting list. The winner reads back the final counter
// value once its own create attempt finishes, resets the counter, and
// pushes one copy of the outcome per follower it believes is waiting.
// A follower whose BRPop times out proceeds as if uncontended — per
// the documented retry-safe behavior, it is safe to also attempt
// creation in that case since the fleet-wide seat cap is still
// enforced by the handler's own maxClients logic downstream.
func (m *Matchmaker) createRoomConcurrent(ctx context.Context, roomName string, options room.Options) (driver.RoomCache, error) {
	handler, ok := m.handler(roomName)
	if !ok {
		return driver.RoomCache{}, fmt.Errorf("%w: no handler registered for %q", roomerr.ErrMatchmaking, roomName)
	}

	hashKey := concurrencyHashKey(roomName)
	count, err := m.presence.HIncrByEx(ctx, hashKey, concurrencyField, 1, 2*m.concurrencyWaitTime)
	if err != nil {
		return driver.RoomCache{}, fmt.Errorf("%w: concurrency counter: %s", roomerr.ErrMatchmaking, err)
	}

	if count > 1 {
		_, value, err := m.presence.BRPop(ctx, m.concurrencyWaitTime, waitingListKey(roomName))
		if err == nil && value != nil {
			var wb winnerBroadcast
			if jerr := json.Unmarshal(value, &wb); jerr == nil {
				if wb.Error != "" {
					return driver.RoomCache{}, fmt.Errorf("%w: %s", roomerr.ErrMatchmaking, wb.Error)
				}
				if wb.Room != nil {
					return *wb.Room, nil
				}
			}
		}
		// Timed out (or malformed broadcast): proceed as if uncontended.
	}

	cache, createErr := m.handleCreateRoom(ctx, handler, roomName, options)

	finalCount, _ := m.presence.HGet(ctx, hashKey, concurrencyField)
	followers := decodeCount(finalCount) - 1
	_ = m.presence.HDel(ctx, hashKey, concurrencyField)

	wb := winnerBroadcast{}
	if createErr != nil {
		wb.Error = createErr.Error()
	} else {
		wb.Room = &cache
	}
	payload, _ := json.Marshal(wb)
	for i := 0; i < followers; i++ {
		_ = m.presence.RPush(ctx, waitingListKey(roomName), payload)
	}

	return cache, createErr
}

func decodeCount(raw []byte) int {
	if len(raw) == 0 {
		return 1
	}
	var n int
	_, _ = fmt.Sscanf(string(raw), "%d", &n)
	if n < 1 {
		return 1
	}
	return n
}

// handleCreateRoom picks a hosting process via selectProcess and
// either hosts the room locally or forwards a createRoom call to the
// chosen process over its IPC inbox.
func (m *Matchmaker) handleCreateRoom(ctx context.Context, handler *RoomHandler, roomName string, options room.Options) (driver.RoomCache, error) {
	entries, err := m.statsEntries(ctx)
	if err != nil {
		m.logger.Warn("matchmaker: stats unavailable, defaulting to local process", "error", err)
		entries = nil
	}
	targetProcess, err := m.selectProcess(ctx, roomName, options, entries)
	if err != nil {
		return driver.RoomCache{}, fmt.Errorf("%w: select process: %s", roomerr.ErrMatchmaking, err)
	}
	if targetProcess == "" || targetProcess == m.processID {
		return m.createRoomLocally(ctx, handler, roomName, options)
	}

	args := createRoomArgs{RoomName: roomName, Options: options}
	payload, err := m.ipcBus.Request(ctx, ipc.ProcessTopic(targetProcess), "createRoom", args, defaultCreateRoomWait)
	if err != nil {
		if errors.Is(err, roomerr.ErrIpcTimeout) {
			// targetProcess is presumed dead: purge it from the fleet so
			// the next selectProcess call doesn't route there again, and
			// retry locally rather than surfacing the timeout, since the
			// caller already committed to creating a room.
			m.excludeDeadProcess(ctx, targetProcess)
			return m.createRoomLocally(ctx, handler, roomName, options)
		}
		return driver.RoomCache{}, fmt.Errorf("%w: remote createRoom on %s: %s", roomerr.ErrMatchmaking, targetProcess, err)
	}
	var cache driver.RoomCache
	if err := json.Unmarshal(payload, &cache); err != nil {
		return driver.RoomCache{}, fmt.Errorf("%w: decode remote createRoom reply: %s", roomerr.ErrMatchmaking, err)
	}
	return cache, nil
}

func (m *Matchmaker) statsEntries(ctx context.Context) ([]stats.Entry, error) {
	if m.stats == nil {
		return nil, nil
	}
	return m.stats.FetchAll(ctx)
}

func (m *Matchmaker) incrementRoomCount(ctx context.Context, delta int) {
	if m.stats != nil {
		m.stats.IncrementRoomCount(ctx, delta)
	}
}

func (m *Matchmaker) incrementCCU(ctx context.Context, delta int) {
	if m.stats != nil {
		m.stats.IncrementCCU(ctx, delta)
	}
}

// createRoomLocally instantiates the handler's factory, registers the
// room with the driver, starts it, and serves its per-room IPC inbox.
func (m *Matchmaker) createRoomLocally(ctx context.Context, handler *RoomHandler, roomName string, options room.Options) (driver.RoomCache, error) {
	roomID := uuid.NewString()
	merged := mergeOptions(handler.DefaultOptions, options)

	instance, err := m.driver.CreateInstance(ctx, driver.RoomCache{
		RoomID:     roomID,
		Name:       roomName,
		ProcessID:  m.processID,
		MaxClients: handler.MaxClients,
	})
	if err != nil {
		return driver.RoomCache{}, fmt.Errorf("%w: create cache instance: %s", roomerr.ErrMatchmaking, err)
	}

	hooks := handler.Factory()
	hooks.OnJoinEvent = composeVoid(hooks.OnJoinEvent, func() { m.incrementCCU(ctx, 1) })
	hooks.OnLeaveEvent = composeVoid(hooks.OnLeaveEvent, func() { m.incrementCCU(ctx, -1) })
	hooks.OnDisposeEvent = composeVoid(hooks.OnDisposeEvent, func() {
		m.incrementRoomCount(ctx, -1)
		m.removeLocal(roomID)
	})

	maxClients := handler.MaxClients
	r := room.New(room.Config{
		RoomID:      roomID,
		RoomName:    roomName,
		ProcessID:   m.processID,
		MaxClients:  maxClients,
		Driver:      instance,
		Presence:    m.presence,
		IPC:         m.ipcBus,
		Logger:      m.logger,
		Hooks:       hooks,
	})

	if err := r.RunOnCreate(ctx, merged); err != nil {
		_ = instance.Remove(ctx)
		return driver.RoomCache{}, fmt.Errorf("%w: onCreate: %s", roomerr.ErrMatchmaking, err)
	}

	stop, err := m.ipcBus.Serve(ctx, ipc.RoomTopic(roomID), m.handleRoomCall(r))
	if err != nil {
		_ = r.Dispose(ctx, false)
		return driver.RoomCache{}, fmt.Errorf("%w: serve room inbox: %s", roomerr.ErrMatchmaking, err)
	}

	m.mu.Lock()
	m.local[roomID] = &localRoom{room: r, instance: instance, stop: stop}
	m.mu.Unlock()

	m.incrementRoomCount(ctx, 1)

	return instance.Get(), nil
}

func (m *Matchmaker) removeLocal(roomID string) {
	m.mu.Lock()
	lr, ok := m.local[roomID]
	delete(m.local, roomID)
	m.mu.Unlock()
	if ok && lr.stop != nil {
		lr.stop()
	}
}

func composeVoid(existing, added func()) func() {
	if existing == nil {
		return added
	}
	return func() { existing(); added() }
}

func mergeOptions(defaults, overrides room.Options) room.Options {
	merged := make(room.Options, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
