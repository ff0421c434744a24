package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukepan/roomserver/internal/driver"
	"github.com/dukepan/roomserver/internal/ipc"
	"github.com/dukepan/roomserver/internal/room"
	"github.com/dukepan/roomserver/internal/roomerr"
)

// Join finds an existing, joinable instance of roomName and reserves a
// seat on it. Unlisted and private rooms are excluded from discovery —
// reachable only through JoinById.
func (m *Matchmaker) Join(ctx context.Context, roomName string, sessionID string, options room.Options) (JoinResult, error) {
	handler, ok := m.handler(roomName)
	if !ok {
		return JoinResult{}, fmt.Errorf("%w: no handler registered for %q", roomerr.ErrMatchmaking, roomName)
	}
	cache, err := m.findOneRoomAvailable(ctx, handler, roomName, options)
	if err != nil {
		return JoinResult{}, err
	}
	return m.reserveSeatOn(ctx, *cache, sessionID, options)
}

// JoinOrCreate behaves like Join, falling back to Create when no
// available room exists.
func (m *Matchmaker) JoinOrCreate(ctx context.Context, roomName string, sessionID string, options room.Options) (JoinResult, error) {
	result, err := m.Join(ctx, roomName, sessionID, options)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, roomerr.ErrRoomNotFound) {
		return JoinResult{}, err
	}
	return m.Create(ctx, roomName, sessionID, options)
}

// Create always instantiates a fresh roomName instance and reserves a
// seat for sessionID on it.
func (m *Matchmaker) Create(ctx context.Context, roomName string, sessionID string, options room.Options) (JoinResult, error) {
	cache, err := m.createRoomConcurrent(ctx, roomName, options)
	if err != nil {
		return JoinResult{}, err
	}
	return m.reserveSeatOn(ctx, cache, sessionID, options)
}

// JoinById reserves a seat on a specific room instance regardless of
// its locked/private/unlisted flags, as long as it still has capacity.
func (m *Matchmaker) JoinById(ctx context.Context, roomID string, sessionID string, options room.Options) (JoinResult, error) {
	target := roomID
	cache, err := m.driver.FindOne(ctx, driver.Conditions{
		Extra: func(rc driver.RoomCache) bool { return rc.RoomID == target },
	}, nil)
	if err != nil {
		return JoinResult{}, fmt.Errorf("%w: %s", roomerr.ErrMatchmaking, err)
	}
	if cache == nil {
		return JoinResult{}, roomNotFoundErr(roomID)
	}
	return m.reserveSeatOn(ctx, *cache, sessionID, options)
}

// Query lists rooms of roomName matching additional conditions, for a
// lobby/room-list UI. Unlike Join, callers may opt into seeing locked
// or unlisted rooms by passing their own Conditions.
func (m *Matchmaker) Query(ctx context.Context, cond driver.Conditions, sort driver.Less) ([]driver.RoomCache, error) {
	rooms, err := m.driver.Query(ctx, cond, sort)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", roomerr.ErrMatchmaking, err)
	}
	return rooms, nil
}

func (m *Matchmaker) findOneRoomAvailable(ctx context.Context, handler *RoomHandler, roomName string, options room.Options) (*driver.RoomCache, error) {
	no := false
	cond := driver.Conditions{
		Name:              roomName,
		Locked:            &no,
		Unlisted:          &no,
		Private:           &no,
		MinAvailableSeats: 1,
	}
	if handler.Filter != nil {
		handler.Filter(options, &cond)
	}
	cache, err := m.driver.FindOne(ctx, cond, handler.Sort)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", roomerr.ErrMatchmaking, err)
	}
	if cache == nil {
		return nil, roomNotFoundErr(roomName)
	}
	return cache, nil
}

type reserveSeatArgs struct {
	SessionID string       `json:"sessionId"`
	Options   room.Options `json:"options"`
}

// reserveSeatOn reserves a seat for sessionID on cache's room,
// routing the call locally or over IPC depending on which process
// owns it, and returns the JoinResult the caller hands back to the
// client.
func (m *Matchmaker) reserveSeatOn(ctx context.Context, cache driver.RoomCache, sessionID string, options room.Options) (JoinResult, error) {
	args := reserveSeatArgs{SessionID: sessionID, Options: options}
	if _, err := m.RemoteRoomCall(ctx, cache, "reserveSeat", args); err != nil {
		return JoinResult{}, err
	}
	return JoinResult{Room: cache, SessionID: sessionID}, nil
}

// RemoteRoomCall invokes method against the room identified by cache,
// dispatching in-process if this process hosts it and over IPC
// otherwise. Cross-process calls are wrapped in a per-roomName circuit
// breaker; a timeout is treated as evidence the owning process is
// gone, so the process is purged from the fleet (its stats entry and
// every RoomCache it owned) before the error is returned — the caller
// is expected to retry matchmaking from scratch rather than this call
// itself retrying, since the room the caller wanted no longer has a
// home.
func (m *Matchmaker) RemoteRoomCall(ctx context.Context, cache driver.RoomCache, method string, args interface{}) (json.RawMessage, error) {
	if cache.ProcessID == m.processID {
		return m.dispatchLocalRoomCall(ctx, cache.RoomID, method, args)
	}

	cb := m.breakerFor(cache.Name)
	result, err := cb.Execute(func() (interface{}, error) {
		return m.ipcBus.Request(ctx, ipc.RoomTopic(cache.RoomID), method, args, defaultRemoteCallWait)
	})
	if err != nil {
		if errors.Is(err, roomerr.ErrIpcTimeout) {
			m.excludeDeadProcess(context.Background(), cache.ProcessID)
		}
		return nil, err
	}
	payload, _ := result.(json.RawMessage)
	return payload, nil
}

func (m *Matchmaker) excludeDeadProcess(ctx context.Context, processID string) {
	if m.stats != nil {
		if err := m.stats.ExcludeProcess(ctx, processID); err != nil {
			m.logger.Error("matchmaker: failed to exclude dead process", "process_id", processID, "error", err)
		}
	}
}

func (m *Matchmaker) dispatchLocalRoomCall(ctx context.Context, roomID, method string, args interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	lr, ok := m.local[roomID]
	m.mu.Unlock()
	if !ok {
		return nil, roomNotFoundErr(roomID)
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("matchmaker: marshal local call args: %w", err)
	}
	handler := m.handleRoomCall(lr.room)
	result, err := handler(ctx, method, argsJSON)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return json.Marshal(result)
}

// handleRoomCall builds the ipc.HandlerFunc a hosted room answers its
// $roomId inbox with.
func (m *Matchmaker) handleRoomCall(r *room.Room) ipc.HandlerFunc {
	return func(ctx context.Context, method string, args json.RawMessage) (interface{}, error) {
		switch method {
		case "reserveSeat":
			var req reserveSeatArgs
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, fmt.Errorf("%w: decode reserveSeat args: %s", roomerr.ErrInvalidPayload, err)
			}
			if err := r.ReserveSeat(ctx, req.SessionID, req.Options, nil); err != nil {
				return nil, err
			}
			return nil, nil
		case "lock":
			r.Lock(ctx)
			return nil, nil
		case "unlock":
			r.Unlock(ctx)
			return nil, nil
		case "setPrivate":
			var private bool
			if err := json.Unmarshal(args, &private); err != nil {
				return nil, fmt.Errorf("%w: decode setPrivate args: %s", roomerr.ErrInvalidPayload, err)
			}
			r.SetPrivate(ctx, private)
			return nil, nil
		default:
			return nil, fmt.Errorf("%w: unknown room method %q", roomerr.ErrMatchmaking, method)
		}
	}
}

// handleProcessCall answers this process's p:<processId> inbox, used
// by a remote matchmaker to forward a createRoom decision here.
func (m *Matchmaker) handleProcessCall(ctx context.Context, method string, args json.RawMessage) (interface{}, error) {
	switch method {
	case "createRoom":
		var req createRoomArgs
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("%w: decode createRoom args: %s", roomerr.ErrInvalidPayload, err)
		}
		handler, ok := m.handler(req.RoomName)
		if !ok {
			return nil, fmt.Errorf("%w: no handler registered for %q", roomerr.ErrMatchmaking, req.RoomName)
		}
		return m.createRoomLocally(ctx, handler, req.RoomName, req.Options)
	default:
		return nil, fmt.Errorf("%w: unknown process method %q", roomerr.ErrMatchmaking, method)
	}
}
