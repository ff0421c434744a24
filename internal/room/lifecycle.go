package room

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dukepan/roomserver/internal/driver"
	"github.com/dukepan/roomserver/internal/roomerr"
	"github.com/dukepan/roomserver/internal/transport"
)

// RunOnCreate runs the onCreate hook (if any), transitions the room to
// CREATED on success, and starts the tick/patch loops. Any error here
// is fatal to the room: the caller must dispose it.
func (r *Room) RunOnCreate(ctx context.Context, options Options) error {
	if r.hooks.OnCreate != nil {
		if err := r.hooks.OnCreate(ctx, r, options); err != nil {
			return r.wrap(roomerr.MethodOnCreate, err)
		}
	}

	r.mu.Lock()
	r.state = Created
	r.mu.Unlock()

	r.startLoops()
	r.resetAutoDisposeTimeout(float64(r.seatReservationSecs))
	return nil
}

// startLoops drives the clock via a wall-clock ticker and begins the
// patch loop. Both stop automatically once the room disposes.
func (r *Room) startLoops() {
	r.clock.Start()
	go r.runClockDriver()
	go r.runPatchLoop()
}

const clockDriverTick = 16 * time.Millisecond

func (r *Room) runClockDriver() {
	ticker := time.NewTicker(clockDriverTick)
	defer ticker.Stop()
	for range ticker.C {
		r.mu.Lock()
		disposed := r.disposed
		r.mu.Unlock()
		if disposed {
			return
		}
		r.clock.Tick()
	}
}

func (r *Room) runPatchLoop() {
	ticker := time.NewTicker(time.Duration(r.patchRateMS) * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		r.mu.Lock()
		disposed := r.disposed
		r.mu.Unlock()
		if disposed {
			return
		}
		r.flushPatch(context.Background())
	}
}

// SetSimulationInterval registers cb to run every delay of tick time,
// receiving the clock's DeltaTime: the clamped length of the most
// recent 16ms clock tick, not the time since cb's previous invocation.
func (r *Room) SetSimulationInterval(cb func(deltaTime time.Duration), delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasSimInterval {
		r.clock.ClearInterval(r.simIntervalID)
	}
	r.simIntervalID = r.clock.SetInterval(func() { cb(r.clock.DeltaTime()) }, delay)
	r.hasSimInterval = true
}

// ReserveSeat provisionally grants capacity for sessionID before its
// transport connects. The seat self-expires after the room's seat
// reservation window unless Join consumes it first.
func (r *Room) ReserveSeat(ctx context.Context, sessionID string, options Options, auth interface{}) error {
	r.mu.Lock()
	if r.state == Disposing {
		r.mu.Unlock()
		return roomerr.ErrSeatReservation
	}
	if r.hasReachedMaxClients() {
		r.mu.Unlock()
		return roomerr.ErrSeatReservation
	}

	seat := &reservedSeat{options: options, auth: auth}
	seat.ttlTimerID = r.clock.SetTimeout(func() {
		r.expireSeat(sessionID)
	}, time.Duration(r.seatReservationSecs)*time.Second)
	r.reservedSeats[sessionID] = seat
	r.updateLockFromCapacity(ctx)
	r.mu.Unlock()
	return nil
}

func (r *Room) expireSeat(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seat, ok := r.reservedSeats[sessionID]
	if !ok || seat.consumed {
		return
	}
	delete(r.reservedSeats, sessionID)
	r.updateLockFromCapacity(context.Background())
	r.maybeDisposeLocked()
}

// Join consumes a previously reserved seat, runs onAuth then onJoin,
// and attaches conn to the room as the client's transport. If the
// session already has a pending reconnection hold, it is resolved
// instead of creating a new client.
func (r *Room) Join(ctx context.Context, sessionID string, conn transport.Conn) (*Client, error) {
	if resumed, ok := r.resolveReconnection(sessionID, conn); ok {
		return resumed, nil
	}

	r.mu.Lock()
	seat, ok := r.reservedSeats[sessionID]
	if !ok || seat.consumed {
		r.mu.Unlock()
		return nil, roomerr.ErrSeatReservation
	}
	r.clock.ClearTimeout(seat.ttlTimerID)
	seat.consumed = true
	client := newClient(sessionID, conn)
	client.reconnectionToken = newReconnectionToken()
	client.auth = seat.auth
	options := seat.options
	r.mu.Unlock()

	if r.hooks.OnAuth != nil {
		auth, err := r.hooks.OnAuth(ctx, r, client, options)
		if err != nil {
			r.mu.Lock()
			delete(r.reservedSeats, sessionID)
			r.updateLockFromCapacity(ctx)
			r.mu.Unlock()
			return nil, r.wrap(roomerr.MethodOnAuth, err)
		}
		client.auth = auth
	}

	r.mu.Lock()
	delete(r.reservedSeats, sessionID)
	r.clients = append(r.clients, client)
	client.setState(Joined)
	r.updateLockFromCapacity(ctx)
	r.syncCacheLocked(ctx)
	r.cancelAutoDisposeLocked()
	r.mu.Unlock()

	if err := r.sendJoinRoomFrame(client); err != nil {
		r.logger.Error("send JOIN_ROOM frame failed", "error", err, "room_id", r.roomID, "session_id", sessionID)
	}
	if err := r.sendFullState(client); err != nil {
		r.logger.Error("send full state failed", "error", err, "room_id", r.roomID, "session_id", sessionID)
	}

	if r.hooks.OnJoin != nil {
		if err := r.hooks.OnJoin(ctx, r, client, options); err != nil {
			_ = r.Leave(ctx, client, false)
			return nil, r.wrap(roomerr.MethodOnJoin, err)
		}
	}

	if r.hooks.OnJoinEvent != nil {
		r.hooks.OnJoinEvent()
	}
	return client, nil
}

// Leave removes client from the room. consented distinguishes a
// voluntary leave (client called room.leave()) from a dropped
// connection, and is forwarded to onLeave.
func (r *Room) Leave(ctx context.Context, client *Client, consented bool) error {
	atomic.AddInt32(&r.onLeaveConcurrent, 1)
	defer atomic.AddInt32(&r.onLeaveConcurrent, -1)

	client.setState(Leaving)

	var leaveErr error
	if r.hooks.OnLeave != nil {
		leaveErr = r.hooks.OnLeave(ctx, r, client, consented)
	}

	r.mu.Lock()
	for i, c := range r.clients {
		if c == client {
			r.clients = append(r.clients[:i], r.clients[i+1:]...)
			break
		}
	}
	r.updateLockFromCapacity(ctx)
	r.syncCacheLocked(ctx)
	r.mu.Unlock()

	if r.hooks.OnLeaveEvent != nil {
		r.hooks.OnLeaveEvent()
	}

	r.mu.Lock()
	empty := len(r.clients) == 0 && len(r.reconnections) == 0
	r.mu.Unlock()
	if empty {
		r.resetAutoDisposeTimeout(0)
	}

	if leaveErr != nil {
		return r.wrap(roomerr.MethodOnLeave, leaveErr)
	}
	return nil
}

// AllowReconnection holds client's seat open for seconds, returning a
// channel that yields the reconnected Client if a new transport
// resumes the session in time, or is closed (nil receive) on timeout
// or if RejectReconnection is called. Must be invoked from within onLeave.
func (r *Room) AllowReconnection(client *Client, seconds time.Duration) <-chan *Client {
	ch := make(chan *Client, 1)
	token := client.ReconnectionToken()

	r.mu.Lock()
	rec := &reconnection{ch: ch, seatHolder: client.sessionID}
	r.reconnections[token] = rec
	rec.timerID = r.clock.SetTimeout(func() {
		r.mu.Lock()
		cur, ok := r.reconnections[token]
		if ok && !cur.resolved {
			delete(r.reconnections, token)
			r.maybeDisposeLocked()
		}
		r.mu.Unlock()
		if ok && !cur.resolved {
			close(ch)
		}
	}, seconds)
	r.mu.Unlock()

	return ch
}

// RejectReconnection manually rejects a pending reconnection hold for
// client, matching the "manual" timeout variant of allowReconnection.
// A no-op if no hold is currently pending for this client.
func (r *Room) RejectReconnection(client *Client) {
	token := client.ReconnectionToken()
	r.mu.Lock()
	rec, ok := r.reconnections[token]
	if !ok || rec.resolved {
		r.mu.Unlock()
		return
	}
	rec.resolved = true
	r.clock.ClearTimeout(rec.timerID)
	delete(r.reconnections, token)
	r.maybeDisposeLocked()
	r.mu.Unlock()
	close(rec.ch)
}

func (r *Room) resolveReconnection(sessionID string, c transport.Conn) (*Client, bool) {
	r.mu.Lock()
	var token string
	var rec *reconnection
	for tok, pending := range r.reconnections {
		if pending.seatHolder == sessionID && !pending.resolved {
			token = tok
			rec = pending
			break
		}
	}
	if rec == nil {
		r.mu.Unlock()
		return nil, false
	}
	rec.resolved = true
	r.clock.ClearTimeout(rec.timerID)
	delete(r.reconnections, token)
	r.mu.Unlock()

	client := newClient(sessionID, c)
	client.reconnectionToken = token
	client.setState(Reconnected)

	r.mu.Lock()
	r.clients = append(r.clients, client)
	r.cancelAutoDisposeLocked()
	r.mu.Unlock()

	rec.ch <- client
	return client, true
}

// Lock marks the room as not joinable via matchmaking, independent of
// capacity. Unlock reverses it. Both are no-ops if the room is already
// in the requested state.
func (r *Room) Lock(ctx context.Context) {
	r.mu.Lock()
	if r.locked {
		r.mu.Unlock()
		return
	}
	r.locked = true
	r.syncCacheLocked(ctx)
	r.mu.Unlock()
	if r.hooks.OnLockEvent != nil {
		r.hooks.OnLockEvent(true)
	}
}

func (r *Room) Unlock(ctx context.Context) {
	r.mu.Lock()
	if !r.locked {
		r.mu.Unlock()
		return
	}
	r.locked = r.hasReachedMaxClients()
	r.syncCacheLocked(ctx)
	locked := r.locked
	r.mu.Unlock()
	if r.hooks.OnLockEvent != nil {
		r.hooks.OnLockEvent(locked)
	}
}

// SetPrivate excludes (or re-includes) the room from matchmaking
// queries without affecting direct joinById.
func (r *Room) SetPrivate(ctx context.Context, private bool) {
	r.mu.Lock()
	r.private = private
	r.syncCacheLocked(ctx)
	r.mu.Unlock()
}

// SetMetadata replaces the room's cached metadata blob.
func (r *Room) SetMetadata(ctx context.Context, metadata []byte) error {
	r.mu.Lock()
	r.metadata = metadata
	r.mu.Unlock()
	if r.driverInstance == nil {
		return nil
	}
	return r.driverInstance.UpdateOne(ctx, driver.Patch{Set: map[string]interface{}{"metadata": metadata}})
}

// resetAutoDisposeTimeout (re)schedules the empty-room disposal check.
// A seconds value of 0 checks immediately on the next tick.
func (r *Room) resetAutoDisposeTimeout(seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.autoDispose {
		return
	}
	if r.hasAutoDisposeTmr {
		r.clock.ClearTimeout(r.autoDisposeTimerID)
	}
	r.autoDisposeTimerID = r.clock.SetTimeout(func() {
		r.mu.Lock()
		r.maybeDisposeLocked()
		r.mu.Unlock()
	}, time.Duration(seconds*float64(time.Second)))
	r.hasAutoDisposeTmr = true
}

func (r *Room) cancelAutoDisposeLocked() {
	if r.hasAutoDisposeTmr {
		r.clock.ClearTimeout(r.autoDisposeTimerID)
		r.hasAutoDisposeTmr = false
	}
}

// maybeDisposeLocked triggers async disposal once the room is empty of
// clients, reserved seats, and pending reconnections. Caller must hold r.mu.
func (r *Room) maybeDisposeLocked() {
	if !r.autoDispose || r.disposeEmitted || r.state == Disposing {
		return
	}
	if len(r.clients) > 0 || len(r.reservedSeats) > 0 || len(r.reconnections) > 0 {
		return
	}
	r.disposeEmitted = true
	go func() { _ = r.Dispose(context.Background(), false) }()
}

// Dispose tears the room down: onBeforeShutdown hook (or the default
// disconnect-everyone behavior), waiting up to 5s for clients to leave,
// onDispose, clock/loop teardown, and cache removal. Pending
// reconnection holds are not awaited. forced additionally closes every
// client's connection after onBeforeShutdown has run.
func (r *Room) Dispose(ctx context.Context, forced bool) error {
	r.mu.Lock()
	if r.state == Disposing {
		r.mu.Unlock()
		return nil
	}
	r.state = Disposing
	clients := append([]*Client(nil), r.clients...)
	r.mu.Unlock()

	if r.hooks.OnBeforeShutdown != nil {
		if err := r.hooks.OnBeforeShutdown(ctx, r); err != nil {
			r.logger.Error("onBeforeShutdown failed", "error", err, "room_id", r.roomID)
		}
	} else {
		for _, c := range clients {
			_ = c.conn.Close(transport.CloseConsented, "room disposing")
		}
	}

	if forced {
		for _, c := range clients {
			_ = c.conn.Close(transport.CloseConsented, "process shutting down")
		}
	}

	deadline := time.After(5 * time.Second)
waitForLeave:
	for {
		r.mu.Lock()
		empty := len(r.clients) == 0
		r.mu.Unlock()
		if empty {
			break
		}
		select {
		case <-deadline:
			break waitForLeave
		case <-time.After(20 * time.Millisecond):
		}
	}

	if r.hooks.OnDispose != nil {
		if err := r.hooks.OnDispose(ctx, r); err != nil {
			r.logger.Error("onDispose failed", "error", err, "room_id", r.roomID)
		}
	}

	r.mu.Lock()
	r.clock.Stop()
	r.clock.Clear()
	r.disposed = true
	r.mu.Unlock()

	if r.driverInstance != nil {
		if err := r.driverInstance.Remove(ctx); err != nil {
			return fmt.Errorf("room: remove cache entry: %w", err)
		}
	}

	if r.hooks.OnDisposeEvent != nil {
		r.hooks.OnDisposeEvent()
	}
	return nil
}
