package matchmaker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukepan/roomserver/internal/driver"
	"github.com/dukepan/roomserver/internal/ipc"
	"github.com/dukepan/roomserver/internal/matchmaker"
	"github.com/dukepan/roomserver/internal/presence"
	"github.com/dukepan/roomserver/internal/room"
	"github.com/dukepan/roomserver/internal/roomerr"
	"github.com/dukepan/roomserver/internal/stats"
)

func lobbyFactory() room.Hooks { return room.Hooks{} }

func newTestMatchmaker(t *testing.T, processID string, p presence.Presence, d driver.Driver) *matchmaker.Matchmaker {
	t.Helper()
	reg := stats.NewRegistry(p, d, processID)
	mm, err := matchmaker.New(context.Background(), matchmaker.Config{
		ProcessID: processID,
		Driver:    d,
		Presence:  p,
		IPC:       ipc.NewBus(p),
		Stats:     reg,
	})
	require.NoError(t, err)
	return mm
}

func TestMatchmaker_CreateThenJoin(t *testing.T) {
	p := presence.NewLocal()
	d := driver.NewLocal()
	mm := newTestMatchmaker(t, "p1", p, d)
	mm.Define("lobby", lobbyFactory, nil)

	ctx := context.Background()
	created, err := mm.Create(ctx, "lobby", "session-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", created.Room.ProcessID)

	joined, err := mm.Join(ctx, "lobby", "session-2", nil)
	require.NoError(t, err)
	assert.Equal(t, created.Room.RoomID, joined.Room.RoomID)
}

func TestMatchmaker_Join_NoRoomReturnsNotFound(t *testing.T) {
	p := presence.NewLocal()
	d := driver.NewLocal()
	mm := newTestMatchmaker(t, "p1", p, d)
	mm.Define("lobby", lobbyFactory, nil)

	_, err := mm.Join(context.Background(), "lobby", "session-1", nil)
	assert.ErrorIs(t, err, roomerr.ErrRoomNotFound)
}

func TestMatchmaker_JoinOrCreate_CreatesWhenNoneAvailable(t *testing.T) {
	p := presence.NewLocal()
	d := driver.NewLocal()
	mm := newTestMatchmaker(t, "p1", p, d)
	mm.Define("lobby", lobbyFactory, nil)

	ctx := context.Background()
	result, err := mm.JoinOrCreate(ctx, "lobby", "session-1", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Room.RoomID)

	again, err := mm.JoinOrCreate(ctx, "lobby", "session-2", nil)
	require.NoError(t, err)
	assert.Equal(t, result.Room.RoomID, again.Room.RoomID)
}

func TestMatchmaker_Join_ExcludesUnlistedPrivateLocked(t *testing.T) {
	p := presence.NewLocal()
	d := driver.NewLocal()
	mm := newTestMatchmaker(t, "p1", p, d)
	mm.Define("lobby", lobbyFactory, nil)

	ctx := context.Background()
	created, err := mm.Create(ctx, "lobby", "session-1", nil)
	require.NoError(t, err)

	// Hide the room from discovery the way a Room itself would via
	// SetPrivate/unlisted: mutate its cache entry directly.
	require.NoError(t, markUnlisted(ctx, d, created.Room.RoomID))

	_, err = mm.Join(ctx, "lobby", "session-2", nil)
	assert.ErrorIs(t, err, roomerr.ErrRoomNotFound)

	byID, err := mm.JoinById(ctx, created.Room.RoomID, "session-2", nil)
	require.NoError(t, err)
	assert.Equal(t, created.Room.RoomID, byID.Room.RoomID)
}

// markUnlisted flips a cache entry's Unlisted flag directly through the
// driver's query surface, standing in for what Room.SetPrivate/Lock
// would otherwise push via UpdateOne.
func markUnlisted(ctx context.Context, d driver.Driver, roomID string) error {
	rooms, err := d.Query(ctx, driver.Conditions{}, nil)
	if err != nil {
		return err
	}
	for _, rc := range rooms {
		if rc.RoomID != roomID {
			continue
		}
		inst, err := d.CreateInstance(ctx, rc)
		if err != nil {
			return err
		}
		return inst.UpdateOne(ctx, driver.Patch{Set: map[string]interface{}{"unlisted": true}})
	}
	return nil
}

func TestMatchmaker_Create_HonorsMaxClientsThenJoinOrCreateOpensSecondRoom(t *testing.T) {
	p := presence.NewLocal()
	d := driver.NewLocal()
	mm := newTestMatchmaker(t, "p1", p, d)
	handler := mm.Define("duel", lobbyFactory, nil)
	handler.MaxClients = 1

	ctx := context.Background()
	first, err := mm.Create(ctx, "duel", "session-1", nil)
	require.NoError(t, err)

	// The freshly created room has zero clients recorded in its cache
	// (RunOnCreate doesn't join anyone), so it still has a seat
	// available to findOneRoomAvailable's MinAvailableSeats filter.
	// Reserve it directly to simulate the seat being occupied before a
	// second caller looks for a room.
	require.NoError(t, occupySeat(ctx, d, first.Room.RoomID))

	second, err := mm.JoinOrCreate(ctx, "duel", "session-2", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Room.RoomID, second.Room.RoomID)
}

func occupySeat(ctx context.Context, d driver.Driver, roomID string) error {
	rooms, err := d.Query(ctx, driver.Conditions{}, nil)
	if err != nil {
		return err
	}
	for _, rc := range rooms {
		if rc.RoomID != roomID {
			continue
		}
		inst, err := d.CreateInstance(ctx, rc)
		if err != nil {
			return err
		}
		return inst.UpdateOne(ctx, driver.Patch{Set: map[string]interface{}{"clients": rc.MaxClients}})
	}
	return nil
}

func TestMatchmaker_RemoteRoomCall_CrossProcess(t *testing.T) {
	p := presence.NewLocal()
	d := driver.NewLocal()
	mmA := newTestMatchmaker(t, "p1", p, d)
	mmB := newTestMatchmaker(t, "p2", p, d)

	mmA.Define("lobby", lobbyFactory, nil)
	mmB.Define("lobby", lobbyFactory, nil)

	// Force mmA's create to land on p2, exercising the IPC forwarding
	// path in handleCreateRoom and the per-room inbox mmB serves.
	mmA2, err := matchmaker.New(context.Background(), matchmaker.Config{
		ProcessID: "p1",
		Driver:    d,
		Presence:  p,
		IPC:       ipc.NewBus(p),
		SelectProcess: func(ctx context.Context, roomName string, options room.Options, entries []stats.Entry) (string, error) {
			return "p2", nil
		},
	})
	require.NoError(t, err)
	mmA2.Define("lobby", lobbyFactory, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := mmA2.Create(ctx, "lobby", "session-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "p2", created.Room.ProcessID)

	// mmA now joins a room it does not host: RemoteRoomCall must go
	// over IPC to mmB's per-room inbox rather than dispatching locally.
	joined, err := mmA.Join(ctx, "lobby", "session-2", nil)
	require.NoError(t, err)
	assert.Equal(t, created.Room.RoomID, joined.Room.RoomID)
}

func TestMatchmaker_Create_IPCTimeoutExcludesDeadProcessAndRetriesLocally(t *testing.T) {
	p := presence.NewLocal()
	d := driver.NewLocal()
	mm, err := matchmaker.New(context.Background(), matchmaker.Config{
		ProcessID: "p1",
		Driver:    d,
		Presence:  p,
		IPC:       ipc.NewBus(p),
		SelectProcess: func(ctx context.Context, roomName string, options room.Options, entries []stats.Entry) (string, error) {
			return "dead-process", nil
		},
	})
	require.NoError(t, err)
	mm.Define("lobby", lobbyFactory, nil)

	// "dead-process" never serves its inbox, so the cross-process
	// createRoom request times out; handleCreateRoom must exclude it and
	// retry locally rather than surfacing the timeout to the caller.
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	created, err := mm.Create(ctx, "lobby", "session-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", created.Room.ProcessID)
}

func TestMatchmaker_JoinById_UnknownRoom(t *testing.T) {
	p := presence.NewLocal()
	d := driver.NewLocal()
	mm := newTestMatchmaker(t, "p1", p, d)
	mm.Define("lobby", lobbyFactory, nil)

	_, err := mm.JoinById(context.Background(), "does-not-exist", "session-1", nil)
	assert.ErrorIs(t, err, roomerr.ErrRoomNotFound)
}
