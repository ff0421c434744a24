package stats_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dukepan/roomserver/internal/driver"
	"github.com/dukepan/roomserver/internal/presence"
	"github.com/dukepan/roomserver/internal/stats"
)

func TestRegistry_LocalCounters(t *testing.T) {
	p := presence.NewLocal()
	r := stats.NewRegistry(p, driver.NewLocal(), "p1")
	ctx := context.Background()

	r.IncrementRoomCount(ctx, 2)
	r.IncrementCCU(ctx, 5)

	entry := r.Local()
	require.Equal(t, 2, entry.RoomCount)
	require.Equal(t, 5, entry.CCU)
}

func TestRegistry_FetchAll_SubstitutesOwnEntry(t *testing.T) {
	p := presence.NewLocal()
	ctx := context.Background()

	other := stats.NewRegistry(p, driver.NewLocal(), "p2")
	other.IncrementRoomCount(ctx, 3)
	other.IncrementCCU(ctx, 9)
	time.Sleep(10 * time.Millisecond)

	self := stats.NewRegistry(p, driver.NewLocal(), "p1")
	self.IncrementRoomCount(ctx, 1)
	self.IncrementCCU(ctx, 1)

	all, err := self.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	byPID := map[string]stats.Entry{}
	for _, e := range all {
		byPID[e.ProcessID] = e
	}
	require.Equal(t, 1, byPID["p1"].RoomCount)
	require.Equal(t, 1, byPID["p1"].CCU)
}

func TestRegistry_GlobalCCU(t *testing.T) {
	p := presence.NewLocal()
	ctx := context.Background()

	r1 := stats.NewRegistry(p, driver.NewLocal(), "p1")
	r1.IncrementCCU(ctx, 4)
	r2 := stats.NewRegistry(p, driver.NewLocal(), "p2")
	r2.IncrementCCU(ctx, 6)
	time.Sleep(10 * time.Millisecond)

	total, err := r1.GlobalCCU(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, total)
}

func TestRegistry_ExcludeProcess_RemovesFromFetchAllAndCleansRooms(t *testing.T) {
	p := presence.NewLocal()
	d := driver.NewLocal()
	ctx := context.Background()

	dead := stats.NewRegistry(p, d, "dead-pid")
	dead.IncrementRoomCount(ctx, 1)
	_, err := d.CreateInstance(ctx, driver.RoomCache{RoomID: "r1", Name: "lobby", ProcessID: "dead-pid"})
	require.NoError(t, err)

	alive := stats.NewRegistry(p, d, "alive-pid")
	alive.IncrementRoomCount(ctx, 1)

	require.NoError(t, alive.ExcludeProcess(ctx, "dead-pid"))

	all, err := alive.FetchAll(ctx)
	require.NoError(t, err)
	for _, e := range all {
		require.NotEqual(t, "dead-pid", e.ProcessID)
	}

	has, err := d.Has(ctx, "r1")
	require.NoError(t, err)
	require.False(t, has)
}
