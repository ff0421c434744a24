package driver_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/dukepan/roomserver/internal/driver"
	"github.com/dukepan/roomserver/internal/presence"
)

func backends(t *testing.T) map[string]driver.Driver {
	t.Helper()

	mr := miniredis.RunT(t)
	p, err := presence.NewDistributed("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	dist, err := driver.NewDistributed(p)
	require.NoError(t, err)

	return map[string]driver.Driver{
		"local":       driver.NewLocal(),
		"distributed": dist,
	}
}

func TestDriver_CreateHasQuery(t *testing.T) {
	for name, d := range backends(t) {
		d := d
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rc := driver.RoomCache{RoomID: "room-1", Name: "battle", ProcessID: "p1", MaxClients: 4}
			_, err := d.CreateInstance(ctx, rc)
			require.NoError(t, err)

			has, err := d.Has(ctx, "room-1")
			require.NoError(t, err)
			require.True(t, has)

			has, err = d.Has(ctx, "missing")
			require.NoError(t, err)
			require.False(t, has)

			found, err := d.Query(ctx, driver.Conditions{Name: "battle"}, nil)
			require.NoError(t, err)
			require.Len(t, found, 1)
			require.Equal(t, "room-1", found[0].RoomID)
		})
	}
}

func TestDriver_FindOne_FiltersByAvailableSeats(t *testing.T) {
	for name, d := range backends(t) {
		d := d
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := d.CreateInstance(ctx, driver.RoomCache{RoomID: "full", Name: "lobby", MaxClients: 2, Clients: 2})
			require.NoError(t, err)
			_, err = d.CreateInstance(ctx, driver.RoomCache{RoomID: "open", Name: "lobby", MaxClients: 2, Clients: 1})
			require.NoError(t, err)

			found, err := d.FindOne(ctx, driver.Conditions{Name: "lobby", MinAvailableSeats: 1}, nil)
			require.NoError(t, err)
			require.NotNil(t, found)
			require.Equal(t, "open", found.RoomID)
		})
	}
}

func TestDriver_UpdateOneAndRemove(t *testing.T) {
	for name, d := range backends(t) {
		d := d
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inst, err := d.CreateInstance(ctx, driver.RoomCache{RoomID: "room-2", Name: "arena", MaxClients: 8})
			require.NoError(t, err)

			err = inst.UpdateOne(ctx, driver.Patch{
				Set: map[string]interface{}{"locked": true},
				Inc: map[string]interface{}{"clients": 3},
			})
			require.NoError(t, err)

			got, err := d.FindOne(ctx, driver.Conditions{Name: "arena"}, nil)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.True(t, got.Locked)
			require.Equal(t, 3, got.Clients)

			require.NoError(t, inst.Remove(ctx))
			has, err := d.Has(ctx, "room-2")
			require.NoError(t, err)
			require.False(t, has)
		})
	}
}

func TestDriver_Cleanup_RemovesOnlyOwnedRooms(t *testing.T) {
	for name, d := range backends(t) {
		d := d
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				_, err := d.CreateInstance(ctx, driver.RoomCache{
					RoomID: fmt.Sprintf("p1-room-%d", i), Name: "dead-proc", ProcessID: "p1",
				})
				require.NoError(t, err)
			}
			_, err := d.CreateInstance(ctx, driver.RoomCache{RoomID: "survivor", Name: "alive-proc", ProcessID: "p2"})
			require.NoError(t, err)

			require.NoError(t, d.Cleanup(ctx, "p1"))

			remaining, err := d.Query(ctx, driver.Conditions{}, nil)
			require.NoError(t, err)
			require.Len(t, remaining, 1)
			require.Equal(t, "survivor", remaining[0].RoomID)
		})
	}
}

func TestDriver_Query_SortByLess(t *testing.T) {
	for name, d := range backends(t) {
		d := d
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := d.CreateInstance(ctx, driver.RoomCache{RoomID: "b", Name: "ranked", Clients: 5})
			require.NoError(t, err)
			_, err = d.CreateInstance(ctx, driver.RoomCache{RoomID: "a", Name: "ranked", Clients: 1})
			require.NoError(t, err)

			less := func(a, b driver.RoomCache) bool { return a.Clients < b.Clients }
			found, err := d.Query(ctx, driver.Conditions{Name: "ranked"}, less)
			require.NoError(t, err)
			require.Len(t, found, 2)
			require.Equal(t, "a", found[0].RoomID)
			require.Equal(t, "b", found[1].RoomID)
		})
	}
}

func TestDistributed_ConcurrentQueries_ShareFetch(t *testing.T) {
	d := backends(t)["distributed"].(*driver.Distributed)
	ctx := context.Background()
	_, err := d.CreateInstance(ctx, driver.RoomCache{RoomID: "room-x", Name: "burst"})
	require.NoError(t, err)

	const n = 20
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		go func() {
			found, err := d.Query(ctx, driver.Conditions{Name: "burst"}, nil)
			if err != nil {
				results <- -1
				return
			}
			results <- len(found)
		}()
	}
	for i := 0; i < n; i++ {
		require.Equal(t, 1, <-results)
	}
}

func TestDistributed_Memoization_ExpiresEventually(t *testing.T) {
	d := backends(t)["distributed"].(*driver.Distributed)
	ctx := context.Background()
	_, err := d.CreateInstance(ctx, driver.RoomCache{RoomID: "room-y", Name: "memo-room"})
	require.NoError(t, err)

	first, err := d.Query(ctx, driver.Conditions{Name: "memo-room"}, nil)
	require.NoError(t, err)
	require.Len(t, first, 1)

	time.Sleep(40 * time.Millisecond)

	second, err := d.Query(ctx, driver.Conditions{Name: "memo-room"}, nil)
	require.NoError(t, err)
	require.Len(t, second, 1)
}
