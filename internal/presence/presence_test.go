package presence_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dukepan/roomserver/internal/presence"
)

// backends exercises both Presence variants against the same
// assertions, driven by miniredis so the suite needs no live server.
func backends(t *testing.T) map[string]presence.Presence {
	t.Helper()
	backends := map[string]presence.Presence{
		"local": presence.NewLocal(),
	}

	mr := miniredis.RunT(t)
	d, err := presence.NewDistributed("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	backends["distributed"] = d
	_ = redis.NewClient // keep redis import anchored for readers following this test
	return backends
}

func TestPresence_KV(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, p.Set(ctx, "k", []byte("v")))
			v, err := p.Get(ctx, "k")
			require.NoError(t, err)
			require.Equal(t, "v", string(v))

			ok, err := p.Exists(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, p.Del(ctx, "k"))
			_, err = p.Get(ctx, "k")
			require.ErrorIs(t, err, presence.ErrNotFound)
		})
	}
}

func TestPresence_TTL(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, p.SetEx(ctx, "k", []byte("v"), 20*time.Millisecond))
			time.Sleep(120 * time.Millisecond)
			_, err := p.Get(ctx, "k")
			require.ErrorIs(t, err, presence.ErrNotFound)
		})
	}
}

func TestPresence_Hash(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n, err := p.HIncrBy(ctx, "h", "f", 3)
			require.NoError(t, err)
			require.Equal(t, int64(3), n)

			n, err = p.HIncrBy(ctx, "h", "f", 2)
			require.NoError(t, err)
			require.Equal(t, int64(5), n)

			v, err := p.HGet(ctx, "h", "f")
			require.NoError(t, err)
			require.Equal(t, "5", string(v))

			l, err := p.HLen(ctx, "h")
			require.NoError(t, err)
			require.Equal(t, int64(1), l)
		})
	}
}

func TestPresence_HIncrByExSetsTTL(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := p.HIncrByEx(ctx, "ch:lobby", "create", 1, 30*time.Millisecond)
			require.NoError(t, err)
			time.Sleep(150 * time.Millisecond)
			n, err := p.HLen(ctx, "ch:lobby")
			require.NoError(t, err)
			require.Equal(t, int64(0), n)
		})
	}
}

func TestPresence_Sets(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, p.SAdd(ctx, "s", "a"))
			require.NoError(t, p.SAdd(ctx, "s", "b"))
			card, err := p.SCard(ctx, "s")
			require.NoError(t, err)
			require.Equal(t, int64(2), card)

			ok, err := p.SIsMember(ctx, "s", "a")
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, p.SRem(ctx, "s", "a"))
			members, err := p.SMembers(ctx, "s")
			require.NoError(t, err)
			require.Equal(t, []string{"b"}, members)
		})
	}
}

func TestPresence_ListsAndBRPop(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// A late push should wake a parked BRPop rather than requiring
			// it to have already arrived.
			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = p.RPush(ctx, "l:room:key", []byte("winner"))
			}()

			key, val, err := p.BRPop(ctx, time.Second, "l:room:key")
			require.NoError(t, err)
			require.Equal(t, "l:room:key", key)
			require.Equal(t, "winner", string(val))
		})
	}
}

func TestPresence_BRPopTimesOut(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key, val, err := p.BRPop(ctx, 30*time.Millisecond, "l:nobody")
			require.NoError(t, err)
			require.Empty(t, key)
			require.Nil(t, val)
		})
	}
}

func TestPresence_PubSub(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sub, err := p.Subscribe(ctx, "topic-a")
			require.NoError(t, err)
			defer sub.Unsubscribe()

			// give redis pub/sub a tick to register before publishing
			time.Sleep(20 * time.Millisecond)
			require.NoError(t, p.Publish(ctx, "topic-a", []byte("hello")))

			select {
			case msg := <-sub.Channel():
				require.Equal(t, "topic-a", msg.Channel)
				require.Equal(t, "hello", string(msg.Payload))
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for message")
			}
		})
	}
}
