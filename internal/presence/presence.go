// Package presence implements the distributed coordination primitive
// shared by every process in the fleet: pub/sub, KV, hash, set, list
// and counter capabilities. Two variants are
// provided: Local (in-process, for single-process deployments and
// tests) and Distributed (Redis-backed).
package presence

import (
	"context"
	"time"
)

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live subscription to one or more exact channel names.
// Callers must call Unsubscribe when done; Channel() is closed after
// that (at-most-once delivery per subscriber).
type Subscription interface {
	Channel() <-chan Message
	Unsubscribe() error
}

// Presence is the capability bundle every Matchmaker/Room/Driver/IPC
// component depends on. Local and Distributed are the two shipped
// variants; both are safe for concurrent use.
type Presence interface {
	// pub/sub
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
	Publish(ctx context.Context, topic string, data []byte) error
	Channels(ctx context.Context, pattern string) ([]string, error)

	// key/value
	Set(ctx context.Context, key string, value []byte) error
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// sets
	SAdd(ctx context.Context, key string, member string) error
	SRem(ctx context.Context, key string, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key string, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)
	SInter(ctx context.Context, keys ...string) ([]string, error)

	// hashes
	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	// HIncrByEx increments field by delta and (re)sets the hash key's
	// TTL in the same round trip — this backs the fleet-wide create
	// slot rendezvous counter.
	HIncrByEx(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error)
	HLen(ctx context.Context, key string) (int64, error)

	// counters
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	// lists
	LPush(ctx context.Context, key string, value []byte) error
	RPush(ctx context.Context, key string, value []byte) error
	LPop(ctx context.Context, key string) ([]byte, error)
	RPop(ctx context.Context, key string) ([]byte, error)
	LLen(ctx context.Context, key string) (int64, error)
	// BRPop blocks up to timeout across the given keys, returning the
	// key that produced a value and the value itself. A zero-length
	// result ("", nil, nil) means the timeout elapsed.
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) (key string, value []byte, err error)

	Shutdown(ctx context.Context) error
}

// ErrNotFound is returned by Get/HGet when the key/field doesn't exist,
// distinct from a connectivity error.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "presence: key not found" }
