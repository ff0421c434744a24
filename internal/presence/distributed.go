package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Distributed is the Redis-backed Presence variant. It keeps two
// separate connections — one for publishing/commands, one dedicated to
// subscriptions, rather than wrapping a single *redis.Client, so a slow
// subscriber can't stall publishers sharing the same connection.
type Distributed struct {
	pub *redis.Client
	sub *redis.Client

	tracer  trace.Tracer
	latency metric.Float64Histogram
}

// NewDistributed connects to Redis using dsn twice (pub + sub clients)
// and wires OpenTelemetry tracing/metrics the way cache.New does.
func NewDistributed(dsn string) (*Distributed, error) {
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("presence: parse redis dsn: %w", err)
	}

	meter := otel.Meter("presence-distributed")
	latency, err := meter.Float64Histogram("presence.command.latency", metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("presence: create latency instrument: %w", err)
	}

	d := &Distributed{
		pub:     redis.NewClient(opt),
		sub:     redis.NewClient(opt),
		tracer:  otel.Tracer("presence-distributed"),
		latency: latency,
	}

	ctx, span := d.tracer.Start(context.Background(), "presence.ping")
	defer span.End()
	if err := d.pub.Ping(ctx).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "presence: redis ping failed")
		return nil, fmt.Errorf("presence: connect redis: %w", err)
	}
	span.SetStatus(codes.Ok, "connected")
	return d, nil
}

func (d *Distributed) instrument(ctx context.Context, op string) (context.Context, func()) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "presence."+op)
	return ctx, func() {
		d.latency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("presence.op", op)))
		span.End()
	}
}

type redisSub struct {
	ps  *redis.PubSub
	out chan Message
	done chan struct{}
}

func (s *redisSub) Channel() <-chan Message { return s.out }

func (s *redisSub) Unsubscribe() error {
	close(s.done)
	return s.ps.Close()
}

func (d *Distributed) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	_, end := d.instrument(ctx, "subscribe")
	defer end()

	ps := d.sub.Subscribe(ctx, topics...)
	s := &redisSub{ps: ps, out: make(chan Message, 64), done: make(chan struct{})}

	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-s.done:
				close(s.out)
				return
			case msg, ok := <-ch:
				if !ok {
					close(s.out)
					return
				}
				select {
				case s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					// at-most-once: drop on a full/slow subscriber.
				}
			}
		}
	}()
	return s, nil
}

func (d *Distributed) Publish(ctx context.Context, topic string, data []byte) error {
	ctx, end := d.instrument(ctx, "publish")
	defer end()
	return d.pub.Publish(ctx, topic, data).Err()
}

func (d *Distributed) Channels(ctx context.Context, pattern string) ([]string, error) {
	ctx, end := d.instrument(ctx, "channels")
	defer end()
	return d.pub.PubSubChannels(ctx, pattern).Result()
}

func (d *Distributed) Set(ctx context.Context, key string, value []byte) error {
	ctx, end := d.instrument(ctx, "set")
	defer end()
	return d.pub.Set(ctx, key, value, 0).Err()
}

func (d *Distributed) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, end := d.instrument(ctx, "setex")
	defer end()
	return d.pub.Set(ctx, key, value, ttl).Err()
}

func (d *Distributed) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, end := d.instrument(ctx, "get")
	defer end()
	v, err := d.pub.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return v, err
}

func (d *Distributed) Del(ctx context.Context, key string) error {
	ctx, end := d.instrument(ctx, "del")
	defer end()
	return d.pub.Del(ctx, key).Err()
}

func (d *Distributed) Exists(ctx context.Context, key string) (bool, error) {
	ctx, end := d.instrument(ctx, "exists")
	defer end()
	n, err := d.pub.Exists(ctx, key).Result()
	return n > 0, err
}

func (d *Distributed) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, end := d.instrument(ctx, "expire")
	defer end()
	return d.pub.Expire(ctx, key, ttl).Err()
}

func (d *Distributed) SAdd(ctx context.Context, key, member string) error {
	ctx, end := d.instrument(ctx, "sadd")
	defer end()
	return d.pub.SAdd(ctx, key, member).Err()
}

func (d *Distributed) SRem(ctx context.Context, key, member string) error {
	ctx, end := d.instrument(ctx, "srem")
	defer end()
	return d.pub.SRem(ctx, key, member).Err()
}

func (d *Distributed) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, end := d.instrument(ctx, "smembers")
	defer end()
	return d.pub.SMembers(ctx, key).Result()
}

func (d *Distributed) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, end := d.instrument(ctx, "sismember")
	defer end()
	return d.pub.SIsMember(ctx, key, member).Result()
}

func (d *Distributed) SCard(ctx context.Context, key string) (int64, error) {
	ctx, end := d.instrument(ctx, "scard")
	defer end()
	return d.pub.SCard(ctx, key).Result()
}

func (d *Distributed) SInter(ctx context.Context, keys ...string) ([]string, error) {
	ctx, end := d.instrument(ctx, "sinter")
	defer end()
	return d.pub.SInter(ctx, keys...).Result()
}

func (d *Distributed) HSet(ctx context.Context, key, field string, value []byte) error {
	ctx, end := d.instrument(ctx, "hset")
	defer end()
	return d.pub.HSet(ctx, key, field, value).Err()
}

func (d *Distributed) HGet(ctx context.Context, key, field string) ([]byte, error) {
	ctx, end := d.instrument(ctx, "hget")
	defer end()
	v, err := d.pub.HGet(ctx, key, field).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return v, err
}

func (d *Distributed) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	ctx, end := d.instrument(ctx, "hgetall")
	defer end()
	m, err := d.pub.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (d *Distributed) HDel(ctx context.Context, key string, fields ...string) error {
	ctx, end := d.instrument(ctx, "hdel")
	defer end()
	return d.pub.HDel(ctx, key, fields...).Err()
}

func (d *Distributed) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	ctx, end := d.instrument(ctx, "hincrby")
	defer end()
	return d.pub.HIncrBy(ctx, key, field, delta).Result()
}

// HIncrByEx increments then expires the hash key in a pipeline so both
// commands round-trip together — the atomic primitive the fleet-wide
// create slot rendezvous relies on.
func (d *Distributed) HIncrByEx(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	ctx, end := d.instrument(ctx, "hincrbyex")
	defer end()
	pipe := d.pub.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, field, delta)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return incr.Val(), err
	}
	return incr.Val(), nil
}

func (d *Distributed) HLen(ctx context.Context, key string) (int64, error) {
	ctx, end := d.instrument(ctx, "hlen")
	defer end()
	return d.pub.HLen(ctx, key).Result()
}

func (d *Distributed) Incr(ctx context.Context, key string) (int64, error) {
	ctx, end := d.instrument(ctx, "incr")
	defer end()
	return d.pub.Incr(ctx, key).Result()
}

func (d *Distributed) Decr(ctx context.Context, key string) (int64, error) {
	ctx, end := d.instrument(ctx, "decr")
	defer end()
	return d.pub.Decr(ctx, key).Result()
}

func (d *Distributed) LPush(ctx context.Context, key string, value []byte) error {
	ctx, end := d.instrument(ctx, "lpush")
	defer end()
	return d.pub.LPush(ctx, key, value).Err()
}

func (d *Distributed) RPush(ctx context.Context, key string, value []byte) error {
	ctx, end := d.instrument(ctx, "rpush")
	defer end()
	return d.pub.RPush(ctx, key, value).Err()
}

func (d *Distributed) LPop(ctx context.Context, key string) ([]byte, error) {
	ctx, end := d.instrument(ctx, "lpop")
	defer end()
	v, err := d.pub.LPop(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return v, err
}

func (d *Distributed) RPop(ctx context.Context, key string) ([]byte, error) {
	ctx, end := d.instrument(ctx, "rpop")
	defer end()
	v, err := d.pub.RPop(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return v, err
}

func (d *Distributed) LLen(ctx context.Context, key string) (int64, error) {
	ctx, end := d.instrument(ctx, "llen")
	defer end()
	return d.pub.LLen(ctx, key).Result()
}

func (d *Distributed) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, []byte, error) {
	ctx, end := d.instrument(ctx, "brpop")
	defer end()
	res, err := d.pub.BRPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	// go-redis returns [key, value].
	if len(res) != 2 {
		return "", nil, nil
	}
	return res[0], []byte(res[1]), nil
}

func (d *Distributed) Shutdown(ctx context.Context) error {
	_, end := d.instrument(ctx, "shutdown")
	defer end()
	if err := d.sub.Close(); err != nil {
		return err
	}
	return d.pub.Close()
}
