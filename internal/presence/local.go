package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Local is an in-process Presence backed by plain maps, for
// single-process deployments and unit tests. TTL is enforced with
// time.AfterFunc timers — best effort, same as the Distributed variant.
type Local struct {
	mu sync.Mutex

	kv    map[string][]byte
	ttls  map[string]*time.Timer
	sets  map[string]map[string]struct{}
	hash  map[string]map[string][]byte
	lists map[string][][]byte

	subs map[string]map[*localSub]struct{}

	// waiters are goroutines parked in BRPop, keyed by the list key
	// they're blocked on, woken via closing a channel when a push lands.
	waiters map[string][]chan struct{}

	snapshotPath string
}

// LocalOption configures a Local presence instance.
type LocalOption func(*Local)

// WithSnapshot enables dev-mode persistence: state ({data, hash, keys})
// is written to path on Shutdown and restored from it in New.
func WithSnapshot(path string) LocalOption {
	return func(l *Local) { l.snapshotPath = path }
}

// NewLocal builds a Local presence instance, restoring a prior snapshot
// if WithSnapshot was given and the file exists.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		kv:      make(map[string][]byte),
		ttls:    make(map[string]*time.Timer),
		sets:    make(map[string]map[string]struct{}),
		hash:    make(map[string]map[string][]byte),
		lists:   make(map[string][][]byte),
		subs:    make(map[string]map[*localSub]struct{}),
		waiters: make(map[string][]chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.snapshotPath != "" {
		l.restoreSnapshot()
	}
	return l
}

type localSnapshot struct {
	Data map[string][]byte            `json:"data"`
	Hash map[string]map[string][]byte `json:"hash"`
	Sets map[string][]string          `json:"sets"`
}

func (l *Local) restoreSnapshot() {
	raw, err := os.ReadFile(l.snapshotPath)
	if err != nil {
		return
	}
	var snap localSnapshot
	if json.Unmarshal(raw, &snap) != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if snap.Data != nil {
		l.kv = snap.Data
	}
	if snap.Hash != nil {
		l.hash = snap.Hash
	}
	for k, members := range snap.Sets {
		m := make(map[string]struct{}, len(members))
		for _, v := range members {
			m[v] = struct{}{}
		}
		l.sets[k] = m
	}
}

func (l *Local) writeSnapshot() error {
	if l.snapshotPath == "" {
		return nil
	}
	l.mu.Lock()
	snap := localSnapshot{
		Data: l.kv,
		Hash: l.hash,
		Sets: make(map[string][]string, len(l.sets)),
	}
	for k, m := range l.sets {
		members := make([]string, 0, len(m))
		for v := range m {
			members = append(members, v)
		}
		sort.Strings(members)
		snap.Sets[k] = members
	}
	l.mu.Unlock()

	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return os.WriteFile(l.snapshotPath, raw, 0o600)
}

type localSub struct {
	ch     chan Message
	topics map[string]bool // exact topic membership for quick filtering
}

func (s *localSub) Channel() <-chan Message { return s.ch }

func (s *localSub) unsubscribe(l *Local) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for topic := range s.topics {
		if set, ok := l.subs[topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(l.subs, topic)
			}
		}
	}
	close(s.ch)
	return nil
}

type ownedSub struct {
	*localSub
	l *Local
}

func (s *ownedSub) Unsubscribe() error { return s.localSub.unsubscribe(s.l) }

func (l *Local) Subscribe(_ context.Context, topics ...string) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &localSub{ch: make(chan Message, 64), topics: make(map[string]bool, len(topics))}
	for _, t := range topics {
		s.topics[t] = true
		if l.subs[t] == nil {
			l.subs[t] = make(map[*localSub]struct{})
		}
		l.subs[t][s] = struct{}{}
	}
	return &ownedSub{localSub: s, l: l}, nil
}

func (l *Local) Publish(_ context.Context, topic string, data []byte) error {
	l.mu.Lock()
	subs := l.subs[topic]
	targets := make([]*localSub, 0, len(subs))
	for s := range subs {
		targets = append(targets, s)
	}
	l.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- Message{Channel: topic, Payload: data}:
		default:
			// At-most-once delivery: a slow subscriber drops the message
			// rather than blocking the publisher.
		}
	}
	return nil
}

func (l *Local) Channels(_ context.Context, pattern string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for topic := range l.subs {
		if matchPattern(pattern, topic) {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out, nil
}

// matchPattern supports the single "*" wildcard form used by the core
// (e.g. "ipc:*"), not full glob syntax.
func matchPattern(pattern, topic string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == topic
}

func (l *Local) Set(_ context.Context, key string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clearTTLLocked(key)
	l.kv[key] = value
	return nil
}

func (l *Local) SetEx(_ context.Context, key string, value []byte, ttl time.Duration) error {
	l.mu.Lock()
	l.clearTTLLocked(key)
	l.kv[key] = value
	l.armTTLLocked(key, ttl)
	l.mu.Unlock()
	return nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (l *Local) Del(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.kv, key)
	delete(l.hash, key)
	delete(l.sets, key)
	delete(l.lists, key)
	l.clearTTLLocked(key)
	return nil
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.kv[key]
	return ok, nil
}

func (l *Local) Expire(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.kv[key]; !ok {
		return nil
	}
	l.armTTLLocked(key, ttl)
	return nil
}

func (l *Local) clearTTLLocked(key string) {
	if t, ok := l.ttls[key]; ok {
		t.Stop()
		delete(l.ttls, key)
	}
}

func (l *Local) armTTLLocked(key string, ttl time.Duration) {
	l.clearTTLLocked(key)
	l.ttls[key] = time.AfterFunc(ttl, func() {
		l.mu.Lock()
		delete(l.kv, key)
		delete(l.hash, key)
		delete(l.ttls, key)
		l.mu.Unlock()
	})
}

func (l *Local) SAdd(_ context.Context, key, member string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sets[key] == nil {
		l.sets[key] = make(map[string]struct{})
	}
	l.sets[key][member] = struct{}{}
	return nil
}

func (l *Local) SRem(_ context.Context, key, member string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sets[key], member)
	return nil
}

func (l *Local) SMembers(_ context.Context, key string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.sets[key]))
	for m := range l.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (l *Local) SIsMember(_ context.Context, key, member string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sets[key][member]
	return ok, nil
}

func (l *Local) SCard(_ context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.sets[key])), nil
}

func (l *Local) SInter(_ context.Context, keys ...string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(keys) == 0 {
		return nil, nil
	}
	base := l.sets[keys[0]]
	var out []string
	for m := range base {
		inAll := true
		for _, k := range keys[1:] {
			if _, ok := l.sets[k][m]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (l *Local) HSet(_ context.Context, key, field string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hash[key] == nil {
		l.hash[key] = make(map[string][]byte)
	}
	l.hash[key][field] = value
	return nil
}

func (l *Local) HGet(_ context.Context, key, field string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.hash[key][field]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (l *Local) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]byte, len(l.hash[key]))
	for f, v := range l.hash[key] {
		out[f] = v
	}
	return out, nil
}

func (l *Local) HDel(_ context.Context, key string, fields ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range fields {
		delete(l.hash[key], f)
	}
	return nil
}

func (l *Local) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hIncrLocked(key, field, delta), nil
}

func (l *Local) HIncrByEx(_ context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	l.mu.Lock()
	v := l.hIncrLocked(key, field, delta)
	l.armTTLLocked(key, ttl)
	l.mu.Unlock()
	return v, nil
}

func (l *Local) hIncrLocked(key, field string, delta int64) int64 {
	if l.hash[key] == nil {
		l.hash[key] = make(map[string][]byte)
	}
	var cur int64
	if v, ok := l.hash[key][field]; ok {
		fmt.Sscanf(string(v), "%d", &cur)
	}
	cur += delta
	l.hash[key][field] = []byte(fmt.Sprintf("%d", cur))
	if l.kv[key] == nil {
		// HIncrByEx also TTLs the hash key itself; make Exists/Expire see it.
		l.kv[key] = []byte{}
	}
	return cur
}

func (l *Local) HLen(_ context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.hash[key])), nil
}

func (l *Local) Incr(ctx context.Context, key string) (int64, error) { return l.addCounter(key, 1) }
func (l *Local) Decr(ctx context.Context, key string) (int64, error) { return l.addCounter(key, -1) }

func (l *Local) addCounter(key string, delta int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var cur int64
	if v, ok := l.kv[key]; ok {
		fmt.Sscanf(string(v), "%d", &cur)
	}
	cur += delta
	l.kv[key] = []byte(fmt.Sprintf("%d", cur))
	return cur, nil
}

func (l *Local) LPush(_ context.Context, key string, value []byte) error {
	l.mu.Lock()
	l.lists[key] = append([][]byte{value}, l.lists[key]...)
	l.mu.Unlock()
	l.wake(key)
	return nil
}

func (l *Local) RPush(_ context.Context, key string, value []byte) error {
	l.mu.Lock()
	l.lists[key] = append(l.lists[key], value)
	l.mu.Unlock()
	l.wake(key)
	return nil
}

func (l *Local) wake(key string) {
	l.mu.Lock()
	waiters := l.waiters[key]
	delete(l.waiters, key)
	l.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func (l *Local) LPop(_ context.Context, key string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	vs := l.lists[key]
	if len(vs) == 0 {
		return nil, nil
	}
	v := vs[0]
	l.lists[key] = vs[1:]
	return v, nil
}

func (l *Local) RPop(_ context.Context, key string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	vs := l.lists[key]
	if len(vs) == 0 {
		return nil, nil
	}
	v := vs[len(vs)-1]
	l.lists[key] = vs[:len(vs)-1]
	return v, nil
}

func (l *Local) LLen(_ context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.lists[key])), nil
}

// BRPop polls the given keys for an available tail element, parking on
// a wake channel between pushes rather than busy-looping, until timeout
// elapses. The fleet-wide create slot rendezvous relies on this.
func (l *Local) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, []byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		for _, k := range keys {
			if v, err := l.RPop(ctx, k); err == nil && v != nil {
				return k, v, nil
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil, nil
		}

		wake := make(chan struct{})
		l.mu.Lock()
		for _, k := range keys {
			l.waiters[k] = append(l.waiters[k], wake)
		}
		l.mu.Unlock()

		wait := remaining
		if wait > 25*time.Millisecond {
			wait = 25 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(wait):
		case <-wake:
		}
	}
}

func (l *Local) Shutdown(_ context.Context) error {
	return l.writeSnapshot()
}
