package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/dukepan/roomserver/internal/presence"
)

// roomCachesKey is the single Redis hash backing every RoomCache in the
// fleet, keyed by roomId with JSON values as entries.
const roomCachesKey = "roomcaches"

// batchDeleteSize bounds how many hash fields Cleanup removes per HDel.
const batchDeleteSize = 500

// memoTTL is how long a per-roomName query result is reused to coalesce
// a burst of identical concurrent queries landing close together.
const memoTTL = 30 * time.Millisecond

type memoEntry struct {
	rooms     []RoomCache
	expiresAt time.Time
}

// Distributed is the Redis-hash-backed Driver.
type Distributed struct {
	presence presence.Presence

	fetchGroup singleflight.Group // coalesces concurrent full-hash fetches

	memoMu sync.Mutex
	memo   *lru.Cache[string, memoEntry]
}

// NewDistributed builds a Distributed driver on top of an existing
// Presence connection — the Driver and Presence capabilities share the
// same underlying Redis-like backend.
func NewDistributed(p presence.Presence) (*Distributed, error) {
	memo, err := lru.New[string, memoEntry](256)
	if err != nil {
		return nil, fmt.Errorf("driver: create memo cache: %w", err)
	}
	return &Distributed{presence: p, memo: memo}, nil
}

type distributedInstance struct {
	d  *Distributed
	rc RoomCache
}

func (d *Distributed) CreateInstance(ctx context.Context, initial RoomCache) (Instance, error) {
	data, err := json.Marshal(initial)
	if err != nil {
		return nil, fmt.Errorf("driver: marshal room cache: %w", err)
	}
	if err := d.presence.HSet(ctx, roomCachesKey, initial.RoomID, data); err != nil {
		return nil, fmt.Errorf("driver: hset room cache: %w", err)
	}
	d.invalidate(initial.Name)
	return &distributedInstance{d: d, rc: initial}, nil
}

func (d *Distributed) Has(ctx context.Context, roomID string) (bool, error) {
	_, err := d.presence.HGet(ctx, roomCachesKey, roomID)
	if err == presence.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Distributed) FindOne(ctx context.Context, cond Conditions, sort Less) (*RoomCache, error) {
	all, err := d.Query(ctx, cond, sort)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return &all[0], nil
}

func (d *Distributed) Query(ctx context.Context, cond Conditions, sort Less) ([]RoomCache, error) {
	if cond.Name != "" {
		if rooms, ok := d.memoized(cond.Name); ok {
			return filterSort(rooms, cond, sort), nil
		}
	}

	rooms, err := d.fetchAll(ctx)
	if err != nil {
		return nil, err
	}
	if cond.Name != "" {
		d.remember(cond.Name, rooms)
	}
	return filterSort(rooms, cond, sort), nil
}

func filterSort(rooms []RoomCache, cond Conditions, sort Less) []RoomCache {
	var out []RoomCache
	for _, rc := range rooms {
		if cond.matches(rc) {
			out = append(out, rc)
		}
	}
	applySort(out, sort)
	return out
}

// fetchAll retrieves the whole roomcaches hash, parses each entry, and
// shares one in-flight call across concurrent callers.
func (d *Distributed) fetchAll(ctx context.Context) ([]RoomCache, error) {
	v, err, _ := d.fetchGroup.Do("all", func() (interface{}, error) {
		raw, err := d.presence.HGetAll(ctx, roomCachesKey)
		if err != nil {
			return nil, fmt.Errorf("driver: hgetall roomcaches: %w", err)
		}
		rooms := make([]RoomCache, 0, len(raw))
		for _, data := range raw {
			var rc RoomCache
			if json.Unmarshal(data, &rc) != nil {
				continue
			}
			rooms = append(rooms, rc)
		}
		return rooms, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]RoomCache), nil
}

// memoized returns a cached result for roomName if it hasn't expired.
func (d *Distributed) memoized(roomName string) ([]RoomCache, bool) {
	d.memoMu.Lock()
	defer d.memoMu.Unlock()
	entry, ok := d.memo.Get(roomName)
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.rooms, true
}

func (d *Distributed) remember(roomName string, rooms []RoomCache) {
	matching := make([]RoomCache, 0, len(rooms))
	needle := fmt.Sprintf(`"name":"%s"`, roomName)
	for _, rc := range rooms {
		// Substring test on the re-marshaled form keeps only roomName's
		// entries. fetchAll has already unmarshaled every entry, so this
		// adds a marshal pass per room rather than skipping any parsing.
		raw, _ := json.Marshal(rc)
		if strings.Contains(string(raw), needle) {
			matching = append(matching, rc)
		}
	}
	d.memoMu.Lock()
	d.memo.Add(roomName, memoEntry{rooms: matching, expiresAt: time.Now().Add(memoTTL)})
	d.memoMu.Unlock()
}

func (d *Distributed) invalidate(roomName string) {
	d.memoMu.Lock()
	d.memo.Remove(roomName)
	d.memoMu.Unlock()
}

func (d *Distributed) Cleanup(ctx context.Context, processID string) error {
	raw, err := d.presence.HGetAll(ctx, roomCachesKey)
	if err != nil {
		return fmt.Errorf("driver: hgetall roomcaches: %w", err)
	}

	var toDelete []string
	for roomID, data := range raw {
		var rc RoomCache
		if json.Unmarshal(data, &rc) != nil {
			continue
		}
		if rc.ProcessID == processID {
			toDelete = append(toDelete, roomID)
		}
	}

	for start := 0; start < len(toDelete); start += batchDeleteSize {
		end := start + batchDeleteSize
		if end > len(toDelete) {
			end = len(toDelete)
		}
		if err := d.presence.HDel(ctx, roomCachesKey, toDelete[start:end]...); err != nil {
			return fmt.Errorf("driver: cleanup hdel: %w", err)
		}
	}
	return nil
}

func (i *distributedInstance) Get() RoomCache { return i.rc }

func (i *distributedInstance) Save(ctx context.Context) error {
	data, err := json.Marshal(i.rc)
	if err != nil {
		return fmt.Errorf("driver: marshal room cache: %w", err)
	}
	if err := i.d.presence.HSet(ctx, roomCachesKey, i.rc.RoomID, data); err != nil {
		return err
	}
	i.d.invalidate(i.rc.Name)
	return nil
}

func (i *distributedInstance) UpdateOne(ctx context.Context, patch Patch) error {
	applyPatch(&i.rc, patch)
	return i.Save(ctx)
}

func (i *distributedInstance) Remove(ctx context.Context) error {
	if err := i.d.presence.HDel(ctx, roomCachesKey, i.rc.RoomID); err != nil {
		return err
	}
	i.d.invalidate(i.rc.Name)
	return nil
}
