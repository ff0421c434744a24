package driver

import (
	"context"
	"sync"
)

// Local is an in-memory Driver for single-process deployments and tests.
type Local struct {
	mu    sync.RWMutex
	rooms map[string]*RoomCache
}

// NewLocal builds an empty in-memory RoomCache store.
func NewLocal() *Local {
	return &Local{rooms: make(map[string]*RoomCache)}
}

type localInstance struct {
	d      *Local
	roomID string
}

func (l *Local) CreateInstance(_ context.Context, initial RoomCache) (Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := initial
	l.rooms[initial.RoomID] = &cp
	return &localInstance{d: l, roomID: initial.RoomID}, nil
}

func (l *Local) Has(_ context.Context, roomID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.rooms[roomID]
	return ok, nil
}

func (l *Local) FindOne(ctx context.Context, cond Conditions, sort Less) (*RoomCache, error) {
	all, _ := l.Query(ctx, cond, sort)
	if len(all) == 0 {
		return nil, nil
	}
	return &all[0], nil
}

func (l *Local) Query(_ context.Context, cond Conditions, sort Less) ([]RoomCache, error) {
	l.mu.RLock()
	var out []RoomCache
	for _, rc := range l.rooms {
		if cond.matches(*rc) {
			out = append(out, *rc)
		}
	}
	l.mu.RUnlock()
	applySort(out, sort)
	return out, nil
}

func (l *Local) Cleanup(_ context.Context, processID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, rc := range l.rooms {
		if rc.ProcessID == processID {
			delete(l.rooms, id)
		}
	}
	return nil
}

func (i *localInstance) Get() RoomCache {
	i.d.mu.RLock()
	defer i.d.mu.RUnlock()
	if rc, ok := i.d.rooms[i.roomID]; ok {
		return *rc
	}
	return RoomCache{}
}

func (i *localInstance) Save(_ context.Context) error {
	// Local rooms are mutated in place by UpdateOne; Save is a no-op
	// here but kept to satisfy the Instance contract uniformly with
	// the Distributed variant, which does need an explicit write.
	return nil
}

func (i *localInstance) UpdateOne(_ context.Context, patch Patch) error {
	i.d.mu.Lock()
	defer i.d.mu.Unlock()
	rc, ok := i.d.rooms[i.roomID]
	if !ok {
		return nil
	}
	applyPatch(rc, patch)
	return nil
}

func (i *localInstance) Remove(_ context.Context) error {
	i.d.mu.Lock()
	defer i.d.mu.Unlock()
	delete(i.d.rooms, i.roomID)
	return nil
}

func applyPatch(rc *RoomCache, patch Patch) {
	for k, v := range patch.Set {
		switch k {
		case "locked":
			if b, ok := v.(bool); ok {
				rc.Locked = b
			}
		case "private":
			if b, ok := v.(bool); ok {
				rc.Private = b
			}
		case "unlisted":
			if b, ok := v.(bool); ok {
				rc.Unlisted = b
			}
		case "clients":
			if n, ok := v.(int); ok {
				rc.Clients = n
			}
		case "metadata":
			if raw, ok := v.([]byte); ok {
				rc.Metadata = raw
			}
		}
	}
	for k, v := range patch.Inc {
		if k != "clients" {
			continue
		}
		switch n := v.(type) {
		case int:
			rc.Clients += n
		case int64:
			rc.Clients += int(n)
		}
	}
}
