// Package driver implements the RoomCache store: the externally visible
// projection of a Room used for matchmaking queries. Local and
// Distributed (Redis hash) variants are provided, grounded on the
// per-room in-memory registry pattern of superkerokero-wsnet2's
// game.Repository, generalized to a polymorphic store instead of a
// single in-process map.
package driver

import (
	"context"
	"encoding/json"
	"time"
)

// RoomCache is the wire/listing form of a room used by matchmaking
// queries and the fleet-wide room directory.
type RoomCache struct {
	RoomID        string          `json:"roomId"`
	Name          string          `json:"name"`
	ProcessID     string          `json:"processId"`
	PublicAddress string          `json:"publicAddress,omitempty"`
	Clients       int             `json:"clients"`
	MaxClients    int             `json:"maxClients"`
	Locked        bool            `json:"locked"`
	Private       bool            `json:"private"`
	Unlisted      bool            `json:"unlisted"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Patch is the {$set, $inc} update shape used by UpdateOne, matching
// the Mongo-flavored update style the matchmaker and room runtime speak
// when updating a room's cache entry.
type Patch struct {
	Set map[string]interface{}
	Inc map[string]interface{}
}

// Conditions filters a Query/FindOne call. Pointer fields are only
// applied when non-nil. Extra lets a handler's declared filterBy add
// arbitrary predicates beyond the built-in fields.
type Conditions struct {
	Name             string
	Locked           *bool
	Private          *bool
	Unlisted         *bool
	MinAvailableSeats int // maxClients - clients must be >= this
	Extra            func(RoomCache) bool
}

func (c Conditions) matches(rc RoomCache) bool {
	if c.Name != "" && rc.Name != c.Name {
		return false
	}
	if c.Locked != nil && rc.Locked != *c.Locked {
		return false
	}
	if c.Private != nil && rc.Private != *c.Private {
		return false
	}
	if c.Unlisted != nil && rc.Unlisted != *c.Unlisted {
		return false
	}
	if c.MinAvailableSeats > 0 {
		if rc.MaxClients > 0 && rc.MaxClients-rc.Clients < c.MinAvailableSeats {
			return false
		}
	}
	if c.Extra != nil && !c.Extra(rc) {
		return false
	}
	return true
}

// Less is a handler's sortBy comparator: true if a should sort before b.
type Less func(a, b RoomCache) bool

// Instance is the mutable handle returned by CreateInstance: a
// RoomCache entry that supports save(), updateOne({$set,$inc}), and
// remove() against the backing store.
type Instance interface {
	Get() RoomCache
	Save(ctx context.Context) error
	UpdateOne(ctx context.Context, patch Patch) error
	Remove(ctx context.Context) error
}

// Driver is the RoomCache store capability.
type Driver interface {
	CreateInstance(ctx context.Context, initial RoomCache) (Instance, error)
	Has(ctx context.Context, roomID string) (bool, error)
	FindOne(ctx context.Context, cond Conditions, sort Less) (*RoomCache, error)
	Query(ctx context.Context, cond Conditions, sort Less) ([]RoomCache, error)
	// Cleanup removes every RoomCache owned by processID — used when a
	// process is excluded from the fleet.
	Cleanup(ctx context.Context, processID string) error
}

func applySort(rooms []RoomCache, less Less) {
	if less == nil {
		return
	}
	// Simple insertion sort: room counts per process are small and this
	// keeps the comparator contract obviously stable (no surprise swaps
	// from a non-transitive handler-supplied Less).
	for i := 1; i < len(rooms); i++ {
		for j := i; j > 0 && less(rooms[j], rooms[j-1]); j-- {
			rooms[j], rooms[j-1] = rooms[j-1], rooms[j]
		}
	}
}
