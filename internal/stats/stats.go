// Package stats tracks per-process room/client counts and publishes
// them into a shared hash so the matchmaker can pick a process to host
// a new room and detect dead processes.
package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukepan/roomserver/internal/driver"
	"github.com/dukepan/roomserver/internal/observability"
	"github.com/dukepan/roomserver/internal/presence"
)

// hashKey is the single shared hash every process publishes its
// {roomCount, ccu} pair into.
const hashKey = "roomcount"

// flushInterval bounds how often Local stats are written to the shared
// hash; calls to IncrementRoomCount/IncrementCCU between flushes only
// update the in-memory counters.
const flushInterval = time.Second

// Entry is one process's {roomCount, ccu} pair.
type Entry struct {
	ProcessID string
	RoomCount int
	CCU       int
}

func (e Entry) encode() string {
	return fmt.Sprintf("%d,%d", e.RoomCount, e.CCU)
}

func decode(processID, raw string) (Entry, error) {
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return Entry{}, fmt.Errorf("stats: malformed entry %q", raw)
	}
	roomCount, err := strconv.Atoi(parts[0])
	if err != nil {
		return Entry{}, fmt.Errorf("stats: parse roomCount: %w", err)
	}
	ccu, err := strconv.Atoi(parts[1])
	if err != nil {
		return Entry{}, fmt.Errorf("stats: parse ccu: %w", err)
	}
	return Entry{ProcessID: processID, RoomCount: roomCount, CCU: ccu}, nil
}

// Registry tracks this process's counters and the fleet-wide hash they
// are coalesced into.
type Registry struct {
	presence  presence.Presence
	driver    driver.Driver
	processID string

	roomCount int64
	ccu       int64

	mu         sync.Mutex
	lastFlush  time.Time
	flushTimer *time.Timer

	tracer trace.Tracer
	gauge  metric.Int64ObservableGauge
}

// NewRegistry builds a Registry for processID, publishing into p and
// using d to clean up a process's rooms once it is excluded.
func NewRegistry(p presence.Presence, d driver.Driver, processID string) *Registry {
	return &Registry{
		presence:  p,
		driver:    d,
		processID: processID,
		tracer:    otel.Tracer("stats"),
	}
}

// IncrementRoomCount adjusts the local room count by delta and schedules
// a coalesced flush to the shared hash.
func (r *Registry) IncrementRoomCount(ctx context.Context, delta int) {
	atomic.AddInt64(&r.roomCount, int64(delta))
	r.scheduleFlush(ctx)
}

// IncrementCCU adjusts the local connected-client count by delta and
// schedules a coalesced flush to the shared hash.
func (r *Registry) IncrementCCU(ctx context.Context, delta int) {
	atomic.AddInt64(&r.ccu, int64(delta))
	r.scheduleFlush(ctx)
}

// Local returns this process's current counters without touching the
// shared hash.
func (r *Registry) Local() Entry {
	return Entry{
		ProcessID: r.processID,
		RoomCount: int(atomic.LoadInt64(&r.roomCount)),
		CCU:       int(atomic.LoadInt64(&r.ccu)),
	}
}

// scheduleFlush writes the local entry to the shared hash at most once
// per flushInterval; calls arriving inside the window are coalesced
// into the next scheduled write instead of each issuing their own HSet.
func (r *Registry) scheduleFlush(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	since := time.Since(r.lastFlush)
	if since >= flushInterval {
		r.lastFlush = time.Now()
		go r.flush(ctx)
		return
	}
	if r.flushTimer != nil {
		return
	}
	wait := flushInterval - since
	r.flushTimer = time.AfterFunc(wait, func() {
		r.mu.Lock()
		r.lastFlush = time.Now()
		r.flushTimer = nil
		r.mu.Unlock()
		r.flush(context.Background())
	})
}

func (r *Registry) flush(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "stats.flush")
	defer span.End()
	entry := r.Local()
	observability.RoomCount.WithLabelValues(r.processID).Set(float64(entry.RoomCount))
	observability.CCU.WithLabelValues(r.processID).Set(float64(entry.CCU))
	_ = r.presence.HSet(ctx, hashKey, r.processID, []byte(entry.encode()))
}

// FetchAll reads every process's entry from the shared hash,
// substituting the caller's own local entry so a stale coalesced write
// never masks a count the caller already knows is current.
func (r *Registry) FetchAll(ctx context.Context) ([]Entry, error) {
	ctx, span := r.tracer.Start(ctx, "stats.fetch_all")
	defer span.End()

	raw, err := r.presence.HGetAll(ctx, hashKey)
	if err != nil {
		return nil, fmt.Errorf("stats: hgetall roomcount: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	seenSelf := false
	for pid, data := range raw {
		if pid == r.processID {
			seenSelf = true
			entries = append(entries, r.Local())
			continue
		}
		e, err := decode(pid, string(data))
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if !seenSelf {
		entries = append(entries, r.Local())
	}
	return entries, nil
}

// GlobalCCU sums the connected-client count across every known process.
func (r *Registry) GlobalCCU(ctx context.Context) (int, error) {
	entries, err := r.FetchAll(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, e := range entries {
		total += e.CCU
	}
	return total, nil
}

// ExcludeProcess removes pid's entry from the shared hash and cleans up
// every RoomCache it owned, so the next FetchAll/fleet query no longer
// routes creates or joins to a process presumed dead.
func (r *Registry) ExcludeProcess(ctx context.Context, pid string) error {
	ctx, span := r.tracer.Start(ctx, "stats.exclude_process",
		trace.WithAttributes(attribute.String("stats.process_id", pid)))
	defer span.End()

	if err := r.presence.HDel(ctx, hashKey, pid); err != nil {
		return fmt.Errorf("stats: hdel roomcount: %w", err)
	}
	if r.driver != nil {
		if err := r.driver.Cleanup(ctx, pid); err != nil {
			return fmt.Errorf("stats: driver cleanup: %w", err)
		}
	}
	return nil
}
