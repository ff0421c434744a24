// Package audit is a fleet operations log: process start/stop and room
// create/dispose events, for ops dashboards rather than game state. It
// wraps a pgxpool.Pool the same way the chat application's db.Database
// did — BeforeAcquire/AfterRelease connection tracing plus a per-call
// latency histogram — repointed at an events table instead of chat
// messages.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// EventType enumerates the fleet lifecycle events worth recording.
type EventType string

const (
	EventProcessStart EventType = "process_start"
	EventProcessStop  EventType = "process_stop"
	EventRoomCreate   EventType = "room_create"
	EventRoomDispose  EventType = "room_dispose"
)

// Log persists fleet lifecycle events to Postgres for ops dashboards.
type Log struct {
	pool *pgxpool.Pool

	tracer  trace.Tracer
	latency metric.Float64Histogram
	active  metric.Int64UpDownCounter
}

// NewLog connects to Postgres at dsn and wires connection-lifecycle
// tracing the way the chat application's db package did.
func NewLog(dsn string) (*Log, error) {
	meter := otel.Meter("audit-log")
	latency, err := meter.Float64Histogram("audit.write.latency", metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("audit: create latency instrument: %w", err)
	}
	active, err := meter.Int64UpDownCounter("audit.active.connections")
	if err != nil {
		return nil, fmt.Errorf("audit: create active connections instrument: %w", err)
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse dsn: %w", err)
	}

	config.BeforeAcquire = func(ctx context.Context, _ *pgx.Conn) bool {
		active.Add(ctx, 1)
		return true
	}
	config.AfterRelease = func(*pgx.Conn) bool {
		active.Add(context.Background(), -1)
		return true
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}

	tracer := otel.Tracer("audit-log")
	ctx, span := tracer.Start(context.Background(), "audit.ping")
	defer span.End()
	if err := pool.Ping(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit: ping failed")
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}

	return &Log{pool: pool, tracer: tracer, latency: latency, active: active}, nil
}

// Close releases the underlying connection pool.
func (l *Log) Close() {
	l.pool.Close()
}

// Record inserts one fleet lifecycle event. detail is a free-form
// human-readable note (e.g. the roomId or a process's final stats).
func (l *Log) Record(ctx context.Context, event EventType, processID, detail string) error {
	start := time.Now()
	ctx, span := l.tracer.Start(ctx, "audit.record")
	defer func() {
		l.latency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("audit.event", string(event))))
		span.End()
	}()

	_, err := l.pool.Exec(ctx,
		`INSERT INTO fleet_events (event_type, process_id, detail, occurred_at) VALUES ($1, $2, $3, $4)`,
		string(event), processID, detail, time.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit: insert failed")
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Recent returns the last n events for processID, most recent first —
// used by an ops dashboard, not by any core matchmaking/room path.
func (l *Log) Recent(ctx context.Context, processID string, n int) ([]Event, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT event_type, process_id, detail, occurred_at FROM fleet_events
		 WHERE process_id = $1 ORDER BY occurred_at DESC LIMIT $2`,
		processID, n)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var et string
		if err := rows.Scan(&et, &e.ProcessID, &e.Detail, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.EventType = EventType(et)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Event is one row read back from the fleet_events table.
type Event struct {
	EventType  EventType
	ProcessID  string
	Detail     string
	OccurredAt time.Time
}
