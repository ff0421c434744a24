// Package ipc implements the request/reply protocol layered on top of
// presence.Presence: per-process inboxes (p:<processId>), per-room
// inboxes ($<roomId>), and single-use reply channels (ipc:<requestId>).
// It is the transport remoteRoomCall and the create path's
// cross-process dispatch use.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukepan/roomserver/internal/observability"
	"github.com/dukepan/roomserver/internal/presence"
	"github.com/dukepan/roomserver/internal/roomerr"
)

// Recommended timeout bounds: short for health checks, long for
// create/reserve calls that may need to instantiate a room.
const (
	ShortTimeout = time.Second
	LongTimeout  = 5 * time.Second
)

const (
	codeSuccess = "SUCCESS"
	codeError   = "ERROR"
)

// requestFrame is the wire shape published on the destination topic.
type requestFrame struct {
	Method    string          `json:"method"`
	RequestID string          `json:"requestId"`
	Args      json.RawMessage `json:"args"`
}

// replyFrame is the wire shape published on ipc:<requestId>.
type replyFrame struct {
	Code    string          `json:"code"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

// HandlerFunc processes one inbound method call and returns a JSON-able
// result or an error. Returning an error produces an ERROR reply frame
// carrying err.Error() — never the error's object identity.
type HandlerFunc func(ctx context.Context, method string, args json.RawMessage) (interface{}, error)

// ProcessTopic and RoomTopic build the two addressable inbox topics the
// core uses.
func ProcessTopic(processID string) string { return "p:" + processID }
func RoomTopic(roomID string) string       { return "$" + roomID }
func replyTopic(requestID string) string   { return "ipc:" + requestID }

// Bus is the request/reply façade over a Presence instance.
type Bus struct {
	presence presence.Presence
	tracer   trace.Tracer
	calls    metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewBus wraps p with OpenTelemetry instrumentation matching the rest
// of the core's Presence/Driver call sites.
func NewBus(p presence.Presence) *Bus {
	meter := otel.Meter("ipc")
	calls, _ := meter.Int64Counter("ipc.calls")
	latency, _ := meter.Float64Histogram("ipc.latency", metric.WithUnit("ms"))
	return &Bus{presence: p, tracer: otel.Tracer("ipc"), calls: calls, latency: latency}
}

// Serve subscribes to topic and dispatches every request frame received
// on it to handler, publishing the result as a reply frame. It returns
// a stop function; callers typically run it for the lifetime of a
// process inbox or a room inbox. Each frame is dispatched in its own
// goroutine so a slow/suspended handler doesn't block the inbox.
func (b *Bus) Serve(ctx context.Context, topic string, handler HandlerFunc) (stop func(), err error) {
	sub, err := b.presence.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("ipc: subscribe %s: %w", topic, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				go b.dispatch(ctx, handler, msg.Payload)
			}
		}
	}()

	return func() {
		close(done)
		_ = sub.Unsubscribe()
	}, nil
}

func (b *Bus) dispatch(ctx context.Context, handler HandlerFunc, raw []byte) {
	var req requestFrame
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	ctx, span := b.tracer.Start(ctx, "ipc.dispatch", trace.WithAttributes(
		attribute.String("ipc.method", req.Method),
		attribute.String("ipc.request_id", req.RequestID),
	))
	defer span.End()

	result, err := handler(ctx, req.Method, req.Args)
	reply := replyFrame{Code: codeSuccess}
	if err != nil {
		reply.Code = codeError
		reply.Message = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler error")
	} else if result != nil {
		payload, merr := json.Marshal(result)
		if merr != nil {
			reply.Code = codeError
			reply.Message = merr.Error()
		} else {
			reply.Payload = payload
		}
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = b.presence.Publish(ctx, replyTopic(req.RequestID), data)
}

// Request performs one correlated round trip: subscribe to the reply
// channel, publish the request frame, wait for either a reply or
// timeout. The reply subscription is always torn down before Request
// returns, so a reply arriving after a timeout is dropped silently by
// virtue of nothing listening for it anymore.
func (b *Bus) Request(ctx context.Context, topic, method string, args interface{}, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "ipc.request", trace.WithAttributes(
		attribute.String("ipc.method", method),
		attribute.String("ipc.topic", topic),
	))
	defer span.End()
	if b.calls != nil {
		defer func() {
			b.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("ipc.method", method)))
		}()
	}

	requestID := uuid.NewString()
	replySub, err := b.presence.Subscribe(ctx, replyTopic(requestID))
	if err != nil {
		return nil, fmt.Errorf("ipc: subscribe reply channel: %w", err)
	}
	defer replySub.Unsubscribe()

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("ipc: marshal args: %w", err)
	}
	frame, err := json.Marshal(requestFrame{Method: method, RequestID: requestID, Args: argsJSON})
	if err != nil {
		return nil, fmt.Errorf("ipc: marshal request: %w", err)
	}

	if err := b.presence.Publish(ctx, topic, frame); err != nil {
		return nil, fmt.Errorf("ipc: publish request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-replySub.Channel():
		roundTrip := float64(time.Since(start).Milliseconds())
		if b.latency != nil {
			b.latency.Record(ctx, roundTrip)
		}
		observability.IPCRoundTrip.WithLabelValues(method).Observe(roundTrip)
		var reply replyFrame
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return nil, fmt.Errorf("ipc: unmarshal reply: %w", err)
		}
		if reply.Code == codeError {
			span.SetStatus(codes.Error, reply.Message)
			return nil, fmt.Errorf("%w: %s", roomerr.ErrMatchmaking, reply.Message)
		}
		return reply.Payload, nil
	case <-timer.C:
		span.SetStatus(codes.Error, "timeout")
		return nil, roomerr.ErrIpcTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
