package room

import (
	"context"
	"time"

	"github.com/dukepan/roomserver/internal/observability"
	"github.com/dukepan/roomserver/internal/serializer"
)

// flushPatch runs once per patchRateMS: it gives onBeforePatch a
// chance to react to the outgoing tick, asks the serializer whether
// any client-visible delta exists, and finally drains messages queued
// via BroadcastOptions.AfterNextPatch so they land in the same tick as
// the state they describe.
func (r *Room) flushPatch(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.PatchLatency.WithLabelValues(r.roomName).Observe(float64(time.Since(start).Milliseconds()))
	}()

	r.mu.Lock()
	if r.state != Created {
		r.mu.Unlock()
		return
	}
	clients := append([]*Client(nil), r.clients...)
	queued := r.afterNextPatch
	r.afterNextPatch = nil
	r.mu.Unlock()

	if r.hooks.OnBeforePatch != nil {
		if err := r.hooks.OnBeforePatch(ctx, r, nil); err != nil {
			r.logger.Error("onBeforePatch failed", "error", err, "room_id", r.roomID)
		}
	}

	serializerClients := make([]serializer.Client, len(clients))
	for i, c := range clients {
		serializerClients[i] = c
	}
	if changed, err := r.serializer.ApplyPatches(serializerClients, nil); err != nil {
		r.logger.Error("serializer ApplyPatches failed", "error", err, "room_id", r.roomID)
	} else if changed {
		r.logger.Debug("room state patched", "room_id", r.roomID, "clients", len(clients))
	}

	for _, pb := range queued {
		if err := r.deliver(pb.data, pb.except); err != nil {
			r.logger.Error("deferred broadcast delivery failed", "error", err, "room_id", r.roomID, "message_type", pb.messageType)
		}
	}
}
