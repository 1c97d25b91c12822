package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/clove-kernel/clove/internal/wire"
)

// handleWorld, handleTunnel, and handleMetrics delegate to optional
// collaborators that live outside the kernel core proper (the
// world-simulation layer, the tunnel transport, and the metrics
// exporter). Absent a configured collaborator the opcode fails with
// KindResource rather than panicking or silently no-opping.

type opcodeCtxKey struct{}

func withOpcode(ctx context.Context, op wire.Opcode) context.Context {
	return context.WithValue(ctx, opcodeCtxKey{}, op)
}

func currentOpcode(ctx context.Context) wire.Opcode {
	op, _ := ctx.Value(opcodeCtxKey{}).(wire.Opcode)
	return op
}

func handleWorld(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	if d.World == nil {
		return nil, resErr("world-simulation layer is not configured")
	}
	out, err := d.World.Handle(ctx, currentOpcode(ctx), agentID, payload)
	if err != nil {
		return nil, reqErr("world handler: %v", err)
	}
	return out, nil
}

func handleTunnel(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	if d.Tunnel == nil {
		return nil, resErr("tunnel is not configured")
	}
	out, err := d.Tunnel.Handle(ctx, currentOpcode(ctx), agentID, payload)
	if err != nil {
		return nil, reqErr("tunnel handler: %v", err)
	}
	return out, nil
}

func handleMetrics(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	if d.Metrics == nil {
		return nil, resErr("metrics exporter is not configured")
	}
	out, err := d.Metrics.Handle(ctx, currentOpcode(ctx), agentID, payload)
	if err != nil {
		return nil, reqErr("metrics handler: %v", err)
	}
	return out, nil
}
