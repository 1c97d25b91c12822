package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/clove-kernel/clove/internal/record"
)

func handleRecordStart(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	d.Record.Start()
	return map[string]any{"state": d.Record.State()}, nil
}

func handleRecordStop(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	d.Record.Stop()
	return map[string]any{"state": d.Record.State()}, nil
}

func handleRecordStatus(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	return map[string]any{"state": d.Record.State(), "entries": len(d.Record.Export())}, nil
}

type replayStartRequest struct {
	Entries []record.Entry `json:"entries"`
}

func handleReplayStart(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req replayStartRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid REPLAY_START payload: %v", err)
	}
	d.Record.LoadReplay(req.Entries)
	state, cursor, total := d.Record.ReplayStatus()
	return map[string]any{"state": state, "cursor": cursor, "total": total}, nil
}

func handleReplayStatus(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	state, cursor, total := d.Record.ReplayStatus()
	return map[string]any{"state": state, "cursor": cursor, "total": total}, nil
}
