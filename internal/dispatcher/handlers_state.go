package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clove-kernel/clove/internal/events"
	"github.com/clove-kernel/clove/internal/state"
)

type storeRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	Scope state.Scope     `json:"scope"`
	TTLMS int             `json:"ttl_ms"`
}

func handleStore(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req storeRequest
	req.Scope = state.ScopeAgent
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid STORE payload: %v", err)
	}
	if req.Key == "" {
		return nil, reqErr("STORE requires key")
	}
	d.State.Store(req.Key, req.Value, agentID, req.Scope, time.Duration(req.TTLMS)*time.Millisecond)
	d.Events.Emit(events.Event{
		Type: events.TypeStateChanged, SourceID: agentID,
		Data: mustJSON(map[string]any{"key": req.Key, "scope": req.Scope, "op": "store"}),
	})
	return map[string]any{"success": true}, nil
}

type fetchRequest struct {
	Key string `json:"key"`
}

func handleFetch(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req fetchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid FETCH payload: %v", err)
	}
	e, ok := d.State.Fetch(req.Key, agentID)
	if !ok {
		return map[string]any{"success": false, "not_found": true}, nil
	}
	return map[string]any{"success": true, "value": e.Value}, nil
}

type deleteRequest struct {
	Key string `json:"key"`
}

func handleDelete(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req deleteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid DELETE payload: %v", err)
	}
	ok := d.State.Delete(req.Key, agentID)
	if ok {
		d.Events.Emit(events.Event{
			Type: events.TypeStateChanged, SourceID: agentID,
			Data: mustJSON(map[string]any{"key": req.Key, "op": "delete"}),
		})
	}
	return map[string]any{"success": ok}, nil
}

type keysRequest struct {
	Prefix string `json:"prefix"`
}

func handleKeys(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req keysRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, reqErr("invalid KEYS payload: %v", err)
		}
	}
	return map[string]any{"keys": d.State.Keys(req.Prefix, agentID)}, nil
}
