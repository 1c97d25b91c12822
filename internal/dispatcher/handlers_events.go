package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/clove-kernel/clove/internal/events"
)

type subscribeRequest struct {
	Types []events.Type `json:"types"`
}

func handleSubscribe(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req subscribeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid SUBSCRIBE payload: %v", err)
	}
	d.Events.Subscribe(agentID, req.Types...)
	return map[string]any{"success": true}, nil
}

func handleUnsubscribe(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req subscribeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid UNSUBSCRIBE payload: %v", err)
	}
	d.Events.Unsubscribe(agentID, req.Types...)
	return map[string]any{"success": true}, nil
}

type pollEventsRequest struct {
	Max int `json:"max"`
}

func handlePollEvents(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req pollEventsRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, reqErr("invalid POLL_EVENTS payload: %v", err)
		}
	}
	return map[string]any{"events": d.Events.Poll(agentID, req.Max)}, nil
}

type emitRequest struct {
	Type events.Type     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func handleEmit(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req emitRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid EMIT payload: %v", err)
	}
	if req.Type == "" {
		req.Type = events.TypeCustom
	}
	d.Events.Emit(events.Event{Type: req.Type, SourceID: agentID, Data: req.Data})
	return map[string]any{"success": true}, nil
}
