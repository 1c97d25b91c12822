package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/clove-kernel/clove/internal/events"
	"github.com/clove-kernel/clove/internal/ipc"
)

// mailboxDropWarnings debounces ResourceWarning events for mailbox
// overflow to at most one per target per second, matching the events
// bus's own debounce for its queue overflow.
var mailboxDropWarnings struct {
	mu      sync.Mutex
	lastAt  map[uint32]time.Time
}

func warnMailboxDropped(d *Dispatcher, target uint32) {
	mailboxDropWarnings.mu.Lock()
	if mailboxDropWarnings.lastAt == nil {
		mailboxDropWarnings.lastAt = make(map[uint32]time.Time)
	}
	now := time.Now()
	if now.Sub(mailboxDropWarnings.lastAt[target]) < time.Second {
		mailboxDropWarnings.mu.Unlock()
		return
	}
	mailboxDropWarnings.lastAt[target] = now
	mailboxDropWarnings.mu.Unlock()

	d.Events.Emit(events.Event{
		Type:     events.TypeResourceWarning,
		TargetID: target,
		Data:     json.RawMessage(`{"reason":"mailbox full","dropped_oldest":true}`),
	})
}

type sendRequest struct {
	To      *uint32         `json:"to"`
	ToName  string          `json:"to_name"`
	Message json.RawMessage `json:"message"`
}

func handleSend(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req sendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid SEND payload: %v", err)
	}
	var target uint32
	if req.To != nil {
		target = *req.To
	} else if req.ToName != "" {
		resolved, ok := d.Registry.Resolve(req.ToName)
		if !ok {
			return map[string]any{"success": false, "error": "unknown recipient name"}, nil
		}
		target = resolved
	} else {
		return map[string]any{"success": false, "error": "to or to_name required"}, nil
	}

	senderName, _ := d.Registry.NameOf(agentID)
	dropped := d.Mailboxes.Send(target, ipc.Message{
		FromID: agentID, FromName: senderName, Body: req.Message, EnqueuedAt: time.Now(),
	})
	if dropped {
		warnMailboxDropped(d, target)
	}
	d.Events.Emit(events.Event{Type: events.TypeMessageReceived, SourceID: agentID, TargetID: target, Data: req.Message})
	return map[string]any{"success": true, "dropped_oldest": dropped}, nil
}

type recvRequest struct {
	Max int `json:"max"`
}

func handleRecv(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req recvRequest
	req.Max = 10
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, reqErr("invalid RECV payload: %v", err)
		}
	}
	msgs := d.Mailboxes.Recv(agentID, req.Max)
	now := time.Now()
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"from_id": m.FromID, "from_name": m.FromName, "message": m.Body,
			"age_ms": now.Sub(m.EnqueuedAt).Milliseconds(),
		})
	}
	return map[string]any{"messages": out}, nil
}

type broadcastRequest struct {
	Message     json.RawMessage `json:"message"`
	IncludeSelf bool            `json:"include_self"`
}

func handleBroadcast(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req broadcastRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid BROADCAST payload: %v", err)
	}
	count := 0
	for _, id := range d.Registry.AllIDs() {
		if id == agentID && !req.IncludeSelf {
			continue
		}
		name, _ := d.Registry.NameOf(agentID)
		if d.Mailboxes.Send(id, ipc.Message{FromID: agentID, FromName: name, Body: req.Message, EnqueuedAt: time.Now()}) {
			warnMailboxDropped(d, id)
		}
		d.Events.Emit(events.Event{Type: events.TypeMessageReceived, SourceID: agentID, TargetID: id, Data: req.Message})
		count++
	}
	return map[string]any{"delivered": count}, nil
}

type registerRequest struct {
	Name string `json:"name"`
}

func handleRegister(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req registerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid REGISTER payload: %v", err)
	}
	if err := d.Registry.Register(req.Name, agentID); err != nil {
		return map[string]any{"success": false, "error": "name already registered"}, nil
	}
	return map[string]any{"success": true}, nil
}
