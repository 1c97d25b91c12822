package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/clove-kernel/clove/internal/permission"
)

func handleGetPerms(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	return d.Perms.Get(agentID), nil
}

type setPermsRequest struct {
	AgentID     uint32               `json:"agent_id"`
	Preset      *permission.Preset   `json:"preset"`
	Permissions *permission.Permissions `json:"permissions"`
}

func handleSetPerms(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req setPermsRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid SET_PERMS payload: %v", err)
	}
	if req.AgentID == 0 {
		req.AgentID = agentID
	}
	if req.AgentID != agentID {
		caller := d.Perms.Get(agentID)
		if !caller.CanSpawn {
			return nil, permErr("Permission denied: only can_spawn agents may set another agent's permissions")
		}
	}
	switch {
	case req.Permissions != nil:
		d.Perms.Set(req.AgentID, *req.Permissions)
	case req.Preset != nil:
		d.Perms.Set(req.AgentID, permission.New(*req.Preset))
	default:
		return nil, reqErr("SET_PERMS requires preset or permissions")
	}
	return map[string]any{"success": true}, nil
}
