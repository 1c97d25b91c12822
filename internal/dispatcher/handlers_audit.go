package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/clove-kernel/clove/internal/audit"
)

type getAuditLogRequest struct {
	Category *audit.Category `json:"category"`
	AgentID  *uint32         `json:"agent_id"`
	SinceID  uint64          `json:"since_id"`
	Limit    int             `json:"limit"`
}

func handleGetAuditLog(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req getAuditLogRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, reqErr("invalid GET_AUDIT_LOG payload: %v", err)
		}
	}
	return map[string]any{"entries": d.Audit.Query(req.Category, req.AgentID, req.SinceID, req.Limit)}, nil
}

type setAuditConfigRequest struct {
	Category audit.Category `json:"category"`
	Enabled  bool           `json:"enabled"`
}

func handleSetAuditConfig(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req setAuditConfigRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid SET_AUDIT_CONFIG payload: %v", err)
	}
	d.Audit.SetEnabled(req.Category, req.Enabled)
	return map[string]any{"success": true}, nil
}
