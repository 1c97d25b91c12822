package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clove-kernel/clove/internal/agent"
)

type limitsPayload struct {
	Memory   int64 `json:"memory"`
	MaxPids  int64 `json:"max_pids"`
	CPUQuota int64 `json:"cpu_quota"`
}

type restartPayload struct {
	Policy            agent.RestartPolicy `json:"policy"`
	MaxRestarts       int                 `json:"max_restarts"`
	RestartWindowSec  int                 `json:"restart_window_sec"`
	BackoffInitialMS  int                 `json:"backoff_initial_ms"`
	BackoffMaxMS      int                 `json:"backoff_max_ms"`
	BackoffMultiplier float64             `json:"backoff_multiplier"`
}

type spawnRequest struct {
	Name      string          `json:"name"`
	Script    string          `json:"script"`
	Python    bool            `json:"python"`
	Sandboxed bool            `json:"sandboxed"`
	Network   bool            `json:"network"`
	Limits    *limitsPayload  `json:"limits"`
	Restart   *restartPayload `json:"restart"`
}

func handleSpawn(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req spawnRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid SPAWN payload: %v", err)
	}
	if req.Name == "" || req.Script == "" {
		return nil, reqErr("SPAWN requires name and script")
	}
	if _, ok := d.Registry.Resolve(req.Name); ok {
		return nil, resErr("name %q already in use by a live agent", req.Name)
	}

	cfg := agent.SpawnConfig{
		Name: req.Name, Script: req.Script, Python: req.Python,
		Sandboxed: req.Sandboxed, Network: req.Network,
	}
	if req.Limits != nil {
		cfg.Memory = req.Limits.Memory
		cfg.MaxPids = req.Limits.MaxPids
		cfg.CPUQuota = req.Limits.CPUQuota
	}
	if req.Restart != nil {
		cfg.Restart = &agent.RestartConfig{
			Policy: req.Restart.Policy, MaxRestarts: req.Restart.MaxRestarts,
			RestartWindowSec: req.Restart.RestartWindowSec, BackoffInitialMS: req.Restart.BackoffInitialMS,
			BackoffMaxMS: req.Restart.BackoffMaxMS, BackoffMultiplier: req.Restart.BackoffMultiplier,
		}
	}

	a, err := d.Lifecycle.Spawn(ctx, cfg, agentID)
	if err != nil {
		return nil, resErr("spawn failed: %v", err)
	}
	if err := d.Registry.Register(req.Name, a.ID); err != nil {
		return nil, resErr("registering name: %v", err)
	}
	return map[string]any{"id": a.ID, "name": a.Name, "pid": a.Pid, "status": "running"}, nil
}

type killRequest struct {
	ID            uint32 `json:"id"`
	Name          string `json:"name"`
	StopTimeoutMS int    `json:"stop_timeout_ms"`
}

func handleKill(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req killRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid KILL payload: %v", err)
	}
	id := req.ID
	if id == 0 && req.Name != "" {
		resolved, ok := d.Registry.Resolve(req.Name)
		if !ok {
			return nil, resErr("unknown agent name %q", req.Name)
		}
		id = resolved
	}
	timeout := time.Duration(req.StopTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = d.StopTimeout
	}
	if err := d.Lifecycle.Stop(ctx, id, timeout); err != nil {
		return nil, resErr("kill failed: %v", err)
	}
	d.Registry.Unregister(id)
	return map[string]any{"killed": true}, nil
}

func handleList(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	return d.Lifecycle.List(), nil
}

type pauseResumeRequest struct {
	ID uint32 `json:"id"`
}

func handlePause(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req pauseResumeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid PAUSE payload: %v", err)
	}
	if err := d.Lifecycle.Pause(req.ID); err != nil {
		return nil, resErr("pause failed: %v", err)
	}
	return map[string]any{"paused": true}, nil
}

func handleResume(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req pauseResumeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid RESUME payload: %v", err)
	}
	if err := d.Lifecycle.Resume(req.ID); err != nil {
		return nil, resErr("resume failed: %v", err)
	}
	return map[string]any{"resumed": true}, nil
}
