package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/clove-kernel/clove/internal/llm"
)

func handleNoop(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	return json.RawMessage(payload), nil
}

type thinkRequest struct {
	Model       string          `json:"model"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Prompt      json.RawMessage `json:"prompt"`
}

func handleThink(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req thinkRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, reqErr("invalid THINK payload: %v", err)
		}
	}
	perm := d.Perms.Get(agentID)
	estimated := int64(req.MaxTokens)
	if !perm.CanUseLLM(estimated) {
		return nil, permErr("Permission denied: LLM quota exhausted")
	}

	resp, err := d.LLM.Think(ctx, llm.Request{
		Model: req.Model, Temperature: req.Temperature, MaxTokens: req.MaxTokens,
		Prompt: req.Prompt, AgentID: agentID,
	})
	if err != nil {
		if d.MetricsRecorder != nil {
			d.MetricsRecorder.RecordLLMCall(ctx, 0)
		}
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	perm.RecordLLMUsage(resp.Tokens)
	if d.MetricsRecorder != nil {
		d.MetricsRecorder.RecordLLMCall(ctx, resp.Tokens)
	}
	return resp, nil
}

type execRequest struct {
	Command string `json:"command"`
	Args    []string `json:"args"`
	TimeoutMS int `json:"timeout_ms"`
}

func handleExec(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req execRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid EXEC payload: %v", err)
	}
	perm := d.Perms.Get(agentID)
	full := req.Command
	if !perm.CanExecuteCommand(full) {
		d.Events.Emit(syscallBlockedEvent(agentID, "EXEC", "command blocked"))
		return nil, permErr("Permission denied: command not allowed")
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// Run in its own process group so a timeout can kill every child the
	// command spawned, not just the directly-exec'd process.
	cmd := exec.Command(req.Command, req.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return map[string]any{"success": false, "error": err.Error(), "exit_code": -1}, nil
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-time.After(timeout):
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-waitErr
		return map[string]any{"success": false, "error": "timeout"}, nil
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-waitErr
		return map[string]any{"success": false, "error": "timeout"}, nil
	case err := <-waitErr:
		result := map[string]any{"output": out.String()}
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				result["exit_code"] = exitErr.ExitCode()
			} else {
				result["exit_code"] = -1
			}
			result["success"] = false
			result["error"] = err.Error()
		} else {
			result["success"] = true
			result["exit_code"] = 0
		}
		return result, nil
	}
}

type readRequest struct {
	Path string `json:"path"`
}

func handleRead(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req readRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid READ payload: %v", err)
	}
	perm := d.Perms.Get(agentID)
	if !perm.CanReadPath(req.Path) {
		d.Events.Emit(syscallBlockedEvent(agentID, "READ", "path blocked"))
		return nil, permErr("Permission denied: path not allowed for reading")
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	return map[string]any{"success": true, "content": string(data)}, nil
}

type writeRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Append  bool   `json:"append"`
}

func handleWrite(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError) {
	var req writeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, reqErr("invalid WRITE payload: %v", err)
	}
	perm := d.Perms.Get(agentID)
	if !perm.CanWritePath(req.Path) {
		d.Events.Emit(syscallBlockedEvent(agentID, "WRITE", "path blocked"))
		return nil, permErr("Permission denied: path not allowed for writing")
	}
	flags := os.O_CREATE | os.O_WRONLY
	if req.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(req.Path, flags, 0644)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	defer f.Close()
	if _, err := f.WriteString(req.Content); err != nil {
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	return map[string]any{"success": true}, nil
}
