// Package llm implements Clove's LLM gateway: a single long-lived
// worker subprocess speaking one JSON object per line on stdin/stdout,
// serialized FIFO across every agent's THINK calls.
package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clove-kernel/clove/internal/logger"
)

// Config is the kernel-configured defaults filled into a THINK
// request before it is forwarded to the worker.
type Config struct {
	WorkerCommand string
	WorkerArgs    []string
	DefaultModel  string
	DefaultTemp   float64
	DefaultTokens int
}

// Request is one THINK call, already defaulted.
type Request struct {
	Model       string          `json:"model"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Prompt      json.RawMessage `json:"prompt"`
	AgentID     uint32          `json:"agent_id"`
}

// Response is the worker's reply, or a synthesized failure if the
// worker died mid-call.
type Response struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Tokens  int64  `json:"tokens,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Gateway owns the worker process and serializes every Think call
// through it one at a time.
type Gateway struct {
	mu     sync.Mutex // serializes the whole request/response round trip
	cfg    Config
	log    *logger.Logger
	cmd    *exec.Cmd
	stdin  *bufio.Writer
	stdout *bufio.Reader
	closer func() error

	// reader is the worker's one long-lived stdout-reading helper
	// thread, matching the reactor's "bounded goroutine lifecycle"
	// pattern: an errgroup tied to a per-worker context that is
	// cancelled whenever the worker is torn down.
	reader       *errgroup.Group
	readerCancel context.CancelFunc
	lines        chan []byte
}

// New creates a Gateway. The worker is not started until the first
// Think call, per spec's lazy-launch requirement.
func New(cfg Config, log *logger.Logger) *Gateway {
	return &Gateway{cfg: cfg, log: log}
}

// Think forwards req (after defaulting) to the worker and returns its
// reply. Only one Think call is in flight at a time across the whole
// gateway; callers queue on the mutex in arrival order, giving FIFO
// fairness across agents.
func (g *Gateway) Think(ctx context.Context, req Request) (Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if req.Model == "" {
		req.Model = g.cfg.DefaultModel
	}
	if req.Temperature == 0 {
		req.Temperature = g.cfg.DefaultTemp
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = g.cfg.DefaultTokens
	}

	if g.cmd == nil {
		if err := g.spawnLocked(); err != nil {
			return Response{}, fmt.Errorf("llm: spawning worker: %w", err)
		}
	}

	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("llm: marshaling request: %w", err)
	}
	line = append(line, '\n')

	if _, err := g.stdin.Write(line); err != nil || g.stdin.Flush() != nil {
		g.killLocked()
		return Response{}, fmt.Errorf("llm: worker write failed, respawning next call: %w", err)
	}

	select {
	case <-ctx.Done():
		g.killLocked()
		return Response{}, ctx.Err()
	case raw, ok := <-g.lines:
		if !ok {
			g.killLocked()
			return Response{}, fmt.Errorf("llm: worker died mid-call, will respawn next call")
		}
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			g.killLocked()
			return Response{}, fmt.Errorf("llm: decoding worker response: %w", err)
		}
		return resp, nil
	}
}

func (g *Gateway) spawnLocked() error {
	command := g.cfg.WorkerCommand
	if command == "" {
		command = "llm_service"
	}
	cmd := exec.Command(command, g.cfg.WorkerArgs...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	g.cmd = cmd
	g.stdin = bufio.NewWriter(stdin)
	g.stdout = bufio.NewReader(stdout)
	g.closer = func() error {
		_ = stdin.Close()
		return cmd.Process.Kill()
	}

	readerCtx, cancel := context.WithCancel(context.Background())
	eg, _ := errgroup.WithContext(readerCtx)
	lines := make(chan []byte)
	stdout2 := g.stdout
	eg.Go(func() error {
		defer close(lines)
		for {
			raw, err := stdout2.ReadBytes('\n')
			if err != nil {
				return err
			}
			select {
			case lines <- raw:
			case <-readerCtx.Done():
				return readerCtx.Err()
			}
		}
	})
	g.reader = eg
	g.readerCancel = cancel
	g.lines = lines
	return nil
}

// killLocked tears down a dead or misbehaving worker so the next
// Think call respawns it. Caller must hold g.mu.
func (g *Gateway) killLocked() {
	if g.closer != nil {
		if err := g.closer(); err != nil {
			g.log.WithError(err).Debug("llm: worker teardown error, ignoring")
		}
	}
	if g.readerCancel != nil {
		g.readerCancel()
	}
	g.cmd = nil
	g.stdin = nil
	g.stdout = nil
	g.closer = nil
	g.reader = nil
	g.readerCancel = nil
	g.lines = nil
}

// Close shuts down the worker, if running.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killLocked()
}

// shutdownTimeout is a two-second grace period that Close does not use:
// Close kills the worker immediately.
const shutdownTimeout = 2 * time.Second
