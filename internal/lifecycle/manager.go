// Package lifecycle manages agent instance lifecycles: spawning,
// stopping, pausing/resuming, parent/child bookkeeping, and the
// restart-with-backoff scheduler that respawns crashed agents.
package lifecycle

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clove-kernel/clove/internal/agent"
	"github.com/clove-kernel/clove/internal/events"
	"github.com/clove-kernel/clove/internal/logger"
	"github.com/clove-kernel/clove/internal/permission"
	"github.com/clove-kernel/clove/internal/sandbox"
)

// Default restart tuning, used when a SpawnConfig doesn't set its own.
const (
	defaultMaxRestarts       = 5
	defaultRestartWindowSec  = 60
	defaultBackoffInitialMS  = 200
	defaultBackoffMaxMS      = 30000
	defaultBackoffMultiplier = 2.0
)

// RestartRecorder receives one observation whenever the manager
// schedules a restart. Satisfied by *metrics.Collector; nil means
// "not configured".
type RestartRecorder interface {
	RecordRestart(ctx context.Context)
}

// instance bundles an Agent record with its sandbox handle. The sandbox
// is nil until the first successful start; after that the last sandbox
// is kept (while Paused and after the process exits) until a restart
// replaces it.
type instance struct {
	mu      sync.Mutex
	agent   *agent.Agent
	sandbox *sandbox.Sandbox
}

// Manager owns every agent the kernel has spawned.
type Manager struct {
	mu       sync.RWMutex
	byID     map[uint32]*instance
	nextID   uint32
	cfg      sandbox.Config
	perms    *permission.Table
	eventBus events.Bus
	log      *logger.Logger
	metrics  RestartRecorder

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SetMetricsRecorder wires a restart observer in after construction,
// breaking the circular dependency between lifecycle and metrics (the
// metrics package reads the lifecycle Manager as one of its Sources).
func (m *Manager) SetMetricsRecorder(r RestartRecorder) {
	m.metrics = r
}

// New creates an empty Manager.
func New(cfg sandbox.Config, perms *permission.Table, eventBus events.Bus, log *logger.Logger) *Manager {
	return &Manager{
		byID:     make(map[uint32]*instance),
		cfg:      cfg,
		perms:    perms,
		eventBus: eventBus,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// allocID assigns the next agent id. IDs are never reused for the
// kernel's lifetime so stale references (a mailbox entry, an audit
// log line) are never silently reassigned to a different agent.
func (m *Manager) allocID() uint32 {
	return uint32(atomic.AddUint32(&m.nextID, 1))
}

// Spawn creates and starts a new agent under the given config,
// optionally as a child of parentID (0 = kernel-spawned).
func (m *Manager) Spawn(ctx context.Context, cfg agent.SpawnConfig, parentID uint32) (*agent.Agent, error) {
	id := m.allocID()

	a := &agent.Agent{
		ID:        id,
		Name:      cfg.Name,
		ParentID:  parentID,
		State:     agent.StateCreated,
		CreatedAt: time.Now(),
		Config:    cfg,
	}
	if cfg.Restart != nil {
		a.RestartState = agent.RestartState{WindowStart: a.CreatedAt}
	}

	inst := &instance{agent: a}
	m.mu.Lock()
	m.byID[id] = inst
	if parentID != 0 {
		if parent, ok := m.byID[parentID]; ok {
			parent.mu.Lock()
			parent.agent.Children = append(parent.agent.Children, id)
			parent.mu.Unlock()
		}
	}
	m.mu.Unlock()

	if err := m.start(inst); err != nil {
		inst.mu.Lock()
		a.State = agent.StateFailed
		inst.mu.Unlock()
		return a, err
	}

	m.eventBus.Emit(events.Event{Type: events.TypeAgentSpawned, SourceID: id})
	return a, nil
}

func (m *Manager) start(inst *instance) error {
	inst.mu.Lock()
	a := inst.agent
	a.State = agent.StateStarting
	cfg := a.Config
	inst.mu.Unlock()

	command := "python3"
	args := []string{cfg.Script}
	if !cfg.Python {
		command = cfg.Script
		args = nil
	}

	req := sandbox.IsolationRequest{
		PIDNamespace:     cfg.Sandboxed,
		MountNamespace:   cfg.Sandboxed,
		UTSNamespace:     cfg.Sandboxed,
		NetworkNamespace: cfg.Sandboxed && !cfg.Network,
		MemoryBytes:      cfg.Memory,
		CPUQuotaUS:       cfg.CPUQuota,
		CPUPeriodUS:      100000,
		MaxPids:          cfg.MaxPids,
	}
	sb, err := sandbox.New(m.cfg, fmt.Sprintf("agent-%d", a.ID), command, args, os.Environ(), req, m.log)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	inst.sandbox = sb
	a.Pid = sb.Pid()
	a.State = agent.StateRunning
	inst.mu.Unlock()
	return nil
}

// Get returns the agent record for id, if it exists.
func (m *Manager) Get(id uint32) (*agent.Agent, bool) {
	m.mu.RLock()
	inst, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	cp := *inst.agent
	return &cp, true
}

// List returns a snapshot of every tracked agent.
func (m *Manager) List() []agent.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]agent.Agent, 0, len(m.byID))
	for _, inst := range m.byID {
		inst.mu.Lock()
		out = append(out, *inst.agent)
		inst.mu.Unlock()
	}
	return out
}

// Pause suspends agent id by sending SIGSTOP to its sandboxed process.
func (m *Manager) Pause(id uint32) error {
	inst, sb, err := m.lookupRunning(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	if !inst.agent.CanPause() {
		inst.mu.Unlock()
		return fmt.Errorf("lifecycle: agent %d cannot pause from state %s", id, inst.agent.State)
	}
	inst.agent.State = agent.StatePaused
	inst.mu.Unlock()

	if err := sb.Signal(sigStop); err != nil {
		return fmt.Errorf("lifecycle: pausing agent %d: %w", id, err)
	}
	m.eventBus.Emit(events.Event{Type: events.TypeAgentPaused, SourceID: id})
	return nil
}

// Resume continues a paused agent by sending SIGCONT.
func (m *Manager) Resume(id uint32) error {
	inst, sb, err := m.lookup(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	if !inst.agent.CanResume() {
		inst.mu.Unlock()
		return fmt.Errorf("lifecycle: agent %d cannot resume from state %s", id, inst.agent.State)
	}
	inst.agent.State = agent.StateRunning
	inst.mu.Unlock()

	if err := sb.Signal(sigCont); err != nil {
		return fmt.Errorf("lifecycle: resuming agent %d: %w", id, err)
	}
	m.eventBus.Emit(events.Event{Type: events.TypeAgentResumed, SourceID: id})
	return nil
}

// Stop gracefully stops agent id, escalating to SIGKILL after timeout.
// Stopping an agent also stops every live child, recursively.
func (m *Manager) Stop(ctx context.Context, id uint32, timeout time.Duration) error {
	m.mu.RLock()
	inst, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("lifecycle: unknown agent %d", id)
	}

	inst.mu.Lock()
	if !inst.agent.CanStop() {
		state := inst.agent.State
		inst.mu.Unlock()
		if state == agent.StateStopped {
			return nil
		}
		return fmt.Errorf("lifecycle: agent %d cannot stop from state %s", id, state)
	}
	inst.agent.State = agent.StateStopping
	children := append([]uint32{}, inst.agent.Children...)
	sb := inst.sandbox
	inst.mu.Unlock()

	for _, childID := range children {
		_ = m.Stop(ctx, childID, timeout)
	}

	if sb != nil {
		if err := sb.Stop(ctx, timeout); err != nil {
			return fmt.Errorf("lifecycle: stopping agent %d: %w", id, err)
		}
		inst.mu.Lock()
		inst.agent.ExitCode = sb.ExitCode()
		inst.mu.Unlock()
	}

	inst.mu.Lock()
	inst.agent.State = agent.StateStopped
	inst.mu.Unlock()

	m.perms.Remove(id)
	m.eventBus.RemoveAgent(id)
	m.eventBus.Emit(events.Event{Type: events.TypeAgentExited, SourceID: id})
	return nil
}

func (m *Manager) lookup(id uint32) (*instance, *sandbox.Sandbox, error) {
	m.mu.RLock()
	inst, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("lifecycle: unknown agent %d", id)
	}
	inst.mu.Lock()
	sb := inst.sandbox
	inst.mu.Unlock()
	if sb == nil {
		return nil, nil, fmt.Errorf("lifecycle: agent %d has no running process", id)
	}
	return inst, sb, nil
}

func (m *Manager) lookupRunning(id uint32) (*instance, *sandbox.Sandbox, error) {
	return m.lookup(id)
}

// Close waits for any in-flight restart goroutines to notice
// shutdown and exit.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

// ReapOnce performs one non-blocking liveness sweep over every live
// agent, applying the restart policy to anything found dead. The
// reactor calls this once per maintenance tick — reaping is not
// itself a blocking operation, so it stays on the single cooperative
// event-loop thread; only the restart delay itself (backoffDelay) is
// pushed onto a helper goroutine, per spec's concurrency model.
func (m *Manager) ReapOnce() {
	m.mu.RLock()
	insts := make([]*instance, 0, len(m.byID))
	for _, inst := range m.byID {
		insts = append(insts, inst)
	}
	m.mu.RUnlock()

	for _, inst := range insts {
		inst.mu.Lock()
		sb := inst.sandbox
		state := inst.agent.State
		inst.mu.Unlock()
		if sb == nil || (state != agent.StateRunning && state != agent.StatePaused) {
			continue
		}
		if sb.IsRunning() {
			continue
		}
		m.handleExit(inst, sb.ExitCode())
	}
}

func (m *Manager) handleExit(inst *instance, exitCode int) {
	inst.mu.Lock()
	a := inst.agent
	a.ExitCode = exitCode
	restart := a.Config.Restart
	failed := exitCode != 0
	a.State = agent.StateStopped
	inst.mu.Unlock()

	m.eventBus.Emit(events.Event{Type: events.TypeAgentExited, SourceID: a.ID})

	if restart == nil || restart.Policy == agent.RestartNever {
		return
	}
	if restart.Policy == agent.RestartOnFailure && !failed {
		return
	}
	m.scheduleRestart(inst)
}

// scheduleRestart applies the exponential-backoff restart window:
// restarts are counted within a rolling window (RestartWindowSec); a
// count exceeding MaxRestarts within the window escalates instead of
// retrying again.
func (m *Manager) scheduleRestart(inst *instance) {
	inst.mu.Lock()
	a := inst.agent
	restart := a.Config.Restart
	now := time.Now()

	windowSec := restart.RestartWindowSec
	if windowSec <= 0 {
		windowSec = defaultRestartWindowSec
	}
	if now.Sub(a.RestartState.WindowStart) > time.Duration(windowSec)*time.Second {
		a.RestartState.WindowStart = now
		a.RestartState.RestartCount = 0
		a.RestartState.ConsecutiveFailures = 0
	}
	a.RestartState.RestartCount++
	a.RestartState.ConsecutiveFailures++

	maxRestarts := restart.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = defaultMaxRestarts
	}
	if a.RestartState.RestartCount > maxRestarts {
		a.State = agent.StateFailed
		inst.mu.Unlock()
		m.eventBus.Emit(events.Event{Type: events.TypeAgentEscalated, SourceID: a.ID})
		m.log.WithAgentID(a.ID).Warn("lifecycle: restart budget exhausted, escalating")
		return
	}

	delay := backoffDelay(restart, a.RestartState.ConsecutiveFailures)
	inst.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordRestart(context.Background())
	}
	m.eventBus.Emit(events.Event{Type: events.TypeAgentRestarting, SourceID: a.ID})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-m.stopCh:
			return
		case <-time.After(delay):
		}
		if err := m.start(inst); err != nil {
			m.log.WithAgentID(a.ID).WithError(err).Warn("lifecycle: restart attempt failed")
			inst.mu.Lock()
			inst.agent.State = agent.StateFailed
			inst.mu.Unlock()
		}
	}()
}

func backoffDelay(restart *agent.RestartConfig, attempt int) time.Duration {
	initial := restart.BackoffInitialMS
	if initial <= 0 {
		initial = defaultBackoffInitialMS
	}
	max := restart.BackoffMaxMS
	if max <= 0 {
		max = defaultBackoffMaxMS
	}
	mult := restart.BackoffMultiplier
	if mult <= 0 {
		mult = defaultBackoffMultiplier
	}
	ms := float64(initial) * math.Pow(mult, float64(attempt-1))
	if ms > float64(max) {
		ms = float64(max)
	}
	return time.Duration(ms) * time.Millisecond
}
