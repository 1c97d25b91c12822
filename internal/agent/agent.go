// Package agent defines the kernel's agent data model: identity,
// lifecycle state, and the bookkeeping the lifecycle manager needs to
// restart a crashed agent.
package agent

import "time"

// State is a lifecycle state in the Created -> Starting -> Running <->
// Paused -> Stopping -> Stopped state machine, with Failed reachable
// from any pre-Running state. An agent whose restart budget is
// exhausted is also left Failed.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// RestartPolicy governs whether the lifecycle manager respawns an
// agent after it exits.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on_failure"
	RestartAlways    RestartPolicy = "always"
)

// RestartConfig is the saved restart policy for an agent, carried
// across respawns so the manager can recompute backoff.
type RestartConfig struct {
	Policy            RestartPolicy
	MaxRestarts       int
	RestartWindowSec  int
	BackoffInitialMS  int
	BackoffMaxMS      int
	BackoffMultiplier float64
}

// RestartState is the lifecycle manager's mutable restart bookkeeping
// for one agent's saved configuration.
type RestartState struct {
	WindowStart         time.Time
	RestartCount        int
	ConsecutiveFailures int
}

// SpawnConfig is the saved configuration needed to relaunch an agent,
// either by a human SPAWN call or by the restart scheduler.
type SpawnConfig struct {
	Name       string
	Script     string
	Python     bool
	Sandboxed  bool
	Network    bool
	Memory     int64
	MaxPids    int64
	CPUQuota   int64
	Restart    *RestartConfig
}

// Agent is the kernel's record of one managed process. Identity
// (ID, Name) is immutable once set; everything else mutates under the
// lifecycle manager's exclusive ownership.
type Agent struct {
	ID       uint32
	Name     string
	ParentID uint32 // 0 = kernel-spawned
	Children []uint32

	State     State
	Pid       int
	ExitCode  int
	CreatedAt time.Time

	LLMTokensUsed int64
	LLMCallsMade  int64

	Config        SpawnConfig
	RestartState  RestartState
}

// CanPause reports whether Pause is a legal transition from the
// current state.
func (a *Agent) CanPause() bool { return a.State == StateRunning }

// CanResume reports whether Resume is a legal transition.
func (a *Agent) CanResume() bool { return a.State == StatePaused }

// CanStop reports whether Stop is a legal transition.
func (a *Agent) CanStop() bool {
	return a.State == StateRunning || a.State == StateStarting || a.State == StatePaused
}

// Running reports whether the agent is presently scheduled to run
// (Starting, Running and Paused all count as "alive" for LIST purposes).
func (a *Agent) Running() bool {
	return a.State == StateRunning || a.State == StatePaused || a.State == StateStarting
}
