// Package record implements Clove's execution log: a sequence-numbered
// record of syscall request/response pairs for later deterministic
// replay, independent of the audit log.
package record

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/clove-kernel/clove/internal/wire"
)

// RecordingState is the recorder's state machine:
// Idle -> Recording <-> Paused -> Idle.
type RecordingState string

const (
	RecordingIdle      RecordingState = "idle"
	RecordingActive    RecordingState = "recording"
	RecordingPaused    RecordingState = "paused"
)

// ReplayState is the replayer's state machine:
// Idle -> Running <-> Paused -> Completed | Error.
type ReplayState string

const (
	ReplayIdle      ReplayState = "idle"
	ReplayRunning   ReplayState = "running"
	ReplayPaused    ReplayState = "paused"
	ReplayCompleted ReplayState = "completed"
	ReplayError     ReplayState = "error"
)

// Entry is one recorded syscall request/response pair.
type Entry struct {
	SequenceID      uint64          `json:"sequence_id"`
	Timestamp       time.Time       `json:"timestamp"`
	AgentID         uint32          `json:"agent_id"`
	Opcode          wire.Opcode     `json:"opcode"`
	RequestPayload  json.RawMessage `json:"request_payload"`
	ResponsePayload json.RawMessage `json:"response_payload"`
	DurationUS      int64           `json:"duration_us"`
	Success         bool            `json:"success"`
}

// Config controls which opcodes are recorded.
type Config struct {
	IncludeThink bool
	IncludeHTTP  bool
	IncludeExec  bool
	FilterAgents []uint32 // empty = all agents
}

// alwaysExcluded are the pure-read opcodes, plus METRICS_RESET, never
// recorded regardless of Config.
var alwaysExcluded = map[wire.Opcode]bool{
	wire.OpList: true, wire.OpGetPerms: true, wire.OpKeys: true, wire.OpPollEvents: true,
	wire.OpMetricsSnapshot: true, wire.OpMetricsAgent: true, wire.OpMetricsExport: true,
	wire.OpMetricsReset: true,
	wire.OpGetAuditLog: true, wire.OpTunnelStatus: true, wire.OpTunnelListRemotes: true,
	wire.OpWorldList: true, wire.OpWorldState: true,
}

// ShouldRecord reports whether cfg permits recording a call to opcode
// by agentID.
func (cfg Config) ShouldRecord(opcode wire.Opcode, agentID uint32) bool {
	if alwaysExcluded[opcode] {
		return false
	}
	switch opcode {
	case wire.OpThink:
		if !cfg.IncludeThink {
			return false
		}
	case wire.OpHTTP:
		if !cfg.IncludeHTTP {
			return false
		}
	case wire.OpExec:
		if !cfg.IncludeExec {
			return false
		}
	}
	if len(cfg.FilterAgents) == 0 {
		return true
	}
	for _, id := range cfg.FilterAgents {
		if id == agentID {
			return true
		}
	}
	return false
}

// Log owns the active recording buffer and any imported replay buffer.
// Only one recording session is active at a time; imported recordings
// are held separately.
type Log struct {
	mu sync.Mutex

	cfg    Config
	state  RecordingState
	buf    []Entry
	nextID uint64

	replayState   ReplayState
	replayBuf     []Entry
	replayCursor  int
	now           func() time.Time
}

// New creates an idle Log with the given recording config.
func New(cfg Config) *Log {
	return &Log{cfg: cfg, state: RecordingIdle, replayState: ReplayIdle, now: time.Now}
}

// Start begins or resumes recording. From Idle it clears the buffer
// and resets the sequence counter; from Paused it resumes in place.
func (l *Log) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case RecordingIdle:
		l.buf = nil
		l.nextID = 0
		l.state = RecordingActive
	case RecordingPaused:
		l.state = RecordingActive
	case RecordingActive:
		// already running
	}
}

// Stop ends the current recording session, returning to Idle. The
// buffer remains available for export until the next Start clears it.
func (l *Log) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = RecordingIdle
}

// Pause suspends recording without clearing the buffer.
func (l *Log) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == RecordingActive {
		l.state = RecordingPaused
	}
}

// State returns the current recording state.
func (l *Log) State() RecordingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Append records a syscall, if the recorder is active and cfg permits
// it. Sequence ids are strictly monotonically increasing and
// gap-free.
func (l *Log) Append(agentID uint32, opcode wire.Opcode, req, resp json.RawMessage, duration time.Duration, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != RecordingActive {
		return
	}
	if !l.cfg.ShouldRecord(opcode, agentID) {
		return
	}
	l.nextID++
	l.buf = append(l.buf, Entry{
		SequenceID: l.nextID, Timestamp: l.now(), AgentID: agentID, Opcode: opcode,
		RequestPayload: req, ResponsePayload: resp, DurationUS: duration.Microseconds(), Success: success,
	})
}

// Export returns a copy of the active recording buffer.
func (l *Log) Export() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.buf))
	copy(out, l.buf)
	return out
}

// LoadReplay imports a previously exported buffer and transitions the
// replayer to Running.
func (l *Log) LoadReplay(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replayBuf = entries
	l.replayCursor = 0
	l.replayState = ReplayRunning
}

// PauseReplay suspends replay.
func (l *Log) PauseReplay() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.replayState == ReplayRunning {
		l.replayState = ReplayPaused
	}
}

// ResumeReplay resumes a paused replay.
func (l *Log) ResumeReplay() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.replayState == ReplayPaused {
		l.replayState = ReplayRunning
	}
}

// ReplayStatus returns the replayer's current state, cursor, and total
// entry count.
func (l *Log) ReplayStatus() (ReplayState, int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replayState, l.replayCursor, len(l.replayBuf)
}

// GetNextReplayEntry returns the next entry to replay without
// consuming it. The harness that actually re-issues the syscall calls
// AdvanceReplay once it decides whether to execute or skip this entry.
func (l *Log) GetNextReplayEntry() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.replayState != ReplayRunning || l.replayCursor >= len(l.replayBuf) {
		return Entry{}, false
	}
	return l.replayBuf[l.replayCursor], true
}

// AdvanceReplay moves the cursor forward by one entry. skipped is
// accepted for the harness's bookkeeping (whether it executed the
// entry or chose to skip it) but both cases advance the cursor
// identically. Completing the buffer transitions the replayer to
// Completed.
func (l *Log) AdvanceReplay(skipped bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.replayState != ReplayRunning {
		return
	}
	l.replayCursor++
	if l.replayCursor >= len(l.replayBuf) {
		l.replayState = ReplayCompleted
	}
}

// FailReplay transitions the replayer to Error (e.g. the harness hit an
// unrecoverable mismatch re-issuing an entry).
func (l *Log) FailReplay() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replayState = ReplayError
}
