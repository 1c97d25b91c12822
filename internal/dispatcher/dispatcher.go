// Package dispatcher routes decoded wire frames to their opcode
// handlers, applying the permission/audit/record cross-cuts every
// syscall goes through and recovering handlers from panics so one
// broken opcode can never crash the kernel.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clove-kernel/clove/internal/audit"
	"github.com/clove-kernel/clove/internal/events"
	"github.com/clove-kernel/clove/internal/ipc"
	"github.com/clove-kernel/clove/internal/lifecycle"
	"github.com/clove-kernel/clove/internal/llm"
	"github.com/clove-kernel/clove/internal/logger"
	"github.com/clove-kernel/clove/internal/permission"
	"github.com/clove-kernel/clove/internal/record"
	"github.com/clove-kernel/clove/internal/state"
	"github.com/clove-kernel/clove/internal/wire"
)

// Kind classifies a DispatchError for clients that want to branch on
// error category without parsing Message.
type Kind string

const (
	KindRequest    Kind = "request"    // malformed or semantically invalid payload
	KindPermission Kind = "permission" // denied by the permission engine
	KindResource   Kind = "resource"   // unknown agent, unknown name, exhausted quota
	KindProtocol   Kind = "protocol"   // should never reach a handler; reserved for completeness
)

// DispatchError is the one error shape every handler returns.
type DispatchError struct {
	Kind    Kind
	Message string
}

func (e *DispatchError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func reqErr(format string, args ...any) *DispatchError {
	return &DispatchError{Kind: KindRequest, Message: fmt.Sprintf(format, args...)}
}

func permErr(format string, args ...any) *DispatchError {
	return &DispatchError{Kind: KindPermission, Message: fmt.Sprintf(format, args...)}
}

func resErr(format string, args ...any) *DispatchError {
	return &DispatchError{Kind: KindResource, Message: fmt.Sprintf(format, args...)}
}

// Result is what Dispatch returns: exactly one of Payload or Err is set.
type Result struct {
	Payload json.RawMessage
	Err     *DispatchError
}

// handlerFunc is the shape every opcode handler implements.
type handlerFunc func(ctx context.Context, d *Dispatcher, agentID uint32, payload json.RawMessage) (any, *DispatchError)

// Extension points for subsystems that live outside dispatcher's
// direct scope (world simulation, tunnel, metrics). nil means
// "not configured"; the corresponding opcodes then fail KindResource.
type WorldHandler interface {
	Handle(ctx context.Context, opcode wire.Opcode, agentID uint32, payload json.RawMessage) (any, error)
}
type TunnelHandler interface {
	Handle(ctx context.Context, opcode wire.Opcode, agentID uint32, payload json.RawMessage) (any, error)
}
type MetricsHandler interface {
	Handle(ctx context.Context, opcode wire.Opcode, agentID uint32, payload json.RawMessage) (any, error)
}

// LLMMetricsRecorder receives one observation per THINK call, whether
// it succeeded or not. Satisfied by *metrics.Collector; nil means
// "not configured" and THINK simply isn't counted.
type LLMMetricsRecorder interface {
	RecordLLMCall(ctx context.Context, tokens int64)
}

// Dispatcher wires every kernel subsystem together behind one opcode
// routing table.
type Dispatcher struct {
	Lifecycle  *lifecycle.Manager
	Perms      *permission.Table
	State      *state.Store
	Registry   *ipc.Registry
	Mailboxes  *ipc.Mailboxes
	Events     events.Bus
	Audit      *audit.Log
	Record     *record.Log
	LLM        *llm.Gateway
	Log        *logger.Logger

	World   WorldHandler
	Tunnel  TunnelHandler
	Metrics MetricsHandler

	MetricsRecorder LLMMetricsRecorder

	StopTimeout time.Duration

	table map[wire.Opcode]handlerFunc
}

// New builds a Dispatcher with its full routing table installed.
func New() *Dispatcher {
	d := &Dispatcher{}
	d.table = map[wire.Opcode]handlerFunc{
		wire.OpNoop:  handleNoop,
		wire.OpThink: handleThink,
		wire.OpExec:  handleExec,
		wire.OpRead:  handleRead,
		wire.OpWrite: handleWrite,

		wire.OpSpawn:  handleSpawn,
		wire.OpKill:   handleKill,
		wire.OpList:   handleList,
		wire.OpPause:  handlePause,
		wire.OpResume: handleResume,

		wire.OpSend:      handleSend,
		wire.OpRecv:      handleRecv,
		wire.OpBroadcast: handleBroadcast,
		wire.OpRegister:  handleRegister,

		wire.OpStore:  handleStore,
		wire.OpFetch:  handleFetch,
		wire.OpDelete: handleDelete,
		wire.OpKeys:   handleKeys,

		wire.OpGetPerms: handleGetPerms,
		wire.OpSetPerms: handleSetPerms,

		wire.OpSubscribe:   handleSubscribe,
		wire.OpUnsubscribe: handleUnsubscribe,
		wire.OpPollEvents:  handlePollEvents,
		wire.OpEmit:        handleEmit,

		wire.OpRecordStart:  handleRecordStart,
		wire.OpRecordStop:   handleRecordStop,
		wire.OpRecordStatus: handleRecordStatus,
		wire.OpReplayStart:  handleReplayStart,
		wire.OpReplayStatus: handleReplayStatus,

		wire.OpGetAuditLog:    handleGetAuditLog,
		wire.OpSetAuditConfig: handleSetAuditConfig,

		wire.OpWorldCreate: handleWorld, wire.OpWorldDestroy: handleWorld,
		wire.OpWorldList: handleWorld, wire.OpWorldJoin: handleWorld,
		wire.OpWorldLeave: handleWorld, wire.OpWorldEvent: handleWorld,
		wire.OpWorldState: handleWorld, wire.OpWorldSnapshot: handleWorld,
		wire.OpWorldRestore: handleWorld,

		wire.OpTunnelConnect: handleTunnel, wire.OpTunnelDisconnect: handleTunnel,
		wire.OpTunnelStatus: handleTunnel, wire.OpTunnelListRemotes: handleTunnel,
		wire.OpTunnelConfig: handleTunnel,

		wire.OpMetricsSnapshot: handleMetrics, wire.OpMetricsAgent: handleMetrics,
		wire.OpMetricsReset: handleMetrics, wire.OpMetricsExport: handleMetrics,
	}
	return d
}

// permissionGated lists opcodes whose capability pre-check runs
// before the handler, per spec's dispatch pipeline.
var permissionGated = map[wire.Opcode]func(*permission.Permissions) bool{
	wire.OpExec:  func(p *permission.Permissions) bool { return p.CanExec },
	wire.OpRead:  func(p *permission.Permissions) bool { return p.CanRead },
	wire.OpWrite: func(p *permission.Permissions) bool { return p.CanWrite },
	wire.OpThink: func(p *permission.Permissions) bool { return p.CanThink },
	wire.OpSpawn: func(p *permission.Permissions) bool { return p.CanSpawn },
	wire.OpHTTP:  func(p *permission.Permissions) bool { return p.CanHTTP },
}

// Dispatch routes frame through the permission pre-check, the
// opcode's handler, and the audit/record cross-cuts, recovering any
// handler panic into a KindRequest error.
func (d *Dispatcher) Dispatch(ctx context.Context, frame wire.Frame) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = Result{Err: &DispatchError{Kind: KindRequest, Message: fmt.Sprintf("handler panic: %v", r)}}
		}
		d.recordAndAudit(frame, start, result)
	}()

	if gate, ok := permissionGated[frame.Opcode]; ok {
		perm := d.Perms.Get(frame.AgentID)
		if !gate(perm) {
			d.Events.Emit(events.Event{
				Type: events.TypeSyscallBlocked, SourceID: frame.AgentID,
				Data: mustJSON(map[string]any{"opcode": frame.Opcode.String(), "reason": "capability denied"}),
			})
			return Result{Err: permErr("Permission denied: capability not granted for %s", frame.Opcode)}
		}
	}

	if frame.Opcode == wire.OpNoop {
		// NOOP echoes its payload bytes unchanged, whether or not they are JSON.
		return Result{Payload: frame.Payload}
	}

	h, ok := d.table[frame.Opcode]
	if !ok {
		// Unknown opcodes echo the payload back unchanged, per spec.
		return Result{Payload: frame.Payload}
	}

	ctx = withOpcode(ctx, frame.Opcode)
	out, derr := h(ctx, d, frame.AgentID, frame.Payload)
	if derr != nil {
		return Result{Err: derr}
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return Result{Err: reqErr("marshaling response: %v", err)}
	}
	return Result{Payload: payload}
}

func (d *Dispatcher) recordAndAudit(frame wire.Frame, start time.Time, result Result) {
	duration := time.Since(start)
	success := result.Err == nil

	if d.Record != nil && d.Record.State() == record.RecordingActive {
		var respPayload json.RawMessage
		if success {
			respPayload = result.Payload
		}
		d.Record.Append(frame.AgentID, frame.Opcode, frame.Payload, respPayload, duration, success)
	}
	category := categoryForOpcode(frame.Opcode)
	if d.Audit != nil && d.Audit.Enabled(category) {
		var details json.RawMessage
		if result.Err != nil {
			details = mustJSON(map[string]any{"error": result.Err.Message})
		}
		d.Audit.Append(category, frame.Opcode.String(), frame.AgentID, "", details, success)
	}
}

// opcodeCategory maps every opcode to the audit category its syscall
// belongs to, per spec.md §4.12's category-filtered audit log.
var opcodeCategory = map[wire.Opcode]audit.Category{
	wire.OpNoop:  audit.CategorySyscall,
	wire.OpExec:  audit.CategorySyscall,
	wire.OpRead:  audit.CategorySyscall,
	wire.OpWrite: audit.CategorySyscall,
	wire.OpExit:  audit.CategoryAgentLifecycle,

	wire.OpThink: audit.CategoryResource, // shared LLM resource scheduling

	wire.OpSpawn:  audit.CategoryAgentLifecycle,
	wire.OpKill:   audit.CategoryAgentLifecycle,
	wire.OpList:   audit.CategoryAgentLifecycle,
	wire.OpPause:  audit.CategoryAgentLifecycle,
	wire.OpResume: audit.CategoryAgentLifecycle,

	wire.OpSend:      audit.CategoryIPC,
	wire.OpRecv:      audit.CategoryIPC,
	wire.OpBroadcast: audit.CategoryIPC,
	wire.OpRegister:  audit.CategoryIPC,

	wire.OpStore:  audit.CategoryStateStore,
	wire.OpFetch:  audit.CategoryStateStore,
	wire.OpDelete: audit.CategoryStateStore,
	wire.OpKeys:   audit.CategoryStateStore,

	wire.OpGetPerms: audit.CategorySecurity,
	wire.OpSetPerms: audit.CategorySecurity,

	wire.OpHTTP: audit.CategoryNetwork,

	wire.OpSubscribe:   audit.CategoryIPC,
	wire.OpUnsubscribe: audit.CategoryIPC,
	wire.OpPollEvents:  audit.CategoryIPC,
	wire.OpEmit:        audit.CategoryIPC,

	wire.OpRecordStart:  audit.CategorySecurity,
	wire.OpRecordStop:   audit.CategorySecurity,
	wire.OpRecordStatus: audit.CategorySecurity,
	wire.OpReplayStart:  audit.CategorySecurity,
	wire.OpReplayStatus: audit.CategorySecurity,

	wire.OpGetAuditLog:    audit.CategorySecurity,
	wire.OpSetAuditConfig: audit.CategorySecurity,

	wire.OpWorldCreate:   audit.CategoryWorld,
	wire.OpWorldDestroy:  audit.CategoryWorld,
	wire.OpWorldList:     audit.CategoryWorld,
	wire.OpWorldJoin:     audit.CategoryWorld,
	wire.OpWorldLeave:    audit.CategoryWorld,
	wire.OpWorldEvent:    audit.CategoryWorld,
	wire.OpWorldState:    audit.CategoryWorld,
	wire.OpWorldSnapshot: audit.CategoryWorld,
	wire.OpWorldRestore:  audit.CategoryWorld,

	wire.OpTunnelConnect:     audit.CategoryNetwork,
	wire.OpTunnelDisconnect:  audit.CategoryNetwork,
	wire.OpTunnelStatus:      audit.CategoryNetwork,
	wire.OpTunnelListRemotes: audit.CategoryNetwork,
	wire.OpTunnelConfig:      audit.CategoryNetwork,

	wire.OpMetricsSnapshot: audit.CategoryResource,
	wire.OpMetricsAgent:    audit.CategoryResource,
	wire.OpMetricsReset:    audit.CategoryResource,
	wire.OpMetricsExport:   audit.CategoryResource,
}

// categoryForOpcode returns opcode's audit category, defaulting to
// CategorySyscall for anything unmapped (e.g. unknown opcodes that
// dispatch echoes back unhandled).
func categoryForOpcode(opcode wire.Opcode) audit.Category {
	if c, ok := opcodeCategory[opcode]; ok {
		return c
	}
	return audit.CategorySyscall
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
