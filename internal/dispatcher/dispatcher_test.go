package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/clove-kernel/clove/internal/audit"
	"github.com/clove-kernel/clove/internal/events"
	"github.com/clove-kernel/clove/internal/ipc"
	"github.com/clove-kernel/clove/internal/lifecycle"
	"github.com/clove-kernel/clove/internal/llm"
	"github.com/clove-kernel/clove/internal/logger"
	"github.com/clove-kernel/clove/internal/permission"
	"github.com/clove-kernel/clove/internal/record"
	"github.com/clove-kernel/clove/internal/sandbox"
	"github.com/clove-kernel/clove/internal/state"
	"github.com/clove-kernel/clove/internal/wire"
)

func newTestDispatcher() *Dispatcher {
	log := logger.Default()
	bus := events.NewMemory(64)
	perms := permission.NewTable(permission.PresetUnrestricted)
	d := New()
	d.Perms = perms
	d.State = state.New()
	d.Registry = ipc.NewRegistry()
	d.Mailboxes = ipc.NewMailboxes(64)
	d.Events = bus
	d.Audit = audit.New(100, nil)
	d.Record = record.New(record.Config{})
	d.LLM = llm.New(llm.Config{}, log)
	d.Lifecycle = lifecycle.New(sandbox.Config{}, perms, bus, log)
	d.Log = log
	return d
}

func TestDispatchNoopEchoes(t *testing.T) {
	d := newTestDispatcher()
	res := d.Dispatch(context.Background(), wire.Frame{AgentID: 1, Opcode: wire.OpNoop, Payload: []byte("hello")})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if string(res.Payload) != "hello" {
		t.Fatalf("expected echo of hello, got %q", res.Payload)
	}
}

func TestDispatchUnknownOpcodeEchoesPayload(t *testing.T) {
	d := newTestDispatcher()
	res := d.Dispatch(context.Background(), wire.Frame{AgentID: 1, Opcode: wire.Opcode(0x99), Payload: []byte(`{"x":1}`)})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if string(res.Payload) != `{"x":1}` {
		t.Fatalf("expected unknown opcode to echo payload unchanged, got %s", res.Payload)
	}
}

func TestDispatchRegisterThenSendDeliversToMailbox(t *testing.T) {
	d := newTestDispatcher()
	res := d.Dispatch(context.Background(), wire.Frame{AgentID: 2, Opcode: wire.OpRegister, Payload: []byte(`{"name":"bob"}`)})
	if res.Err != nil {
		t.Fatalf("register failed: %v", res.Err)
	}

	res = d.Dispatch(context.Background(), wire.Frame{AgentID: 1, Opcode: wire.OpSend, Payload: []byte(`{"to_name":"bob","message":"hi"}`)})
	if res.Err != nil {
		t.Fatalf("send failed: %v", res.Err)
	}

	res = d.Dispatch(context.Background(), wire.Frame{AgentID: 2, Opcode: wire.OpRecv, Payload: nil})
	if res.Err != nil {
		t.Fatalf("recv failed: %v", res.Err)
	}
	var out struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		t.Fatalf("decoding recv response: %v", err)
	}
	if len(out.Messages) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(out.Messages))
	}
}

func TestDispatchSetPermsDeniedForOtherAgentWithoutCanSpawn(t *testing.T) {
	d := newTestDispatcher()
	d.Perms.Set(1, permission.New(permission.PresetStandard)) // no can_spawn
	res := d.Dispatch(context.Background(), wire.Frame{AgentID: 1, Opcode: wire.OpSetPerms, Payload: []byte(`{"agent_id":2,"preset":"minimal"}`)})
	if res.Err == nil || res.Err.Kind != KindPermission {
		t.Fatalf("expected KindPermission error, got %+v", res.Err)
	}
}

func TestDispatchGatedOpcodeDeniedWithoutCapability(t *testing.T) {
	d := newTestDispatcher()
	d.Perms.Set(1, permission.New(permission.PresetReadOnly)) // no can_spawn/exec
	res := d.Dispatch(context.Background(), wire.Frame{AgentID: 1, Opcode: wire.OpSpawn, Payload: []byte(`{"name":"x","script":"y"}`)})
	if res.Err == nil || res.Err.Kind != KindPermission {
		t.Fatalf("expected permission denial for SPAWN without can_spawn, got %+v", res.Err)
	}
}
