package tunnel

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/clove-kernel/clove/internal/dispatcher"
	"github.com/clove-kernel/clove/internal/logger"
	"github.com/clove-kernel/clove/internal/wire"
)

func TestDrainEventsClearsQueue(t *testing.T) {
	tun := New(Config{}, dispatcher.New(), nil, nil, logger.Default())
	tun.pushEventLocked(ConnectionEvent{Type: EventAgentConnected, AgentID: 5})

	events := tun.DrainEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 queued event, got %d", len(events))
	}
	if more := tun.DrainEvents(); len(more) != 0 {
		t.Fatal("expected queue to be empty after drain")
	}
}

func TestHandleTunnelConfigTogglesEnabled(t *testing.T) {
	tun := New(Config{Enabled: false}, dispatcher.New(), nil, nil, logger.Default())
	payload, _ := json.Marshal(Config{Enabled: true})
	_, err := tun.Handle(context.Background(), wire.OpTunnelConfig, 1, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tun.cfg.Enabled {
		t.Fatal("expected TUNNEL_CONFIG to enable the tunnel")
	}
}

func TestHandleTunnelStatusReportsRemoteCount(t *testing.T) {
	tun := New(Config{}, dispatcher.New(), nil, nil, logger.Default())
	out, err := tun.Handle(context.Background(), wire.OpTunnelStatus, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if m["remote_count"].(int) != 0 {
		t.Fatalf("expected 0 remotes on a fresh tunnel, got %v", m["remote_count"])
	}
}
