package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/clove-kernel/clove/internal/logger"
)

// NATSConfig configures the optional NATS-backed bus used when several
// kernel instances in a fleet need to share one event stream.
type NATSConfig struct {
	URL           string
	ClientID      string
	MaxReconnects int
}

// wireEvent is the JSON encoding of Event sent over NATS subjects.
type wireEvent struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	SourceID  uint32          `json:"source_id"`
	TargetID  uint32          `json:"target_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// NATS is a Bus backed by a shared NATS subject namespace. Subscription
// bookkeeping (who wants which types) still lives locally — only the
// publish path goes over NATS, so every kernel in the fleet observes
// every other kernel's emissions and applies its own local filter.
type NATS struct {
	mem  *Memory
	conn *nats.Conn
	sub  *nats.Subscription
	log  *logger.Logger
}

// NewNATS connects to a NATS server and wires inbound messages into an
// embedded Memory bus for local fan-out/bounding.
func NewNATS(cfg NATSConfig, capacity int, log *logger.Logger) (*NATS, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("clove events: NATS reconnected")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("clove events: NATS disconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connecting to NATS: %w", err)
	}

	n := &NATS{mem: NewMemory(capacity), conn: conn, log: log}

	sub, err := conn.Subscribe("clove.events", func(msg *nats.Msg) {
		var we wireEvent
		if err := json.Unmarshal(msg.Data, &we); err != nil {
			log.WithError(err).Warn("clove events: dropping malformed NATS event")
			return
		}
		n.mem.Emit(Event{Type: we.Type, Data: we.Data, SourceID: we.SourceID, TargetID: we.TargetID, Timestamp: we.Timestamp})
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: subscribing: %w", err)
	}
	n.sub = sub
	return n, nil
}

func (n *NATS) Subscribe(agentID uint32, types ...Type)   { n.mem.Subscribe(agentID, types...) }
func (n *NATS) Unsubscribe(agentID uint32, types ...Type) { n.mem.Unsubscribe(agentID, types...) }
func (n *NATS) Poll(agentID uint32, max int) []Event      { return n.mem.Poll(agentID, max) }
func (n *NATS) QueueDepth(agentID uint32) int             { return n.mem.QueueDepth(agentID) }
func (n *NATS) RemoveAgent(agentID uint32)                { n.mem.RemoveAgent(agentID) }

// Emit publishes e to the shared NATS subject; every kernel subscribed
// to clove.events (including this one) applies its local Memory fan-out
// when the message arrives back.
func (n *NATS) Emit(e Event) {
	we := wireEvent{Type: e.Type, Data: e.Data, SourceID: e.SourceID, TargetID: e.TargetID, Timestamp: e.Timestamp}
	data, err := json.Marshal(we)
	if err != nil {
		n.log.WithError(err).Error("clove events: failed to marshal event for NATS")
		return
	}
	if err := n.conn.Publish("clove.events", data); err != nil {
		n.log.WithError(err).Error("clove events: failed to publish to NATS")
	}
}

// Close unsubscribes and closes the NATS connection.
func (n *NATS) Close() {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	n.conn.Close()
}
