// Package tunnel implements Clove's remote-agent transport surface:
// a gin HTTP server exposing status/config endpoints plus a
// websocket channel that injects remote syscalls into the dispatcher
// tagged with synthetic agent ids, and forwards connection events
// (AgentConnected, Disconnected, Reconnected, Error) into a queue the
// reactor drains each tick.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/clove-kernel/clove/internal/audit"
	"github.com/clove-kernel/clove/internal/dispatcher"
	"github.com/clove-kernel/clove/internal/logger"
	"github.com/clove-kernel/clove/internal/wire"
)

// MetricsHandler serves the kernel's current metrics in Prometheus
// text exposition format. Implemented by *metrics.Collector; declared
// here to avoid an import cycle (metrics never needs to know about
// the tunnel).
type MetricsHandler interface {
	Handler() http.Handler
}

// ConnectionEventType enumerates the tunnel's own connection-lifecycle
// events, distinct from the kernel's agent events.
type ConnectionEventType string

const (
	EventAgentConnected    ConnectionEventType = "AgentConnected"
	EventAgentDisconnected ConnectionEventType = "AgentDisconnected"
	EventDisconnected      ConnectionEventType = "Disconnected"
	EventReconnected       ConnectionEventType = "Reconnected"
	EventError             ConnectionEventType = "Error"
)

// ConnectionEvent is one tunnel-transport occurrence.
type ConnectionEvent struct {
	Type      ConnectionEventType `json:"type"`
	AgentID   uint32              `json:"agent_id,omitempty"`
	Message   string              `json:"message,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// remote is one connected remote agent's websocket channel.
type remote struct {
	agentID uint32
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Config controls the tunnel's listening address and synthetic id range.
type Config struct {
	Enabled      bool
	HTTPAddr     string
	NextRemoteID uint32
}

// Tunnel owns the HTTP/websocket surface and the remote agent table.
type Tunnel struct {
	cfg      Config
	dispatch *dispatcher.Dispatcher
	metrics  MetricsHandler
	audit    *audit.Log
	log      *logger.Logger

	mu         sync.Mutex
	remotes    map[uint32]*remote
	nextID     uint32
	eventQueue []ConnectionEvent

	upgrader websocket.Upgrader
	server   *http.Server

	// readers is the tunnel's pool of per-connection helper threads —
	// one long-lived goroutine per remote websocket, each cancelled via
	// readersCancel on Stop rather than left to exit on its own.
	readers       *errgroup.Group
	readersCtx    context.Context
	readersCancel context.CancelFunc
}

// New creates a Tunnel. Start must be called to actually listen.
// metrics and auditLog may be nil, in which case GET /metrics and
// POST /config/audit respond with 503 rather than panicking.
func New(cfg Config, d *dispatcher.Dispatcher, metrics MetricsHandler, auditLog *audit.Log, log *logger.Logger) *Tunnel {
	next := cfg.NextRemoteID
	if next == 0 {
		next = 1 << 24 // remote ids start at a high offset, away from local agent ids
	}
	readersCtx, cancel := context.WithCancel(context.Background())
	readers, readersCtx := errgroup.WithContext(readersCtx)
	return &Tunnel{
		cfg: cfg, dispatch: d, metrics: metrics, audit: auditLog, log: log,
		remotes:  make(map[uint32]*remote),
		nextID:   next,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},

		readers: readers, readersCtx: readersCtx, readersCancel: cancel,
	}
}

// Start launches the HTTP/websocket listener in the background.
func (t *Tunnel) Start() error {
	if !t.cfg.Enabled {
		return nil
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/status", t.handleStatus)
	r.GET("/remotes", t.handleListRemotes)
	r.GET("/connect", t.handleConnect)
	r.GET("/metrics", t.handleMetrics)
	r.POST("/config/audit", t.handleConfigAudit)

	t.server = &http.Server{Addr: t.cfg.HTTPAddr, Handler: r}
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.log.WithError(err).Warn("tunnel: http server exited")
		}
	}()
	return nil
}

// Stop shuts down the HTTP server and every remote websocket, then
// waits for every reader helper thread to notice cancellation and exit.
func (t *Tunnel) Stop(ctx context.Context) error {
	t.mu.Lock()
	for _, r := range t.remotes {
		_ = r.conn.Close()
	}
	t.mu.Unlock()

	t.readersCancel()
	_ = t.readers.Wait()

	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}

func (t *Tunnel) handleStatus(c *gin.Context) {
	t.mu.Lock()
	count := len(t.remotes)
	t.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"enabled": t.cfg.Enabled, "remote_count": count})
}

func (t *Tunnel) handleListRemotes(c *gin.Context) {
	t.mu.Lock()
	ids := make([]uint32, 0, len(t.remotes))
	for id := range t.remotes {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"remotes": ids})
}

// handleMetrics exposes the kernel's counters in Prometheus text
// exposition format, for an external collector to scrape.
func (t *Tunnel) handleMetrics(c *gin.Context) {
	if t.metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "metrics not configured"})
		return
	}
	t.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

type configAuditRequest struct {
	Category string `json:"category"`
	Enabled  bool   `json:"enabled"`
}

// handleConfigAudit live-toggles a single audit category, letting an
// operator narrow or widen what's recorded without restarting the
// kernel.
func (t *Tunnel) handleConfigAudit(c *gin.Context) {
	if t.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "audit log not configured"})
		return
	}
	var req configAuditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if req.Category == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "category is required"})
		return
	}
	t.audit.SetEnabled(audit.Category(req.Category), req.Enabled)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (t *Tunnel) handleConnect(c *gin.Context) {
	conn, err := t.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		t.log.WithError(err).Warn("tunnel: websocket upgrade failed")
		return
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	r := &remote{agentID: id, conn: conn}
	t.remotes[id] = r
	t.pushEventLocked(ConnectionEvent{Type: EventAgentConnected, AgentID: id, Timestamp: time.Now()})
	t.mu.Unlock()

	t.readers.Go(func() error { return t.readLoop(r) })
}

func (t *Tunnel) readLoop(r *remote) error {
	defer t.disconnect(r, EventAgentDisconnected)
	for {
		if t.readersCtx.Err() != nil {
			return t.readersCtx.Err()
		}
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			t.pushEventLocked(ConnectionEvent{Type: EventError, AgentID: r.agentID, Message: err.Error(), Timestamp: time.Now()})
			t.mu.Unlock()
			return nil
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		frame.AgentID = r.agentID
		result := t.dispatch.Dispatch(t.readersCtx, frame)
		t.respond(r, result)
	}
}

func (t *Tunnel) respond(r *remote, result dispatcher.Result) {
	var payload []byte
	var err error
	if result.Err != nil {
		payload, err = json.Marshal(map[string]any{"success": false, "error": result.Err.Message})
	} else {
		payload = result.Payload
	}
	if err != nil {
		return
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *Tunnel) disconnect(r *remote, eventType ConnectionEventType) {
	t.mu.Lock()
	delete(t.remotes, r.agentID)
	t.pushEventLocked(ConnectionEvent{Type: eventType, AgentID: r.agentID, Timestamp: time.Now()})
	t.mu.Unlock()
}

func (t *Tunnel) pushEventLocked(e ConnectionEvent) {
	t.eventQueue = append(t.eventQueue, e)
}

// DrainEvents removes and returns every queued connection event. The
// reactor calls this once per maintenance tick.
func (t *Tunnel) DrainEvents() []ConnectionEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.eventQueue
	t.eventQueue = nil
	return out
}

// Handle implements dispatcher.TunnelHandler for the TUNNEL_* opcodes
// that agents issue directly (as opposed to the HTTP surface above,
// used by external operators).
func (t *Tunnel) Handle(ctx context.Context, opcode wire.Opcode, agentID uint32, payload json.RawMessage) (any, error) {
	switch opcode {
	case wire.OpTunnelStatus:
		t.mu.Lock()
		defer t.mu.Unlock()
		return map[string]any{"enabled": t.cfg.Enabled, "remote_count": len(t.remotes)}, nil
	case wire.OpTunnelListRemotes:
		t.mu.Lock()
		defer t.mu.Unlock()
		ids := make([]uint32, 0, len(t.remotes))
		for id := range t.remotes {
			ids = append(ids, id)
		}
		return map[string]any{"remotes": ids}, nil
	case wire.OpTunnelConfig:
		var cfg Config
		if err := json.Unmarshal(payload, &cfg); err != nil {
			return nil, fmt.Errorf("invalid TUNNEL_CONFIG payload: %w", err)
		}
		t.cfg.Enabled = cfg.Enabled
		return map[string]any{"success": true}, nil
	case wire.OpTunnelConnect, wire.OpTunnelDisconnect:
		return nil, fmt.Errorf("tunnel: %s is only available over the websocket channel, not the local socket", opcode)
	default:
		return nil, fmt.Errorf("tunnel: unsupported opcode %s", opcode)
	}
}
