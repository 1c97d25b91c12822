// Package metrics implements Clove's METRICS_* opcode surface: an
// OTel-instrumented view over the kernel's own subsystems, exported
// both as a compact JSON snapshot (for agents) and as an OTel metrics
// payload (for an external collector reached through the tunnel's
// HTTP surface).
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/clove-kernel/clove/internal/audit"
	"github.com/clove-kernel/clove/internal/events"
	"github.com/clove-kernel/clove/internal/ipc"
	"github.com/clove-kernel/clove/internal/lifecycle"
	"github.com/clove-kernel/clove/internal/wire"
)

// Sources is everything the metrics surface reads from. Nothing here
// is owned by this package; it only observes.
type Sources struct {
	Lifecycle *lifecycle.Manager
	Registry  *ipc.Registry
	Mailboxes *ipc.Mailboxes
	Events    events.Bus
	Audit     *audit.Log
}

// Collector answers METRICS_* opcodes and maintains the OTel
// instruments that back METRICS_EXPORT.
type Collector struct {
	src       Sources
	startedAt time.Time

	meter         metric.Meter
	llmCalls      atomic.Int64
	llmTokens     atomic.Int64
	restartsTotal atomic.Int64

	llmCallsCounter  metric.Int64Counter
	llmTokensCounter metric.Int64Counter
	restartsCounter  metric.Int64Counter

	// promRegistry backs GET /metrics on the tunnel's HTTP surface, in
	// Prometheus text exposition format, independent of the OTel
	// collector pipeline above.
	promRegistry    *prometheus.Registry
	promLLMCalls    prometheus.Counter
	promLLMTokens   prometheus.Counter
	promRestarts    prometheus.Counter
}

// New creates a Collector reading from src, registering its OTel
// instruments against the global MeterProvider. cmd/clove does not
// install one, so OTel's no-op default applies unless a caller sets it.
func New(src Sources) (*Collector, error) {
	meter := otel.Meter("clove.kernel")

	c := &Collector{src: src, startedAt: time.Now(), meter: meter}

	llmCalls, err := meter.Int64Counter("clove.llm.calls", metric.WithDescription("THINK calls served by the LLM gateway"))
	if err != nil {
		return nil, fmt.Errorf("metrics: creating llm.calls counter: %w", err)
	}
	llmTokens, err := meter.Int64Counter("clove.llm.tokens", metric.WithDescription("tokens consumed across THINK calls"))
	if err != nil {
		return nil, fmt.Errorf("metrics: creating llm.tokens counter: %w", err)
	}
	restarts, err := meter.Int64Counter("clove.agent.restarts", metric.WithDescription("agent restarts scheduled by the lifecycle manager"))
	if err != nil {
		return nil, fmt.Errorf("metrics: creating agent.restarts counter: %w", err)
	}
	c.llmCallsCounter, c.llmTokensCounter, c.restartsCounter = llmCalls, llmTokens, restarts

	c.promRegistry = prometheus.NewRegistry()
	c.promLLMCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clove_llm_calls_total", Help: "THINK calls served by the LLM gateway.",
	})
	c.promLLMTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clove_llm_tokens_total", Help: "Tokens consumed across THINK calls.",
	})
	c.promRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clove_agent_restarts_total", Help: "Agent restarts scheduled by the lifecycle manager.",
	})
	c.promRegistry.MustRegister(c.promLLMCalls, c.promLLMTokens, c.promRestarts)
	c.promRegistry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "clove_agents_running", Help: "Agents currently running."},
		func() float64 {
			running := 0
			for _, a := range src.Lifecycle.List() {
				if a.Running() {
					running++
				}
			}
			return float64(running)
		},
	))
	c.promRegistry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "clove_mailbox_depth_total", Help: "Summed mailbox depth across all agents."},
		func() float64 {
			total := 0
			for _, a := range src.Lifecycle.List() {
				total += src.Mailboxes.Depth(a.ID)
			}
			return float64(total)
		},
	))
	return c, nil
}

// Handler serves the collector's counters in Prometheus text exposition
// format, for the tunnel's GET /metrics route.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.promRegistry, promhttp.HandlerOpts{})
}

// RecordLLMCall is called by the dispatcher after every THINK
// response, successful or not.
func (c *Collector) RecordLLMCall(ctx context.Context, tokens int64) {
	c.llmCalls.Add(1)
	c.llmTokens.Add(tokens)
	c.llmCallsCounter.Add(ctx, 1)
	c.llmTokensCounter.Add(ctx, tokens)
	c.promLLMCalls.Inc()
	c.promLLMTokens.Add(float64(tokens))
}

// RecordRestart is called by the lifecycle manager whenever a restart
// is scheduled.
func (c *Collector) RecordRestart(ctx context.Context) {
	c.restartsTotal.Add(1)
	c.restartsCounter.Add(ctx, 1)
	c.promRestarts.Inc()
}

// Handle implements dispatcher.MetricsHandler.
func (c *Collector) Handle(ctx context.Context, opcode wire.Opcode, agentID uint32, payload json.RawMessage) (any, error) {
	switch opcode {
	case wire.OpMetricsSnapshot:
		return c.snapshot(), nil
	case wire.OpMetricsAgent:
		return c.perAgent(agentID), nil
	case wire.OpMetricsReset:
		c.llmCalls.Store(0)
		c.llmTokens.Store(0)
		c.restartsTotal.Store(0)
		return map[string]any{"success": true}, nil
	case wire.OpMetricsExport:
		return c.export(), nil
	default:
		return nil, fmt.Errorf("metrics: unsupported opcode %s", opcode)
	}
}

func (c *Collector) snapshot() map[string]any {
	agents := c.src.Lifecycle.List()
	running := 0
	mailboxDepth := 0
	eventDepth := 0
	for _, a := range agents {
		if a.Running() {
			running++
		}
		mailboxDepth += c.src.Mailboxes.Depth(a.ID)
		eventDepth += c.src.Events.QueueDepth(a.ID)
	}
	return map[string]any{
		"agents_running":          running,
		"agents_total":            len(agents),
		"llm_calls_total":         c.llmCalls.Load(),
		"llm_tokens_total":        c.llmTokens.Load(),
		"audit_entries":           len(c.src.Audit.Query(nil, nil, 0, 0)),
		"mailbox_depth_total":     mailboxDepth,
		"event_queue_depth_total": eventDepth,
		"uptime_s":                time.Since(c.startedAt).Seconds(),
	}
}

func (c *Collector) perAgent(agentID uint32) map[string]any {
	a, ok := c.src.Lifecycle.Get(agentID)
	if !ok {
		return map[string]any{"error": "unknown agent"}
	}
	return map[string]any{
		"llm_calls":         a.LLMCallsMade,
		"llm_tokens":        a.LLMTokensUsed,
		"restarts":          a.RestartState.RestartCount,
		"mailbox_depth":     c.src.Mailboxes.Depth(agentID),
		"event_queue_depth": c.src.Events.QueueDepth(agentID),
	}
}

func (c *Collector) export() map[string]any {
	return map[string]any{
		"resource_metrics": []map[string]any{
			{
				"scope": "clove.kernel",
				"metrics": []map[string]any{
					{"name": "clove.llm.calls", "type": "counter", "value": c.llmCalls.Load()},
					{"name": "clove.llm.tokens", "type": "counter", "value": c.llmTokens.Load()},
					{"name": "clove.agent.restarts", "type": "counter", "value": c.restartsTotal.Load()},
				},
			},
		},
	}
}
