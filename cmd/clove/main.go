// Package main is Clove's kernel entry point: loads configuration,
// wires every subsystem together, and runs the reactor's event loop
// until an interrupt or terminate signal is received.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clove-kernel/clove/internal/audit"
	"github.com/clove-kernel/clove/internal/config"
	"github.com/clove-kernel/clove/internal/dispatcher"
	"github.com/clove-kernel/clove/internal/events"
	"github.com/clove-kernel/clove/internal/ipc"
	"github.com/clove-kernel/clove/internal/lifecycle"
	"github.com/clove-kernel/clove/internal/llm"
	"github.com/clove-kernel/clove/internal/logger"
	"github.com/clove-kernel/clove/internal/metrics"
	"github.com/clove-kernel/clove/internal/permission"
	"github.com/clove-kernel/clove/internal/reactor"
	"github.com/clove-kernel/clove/internal/record"
	"github.com/clove-kernel/clove/internal/sandbox"
	"github.com/clove-kernel/clove/internal/socketserver"
	"github.com/clove-kernel/clove/internal/state"
	"github.com/clove-kernel/clove/internal/tunnel"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML/JSON config file")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "clove: loading .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clove: loading configuration: %v\n", err)
		os.Exit(1)
	}
	if flag.NArg() > 0 {
		cfg.Socket.Path = flag.Arg(0)
	}
	signal.Ignore(syscall.SIGPIPE)

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "clove: initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer log.Zap().Sync()

	log.Info("clove: starting kernel")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("clove: fatal error")
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	eventBus := buildEventBus(cfg, log)
	perms := permission.NewTable(permission.Preset(cfg.Permission.DefaultPreset))
	stateStore := state.New()
	registry := ipc.NewRegistry()
	mailboxes := ipc.NewMailboxes(cfg.Events.MailboxCapacity)
	auditLog := audit.New(cfg.Audit.MaxEntries, toCategories(cfg.Audit.EnabledCategories))
	recordLog := record.New(record.Config{})

	sbCfg := sandbox.Config{
		CgroupParent: cfg.Sandbox.CgroupParent, DockerFallback: cfg.Sandbox.DockerFallback,
		DockerHost: cfg.Sandbox.DockerHost, DockerImage: cfg.Sandbox.DockerImage,
	}
	lifecycleMgr := lifecycle.New(sbCfg, perms, eventBus, log)
	defer lifecycleMgr.Close()

	llmGateway := llm.New(llm.Config{
		WorkerCommand: cfg.LLM.WorkerPath, DefaultModel: cfg.LLM.Model,
		DefaultTemp: cfg.LLM.Temperature, DefaultTokens: cfg.LLM.MaxTokens,
	}, log)
	defer llmGateway.Close()

	d := dispatcher.New()
	d.Lifecycle, d.Perms, d.State = lifecycleMgr, perms, stateStore
	d.Registry, d.Mailboxes, d.Events = registry, mailboxes, eventBus
	d.Audit, d.Record, d.LLM, d.Log = auditLog, recordLog, llmGateway, log
	d.StopTimeout = cfg.Sandbox.StopTimeout()

	metricsCollector, err := metrics.New(metrics.Sources{
		Lifecycle: lifecycleMgr, Registry: registry, Mailboxes: mailboxes, Events: eventBus, Audit: auditLog,
	})
	if err != nil {
		return fmt.Errorf("clove: initializing metrics: %w", err)
	}
	d.Metrics = metricsCollector
	d.MetricsRecorder = metricsCollector
	lifecycleMgr.SetMetricsRecorder(metricsCollector)

	tun := tunnel.New(tunnel.Config{Enabled: cfg.Tunnel.Enabled, HTTPAddr: cfg.Tunnel.HTTPAddr}, d, metricsCollector, auditLog, log)
	if err := tun.Start(); err != nil {
		return fmt.Errorf("clove: starting tunnel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tun.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("clove: tunnel shutdown error")
		}
	}()
	d.Tunnel = tun

	r, err := reactor.New(100*time.Millisecond, nil, log)
	if err != nil {
		return fmt.Errorf("clove: initializing reactor: %w", err)
	}
	defer r.Close()

	srv, err := socketserver.New(cfg.Socket.Path, r, d, log)
	if err != nil {
		return fmt.Errorf("clove: binding socket: %w", err)
	}
	defer srv.Close()
	r.SetHandler(srv)

	r.AddMaintenance(func() { stateStore.Sweep() })
	r.AddMaintenance(func() { lifecycleMgr.ReapOnce() })
	r.AddMaintenance(func() { tun.DrainEvents() })
	r.AddMaintenance(func() { srv.SweepSlowClients() })

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stopCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		log.Info("clove: shutdown signal received")
		close(stopCh)
	}()

	log.Info("clove: listening", zap.String("socket_path", cfg.Socket.Path))
	return r.Run(stopCh)
}

func buildEventBus(cfg *config.Config, log *logger.Logger) events.Bus {
	return events.NewMemory(cfg.Events.QueueCapacity)
}

func toCategories(names []string) []audit.Category {
	out := make([]audit.Category, 0, len(names))
	for _, n := range names {
		out = append(out, audit.Category(n))
	}
	return out
}
