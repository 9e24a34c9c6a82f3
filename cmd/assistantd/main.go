// Assistantd is the personal-assistant automation server.
//
// It ingests events from a smart-home stream, pushed webhooks,
// internal indexing signals, and scheduled timers; matches them
// against user-registered automations; and dispatches the resulting
// actions (agent wakes or sandboxed scripts). Long-running work is
// delegated to worker processes whose lifecycle is reconciled against
// the execution backend. Configuration comes from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	assistantd serve         Start the server
//	assistantd version       Print version information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/werdnum/family-assistant/internal/agent"
	"github.com/werdnum/family-assistant/internal/api"
	"github.com/werdnum/family-assistant/internal/attachments"
	"github.com/werdnum/family-assistant/internal/clock"
	"github.com/werdnum/family-assistant/internal/config"
	"github.com/werdnum/family-assistant/internal/confirm"
	"github.com/werdnum/family-assistant/internal/events"
	"github.com/werdnum/family-assistant/internal/homestream"
	"github.com/werdnum/family-assistant/internal/indexing"
	"github.com/werdnum/family-assistant/internal/metrics"
	"github.com/werdnum/family-assistant/internal/mqttsource"
	"github.com/werdnum/family-assistant/internal/processor"
	"github.com/werdnum/family-assistant/internal/registry"
	"github.com/werdnum/family-assistant/internal/sandbox"
	"github.com/werdnum/family-assistant/internal/schedule"
	"github.com/werdnum/family-assistant/internal/store"
	"github.com/werdnum/family-assistant/internal/webhook"
	"github.com/werdnum/family-assistant/internal/worker"
)

var version = "dev"

// main constructs the OS-level environment and delegates to run so
// the full lifecycle can be driven from tests.
func main() {
	if err := run(context.Background(), os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer, args []string) error {
	var configPath string
	command := "serve"

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			fmt.Fprintln(stdout, "usage: assistantd [-config path] [serve|version]")
			return nil
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		}
	}

	switch command {
	case "version":
		fmt.Fprintln(stdout, "assistantd", version)
		return nil
	case "serve":
		return serve(ctx, configPath)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// serve wires the full pipeline and blocks until a shutdown signal.
func serve(ctx context.Context, configPath string) error {
	cfg := config.Default()
	if path, err := config.FindConfig(configPath); err == nil {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	} else if configPath != "" {
		return err
	} else {
		cfg.ApplyEnvOverrides()
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)
	logger.Info("starting assistantd", "version", version)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "assistant.db"), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	clk := clock.System{}
	m := metrics.New()
	queue := events.NewQueue(cfg.Webhooks.QueueSize, logger)

	attach, err := attachments.NewStore(st.DB(), filepath.Join(cfg.DataDir, "attachments"), logger)
	if err != nil {
		return fmt.Errorf("open attachment store: %w", err)
	}

	sb := sandbox.New(sandbox.Options{
		Timeout:   time.Duration(cfg.Sandbox.TimeoutMillis) * time.Millisecond,
		DenyTools: cfg.Sandbox.DenyTools,
		Logger:    logger,
	})

	var waker agent.Waker
	if cfg.Agent.URL != "" {
		waker = agent.NewHTTPWaker(cfg.Agent.URL, cfg.Agent.Token, logger)
	} else {
		logger.Warn("no agent configured, wake_agent actions will be skipped")
	}

	// Prompts go to the log until an interface adapter registers a
	// real sender; replies still arrive through the API.
	mediator := confirm.New(confirm.SenderFunc(func(ctx context.Context, p confirm.Prompt) error {
		logger.Info("confirmation requested",
			"id", p.ID, "conversation_id", p.ConversationID,
			"tool", p.ToolName, "description", p.Description)
		return nil
	}), time.Duration(cfg.Confirmation.TimeoutSeconds)*time.Second, logger)

	engine := &schedule.Engine{DefaultTimezone: cfg.Timezone}
	ticker := schedule.NewTicker(st, engine, queue, clk, logger)

	cache := processor.NewListenerCache(st,
		time.Duration(cfg.Processor.CacheRefreshSeconds)*time.Second, logger)
	proc := processor.New(processor.Config{
		Workers:        cfg.Processor.Workers,
		SampleInterval: time.Duration(cfg.Processor.SampleIntervalHours) * time.Hour,
	}, queue, st, cache, sb, waker, mediator, attach, m, clk, logger)

	reg := registry.New(st, engine, cache, ticker, clk, logger)
	receiver := webhook.NewReceiver(queue, cfg.Webhooks.Secrets, m, logger)

	var backend worker.Backend
	if cfg.Workers.Backend == "process" && len(cfg.Workers.Command) > 0 {
		backend, err = worker.NewProcessBackend(cfg.Workers.Command, cfg.Workers.WorkspaceDir, logger)
		if err != nil {
			return err
		}
	}

	callbackBase := cfg.Workers.CallbackBaseURL
	if callbackBase == "" {
		callbackBase = fmt.Sprintf("http://localhost:%d", cfg.Listen.Port)
	}
	var orch *worker.Orchestrator
	if backend != nil {
		orch = worker.New(worker.Config{
			MaxConcurrent:     cfg.Workers.MaxConcurrent,
			CallbackBaseURL:   callbackBase,
			ReconcileInterval: time.Duration(cfg.Workers.ReconcileIntervalSeconds) * time.Second,
			SubmittedTimeout:  time.Duration(cfg.Workers.SubmittedTimeoutHours) * time.Hour,
			RunningBuffer:     time.Duration(cfg.Workers.RunningBufferMinutes) * time.Minute,
			Retention:         time.Duration(cfg.Workers.RetentionHours) * time.Hour,
		}, st, backend, m, clk, logger)
	} else {
		logger.Warn("no worker backend configured, worker endpoints disabled")
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port,
		reg, orch, receiver, mediator, queue, m, logger)

	// Sources. The indexing notifier always runs; the network sources
	// only when configured.
	sources := []events.Source{indexing.NewNotifier(queue, m, logger), ticker}
	if cfg.HomeAssistant.URL != "" {
		sources = append(sources, homestream.New(homestream.Config{
			URL:                cfg.HomeAssistant.URL,
			Token:              cfg.HomeAssistant.Token,
			EventTypes:         cfg.HomeAssistant.EventTypes,
			EntityFilters:      cfg.HomeAssistant.EntityFilters,
			RateLimitPerMinute: cfg.HomeAssistant.RateLimitPerMinute,
		}, queue, m, clk, logger))
	}
	if cfg.MQTT.BrokerURL != "" {
		sources = append(sources, mqttsource.New(mqttsource.Config{
			BrokerURL:   cfg.MQTT.BrokerURL,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, queue, m, logger))
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, src := range sources {
		if err := src.Start(ctx); err != nil {
			return fmt.Errorf("start %s source: %w", src.Name(), err)
		}
	}

	// The processor runs on a context detached from the shutdown
	// signal so it can drain events still buffered in the queue; the
	// timer armed below bounds the drain.
	procCtx, procCancel := context.WithCancel(context.Background())
	defer procCancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proc.Run(procCtx) })
	g.Go(func() error { return server.Start(gctx) })
	if orch != nil {
		g.Go(func() error { return orch.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Stop producing, then close the queue; the processor exits on
		// its own once the buffered events are handled.
		for _, src := range sources {
			src.Stop()
		}
		queue.Close()
		time.AfterFunc(10*time.Second, procCancel)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
