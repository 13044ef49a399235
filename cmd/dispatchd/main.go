// Package main is the dispatchd entry point. One binary runs the whole
// orchestrator: task store, worker pool, MCP tool server, scheduler,
// watchdog, chat router and the HTTP gateway with its channel adapters.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dispatchd/dispatchd/internal/agent/runner"
	"github.com/dispatchd/dispatchd/internal/audit"
	"github.com/dispatchd/dispatchd/internal/channels"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/fsutil"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/gateway"
	"github.com/dispatchd/dispatchd/internal/mcpregistry"
	"github.com/dispatchd/dispatchd/internal/pairing"
	"github.com/dispatchd/dispatchd/internal/policy"
	"github.com/dispatchd/dispatchd/internal/ratelimit"
	"github.com/dispatchd/dispatchd/internal/router"
	"github.com/dispatchd/dispatchd/internal/scheduler"
	"github.com/dispatchd/dispatchd/internal/session"
	"github.com/dispatchd/dispatchd/internal/task/store"
	"github.com/dispatchd/dispatchd/internal/toolserver"
	"github.com/dispatchd/dispatchd/internal/watchdog"
	"github.com/dispatchd/dispatchd/internal/workerpool"
)

func main() {
	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	// 3. Disclaimer gate: this process runs an agent with shell access
	if !cfg.AcceptRisk {
		fmt.Fprintln(os.Stderr, "dispatchd drives an autonomous agent with shell access on this host.")
		fmt.Fprintln(os.Stderr, "Set acceptRisk: true (or DISPATCHD_ACCEPT_RISK=true) to acknowledge and start.")
		os.Exit(1)
	}

	log.Info("starting dispatchd",
		zap.String("workspace", cfg.Paths.WorkspaceRoot),
		zap.String("data_dir", cfg.Paths.DataDir))

	// 4. Directories and optional volatile-state reset
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.Paths.WorkspaceRoot, cfg.Paths.TasksDir()} {
		if err := fsutil.EnsureDir(dir); err != nil {
			log.Fatal("failed to create directory", zap.String("dir", dir), zap.Error(err))
		}
	}
	if cfg.ClearStateOnBoot {
		clearVolatileState(cfg, log)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 5. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsBus.Close()
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}

	// mirror every task.* event into the centralized task-events.log
	taskEventsLog := filepath.Join(cfg.Paths.LogDir, "task-events.log")
	if _, err := eventBus.Subscribe("task.>", func(_ context.Context, e *bus.Event) error {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return fsutil.AppendLine(taskEventsLog, string(line))
	}); err != nil {
		log.Warn("task event log subscription failed", zap.Error(err))
	}

	// 6. Stores
	tasks, err := store.NewManager(filepath.Join(cfg.Paths.DataDir, "tasks.json"), cfg.Paths.TasksDir(), eventBus, log)
	if err != nil {
		log.Fatal("failed to open task store", zap.Error(err))
	}
	sessions, err := session.NewStore(filepath.Join(cfg.Paths.DataDir, "sessions.json"))
	if err != nil {
		log.Fatal("failed to open session store", zap.Error(err))
	}
	pair, err := pairing.NewStore(filepath.Join(cfg.Paths.DataDir, "pairing.json"), cfg.Pairing.Mode)
	if err != nil {
		log.Fatal("failed to open pairing store", zap.Error(err))
	}
	sched, err := scheduler.New(
		filepath.Join(cfg.Paths.DataDir, "jobs.json"),
		filepath.Join(cfg.Paths.DataDir, "job-runs.jsonl"), log)
	if err != nil {
		log.Fatal("failed to open scheduler store", zap.Error(err))
	}
	mcpServers, err := mcpregistry.New(filepath.Join(cfg.Paths.DataDir, "mcp-servers.json"))
	if err != nil {
		log.Fatal("failed to open MCP server registry", zap.Error(err))
	}
	auditLog := audit.New(filepath.Join(cfg.Paths.DataDir, "audit.jsonl"))

	// 7. Agent runner, policy, worker pool
	run := runner.New(cfg.Agent, tasks.TasksRoot(), log)
	pol := policy.New(cfg.Policy, log)
	pool := workerpool.New(tasks, sched, run, mcpServers, cfg, log)

	// the orchestrator brain runs in the root workspace; give it a tool-server
	// config there so its MCP tools resolve
	if err := workerpool.WriteOrchestratorMCPConfig(cfg.Paths.WorkspaceRoot, cfg.MCP.PublicURL, mcpServers); err != nil {
		log.Warn("failed to write orchestrator MCP config", zap.Error(err))
	}

	restart := restartProcess(log)

	// 8. MCP tool server and chat router
	tools := toolserver.New(tasks, pool, sched, mcpServers, pol, auditLog, eventBus, run, cfg, restart, log)
	chat := router.New(tasks, sessions, pair, sched, pol, auditLog, run, pool, cfg, restart, log)

	// 9. Channel adapters; constructors return nil when unconfigured
	chRegistry := channels.NewRegistry(log)
	tg, err := channels.NewTelegram(cfg.Channels.Telegram, log)
	if err != nil {
		log.Warn("telegram adapter disabled", zap.Error(err))
		tg = nil
	}
	if tg != nil {
		chRegistry.Register(tg)
	}
	slack := channels.NewSlack(cfg.Channels.Slack, log)
	if slack != nil {
		chRegistry.Register(slack)
	}
	whatsapp := channels.NewWhatsApp(cfg.Channels.WhatsApp, log)
	if whatsapp != nil {
		chRegistry.Register(whatsapp)
	}
	if teams := channels.NewTeams(cfg.Channels.Teams, log); teams != nil {
		chRegistry.Register(teams)
	}
	sig := channels.NewSignal(cfg.Channels.Signal, log)
	if sig != nil {
		chRegistry.Register(sig)
	}
	log.Info("channel adapters ready", zap.Strings("channels", chRegistry.Names()))

	// 10. Gateway
	gw := gateway.New(gateway.Options{
		Config:     cfg,
		ChatRouter: chat,
		Channels:   chRegistry,
		Telegram:   tg,
		Slack:      slack,
		WhatsApp:   whatsapp,
		Tasks:      tasks,
		Scheduler:  sched,
		Pool:       pool,
		Limiter:    ratelimit.New(cfg.RateLimit.MaxCalls, cfg.RateLimit.RateWindow()),
		Runner:     run,
		Bus:        eventBus,
		MCPHandler: tools.Handler(),
		Restart:    restart,
		Logger:     log,
	})
	if err := gw.Start(); err != nil {
		log.Fatal("failed to start gateway", zap.Error(err))
	}

	// 11. Watchdog
	wd := watchdog.New(tasks, pool, cfg.Watchdog, log)
	wd.Start()

	// 12. Background loops
	inbound := func(channel string) channels.InboundHandler {
		return func(ctx context.Context, senderID, chatID, text string) string {
			return chat.Handle(ctx, router.ChatRequest{
				Channel:  channel,
				SenderID: senderID,
				ChatID:   chatID,
				Text:     text,
			}).Text
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.RunDispatchLoop(gctx, time.Second, newDeliverer(pool, run, chRegistry, cfg, log))
		return nil
	})
	// Telegram long-polls unless a webhook secret selects webhook mode;
	// the API rejects getUpdates while a webhook is registered.
	if tg != nil && tg.WebhookSecret() == "" {
		g.Go(func() error {
			tg.Poll(gctx, inbound("telegram"))
			return nil
		})
	}
	if sig != nil {
		g.Go(func() error {
			sig.Poll(gctx, 5*time.Second, inbound("signal"))
			return nil
		})
	}
	g.Go(func() error {
		bootstrap(gctx, cfg, tasks, sessions, run, sched, chRegistry, log)
		return nil
	})

	log.Info("dispatchd started",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("mcp_url", cfg.MCP.PublicURL))

	// 13. Wait for a signal, then shut down
	<-ctx.Done()
	log.Info("shutdown signal received")

	wd.Stop()
	pool.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		log.Error("gateway shutdown failed", zap.Error(err))
	}
	_ = g.Wait()
	log.Info("dispatchd stopped")
}

// restartProcess re-execs the current binary. Used by /restart, /update
// apply, app_restart and POST /control/restart.
func restartProcess(log *logger.Logger) func(reason string) {
	return func(reason string) {
		log.Warn("restarting process", zap.String("reason", reason))
		exe, err := os.Executable()
		if err != nil {
			log.Error("cannot locate executable for restart", zap.Error(err))
			return
		}
		// give in-flight HTTP responses a moment to flush
		time.Sleep(500 * time.Millisecond)
		cmd := exec.Command(exe, os.Args[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = os.Environ()
		if err := cmd.Start(); err != nil {
			log.Error("restart failed", zap.Error(err))
			return
		}
		os.Exit(0)
	}
}

// clearVolatileState removes runtime state files so the orchestrator boots
// fresh. pairing.json survives because it holds user identity.
func clearVolatileState(cfg *config.Config, log *logger.Logger) {
	files := []string{
		filepath.Join(cfg.Paths.DataDir, "tasks.json"),
		filepath.Join(cfg.Paths.DataDir, "sessions.json"),
		filepath.Join(cfg.Paths.DataDir, "jobs.json"),
		filepath.Join(cfg.Paths.DataDir, "job-runs.jsonl"),
		filepath.Join(cfg.Paths.DataDir, "audit.jsonl"),
		filepath.Join(cfg.Paths.LogDir, "orchestrator.log"),
		filepath.Join(cfg.Paths.LogDir, "mcp-calls.log"),
	}
	removed := 0
	for _, f := range files {
		if err := os.Remove(f); err == nil {
			removed++
		}
	}
	log.Info("volatile state cleared", zap.Int("files_removed", removed))
}
