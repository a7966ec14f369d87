package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gatehouselabs/gatehouse/internal/agent"
	"github.com/gatehouselabs/gatehouse/internal/bus"
	"github.com/gatehouselabs/gatehouse/internal/channels"
	"github.com/gatehouselabs/gatehouse/internal/channels/bridge"
	"github.com/gatehouselabs/gatehouse/internal/channels/discord"
	"github.com/gatehouselabs/gatehouse/internal/channels/telegram"
	"github.com/gatehouselabs/gatehouse/internal/channels/webchat"
	"github.com/gatehouselabs/gatehouse/internal/config"
	"github.com/gatehouselabs/gatehouse/internal/convo"
	"github.com/gatehouselabs/gatehouse/internal/engine"
	"github.com/gatehouselabs/gatehouse/internal/gateway"
	"github.com/gatehouselabs/gatehouse/internal/memory"
	"github.com/gatehouselabs/gatehouse/internal/pairing"
	"github.com/gatehouselabs/gatehouse/internal/routing"
	"github.com/gatehouselabs/gatehouse/internal/scheduler"
	"github.com/gatehouselabs/gatehouse/internal/sessions"
	"github.com/gatehouselabs/gatehouse/internal/store"
	"github.com/gatehouselabs/gatehouse/internal/tools"
	"github.com/gatehouselabs/gatehouse/internal/tracing"
	"github.com/gatehouselabs/gatehouse/internal/tunnel"
	"github.com/gatehouselabs/gatehouse/internal/verify"
)

// drainTimeout bounds the wait for in-flight turns during shutdown.
const drainTimeout = 30 * time.Second

// runGateway wires every component and blocks until SIGINT/SIGTERM.
func runGateway(parent context.Context) error {
	configPath := resolveConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	slog.Info("gateway.config_loaded", "path", configPath, "version", Version)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer shutdownTracing(context.Background())

	// Memory store (optional).
	var mem *memory.Store
	if cfg.Memory.Enabled {
		path := config.ExpandHome(cfg.Memory.Path)
		if path == "" {
			path = config.ExpandHome("~/.gatehouse/memory.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("memory dir: %w", err)
		}
		mem, err = memory.Open(path)
		if err != nil {
			return fmt.Errorf("open memory store: %w", err)
		}
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	policy, err := tools.NewPolicy(cfg.Security.Autonomy)
	if err != nil {
		return fmt.Errorf("security policy: %w", err)
	}

	poolSize := cfg.Tools.WorkerPool.Size
	if poolSize <= 0 {
		poolSize = 4
	}
	taskTimeout := time.Duration(cfg.Tools.WorkerPool.TaskTimeoutSeconds) * time.Second
	if taskTimeout <= 0 {
		taskTimeout = 60 * time.Second
	}
	pool := tools.NewWorkerPool(poolSize, taskTimeout)

	workspace := config.ExpandHome(cfg.Agent.Workspace)
	registry := buildRegistry(workspace, policy, mem)

	mcp := tools.NewMCPConnector(registry)
	mcp.Connect(ctx, cfg.Tools.MCPServers)
	defer mcp.Close()

	// Pairing over the file or Postgres store.
	pairStore, err := store.NewPairingStore(store.Config{
		PostgresDSN: cfg.Storage.PostgresDSN,
		PairingFile: config.ExpandHome(cfg.Storage.PairingFile),
	})
	if err != nil {
		return fmt.Errorf("pairing store: %w", err)
	}
	pm := pairing.NewManager(pairStore)

	mb := bus.New()
	sm := sessions.NewManager(sessions.Config{
		AgentName:    "default",
		Model:        cfg.Agent.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		ToolExclude:  cfg.Tools.Exclude,
	})
	msgRouter := routing.NewRouter(sm)
	agentRouter := agent.NewRouter(cfg.Routing, cfg.Agent.SystemPrompt)
	convoOpts := convoOptions(cfg.Context)
	convoOpts.Summarizer = engine.NewSummarizer(eng, cfg.Agent.Model)
	contexts := routing.NewContextRegistry(convoOpts)
	stt, tts := channels.NewSpeech(cfg.Speech)

	registry.Register(tools.NewDelegate(delegateRunner(cfg, eng, registry, policy, pool)))

	pipeline := channels.NewPipeline(channels.PipelineDeps{
		Config:   cfg,
		Bus:      mb,
		Router:   msgRouter,
		Agents:   agentRouter,
		Contexts: contexts,
		Sessions: sm,
		Registry: registry,
		Policy:   policy,
		Pool:     pool,
		Engine:   eng,
		Verifier: verify.NewComposite(verify.NewFormat(0)),
		Memory:   mem,
		STT:      stt,
		TTS:      tts,
	})

	supervisor := channels.NewSupervisor(channels.DefaultMaxRestarts, channels.DefaultRestartWindow, mb)
	var webchatSurface *webchat.Channel
	addChannel := func(ch channels.Channel) {
		pipeline.RegisterChannel(ch)
		supervisor.AddChild(channels.Child{
			ID:       ch.ID(),
			Run:      ch.Start,
			Shutdown: ch.Stop,
		})
	}
	if cfg.Channels.Telegram.Enabled {
		addChannel(telegram.New(cfg.Channels.Telegram))
	}
	if cfg.Channels.Discord.Enabled {
		addChannel(discord.New(cfg.Channels.Discord))
	}
	if cfg.Channels.Webchat.On() {
		webchatSurface = webchat.New()
		addChannel(webchatSurface)
	}
	if cfg.Channels.Bridge.Enabled {
		addChannel(bridge.New(cfg.Channels.Bridge))
	}

	sched := scheduler.New(mb)
	for _, job := range cfg.Scheduler.Jobs {
		err := sched.AddJob(scheduler.Job{
			Name:     job.Name,
			Schedule: job.Schedule,
			Message:  job.Message,
			Enabled:  job.On(),
			UserID:   job.UserID,
		})
		if err != nil {
			return fmt.Errorf("scheduler job %q: %w", job.Name, err)
		}
	}

	tun, err := tunnel.New(cfg.Tunnel)
	if err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}

	var ready atomic.Bool
	var tunnelStatus func() string
	if cfg.Tunnel.Provider == "tailscale" {
		tunnelStatus = tun.Status
	}
	var wsHandler http.Handler
	if webchatSurface != nil {
		wsHandler = webchatSurface.Handler()
	}
	srv := gateway.New(gateway.Deps{
		Config:       cfg,
		Sessions:     sm,
		Pairing:      pm,
		Bus:          mb,
		TunnelStatus: tunnelStatus,
		Ready:        ready.Load,
		Steer:        pipeline.SteerSession,
		Webchat:      wsHandler,
	})

	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		agentRouter.Reload(next.Routing)
		slog.Info("config.routing_reloaded", "path", configPath)
	})
	if err != nil {
		slog.Warn("config.watch_failed", "error", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	// Start everything.
	supervisor.Start(ctx)
	sched.Start(ctx)
	if err := srv.Start(); err != nil {
		return err
	}
	if cfg.Tunnel.Provider == "tailscale" {
		if err := tun.Start(ctx, srv.Handler()); err != nil {
			slog.Error("tunnel.start_failed", "error", err)
		}
	}
	printPairingHint(pm, cfg)
	ready.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pipeline.Run(gctx)
		return nil
	})
	g.Go(func() error {
		dispatchOutbound(gctx, mb, pipeline)
		return nil
	})
	if cfg.Sessions.MaxIdleMinutes > 0 {
		g.Go(func() error {
			evictIdleSessions(gctx, sm, time.Duration(cfg.Sessions.MaxIdleMinutes)*time.Minute)
			return nil
		})
	}

	<-ctx.Done()
	slog.Info("gateway.shutting_down")
	ready.Store(false)

	// Shutdown order: stop new inbound sources first, drain in-flight
	// turns, then close the backends and the HTTP surface.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout+15*time.Second)
	defer cancel()

	sched.Stop()
	supervisor.Stop(shutdownCtx)
	if !pipeline.Inflight().Drain(shutdownCtx, drainTimeout) {
		slog.Warn("gateway.drain_timeout", "inflight", pipeline.Inflight().Count())
	}
	if err := tun.Stop(shutdownCtx); err != nil {
		slog.Warn("tunnel.stop_failed", "error", err)
	}
	pool.Stop()
	if mem != nil {
		if err := mem.Close(); err != nil {
			slog.Warn("memory.close_failed", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway.http_shutdown_failed", "error", err)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("gateway.stopped")
	return nil
}

// buildEngine constructs the configured default engine.
func buildEngine(cfg *config.Config) (engine.Engine, error) {
	switch cfg.Engines.Default {
	case "", "anthropic":
		ac := cfg.Engines.Anthropic
		if ac.APIKey == "" {
			return nil, fmt.Errorf("engines.anthropic.apiKey is required (set ANTHROPIC_API_KEY in the env sidecar)")
		}
		var opts []engine.AnthropicOption
		if ac.Model != "" {
			opts = append(opts, engine.WithAnthropicModel(ac.Model))
		}
		if ac.BaseURL != "" {
			opts = append(opts, engine.WithAnthropicBaseURL(ac.BaseURL))
		}
		if ac.MaxTokens > 0 {
			opts = append(opts, engine.WithAnthropicMaxTokens(ac.MaxTokens))
		}
		return engine.NewAnthropic(ac.APIKey, opts...), nil
	case "subprocess":
		sc := cfg.Engines.Subprocess
		if sc.Command == "" {
			return nil, fmt.Errorf("engines.subprocess.command is required")
		}
		return engine.NewSubprocess(sc.Command, sc.Args...), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engines.Default)
	}
}

// buildRegistry registers the builtin tools. The delegate tool is added
// separately once its sub-loop runner exists.
func buildRegistry(workspace string, policy *tools.Policy, mem *memory.Store) *tools.Registry {
	registry := tools.NewRegistry()
	registry.Register(tools.NewBash(workspace, policy))
	registry.Register(tools.NewFileRead(workspace, policy))
	registry.Register(tools.NewFileWrite(workspace, policy))
	registry.Register(tools.NewFileEdit(workspace, policy))
	registry.Register(tools.NewWebFetch())
	registry.Register(tools.NewBrowser())
	if mem != nil {
		registry.Register(tools.NewMemorySave(mem))
	}
	return registry
}

// delegateRunner spawns a fresh sub-loop for a self-contained task and
// returns its final answer.
func delegateRunner(cfg *config.Config, eng engine.Engine, registry *tools.Registry, policy *tools.Policy, pool *tools.WorkerPool) tools.DelegateRunner {
	return func(ctx context.Context, task string) (string, error) {
		opts := convoOptions(cfg.Context)
		opts.Summarizer = engine.NewSummarizer(eng, cfg.Agent.Model)
		cc := convo.New(opts)
		cc.SetSystemPrompt(cfg.Agent.SystemPrompt)
		loop := agent.New(agent.Config{
			Engine:   eng,
			Context:  cc,
			Registry: registry,
			Exclude:  []string{"delegate", "browser"},
			Policy:   policy,
			Pool:     pool,
			Model:    cfg.Agent.Model,
		})
		var answer string
		for ev := range loop.Run(ctx, task, nil) {
			switch ev.Kind {
			case agent.EventComplete:
				answer = ev.Answer
			case agent.EventError:
				return "", ev.Err
			}
		}
		return answer, nil
	}
}

// dispatchOutbound hands bus outbound messages to the owning adapter.
func dispatchOutbound(ctx context.Context, mb *bus.MessageBus, pipeline *channels.Pipeline) {
	for {
		msg, ok := mb.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		ch, found := pipeline.Channels()[msg.ChannelID]
		if !found {
			slog.Warn("dispatch.unknown_channel", "channel", msg.ChannelID)
			continue
		}
		if err := ch.Send(ctx, msg.Recipient, msg); err != nil {
			slog.Warn("dispatch.send_failed", "channel", msg.ChannelID, "error", err)
		}
	}
}

// evictIdleSessions sweeps the session table once a minute.
func evictIdleSessions(ctx context.Context, sm *sessions.Manager, maxIdle time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sm.EvictIdle(maxIdle); n > 0 {
				slog.Debug("sessions.evicted", "count", n)
			}
		}
	}
}

// printPairingHint mints a pairing code at startup when pairing is on
// and nothing is paired yet, so a fresh install can connect a client.
func printPairingHint(pm *pairing.Manager, cfg *config.Config) {
	if !cfg.Gateway.PairingOn() || pm.Stats().PairedClients > 0 {
		return
	}
	code, err := pm.GenerateCode("startup")
	if err != nil {
		slog.Warn("pairing.startup_code_failed", "error", err)
		return
	}
	slog.Info("pairing.startup_code", "code", code.Code, "expires", code.ExpiresAt.Format(time.RFC3339))
	fmt.Printf("\nPair a client with: gatehouse chat --code %s\n\n", code.Code)
}

func convoOptions(c config.ContextConfig) convo.Options {
	return convo.Options{
		MaxTokens:                c.MaxTokens,
		MaxMessages:              c.MaxMessages,
		Strategy:                 c.Strategy,
		CompactionThreshold:      c.CompactionThreshold,
		CompactionTarget:         c.CompactionTarget,
		KeepRatio:                c.KeepRatio,
		PreserveFirstUserMessage: c.PreserveFirst(),
		PreserveRecentToolPairs:  c.PreserveRecentToolPairs,
	}
}
