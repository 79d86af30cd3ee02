package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dexterhq/dexter/internal/access"
	"github.com/dexterhq/dexter/internal/agent"
	"github.com/dexterhq/dexter/internal/bus"
	"github.com/dexterhq/dexter/internal/channels"
	"github.com/dexterhq/dexter/internal/channels/discord"
	"github.com/dexterhq/dexter/internal/channels/telegram"
	"github.com/dexterhq/dexter/internal/channels/whatsapp"
	"github.com/dexterhq/dexter/internal/config"
	"github.com/dexterhq/dexter/internal/contextstore"
	"github.com/dexterhq/dexter/internal/gateway"
	"github.com/dexterhq/dexter/internal/mcp"
	"github.com/dexterhq/dexter/internal/planner"
	"github.com/dexterhq/dexter/internal/schedule"
	"github.com/dexterhq/dexter/internal/sessions"
	"github.com/dexterhq/dexter/pkg/protocol"
)

func gatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run and manage the channel gateway",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start the gateway (same as running dexter with no arguments)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	})
	cmd.AddCommand(loginCmd())
	return cmd
}

func runGateway() {
	setupLogging("")

	cfgPath := config.ResolveConfigPath(cfgFile)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()
	setupLogging(snap.Gateway.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (DEXTER_TRACE=stdout exports agent spans; off otherwise)
	stopTracing := initTracing(ctx)
	defer stopTracing()

	// Core components
	msgBus := bus.New()

	registry := buildProviders(&snap)
	model := snap.Agents.Defaults.Model
	provider, err := registry.ForModel(model)
	if err != nil {
		slog.Error("no provider for configured model", "model", model, "error", err)
		os.Exit(1)
	}

	toolsReg := buildTools(&snap)
	slog.Info("tools registered", "tools", toolsReg.Names())

	// Content-addressed artifact store; summaries come from the same model.
	ctxStore := contextstore.New(filepath.Join(cfg.DataDir(), "contexts"), provider, model)

	// Shared agent configuration. Per-session conversation history is
	// attached by the orchestrator when a session first speaks.
	base := agent.LoopConfig{
		ID:                 cfg.DefaultAgentID(),
		Provider:           provider,
		Model:              model,
		MaxIterations:      snap.Agents.Defaults.MaxIterations,
		ToolBudget:         snap.Agents.Defaults.MaxToolCalls,
		KeepRecentResults:  snap.Agents.Defaults.KeepRecentResults,
		MaxToolResultBytes: snap.Agents.Defaults.ContextMaxBytes,
		Tools:              toolsReg,
		Contexts:           ctxStore,
		Permission:         headlessPermission(cfg),
		OnEvent: func(ev agent.Event) {
			msgBus.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: ev})
		},
	}

	// Plan-first execution (config may disable; nil planner runs queries directly)
	var plan *planner.Planner
	if snap.Agents.Defaults.PlanningEnabled() {
		plan = planner.NewPlanner(provider, model, toolsReg)
		slog.Info("planning enabled")
	}

	// MCP servers as extra tool sources
	mcpMgr := mcp.NewManager(toolsReg)
	if len(snap.Tools.MCPServers) > 0 {
		if err := mcpMgr.Start(ctx, snap.Tools.MCPServers); err != nil {
			slog.Warn("mcp startup errors", "error", err)
		}
		defer mcpMgr.Stop()
		slog.Info("mcp servers initialized", "configured", len(snap.Tools.MCPServers), "tools", mcpMgr.ToolNames())
	}

	// Pairing store + access gatekeeper
	pairing, err := access.NewPairingStore(cfg.PairingPath())
	if err != nil {
		slog.Error("failed to open pairing store", "path", cfg.PairingPath(), "error", err)
		os.Exit(1)
	}
	gate := access.NewGatekeeper(pairing)

	meta := sessions.NewMetaStore(cfg.SessionsDir())

	orch := gateway.NewOrchestrator(cfg, msgBus, gate, meta, plan, base)

	// Channel adapters. Each enabled channel gets a manager for account
	// lifecycle and registers as an outbound sender.
	backoff := channels.NewBackoff(snap.Gateway.Reconnect)
	dispatcher := channels.NewDispatcher(msgBus)
	var runtimes []channels.Runtime

	if snap.Channels.WhatsApp.Enabled {
		wa := whatsapp.New(msgBus, backoff)
		mgr := channels.NewManager[config.WhatsAppConfig, config.WhatsAppAccount](wa, snap.Channels.WhatsApp)
		orch.RegisterChannel(whatsapp.ChannelID, wa)
		dispatcher.Register(wa)
		runtimes = append(runtimes, mgr)
		slog.Info("whatsapp channel enabled", "accounts", len(snap.Channels.WhatsApp.Accounts))
	}

	if snap.Channels.Telegram.Enabled {
		tg := telegram.New(msgBus, backoff)
		mgr := channels.NewManager[config.TelegramConfig, config.TelegramConfig](tg, snap.Channels.Telegram)
		orch.RegisterChannel(telegram.ChannelID, tg)
		dispatcher.Register(tg)
		runtimes = append(runtimes, mgr)
		slog.Info("telegram channel enabled")
	}

	if snap.Channels.Discord.Enabled {
		dc := discord.New(msgBus, backoff)
		mgr := channels.NewManager[config.DiscordConfig, config.DiscordConfig](dc, snap.Channels.Discord)
		orch.RegisterChannel(discord.ChannelID, dc)
		dispatcher.Register(dc)
		runtimes = append(runtimes, mgr)
		slog.Info("discord channel enabled")
	}

	for _, rt := range runtimes {
		if err := rt.StartAll(ctx); err != nil {
			slog.Error("failed to start channel", "channel", rt.ID(), "error", err)
		}
	}

	// Scheduled research queries ride the same per-session turn queue.
	// The runner re-reads config each tick, so hot-added schedules fire
	// without a restart.
	sched := schedule.NewRunner(cfg, orch)
	go sched.Run(ctx)
	if n := len(snap.Schedules); n > 0 {
		slog.Info("schedules enabled", "count", n)
	}

	// Hot-reload access policies, bindings, and schedules on config save.
	// Channel topology changes still need a restart.
	if err := config.Watch(ctx, cfgPath, cfg, nil); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	}

	go dispatcher.Run(ctx)
	go orch.Run(ctx)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		for _, rt := range runtimes {
			rt.StopAll(context.Background())
		}
		cancel()
	}()

	slog.Info("dexter gateway starting",
		"version", Version,
		"protocol", protocol.Version,
		"agent", cfg.DefaultAgentID(),
		"model", model,
		"tools", len(toolsReg.Names()),
		"channels", len(runtimes),
	)

	// The status server owns the main goroutine when enabled; the config
	// field's empty default means no listener.
	if snap.Gateway.StatusAddr != "" {
		sources := make([]gateway.StatusSource, 0, len(runtimes))
		for _, rt := range runtimes {
			sources = append(sources, rt)
		}
		statusSrv := gateway.NewServer(cfg, msgBus, sources...)
		if err := statusSrv.Start(ctx); err != nil {
			slog.Error("status server error", "error", err)
			os.Exit(1)
		}
		return
	}
	<-ctx.Done()
}

// headlessPermission denies tools the config marks approval-required.
// There is no operator at the gateway to ask; interactive approval only
// exists in dexter chat.
func headlessPermission(cfg *config.Config) agent.PermissionFunc {
	return func(ctx context.Context, name string, args map[string]interface{}) bool {
		for _, t := range cfg.Snapshot().Agents.Defaults.ApprovalRequired {
			if t == name {
				slog.Warn("tool requires approval, denied in gateway mode", "tool", name)
				return false
			}
		}
		return true
	}
}
