// Package mcp connects configured MCP servers over stdio and exposes
// their tools through the agent's tool registry.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/dexterhq/dexter/internal/channels"
	"github.com/dexterhq/dexter/internal/config"
	"github.com/dexterhq/dexter/internal/tools"
)

const (
	healthCheckInterval = 30 * time.Second
	reconnectMin        = 2 * time.Second
	reconnectMax        = 60 * time.Second
	reconnectAttempts   = 10
)

// ServerStatus reports the connection state of one MCP server.
type ServerStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

// serverState tracks a single MCP server connection.
type serverState struct {
	name      string
	client    *mcpclient.Client
	connected atomic.Bool
	toolNames []string
	cancel    context.CancelFunc

	mu      sync.Mutex
	lastErr string
}

func (s *serverState) setErr(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

// Manager owns MCP server connections and the bridge tools registered
// for them.
type Manager struct {
	mu       sync.RWMutex
	registry *tools.Registry
	servers  map[string]*serverState
}

func NewManager(registry *tools.Registry) *Manager {
	return &Manager{
		registry: registry,
		servers:  make(map[string]*serverState),
	}
}

// Start connects every configured server. Per-server failures are
// logged and reported but never abort the rest: one broken server must
// not take the built-in tools down with it.
func (m *Manager) Start(ctx context.Context, configs map[string]config.MCPServerConfig) error {
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []string
	for _, name := range names {
		if err := m.connect(ctx, name, configs[name]); err != nil {
			slog.Warn("mcp server connect failed", "server", name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("mcp servers failed to connect: %s", strings.Join(errs, "; "))
	}
	return nil
}

// connect spawns the server, performs the MCP handshake, discovers its
// tools, and registers a bridge for each.
func (m *Manager) connect(ctx context.Context, name string, cfg config.MCPServerConfig) error {
	if cfg.Command == "" {
		return fmt.Errorf("no command configured")
	}

	cli, err := mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "dexter", Version: "1.0.0"}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		cli.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := cli.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		cli.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	ss := &serverState{name: name, client: cli}
	ss.connected.Store(true)

	var registered []string
	for _, mt := range listed.Tools {
		bt := newBridgeTool(name, mt, cli, &ss.connected)
		if _, exists := m.registry.Get(bt.Name()); exists {
			slog.Warn("mcp tool name collision, skipped", "server", name, "tool", bt.Name())
			continue
		}
		m.registry.Register(bt)
		registered = append(registered, bt.Name())
	}
	ss.toolNames = registered

	hctx, cancel := context.WithCancel(context.Background())
	ss.cancel = cancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[name] = ss
	m.mu.Unlock()

	slog.Info("mcp server connected", "server", name, "tools", len(registered))
	return nil
}

// healthLoop pings the server periodically. Servers that don't
// implement ping are treated as healthy; transient failures flip the
// connected flag so bridge tools fail fast, then the loop probes again
// with backoff until the transport recovers or attempts run out.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	backoff := channels.Backoff{Min: reconnectMin, Max: reconnectMax, MaxAttempts: reconnectAttempts}
	attempt := 0

	tick := time.NewTicker(healthCheckInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			err := ss.client.Ping(ctx)
			if err == nil || strings.Contains(strings.ToLower(err.Error()), "method not found") {
				ss.connected.Store(true)
				ss.setErr("")
				attempt = 0
				continue
			}

			ss.connected.Store(false)
			ss.setErr(err.Error())
			slog.Warn("mcp server unhealthy", "server", ss.name, "error", err)

			attempt++
			delay, retry := backoff.Delay(attempt)
			if !retry {
				ss.setErr(fmt.Sprintf("gave up after %d reconnect attempts", attempt-1))
				slog.Error("mcp server reconnect exhausted", "server", ss.name)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if err := ss.client.Ping(ctx); err == nil {
				ss.connected.Store(true)
				ss.setErr("")
				attempt = 0
				slog.Info("mcp server reconnected", "server", ss.name)
			}
		}
	}
}

// Stop closes all server connections. Registered bridge tools stay in
// the catalog but fail fast while disconnected; servers connect once at
// startup, so Stop only runs at shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		ss.connected.Store(false)
		if err := ss.client.Close(); err != nil {
			slog.Debug("mcp server close failed", "server", name, "error", err)
		}
	}
	m.servers = make(map[string]*serverState)
}

// Status lists server states sorted by name.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		out = append(out, ServerStatus{
			Name:      ss.name,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToolNames returns every registered bridge tool name.
func (m *Manager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for _, ss := range m.servers {
		names = append(names, ss.toolNames...)
	}
	sort.Strings(names)
	return names
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
