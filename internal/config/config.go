package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Dexter gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Tools     ToolsConfig     `json:"tools"`
	Storage   StorageConfig   `json:"storage"`
	Bindings  []AgentBinding  `json:"bindings,omitempty"`
	Schedules []Schedule      `json:"schedules,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig holds gateway-wide runtime settings.
type GatewayConfig struct {
	LogLevel         string          `json:"logLevel,omitempty"`         // "debug", "info" (default), "warn", "error"
	HeartbeatSeconds int             `json:"heartbeatSeconds,omitempty"` // bridge keepalive interval
	Reconnect        ReconnectConfig `json:"reconnect,omitempty"`
	StatusAddr       string          `json:"statusAddr,omitempty"` // HTTP status API listen address ("" = disabled)
	ReplyPrefix      string          `json:"replyPrefix,omitempty"` // brand tag prepended to outbound replies

	// AllowedOrigins restricts websocket status clients by Origin
	// header. Empty allows all; non-browser clients always pass.
	AllowedOrigins FlexibleStringSlice `json:"allowedOrigins,omitempty"`
}

// ReconnectConfig bounds the exponential reconnect backoff for channel
// transports. MaxAttempts 0 means retry forever.
type ReconnectConfig struct {
	MinDelayMs  int     `json:"minDelayMs,omitempty"`
	MaxDelayMs  int     `json:"maxDelayMs,omitempty"`
	MaxAttempts int     `json:"maxAttempts,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"` // 0..1 fraction of the delay
}

// AgentsConfig contains agent defaults.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// AgentDefaults are default settings for the research agent.
type AgentDefaults struct {
	ID            string  `json:"id,omitempty"`
	Model         string  `json:"model,omitempty"`
	MaxTokens     int     `json:"maxTokens,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	MaxIterations int     `json:"maxIterations,omitempty"`
	Planning      *bool   `json:"planning,omitempty"` // nil = enabled

	// Context compaction: clear accumulated tool results past this many
	// bytes, keeping the most recent KeepRecentResults.
	ContextMaxBytes   int `json:"contextMaxBytes,omitempty"`
	KeepRecentResults int `json:"keepRecentResults,omitempty"`

	// Per-run tool budget; further calls are skipped with a tool_limit event.
	MaxToolCalls int `json:"maxToolCalls,omitempty"`

	// Tools that require an interactive approval before each invocation.
	ApprovalRequired FlexibleStringSlice `json:"approvalRequired,omitempty"`
}

// PlanningEnabled reports whether plan-first execution is on (default true).
func (d AgentDefaults) PlanningEnabled() bool {
	return d.Planning == nil || *d.Planning
}

// ChannelsConfig groups per-channel settings.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
}

// WhatsAppConfig configures the WhatsApp bridge channel. Multiple linked
// accounts are supported, each with its own bridge endpoint and policy.
type WhatsAppConfig struct {
	Enabled  bool                       `json:"enabled,omitempty"`
	Accounts map[string]WhatsAppAccount `json:"accounts,omitempty"`
}

// WhatsAppAccount is one linked WhatsApp account.
type WhatsAppAccount struct {
	BridgeURL        string              `json:"bridgeUrl,omitempty"` // websocket endpoint of the bridge process
	AuthDir          string              `json:"authDir,omitempty"`   // linked-device credential directory
	AllowFrom        FlexibleStringSlice `json:"allowFrom,omitempty"`
	DMPolicy         string              `json:"dmPolicy,omitempty"`    // "pairing" (default), "allowlist", "open", "disabled"
	GroupPolicy      string              `json:"groupPolicy,omitempty"` // "open", "allowlist", "disabled" (default)
	GroupAllowFrom   FlexibleStringSlice `json:"groupAllowFrom,omitempty"`
	SendReadReceipts *bool               `json:"sendReadReceipts,omitempty"` // nil = true
	PairingGraceMs   int                 `json:"pairingGraceMs,omitempty"`   // suppress pairing replies for backlog (default 30000)
}

// TelegramConfig configures the Telegram bot channel.
type TelegramConfig struct {
	Enabled        bool                `json:"enabled,omitempty"`
	BotToken       string              `json:"botToken,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allowFrom,omitempty"`
	DMPolicy       string              `json:"dmPolicy,omitempty"`
	GroupPolicy    string              `json:"groupPolicy,omitempty"`
	GroupAllowFrom FlexibleStringSlice `json:"groupAllowFrom,omitempty"`
}

// DiscordConfig configures the Discord bot channel.
type DiscordConfig struct {
	Enabled        bool                `json:"enabled,omitempty"`
	BotToken       string              `json:"botToken,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allowFrom,omitempty"`
	DMPolicy       string              `json:"dmPolicy,omitempty"`
	GroupPolicy    string              `json:"groupPolicy,omitempty"`
	GroupAllowFrom FlexibleStringSlice `json:"groupAllowFrom,omitempty"`
}

// ProvidersConfig holds LLM provider settings. API keys may live here or,
// preferably, in the environment; call sites read keys lazily so .env load
// order never matters.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
	Gemini    ProviderConfig `json:"gemini,omitempty"`
}

// ProviderConfig is one provider endpoint.
type ProviderConfig struct {
	APIKey       string `json:"apiKey,omitempty"`
	BaseURL      string `json:"baseUrl,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

// ToolsConfig configures the research tool layer.
type ToolsConfig struct {
	Web        WebToolsConfig             `json:"web,omitempty"`
	MCPServers map[string]MCPServerConfig `json:"mcpServers,omitempty"`
}

// WebToolsConfig configures web_search backends.
type WebToolsConfig struct {
	Brave      BraveConfig      `json:"brave,omitempty"`
	DuckDuckGo DuckDuckGoConfig `json:"duckduckgo,omitempty"`
}

// BraveConfig configures the Brave Search backend.
type BraveConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	APIKey     string `json:"apiKey,omitempty"` // env BRAVE_API_KEY preferred
	MaxResults int    `json:"maxResults,omitempty"`
}

// DuckDuckGoConfig configures the keyless DuckDuckGo fallback.
type DuckDuckGoConfig struct {
	Enabled    bool `json:"enabled,omitempty"`
	MaxResults int  `json:"maxResults,omitempty"`
}

// MCPServerConfig describes one MCP server to spawn as a tool source.
type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// StorageConfig controls where Dexter persists its JSON state.
type StorageConfig struct {
	DataDir     string `json:"dataDir,omitempty"`     // root for conversations/ and contexts/
	SessionsDir string `json:"sessionsDir,omitempty"` // session-meta files (env DEXTER_SESSIONS_DIR)
	PairingPath string `json:"pairingPath,omitempty"` // pairing store (env DEXTER_PAIRING_PATH)
}

// AgentBinding maps a channel/account/peer pattern to a specific agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies which messages the binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"accountId,omitempty"` // absent or "*" matches any account
	Peer      *BindingPeer `json:"peer,omitempty"`
}

// BindingPeer targets one DM or group.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// Schedule is a recurring research query delivered to a channel recipient.
type Schedule struct {
	ID        string `json:"id"`
	Cron      string `json:"cron"` // standard 5-field cron expression
	Query     string `json:"query"`
	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	To        string `json:"to,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config watcher for hot reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Tools = src.Tools
	c.Storage = src.Storage
	c.Bindings = src.Bindings
	c.Schedules = src.Schedules
}

// Snapshot returns a copy of the data fields for lock-free reads.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Gateway:   c.Gateway,
		Agents:    c.Agents,
		Channels:  c.Channels,
		Providers: c.Providers,
		Tools:     c.Tools,
		Storage:   c.Storage,
		Bindings:  append([]AgentBinding(nil), c.Bindings...),
		Schedules: append([]Schedule(nil), c.Schedules...),
	}
}

// DefaultAgentID returns the configured agent id, "dexter" when unset.
func (c *Config) DefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agents.Defaults.ID != "" {
		return c.Agents.Defaults.ID
	}
	return DefaultAgentID
}
