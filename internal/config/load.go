package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// DefaultAgentID is used when no agent id is configured or bound.
const DefaultAgentID = "dexter"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			LogLevel:         "info",
			HeartbeatSeconds: 30,
			Reconnect: ReconnectConfig{
				MinDelayMs: 1000,
				MaxDelayMs: 30000,
				Jitter:     0.25,
			},
			ReplyPrefix: "[dexter] ",
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				ID:                DefaultAgentID,
				Model:             "claude-sonnet-4-20250514",
				MaxTokens:         8192,
				Temperature:       0.2,
				MaxIterations:     10,
				ContextMaxBytes:   32 * 1024,
				KeepRecentResults: 4,
				MaxToolCalls:      30,
			},
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				DuckDuckGo: DuckDuckGoConfig{Enabled: true, MaxResults: 5},
			},
		},
		Storage: StorageConfig{
			DataDir: "~/.dexter",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("DEXTER_MODEL", &c.Agents.Defaults.Model)
	envStr("DEXTER_DATA_DIR", &c.Storage.DataDir)
	envStr("DEXTER_SESSIONS_DIR", &c.Storage.SessionsDir)
	envStr("DEXTER_PAIRING_PATH", &c.Storage.PairingPath)
	envStr("DEXTER_STATUS_ADDR", &c.Gateway.StatusAddr)
	envStr("DEXTER_LOG_LEVEL", &c.Gateway.LogLevel)

	envStr("DEXTER_TELEGRAM_TOKEN", &c.Channels.Telegram.BotToken)
	envStr("DEXTER_DISCORD_TOKEN", &c.Channels.Discord.BotToken)

	// Auto-enable channels when credentials arrive via env.
	if os.Getenv("DEXTER_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("DEXTER_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}

	if v := os.Getenv("DEXTER_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Agents.Defaults.MaxIterations = n
		}
	}
}

// ResolveConfigPath returns the gateway config path: explicit flag value,
// then DEXTER_GATEWAY_CONFIG, then ~/.dexter/dexter.json.
func ResolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("DEXTER_GATEWAY_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(ExpandHome("~/.dexter"), "dexter.json")
}

// DataDir returns the expanded storage root.
func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Storage.DataDir != "" {
		return ExpandHome(c.Storage.DataDir)
	}
	return ExpandHome("~/.dexter")
}

// SessionsDir returns the session-meta directory, honoring
// DEXTER_SESSIONS_DIR via the env overlay.
func (c *Config) SessionsDir() string {
	c.mu.RLock()
	dir := c.Storage.SessionsDir
	c.mu.RUnlock()
	if dir != "" {
		return ExpandHome(dir)
	}
	return filepath.Join(c.DataDir(), "sessions")
}

// PairingPath returns the pairing-store file path, honoring
// DEXTER_PAIRING_PATH via the env overlay.
func (c *Config) PairingPath() string {
	c.mu.RLock()
	p := c.Storage.PairingPath
	c.mu.RUnlock()
	if p != "" {
		return ExpandHome(p)
	}
	return filepath.Join(c.DataDir(), "credentials", "pairing.json")
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
