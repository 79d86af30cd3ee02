package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.Defaults.MaxIterations != 10 {
		t.Errorf("maxIterations = %d, want default 10", cfg.Agents.Defaults.MaxIterations)
	}
	if cfg.Gateway.ReplyPrefix != "[dexter] " {
		t.Errorf("replyPrefix = %q, want default", cfg.Gateway.ReplyPrefix)
	}
	if cfg.Gateway.Reconnect.MinDelayMs != 1000 || cfg.Gateway.Reconnect.MaxDelayMs != 30000 {
		t.Errorf("reconnect defaults wrong: %+v", cfg.Gateway.Reconnect)
	}
}

func TestLoad_JSON5WithCommentsAndTrailingCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dexter.json")
	body := `{
	// research gateway
	gateway: { replyPrefix: "[dx] ", },
	channels: {
		whatsapp: {
			enabled: true,
			accounts: {
				default: {
					allowFrom: ["+15551234567", 15550000000],
					dmPolicy: "pairing",
				},
			},
		},
	},
	bindings: [ { agentId: "dexter", match: { channel: "whatsapp" } } ],
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.ReplyPrefix != "[dx] " {
		t.Errorf("replyPrefix = %q", cfg.Gateway.ReplyPrefix)
	}
	acct, ok := cfg.Channels.WhatsApp.Accounts["default"]
	if !ok {
		t.Fatal("default whatsapp account missing")
	}
	// Numeric allowlist entries coerce to strings.
	want := []string{"+15551234567", "15550000000"}
	if len(acct.AllowFrom) != len(want) {
		t.Fatalf("allowFrom = %v, want %v", acct.AllowFrom, want)
	}
	for i := range want {
		if acct.AllowFrom[i] != want[i] {
			t.Errorf("allowFrom[%d] = %q, want %q", i, acct.AllowFrom[i], want[i])
		}
	}
	if len(cfg.Bindings) != 1 || cfg.Bindings[0].AgentID != "dexter" {
		t.Errorf("bindings = %+v", cfg.Bindings)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEXTER_MODEL", "gpt-4.1")
	t.Setenv("DEXTER_SESSIONS_DIR", "/tmp/dexter-sessions")
	t.Setenv("DEXTER_PAIRING_PATH", "/tmp/pairing.json")
	t.Setenv("DEXTER_TELEGRAM_TOKEN", "tok123")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.Defaults.Model != "gpt-4.1" {
		t.Errorf("model = %q, want env override", cfg.Agents.Defaults.Model)
	}
	if got := cfg.SessionsDir(); got != "/tmp/dexter-sessions" {
		t.Errorf("SessionsDir() = %q", got)
	}
	if got := cfg.PairingPath(); got != "/tmp/pairing.json" {
		t.Errorf("PairingPath() = %q", got)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.BotToken != "tok123" {
		t.Errorf("telegram not auto-enabled from env: %+v", cfg.Channels.Telegram)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("DEXTER_GATEWAY_CONFIG", "")

	if got := ResolveConfigPath("/explicit.json"); got != "/explicit.json" {
		t.Errorf("flag should win, got %q", got)
	}

	t.Setenv("DEXTER_GATEWAY_CONFIG", "/from-env.json")
	if got := ResolveConfigPath(""); got != "/from-env.json" {
		t.Errorf("env should win over default, got %q", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		in   string
		want string
	}{
		{"~/.dexter", home + "/.dexter"},
		{"~", home},
		{"/abs/path", "/abs/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
