package cmd

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/dexterhq/dexter/internal/config"
	"github.com/dexterhq/dexter/internal/tools"
	"github.com/dexterhq/dexter/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("dexter doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := config.ResolveConfigPath(cfgFile)
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	snap := cfg.Snapshot()

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", snap.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	checkProvider("OpenAI", snap.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	checkProvider("Gemini", snap.Providers.Gemini.APIKey, "GEMINI_API_KEY")
	fmt.Printf("    %s %s\n", pad("Model:", 12), snap.Agents.Defaults.Model)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("WhatsApp", snap.Channels.WhatsApp.Enabled, len(snap.Channels.WhatsApp.Accounts) > 0)
	for id, acct := range snap.Channels.WhatsApp.Accounts {
		checkBridge(id, acct.BridgeURL)
	}
	checkChannel("Telegram", snap.Channels.Telegram.Enabled, snap.Channels.Telegram.BotToken != "")
	checkChannel("Discord", snap.Channels.Discord.Enabled, snap.Channels.Discord.BotToken != "")

	fmt.Println()
	fmt.Println("  Research tools:")
	checkEnv("BRAVE_API_KEY", snap.Tools.Web.Brave.APIKey != "")
	checkEnv(tools.EdgarUserAgentEnv, false)
	checkEnv(tools.FinancialDatasetsKeyEnv, false)
	if snap.Tools.Web.DuckDuckGo.Enabled {
		fmt.Printf("    %s keyless fallback enabled\n", pad("DuckDuckGo:", 26))
	}
	if n := len(snap.Tools.MCPServers); n > 0 {
		fmt.Printf("    %s %d configured\n", pad("MCP servers:", 26), n)
	}

	fmt.Println()
	dataDir := cfg.DataDir()
	fmt.Printf("  Data dir: %s", dataDir)
	if _, err := os.Stat(dataDir); err != nil {
		fmt.Println(" (NOT FOUND, created on first run)")
	} else {
		fmt.Println(" (OK)")
	}

	if addr := snap.Gateway.StatusAddr; addr != "" {
		fmt.Printf("  Gateway:  %s", addr)
		if isGatewayRunning(addr) {
			fmt.Println(" (running)")
		} else {
			fmt.Println(" (not listening)")
		}
	} else {
		fmt.Println("  Gateway:  status API disabled (set gateway.statusAddr)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// pad right-pads label to a display width, counting wide glyphs
// correctly so columns stay aligned.
func pad(label string, width int) string {
	w := runewidth.StringWidth(label)
	if w >= width {
		return label
	}
	return label + strings.Repeat(" ", width-w)
}

func checkProvider(name, configured, envName string) {
	key := configured
	source := "config"
	if key == "" {
		key = os.Getenv(envName)
		source = "env"
	}
	if key == "" {
		fmt.Printf("    %s (not configured)\n", pad(name+":", 12))
		return
	}
	fmt.Printf("    %s %s (%s)\n", pad(name+":", 12), maskKey(key), source)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %s %s\n", pad(name+":", 12), status)
}

// checkBridge reports whether a WhatsApp bridge endpoint accepts TCP
// connections. The websocket handshake itself is left to the gateway.
func checkBridge(accountID, bridgeURL string) {
	label := "bridge[" + accountID + "]:"
	if bridgeURL == "" {
		fmt.Printf("      %s (no bridgeUrl)\n", pad(label, 20))
		return
	}
	u, err := url.Parse(bridgeURL)
	if err != nil || u.Host == "" {
		fmt.Printf("      %s %s (unparseable)\n", pad(label, 20), bridgeURL)
		return
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "80")
	}
	conn, err := net.DialTimeout("tcp", host, 2*time.Second)
	if err != nil {
		fmt.Printf("      %s %s (unreachable)\n", pad(label, 20), bridgeURL)
		return
	}
	conn.Close()
	fmt.Printf("      %s %s (reachable)\n", pad(label, 20), bridgeURL)
}

// checkEnv prints whether a capability env key is set; orConfig covers
// keys that may come from the config file instead.
func checkEnv(name string, orConfig bool) {
	if os.Getenv(name) != "" {
		fmt.Printf("    %s set\n", pad(name+":", 26))
	} else if orConfig {
		fmt.Printf("    %s set via config\n", pad(name+":", 26))
	} else {
		fmt.Printf("    %s (not set)\n", pad(name+":", 26))
	}
}

func isGatewayRunning(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
