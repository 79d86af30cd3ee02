package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/dexterhq/dexter/internal/channels/discord"
	"github.com/dexterhq/dexter/internal/channels/telegram"
	"github.com/dexterhq/dexter/internal/channels/whatsapp"
	"github.com/dexterhq/dexter/internal/config"
)

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Link a channel account interactively",
		Run: func(cmd *cobra.Command, args []string) {
			runLogin()
		},
	}
}

func runLogin() {
	cfg, err := config.Load(config.ResolveConfigPath(cfgFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	channel := whatsapp.ChannelID
	accountID := "default"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Channel").
				Description("Which channel do you want to link?").
				Options(
					huh.NewOption("WhatsApp (QR link via bridge)", whatsapp.ChannelID),
					huh.NewOption("Telegram (bot token)", telegram.ChannelID),
					huh.NewOption("Discord (bot token)", discord.ChannelID),
				).
				Value(&channel),
			huh.NewInput().
				Title("Account").
				Description("Account id under channels.whatsapp.accounts (WhatsApp only)").
				Value(&accountID),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch channel {
	case whatsapp.ChannelID:
		loginWhatsApp(&snap, accountID)
	case telegram.ChannelID:
		loginToken("Telegram", snap.Channels.Telegram.BotToken, "DEXTER_TELEGRAM_TOKEN", "@BotFather", "channels.telegram.botToken")
	case discord.ChannelID:
		loginToken("Discord", snap.Channels.Discord.BotToken, "DEXTER_DISCORD_TOKEN", "the Discord developer portal", "channels.discord.botToken")
	}
}

// loginWhatsApp connects to the account's bridge and waits for the
// linked-device session to come up. The bridge renders the QR code in
// its own terminal; this command reports state until connected.
func loginWhatsApp(cfg *config.Config, accountID string) {
	acct, ok := cfg.Channels.WhatsApp.Accounts[accountID]
	if !ok || acct.BridgeURL == "" {
		fmt.Fprintf(os.Stderr, "No bridgeUrl configured for WhatsApp account %q.\n", accountID)
		fmt.Fprintf(os.Stderr, "Add channels.whatsapp.accounts.%s.bridgeUrl and retry.\n", accountID)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	fmt.Printf("Connecting to bridge %s ...\n", acct.BridgeURL)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, acct.BridgeURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\nIs the bridge process running?\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Println("Connected. If this device is not linked yet, the bridge prints a QR")
	fmt.Println("code in its own terminal; scan it with WhatsApp on your phone.")

	// Unblocks the read loop on Ctrl+C or timeout.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			fmt.Fprintln(os.Stderr, "\nBridge connection closed before the link completed.")
			os.Exit(1)
		}
		var frame struct {
			Type     string `json:"type"`
			State    string `json:"state"`
			SelfE164 string `json:"self_e164"`
		}
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "status" {
			continue
		}
		if frame.State == "connected" {
			fmt.Printf("Linked. Account %q is connected as %s.\n", accountID, frame.SelfE164)
			fmt.Println("Start the gateway with: dexter")
			return
		}
		fmt.Printf("  bridge state: %s\n", frame.State)
	}
}

// loginToken covers channels that authenticate with a bot token rather
// than device linking.
func loginToken(name, token, envName, source, configPath string) {
	if token != "" || os.Getenv(envName) != "" {
		fmt.Printf("%s: bot token configured. Start the gateway and message the bot.\n", name)
		return
	}
	fmt.Printf("%s: no bot token found.\n", name)
	fmt.Printf("Create one via %s, then set %s or %s.\n", source, envName, configPath)
}
