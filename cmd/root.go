package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dexterhq/dexter/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/dexterhq/dexter/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "dexter",
	Short: "Dexter — AI research assistant gateway",
	Long:  "Dexter: a multi-channel AI research assistant. Runs an agentic research loop (web search, SEC filings, market data) behind WhatsApp, Telegram, and Discord, with pairing-based access control and per-session conversation memory.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is optional; existing environment always wins.
		_ = godotenv.Load()
	},
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.dexter/dexter.json or $DEXTER_GATEWAY_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(pairingCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dexter %s (protocol %d)\n", Version, protocol.Version)
		},
	}
}

// setupLogging installs the default text handler. The --verbose flag
// wins over the config's logLevel.
func setupLogging(configured string) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else {
		switch configured {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
