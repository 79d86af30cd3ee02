package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dexterhq/dexter/internal/access"
	"github.com/dexterhq/dexter/internal/config"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage channel pairing requests",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List senders waiting for approval",
		Run: func(cmd *cobra.Command, args []string) {
			runPairingList()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pairing request by its 6-digit code",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runPairingApprove(args[0])
		},
	})
	return cmd
}

func openPairingStore() *access.PairingStore {
	cfg, err := config.Load(config.ResolveConfigPath(cfgFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	store, err := access.NewPairingStore(cfg.PairingPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return store
}

func runPairingList() {
	pending := openPairingStore().Pending()
	if len(pending) == 0 {
		fmt.Println("No pending pairing requests.")
		return
	}
	fmt.Printf("%d pending pairing request(s):\n", len(pending))
	for _, req := range pending {
		fmt.Printf("  %s  %s  (requested %s)\n", req.Code, req.Phone, req.CreatedAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("Approve with: dexter pairing approve <code>")
}

func runPairingApprove(code string) {
	req, err := openPairingStore().Approve(code)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Approved %s.\n", req.Phone)
	fmt.Println("A running gateway picks this up on restart.")
}
