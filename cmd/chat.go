package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dexterhq/dexter/internal/agent"
	"github.com/dexterhq/dexter/internal/channels"
	"github.com/dexterhq/dexter/internal/config"
	"github.com/dexterhq/dexter/internal/contextstore"
	"github.com/dexterhq/dexter/internal/history"
	"github.com/dexterhq/dexter/internal/planner"
	"github.com/dexterhq/dexter/internal/sessions"
)

func chatCmd() *cobra.Command {
	var (
		message    string
		sessionKey string
		forcePlan  bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the research agent from the terminal",
		Long: `Chat with the research agent directly, without the channel gateway.

Examples:
  dexter chat                          # Interactive REPL
  dexter chat -m "AAPL revenue trend"  # One-shot query
  dexter chat -s my-session            # Continue a named session
  dexter chat --plan                   # Force plan-first execution`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(message, sessionKey, forcePlan)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot query (omit for interactive mode)")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session key (default: the agent's main session)")
	cmd.Flags().BoolVar(&forcePlan, "plan", false, "plan-first execution even when the config disables it")

	return cmd
}

func runChat(message, sessionKey string, forcePlan bool) {
	// REPL output owns stdout; logs go to stderr.
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(config.ResolveConfigPath(cfgFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()
	agentID := cfg.DefaultAgentID()
	model := snap.Agents.Defaults.Model

	registry := buildProviders(&snap)
	provider, err := registry.ForModel(model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: no provider for model %q: %v\nSet ANTHROPIC_API_KEY (or OPENAI_API_KEY / GEMINI_API_KEY) and retry.\n", model, err)
		os.Exit(1)
	}

	toolsReg := buildTools(&snap)
	ctxStore := contextstore.New(filepath.Join(cfg.DataDir(), "contexts"), provider, model)

	if sessionKey == "" {
		sessionKey = sessions.BuildMainSessionKey(agentID)
	}

	// Event display: chunks stream to stdout, tool activity to stderr.
	var (
		eventMu  sync.Mutex
		streamed bool
	)
	onEvent := func(ev agent.Event) {
		eventMu.Lock()
		defer eventMu.Unlock()
		switch ev.Type {
		case agent.EventToolStart:
			if p, ok := ev.Payload.(agent.ToolStartPayload); ok {
				fmt.Fprintf(os.Stderr, "  [tool] %s\n", p.Name)
			}
		case agent.EventToolError:
			if p, ok := ev.Payload.(agent.ToolErrorPayload); ok {
				fmt.Fprintf(os.Stderr, "  [tool error] %s: %s\n", p.Name, p.Error)
			}
		case agent.EventThinking:
			if verbose {
				if p, ok := ev.Payload.(agent.ThinkingPayload); ok {
					fmt.Fprintf(os.Stderr, "  [thinking] %s\n", p.Text)
				}
			}
		case agent.EventAnswerChunk:
			if p, ok := ev.Payload.(agent.AnswerChunkPayload); ok {
				streamed = true
				fmt.Print(p.Content)
			}
		}
	}

	base := agent.LoopConfig{
		ID:                 agentID,
		Provider:           provider,
		Model:              model,
		MaxIterations:      snap.Agents.Defaults.MaxIterations,
		ToolBudget:         snap.Agents.Defaults.MaxToolCalls,
		KeepRecentResults:  snap.Agents.Defaults.KeepRecentResults,
		MaxToolResultBytes: snap.Agents.Defaults.ContextMaxBytes,
		Tools:              toolsReg,
		Contexts:           ctxStore,
		Permission:         promptPermission(cfg),
		OnEvent:            onEvent,
	}

	var plan *planner.Planner
	if forcePlan || snap.Agents.Defaults.PlanningEnabled() {
		plan = planner.NewPlanner(provider, model, toolsReg)
	}

	newRunner := func(key string) *planner.Runner {
		b := base
		b.History = history.New(cfg.DataDir(), key, provider, model)
		return planner.NewRunner(plan, b)
	}
	runner := newRunner(sessionKey)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	chat := func(query string) (string, bool, error) {
		eventMu.Lock()
		streamed = false
		eventMu.Unlock()
		res, err := runner.Run(ctx, agent.RunRequest{
			SessionKey: sessionKey,
			Query:      query,
			RunID:      fmt.Sprintf("cli-%s", uuid.NewString()[:8]),
		})
		if err != nil {
			return "", false, err
		}
		eventMu.Lock()
		wasStreamed := streamed
		eventMu.Unlock()
		return res.Answer, wasStreamed, nil
	}

	if message != "" {
		answer, wasStreamed, err := chat(message)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if wasStreamed {
			fmt.Println()
		} else {
			fmt.Println(answer)
		}
		return
	}

	// Interactive REPL
	fmt.Fprintf(os.Stderr, "\nDexter Interactive Chat\n")
	fmt.Fprintf(os.Stderr, "Agent: %s | Model: %s\n", agentID, model)
	fmt.Fprintf(os.Stderr, "Session: %s\n", sessionKey)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for a fresh session\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nGoodbye!")
			return
		default:
		}

		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}
		if input == "/new" {
			sessionKey = sessions.BuildSessionKey(agentID, "cli", "local",
				&sessions.Peer{Kind: sessions.PeerDirect, ID: uuid.NewString()[:8]})
			runner = newRunner(sessionKey)
			fmt.Fprintf(os.Stderr, "New session: %s\n\n", sessionKey)
			continue
		}

		answer, wasStreamed, err := chat(input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		if wasStreamed {
			fmt.Print("\n\n")
		} else {
			fmt.Printf("\n%s\n\n", answer)
		}
	}
}

// promptPermission asks the operator before each approval-required tool
// call. Declining or closing the prompt denies the call; the run
// continues with a tool_error.
func promptPermission(cfg *config.Config) agent.PermissionFunc {
	return func(ctx context.Context, name string, args map[string]interface{}) bool {
		required := false
		for _, t := range cfg.Snapshot().Agents.Defaults.ApprovalRequired {
			if t == name {
				required = true
				break
			}
		}
		if !required {
			return true
		}

		preview := ""
		if len(args) > 0 {
			if b, err := json.Marshal(args); err == nil {
				preview = channels.Truncate(string(b), 200)
			}
		}
		var approved bool
		err := huh.NewConfirm().
			Title(fmt.Sprintf("Allow tool %q?", name)).
			Description(preview).
			Affirmative("Allow").
			Negative("Deny").
			Value(&approved).
			Run()
		if err != nil {
			return false
		}
		return approved
	}
}
