package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/dexterhq/dexter/internal/providers"
)

// FinishToolName is the distinguished tool call that ends an agent run.
const FinishToolName = "finish"

// Tool is a capability the agent can invoke. Invoke always returns a
// string; structured results are JSON-serialized by the tool.
type Tool interface {
	Name() string
	Description() string

	// RichDescription is the longer usage guidance injected into the
	// system prompt. Tools without extra guidance return Description.
	RichDescription() string

	// Parameters returns the JSON Schema for the tool's arguments.
	Parameters() map[string]interface{}

	Invoke(ctx context.Context, args map[string]interface{}) (string, error)
}

// Registration pairs a tool with the env capabilities it was gated on.
type Registration struct {
	Tool         Tool
	Capabilities []string
}

// Registry is the catalog of invocable tools. Registration is
// capability-gated: a tool whose required env keys are not all present
// is skipped, so the model never sees tools it cannot use.
type Registry struct {
	mu        sync.RWMutex
	regs      []Registration
	byName    map[string]Tool
	lookupEnv func(string) string
}

func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]Tool),
		lookupEnv: os.Getenv,
	}
}

// Register adds a tool to the catalog. capabilities lists env vars that
// must all be non-empty; when one is missing the tool is skipped with a
// debug log, so the model never sees a tool that cannot run.
func (r *Registry) Register(t Tool, capabilities ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, env := range capabilities {
		if r.lookupEnv(env) == "" {
			slog.Debug("tool skipped, missing capability", "tool", t.Name(), "env", env)
			return
		}
	}

	if _, exists := r.byName[t.Name()]; exists {
		slog.Warn("duplicate tool registration ignored", "tool", t.Name())
		return
	}

	r.regs = append(r.regs, Registration{Tool: t, Capabilities: capabilities})
	r.byName[t.Name()] = t
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// ForModel returns the registrations available to a model, in
// registration order. All current tools are model-agnostic; the model
// argument keeps the call sites stable if that changes.
func (r *Registry) ForModel(model string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, len(r.regs))
	copy(out, r.regs)
	return out
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.regs))
	for _, reg := range r.regs {
		names = append(names, reg.Tool.Name())
	}
	return names
}

// BuildToolDescriptions produces the prompt block describing every tool
// available to the model: a "### <name>" heading followed by the rich
// description, one block per tool.
func (r *Registry) BuildToolDescriptions(model string) string {
	var sb strings.Builder
	for _, reg := range r.ForModel(model) {
		sb.WriteString(fmt.Sprintf("### %s\n\n%s\n\n", reg.Tool.Name(), reg.Tool.RichDescription()))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Definitions converts the catalog to provider tool definitions.
func (r *Registry) Definitions(model string) []providers.ToolDefinition {
	regs := r.ForModel(model)
	defs := make([]providers.ToolDefinition, 0, len(regs))
	for _, reg := range regs {
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        reg.Tool.Name(),
				Description: reg.Tool.Description(),
				Parameters:  reg.Tool.Parameters(),
			},
		})
	}
	return defs
}
