package cmd

import (
	"log/slog"
	"os"

	"github.com/dexterhq/dexter/internal/config"
	"github.com/dexterhq/dexter/internal/providers"
	"github.com/dexterhq/dexter/internal/tools"
)

// buildProviders wires the built-in LLM providers. Factories read API
// keys lazily, so an env-only setup needs nothing in the config file.
func buildProviders(cfg *config.Config) *providers.Registry {
	creds := func(p config.ProviderConfig) providers.Credentials {
		return providers.Credentials{APIKey: p.APIKey, BaseURL: p.BaseURL, Model: p.DefaultModel}
	}
	return providers.DefaultRegistry(
		creds(cfg.Providers.Anthropic),
		creds(cfg.Providers.OpenAI),
		creds(cfg.Providers.Gemini),
	)
}

// buildTools registers the research tool set. Capability-gated tools
// drop out silently when their env keys are missing, so the model never
// sees a tool it cannot run.
func buildTools(cfg *config.Config) *tools.Registry {
	reg := tools.NewRegistry()

	web := cfg.Tools.Web
	braveKey := web.Brave.APIKey
	if braveKey == "" {
		braveKey = os.Getenv("BRAVE_API_KEY")
	}
	if t := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveAPIKey:     braveKey,
		BraveEnabled:    web.Brave.Enabled,
		BraveMaxResults: web.Brave.MaxResults,
		DDGEnabled:      web.DuckDuckGo.Enabled,
		DDGMaxResults:   web.DuckDuckGo.MaxResults,
	}); t != nil {
		reg.Register(t)
	} else {
		slog.Warn("web_search disabled, no search backend configured")
	}

	reg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))
	reg.Register(tools.NewSECFilingsTool(), tools.EdgarUserAgentEnv)
	reg.Register(tools.NewStockPricesTool(), tools.FinancialDatasetsKeyEnv)
	reg.Register(tools.NewFinancialsTool(), tools.FinancialDatasetsKeyEnv)
	reg.Register(tools.NewFinishTool())

	return reg
}
