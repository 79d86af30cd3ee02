package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	defaultSearchCount   = 5
	maxSearchCount       = 10
	searchTimeoutSeconds = 30
	braveSearchEndpoint  = "https://api.search.brave.com/res/v1/web/search"
	webSearchUserAgent   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// SearchProvider abstracts a web search backend.
type SearchProvider interface {
	Search(ctx context.Context, params searchParams) ([]searchResult, error)
	Name() string
}

type searchParams struct {
	Query     string
	Count     int
	Freshness string
}

type searchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

var (
	freshnessShortcuts = map[string]bool{"pd": true, "pw": true, "pm": true, "py": true}
	freshnessRangeRe   = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})to(\d{4}-\d{2}-\d{2})$`)
)

// normalizeFreshness validates a freshness filter: the shortcuts pd, pw,
// pm, py or a date range YYYY-MM-DDtoYYYY-MM-DD. Invalid values are
// dropped rather than passed through to the search backend.
func normalizeFreshness(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return ""
	}
	if freshnessShortcuts[v] {
		return v
	}
	if m := freshnessRangeRe.FindStringSubmatch(v); len(m) == 3 {
		start, errS := time.Parse("2006-01-02", m[1])
		end, errE := time.Parse("2006-01-02", m[2])
		if errS == nil && errE == nil && !start.After(end) {
			return v
		}
	}
	return ""
}

// WebSearchTool searches the web through whichever backends are
// configured, Brave first, DuckDuckGo as the keyless fallback.
type WebSearchTool struct {
	providers []SearchProvider
	cache     *webCache
}

// WebSearchConfig holds configuration for the web search tool.
type WebSearchConfig struct {
	BraveAPIKey     string
	BraveEnabled    bool
	BraveMaxResults int
	DDGEnabled      bool
	DDGMaxResults   int
	CacheTTL        time.Duration
}

// NewWebSearchTool returns nil when no search backend is available.
func NewWebSearchTool(cfg WebSearchConfig) *WebSearchTool {
	var backends []SearchProvider

	if cfg.BraveEnabled && cfg.BraveAPIKey != "" {
		backends = append(backends, newBraveBackend(cfg.BraveAPIKey, cfg.BraveMaxResults))
	}
	if cfg.DDGEnabled {
		backends = append(backends, newDDGBackend(cfg.DDGMaxResults))
	}
	if len(backends) == 0 {
		return nil
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &WebSearchTool{
		providers: backends,
		cache:     newWebCache(defaultCacheMaxEntries, ttl),
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs, and snippets from search results."
}

func (t *WebSearchTool) RichDescription() string {
	return "Search the web for current information such as news, analyst commentary, or facts " +
		"not covered by the financial data tools. Returns titles, URLs, and snippets. " +
		"Use the freshness argument to restrict results to a recent window when recency matters. " +
		"Follow up with web_fetch on a result URL when the snippet is not enough."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query string.",
			},
			"count": map[string]interface{}{
				"type":        "number",
				"description": "Number of results to return (1-10).",
				"minimum":     1.0,
				"maximum":     float64(maxSearchCount),
			},
			"freshness": map[string]interface{}{
				"type":        "string",
				"description": "Filter results by discovery time. Supports 'pd' (past day), 'pw' (past week), 'pm' (past month), 'py' (past year), and date range 'YYYY-MM-DDtoYYYY-MM-DD'.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	params, err := parseSearchArgs(args)
	if err != nil {
		return "", err
	}

	cacheKey := params.cacheKey()
	if cached, ok := t.cache.get(cacheKey); ok {
		slog.Debug("web_search cache hit", "query", params.Query)
		return cached, nil
	}

	// First backend to answer wins; the rest are never asked.
	var lastErr error
	for _, backend := range t.providers {
		results, err := backend.Search(ctx, params)
		if err != nil {
			slog.Warn("web_search backend failed", "backend", backend.Name(), "error", err)
			lastErr = err
			continue
		}

		formatted := formatSearchResults(params.Query, results, backend.Name())
		wrapped := wrapExternalContent(formatted, "Web Search", false)
		t.cache.set(cacheKey, wrapped)
		return wrapped, nil
	}

	if lastErr != nil {
		return "", fmt.Errorf("all search backends failed: %w", lastErr)
	}
	return "", fmt.Errorf("no search backends configured")
}

func parseSearchArgs(args map[string]interface{}) (searchParams, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return searchParams{}, fmt.Errorf("query is required")
	}

	count := defaultSearchCount
	if c, ok := args["count"].(float64); ok && int(c) >= 1 && int(c) <= maxSearchCount {
		count = int(c)
	}
	freshness, _ := args["freshness"].(string)

	return searchParams{Query: query, Count: count, Freshness: freshness}, nil
}

func (p searchParams) cacheKey() string {
	freshness := p.Freshness
	if freshness == "" {
		freshness = "default"
	}
	return p.Query + ":" + strconv.Itoa(p.Count) + ":" + freshness
}

func formatSearchResults(query string, results []searchResult, backend string) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for: %s", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s (via %s)\n\n", query, backend)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Description)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
