package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchMaxChars    = 50000
	defaultFetchMaxRedirect = 3
	defaultErrorMaxChars    = 4000
	fetchTimeoutSeconds     = 30
	fetchUserAgent          = webSearchUserAgent
)

// WebFetchTool fetches a URL and extracts readable content from it.
type WebFetchTool struct {
	maxChars  int
	cache     *webCache
	httpc     *http.Client
	ssrfCheck func(string) error
}

// WebFetchConfig holds configuration for the web fetch tool.
type WebFetchConfig struct {
	MaxChars int
	CacheTTL time.Duration
}

func NewWebFetchTool(cfg WebFetchConfig) *WebFetchTool {
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	t := &WebFetchTool{
		maxChars:  maxChars,
		cache:     newWebCache(defaultCacheMaxEntries, ttl),
		ssrfCheck: checkSSRF,
	}
	t.httpc = &http.Client{
		Timeout: fetchTimeoutSeconds * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > defaultFetchMaxRedirect {
				return fmt.Errorf("stopped after %d redirects", defaultFetchMaxRedirect)
			}
			// The redirect target may point somewhere internal even
			// when the original URL did not.
			if err := t.ssrfCheck(req.URL.String()); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}
	return t
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract its content. Supports HTML (converted to markdown/text), JSON, and plain text."
}

func (t *WebFetchTool) RichDescription() string {
	return "Fetch the content of a web page, usually one found via web_search. HTML is converted " +
		"to markdown by default; pass extractMode \"text\" for plain text. Responses are truncated " +
		"to maxChars. Only public http/https URLs are reachable."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch.",
			},
			"extractMode": map[string]interface{}{
				"type":        "string",
				"description": `Extraction mode ("markdown" or "text"). Default: "markdown".`,
				"enum":        []string{"markdown", "text"},
			},
			"maxChars": map[string]interface{}{
				"type":        "number",
				"description": "Maximum characters to return (truncates when exceeded).",
				"minimum":     100.0,
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	rawURL, _ := args["url"].(string)
	if err := validateFetchURL(rawURL); err != nil {
		return "", err
	}
	if err := t.ssrfCheck(rawURL); err != nil {
		return "", fmt.Errorf("blocked URL: %w", err)
	}

	extractMode := "markdown"
	if em, ok := args["extractMode"].(string); ok && (em == "markdown" || em == "text") {
		extractMode = em
	}
	maxChars := t.maxChars
	if mc, ok := args["maxChars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	cacheKey := fmt.Sprintf("fetch:%s:%s:%d", rawURL, extractMode, maxChars)
	if cached, ok := t.cache.get(cacheKey); ok {
		slog.Debug("web_fetch cache hit", "url", rawURL)
		return cached, nil
	}

	ReportProgress(ctx, "fetching "+truncateStr(rawURL, 120))
	report, err := t.fetch(ctx, rawURL, extractMode, maxChars)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %s", truncateStr(err.Error(), defaultErrorMaxChars))
	}

	wrapped := wrapExternalContent(report, "Web Fetch", true)
	t.cache.set(cacheKey, wrapped)
	return wrapped, nil
}

func validateFetchURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("only http and https URLs are supported")
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing hostname in URL")
	}
	return nil
}

func (t *WebFetchTool) fetch(ctx context.Context, rawURL, extractMode string, maxChars int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := t.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// Read past the char limit; HTML boils down considerably once
	// converted.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars*4)))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	text, extractor := extractBody(resp.Header.Get("Content-Type"), extractMode, body)

	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", resp.Request.URL.String())
	fmt.Fprintf(&sb, "Status: %d\n", resp.StatusCode)
	fmt.Fprintf(&sb, "Extractor: %s\n", extractor)
	if truncated {
		fmt.Fprintf(&sb, "Truncated: true (limit: %d chars)\n", maxChars)
	}
	fmt.Fprintf(&sb, "Length: %d\n\n", len(text))
	sb.WriteString(text)
	return sb.String(), nil
}

func extractBody(contentType, extractMode string, body []byte) (text, extractor string) {
	switch {
	case strings.Contains(contentType, "application/json"):
		return extractJSON(body)
	case strings.Contains(contentType, "text/html"),
		strings.Contains(contentType, "application/xhtml"):
		if extractMode == "text" {
			return htmlToText(string(body)), "html-to-text"
		}
		return htmlToMarkdown(string(body)), "html-to-markdown"
	default:
		return string(body), "raw"
	}
}
