package tools

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ddgBackend scrapes the DuckDuckGo HTML endpoint. Keyless, so it
// serves as the fallback when Brave is not configured.
type ddgBackend struct {
	maxResults int
	httpc      *http.Client
}

func newDDGBackend(maxResults int) *ddgBackend {
	return &ddgBackend{
		maxResults: maxResults,
		httpc:      &http.Client{Timeout: searchTimeoutSeconds * time.Second},
	}
}

func (d *ddgBackend) Name() string { return "duckduckgo" }

func (d *ddgBackend) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	count := params.Count
	if d.maxResults > 0 && count > d.maxResults {
		count = d.maxResults
	}

	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(params.Query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", webSearchUserAgent)

	resp, err := d.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return extractDDGResults(string(body), count)
}

var (
	ddgResultLinkRe = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe    = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe       = regexp.MustCompile(`<[^>]+>`)
)

// extractDDGResults pulls result links and snippets out of the HTML
// page with regexes. Fragile against a redesign, but the /html/
// endpoint has kept this shape for years and a real HTML parser would
// be the only consumer of that dependency.
func extractDDGResults(page string, count int) ([]searchResult, error) {
	links := ddgResultLinkRe.FindAllStringSubmatch(page, -1)
	if len(links) == 0 {
		return nil, nil
	}
	snippets := ddgSnippetRe.FindAllStringSubmatch(page, -1)

	var out []searchResult
	for i, link := range links {
		if len(out) >= count {
			break
		}
		r := searchResult{
			Title: cleanHTMLText(link[2]),
			URL:   unwrapDDGRedirect(link[1]),
		}
		if i < len(snippets) {
			r.Description = cleanHTMLText(snippets[i][1])
		}
		out = append(out, r)
	}
	return out, nil
}

// unwrapDDGRedirect recovers the target URL from DuckDuckGo's
// /l/?uddg=... redirect wrapper. Links without the wrapper pass
// through untouched.
func unwrapDDGRedirect(raw string) string {
	if !strings.Contains(raw, "uddg=") {
		return raw
	}
	if u, err := url.Parse(html.UnescapeString(raw)); err == nil {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
	}
	return raw
}

func cleanHTMLText(s string) string {
	return strings.TrimSpace(html.UnescapeString(htmlTagRe.ReplaceAllString(s, "")))
}
