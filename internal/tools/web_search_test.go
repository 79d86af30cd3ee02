package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNormalizeFreshness(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"pd", "pd"},
		{" PW ", "pw"},
		{"py", "py"},
		{"2024-01-01to2024-02-01", "2024-01-01to2024-02-01"},
		{"2024-02-01to2024-01-01", ""}, // start after end
		{"2024-13-01to2024-14-01", ""}, // invalid dates
		{"yesterday", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeFreshness(tt.in); got != tt.want {
			t.Errorf("normalizeFreshness(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

const ddgSampleHTML = `
<div class="result">
  <a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fq1&amp;rut=abc">First <b>Result</b></a>
  <a class="result__snippet" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fq1">Snippet <b>one</b> here</a>
</div>
<div class="result">
  <a rel="nofollow" class="result__a" href="https://plain.example.org/page">Second Result</a>
  <a class="result__snippet" href="https://plain.example.org/page">Snippet two</a>
</div>`

func TestExtractDDGResults(t *testing.T) {
	results, err := extractDDGResults(ddgSampleHTML, 5)
	if err != nil {
		t.Fatalf("extractDDGResults error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	if results[0].Title != "First Result" {
		t.Errorf("title = %q, want %q", results[0].Title, "First Result")
	}
	if !strings.HasPrefix(results[0].URL, "https://example.com/q1") {
		t.Errorf("redirect not unwrapped: %q", results[0].URL)
	}
	if !strings.Contains(results[0].Description, "Snippet one") {
		t.Errorf("snippet = %q", results[0].Description)
	}
	if results[1].URL != "https://plain.example.org/page" {
		t.Errorf("plain URL mangled: %q", results[1].URL)
	}
}

func TestExtractDDGResultsRespectsCount(t *testing.T) {
	results, err := extractDDGResults(ddgSampleHTML, 1)
	if err != nil {
		t.Fatalf("extractDDGResults error: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("got %d results, want 1", len(results))
	}
}

func TestFormatSearchResultsEmpty(t *testing.T) {
	got := formatSearchResults("obscure query", nil, "brave")
	if !strings.Contains(got, "No results found") {
		t.Errorf("got %q, want no-results message", got)
	}
}

func TestNewWebSearchToolNoBackends(t *testing.T) {
	if tool := NewWebSearchTool(WebSearchConfig{}); tool != nil {
		t.Error("expected nil tool when no backend is configured")
	}
	// Brave enabled but keyless is still no backend.
	if tool := NewWebSearchTool(WebSearchConfig{BraveEnabled: true}); tool != nil {
		t.Error("expected nil tool for keyless brave")
	}
	if tool := NewWebSearchTool(WebSearchConfig{DDGEnabled: true}); tool == nil {
		t.Error("duckduckgo alone should be enough")
	}
}

type scriptedBackend struct {
	name    string
	calls   int
	results []searchResult
	err     error
}

func (s *scriptedBackend) Name() string { return s.name }

func (s *scriptedBackend) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	s.calls++
	return s.results, s.err
}

func TestWebSearchCachesResults(t *testing.T) {
	backend := &scriptedBackend{
		name:    "scripted",
		results: []searchResult{{Title: "T", URL: "https://example.com"}},
	}
	tool := &WebSearchTool{
		providers: []SearchProvider{backend},
		cache:     newWebCache(10, time.Minute),
	}

	args := map[string]interface{}{"query": "repeated"}
	for i := 0; i < 3; i++ {
		if _, err := tool.Invoke(context.Background(), args); err != nil {
			t.Fatalf("Invoke error: %v", err)
		}
	}
	if backend.calls != 1 {
		t.Errorf("backend called %d times, want 1 (cache miss only)", backend.calls)
	}
}

func TestWebSearchFallsBackToNextBackend(t *testing.T) {
	failing := &scriptedBackend{name: "down", err: errors.New("quota exceeded")}
	working := &scriptedBackend{
		name:    "up",
		results: []searchResult{{Title: "T", URL: "https://example.com"}},
	}
	tool := &WebSearchTool{
		providers: []SearchProvider{failing, working},
		cache:     newWebCache(10, time.Minute),
	}

	out, err := tool.Invoke(context.Background(), map[string]interface{}{"query": "q"})
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if !strings.Contains(out, "via up") {
		t.Errorf("result %q not attributed to fallback backend", out)
	}
	if failing.calls != 1 || working.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", failing.calls, working.calls)
	}
}

func TestWebSearchAllBackendsFail(t *testing.T) {
	tool := &WebSearchTool{
		providers: []SearchProvider{&scriptedBackend{name: "down", err: errors.New("boom")}},
		cache:     newWebCache(10, time.Minute),
	}

	if _, err := tool.Invoke(context.Background(), map[string]interface{}{"query": "q"}); err == nil {
		t.Fatal("expected error when every backend fails")
	}
}

func TestWebSearchRequiresQuery(t *testing.T) {
	tool := &WebSearchTool{
		providers: []SearchProvider{&scriptedBackend{name: "up"}},
		cache:     newWebCache(10, time.Minute),
	}
	if _, err := tool.Invoke(context.Background(), map[string]interface{}{}); err == nil {
		t.Fatal("expected error for missing query")
	}
}

func TestWebCacheExpiry(t *testing.T) {
	c := newWebCache(2, 10*time.Millisecond)
	c.set("k", "v")
	if _, ok := c.get("k"); !ok {
		t.Fatal("fresh entry missing")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Error("stale entry still served")
	}
}

func TestWebCacheEviction(t *testing.T) {
	c := newWebCache(2, time.Minute)
	c.set("a", "1")
	c.set("b", "2")
	c.set("c", "3")

	if _, ok := c.get("a"); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := c.get("c"); !ok {
		t.Error("newest entry evicted")
	}
}
