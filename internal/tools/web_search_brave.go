package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type braveBackend struct {
	key        string
	maxResults int
	httpc      *http.Client
}

func newBraveBackend(key string, maxResults int) *braveBackend {
	return &braveBackend{
		key:        key,
		maxResults: maxResults,
		httpc:      &http.Client{Timeout: searchTimeoutSeconds * time.Second},
	}
}

func (b *braveBackend) Name() string { return "brave" }

// braveEnvelope is the slice of the Brave response this tool uses; the
// API returns much more (infoboxes, discussions, videos) that a text
// answer never needs.
type braveEnvelope struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (b *braveBackend) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	count := params.Count
	if b.maxResults > 0 && count > b.maxResults {
		count = b.maxResults
	}

	q := url.Values{}
	q.Set("q", params.Query)
	q.Set("count", strconv.Itoa(count))
	if f := normalizeFreshness(params.Freshness); f != "" {
		q.Set("freshness", f)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveSearchEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.key)

	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("brave rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API returned %d: %s", resp.StatusCode, truncateStr(string(body), 200))
	}

	var envelope braveEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	out := make([]searchResult, 0, len(envelope.Web.Results))
	for _, r := range envelope.Web.Results {
		out = append(out, searchResult{Title: r.Title, URL: r.URL, Description: r.Description})
	}
	return out, nil
}
