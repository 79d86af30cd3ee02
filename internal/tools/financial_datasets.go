package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// FinancialDatasetsKeyEnv gates the financials and stock_prices tools.
const FinancialDatasetsKeyEnv = "FINANCIAL_DATASETS_API_KEY"

const (
	financialDatasetsBase = "https://api.financialdatasets.ai"
	financialMaxOutput    = 20000
)

// financialDatasetsClient is the shared HTTP client for the
// financialdatasets.ai API, used by the financials and stock_prices
// tools.
type financialDatasetsClient struct {
	apiKey string
	base   string
	client *http.Client
}

func newFinancialDatasetsClient() *financialDatasetsClient {
	return &financialDatasetsClient{
		apiKey: os.Getenv(FinancialDatasetsKeyEnv),
		base:   financialDatasetsBase,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// get fetches a path with query params and returns the pretty-printed
// JSON body, truncated to keep tool output bounded.
func (c *financialDatasetsClient) get(ctx context.Context, path string, q url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("financialdatasets API returned %d: %s", resp.StatusCode, truncateStr(string(body), 200))
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	formatted, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format response: %w", err)
	}
	return truncateStr(string(formatted), financialMaxOutput), nil
}
