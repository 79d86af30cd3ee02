package tools

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

const (
	defaultFinancialsPeriod = "annual"
	defaultFinancialsLimit  = 4
	maxFinancialsLimit      = 12
)

var financialStatementPaths = map[string]string{
	"income":    "/financials/income-statements",
	"balance":   "/financials/balance-sheets",
	"cash_flow": "/financials/cash-flow-statements",
	"all":       "/financials",
}

// FinancialsTool retrieves company financial statements from
// financialdatasets.ai.
type FinancialsTool struct {
	api *financialDatasetsClient
}

func NewFinancialsTool() *FinancialsTool {
	return &FinancialsTool{api: newFinancialDatasetsClient()}
}

func (t *FinancialsTool) Name() string { return "financials" }

func (t *FinancialsTool) Description() string {
	return "Retrieve company financial statements: income statements, balance sheets, and cash flow statements."
}

func (t *FinancialsTool) RichDescription() string {
	return "Retrieve a company's financial statements by ticker. Choose statement from " +
		"\"income\", \"balance\", \"cash_flow\", or \"all\", and period from \"annual\", " +
		"\"quarterly\", or \"ttm\". Prefer this over web search for revenue, margins, debt, " +
		"cash positions and other fundamentals."
}

func (t *FinancialsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ticker": map[string]interface{}{
				"type":        "string",
				"description": "Stock ticker symbol, e.g. \"AAPL\".",
			},
			"statement": map[string]interface{}{
				"type":        "string",
				"description": "Which statement to retrieve. Default: \"income\".",
				"enum":        []string{"income", "balance", "cash_flow", "all"},
			},
			"period": map[string]interface{}{
				"type":        "string",
				"description": "Reporting period. Default: \"annual\".",
				"enum":        []string{"annual", "quarterly", "ttm"},
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Number of periods to return (1-12).",
				"minimum":     1.0,
				"maximum":     float64(maxFinancialsLimit),
			},
		},
		"required": []string{"ticker"},
	}
}

func (t *FinancialsTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	ticker, _ := args["ticker"].(string)
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return "", fmt.Errorf("ticker is required")
	}

	statement, _ := args["statement"].(string)
	path, ok := financialStatementPaths[statement]
	if !ok {
		path = financialStatementPaths["income"]
	}

	period, _ := args["period"].(string)
	switch period {
	case "annual", "quarterly", "ttm":
	default:
		period = defaultFinancialsPeriod
	}

	limit := defaultFinancialsLimit
	if l, ok := args["limit"].(float64); ok && int(l) >= 1 && int(l) <= maxFinancialsLimit {
		limit = int(l)
	}

	q := url.Values{}
	q.Set("ticker", ticker)
	q.Set("period", period)
	q.Set("limit", fmt.Sprintf("%d", limit))

	return t.api.get(ctx, path, q)
}
