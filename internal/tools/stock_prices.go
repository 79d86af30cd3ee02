package tools

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var priceDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// StockPricesTool retrieves share price data from financialdatasets.ai:
// a live snapshot, or a historical range when dates are given.
type StockPricesTool struct {
	api *financialDatasetsClient
}

func NewStockPricesTool() *StockPricesTool {
	return &StockPricesTool{api: newFinancialDatasetsClient()}
}

func (t *StockPricesTool) Name() string { return "stock_prices" }

func (t *StockPricesTool) Description() string {
	return "Retrieve stock price data: a current snapshot, or historical OHLCV bars for a date range."
}

func (t *StockPricesTool) RichDescription() string {
	return "Retrieve share prices by ticker. Without dates this returns a current price " +
		"snapshot. With start_date and end_date (YYYY-MM-DD) it returns OHLCV bars at the " +
		"requested interval (\"minute\", \"day\", \"week\", \"month\")."
}

func (t *StockPricesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ticker": map[string]interface{}{
				"type":        "string",
				"description": "Stock ticker symbol, e.g. \"NVDA\".",
			},
			"start_date": map[string]interface{}{
				"type":        "string",
				"description": "Range start, YYYY-MM-DD. Requires end_date.",
			},
			"end_date": map[string]interface{}{
				"type":        "string",
				"description": "Range end, YYYY-MM-DD. Requires start_date.",
			},
			"interval": map[string]interface{}{
				"type":        "string",
				"description": "Bar interval for ranges. Default: \"day\".",
				"enum":        []string{"minute", "day", "week", "month"},
			},
		},
		"required": []string{"ticker"},
	}
}

func (t *StockPricesTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	ticker, _ := args["ticker"].(string)
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return "", fmt.Errorf("ticker is required")
	}

	startDate, _ := args["start_date"].(string)
	endDate, _ := args["end_date"].(string)

	q := url.Values{}
	q.Set("ticker", ticker)

	// No range given: current snapshot.
	if startDate == "" && endDate == "" {
		return t.api.get(ctx, "/prices/snapshot", q)
	}

	if !priceDateRe.MatchString(startDate) || !priceDateRe.MatchString(endDate) {
		return "", fmt.Errorf("start_date and end_date must both be set as YYYY-MM-DD")
	}

	interval, _ := args["interval"].(string)
	switch interval {
	case "minute", "day", "week", "month":
	default:
		interval = "day"
	}

	q.Set("start_date", startDate)
	q.Set("end_date", endDate)
	q.Set("interval", interval)
	q.Set("interval_multiplier", "1")

	return t.api.get(ctx, "/prices", q)
}
