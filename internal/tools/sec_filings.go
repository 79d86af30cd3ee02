package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EdgarUserAgentEnv must carry a contact string ("name email") per SEC
// fair-access policy; the tool is not registered without it.
const EdgarUserAgentEnv = "SEC_EDGAR_USER_AGENT"

const (
	edgarTickersURL     = "https://www.sec.gov/files/company_tickers.json"
	edgarSubmissionsURL = "https://data.sec.gov/submissions/CIK%010d.json"
	edgarFullTextURL    = "https://efts.sec.gov/LATEST/search-index"
	edgarArchiveBase    = "https://www.sec.gov/Archives/edgar/data"

	defaultFilingsLimit = 10
	maxFilingsLimit     = 20
)

// SECFilingsTool looks up a company's EDGAR filings, either the recent
// submissions index or a full-text search across filing bodies.
type SECFilingsTool struct {
	userAgent string
	client    *http.Client
	// SEC fair-access policy caps automated clients at 10 req/s; stay
	// comfortably under it.
	limiter *rate.Limiter

	mu      sync.Mutex
	tickers map[string]edgarCompany // upper ticker -> company, lazily loaded
}

type edgarCompany struct {
	CIK   int    `json:"cik_str"`
	Title string `json:"title"`
}

func NewSECFilingsTool() *SECFilingsTool {
	return &SECFilingsTool{
		userAgent: os.Getenv(EdgarUserAgentEnv),
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(5), 5),
	}
}

func (t *SECFilingsTool) Name() string { return "sec_filings" }

func (t *SECFilingsTool) Description() string {
	return "Look up SEC EDGAR filings for a company: recent submissions by form type, or full-text search across filings."
}

func (t *SECFilingsTool) RichDescription() string {
	return "Retrieve a company's SEC filings from EDGAR. Without a query this lists recent " +
		"filings (optionally filtered by form_type such as \"10-K\", \"10-Q\", \"8-K\") with " +
		"links to the primary documents. With a query it runs a full-text search across filing " +
		"bodies and returns matching excerpts. Use this for authoritative financial disclosures " +
		"rather than press coverage."
}

func (t *SECFilingsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ticker": map[string]interface{}{
				"type":        "string",
				"description": "Stock ticker symbol, e.g. \"AAPL\".",
			},
			"form_type": map[string]interface{}{
				"type":        "string",
				"description": "Filing form to filter on, e.g. \"10-K\", \"10-Q\", \"8-K\", \"DEF 14A\".",
			},
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Full-text search phrase. When set, searches filing bodies instead of listing submissions.",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Maximum filings to return (1-20).",
				"minimum":     1.0,
				"maximum":     float64(maxFilingsLimit),
			},
		},
		"required": []string{"ticker"},
	}
}

func (t *SECFilingsTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	ticker, _ := args["ticker"].(string)
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return "", fmt.Errorf("ticker is required")
	}

	formType, _ := args["form_type"].(string)
	query, _ := args["query"].(string)

	limit := defaultFilingsLimit
	if l, ok := args["limit"].(float64); ok && int(l) >= 1 && int(l) <= maxFilingsLimit {
		limit = int(l)
	}

	company, err := t.lookupCompany(ctx, ticker)
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(query) != "" {
		ReportProgress(ctx, fmt.Sprintf("searching %s filings for %q", ticker, query))
		return t.fullTextSearch(ctx, ticker, company, query, formType, limit)
	}
	ReportProgress(ctx, fmt.Sprintf("listing recent %s filings", ticker))
	return t.listSubmissions(ctx, ticker, company, formType, limit)
}

// lookupCompany resolves a ticker to its EDGAR registrant, loading the
// SEC ticker table once per process.
func (t *SECFilingsTool) lookupCompany(ctx context.Context, ticker string) (edgarCompany, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tickers == nil {
		ReportProgress(ctx, "loading SEC registrant table")
		body, err := t.get(ctx, edgarTickersURL)
		if err != nil {
			return edgarCompany{}, fmt.Errorf("load ticker table: %w", err)
		}

		var raw map[string]struct {
			CIK    int    `json:"cik_str"`
			Ticker string `json:"ticker"`
			Title  string `json:"title"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return edgarCompany{}, fmt.Errorf("parse ticker table: %w", err)
		}

		t.tickers = make(map[string]edgarCompany, len(raw))
		for _, entry := range raw {
			t.tickers[strings.ToUpper(entry.Ticker)] = edgarCompany{CIK: entry.CIK, Title: entry.Title}
		}
	}

	company, ok := t.tickers[ticker]
	if !ok {
		return edgarCompany{}, fmt.Errorf("unknown ticker %q: not found in SEC registrant table", ticker)
	}
	return company, nil
}

func (t *SECFilingsTool) listSubmissions(ctx context.Context, ticker string, company edgarCompany, formType string, limit int) (string, error) {
	body, err := t.get(ctx, fmt.Sprintf(edgarSubmissionsURL, company.CIK))
	if err != nil {
		return "", fmt.Errorf("load submissions: %w", err)
	}

	var subs struct {
		Filings struct {
			Recent struct {
				AccessionNumber []string `json:"accessionNumber"`
				FilingDate      []string `json:"filingDate"`
				Form            []string `json:"form"`
				PrimaryDocument []string `json:"primaryDocument"`
			} `json:"recent"`
		} `json:"filings"`
	}
	if err := json.Unmarshal(body, &subs); err != nil {
		return "", fmt.Errorf("parse submissions: %w", err)
	}

	wantForm := strings.ToUpper(strings.TrimSpace(formType))

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Recent SEC filings for %s (%s, CIK %d)", ticker, company.Title, company.CIK))
	if wantForm != "" {
		sb.WriteString(fmt.Sprintf(", form %s", wantForm))
	}
	sb.WriteString(":\n\n")

	recent := subs.Filings.Recent
	found := 0
	for i := range recent.Form {
		if wantForm != "" && strings.ToUpper(recent.Form[i]) != wantForm {
			continue
		}
		accession := strings.ReplaceAll(recent.AccessionNumber[i], "-", "")
		docURL := fmt.Sprintf("%s/%d/%s/%s", edgarArchiveBase, company.CIK, accession, recent.PrimaryDocument[i])
		sb.WriteString(fmt.Sprintf("%d. %s filed %s\n   %s\n", found+1, recent.Form[i], recent.FilingDate[i], docURL))
		found++
		if found >= limit {
			break
		}
	}

	if found == 0 {
		return fmt.Sprintf("No recent filings found for %s%s.", ticker, formSuffix(wantForm)), nil
	}
	return sb.String(), nil
}

func (t *SECFilingsTool) fullTextSearch(ctx context.Context, ticker string, company edgarCompany, query, formType string, limit int) (string, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("%q", query))
	q.Set("ciks", fmt.Sprintf("%010d", company.CIK))
	if f := strings.ToUpper(strings.TrimSpace(formType)); f != "" {
		q.Set("forms", f)
	}

	body, err := t.get(ctx, edgarFullTextURL+"?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("full-text search: %w", err)
	}

	var resp struct {
		Hits struct {
			Hits []struct {
				ID     string `json:"_id"`
				Source struct {
					DisplayNames []string `json:"display_names"`
					FileType     string   `json:"file_type"`
					FileDate     string   `json:"file_date"`
					RootForms    []string `json:"root_forms"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse search response: %w", err)
	}

	if len(resp.Hits.Hits) == 0 {
		return fmt.Sprintf("No filings matching %q found for %s%s.", query, ticker, formSuffix(formType)), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Filings matching %q for %s (%s):\n\n", query, ticker, company.Title))
	for i, hit := range resp.Hits.Hits {
		if i >= limit {
			break
		}
		form := strings.Join(hit.Source.RootForms, ",")
		// The hit id is "<accession>:<document>".
		docURL := ""
		if parts := strings.SplitN(hit.ID, ":", 2); len(parts) == 2 {
			accession := strings.ReplaceAll(parts[0], "-", "")
			docURL = fmt.Sprintf("%s/%d/%s/%s", edgarArchiveBase, company.CIK, accession, parts[1])
		}
		sb.WriteString(fmt.Sprintf("%d. %s filed %s\n   %s\n", i+1, form, hit.Source.FileDate, docURL))
	}
	return sb.String(), nil
}

func (t *SECFilingsTool) get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("EDGAR returned %d: %s", resp.StatusCode, truncateStr(string(body), 200))
	}
	return body, nil
}

func formSuffix(formType string) string {
	if strings.TrimSpace(formType) == "" {
		return ""
	}
	return fmt.Sprintf(" (form %s)", formType)
}
