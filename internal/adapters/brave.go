package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/basket/taskforce/internal/audit"
	"github.com/basket/taskforce/internal/policy"
	"github.com/basket/taskforce/internal/tools"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// BraveSearch queries the Brave Search API.
type BraveSearch struct {
	apiKey   string
	endpoint string
	policy   policy.Checker
	client   *http.Client
}

func NewBraveSearch(apiKey string, pol policy.Checker) *BraveSearch {
	return &BraveSearch{
		apiKey:   apiKey,
		endpoint: braveEndpoint,
		policy:   pol,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WithEndpoint points the provider at another base URL.
func (b *BraveSearch) WithEndpoint(endpoint string) *BraveSearch {
	b.endpoint = endpoint
	return b
}

func (b *BraveSearch) Name() string    { return "brave_search" }
func (b *BraveSearch) Available() bool { return b.apiKey != "" }

func (b *BraveSearch) Search(ctx context.Context, query string, limit int) ([]tools.SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	braveURL := b.endpoint + "?q=" + url.QueryEscape(query) + "&count=" + strconv.Itoa(limit)
	if err := checkURL(ctx, b.policy, braveURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("brave API returned %d: %s", resp.StatusCode, string(body))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return parseBraveJSON(body, limit)
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func parseBraveJSON(data []byte, limit int) ([]tools.SearchResult, error) {
	var resp braveResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse brave response: %w", err)
	}
	var results []tools.SearchResult
	for _, r := range resp.Web.Results {
		results = append(results, tools.SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// checkURL applies the domain policy to an outbound request and audits the
// decision.
func checkURL(ctx context.Context, pol policy.Checker, raw string) error {
	if pol == nil || !pol.AllowHTTPURL(raw) {
		pv := ""
		if pol != nil {
			pv = pol.PolicyVersion()
		}
		audit.Record(ctx, audit.Entry{Decision: audit.Deny, Action: "tools.web_search", Subject: raw, Reason: "url_denied", PolicyVersion: pv})
		return fmt.Errorf("policy denied search URL %q", raw)
	}
	audit.Record(ctx, audit.Entry{Decision: audit.Allow, Action: "tools.web_search", Subject: raw, Reason: "url_allowed", PolicyVersion: pol.PolicyVersion()})
	return nil
}
