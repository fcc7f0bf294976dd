package adapters

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/basket/taskforce/internal/policy"
	"github.com/basket/taskforce/internal/tools"
)

const ddgEndpoint = "https://html.duckduckgo.com/html/"

// DuckDuckGo scrapes the DuckDuckGo HTML endpoint. It needs no API key.
type DuckDuckGo struct {
	endpoint string
	policy   policy.Checker
	client   *http.Client
}

func NewDuckDuckGo(pol policy.Checker) *DuckDuckGo {
	return &DuckDuckGo{endpoint: ddgEndpoint, policy: pol, client: &http.Client{Timeout: 10 * time.Second}}
}

func (d *DuckDuckGo) WithEndpoint(endpoint string) *DuckDuckGo {
	d.endpoint = endpoint
	return d
}

func (d *DuckDuckGo) Name() string    { return "duckduckgo" }
func (d *DuckDuckGo) Available() bool { return true }

func (d *DuckDuckGo) Search(ctx context.Context, query string, limit int) ([]tools.SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	ddgURL := d.endpoint + "?q=" + url.QueryEscape(query)
	if err := checkURL(ctx, d.policy, ddgURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ddgURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "taskforce/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return parseHTMLResults(string(body), limit), nil
}

var (
	reResultLink    = regexp.MustCompile(`(?i)<a[^>]+class="result__a"[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	reResultSnippet = regexp.MustCompile(`(?i)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	reTag           = regexp.MustCompile(`<[^>]+>`)
)

func parseHTMLResults(html string, limit int) []tools.SearchResult {
	links := reResultLink.FindAllStringSubmatch(html, 10)
	snippets := reResultSnippet.FindAllStringSubmatch(html, 10)

	var results []tools.SearchResult
	for i, link := range links {
		rawURL := link[1]
		// Result links go through a redirect carrying the target in uddg.
		if u, err := url.Parse(rawURL); err == nil {
			if actual := u.Query().Get("uddg"); actual != "" {
				rawURL = actual
			}
		}
		snippet := ""
		if i < len(snippets) {
			snippet = stripTags(snippets[i][1])
		}
		results = append(results, tools.SearchResult{Title: stripTags(link[2]), URL: rawURL, Snippet: snippet})
		if len(results) >= limit {
			break
		}
	}
	return results
}

func stripTags(s string) string {
	return strings.TrimSpace(reTag.ReplaceAllString(s, ""))
}
