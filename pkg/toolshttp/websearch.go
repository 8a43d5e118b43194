// Package toolshttp implements the HTTP-backed tool adapters:
// web search result scraping, image generation, and the Python
// analysis sandbox client.
package toolshttp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// SearchClient fetches a search-results page for a query. Swappable
// per deployment (a real provider's HTTP endpoint in production, a
// fake in tests).
type SearchClient interface {
	Fetch(ctx context.Context, query string) (*http.Response, error)
}

// HTTPSearchClient hits a single configured search endpoint that
// returns an HTML results page (e.g. a self-hosted SearxNG instance).
type HTTPSearchClient struct {
	Endpoint string // must contain "%s" for the URL-escaped query
	Client   *http.Client
}

// NewHTTPSearchClient builds a client with sane request timeouts.
func NewHTTPSearchClient(endpoint string) *HTTPSearchClient {
	return &HTTPSearchClient{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPSearchClient) Fetch(ctx context.Context, query string) (*http.Response, error) {
	target := fmt.Sprintf(c.Endpoint, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

// WebSearchAdapter implements tools.Adapter for the web_search tool.
type WebSearchAdapter struct {
	Client   SearchClient
	MaxItems int
}

// NewWebSearchAdapter builds an adapter returning up to maxItems
// result snippets per call.
func NewWebSearchAdapter(client SearchClient, maxItems int) *WebSearchAdapter {
	if maxItems <= 0 {
		maxItems = 5
	}
	return &WebSearchAdapter{Client: client, MaxItems: maxItems}
}

// Execute fetches the results page and scrapes title+snippet pairs
// out of it with goquery, matching the shape a generic HTML search
// results page exposes (result anchors plus a following snippet
// element) rather than any one provider's specific markup.
func (a *WebSearchAdapter) Execute(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("web_search: empty query")
	}
	resp, err := a.Client.Fetch(ctx, query)
	if err != nil {
		return "", fmt.Errorf("web_search: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("web_search: upstream status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("web_search: parse html: %w", err)
	}

	var sb strings.Builder
	count := 0
	doc.Find(".result").EachWithBreak(func(i int, sel *goquery.Selection) bool {
		title := strings.TrimSpace(sel.Find(".result__title, .result-title, h3").First().Text())
		snippet := strings.TrimSpace(sel.Find(".result__snippet, .result-snippet, p").First().Text())
		if title == "" && snippet == "" {
			return true
		}
		count++
		fmt.Fprintf(&sb, "%d. %s\n%s\n\n", count, title, snippet)
		return count < a.MaxItems
	})

	if count == 0 {
		return "No results found.", nil
	}
	return strings.TrimSpace(sb.String()), nil
}
