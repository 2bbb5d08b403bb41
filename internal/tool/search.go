package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relaybot/internal/domain"
)

const (
	searchTimeout         = 15 * time.Second
	searchMaxBytes        = 512 * 1024
	defaultMaxResults     = 5
	maxSearchResults      = 20
	userAgentString       = "relaybot/0.1"
	DefaultSearchEndpoint = "https://api.duckduckgo.com/"
)

// searcher queries the DuckDuckGo Instant Answer API (no key required).
type searcher struct {
	endpoint string
	client   *http.Client
}

func newSearcher(endpoint string, client *http.Client) *searcher {
	if endpoint == "" {
		endpoint = DefaultSearchEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: searchTimeout}
	}
	return &searcher{endpoint: endpoint, client: client}
}

func webSearchCapability(s *searcher) *domain.Capability {
	return &domain.Capability{
		Name:        "web_search",
		Description: "Search the web for information. Returns an instant answer, an abstract and related results.",
		Schema: domain.Schema{Fields: []domain.Field{
			{Name: "query", Type: domain.TypeString, Description: "Search query to look up on the web", Required: true},
			{Name: "max_results", Type: domain.TypeInteger, Description: "Maximum related results to return (1-20, default 5)"},
		}},
		Handler: s.search,
	}
}

func (s *searcher) search(ctx context.Context, args map[string]any) (map[string]any, error) {
	query := strings.TrimSpace(ArgString(args, "query"))
	if query == "" {
		return nil, domain.NewError(domain.KindSchemaViolation, "query must not be empty")
	}
	limit := clampResults(ArgInt(args, "max_results", defaultMaxResults))

	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("no_html", "1")
	q.Set("skip_disambig", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgentString)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, searchMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var ddg ddgResponse
	if err := json.Unmarshal(body, &ddg); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]map[string]any, 0, limit)
	var collect func(topics []ddgTopic)
	collect = func(topics []ddgTopic) {
		for _, t := range topics {
			if len(results) >= limit {
				return
			}
			if len(t.Topics) > 0 {
				collect(t.Topics)
				continue
			}
			if t.Text != "" {
				results = append(results, map[string]any{"text": t.Text, "url": t.FirstURL})
			}
		}
	}
	collect(ddg.RelatedTopics)

	return map[string]any{
		"query":        query,
		"heading":      ddg.Heading,
		"abstract":     ddg.Abstract,
		"abstract_url": ddg.AbstractURL,
		"answer":       ddg.Answer,
		"results":      results,
		"count":        len(results),
	}, nil
}

func clampResults(n int) int {
	switch {
	case n < 1:
		return 1
	case n > maxSearchResults:
		return maxSearchResults
	}
	return n
}

// DuckDuckGo response types
type ddgResponse struct {
	Abstract      string     `json:"Abstract"`
	AbstractURL   string     `json:"AbstractURL"`
	Heading       string     `json:"Heading"`
	Answer        string     `json:"Answer"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Topics   []ddgTopic `json:"Topics"`
}
