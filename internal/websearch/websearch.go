// Package websearch is the optional external evidence capability. The
// evidence stage treats a nil Searcher as "not configured" and degrades.
package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/veritas-os/veritas/internal/model"
)

// Result is one search hit.
type Result struct {
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Snippet     string  `json:"snippet"`
	Reliability float64 `json:"reliability"`
}

// Searcher runs a web query and returns ranked hits.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// HTTPSearcher queries a JSON search endpoint
// (GET {base}?q=...&max_results=N, results under "results").
type HTTPSearcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTP(baseURL, apiKey string) *HTTPSearcher {
	return &HTTPSearcher{baseURL: baseURL, apiKey: apiKey, client: &http.Client{}}
}

func (s *HTTPSearcher) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	// max_results clamped to [1,100].
	if maxResults < 1 {
		maxResults = 1
	}
	if maxResults > 100 {
		maxResults = 100
	}

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("websearch: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("max_results", strconv.Itoa(maxResults))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websearch: build request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, model.E(model.KindDeadlineExceeded, "web search timed out", err)
		}
		return nil, model.E(model.KindTransientIO, "web search failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, model.E(model.KindTransientIO, fmt.Sprintf("web search status %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, model.E(model.KindTransientIO, "web search response read failed", err)
	}
	var out struct {
		Results []Result `json:"results"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, model.E(model.KindTransientIO, "web search response unparseable", err)
	}
	if len(out.Results) > maxResults {
		out.Results = out.Results[:maxResults]
	}
	return out.Results, nil
}
