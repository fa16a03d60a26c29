// Package search gathers external web intelligence for the reasoning
// council: a Tavily REST client plus the channel-structured gathering layer
// that turns raw search results into evidence bundle inputs.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// Result is one Tavily search response, flattened to what the evidence
// pipeline consumes. Snippets and Sources are parallel: Sources[i] is the
// URL the i-th snippet came from (empty when the result row had none).
type Result struct {
	Query    string
	Answer   string
	Snippets []string
	Sources  []string
}

// TavilyClient is a minimal Tavily REST client. A client constructed with an
// empty key is disabled: searches return an empty Result and no error, so
// callers degrade to evidence-free reports instead of failing.
type TavilyClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewTavilyClient returns a Tavily search client.
//   - apiKey: your TAVILY_API_KEY; empty disables the client
func NewTavilyClient(apiKey string) *TavilyClient {
	return &TavilyClient{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: tavilyEndpoint,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Enabled reports whether the client has an API key to search with.
func (c *TavilyClient) Enabled() bool {
	return c.apiKey != ""
}

// ─── API SHAPES ──────────────────────────────────────────────────────────────

type tavilyRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	SearchDepth   string `json:"search_depth"`
	IncludeAnswer bool   `json:"include_answer"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Content string `json:"content"`
		URL     string `json:"url"`
	} `json:"results"`
}

// ─── IMPLEMENTATION ──────────────────────────────────────────────────────────

// Search runs one query and returns the flattened result. A disabled client
// returns an empty Result; transport and decode failures are returned as
// errors so the gathering layer can decide what a missing channel means.
func (c *TavilyClient) Search(ctx context.Context, query string, maxResults int) (Result, error) {
	if !c.Enabled() {
		return Result{Query: query}, nil
	}
	if maxResults <= 0 {
		maxResults = 5
	}

	reqBody := tavilyRequest{
		APIKey:        c.apiKey,
		Query:         query,
		MaxResults:    maxResults,
		SearchDepth:   "advanced",
		IncludeAnswer: true,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return Result{Query: query}, fmt.Errorf("tavily: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return Result{Query: query}, fmt.Errorf("tavily: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Query: query}, fmt.Errorf("tavily: send request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Query: query}, fmt.Errorf("tavily: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{Query: query}, fmt.Errorf("tavily: API returned %d: %.200s", resp.StatusCode, respBytes)
	}

	var parsed tavilyResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return Result{Query: query}, fmt.Errorf("tavily: parse response JSON: %w", err)
	}

	// Snippets and Sources stay index-aligned: a result row with no content
	// is dropped entirely, URL included, so Sources[i] is always the origin
	// of Snippets[i].
	out := Result{Query: query, Answer: strings.TrimSpace(parsed.Answer)}
	for _, row := range parsed.Results {
		content := strings.TrimSpace(row.Content)
		if content == "" {
			continue
		}
		out.Snippets = append(out.Snippets, content)
		out.Sources = append(out.Sources, strings.TrimSpace(row.URL))
	}
	return out, nil
}
