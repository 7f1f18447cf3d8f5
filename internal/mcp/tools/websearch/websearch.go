// Package websearch provides the built-in "web_search" tool backed by the
// Tavily search API.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mawwalker/moss/internal/mcp/tools"
	"github.com/mawwalker/moss/pkg/provider/llm"
)

// DefaultBaseURL is the Tavily API root.
const DefaultBaseURL = "https://api.tavily.com"

// DefaultMaxResults is the number of results requested per query.
const DefaultMaxResults = 5

// Option configures the tool.
type Option func(*client)

// WithBaseURL overrides the API root. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithMaxResults sets how many results are requested.
func WithMaxResults(n int) Option {
	return func(c *client) {
		if n > 0 {
			c.maxResults = n
		}
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.http = hc }
}

type client struct {
	apiKey     string
	baseURL    string
	maxResults int
	http       *http.Client
}

type searchArgs struct {
	Query string `json:"query"`
}

type searchRequest struct {
	Query         string `json:"query"`
	Topic         string `json:"topic"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
	Detail any `json:"detail"`
}

// Tools returns the web search tool bound to apiKey.
func Tools(apiKey string, opts ...Option) []tools.Tool {
	c := &client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		maxResults: DefaultMaxResults,
		http:       &http.Client{Timeout: 20 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return []tools.Tool{
		{
			Definition: llm.ToolDefinition{
				Name:        "web_search",
				Description: "Search the web for current events and facts. Returns a short answer and the top results.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "The search query.",
						},
					},
					"required": []string{"query"},
				},
			},
			Handler: c.handle,
			Timeout: 25 * time.Second,
		},
	}
}

func (c *client) handle(ctx context.Context, args string) (string, error) {
	var in searchArgs
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("websearch: invalid arguments: %w", err)
	}
	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" {
		return "", fmt.Errorf("websearch: query is required")
	}

	body, err := json.Marshal(searchRequest{
		Query:         in.Query,
		Topic:         "general",
		MaxResults:    c.maxResults,
		IncludeAnswer: true,
	})
	if err != nil {
		return "", fmt.Errorf("websearch: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("websearch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("websearch: request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("websearch: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("websearch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var data searchResponse
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("websearch: decode response: %w", err)
	}
	return format(data), nil
}

func format(d searchResponse) string {
	var sb strings.Builder
	if d.Answer != "" {
		sb.WriteString("Answer: ")
		sb.WriteString(d.Answer)
		sb.WriteString("\n")
	}
	for i, r := range d.Results {
		fmt.Fprintf(&sb, "%d. %s (%s)\n%s\n", i+1, r.Title, r.URL, r.Content)
	}
	if sb.Len() == 0 {
		return "No results."
	}
	return strings.TrimRight(sb.String(), "\n")
}
