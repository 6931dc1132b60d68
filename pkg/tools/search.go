package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
)

const (
	defaultTavilyBaseURL   = "https://api.tavily.com"
	defaultSearchResults   = 5
	searchErrorBodyPreview = 200
)

type tavilyRequest struct {
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth,omitempty"`
	MaxResults  int    `json:"max_results,omitempty"`
}

type tavilyResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type tavilyResponse struct {
	Results []tavilyResult `json:"results"`
}

func webSearchTool(opts Options) toolexecutor.ToolDefinition {
	baseURL := strings.TrimRight(opts.TavilyBaseURL, "/")
	if baseURL == "" {
		baseURL = defaultTavilyBaseURL
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}

	return toolexecutor.ToolDefinition{
		Name:        "web_search",
		Description: "Search the web and return the top results with titles, URLs, and content summaries.",
		Category:    toolexecutor.CategorySearch,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "query", Type: "string", Description: "Search query text", Required: true},
			{Name: "max_results", Type: "integer", Description: "Maximum results to return (default 5)", Required: false, Default: defaultSearchResults},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if opts.TavilyAPIKey == "" {
				return nil, errors.New("web search is not configured: missing Tavily API key")
			}

			query, _ := params["query"].(string)
			query = strings.TrimSpace(query)
			if query == "" {
				return nil, errors.New("query is required")
			}

			maxResults := intParam(params, "max_results")
			if maxResults <= 0 {
				maxResults = defaultSearchResults
			}

			log.Info().Str("query", query).Msg("Searching the web")

			results, err := searchTavily(ctx, httpClient, baseURL, opts.TavilyAPIKey, query, maxResults)
			if err != nil {
				return nil, err
			}
			return formatWebResults(results), nil
		},
	}
}

// searchTavily issues one search request and decodes the results.
func searchTavily(ctx context.Context, client *http.Client, baseURL, apiKey, query string, maxResults int) ([]tavilyResult, error) {
	payload, err := json.Marshal(tavilyRequest{
		Query:       query,
		SearchDepth: "advanced",
		MaxResults:  maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		preview := string(body)
		if len(preview) > searchErrorBodyPreview {
			preview = preview[:searchErrorBodyPreview]
		}
		return nil, fmt.Errorf("search request failed with status %d: %s", resp.StatusCode, preview)
	}

	var decoded tavilyResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return decoded.Results, nil
}

// formatWebResults renders results as Title / URL / Content blocks joined
// by --- separators.
func formatWebResults(results []tavilyResult) string {
	if len(results) == 0 {
		return "No results found."
	}

	blocks := make([]string, 0, len(results))
	for _, result := range results {
		blocks = append(blocks, fmt.Sprintf("Title: %s\nURL: %s\nContent: %s\n", result.Title, result.URL, result.Content))
	}
	return strings.Join(blocks, "\n---\n")
}
