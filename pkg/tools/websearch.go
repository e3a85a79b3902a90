package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

const defaultTavilyBaseURL = "https://api.tavily.com"

// WebSearch answers questions about current events through the Tavily
// search API.
type WebSearch struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewWebSearch creates the web search tool.
func NewWebSearch(apiKey, baseURL string, httpClient *http.Client) *WebSearch {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultTavilyBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WebSearch{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Configured reports whether an API key is present.
func (s *WebSearch) Configured() bool {
	return s != nil && s.apiKey != ""
}

func (s *WebSearch) Name() string { return "web_search" }

func (s *WebSearch) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        s.Name(),
		Description: "Searches the web to answer questions about current events, facts, or general knowledge. Returns a direct answer and supporting sources.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"query": {
					Type:        genai.TypeString,
					Description: "The search query or topic to look up to get a direct answer.",
				},
			},
			Required: []string{"query"},
		},
	}
}

// Execute runs a Tavily search with include_answer so the model gets a
// summarized answer alongside the sources.
func (s *WebSearch) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	if !s.Configured() {
		return nil, fmt.Errorf("tavily api key is not configured")
	}
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	body, err := json.Marshal(map[string]any{
		"query":          query,
		"search_depth":   "advanced",
		"include_answer": true,
		"max_results":    5,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("tavily error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded struct {
		Answer  string `json:"answer"`
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	sources := make([]map[string]any, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		sources = append(sources, map[string]any{
			"title":   r.Title,
			"url":     r.URL,
			"content": r.Content,
		})
	}
	return map[string]any{
		"answer":  decoded.Answer,
		"results": sources,
	}, nil
}
