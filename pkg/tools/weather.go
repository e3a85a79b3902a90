package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"
)

const defaultWeatherBaseURL = "https://wttr.in"

// Weather reports current conditions for a city via the wttr.in text API.
type Weather struct {
	baseURL    string
	httpClient *http.Client
}

// NewWeather creates the weather tool.
func NewWeather(baseURL string, httpClient *http.Client) *Weather {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultWeatherBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Weather{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (w *Weather) Name() string { return "get_current_weather" }

func (w *Weather) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        w.Name(),
		Description: "Get the current weather in a given city.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"city": {
					Type:        genai.TypeString,
					Description: "The name of the city to get the weather for.",
				},
			},
			Required: []string{"city"},
		},
	}
}

// Execute fetches the "condition temperature" one-liner for the city.
// Upstream failures are reported in the result rather than as an error,
// so the model can relay them conversationally.
func (w *Weather) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	city, _ := args["city"].(string)
	city = strings.TrimSpace(city)
	if city == "" {
		return nil, fmt.Errorf("city is required")
	}

	// The format query stays raw: wttr.in expects the literal %C+%t
	// placeholders for "condition temperature".
	reqURL := fmt.Sprintf("%s/%s?format=%%C+%%t", w.baseURL,
		url.PathEscape(strings.ToLower(city)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return map[string]any{
			"city":  city,
			"error": fmt.Sprintf("Network error: %v", err),
		}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return map[string]any{
			"city":  city,
			"error": fmt.Sprintf("Failed to fetch weather data. Status: %d", resp.StatusCode),
		}, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return map[string]any{
		"city":                city,
		"weather_description": strings.TrimSpace(string(body)),
	}, nil
}
