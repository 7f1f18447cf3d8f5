// Package weather provides the built-in "get_weather" tool backed by the
// OpenWeatherMap current-weather API.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mawwalker/moss/internal/mcp/tools"
	"github.com/mawwalker/moss/pkg/provider/llm"
)

// DefaultBaseURL is the OpenWeatherMap API root.
const DefaultBaseURL = "https://api.openweathermap.org"

// Option configures the tool.
type Option func(*client)

// WithBaseURL overrides the API root. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.http = hc }
}

type client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

type weatherArgs struct {
	Location string `json:"location"`
}

// owmResponse is the subset of the current-weather payload the tool reports.
type owmResponse struct {
	Name    string `json:"name"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		TempMin   float64 `json:"temp_min"`
		TempMax   float64 `json:"temp_max"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Clouds struct {
		All int `json:"all"`
	} `json:"clouds"`
	Message string `json:"message"`
}

// Tools returns the weather tool bound to apiKey.
func Tools(apiKey string, opts ...Option) []tools.Tool {
	c := &client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return []tools.Tool{
		{
			Definition: llm.ToolDefinition{
				Name: "get_weather",
				Description: "Fetch the current weather from OpenWeatherMap. The location must be written in English, " +
					`for example "London", "London,UK" or "Beijing,CN".`,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"location": map[string]any{
							"type":        "string",
							"description": "City name in English, optionally followed by a comma and a country code.",
						},
					},
					"required": []string{"location"},
				},
			},
			Handler: c.handle,
			Timeout: 15 * time.Second,
		},
	}
}

func (c *client) handle(ctx context.Context, args string) (string, error) {
	var in weatherArgs
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("weather: invalid arguments: %w", err)
	}
	in.Location = strings.TrimSpace(in.Location)
	if in.Location == "" {
		return "", fmt.Errorf("weather: location is required")
	}

	q := url.Values{}
	q.Set("q", in.Location)
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/data/2.5/weather?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("weather: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("weather: read response: %w", err)
	}
	var data owmResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return "", fmt.Errorf("weather: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather: %s: status %d: %s", in.Location, resp.StatusCode, data.Message)
	}
	return format(in.Location, data), nil
}

func format(location string, d owmResponse) string {
	name := d.Name
	if name == "" {
		name = location
	}
	var status []string
	for _, w := range d.Weather {
		status = append(status, w.Description)
	}
	return fmt.Sprintf(
		"In %s, the current weather is %s. Temperature %.1f°C (feels like %.1f°C, min %.1f°C, max %.1f°C). Humidity %d%%. Wind speed %.1f m/s. Cloud cover %d%%.",
		name, strings.Join(status, ", "),
		d.Main.Temp, d.Main.FeelsLike, d.Main.TempMin, d.Main.TempMax,
		d.Main.Humidity, d.Wind.Speed, d.Clouds.All,
	)
}
