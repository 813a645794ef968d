package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zhaopengme/witbot/pkg/logger"
)

const (
	defaultGeocodingBase = "https://geocoding-api.open-meteo.com/v1"
	defaultForecastBase  = "https://api.open-meteo.com/v1"
)

// ExternalDataError reports a failed lookup against the weather service.
type ExternalDataError struct {
	Op  string
	Err error
}

func (e *ExternalDataError) Error() string {
	return fmt.Sprintf("weather %s: %v", e.Op, e.Err)
}

func (e *ExternalDataError) Unwrap() error {
	return e.Err
}

type Options struct {
	GeocodingBase string
	ForecastBase  string
	Timeout       time.Duration
}

// Client resolves a place name and fetches its current weather from Open-Meteo.
type Client struct {
	httpClient    *http.Client
	geocodingBase string
	forecastBase  string
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	geo := strings.TrimRight(opts.GeocodingBase, "/")
	if geo == "" {
		geo = defaultGeocodingBase
	}
	fc := strings.TrimRight(opts.ForecastBase, "/")
	if fc == "" {
		fc = defaultForecastBase
	}
	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		geocodingBase: geo,
		forecastBase:  fc,
	}
}

type geocodingResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

type forecastResponse struct {
	CurrentWeather *struct {
		Temperature float64 `json:"temperature"`
		WeatherCode int     `json:"weathercode"`
	} `json:"current_weather"`
}

// Forecast returns a short description such as "light rain". An unknown
// place yields ("", nil) so the caller can substitute its default.
func (c *Client) Forecast(ctx context.Context, location string) (string, error) {
	q := url.Values{}
	q.Set("name", location)
	q.Set("count", "1")

	var geo geocodingResponse
	if err := c.getJSON(ctx, c.geocodingBase+"/search?"+q.Encode(), &geo); err != nil {
		return "", &ExternalDataError{Op: "geocoding", Err: err}
	}
	if len(geo.Results) == 0 {
		logger.DebugCF("weather", "No geocoding match",
			map[string]interface{}{
				"location": location,
			})
		return "", nil
	}
	place := geo.Results[0]

	q = url.Values{}
	q.Set("latitude", strconv.FormatFloat(place.Latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(place.Longitude, 'f', 4, 64))
	q.Set("current_weather", "true")

	var fc forecastResponse
	if err := c.getJSON(ctx, c.forecastBase+"/forecast?"+q.Encode(), &fc); err != nil {
		return "", &ExternalDataError{Op: "forecast", Err: err}
	}
	if fc.CurrentWeather == nil {
		return "", nil
	}

	desc := Describe(fc.CurrentWeather.WeatherCode)
	logger.DebugCF("weather", "Forecast fetched",
		map[string]interface{}{
			"location":    location,
			"resolved":    place.Name,
			"weathercode": fc.CurrentWeather.WeatherCode,
			"forecast":    desc,
		})
	return desc, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Describe maps a WMO weather interpretation code to a short phrase.
func Describe(code int) string {
	switch {
	case code == 0:
		return "sunny"
	case code <= 2:
		return "partly cloudy"
	case code == 3:
		return "overcast"
	case code == 45 || code == 48:
		return "foggy"
	case code >= 51 && code <= 57:
		return "drizzly"
	case code >= 61 && code <= 67, code >= 80 && code <= 82:
		return "rainy"
	case code >= 71 && code <= 77, code == 85 || code == 86:
		return "snowy"
	case code >= 95:
		return "stormy"
	default:
		return ""
	}
}
