package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/sony/gobreaker"

	"github.com/iaglobal/plantwatch/internal/telemetry"
	"github.com/iaglobal/plantwatch/internal/telemetry/convert"
)

const (
	// DefaultAmbientBaseURL is the weather-station API root.
	DefaultAmbientBaseURL = "https://api.ambientweather.net/v1"

	// DefaultAmbientLimit covers 24h of 5-minute records.
	DefaultAmbientLimit = 288
)

// AmbientConfig carries the station credentials and identity.
type AmbientConfig struct {
	APIKey         string `json:"apiKey"`
	ApplicationKey string `json:"applicationKey"`
	MAC            string `json:"mac"`
}

// AmbientAdapter reads the weather station's device feed. The upstream
// reports imperial units; readings come out already converted to the metric
// display keys the dashboard charts.
type AmbientAdapter struct {
	cfg     AmbientConfig
	baseURL string
	limit   int
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

// NewAmbientAdapter builds the station adapter.
func NewAmbientAdapter(client *http.Client, cfg AmbientConfig) *AmbientAdapter {
	return &AmbientAdapter{
		cfg:     cfg,
		baseURL: DefaultAmbientBaseURL,
		limit:   DefaultAmbientLimit,
		httpCfg: defaultHTTPConfig(client),
		circuit: newBreaker("ambientweather"),
	}
}

// WithBaseURL overrides the API root, used by tests.
func (a *AmbientAdapter) WithBaseURL(url string) *AmbientAdapter {
	a.baseURL = url
	return a
}

func (a *AmbientAdapter) Name() string { return "ambientweather" }

// ambientRecord is one flat imperial record of the device feed.
type ambientRecord struct {
	DateUTC     int64    `json:"dateutc"`
	TempF       *float64 `json:"tempf"`
	Humidity    *float64 `json:"humidity"`
	BaromRelIn  *float64 `json:"baromrelin"`
	WindMph     *float64 `json:"windspeedmph"`
	DailyRainIn *float64 `json:"dailyrainin"`
}

// metricValues converts the record into the display variable keys. Absent
// upstream fields stay absent.
func (r ambientRecord) metricValues() map[string]float64 {
	out := make(map[string]float64, 5)
	if r.TempF != nil {
		out["tempc"] = convert.FahrenheitToCelsius(*r.TempF)
	}
	if r.Humidity != nil {
		out["humidity"] = *r.Humidity
	}
	if r.BaromRelIn != nil {
		out["baromrelhpa"] = convert.InHgToHPa(*r.BaromRelIn)
	}
	if r.WindMph != nil {
		out["windspeedkmh"] = convert.MphToKmh(*r.WindMph)
	}
	if r.DailyRainIn != nil {
		out["dailyrainmm"] = convert.InchesToMm(*r.DailyRainIn)
	}
	return out
}

func (a *AmbientAdapter) fetchRecords(ctx context.Context, limit int) ([]ambientRecord, error) {
	if a.cfg.APIKey == "" || a.cfg.ApplicationKey == "" || a.cfg.MAC == "" {
		return nil, fmt.Errorf("%w: weather station keys or MAC address missing", telemetry.ErrConfiguration)
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("apiKey", a.cfg.APIKey)
		values.Set("applicationKey", a.cfg.ApplicationKey)
		values.Set("limit", fmt.Sprintf("%d", limit))

		u := fmt.Sprintf("%s/devices/%s?%s", a.baseURL, a.cfg.MAC, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, a.httpCfg, a.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var records []ambientRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode device feed: %w", err)
	}
	return records, nil
}

// FetchLatest reads the newest record and maps it to latest values.
func (a *AmbientAdapter) FetchLatest(ctx context.Context) (telemetry.LatestResult, error) {
	records, err := a.fetchRecords(ctx, 1)
	if err != nil {
		return telemetry.LatestResult{}, err
	}
	if len(records) == 0 {
		return telemetry.LatestResult{}, fmt.Errorf("%w: station returned no records", telemetry.ErrAllRequestsFailed)
	}

	newest := records[0]
	for _, r := range records[1:] {
		if r.DateUTC > newest.DateUTC {
			newest = r
		}
	}

	result := telemetry.LatestResult{
		Values:          make(map[string]telemetry.LatestValue),
		LastTimestampMs: newest.DateUTC,
	}
	for key, v := range newest.metricValues() {
		result.Values[key] = telemetry.LatestValue{Num: v, State: telemetry.ValueOK}
	}
	return result, nil
}

// FetchHistory reads the device feed and emits one reading per converted
// field per record, sorted ascending by timestamp. The station API has no
// range parameters; the limit covers the dashboard's 24h window and the
// engine trims to the requested range.
func (a *AmbientAdapter) FetchHistory(ctx context.Context, startMs, endMs int64) ([]telemetry.Reading, error) {
	records, err := a.fetchRecords(ctx, a.limit)
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].DateUTC < records[j].DateUTC })

	var readings []telemetry.Reading
	for _, r := range records {
		if r.DateUTC == 0 {
			continue
		}
		if startMs > 0 && r.DateUTC < startMs {
			continue
		}
		if endMs > 0 && r.DateUTC > endMs {
			continue
		}
		for key, v := range r.metricValues() {
			readings = append(readings, telemetry.Reading{
				VariableKey: key,
				Value:       v,
				TimestampMs: r.DateUTC,
			})
		}
	}
	return readings, nil
}
