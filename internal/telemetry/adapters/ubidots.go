package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/iaglobal/plantwatch/internal/telemetry"
)

const (
	// DefaultUbidotsBaseURL is the industrial API root.
	DefaultUbidotsBaseURL = "https://industrial.api.ubidots.com/api/v1.6"

	// latestPageSize asks for a few trailing values because devices may
	// report nulls on their most recent slots.
	latestPageSize = 5

	// latestConcurrency bounds the per-variable fan-out of FetchLatest.
	latestConcurrency = 8

	// DefaultMaxLookbackDays bounds the backward day-by-day probe used when
	// a device has been offline and no range anchor is known.
	DefaultMaxLookbackDays = 30
)

// UbidotsAdapter fetches latest values and historical series for one plant
// from the industrial IoT platform.
type UbidotsAdapter struct {
	source   telemetry.Source
	baseURL  string
	httpCfg  HTTPClientConfig
	circuit  *gobreaker.CircuitBreaker
	lookback int
}

// NewUbidotsAdapter binds an adapter to one configured plant source.
func NewUbidotsAdapter(client *http.Client, src telemetry.Source) *UbidotsAdapter {
	return &UbidotsAdapter{
		source:   src,
		baseURL:  DefaultUbidotsBaseURL,
		httpCfg:  defaultHTTPConfig(client),
		circuit:  newBreaker("ubidots:" + src.ID),
		lookback: DefaultMaxLookbackDays,
	}
}

// WithBaseURL overrides the API root, used by tests.
func (a *UbidotsAdapter) WithBaseURL(url string) *UbidotsAdapter {
	a.baseURL = url
	return a
}

// WithMaxLookback overrides the probe bound.
func (a *UbidotsAdapter) WithMaxLookback(days int) *UbidotsAdapter {
	if days > 0 {
		a.lookback = days
	}
	return a
}

func (a *UbidotsAdapter) Name() string { return "ubidots" }

// valuesResponse is the "most recent values" schema:
// {"results": [{"value": ..., "timestamp": ...}, ...]}, newest first.
type valuesResponse struct {
	Results []struct {
		Value     *float64 `json:"value"`
		Timestamp int64    `json:"timestamp"`
	} `json:"results"`
}

// firstValid returns the newest non-null entry. Devices may report trailing
// nulls, so the scan skips those.
func (r valuesResponse) firstValid() (float64, int64, bool) {
	for _, item := range r.Results {
		if item.Value != nil {
			return *item.Value, item.Timestamp, true
		}
	}
	return 0, 0, false
}

// seriesResponse is the bulk history schema:
// {"results": [[[value, timestamp], ...], ...]} with the outer slice
// positionally aligned to the requested variable order.
type seriesResponse struct {
	Results [][][]*float64 `json:"results"`
}

// readings unpacks one variable's dataset, dropping points with a null value
// or timestamp.
func (r seriesResponse) readings(varIndex int, key string) []telemetry.Reading {
	if varIndex >= len(r.Results) {
		return nil
	}
	var out []telemetry.Reading
	for _, pt := range r.Results[varIndex] {
		if len(pt) < 2 || pt[0] == nil || pt[1] == nil {
			continue
		}
		out = append(out, telemetry.Reading{
			VariableKey: key,
			Value:       *pt[0],
			TimestampMs: int64(*pt[1]),
		})
	}
	return out
}

type variableRef struct {
	key    string
	id     string
	token  string
	sensor string
}

// flatVariables lists every declared variable across the source's sensors in
// a stable order.
func (a *UbidotsAdapter) flatVariables() []variableRef {
	var refs []variableRef
	for _, sensor := range a.source.Sensors {
		keys := make([]string, 0, len(sensor.Variables))
		for k := range sensor.Variables {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			refs = append(refs, variableRef{
				key:    k,
				id:     sensor.Variables[k].RemoteID,
				token:  sensor.Token,
				sensor: sensor.ID,
			})
		}
	}
	return refs
}

// FetchLatest issues one "most recent values" request per declared variable,
// all in parallel with bounded concurrency. A failed request marks only its
// own variable with an error sentinel; the call fails wholesale only when
// the sensor configuration itself is empty.
func (a *UbidotsAdapter) FetchLatest(ctx context.Context) (telemetry.LatestResult, error) {
	refs := a.flatVariables()
	if len(refs) == 0 {
		return telemetry.LatestResult{}, fmt.Errorf("%w: source %s declares no variables", telemetry.ErrConfiguration, a.source.ID)
	}

	type slot struct {
		value telemetry.LatestValue
		ts    int64
	}
	slots := make([]slot, len(refs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, latestConcurrency)

	for i, ref := range refs {
		i, ref := i, ref
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			value, ts, err := a.fetchVariableLatest(ctx, ref)
			if err != nil {
				log.Printf("ubidots %s: latest fetch failed for %s/%s: %v", a.source.ID, ref.sensor, ref.key, err)
				slots[i] = slot{value: telemetry.LatestValue{State: telemetry.ValueError}}
				return
			}
			slots[i] = slot{value: value, ts: ts}
		}()
	}
	wg.Wait()

	result := telemetry.LatestResult{Values: make(map[string]telemetry.LatestValue, len(refs))}
	for i, ref := range refs {
		result.Values[ref.key] = slots[i].value
		if slots[i].value.OK() && slots[i].ts > result.LastTimestampMs {
			result.LastTimestampMs = slots[i].ts
		}
	}
	return result, nil
}

func (a *UbidotsAdapter) fetchVariableLatest(ctx context.Context, ref variableRef) (telemetry.LatestValue, int64, error) {
	buildRequest := func() (*http.Request, error) {
		u := fmt.Sprintf("%s/variables/%s/values/?page_size=%d", a.baseURL, ref.id, latestPageSize)
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Auth-Token", ref.token)
		return req, nil
	}

	resp, err := doRequestWithResilience(ctx, a.httpCfg, a.circuit, buildRequest)
	if err != nil {
		return telemetry.LatestValue{}, 0, err
	}
	defer resp.Body.Close()

	var payload valuesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return telemetry.LatestValue{}, 0, fmt.Errorf("decode values response: %w", err)
	}

	value, ts, ok := payload.firstValid()
	if !ok {
		return telemetry.LatestValue{State: telemetry.ValueNotAvailable}, 0, nil
	}
	return telemetry.LatestValue{Num: value, State: telemetry.ValueOK}, ts, nil
}

// FetchHistory issues one bulk series request per sensor (the platform
// batches variables server-side) and merges the parsed readings. A failed
// sensor contributes nothing; the other sensors' results survive.
//
// When endMs is zero no range anchor is known, so the adapter probes
// backward day by day (bounded by the lookback) until it finds a day with
// data, and returns that day's readings.
func (a *UbidotsAdapter) FetchHistory(ctx context.Context, startMs, endMs int64) ([]telemetry.Reading, error) {
	if len(a.source.Sensors) == 0 {
		return nil, fmt.Errorf("%w: source %s has no sensors", telemetry.ErrConfiguration, a.source.ID)
	}

	if endMs == 0 {
		return a.probeBackward(ctx)
	}
	return a.fetchWindow(ctx, startMs, endMs)
}

func (a *UbidotsAdapter) fetchWindow(ctx context.Context, startMs, endMs int64) ([]telemetry.Reading, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		readings []telemetry.Reading
		failures int
	)

	for _, sensor := range a.source.Sensors {
		sensor := sensor
		wg.Add(1)
		go func() {
			defer wg.Done()

			rs, err := a.fetchSensorSeries(ctx, sensor, startMs, endMs)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Partial failure: keep the other sensors' results.
				log.Printf("ubidots %s: history fetch failed for sensor %s: %v", a.source.ID, sensor.ID, err)
				failures++
				return
			}
			readings = append(readings, rs...)
		}()
	}
	wg.Wait()

	if failures == len(a.source.Sensors) {
		return nil, fmt.Errorf("%w: every sensor of %s failed", telemetry.ErrAllRequestsFailed, a.source.ID)
	}
	return readings, nil
}

func (a *UbidotsAdapter) fetchSensorSeries(ctx context.Context, sensor telemetry.Sensor, startMs, endMs int64) ([]telemetry.Reading, error) {
	// Request order drives positional alignment of the response, so keys and
	// ids come from the same pass.
	keys := make([]string, 0, len(sensor.Variables))
	for k := range sensor.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = sensor.Variables[k].RemoteID
	}

	body := map[string]any{
		"variables":       ids,
		"columns":         []string{"value.value", "timestamp"},
		"join_dataframes": false,
		"start":           startMs,
		"end":             endMs,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	buildRequest := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, a.baseURL+"/data/raw/series", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Auth-Token", sensor.Token)
		return req, nil
	}

	resp, err := doRequestWithResilience(ctx, a.httpCfg, a.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var series seriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		return nil, fmt.Errorf("decode series response: %w", err)
	}

	var readings []telemetry.Reading
	for i, key := range keys {
		readings = append(readings, series.readings(i, key)...)
	}
	return readings, nil
}

// probeBackward looks for the most recent day with any data, one day at a
// time. Devices can be offline for weeks, in which case a naive last-24h
// window would come back empty.
func (a *UbidotsAdapter) probeBackward(ctx context.Context) ([]telemetry.Reading, error) {
	dayMs := int64(24 * time.Hour / time.Millisecond)
	end := time.Now().UnixMilli()

	for day := 0; day < a.lookback; day++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		readings, err := a.fetchWindow(ctx, end-dayMs, end)
		if err == nil && len(readings) > 0 {
			return readings, nil
		}
		end -= dayMs
	}

	log.Printf("ubidots %s: no data found within %d days", a.source.ID, a.lookback)
	return nil, nil
}
