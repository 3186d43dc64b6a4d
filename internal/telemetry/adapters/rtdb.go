package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/sony/gobreaker"

	"github.com/iaglobal/plantwatch/internal/telemetry"
)

// RTDBConfig identifies the realtime-database node holding the model rig's
// readings.
type RTDBConfig struct {
	BaseURL string `json:"baseUrl"`
	Node    string `json:"node"`
	// Auth is the optional database secret appended as the auth parameter.
	Auth string `json:"auth,omitempty"`
}

// RTDBAdapter polls one realtime-database node over its REST surface. The
// node's value maps epoch-seconds-as-string keys to flat records like
// {"pressure": ..., "flow": ..., "rssi": ...}; field values may arrive as
// numbers or numeric strings depending on the firmware revision.
type RTDBAdapter struct {
	cfg     RTDBConfig
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

// NewRTDBAdapter builds the realtime-database adapter.
func NewRTDBAdapter(client *http.Client, cfg RTDBConfig) *RTDBAdapter {
	return &RTDBAdapter{
		cfg:     cfg,
		httpCfg: defaultHTTPConfig(client),
		circuit: newBreaker("rtdb"),
	}
}

func (a *RTDBAdapter) Name() string { return "rtdb" }

// nodeSnapshot is the decoded node value. json.Number tolerates both number
// and string encodings of the fields.
type nodeSnapshot map[string]map[string]json.Number

// readings flattens the snapshot into per-field readings sorted ascending by
// timestamp. Keys that do not parse as epoch seconds are skipped.
func (s nodeSnapshot) readings() []telemetry.Reading {
	secs := make([]int64, 0, len(s))
	bysec := make(map[int64]map[string]json.Number, len(s))
	for key, fields := range s {
		sec, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		secs = append(secs, sec)
		bysec[sec] = fields
	}
	sort.Slice(secs, func(i, j int) bool { return secs[i] < secs[j] })

	var out []telemetry.Reading
	for _, sec := range secs {
		ts := sec * 1000
		for field, raw := range bysec[sec] {
			v, err := raw.Float64()
			if err != nil {
				continue
			}
			out = append(out, telemetry.Reading{
				VariableKey: field,
				Value:       v,
				TimestampMs: ts,
			})
		}
	}
	return out
}

func (a *RTDBAdapter) fetchNode(ctx context.Context) (nodeSnapshot, error) {
	if a.cfg.BaseURL == "" || a.cfg.Node == "" {
		return nil, fmt.Errorf("%w: realtime database url or node missing", telemetry.ErrConfiguration)
	}

	buildRequest := func() (*http.Request, error) {
		u := fmt.Sprintf("%s/%s.json", a.cfg.BaseURL, a.cfg.Node)
		if a.cfg.Auth != "" {
			u += "?auth=" + a.cfg.Auth
		}
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, a.httpCfg, a.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var snap nodeSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode node snapshot: %w", err)
	}
	return snap, nil
}

// FetchLatest returns the fields of the newest record in the node.
func (a *RTDBAdapter) FetchLatest(ctx context.Context) (telemetry.LatestResult, error) {
	snap, err := a.fetchNode(ctx)
	if err != nil {
		return telemetry.LatestResult{}, err
	}

	readings := snap.readings()
	if len(readings) == 0 {
		return telemetry.LatestResult{}, fmt.Errorf("%w: node is empty", telemetry.ErrAllRequestsFailed)
	}

	lastTS := readings[len(readings)-1].TimestampMs
	result := telemetry.LatestResult{
		Values:          make(map[string]telemetry.LatestValue),
		LastTimestampMs: lastTS,
	}
	for _, r := range readings {
		if r.TimestampMs == lastTS {
			result.Values[r.VariableKey] = telemetry.LatestValue{Num: r.Value, State: telemetry.ValueOK}
		}
	}
	return result, nil
}

// FetchHistory returns all readings in the node within the requested range.
// The node itself is the retention window, so an open range returns
// everything it holds.
func (a *RTDBAdapter) FetchHistory(ctx context.Context, startMs, endMs int64) ([]telemetry.Reading, error) {
	snap, err := a.fetchNode(ctx)
	if err != nil {
		return nil, err
	}

	all := snap.readings()
	if startMs == 0 && endMs == 0 {
		return all, nil
	}

	var out []telemetry.Reading
	for _, r := range all {
		if startMs > 0 && r.TimestampMs < startMs {
			continue
		}
		if endMs > 0 && r.TimestampMs > endMs {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
