package telemetry

import (
	"encoding/json"
	"time"
)

// ValueState describes whether a latest-value slot holds a usable number.
type ValueState int

const (
	// ValueOK means the slot holds a valid numeric reading.
	ValueOK ValueState = iota
	// ValueNotAvailable means the upstream returned no usable value.
	ValueNotAvailable
	// ValueError means the request for this variable failed.
	ValueError
)

// LatestValue is the most recent value of one variable, or a sentinel
// distinguishable from a numeric zero.
type LatestValue struct {
	Num   float64
	State ValueState
}

// OK reports whether the value is a usable number.
func (v LatestValue) OK() bool { return v.State == ValueOK }

// MarshalJSON renders valid values as numbers and sentinels as strings,
// matching what the dashboard cards expect.
func (v LatestValue) MarshalJSON() ([]byte, error) {
	switch v.State {
	case ValueOK:
		return json.Marshal(v.Num)
	case ValueError:
		return json.Marshal("error")
	default:
		return json.Marshal("N/A")
	}
}

// Reading is a single scalar measurement produced by an adapter parsing one
// raw upstream record. Adapters only emit readings whose value and timestamp
// are both present; absence upstream means no Reading at all.
type Reading struct {
	VariableKey string
	Value       float64
	TimestampMs int64
}

// HistoryRow is one time slot of the merged series. Values holds only the
// variables that actually reported at this timestamp; absent keys are gaps,
// never zeros.
type HistoryRow struct {
	TimestampMs int64
	Time        string
	Values      map[string]float64
}

// MarshalJSON flattens the row into the shape charts consume:
// {"timestamp": ..., "time": "HH:MM", "<key>": <value>, ...}.
func (r HistoryRow) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Values)+2)
	for k, v := range r.Values {
		flat[k] = v
	}
	flat["timestamp"] = r.TimestampMs
	flat["time"] = r.Time
	return json.Marshal(flat)
}

// FlowRate is a derived instantaneous rate computed from two chronologically
// ordered cumulative-volume readings of the same variable.
type FlowRate struct {
	Value            float64 `json:"value"`
	Valid            bool    `json:"valid"`
	Unit             string  `json:"unit"`
	TimestampMs      int64   `json:"timestamp"`
	VolumeDelta      float64 `json:"volumeDelta"`
	TimeDeltaMinutes float64 `json:"timeDeltaMinutes"`
}

// LatestResult is what an adapter returns for a "most recent values" call.
// LastTimestampMs is the newest timestamp across all valid values and anchors
// history windows when the device has been offline.
type LatestResult struct {
	Values          map[string]LatestValue
	LastTimestampMs int64
}

// Variable describes one measurable quantity of a sensor: its remote
// identifier plus the display metadata resolved once at configuration load.
type Variable struct {
	RemoteID   string  `json:"remoteId"`
	Name       string  `json:"name"`
	Unit       string  `json:"unit"`
	Color      string  `json:"color"`
	Icon       string  `json:"icon"`
	Factor     float64 `json:"factor,omitempty"`
	Conversion string  `json:"conversionKind,omitempty"`
	Cumulative bool    `json:"cumulative,omitempty"`
}

// Sensor is a physical device exposing one or more variables under one source.
type Sensor struct {
	ID        string              `json:"id" validate:"required"`
	Name      string              `json:"name"`
	Token     string              `json:"token"`
	Variables map[string]Variable `json:"variables" validate:"required,min=1"`
}

// Source is one external telemetry provider instance: a plant on the IoT
// platform, the weather station, or the realtime-database model rig.
type Source struct {
	ID         string             `json:"id" validate:"required"`
	Name       string             `json:"name"`
	Location   []float64          `json:"location,omitempty"`
	City       string             `json:"city,omitempty"`
	Country    string             `json:"country,omitempty"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
	Sensors    []Sensor           `json:"sensors" validate:"dive"`
}

// VariableKeys returns every variable key declared across the source's
// sensors, in sensor order with keys sorted inside each sensor.
func (s Source) VariableKeys() []string {
	var keys []string
	for _, sensor := range s.Sensors {
		keys = append(keys, sortedKeys(sensor.Variables)...)
	}
	return keys
}

// VariableConfig looks a variable up by key across all sensors.
func (s Source) VariableConfig(key string) (Variable, bool) {
	for _, sensor := range s.Sensors {
		if v, ok := sensor.Variables[key]; ok {
			return v, true
		}
	}
	return Variable{}, false
}

// Snapshot is the published output of one polling engine, the full contract
// the presentation layer consumes.
type Snapshot struct {
	// CycleID correlates the published state with the polling-cycle log
	// lines that produced it.
	CycleID             string                 `json:"cycleId,omitempty"`
	LatestValues        map[string]LatestValue `json:"latestValues"`
	History             []HistoryRow           `json:"history"`
	FlowRates           map[string]FlowRate    `json:"flowRates,omitempty"`
	LastDataTimestampMs int64                  `json:"lastDataTimestamp"`
	IsStale             bool                   `json:"isStale"`
	Loading             bool                   `json:"loading"`
	Error               string                 `json:"error,omitempty"`
	UpdatedAt           time.Time              `json:"updatedAt"`
}
