package telemetry

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iaglobal/plantwatch/internal/cache"
)

type fakeAdapter struct {
	name         string
	fetchLatest  func(ctx context.Context) (LatestResult, error)
	fetchHistory func(ctx context.Context, startMs, endMs int64) ([]Reading, error)
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) FetchLatest(ctx context.Context) (LatestResult, error) {
	if f.fetchLatest == nil {
		return LatestResult{Values: map[string]LatestValue{}}, nil
	}
	return f.fetchLatest(ctx)
}

func (f *fakeAdapter) FetchHistory(ctx context.Context, startMs, endMs int64) ([]Reading, error) {
	if f.fetchHistory == nil {
		return nil, nil
	}
	return f.fetchHistory(ctx, startMs, endMs)
}

func pressureSource() Source {
	return Source{
		ID:   "planta_test",
		Name: "Planta Test",
		Sensors: []Sensor{{
			ID:    "sensor_presion",
			Token: "tok",
			Variables: map[string]Variable{
				"pressure": {RemoteID: "abc", Name: "Presión", Unit: "mca", Conversion: "ma_a_mca"},
			},
		}},
	}
}

// End-to-end: a raw 4-20 mA reading flows through the engine and comes out
// converted to meters of water column in both the latest values and the
// history rows.
func TestEngineConvertsCurrentLoopReadings(t *testing.T) {
	ts := int64(1700000000000)
	adapter := &fakeAdapter{
		name: "fake",
		fetchLatest: func(ctx context.Context) (LatestResult, error) {
			return LatestResult{
				Values:          map[string]LatestValue{"pressure": {Num: 6.95, State: ValueOK}},
				LastTimestampMs: ts,
			}, nil
		},
		fetchHistory: func(ctx context.Context, startMs, endMs int64) ([]Reading, error) {
			return []Reading{{VariableKey: "pressure", Value: 6.95, TimestampMs: ts}}, nil
		},
	}

	e := NewEngine(pressureSource(), adapter, nil, EngineOptions{})
	e.Poll(context.Background())

	snap := e.Snapshot()
	if snap.Error != "" {
		t.Fatalf("unexpected error: %s", snap.Error)
	}

	want := (6.95 - 4) * 15.93
	display, ok := snap.LatestValues["pressure"+DisplaySuffix]
	if !ok || !display.OK() {
		t.Fatalf("missing converted display value: %+v", snap.LatestValues)
	}
	if math.Abs(display.Num-want) > 1e-9 {
		t.Errorf("pressure_display = %v, want %v", display.Num, want)
	}

	// Raw latest value is preserved alongside the converted sibling.
	if raw := snap.LatestValues["pressure"]; !raw.OK() || raw.Num != 6.95 {
		t.Errorf("raw latest value = %+v", raw)
	}

	if len(snap.History) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(snap.History))
	}
	if got := snap.History[0].Values["pressure"]; math.Abs(got-want) > 1e-9 {
		t.Errorf("history pressure = %v, want %v", got, want)
	}
	if snap.LastDataTimestampMs != ts {
		t.Errorf("lastDataTimestamp = %d, want %d", snap.LastDataTimestampMs, ts)
	}
}

// A superseded cycle's result must never overwrite the newer cycle's state,
// even when it resolves later.
func TestEngineSupersededCycleIsDiscarded(t *testing.T) {
	var call int32
	started := make(chan struct{})
	release := make(chan struct{})

	adapter := &fakeAdapter{
		name: "fake",
		fetchHistory: func(ctx context.Context, startMs, endMs int64) ([]Reading, error) {
			if atomic.AddInt32(&call, 1) == 1 {
				close(started)
				<-release
				return []Reading{{VariableKey: "flow", Value: 111, TimestampMs: 1000}}, nil
			}
			return []Reading{{VariableKey: "flow", Value: 222, TimestampMs: 1000}}, nil
		},
	}

	src := Source{ID: "s", Sensors: []Sensor{{ID: "x", Variables: map[string]Variable{
		"flow": {RemoteID: "id", Unit: "L/min"},
	}}}}
	e := NewEngine(src, adapter, nil, EngineOptions{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.Poll(context.Background()) // cycle A, blocks in history fetch
	}()
	<-started

	e.Poll(context.Background()) // cycle B supersedes A and settles

	if got := e.Snapshot().History[0].Values["flow"]; got != 222 {
		t.Fatalf("cycle B result not published: flow = %v", got)
	}

	close(release)
	wg.Wait()

	// A resolved after B; its result must have been dropped.
	if got := e.Snapshot().History[0].Values["flow"]; got != 222 {
		t.Fatalf("superseded cycle overwrote state: flow = %v", got)
	}
}

// A failed refresh keeps the previous good data visible while exposing the
// error string; only a first-ever failure yields an empty snapshot.
func TestEngineFailurePreservesPreviousData(t *testing.T) {
	var fail atomic.Bool
	adapter := &fakeAdapter{
		name: "fake",
		fetchLatest: func(ctx context.Context) (LatestResult, error) {
			if fail.Load() {
				return LatestResult{}, fmt.Errorf("%w: upstream unreachable", ErrAllRequestsFailed)
			}
			return LatestResult{
				Values:          map[string]LatestValue{"flow": {Num: 6, State: ValueOK}},
				LastTimestampMs: 1000,
			}, nil
		},
		fetchHistory: func(ctx context.Context, startMs, endMs int64) ([]Reading, error) {
			if fail.Load() {
				return nil, fmt.Errorf("%w: upstream unreachable", ErrAllRequestsFailed)
			}
			return []Reading{{VariableKey: "flow", Value: 6, TimestampMs: 1000}}, nil
		},
	}

	src := Source{ID: "s", Sensors: []Sensor{{ID: "x", Variables: map[string]Variable{
		"flow": {RemoteID: "id"},
	}}}}
	e := NewEngine(src, adapter, nil, EngineOptions{})

	// First cycle fails: empty data plus surfaced error.
	fail.Store(true)
	e.Poll(context.Background())
	snap := e.Snapshot()
	if snap.Error == "" {
		t.Fatal("first failure must surface an error")
	}
	if len(snap.History) != 0 {
		t.Fatal("first failure must not fabricate data")
	}
	if snap.Loading {
		t.Fatal("loading must clear after the first attempt")
	}

	// Recovery publishes data and clears the error.
	fail.Store(false)
	e.Poll(context.Background())
	snap = e.Snapshot()
	if snap.Error != "" || len(snap.History) != 1 {
		t.Fatalf("recovery cycle broken: %+v", snap)
	}

	// A later failed refresh keeps the good data and re-surfaces the error.
	fail.Store(true)
	e.Poll(context.Background())
	snap = e.Snapshot()
	if snap.Error == "" {
		t.Fatal("later failure must expose the error string")
	}
	if len(snap.History) != 1 {
		t.Fatal("later failure must preserve previous good data")
	}
	if lv := snap.LatestValues["flow"]; !lv.OK() || lv.Num != 6 {
		t.Fatalf("latest values lost on failed refresh: %+v", snap.LatestValues)
	}
}

func TestEngineConfigurationError(t *testing.T) {
	adapter := &fakeAdapter{
		name: "fake",
		fetchLatest: func(ctx context.Context) (LatestResult, error) {
			return LatestResult{}, fmt.Errorf("%w: source declares no variables", ErrConfiguration)
		},
	}

	e := NewEngine(Source{ID: "broken"}, adapter, nil, EngineOptions{})
	e.Poll(context.Background())

	snap := e.Snapshot()
	if !strings.Contains(snap.Error, "configuration error") {
		t.Fatalf("expected configuration error, got %q", snap.Error)
	}
}

func TestEngineStaleness(t *testing.T) {
	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	adapter := &fakeAdapter{
		name: "fake",
		fetchLatest: func(ctx context.Context) (LatestResult, error) {
			return LatestResult{
				Values:          map[string]LatestValue{"flow": {Num: 1, State: ValueOK}},
				LastTimestampMs: old,
			}, nil
		},
		fetchHistory: func(ctx context.Context, startMs, endMs int64) ([]Reading, error) {
			return []Reading{{VariableKey: "flow", Value: 1, TimestampMs: old}}, nil
		},
	}

	src := Source{ID: "s", Sensors: []Sensor{{ID: "x", Variables: map[string]Variable{
		"flow": {RemoteID: "id"},
	}}}}
	e := NewEngine(src, adapter, nil, EngineOptions{StaleThreshold: 24 * time.Hour})
	e.Poll(context.Background())

	if !e.Snapshot().IsStale {
		t.Fatal("48h-old data must be flagged stale with a 24h threshold")
	}
}

// Two cycles inside the cache TTL with the same auto window share one
// history fetch.
func TestEngineHistoryCacheDeduplicates(t *testing.T) {
	var histCalls int32
	adapter := &fakeAdapter{
		name: "fake",
		fetchHistory: func(ctx context.Context, startMs, endMs int64) ([]Reading, error) {
			atomic.AddInt32(&histCalls, 1)
			return []Reading{{VariableKey: "flow", Value: 1, TimestampMs: 1000}}, nil
		},
	}

	src := Source{ID: "s", Sensors: []Sensor{{ID: "x", Variables: map[string]Variable{
		"flow": {RemoteID: "id"},
	}}}}
	c := cache.New(5 * time.Minute)
	e := NewEngine(src, adapter, c, EngineOptions{})

	fixed := time.Now()
	e.now = func() time.Time { return fixed }

	e.Poll(context.Background())
	e.Poll(context.Background())

	if n := atomic.LoadInt32(&histCalls); n != 1 {
		t.Fatalf("expected 1 history fetch thanks to the cache, got %d", n)
	}
	if len(e.Snapshot().History) != 1 {
		t.Fatal("cached cycle lost its history")
	}
}

// An empty auto window re-anchors on the newest value's timestamp, so a
// device that has been offline for days still gets a populated chart.
func TestEngineReanchorsOnLatestTimestamp(t *testing.T) {
	anchor := time.Now().Add(-10 * 24 * time.Hour).UnixMilli()
	var windows [][2]int64
	var mu sync.Mutex

	adapter := &fakeAdapter{
		name: "fake",
		fetchLatest: func(ctx context.Context) (LatestResult, error) {
			return LatestResult{
				Values:          map[string]LatestValue{"flow": {Num: 1, State: ValueOK}},
				LastTimestampMs: anchor,
			}, nil
		},
		fetchHistory: func(ctx context.Context, startMs, endMs int64) ([]Reading, error) {
			mu.Lock()
			windows = append(windows, [2]int64{startMs, endMs})
			mu.Unlock()
			if startMs <= anchor && anchor <= endMs {
				return []Reading{{VariableKey: "flow", Value: 1, TimestampMs: anchor}}, nil
			}
			return nil, nil
		},
	}

	src := Source{ID: "s", Sensors: []Sensor{{ID: "x", Variables: map[string]Variable{
		"flow": {RemoteID: "id"},
	}}}}
	e := NewEngine(src, adapter, nil, EngineOptions{})
	e.Poll(context.Background())

	snap := e.Snapshot()
	if len(snap.History) != 1 {
		t.Fatalf("expected re-anchored history, got %+v (windows %v)", snap.History, windows)
	}
	if len(windows) != 2 || windows[1][1] != anchor {
		t.Fatalf("second fetch should end at the anchor: %v", windows)
	}
}

func TestEngineRefetch(t *testing.T) {
	done := make(chan struct{}, 1)
	adapter := &fakeAdapter{
		name: "fake",
		fetchHistory: func(ctx context.Context, startMs, endMs int64) ([]Reading, error) {
			select {
			case done <- struct{}{}:
			default:
			}
			return []Reading{{VariableKey: "flow", Value: 1, TimestampMs: 1000}}, nil
		},
	}

	src := Source{ID: "s", Sensors: []Sensor{{ID: "x", Variables: map[string]Variable{
		"flow": {RemoteID: "id"},
	}}}}
	e := NewEngine(src, adapter, nil, EngineOptions{})

	e.Refetch()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("refetch never triggered a cycle")
	}
}

// An explicit-range query is one-shot: it returns its own snapshot, never
// publishes, and the next scheduled cycle still fetches the live window.
func TestEngineRangedFetchDoesNotRetargetLiveCycle(t *testing.T) {
	var mu sync.Mutex
	var windows [][2]int64
	adapter := &fakeAdapter{
		name: "fake",
		fetchHistory: func(ctx context.Context, startMs, endMs int64) ([]Reading, error) {
			mu.Lock()
			windows = append(windows, [2]int64{startMs, endMs})
			mu.Unlock()
			return []Reading{{VariableKey: "flow", Value: 1, TimestampMs: endMs}}, nil
		},
	}

	src := Source{ID: "s", Sensors: []Sensor{{ID: "x", Variables: map[string]Variable{
		"flow": {RemoteID: "id"},
	}}}}
	e := NewEngine(src, adapter, nil, EngineOptions{})

	from, to := int64(1700000000000), int64(1700086400000)
	snap, err := e.PollRange(context.Background(), from, to)
	if err != nil {
		t.Fatalf("ranged fetch failed: %v", err)
	}
	if len(snap.History) != 1 || snap.History[0].TimestampMs != to {
		t.Fatalf("ranged snapshot history = %+v", snap.History)
	}

	// The ranged result belongs to its caller, not to the published state.
	if len(e.Snapshot().History) != 0 {
		t.Fatal("one-shot ranged fetch leaked into the published snapshot")
	}

	e.Poll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(windows) != 2 {
		t.Fatalf("windows = %v", windows)
	}
	if windows[1] == [2]int64{from, to} {
		t.Fatal("scheduled cycle reused the explicit range")
	}
	if nowMs := time.Now().UnixMilli(); windows[1][1] < nowMs-10*60*1000 {
		t.Fatalf("scheduled cycle window is not live: %v (now %d)", windows[1], nowMs)
	}
}

// A latest value that arrives as NaN is demoted to the not-available
// sentinel instead of masquerading as zero, and a NaN history reading is
// dropped rather than merged.
func TestEngineNonFiniteValuesBecomeNotAvailable(t *testing.T) {
	ts := int64(1700000000000)
	adapter := &fakeAdapter{
		name: "fake",
		fetchLatest: func(ctx context.Context) (LatestResult, error) {
			return LatestResult{
				Values: map[string]LatestValue{
					"flow":     {Num: math.NaN(), State: ValueOK},
					"pressure": {Num: 2.5, State: ValueOK},
				},
				LastTimestampMs: ts,
			}, nil
		},
		fetchHistory: func(ctx context.Context, startMs, endMs int64) ([]Reading, error) {
			return []Reading{
				{VariableKey: "flow", Value: math.NaN(), TimestampMs: ts},
				{VariableKey: "pressure", Value: 2.5, TimestampMs: ts},
			}, nil
		},
	}

	src := Source{ID: "s", Sensors: []Sensor{{ID: "x", Variables: map[string]Variable{
		"flow":     {RemoteID: "a"},
		"pressure": {RemoteID: "b"},
	}}}}
	e := NewEngine(src, adapter, nil, EngineOptions{})
	e.Poll(context.Background())

	snap := e.Snapshot()
	if lv := snap.LatestValues["flow"]; lv.State != ValueNotAvailable {
		t.Fatalf("NaN latest value not demoted: %+v", lv)
	}
	if lv := snap.LatestValues["pressure"]; !lv.OK() || lv.Num != 2.5 {
		t.Fatalf("finite sibling mangled: %+v", lv)
	}
	if len(snap.History) != 1 {
		t.Fatalf("history = %+v", snap.History)
	}
	if _, ok := snap.History[0].Values["flow"]; ok {
		t.Fatal("NaN reading merged into the history row")
	}
}

// Every published snapshot carries the id of the cycle that produced it, so
// API consumers can correlate responses with the engine logs.
func TestEngineSnapshotCarriesCycleID(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	src := Source{ID: "s", Sensors: []Sensor{{ID: "x", Variables: map[string]Variable{
		"flow": {RemoteID: "id"},
	}}}}
	e := NewEngine(src, adapter, nil, EngineOptions{})

	e.Poll(context.Background())
	first := e.Snapshot().CycleID
	if first == "" {
		t.Fatal("snapshot missing cycle id")
	}

	e.Poll(context.Background())
	if second := e.Snapshot().CycleID; second == first {
		t.Fatalf("cycle id not refreshed: %q", second)
	}
}

func TestEngineDerivesFlowRates(t *testing.T) {
	minMs := int64(60 * 1000)
	adapter := &fakeAdapter{
		name: "fake",
		fetchHistory: func(ctx context.Context, startMs, endMs int64) ([]Reading, error) {
			return []Reading{
				{VariableKey: "water", Value: 100, TimestampMs: 0},
				{VariableKey: "water", Value: 130, TimestampMs: 5 * minMs},
			}, nil
		},
	}

	src := Source{ID: "s", Sensors: []Sensor{{ID: "x", Variables: map[string]Variable{
		"water": {RemoteID: "id", Unit: "L", Cumulative: true},
	}}}}
	e := NewEngine(src, adapter, nil, EngineOptions{})
	e.Poll(context.Background())

	snap := e.Snapshot()
	fr, ok := snap.FlowRates["water"]
	if !ok || !fr.Valid {
		t.Fatalf("expected live flow rate, got %+v", snap.FlowRates)
	}
	if math.Abs(fr.Value-6) > 1e-9 {
		t.Errorf("live rate = %v, want 6", fr.Value)
	}
	if got := snap.History[1].Values["water"+RateSuffix]; math.Abs(got-6) > 1e-9 {
		t.Errorf("row rate = %v, want 6", got)
	}
}
