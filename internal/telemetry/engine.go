package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iaglobal/plantwatch/internal/cache"
	"github.com/iaglobal/plantwatch/internal/telemetry/convert"
)

const (
	// DefaultWindow is the history range fetched when no explicit range is
	// selected.
	DefaultWindow = 24 * time.Hour

	// DefaultStaleThreshold flags sources whose newest reading is older than
	// a day. Advisory only; drives the stale badge on the cards.
	DefaultStaleThreshold = 24 * time.Hour

	// DefaultTimeout bounds one full polling cycle.
	DefaultTimeout = 30 * time.Second

	// DisplaySuffix names the converted sibling of a raw latest value.
	DisplaySuffix = "_display"

	// cacheBucket quantizes auto-range windows so consecutive cycles inside
	// the cache TTL share one cached history result.
	cacheBucket = 5 * time.Minute
)

// EngineOptions tune one polling engine. Zero values fall back to defaults.
type EngineOptions struct {
	Interval       time.Duration
	Timeout        time.Duration
	StaleThreshold time.Duration
	MCAScale       float64
}

// Engine owns the full polling lifecycle for one logical query: it runs
// latest-value and history fetches concurrently, merges the readings into a
// unified series, derives flow rates, and publishes an immutable snapshot.
//
// A generation counter implements supersession: every cycle is stamped on
// entry, and a cycle whose generation is no longer current at publish time is
// discarded, so a newer query's result can never be overwritten by a stale
// one.
type Engine struct {
	source  Source
	adapter Adapter
	cache   *cache.Cache
	opts    EngineOptions

	mu             sync.Mutex
	generation     uint64
	cancelInflight context.CancelFunc
	snap           Snapshot

	// now is swappable for tests.
	now func() time.Time
}

// NewEngine wires an engine to its adapter. The cache may be nil, which
// degrades to always-miss.
func NewEngine(src Source, adapter Adapter, c *cache.Cache, opts EngineOptions) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.MCAScale <= 0 {
		opts.MCAScale = convert.DefaultMCAScale
	}
	return &Engine{
		source:  src,
		adapter: adapter,
		cache:   c,
		opts:    opts,
		snap:    Snapshot{Loading: true},
		now:     time.Now,
	}
}

// Source returns the engine's source descriptor.
func (e *Engine) Source() Source { return e.source }

// Interval returns the polling cadence configured for this engine.
func (e *Engine) Interval() time.Duration { return e.opts.Interval }

// Snapshot returns the most recently published state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap
}

// Refetch triggers an immediate polling cycle without waiting for the next
// scheduler tick.
func (e *Engine) Refetch() {
	go e.Poll(context.Background())
}

// Poll runs one complete cycle: fetch, merge, derive, publish. It is safe to
// call concurrently; only the newest invocation's result is published.
func (e *Engine) Poll(ctx context.Context) {
	e.mu.Lock()
	e.generation++
	gen := e.generation
	if e.cancelInflight != nil {
		e.cancelInflight()
	}
	cctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	e.cancelInflight = cancel
	e.mu.Unlock()
	defer cancel()

	cycle := uuid.NewString()[:8]

	latest, readings, latestErr, histErr := e.fetchBoth(cctx, 0, 0)

	// Auto window came back empty: the device may have been offline longer
	// than the window. Re-anchor on the newest known value's timestamp, or
	// let the adapter probe backward day by day when even that is unknown.
	if histErr == nil && len(readings) == 0 {
		if anchor := latest.LastTimestampMs; latestErr == nil && anchor > 0 {
			readings, histErr = e.adapter.FetchHistory(cctx, anchor-DefaultWindow.Milliseconds(), anchor)
		} else {
			readings, histErr = e.adapter.FetchHistory(cctx, 0, 0)
		}
	}

	if latestErr != nil || histErr != nil {
		e.publishFailure(gen, cycle, latestErr, histErr)
		return
	}

	e.publishSuccess(gen, cycle, latest, readings)
}

// PollRange serves an explicit history window as a one-shot query: it fetches
// and assembles a snapshot for the caller without touching the engine's
// published state, so the scheduled live cycle keeps its automatic window.
func (e *Engine) PollRange(ctx context.Context, startMs, endMs int64) (Snapshot, error) {
	cctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	cycle := uuid.NewString()[:8]

	latest, readings, latestErr, histErr := e.fetchBoth(cctx, startMs, endMs)
	if latestErr != nil || histErr != nil {
		err := errors.Join(latestErr, histErr)
		log.Printf("engine %s: ranged cycle %s failed: %v", e.source.ID, cycle, err)
		return Snapshot{}, fmt.Errorf("fetch failed for %s: %w", e.source.ID, err)
	}

	return e.buildSnapshot(cycle, latest, readings), nil
}

// fetchBoth runs the latest-value and history fetches concurrently and joins
// them; the two are independent until the merge step.
func (e *Engine) fetchBoth(ctx context.Context, startMs, endMs int64) (LatestResult, []Reading, error, error) {
	var (
		wg        sync.WaitGroup
		latest    LatestResult
		latestErr error
		readings  []Reading
		histErr   error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		latest, latestErr = e.adapter.FetchLatest(ctx)
	}()
	go func() {
		defer wg.Done()
		readings, histErr = e.fetchHistory(ctx, startMs, endMs)
	}()
	wg.Wait()

	return latest, readings, latestErr, histErr
}

// fetchHistory resolves the window, consults the cache, and falls back to a
// live fetch. Cached entries are advisory; any miss or type surprise goes to
// the adapter.
func (e *Engine) fetchHistory(ctx context.Context, startMs, endMs int64) ([]Reading, error) {
	if startMs == 0 && endMs == 0 {
		end := e.now().Truncate(cacheBucket)
		endMs = end.UnixMilli()
		startMs = end.Add(-DefaultWindow).UnixMilli()
	}

	key := cache.Key(e.source.ID, "history",
		strconv.FormatInt(startMs, 10), strconv.FormatInt(endMs, 10))

	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			if cached, ok := v.([]Reading); ok {
				return cached, nil
			}
		}
	}

	readings, err := e.adapter.FetchHistory(ctx, startMs, endMs)
	if err == nil && e.cache != nil && len(readings) > 0 {
		e.cache.Set(key, readings)
	}
	return readings, err
}

func (e *Engine) publishFailure(gen uint64, cycle string, latestErr, histErr error) {
	err := errors.Join(latestErr, histErr)
	msg := fmt.Sprintf("fetch failed for %s: %v", e.source.ID, err)
	if errors.Is(latestErr, ErrConfiguration) || errors.Is(histErr, ErrConfiguration) {
		msg = fmt.Sprintf("configuration error for %s: %v", e.source.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		log.Printf("engine %s: cycle %s superseded, discarding failure", e.source.ID, cycle)
		return
	}

	log.Printf("engine %s: cycle %s failed: %v", e.source.ID, cycle, err)

	// Previous good data stays visible; only the error string changes.
	e.snap.CycleID = cycle
	e.snap.Loading = false
	e.snap.Error = msg
	e.snap.UpdatedAt = e.now()
}

func (e *Engine) publishSuccess(gen uint64, cycle string, latest LatestResult, readings []Reading) {
	snap := e.buildSnapshot(cycle, latest, readings)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		log.Printf("engine %s: cycle %s superseded, discarding result", e.source.ID, cycle)
		return
	}

	e.snap = snap
}

// buildSnapshot assembles the full published state from one cycle's raw
// results: conversions, merge, flow-rate derivation, staleness.
func (e *Engine) buildSnapshot(cycle string, latest LatestResult, readings []Reading) Snapshot {
	converted := make([]Reading, len(readings))
	for i, r := range readings {
		converted[i] = r
		if cfg, ok := e.source.VariableConfig(r.VariableKey); ok {
			if v, changed := e.convertValue(cfg, r.Value); changed {
				converted[i].Value = v
			}
		}
	}

	rows := MergeReadings(converted)
	cumKeys := e.cumulativeKeys()
	DeriveRowRates(rows, cumKeys)
	flowRates := LatestFlowRates(rows, cumKeys)

	latestValues := make(map[string]LatestValue, len(latest.Values))
	for key, lv := range latest.Values {
		// A non-finite number cannot be serialized or displayed; demote it
		// to the not-available sentinel.
		if lv.OK() && !convert.Valid(lv.Num) {
			latestValues[key] = LatestValue{State: ValueNotAvailable}
			continue
		}
		latestValues[key] = lv
		if !lv.OK() {
			continue
		}
		if cfg, ok := e.source.VariableConfig(key); ok {
			if v, changed := e.convertValue(cfg, lv.Num); changed {
				latestValues[key+DisplaySuffix] = LatestValue{Num: v, State: ValueOK}
			}
		}
	}

	lastTS := latest.LastTimestampMs
	if n := len(rows); n > 0 && rows[n-1].TimestampMs > lastTS {
		lastTS = rows[n-1].TimestampMs
	}

	now := e.now()
	return Snapshot{
		CycleID:             cycle,
		LatestValues:        latestValues,
		History:             rows,
		FlowRates:           flowRates,
		LastDataTimestampMs: lastTS,
		IsStale:             lastTS > 0 && now.UnixMilli()-lastTS > e.opts.StaleThreshold.Milliseconds(),
		Loading:             false,
		UpdatedAt:           now,
	}
}

// convertValue applies the variable's configured conversion. The second
// return reports whether any conversion was configured at all.
func (e *Engine) convertValue(cfg Variable, raw float64) (float64, bool) {
	switch cfg.Conversion {
	case "ma_a_mca":
		scale := cfg.Factor
		if scale <= 0 {
			scale = e.opts.MCAScale
		}
		return convert.MAToMCA(raw, scale), true
	default:
		if cfg.Factor > 0 {
			return convert.Linear(raw, cfg.Factor), true
		}
		return raw, false
	}
}

func (e *Engine) cumulativeKeys() []string {
	var keys []string
	for _, sensor := range e.source.Sensors {
		for _, key := range sortedKeys(sensor.Variables) {
			if sensor.Variables[key].Cumulative {
				keys = append(keys, key)
			}
		}
	}
	return keys
}
