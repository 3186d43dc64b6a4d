package telemetry

import (
	"math"
	"testing"
)

func TestMergeDisjointKeysOverlappingTimestamps(t *testing.T) {
	readings := []Reading{
		{VariableKey: "pressure", Value: 2.5, TimestampMs: 1000},
		{VariableKey: "flow", Value: 6.1, TimestampMs: 1000},
		{VariableKey: "pressure", Value: 2.6, TimestampMs: 2000},
		{VariableKey: "flow", Value: 6.2, TimestampMs: 3000},
	}

	rows := MergeReadings(readings)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}

	// Shared timestamp carries both keys.
	if rows[0].Values["pressure"] != 2.5 || rows[0].Values["flow"] != 6.1 {
		t.Errorf("row at 1000 missing merged values: %+v", rows[0].Values)
	}

	// Non-overlapping timestamps carry only their own key, no fabricated
	// entries for the other.
	if _, ok := rows[1].Values["flow"]; ok {
		t.Error("row at 2000 should not have a flow value")
	}
	if _, ok := rows[2].Values["pressure"]; ok {
		t.Error("row at 3000 should not have a pressure value")
	}
}

func TestMergeDropsNonFiniteValues(t *testing.T) {
	readings := []Reading{
		{VariableKey: "flow", Value: math.NaN(), TimestampMs: 1000},
		{VariableKey: "pressure", Value: 2.5, TimestampMs: 1000},
		{VariableKey: "flow", Value: math.Inf(1), TimestampMs: 2000},
	}

	rows := MergeReadings(readings)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d: %+v", len(rows), rows)
	}
	if _, ok := rows[0].Values["flow"]; ok {
		t.Error("non-finite flow value merged into the row")
	}
	if rows[0].Values["pressure"] != 2.5 {
		t.Errorf("finite sibling lost: %+v", rows[0].Values)
	}
}

func TestMergeSortsUnsortedInput(t *testing.T) {
	readings := []Reading{
		{VariableKey: "flow", Value: 3, TimestampMs: 3000},
		{VariableKey: "flow", Value: 1, TimestampMs: 1000},
		{VariableKey: "flow", Value: 2, TimestampMs: 2000},
	}

	rows := MergeReadings(readings)
	for i := 1; i < len(rows); i++ {
		if rows[i].TimestampMs < rows[i-1].TimestampMs {
			t.Fatalf("rows not ascending at %d: %d < %d", i, rows[i].TimestampMs, rows[i-1].TimestampMs)
		}
	}

	// Re-merging the already sorted series changes nothing.
	again := MergeReadings(readings)
	for i := range rows {
		if again[i].TimestampMs != rows[i].TimestampMs {
			t.Fatal("merge is not stable under re-sorting")
		}
	}
}

func TestComputeFlowRate(t *testing.T) {
	t0 := int64(1700000000000)
	fiveMin := int64(5 * 60 * 1000)

	fr := ComputeFlowRate(
		Reading{Value: 100, TimestampMs: t0},
		Reading{Value: 130, TimestampMs: t0 + fiveMin},
	)
	if !fr.Valid {
		t.Fatal("expected valid flow rate")
	}
	if math.Abs(fr.Value-6) > 1e-9 {
		t.Errorf("flow rate = %v, want 6", fr.Value)
	}
	if fr.TimeDeltaMinutes != 5 || fr.VolumeDelta != 30 {
		t.Errorf("deltas = %v min, %v L", fr.TimeDeltaMinutes, fr.VolumeDelta)
	}
}

func TestComputeFlowRateClampsCounterReset(t *testing.T) {
	t0 := int64(1700000000000)
	fr := ComputeFlowRate(
		Reading{Value: 130, TimestampMs: t0},
		Reading{Value: 20, TimestampMs: t0 + 5*60*1000},
	)
	if !fr.Valid {
		t.Fatal("counter reset still yields a valid (clamped) rate")
	}
	if fr.Value != 0 {
		t.Errorf("flow rate = %v, want clamp to 0", fr.Value)
	}
}

func TestComputeFlowRateRejectsZeroDelta(t *testing.T) {
	fr := ComputeFlowRate(
		Reading{Value: 100, TimestampMs: 1000},
		Reading{Value: 130, TimestampMs: 1000},
	)
	if fr.Valid {
		t.Fatal("zero time delta must not produce a valid rate")
	}
}

func TestDeriveRowRates(t *testing.T) {
	minMs := int64(60 * 1000)
	rows := MergeReadings([]Reading{
		{VariableKey: "water", Value: 100, TimestampMs: 0},
		{VariableKey: "water", Value: 110, TimestampMs: 5 * minMs},
		{VariableKey: "water", Value: 140, TimestampMs: 10 * minMs},
		{VariableKey: "pressure", Value: 2.5, TimestampMs: 5 * minMs},
	})

	DeriveRowRates(rows, []string{"water"})

	if _, ok := rows[0].Values["water_rate"]; ok {
		t.Error("first row has no predecessor, must not carry a rate")
	}
	if got := rows[1].Values["water_rate"]; math.Abs(got-2) > 1e-9 {
		t.Errorf("rate at row 1 = %v, want 2", got)
	}
	if got := rows[2].Values["water_rate"]; math.Abs(got-6) > 1e-9 {
		t.Errorf("rate at row 2 = %v, want 6", got)
	}
	// Non-cumulative keys stay untouched.
	if _, ok := rows[1].Values["pressure_rate"]; ok {
		t.Error("pressure should not get a derived rate")
	}
}

func TestLatestFlowRates(t *testing.T) {
	minMs := int64(60 * 1000)
	rows := MergeReadings([]Reading{
		{VariableKey: "water", Value: 100, TimestampMs: 0},
		{VariableKey: "water", Value: 130, TimestampMs: 5 * minMs},
	})

	rates := LatestFlowRates(rows, []string{"water"})
	fr, ok := rates["water"]
	if !ok || !fr.Valid {
		t.Fatalf("expected live flow rate, got %+v", rates)
	}
	if math.Abs(fr.Value-6) > 1e-9 {
		t.Errorf("live rate = %v, want 6", fr.Value)
	}

	// A single data point is not enough.
	single := MergeReadings([]Reading{{VariableKey: "water", Value: 1, TimestampMs: 0}})
	if rates := LatestFlowRates(single, []string{"water"}); len(rates) != 0 {
		t.Errorf("single reading produced a rate: %+v", rates)
	}
}
