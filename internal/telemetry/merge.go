package telemetry

import (
	"sort"
	"time"

	"github.com/iaglobal/plantwatch/internal/telemetry/convert"
)

// timeLabelLayout is the locale-style HH:MM label the charts print on the
// x axis.
const timeLabelLayout = "15:04"

// RateSuffix is appended to a cumulative variable's key to name its derived
// per-row flow-rate series.
const RateSuffix = "_rate"

// MergeReadings folds reading streams from any number of adapters into one
// time-indexed table: one row per distinct timestamp, holding every variable
// that reported at that instant. Variables without a reading at a timestamp
// are simply absent from the row, so charts render gaps instead of zeros.
// Non-finite values are dropped the same way, as rows carrying them cannot
// be serialized. Rows come back sorted ascending by timestamp regardless of
// input order.
func MergeReadings(readings []Reading) []HistoryRow {
	byTS := make(map[int64]*HistoryRow)
	for _, r := range readings {
		if !convert.Valid(r.Value) {
			continue
		}
		row, ok := byTS[r.TimestampMs]
		if !ok {
			row = &HistoryRow{
				TimestampMs: r.TimestampMs,
				Time:        time.UnixMilli(r.TimestampMs).Format(timeLabelLayout),
				Values:      make(map[string]float64),
			}
			byTS[r.TimestampMs] = row
		}
		row.Values[r.VariableKey] = r.Value
	}

	rows := make([]HistoryRow, 0, len(byTS))
	for _, row := range byTS {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].TimestampMs < rows[j].TimestampMs })
	return rows
}

// ComputeFlowRate derives an instantaneous flow rate in L/min from two
// cumulative-volume readings. The later reading's timestamp stamps the
// result. A non-positive time delta yields an invalid rate; a negative
// volume delta (counter reset) clamps to zero, never negative.
func ComputeFlowRate(prev, curr Reading) FlowRate {
	dtMin := float64(curr.TimestampMs-prev.TimestampMs) / 1000 / 60
	if dtMin <= 0 {
		return FlowRate{Unit: "L/min", TimestampMs: curr.TimestampMs}
	}

	delta := curr.Value - prev.Value
	rate := delta / dtMin
	if rate < 0 {
		rate = 0
	}

	return FlowRate{
		Value:            rate,
		Valid:            true,
		Unit:             "L/min",
		TimestampMs:      curr.TimestampMs,
		VolumeDelta:      delta,
		TimeDeltaMinutes: dtMin,
	}
}

// DeriveRowRates walks the sorted history pairwise and, for each designated
// cumulative-volume key, writes a sibling "<key>_rate" field into every row
// that has a predecessor, so charts can plot instantaneous rate alongside
// the cumulative counter.
func DeriveRowRates(rows []HistoryRow, cumulativeKeys []string) {
	for _, key := range cumulativeKeys {
		var prev *Reading
		for i := range rows {
			v, ok := rows[i].Values[key]
			if !ok {
				continue
			}
			curr := Reading{VariableKey: key, Value: v, TimestampMs: rows[i].TimestampMs}
			if prev != nil {
				fr := ComputeFlowRate(*prev, curr)
				if fr.Valid {
					rows[i].Values[key+RateSuffix] = fr.Value
				}
			}
			p := curr
			prev = &p
		}
	}
}

// LatestFlowRates computes the live flow-rate card value for each cumulative
// key from the last two rows carrying that key.
func LatestFlowRates(rows []HistoryRow, cumulativeKeys []string) map[string]FlowRate {
	rates := make(map[string]FlowRate)
	for _, key := range cumulativeKeys {
		var last, secondLast *Reading
		for i := len(rows) - 1; i >= 0 && secondLast == nil; i-- {
			v, ok := rows[i].Values[key]
			if !ok {
				continue
			}
			r := Reading{VariableKey: key, Value: v, TimestampMs: rows[i].TimestampMs}
			if last == nil {
				last = &r
			} else {
				secondLast = &r
			}
		}
		if last != nil && secondLast != nil {
			rates[key] = ComputeFlowRate(*secondLast, *last)
		}
	}
	return rates
}
