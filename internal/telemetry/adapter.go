package telemetry

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrConfiguration marks a query whose source or sensor configuration is
	// missing or invalid. Fatal for that query, never retried.
	ErrConfiguration = errors.New("invalid source configuration")

	// ErrAllRequestsFailed marks a cycle in which no upstream request
	// succeeded.
	ErrAllRequestsFailed = errors.New("all upstream requests failed")
)

// Adapter talks to one configured upstream system and shapes its responses
// into the common reading format. Adapters are bound to their source at
// construction time.
//
// Per-item failures stay inside the adapter: FetchLatest records an error
// sentinel for the affected variable, FetchHistory drops the affected
// sensor's readings and logs a warning. The calls themselves only fail on
// configuration problems or when nothing at all could be fetched.
type Adapter interface {
	Name() string
	FetchLatest(ctx context.Context) (LatestResult, error)
	FetchHistory(ctx context.Context, startMs, endMs int64) ([]Reading, error)
}

func sortedKeys(m map[string]Variable) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
