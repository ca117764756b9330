package features

import (
	"math"
	"sync"
	"time"
)

// windowEvent is the slice of a RawEvent the trailing window needs to keep.
type windowEvent struct {
	ts        time.Time
	isError   bool
	rows      int64
	execMs    float64
	rowsReturned int64
}

// UserTracker maintains, per user, a trailing 5-minute window for the
// windowed-behavioral features and a capped trailing sample buffer for the
// z-score features (§4.4.1). It is safe for concurrent use because the
// detection engine's batch processing fans out per-event but needs to
// serialize updates to a shared user's history.
type UserTracker struct {
	mu           sync.Mutex
	windowLength time.Duration
	maxSamples   int
	minSamples   int
	byUser       map[string][]windowEvent
}

// NewUserTracker builds a tracker. windowLength is the trailing behavioral
// window (5 minutes per §4.4.1); maxSamples bounds the z-score sample
// buffer; minSamples is profile_min_samples, the floor below which
// z-scores are emitted as null.
func NewUserTracker(windowLength time.Duration, maxSamples, minSamples int) *UserTracker {
	return &UserTracker{
		windowLength: windowLength,
		maxSamples:   maxSamples,
		minSamples:   minSamples,
		byUser:       make(map[string][]windowEvent),
	}
}

// WindowedResult bundles the per-user windowed-behavioral and z-score
// outputs for one event.
type WindowedResult struct {
	QueryCount5m       int64
	ErrorCount5m       int64
	TotalRows5m        int64
	DataRetrievalSpeed float64

	ExecutionTimeMsZScore *float64
	RowsReturnedZScore    *float64
}

// Observe records ev for user and returns the windowed/z-score features
// computed over the user's history as of this call, including ev itself.
func (t *UserTracker) Observe(user string, ts time.Time, isError bool, rowsReturned int64, execMs float64) WindowedResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	history := t.byUser[user]
	history = append(history, windowEvent{ts: ts, isError: isError, rows: rowsReturned, execMs: execMs, rowsReturned: rowsReturned})

	cutoff := ts.Add(-t.windowLength)
	trimmed := history[:0]
	for _, e := range history {
		if e.ts.After(cutoff) || e.ts.Equal(cutoff) {
			trimmed = append(trimmed, e)
		}
	}
	history = trimmed

	if len(history) > t.maxSamples {
		history = history[len(history)-t.maxSamples:]
	}
	t.byUser[user] = history

	var result WindowedResult
	windowSec := t.windowLength.Seconds()
	for _, e := range history {
		result.QueryCount5m++
		if e.isError {
			result.ErrorCount5m++
		}
		result.TotalRows5m += e.rows
	}
	if windowSec > 0 {
		result.DataRetrievalSpeed = float64(result.TotalRows5m) / windowSec
	}

	if len(history) >= t.minSamples {
		execSamples := make([]float64, len(history))
		rowSamples := make([]float64, len(history))
		for i, e := range history {
			execSamples[i] = e.execMs
			rowSamples[i] = float64(e.rowsReturned)
		}
		if z, ok := zscore(execSamples, execMs); ok {
			result.ExecutionTimeMsZScore = &z
		}
		if z, ok := zscore(rowSamples, float64(rowsReturned)); ok {
			result.RowsReturnedZScore = &z
		}
	}

	return result
}

func zscore(samples []float64, value float64) (float64, bool) {
	n := float64(len(samples))
	if n == 0 {
		return 0, false
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / n

	var variance float64
	for _, s := range samples {
		d := s - mean
		variance += d * d
	}
	variance /= n
	stdev := math.Sqrt(variance)
	if stdev == 0 {
		return 0, false
	}
	return (value - mean) / stdev, true
}
