package outlier

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbsentry/ueba-pipeline/internal/domain/profile"
)

// fittedModel is the in-memory counterpart of a profile.ModelHandle: the
// decoded forest plus the scaler it was fitted with.
type fittedModel struct {
	forest      *IsolationForest
	scaler      profile.Scaler
	sampleCount int64
	fittedAt    time.Time
}

// ModelCache holds one atomic.Pointer per user (plus the global fallback),
// so a refit can swap in a new model without readers ever observing a
// half-built one. Get takes only a read lock on the key map and never waits
// for a model being fitted.
type ModelCache struct {
	mu      sync.RWMutex
	byUser  map[string]*atomic.Pointer[fittedModel]
	staleAfter time.Duration
}

// NewModelCache builds an empty cache. staleAfter is the refresh interval
// from §4.4.5 (a model refits after this much wall time regardless of
// sample growth).
func NewModelCache(staleAfter time.Duration) *ModelCache {
	return &ModelCache{byUser: make(map[string]*atomic.Pointer[fittedModel]), staleAfter: staleAfter}
}

func (c *ModelCache) slot(key string) *atomic.Pointer[fittedModel] {
	c.mu.RLock()
	p, ok := c.byUser[key]
	c.mu.RUnlock()
	if ok {
		return p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byUser[key]; ok {
		return p
	}
	p = &atomic.Pointer[fittedModel]{}
	c.byUser[key] = p
	return p
}

// Get returns the currently cached model for key, or nil if none is fitted
// yet.
func (c *ModelCache) Get(key string) *fittedModel {
	return c.slot(key).Load()
}

// DueForRefresh reports whether the cached model for key should be refit,
// given the current total sample count for that key.
func (c *ModelCache) DueForRefresh(key string, currentSamples int64) bool {
	cur := c.Get(key)
	if cur == nil {
		return true
	}
	up := profile.UserProfile{SampleCount: cur.sampleCount, LastRefreshed: cur.fittedAt}
	return up.DueForRefresh(currentSamples, c.staleAfter, time.Now())
}

// Refit fits a fresh model from samples (already in natural feature units,
// not yet standardized) and atomically installs it for key, contamination
// per §4.4.5 (0.05).
func (c *ModelCache) Refit(key string, samples [][]float64, contamination float64) {
	if len(samples) == 0 {
		return
	}
	scaler := fitScaler(samples)
	standardized := make([][]float64, len(samples))
	for i, s := range samples {
		standardized[i] = scaler.Standardize(s)
	}
	forest := FitIsolationForest(standardized, contamination)
	c.slot(key).Store(&fittedModel{
		forest:      forest,
		scaler:      scaler,
		sampleCount: int64(len(samples)),
		fittedAt:    time.Now(),
	})
}

func fitScaler(samples [][]float64) profile.Scaler {
	numFeatures := len(samples[0])
	mean := make([]float64, numFeatures)
	for _, s := range samples {
		for j, v := range s {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(len(samples))
	}

	stdev := make([]float64, numFeatures)
	for _, s := range samples {
		for j, v := range s {
			d := v - mean[j]
			stdev[j] += d * d
		}
	}
	for j := range stdev {
		stdev[j] = math.Sqrt(stdev[j] / float64(len(samples)))
	}
	return profile.Scaler{Mean: mean, Stdev: stdev}
}
