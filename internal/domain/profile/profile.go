// Package profile defines the per-user and global behavioral baselines the
// outlier rule fits and refreshes (§4.4.5).
package profile

import "time"

// GlobalKey is the profile key used for the global fallback model, which is
// trained on the union of all users' features.
const GlobalKey = "__global__"

// Scaler holds the mean/stdev standardization parameters fitted alongside a
// model, one pair per numeric feature, in a fixed feature order shared by
// the model that owns it.
type Scaler struct {
	Mean   []float64 `json:"mean"`
	Stdev  []float64 `json:"stdev"`
}

// Standardize applies (x - mean) / stdev elementwise, guarding against a
// zero stdev (constant feature) by leaving that component at zero.
func (s Scaler) Standardize(x []float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		if i >= len(s.Mean) || i >= len(s.Stdev) || s.Stdev[i] == 0 {
			continue
		}
		out[i] = (x[i] - s.Mean[i]) / s.Stdev[i]
	}
	return out
}

// ModelHandle is the opaque, persisted form of a fitted outlier model: the
// scaler plus whatever the concrete model implementation needs to score a
// feature vector. The detection engine's outlier package owns the concrete
// shape; this is the part profile metadata carries regardless of which
// model tier produced it.
type ModelHandle struct {
	Scaler     Scaler          `json:"scaler"`
	ModelBlob  []byte          `json:"model_blob"`
}

// UserProfile is a per-user learned baseline, materialized once the user
// accumulates at least profile_min_samples events.
type UserProfile struct {
	User          string      `json:"user"`
	Model         ModelHandle `json:"model"`
	SampleCount   int64       `json:"sample_count"`
	LastRefreshed time.Time   `json:"last_refreshed"`
}

// DueForRefresh reports whether currentSamples represents at least a 20%
// growth over the count the profile was last fitted on, or whether
// staleAfter has elapsed since the last refresh — either condition triggers
// a refit per §4.4.5.
func (p UserProfile) DueForRefresh(currentSamples int64, staleAfter time.Duration, now time.Time) bool {
	if p.SampleCount == 0 {
		return true
	}
	grown := float64(currentSamples-p.SampleCount)/float64(p.SampleCount) >= 0.2
	stale := staleAfter > 0 && now.Sub(p.LastRefreshed) >= staleAfter
	return grown || stale
}

// GlobalProfile is the fallback outlier model, same shape as UserProfile but
// trained on every user's features pooled together.
type GlobalProfile struct {
	Model         ModelHandle `json:"model"`
	SampleCount   int64       `json:"sample_count"`
	LastRefreshed time.Time   `json:"last_refreshed"`
}
