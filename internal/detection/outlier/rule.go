package outlier

import (
	"context"
	"fmt"
	"time"

	"github.com/dbsentry/ueba-pipeline/internal/domain/anomaly"
	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
)

// FeedbackSample is one analyst-labeled training example for the
// supervised override tier: a standardized-ready feature vector plus a
// 0/1 "was this actually malicious" label.
type FeedbackSample struct {
	Features []float64
	Label    int
}

// minSupervisedSamples is the labeled-feedback floor (§4.4.5) below which
// the supervised tier is skipped entirely in favor of the unsupervised
// tiers.
const minSupervisedSamples = 20

// supervisedThreshold is the probability at or above which the supervised model
// overrides the unsupervised tiers.
const supervisedThreshold = 0.5

// Store is the history/feedback source the outlier rule reads from; the
// sink package provides the concrete Postgres-backed implementation.
type Store interface {
	Feedback(ctx context.Context) ([]FeedbackSample, error)
	UserHistory(ctx context.Context, user string) ([][]float64, error)
	GlobalHistory(ctx context.Context) ([][]float64, error)
}

// Rule implements the three-tier behavioral outlier detector: a
// supervised classifier override, a per-user unsupervised model, and a
// global fallback when a user has too little history of their own.
type Rule struct {
	store         Store
	userCache     *ModelCache
	globalCache   *ModelCache
	contamination float64
	minSamples    int

	supervised *LogisticModel
}

// NewRule builds an outlier Rule. contamination is the Isolation Forest
// contamination rate (the detection engine passes Config.OutlierContam);
// minSamples is the profile_min_samples configuration key, the per-user
// history size below which no per-user model is fitted.
func NewRule(store Store, staleAfter time.Duration, contamination float64, minSamples int) *Rule {
	return &Rule{
		store:         store,
		userCache:     NewModelCache(staleAfter),
		globalCache:   NewModelCache(staleAfter),
		contamination: contamination,
		minSamples:    minSamples,
	}
}

// RefreshSupervised refits the supervised classifier from current
// feedback labels, a no-op (leaving the prior model, if any, in place)
// when fewer than minSupervisedSamples labels exist.
func (r *Rule) RefreshSupervised(ctx context.Context) error {
	samples, err := r.store.Feedback(ctx)
	if err != nil {
		return err
	}
	if len(samples) < minSupervisedSamples {
		return nil
	}
	xs := make([][]float64, len(samples))
	ys := make([]int, len(samples))
	for i, s := range samples {
		xs[i] = s.Features
		ys[i] = s.Label
	}
	r.supervised = FitLogisticModel(xs, ys)
	return nil
}

// RefreshUser refits key's per-user model if it is due, pulling fresh
// history from the store.
func (r *Rule) RefreshUser(ctx context.Context, user string) error {
	history, err := r.store.UserHistory(ctx, user)
	if err != nil {
		return err
	}
	if len(history) < r.minSamples {
		return nil
	}
	if !r.userCache.DueForRefresh(user, int64(len(history))) {
		return nil
	}
	r.userCache.Refit(user, history, r.contamination)
	return nil
}

// RefreshGlobal refits the global fallback model if due.
func (r *Rule) RefreshGlobal(ctx context.Context) error {
	history, err := r.store.GlobalHistory(ctx)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}
	const globalKey = "__global__"
	if !r.globalCache.DueForRefresh(globalKey, int64(len(history))) {
		return nil
	}
	r.globalCache.Refit(globalKey, history, r.contamination)
	return nil
}

// FeatureVector projects the raw event and its extracted features into the
// fixed-order numeric vector the outlier models train and score against.
func FeatureVector(ev events.RawEvent, f events.Features) []float64 {
	return []float64{
		float64(f.QueryLength),
		f.QueryEntropy,
		boolToF(f.HasComment),
		boolToF(f.HasHex),
		boolToF(f.IsSelectStar),
		boolToF(f.HasIntoOutfile),
		boolToF(f.HasLoadData),
		float64(f.NumTables),
		float64(f.NumJoins),
		float64(f.NumWhereConditions),
		boolToF(f.IsWriteQuery),
		boolToF(f.IsDDLQuery),
		f.ScanEfficiency,
		boolToF(f.IsSystemTable),
		boolToF(f.IsAdminCommand),
		ev.ExecutionTimeMs,
		float64(ev.RowsExamined),
		float64(ev.RowsReturned),
		boolToF(f.IsLateNight),
		boolToF(f.IsWorkHours),
		float64(f.QueryCount5m),
		float64(f.ErrorCount5m),
	}
}

func boolToF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Evaluate scores ev against the supervised override first, then the
// per-user model, falling back to the global model when the user has no
// fitted model of their own.
func (r *Rule) Evaluate(ev events.RawEvent, f events.Features) *anomaly.EventAnomaly {
	x := FeatureVector(ev, f)

	if r.supervised != nil {
		score := r.supervised.Score(x)
		if score >= supervisedThreshold {
			return r.finding(ev, anomaly.AnalysisSupervisedFeedback, score)
		}
	}

	if m := r.userCache.Get(ev.User); m != nil {
		sx := m.scaler.Standardize(x)
		if m.forest.IsOutlier(sx) {
			return r.finding(ev, anomaly.AnalysisPerUserProfile, m.forest.Score(sx))
		}
		return nil
	}

	if m := r.globalCache.Get("__global__"); m != nil {
		sx := m.scaler.Standardize(x)
		if m.forest.IsOutlier(sx) {
			return r.finding(ev, anomaly.AnalysisGlobalFallback, m.forest.Score(sx))
		}
	}
	return nil
}

func (r *Rule) finding(ev events.RawEvent, tier anomaly.AnalysisType, score float64) *anomaly.EventAnomaly {
	return &anomaly.EventAnomaly{
		TS: ev.TS, User: ev.User, Database: ev.Database, SQLText: ev.SQLText,
		AnomalyType:   "complexity",
		BehaviorGroup: anomaly.MLDetected,
		Reason:        fmt.Sprintf("flagged by %s, score=%.3f", tier, score),
		Score:         score,
		Status:        anomaly.StatusNew,
		AnalysisType:  tier,
	}
}
