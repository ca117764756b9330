package rules

import (
	"fmt"
	"sort"

	"github.com/dbsentry/ueba-pipeline/internal/domain/anomaly"
	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
)

// ActivityProfile is a per-user learned active-hours window, expressed as
// the quantile_start/quantile_end percentiles of the hour-of-day
// distribution over that user's recent history.
type ActivityProfile struct {
	ActiveStartHour int
	ActiveEndHour   int
}

// ActivityTime implements the reinstated UNUSUAL_ACTIVITY_TIME rule: a
// per-user baseline of "normal" active hours, learned from a quantile of
// the user's historical hour-of-day distribution, with any event whose hour
// falls outside that band flagged.
type ActivityTime struct {
	quantileStart, quantileEnd float64
	minSamples                 int
}

// NewActivityTime builds an ActivityTime evaluator.
func NewActivityTime(quantileStart, quantileEnd float64, minSamples int) *ActivityTime {
	return &ActivityTime{quantileStart: quantileStart, quantileEnd: quantileEnd, minSamples: minSamples}
}

// BuildProfile fits a per-user ActivityProfile from the hour-of-day values
// of that user's historical events, mirroring the quantile-based active
// window computed in the original engine's per-batch activity profiling.
func (a *ActivityTime) BuildProfile(hours []int) (ActivityProfile, bool) {
	if len(hours) < a.minSamples || len(hours) < 5 {
		return ActivityProfile{}, false
	}
	sorted := append([]int(nil), hours...)
	sort.Ints(sorted)

	start := quantileOf(sorted, a.quantileStart)
	end := quantileOf(sorted, a.quantileEnd)
	if end <= start {
		end = start + 4
		if end > 23 {
			end = 23
		}
	}
	return ActivityProfile{ActiveStartHour: start, ActiveEndHour: end}, true
}

func quantileOf(sorted []int, q float64) int {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Evaluate flags ev if it falls outside user's learned active-hours band.
// profiles maps user -> ActivityProfile for users with enough history;
// users absent from the map are not evaluated (insufficient history).
func (a *ActivityTime) Evaluate(ev events.RawEvent, profiles map[string]ActivityProfile) *anomaly.EventAnomaly {
	profile, ok := profiles[ev.User]
	if !ok {
		return nil
	}
	hour := ev.TS.Hour()
	inBand := hour >= profile.ActiveStartHour && hour < profile.ActiveEndHour
	if inBand {
		return nil
	}
	return &anomaly.EventAnomaly{
		TS: ev.TS, User: ev.User, Database: ev.Database, SQLText: ev.SQLText,
		AnomalyType:   "UNUSUAL_ACTIVITY_TIME",
		BehaviorGroup: anomaly.UnusualBehavior,
		Reason:        fmt.Sprintf("hour %d outside learned active window [%d,%d)", hour, profile.ActiveStartHour, profile.ActiveEndHour),
		Score:         1.0,
		Status:        anomaly.StatusNew,
	}
}
