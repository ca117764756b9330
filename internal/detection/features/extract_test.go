package features

import (
	"testing"
	"time"

	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
)

func TestExtractDetectsSQLInjectionShapedQuery(t *testing.T) {
	tracker := NewUserTracker(5*time.Minute, 200, 30)
	x := NewExtractor(tracker, LateNightWindow{StartHour: 22, EndHour: 5}, nil)

	ev := events.RawEvent{
		TS:      time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC),
		User:    "webapp",
		SQLText: "SELECT * FROM users WHERE id = 1 OR 1=1 -- ",
	}
	f := x.Extract(ev)

	if !f.IsSelectStar {
		t.Error("expected IsSelectStar")
	}
	if !f.HasComment {
		t.Error("expected HasComment")
	}
	if f.ParseFailed {
		t.Error("did not expect parse failure on well-formed SQL")
	}
	if len(f.AccessedTables) != 1 || f.AccessedTables[0] != "users" {
		t.Errorf("expected accessed_tables=[users], got %v", f.AccessedTables)
	}
}

func TestExtractNeverPanicsOnMalformedSQL(t *testing.T) {
	tracker := NewUserTracker(5*time.Minute, 200, 30)
	x := NewExtractor(tracker, LateNightWindow{}, nil)

	malformed := []string{"", "SELECT (((((", "😀😀😀 not sql at all )))", "DROP"}
	for _, sql := range malformed {
		ev := events.RawEvent{TS: time.Now(), User: "x", SQLText: sql}
		_ = x.Extract(ev) // must not panic
	}
}

func TestExtractJoinAndWhereCounts(t *testing.T) {
	tracker := NewUserTracker(5*time.Minute, 200, 30)
	x := NewExtractor(tracker, LateNightWindow{}, nil)

	ev := events.RawEvent{
		TS:      time.Now(),
		User:    "analyst",
		SQLText: "SELECT a.id FROM orders a JOIN customers b ON a.cust_id = b.id WHERE a.status = 'open' AND b.active = 1",
	}
	f := x.Extract(ev)

	if f.NumJoins != 1 {
		t.Errorf("expected 1 join, got %d", f.NumJoins)
	}
	if !f.HasWhere || f.NumWhereConditions != 2 {
		t.Errorf("expected 2 where conditions, got %d (has_where=%v)", f.NumWhereConditions, f.HasWhere)
	}
}

func TestUserTrackerWindowExpiresOldEvents(t *testing.T) {
	tracker := NewUserTracker(5*time.Minute, 200, 30)

	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	tracker.Observe("u1", base, false, 10, 5)
	result := tracker.Observe("u1", base.Add(10*time.Minute), false, 20, 5)

	if result.QueryCount5m != 1 {
		t.Errorf("expected the first event to have expired from the 5m window, got count=%d", result.QueryCount5m)
	}
}

func TestUserTrackerZScoreNullBelowMinSamples(t *testing.T) {
	tracker := NewUserTracker(5*time.Minute, 200, 30)
	result := tracker.Observe("u1", time.Now(), false, 10, 5)

	if result.ExecutionTimeMsZScore != nil {
		t.Error("expected nil z-score below profile_min_samples")
	}
}
