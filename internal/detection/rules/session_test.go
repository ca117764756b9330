package rules

import (
	"testing"
	"time"

	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
)

func TestSessionEmitsMultiTableAnomalyOnTimeGapClose(t *testing.T) {
	s := NewSession(30*time.Minute, 3)

	base := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	batch := []events.RawEvent{
		{TS: base, User: "u1", EventID: 1},
		{TS: base.Add(2 * time.Minute), User: "u1", EventID: 2},
		{TS: base.Add(4 * time.Minute), User: "u1", EventID: 3},
		{TS: base.Add(time.Hour), User: "u1", EventID: 4}, // forces the first session closed
	}
	tables := [][]string{{"customers"}, {"orders"}, {"payments"}, {"shipments"}}

	anomalies := s.Evaluate(batch, tables)
	if len(anomalies) != 1 {
		t.Fatalf("expected 1 session anomaly, got %d", len(anomalies))
	}
	if anomalies[0].Severity != 3 {
		t.Errorf("expected severity 3, got %d", anomalies[0].Severity)
	}
}

func TestSessionDoesNotFireBelowMinDistinctTables(t *testing.T) {
	s := NewSession(30*time.Minute, 5)

	base := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	batch := []events.RawEvent{
		{TS: base, User: "u1", EventID: 1},
		{TS: base.Add(time.Minute), User: "u1", EventID: 2},
		{TS: base.Add(time.Hour), User: "u1", EventID: 3}, // forces a close well short of the threshold
	}
	tables := [][]string{{"customers"}, {"orders"}, {"payments"}}

	anomalies := s.Evaluate(batch, tables)
	if len(anomalies) != 0 {
		t.Fatalf("expected no session anomalies, got %d", len(anomalies))
	}
}

func TestSessionSplitsOnTimeGap(t *testing.T) {
	s := NewSession(10*time.Minute, 2)

	base := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	batch := []events.RawEvent{
		{TS: base, User: "u1", EventID: 1},
		{TS: base.Add(time.Minute), User: "u1", EventID: 2},
		{TS: base.Add(time.Hour), User: "u1", EventID: 3}, // new session
		{TS: base.Add(time.Hour + time.Minute), User: "u1", EventID: 4},
		{TS: base.Add(2 * time.Hour), User: "u1", EventID: 5}, // forces the second session closed
	}
	tables := [][]string{{"a"}, {"b"}, {"c"}, {"d"}, {"e"}}

	anomalies := s.Evaluate(batch, tables)
	if len(anomalies) != 2 {
		t.Fatalf("expected 2 separate session anomalies across the gap, got %d", len(anomalies))
	}
}

func TestSessionTieBreakByEventID(t *testing.T) {
	s := NewSession(30*time.Minute, 2)

	ts := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	// Same ts, different event_id; order must follow event_id.
	batch := []events.RawEvent{
		{TS: ts, User: "u1", EventID: 2, SQLText: "second"},
		{TS: ts, User: "u1", EventID: 1, SQLText: "first"},
		{TS: ts.Add(time.Hour), User: "u1", EventID: 3, SQLText: "closer"}, // forces a close
	}
	tables := [][]string{{"b"}, {"a"}, {"c"}}

	anomalies := s.Evaluate(batch, tables)
	if len(anomalies) != 1 {
		t.Fatalf("expected 1 session anomaly, got %d", len(anomalies))
	}
	if anomalies[0].Details.Queries[0].SQLText != "first" {
		t.Errorf("expected tie-break to order by event_id, got first query %q", anomalies[0].Details.Queries[0].SQLText)
	}
}

// TestSessionCarriesOpenSessionAcrossBatches is the regression test for the
// cross-batch gap: a session split across two micro-batches must not
// under-count the distinct tables it touched just because a batch boundary
// fell in the middle of it.
func TestSessionCarriesOpenSessionAcrossBatches(t *testing.T) {
	s := NewSession(30*time.Minute, 4)

	base := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	firstBatch := []events.RawEvent{
		{TS: base, User: "u1", EventID: 1},
		{TS: base.Add(time.Minute), User: "u1", EventID: 2},
	}
	firstTables := [][]string{{"customers"}, {"orders"}}

	anomalies := s.Evaluate(firstBatch, firstTables)
	if len(anomalies) != 0 {
		t.Fatalf("expected no anomaly from the first half (only 2 distinct tables), got %d", len(anomalies))
	}

	secondBatch := []events.RawEvent{
		{TS: base.Add(2 * time.Minute), User: "u1", EventID: 3},
		{TS: base.Add(3 * time.Minute), User: "u1", EventID: 4},
		{TS: base.Add(time.Hour), User: "u1", EventID: 5}, // forces the carried session closed
	}
	secondTables := [][]string{{"employees"}, {"salaries"}, {"audit_log"}}

	anomalies = s.Evaluate(secondBatch, secondTables)
	if len(anomalies) != 1 {
		t.Fatalf("expected the carried-over session to close with all 4 tables combined, got %d anomalies", len(anomalies))
	}
	if anomalies[0].Severity != 4 {
		t.Errorf("expected severity 4 (2 tables from each batch), got %d", anomalies[0].Severity)
	}
	if !anomalies[0].StartTime.Equal(base) {
		t.Errorf("expected the session's start_time to be the first batch's earliest event, got %v", anomalies[0].StartTime)
	}
}

// TestSessionDoesNotCarryOverAClosedSession checks a session that already
// closed on a time gap within a batch is not re-emitted in the next batch;
// only the session opened by the closing event is carried forward.
func TestSessionDoesNotCarryOverAClosedSession(t *testing.T) {
	s := NewSession(30*time.Minute, 2)

	base := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	firstBatch := []events.RawEvent{
		{TS: base, User: "u1", EventID: 1},
		{TS: base.Add(time.Minute), User: "u1", EventID: 2},
		{TS: base.Add(time.Hour), User: "u1", EventID: 3}, // closes the first session
	}
	firstTables := [][]string{{"a"}, {"b"}, {"c"}}

	anomalies := s.Evaluate(firstBatch, firstTables)
	if len(anomalies) != 1 {
		t.Fatalf("expected 1 anomaly from the first batch, got %d", len(anomalies))
	}

	secondBatch := []events.RawEvent{
		{TS: base.Add(time.Hour + time.Minute), User: "u1", EventID: 4},
	}
	secondTables := [][]string{{"d"}}

	anomalies = s.Evaluate(secondBatch, secondTables)
	if len(anomalies) != 0 {
		t.Fatalf("expected no anomaly while the carried session is still open, got %d", len(anomalies))
	}
}
