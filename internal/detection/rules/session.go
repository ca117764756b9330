package rules

import (
	"sort"
	"sync"
	"time"

	"github.com/dbsentry/ueba-pipeline/internal/domain/anomaly"
	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
)

// sessionEvent pairs a RawEvent with the tie-break fields and its accessed
// tables, the minimum a session sweep needs.
type sessionEvent struct {
	ev     events.RawEvent
	tables []string
}

// openSession is a user's in-progress sweep state, carried from one
// Evaluate call to the next so a session straddling a micro-batch boundary
// is not silently split in two (§5: "restarts the sweep from the earliest
// open session").
type openSession struct {
	start   time.Time
	tables  map[string]bool
	queries []anomaly.QuerySummary
}

// Session implements §4.4.4: a sliding per-user session sweep that emits a
// SessionAnomaly when a session closes (an event arrives more than the time
// window after the session's start) having touched at least
// min_distinct_tables tables.
type Session struct {
	timeWindow        time.Duration
	minDistinctTables int

	mu   sync.Mutex
	open map[string]*openSession
}

// NewSession builds a Session evaluator.
func NewSession(timeWindow time.Duration, minDistinctTables int) *Session {
	return &Session{timeWindow: timeWindow, minDistinctTables: minDistinctTables, open: map[string]*openSession{}}
}

// Evaluate sweeps every event in the batch, grouped by user and ordered by
// (ts, event_id, batch position) per the tie-break rule, emitting a
// SessionAnomaly each time a session closes with enough distinct tables. A
// user's session left open at the end of this batch (no time-gap close yet)
// is carried forward and resumed on the next call,
// rather than being flushed or discarded at the batch boundary.
func (s *Session) Evaluate(batch []events.RawEvent, accessedTables [][]string) []anomaly.SessionAnomaly {
	byUser := make(map[string][]sessionEvent)
	for i, ev := range batch {
		byUser[ev.User] = append(byUser[ev.User], sessionEvent{ev: ev, tables: accessedTables[i]})
	}

	var out []anomaly.SessionAnomaly
	for user, events := range byUser {
		sortSessionEvents(events)
		out = append(out, s.sweepUser(user, events)...)
	}
	return out
}

func sortSessionEvents(events []sessionEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i].ev, events[j].ev
		if !a.TS.Equal(b.TS) {
			return a.TS.Before(b.TS)
		}
		return a.EventID < b.EventID
	})
}

func (s *Session) sweepUser(user string, ordered []sessionEvent) []anomaly.SessionAnomaly {
	if len(ordered) == 0 {
		return nil
	}

	s.mu.Lock()
	carried := s.open[user]
	s.mu.Unlock()

	var out []anomaly.SessionAnomaly
	var sessionStart time.Time
	tablesSeen := map[string]bool{}
	var queries []anomaly.QuerySummary
	if carried != nil {
		sessionStart = carried.start
		tablesSeen = carried.tables
		queries = carried.queries
	} else {
		sessionStart = ordered[0].ev.TS
	}

	flush := func(endTime time.Time) {
		if len(tablesSeen) >= s.minDistinctTables && len(queries) > 0 {
			out = append(out, anomaly.SessionAnomaly{
				User:        user,
				StartTime:   sessionStart,
				EndTime:     endTime,
				AnomalyType: "multi_table",
				Severity:    len(tablesSeen),
				Details: anomaly.SessionDetails{
					Tables:  sortedKeys(tablesSeen),
					Queries: append([]anomaly.QuerySummary(nil), queries...),
				},
			})
		}
	}

	for _, se := range ordered {
		if se.ev.TS.Sub(sessionStart) > s.timeWindow {
			flush(queries[len(queries)-1].TS)
			sessionStart = se.ev.TS
			tablesSeen = map[string]bool{}
			queries = nil
		}
		for _, t := range se.tables {
			tablesSeen[t] = true
		}
		queries = append(queries, anomaly.QuerySummary{TS: se.ev.TS, SQLText: se.ev.SQLText})
	}

	s.mu.Lock()
	if len(queries) > 0 {
		s.open[user] = &openSession{start: sessionStart, tables: tablesSeen, queries: queries}
	} else {
		delete(s.open, user)
	}
	s.mu.Unlock()

	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// EventFindings widens a SessionAnomaly into per-query EventAnomaly
// findings, one per query in the session, for inclusion in the anomalies
// table alongside event-level rule output (§4.5 point 2: "the individual
// queries inside a session").
func EventFindings(s anomaly.SessionAnomaly, database string) []anomaly.EventAnomaly {
	out := make([]anomaly.EventAnomaly, 0, len(s.Details.Queries))
	for _, q := range s.Details.Queries {
		out = append(out, anomaly.EventAnomaly{
			TS: q.TS, User: s.User, Database: database, SQLText: q.SQLText,
			AnomalyType:   "multi_table",
			BehaviorGroup: anomaly.MultiTableAccess,
			Reason:        "statement is part of a multi-table scan session",
			Score:         float64(s.Severity),
			Status:        anomaly.StatusNew,
		})
	}
	return out
}
