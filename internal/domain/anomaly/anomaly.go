// Package anomaly defines the findings the detection engine emits: per-event
// anomalies from signature, sensitive-access, and outlier rules, and
// per-session anomalies from the multi-table scan rule. Both widen to the
// same sink row shape at write time (see internal/sink).
package anomaly

import "time"

// BehaviorGroup is the coarse bucket a finding is filed under.
type BehaviorGroup string

const (
	TechnicalAttack  BehaviorGroup = "TECHNICAL_ATTACK"
	InsiderThreat    BehaviorGroup = "INSIDER_THREAT"
	DataDestruction  BehaviorGroup = "DATA_DESTRUCTION"
	AccessAnomaly    BehaviorGroup = "ACCESS_ANOMALY"
	MultiTableAccess BehaviorGroup = "MULTI_TABLE_ACCESS"
	UnusualBehavior  BehaviorGroup = "UNUSUAL_BEHAVIOR"
	MLDetected       BehaviorGroup = "ML_DETECTED"
)

// AnalysisType records which of the behavioral-outlier rule's three tiers
// classified an event.
type AnalysisType string

const (
	AnalysisSupervisedFeedback AnalysisType = "Supervised Feedback"
	AnalysisPerUserProfile     AnalysisType = "Per-User Profile"
	AnalysisGlobalFallback     AnalysisType = "Global Fallback"
)

// Status is a finding's lifecycle state.
type Status string

const (
	StatusNew          Status = "new"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Scope distinguishes a Finding's Kind.
type Scope string

const (
	ScopeEvent   Scope = "event"
	ScopeSession Scope = "session"
)

// Finding is the sealed union of EventAnomaly and SessionAnomaly. Callers
// switch on Scope() to recover the concrete type.
type Finding interface {
	Scope() Scope
}

// EventAnomaly is a per-event finding from the signature, sensitive-access,
// or behavioral-outlier rules.
type EventAnomaly struct {
	TS       time.Time
	User     string
	Database string
	SQLText  string

	AnomalyType   string
	BehaviorGroup BehaviorGroup
	Reason        string
	Score         float64
	Status        Status

	// AnalysisType is only set when BehaviorGroup == MLDetected.
	AnalysisType AnalysisType
}

func (EventAnomaly) Scope() Scope { return ScopeEvent }

// QuerySummary is one statement's contribution to a SessionAnomaly's detail
// payload.
type QuerySummary struct {
	TS      time.Time `json:"ts"`
	SQLText string    `json:"sql_text"`
	Table   string     `json:"table,omitempty"`
}

// SessionDetails is the JSON payload stored in aggregate_anomalies.details.
type SessionDetails struct {
	Tables  []string       `json:"tables"`
	Queries []QuerySummary `json:"queries"`
}

// SessionAnomaly is a per-(user, time-window) finding aggregating many
// statements, currently only produced by the multi-table scan rule.
type SessionAnomaly struct {
	User        string
	StartTime   time.Time
	EndTime     time.Time
	AnomalyType string // "multi_table"
	Severity    int    // distinct-tables count
	Details     SessionDetails
}

func (SessionAnomaly) Scope() Scope { return ScopeSession }

// DedupKey is the tuple EventAnomaly findings are deduplicated on before
// insertion into the sink (§4.5). Two findings with an identical key are
// collapsed into one row.
type DedupKey struct {
	TS          time.Time
	User        string
	Database    string
	SQLText     string
	AnomalyType string
	Reason      string
	Score       float64
}

// Key returns the dedup tuple for an EventAnomaly.
func (e EventAnomaly) Key() DedupKey {
	return DedupKey{
		TS:          e.TS,
		User:        e.User,
		Database:    e.Database,
		SQLText:     e.SQLText,
		AnomalyType: e.AnomalyType,
		Reason:      e.Reason,
		Score:       e.Score,
	}
}
