// Package events defines the wire and in-process shapes that flow from the
// harvester through the stream and archive into the detection engine.
package events

import "time"

// RawEvent is one statement execution as read from either the hot
// (in-memory ring) or cold (persistent log table) source.
type RawEvent struct {
	TS       time.Time `json:"ts" db:"ts"`
	EventID  int64     `json:"event_id" db:"event_id"`
	ThreadID int64     `json:"thread_id" db:"thread_id"`

	User           string `json:"user" db:"user"`
	ClientIP       string `json:"client_ip" db:"client_ip"`
	Database       string `json:"database" db:"database"`
	ProgramName    string `json:"program_name" db:"program_name"`
	ClientOS       string `json:"client_os" db:"client_os"`
	ConnectionType string `json:"connection_type" db:"connection_type"`

	SQLText       string `json:"sql_text" db:"sql_text"`
	NormalizedSQL string `json:"normalized_sql" db:"normalized_sql"`
	Digest        string `json:"digest" db:"digest"`

	ExecutionTimeMs float64 `json:"execution_time_ms" db:"execution_time_ms"`
	LockTimeMs      float64 `json:"lock_time_ms" db:"lock_time_ms"`
	CPUTimeMs       float64 `json:"cpu_time_ms" db:"cpu_time_ms"`
	RowsReturned    int64   `json:"rows_returned" db:"rows_returned"`
	RowsExamined    int64   `json:"rows_examined" db:"rows_examined"`
	RowsAffected    int64   `json:"rows_affected" db:"rows_affected"`

	ErrorCode    int    `json:"error_code" db:"error_code"`
	ErrorMessage string `json:"error_message" db:"error_message"`
	ErrorCount   int64  `json:"error_count" db:"error_count"`
	WarningCount int64  `json:"warning_count" db:"warning_count"`

	TmpDiskTables   int64 `json:"tmp_disk_tables" db:"tmp_disk_tables"`
	TmpTables       int64 `json:"tmp_tables" db:"tmp_tables"`
	SelectFullJoin  int64 `json:"select_full_join" db:"select_full_join"`
	SelectScan      int64 `json:"select_scan" db:"select_scan"`
	SortMergePasses int64 `json:"sort_merge_passes" db:"sort_merge_passes"`
	NoIndexUsed     bool  `json:"no_index_used" db:"no_index_used"`
	NoGoodIndexUsed bool  `json:"no_good_index_used" db:"no_good_index_used"`

	// SourceDBMS partitions the event stream and the archive's daily files.
	SourceDBMS string `json:"source_dbms" db:"source_dbms"`
}

// Valid checks the two data invariants the specification places on a
// RawEvent. It does not check monotonicity of ts, which is a property of a
// sequence of events rather than of any single one.
func (r RawEvent) Valid() bool {
	if r.RowsExamined < r.RowsReturned {
		return false
	}
	if r.ExecutionTimeMs < 0 {
		return false
	}
	return true
}

// Features holds every derived signal produced by the feature & enrichment
// stage. A zero Features value (ParseFailed=false, everything else zero) is
// a legitimate partial vector — extraction never fails outright.
type Features struct {
	// Lexical
	QueryLength    int     `json:"query_length"`
	QueryEntropy   float64 `json:"query_entropy"`
	HasComment     bool    `json:"has_comment"`
	HasHex         bool    `json:"has_hex"`
	IsSelectStar   bool    `json:"is_select_star"`
	HasIntoOutfile bool    `json:"has_into_outfile"`
	HasLoadData    bool    `json:"has_load_data"`

	// Structural
	ParseFailed       bool     `json:"parse_failed"`
	NumTables         int     `json:"num_tables"`
	NumJoins          int     `json:"num_joins"`
	NumWhereConditions int    `json:"num_where_conditions"`
	NumGroupByCols    int     `json:"num_group_by_cols"`
	NumOrderByCols    int     `json:"num_order_by_cols"`
	HasLimit          bool    `json:"has_limit"`
	HasOrderBy        bool    `json:"has_order_by"`
	HasSubquery       bool    `json:"has_subquery"`
	SubqueryDepth     int     `json:"subquery_depth"`
	HasUnion          bool    `json:"has_union"`
	HasWhere          bool    `json:"has_where"`
	IsWriteQuery      bool    `json:"is_write_query"`
	IsDDLQuery        bool    `json:"is_ddl_query"`
	AccessedTables    []string `json:"accessed_tables"`

	// Operational
	ScanEfficiency    float64 `json:"scan_efficiency"`
	IsSystemTable     bool    `json:"is_system_table"`
	IsAdminCommand    bool    `json:"is_admin_command"`
	IsRiskyCommand    bool    `json:"is_risky_command"`
	IsPrivilegeChange bool    `json:"is_privilege_change"`
	IsSuspiciousFunc  bool    `json:"is_suspicious_func"`

	// Temporal
	IsLateNight bool `json:"is_late_night"`
	IsWorkHours bool `json:"is_work_hours"`

	// Windowed behavioral (trailing 5-minute window per user)
	QueryCount5m        int64   `json:"query_count_5m"`
	ErrorCount5m         int64   `json:"error_count_5m"`
	TotalRows5m          int64   `json:"total_rows_5m"`
	DataRetrievalSpeed   float64 `json:"data_retrieval_speed"`

	// Z-scores, nil when the user's trailing window is below profile_min_samples.
	ExecutionTimeMsZScore *float64 `json:"execution_time_ms_zscore,omitempty"`
	RowsReturnedZScore    *float64 `json:"rows_returned_zscore,omitempty"`
}

// EnrichedEvent is a RawEvent plus its derived Features. It is transient
// inside the detection engine's per-batch pipeline; only the flattened
// all_logs row is ever persisted.
type EnrichedEvent struct {
	Raw      RawEvent
	Features Features

	// IsAnomaly and AnalysisType are set once rule evaluation and the
	// outlier model have run, ready for the all_logs write.
	IsAnomaly    bool
	AnalysisType string

	// IsMaintenance marks an event the whitelist matched (maintenance user,
	// maintenance keyword, or maintenance window) and therefore skipped
	// rule evaluation entirely. Surfaced on all_logs for operator triage,
	// distinct from IsAnomaly.
	IsMaintenance bool
}
