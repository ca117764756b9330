package harvester

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
)

// hotRow mirrors the columns the source-DB read surface exposes (§3.1,
// §6.1) for the hot ring; cold rows scan straight into events.RawEvent.
// Both statement_history and persistent_log carry the same event shape;
// only the ordering column and the table differ.
type hotRow struct {
	TimerStart int64 `db:"timer_start"`
	events.RawEvent
}

// Source reads from a MySQL instance exposing the statement-history ring
// (hot) and its persistent mirror (cold).
type Source struct {
	db         *sqlx.DB
	selfUser   string
	magicToken string
}

// NewSource wraps an open MySQL connection. selfUser and magicToken are
// used to filter out the pipeline's own queries at the source, preventing
// a feedback loop where the harvester's own SELECTs become events.
func NewSource(db *sqlx.DB, selfUser, magicToken string) *Source {
	return &Source{db: db, selfUser: selfUser, magicToken: magicToken}
}

// Open dials a MySQL source DSN with sane pool limits, following the same
// open/ping/configure sequence used for every other SQL connection in this
// codebase.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql source: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql source: %w", err)
	}
	return db, nil
}

// BootSignature returns the source DB's current boot signature: a
// minute-precision timestamp of its start time, used as the epoch id.
func (s *Source) BootSignature(ctx context.Context) (string, error) {
	var sig string
	query := `SELECT DATE_FORMAT(
		DATE_SUB(NOW(), INTERVAL VARIABLE_VALUE SECOND), '%Y-%m-%d %H:%i'
	) FROM performance_schema.global_status WHERE VARIABLE_NAME = 'Uptime'`
	if err := s.db.GetContext(ctx, &sig, query); err != nil {
		return "", fmt.Errorf("read boot signature: %w", err)
	}
	return sig, nil
}

// HotRange returns the min and max timer_start currently present in the
// hot ring, used by the recovery decision algorithm to detect wraparound.
func (s *Source) HotRange(ctx context.Context) (min, max int64, err error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(MIN(TIMER_START), 0), COALESCE(MAX(TIMER_START), 0)
		FROM performance_schema.events_statements_history_long
		WHERE SQL_TEXT NOT LIKE '%%%s%%' AND CURRENT_USER NOT LIKE '%s@%%'`,
		s.magicToken, s.selfUser)

	row := s.db.QueryRowxContext(ctx, query)
	if err := row.Scan(&min, &max); err != nil {
		return 0, 0, fmt.Errorf("read hot range: %w", err)
	}
	return min, max, nil
}

// ColdMaxEventTS returns the newest event_ts present in the persistent log,
// used to decide whether the hot source has missed events while the
// harvester was down.
func (s *Source) ColdMaxEventTS(ctx context.Context) (time.Time, error) {
	var ts sql.NullTime
	query := `SELECT MAX(event_ts) FROM persistent_log`
	if err := s.db.GetContext(ctx, &ts, query); err != nil {
		return time.Time{}, fmt.Errorf("read cold max event_ts: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

// FetchHot reads up to batch rows from the hot ring with timer_start
// greater than afterTimerStart, ordered ascending, excluding the
// pipeline's own activity.
func (s *Source) FetchHot(ctx context.Context, afterTimerStart int64, bootTime time.Time, batch int) ([]events.RawEvent, int64, error) {
	query := fmt.Sprintf(`
		SELECT TIMER_START AS timer_start, EVENT_ID AS event_id, THREAD_ID AS thread_id,
			CURRENT_USER AS user, SQL_TEXT AS sql_text, DIGEST_TEXT AS normalized_sql,
			DIGEST AS digest, TIMER_WAIT/1000000 AS execution_time_ms,
			LOCK_TIME/1000000 AS lock_time_ms, CPU_TIME/1000000 AS cpu_time_ms,
			ROWS_SENT AS rows_returned, ROWS_EXAMINED AS rows_examined,
			ROWS_AFFECTED AS rows_affected, ERRORS AS error_count, WARNINGS AS warning_count,
			CREATED_TMP_DISK_TABLES AS tmp_disk_tables, CREATED_TMP_TABLES AS tmp_tables,
			SELECT_FULL_JOIN AS select_full_join, SELECT_SCAN AS select_scan,
			SORT_MERGE_PASSES AS sort_merge_passes, NO_INDEX_USED AS no_index_used,
			NO_GOOD_INDEX_USED AS no_good_index_used
		FROM performance_schema.events_statements_history_long
		WHERE TIMER_START > ? AND SQL_TEXT NOT LIKE '%%%s%%'
		ORDER BY TIMER_START ASC LIMIT ?`, s.magicToken)

	rows := []hotRow{}
	if err := s.db.SelectContext(ctx, &rows, query, afterTimerStart, batch); err != nil {
		return nil, afterTimerStart, fmt.Errorf("fetch hot batch: %w", err)
	}

	out := make([]events.RawEvent, 0, len(rows))
	maxTimerStart := afterTimerStart
	for _, r := range rows {
		ev := r.RawEvent
		ev.TS = bootTime.Add(time.Duration(r.TimerStart/1e6) * time.Microsecond)
		ev.SourceDBMS = "mysql"
		out = append(out, ev)
		if r.TimerStart > maxTimerStart {
			maxTimerStart = r.TimerStart
		}
	}
	return out, maxTimerStart, nil
}

// FetchCold reads up to batch rows from the persistent log with event_ts
// greater than after, ordered ascending.
func (s *Source) FetchCold(ctx context.Context, after time.Time, batch int) ([]events.RawEvent, time.Time, error) {
	query := `
		SELECT event_ts AS ts, event_id, thread_id, user, client_ip, db_name AS database,
			program_name, client_os, connection_type, sql_text, normalized_sql, digest,
			execution_time_ms, lock_time_ms, cpu_time_ms, rows_returned, rows_examined,
			rows_affected, error_code, error_message, error_count, warning_count,
			tmp_disk_tables, tmp_tables, select_full_join, select_scan, sort_merge_passes,
			no_index_used, no_good_index_used
		FROM persistent_log
		WHERE event_ts > ? AND user <> ?
		ORDER BY event_ts ASC LIMIT ?`

	out := []events.RawEvent{}
	if err := s.db.SelectContext(ctx, &out, query, after, s.selfUser, batch); err != nil {
		return nil, after, fmt.Errorf("fetch cold batch: %w", err)
	}

	maxTS := after
	for i := range out {
		out[i].SourceDBMS = "mysql"
		if out[i].TS.After(maxTS) {
			maxTS = out[i].TS
		}
	}
	return out, maxTS, nil
}

// DecideRecovery implements the three-condition recovery check from §4.1.
func DecideRecovery(cursor Cursor, currentBootSignature string, minTimerStart, maxTimerStart int64, coldMaxEventTS time.Time) bool {
	if currentBootSignature != cursor.BootSignature {
		return true
	}
	if cursor.LastTimerStart < minTimerStart && maxTimerStart > 0 {
		return true
	}
	if coldMaxEventTS.After(cursor.LastEventTS) {
		return true
	}
	return false
}
