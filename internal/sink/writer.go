// Package sink implements the anomaly store (§4.5): idempotent Postgres
// writes into all_logs, anomalies, and aggregate_anomalies, and the read
// paths the outlier rule and the activity-time rule need to refit their
// models (Feedback/UserHistory/GlobalHistory/UserHours).
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/dbsentry/ueba-pipeline/internal/detection/outlier"
	"github.com/dbsentry/ueba-pipeline/internal/domain/anomaly"
	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
	"github.com/dbsentry/ueba-pipeline/internal/sink/migrations"
)

// Writer is the Postgres-backed anomaly store. It satisfies
// detection.Sink, outlier.Store, and detection.ActivityHistory.
type Writer struct {
	db *sqlx.DB
}

// Open dials a Postgres DSN with the same pool-limits-then-ping sequence
// used for every other SQL connection in this codebase, then applies the
// embedded schema migrations.
func Open(ctx context.Context, dsn string) (*Writer, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sink database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sink database: %w", err)
	}

	if err := migrations.Apply(ctx, db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sink migrations: %w", err)
	}

	return &Writer{db: db}, nil
}

// Close closes the underlying connection pool.
func (w *Writer) Close() error {
	return w.db.Close()
}

// WriteBatch persists one micro-batch in a single short transaction
// (§4.5, §4.4 "short transactions, one per batch, no long-held locks").
// all_logs rows are always inserted; anomalies and aggregate_anomalies
// rows are inserted with ON CONFLICT DO NOTHING against the dedup
// constraints from migrations/0001_init.sql, so replaying the same batch
// (stream redelivery) never duplicates a finding.
func (w *Writer) WriteBatch(ctx context.Context, enriched []events.EnrichedEvent, eventAnomalies []anomaly.EventAnomaly, sessionAnomalies []anomaly.SessionAnomaly) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sink transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range enriched {
		if err := insertLog(ctx, tx, e); err != nil {
			return fmt.Errorf("insert all_logs row: %w", err)
		}
	}
	for _, a := range eventAnomalies {
		if err := insertAnomaly(ctx, tx, a); err != nil {
			return fmt.Errorf("insert anomalies row: %w", err)
		}
	}
	for _, s := range sessionAnomalies {
		if err := insertAggregate(ctx, tx, s); err != nil {
			return fmt.Errorf("insert aggregate_anomalies row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sink transaction: %w", err)
	}
	return nil
}

const insertLogQuery = `
INSERT INTO all_logs (
	ts, event_id, thread_id, "user", client_ip, database, program_name,
	sql_text, normalized_sql, execution_time_ms, rows_returned, rows_examined,
	error_code, source_dbms, features, features_vector, is_anomaly, analysis_type,
	is_maintenance
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`

func insertLog(ctx context.Context, tx *sqlx.Tx, e events.EnrichedEvent) error {
	featuresJSON, err := json.Marshal(e.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	vectorJSON, err := json.Marshal(outlier.FeatureVector(e.Raw, e.Features))
	if err != nil {
		return fmt.Errorf("marshal feature vector: %w", err)
	}

	_, err = tx.ExecContext(ctx, insertLogQuery,
		e.Raw.TS, e.Raw.EventID, e.Raw.ThreadID, e.Raw.User, e.Raw.ClientIP, e.Raw.Database,
		e.Raw.ProgramName, e.Raw.SQLText, e.Raw.NormalizedSQL, e.Raw.ExecutionTimeMs,
		e.Raw.RowsReturned, e.Raw.RowsExamined, e.Raw.ErrorCode, e.Raw.SourceDBMS,
		featuresJSON, vectorJSON, e.IsAnomaly, e.AnalysisType, e.IsMaintenance,
	)
	return err
}

const insertAnomalyQuery = `
INSERT INTO anomalies (
	ts, "user", database, sql_text, anomaly_type, behavior_group, reason,
	score, status, analysis_type
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT ON CONSTRAINT anomalies_dedup_key DO NOTHING`

func insertAnomaly(ctx context.Context, tx *sqlx.Tx, a anomaly.EventAnomaly) error {
	_, err := tx.ExecContext(ctx, insertAnomalyQuery,
		a.TS, a.User, a.Database, a.SQLText, a.AnomalyType, string(a.BehaviorGroup),
		a.Reason, a.Score, string(a.Status), string(a.AnalysisType),
	)
	return err
}

const insertAggregateQuery = `
INSERT INTO aggregate_anomalies (
	"user", start_time, end_time, anomaly_type, severity, details
) VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT ("user", start_time, end_time, anomaly_type) DO NOTHING`

func insertAggregate(ctx context.Context, tx *sqlx.Tx, s anomaly.SessionAnomaly) error {
	detailsJSON, err := json.Marshal(s.Details)
	if err != nil {
		return fmt.Errorf("marshal session details: %w", err)
	}
	_, err = tx.ExecContext(ctx, insertAggregateQuery,
		s.User, s.StartTime, s.EndTime, s.AnomalyType, s.Severity, detailsJSON,
	)
	return err
}

// historySampleLimit bounds how much history a single refit reads back,
// keeping model refresh a bounded-cost operation regardless of how large
// all_logs has grown.
const historySampleLimit = 5000

// Feedback implements outlier.Store: every labeled row in the feedback
// table, in the {feature columns, is_anomaly_label} shape the source
// system's training-data export uses (§9 "feedback file").
func (w *Writer) Feedback(ctx context.Context) ([]outlier.FeedbackSample, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT features, label FROM feedback`)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var out []outlier.FeedbackSample
	for rows.Next() {
		var featuresJSON []byte
		var label int
		if err := rows.Scan(&featuresJSON, &label); err != nil {
			return nil, fmt.Errorf("scan feedback row: %w", err)
		}
		var features []float64
		if err := json.Unmarshal(featuresJSON, &features); err != nil {
			return nil, fmt.Errorf("unmarshal feedback features: %w", err)
		}
		out = append(out, outlier.FeedbackSample{Features: features, Label: label})
	}
	return out, rows.Err()
}

// UserHistory implements outlier.Store: the most recent feature vectors
// logged for user, newest first, bounded by historySampleLimit.
func (w *Writer) UserHistory(ctx context.Context, user string) ([][]float64, error) {
	return w.queryVectors(ctx, `
		SELECT features_vector FROM all_logs
		WHERE "user" = $1
		ORDER BY ts DESC LIMIT $2`, user, historySampleLimit)
}

// GlobalHistory implements outlier.Store: a bounded sample of recent
// feature vectors across every user, for the fallback model.
func (w *Writer) GlobalHistory(ctx context.Context) ([][]float64, error) {
	return w.queryVectors(ctx, `
		SELECT features_vector FROM all_logs
		ORDER BY ts DESC LIMIT $1`, historySampleLimit)
}

func (w *Writer) queryVectors(ctx context.Context, query string, args ...interface{}) ([][]float64, error) {
	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query feature vectors: %w", err)
	}
	defer rows.Close()

	var out [][]float64
	for rows.Next() {
		var vectorJSON []byte
		if err := rows.Scan(&vectorJSON); err != nil {
			return nil, fmt.Errorf("scan feature vector: %w", err)
		}
		var vector []float64
		if err := json.Unmarshal(vectorJSON, &vector); err != nil {
			return nil, fmt.Errorf("unmarshal feature vector: %w", err)
		}
		out = append(out, vector)
	}
	return out, rows.Err()
}

// userHoursSampleLimit bounds the history window the activity-time rule
// learns its per-user active-hours band from.
const userHoursSampleLimit = 20000

// UserHours implements detection.ActivityHistory: every user's recent
// hour-of-day samples, grouped client-side since the quantile fit itself
// lives in the rules package.
func (w *Writer) UserHours(ctx context.Context) (map[string][]int, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT "user", EXTRACT(HOUR FROM ts)::int
		FROM all_logs
		ORDER BY ts DESC LIMIT $1`, userHoursSampleLimit)
	if err != nil {
		return nil, fmt.Errorf("query user hours: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]int)
	for rows.Next() {
		var user string
		var hour int
		if err := rows.Scan(&user, &hour); err != nil {
			return nil, fmt.Errorf("scan user hour: %w", err)
		}
		out[user] = append(out[user], hour)
	}
	return out, rows.Err()
}
