// Package archive writes the raw-event Parquet archive (§4.3): one
// append-only columnar file per day per source, staged while being
// written and moved into the archive directory by RotateToArchive once its
// UTC day has ended. Rotation goes by date alone: it does not check whether
// the detection engine has consumed the corresponding stream window.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
)

// parquetRow mirrors events.RawEvent field-for-field (§4.3: "Columns follow
// §3.1 exactly"), with struct tags the parquet-go reflection writer needs.
type parquetRow struct {
	TS       time.Time `parquet:"ts,timestamp"`
	EventID  int64     `parquet:"event_id"`
	ThreadID int64     `parquet:"thread_id"`

	User           string `parquet:"user"`
	ClientIP       string `parquet:"client_ip"`
	Database       string `parquet:"database"`
	ProgramName    string `parquet:"program_name"`
	ClientOS       string `parquet:"client_os"`
	ConnectionType string `parquet:"connection_type"`

	SQLText       string `parquet:"sql_text"`
	NormalizedSQL string `parquet:"normalized_sql"`
	Digest        string `parquet:"digest"`

	ExecutionTimeMs float64 `parquet:"execution_time_ms"`
	LockTimeMs      float64 `parquet:"lock_time_ms"`
	CPUTimeMs       float64 `parquet:"cpu_time_ms"`
	RowsReturned    int64   `parquet:"rows_returned"`
	RowsExamined    int64   `parquet:"rows_examined"`
	RowsAffected    int64   `parquet:"rows_affected"`

	ErrorCode    int32  `parquet:"error_code"`
	ErrorMessage string `parquet:"error_message"`
	ErrorCount   int64  `parquet:"error_count"`
	WarningCount int64  `parquet:"warning_count"`

	TmpDiskTables   int64 `parquet:"tmp_disk_tables"`
	TmpTables       int64 `parquet:"tmp_tables"`
	SelectFullJoin  int64 `parquet:"select_full_join"`
	SelectScan      int64 `parquet:"select_scan"`
	SortMergePasses int64 `parquet:"sort_merge_passes"`
	NoIndexUsed     bool  `parquet:"no_index_used"`
	NoGoodIndexUsed bool  `parquet:"no_good_index_used"`
}

func toParquetRow(e events.RawEvent) parquetRow {
	return parquetRow{
		TS: e.TS, EventID: e.EventID, ThreadID: e.ThreadID,
		User: e.User, ClientIP: e.ClientIP, Database: e.Database,
		ProgramName: e.ProgramName, ClientOS: e.ClientOS, ConnectionType: e.ConnectionType,
		SQLText: e.SQLText, NormalizedSQL: e.NormalizedSQL, Digest: e.Digest,
		ExecutionTimeMs: e.ExecutionTimeMs, LockTimeMs: e.LockTimeMs, CPUTimeMs: e.CPUTimeMs,
		RowsReturned: e.RowsReturned, RowsExamined: e.RowsExamined, RowsAffected: e.RowsAffected,
		ErrorCode: int32(e.ErrorCode), ErrorMessage: e.ErrorMessage,
		ErrorCount: e.ErrorCount, WarningCount: e.WarningCount,
		TmpDiskTables: e.TmpDiskTables, TmpTables: e.TmpTables,
		SelectFullJoin: e.SelectFullJoin, SelectScan: e.SelectScan,
		SortMergePasses: e.SortMergePasses, NoIndexUsed: e.NoIndexUsed,
		NoGoodIndexUsed: e.NoGoodIndexUsed,
	}
}

// Writer appends RawEvents to the current day's staging file for a source,
// opening a fresh file as UTC dates roll over.
type Writer struct {
	mu         sync.Mutex
	stagingDir string
	archiveDir string
	source     string

	day     string
	file    *os.File
	writer  *parquet.GenericWriter[parquetRow]
}

// NewWriter prepares a writer for the given source under root
// (UBA_LOGS_DIR), using "<root>/staging" and "<root>/archive" as the two
// rotation directories.
func NewWriter(root, source string) *Writer {
	return &Writer{
		stagingDir: filepath.Join(root, "staging"),
		archiveDir: filepath.Join(root, "archive"),
		source:     source,
	}
}

// Append writes one event to the staging file for its UTC day, rotating
// open files across midnight.
func (w *Writer) Append(e events.RawEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := e.TS.UTC().Format("2006-01-02")
	if day != w.day {
		if err := w.rotateLocked(day); err != nil {
			return err
		}
	}

	if _, err := w.writer.Write([]parquetRow{toParquetRow(e)}); err != nil {
		return fmt.Errorf("write parquet row: %w", err)
	}
	return nil
}

func (w *Writer) rotateLocked(day string) error {
	if w.writer != nil {
		if err := w.closeLocked(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(w.stagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	path := w.stagingPath(day)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open staging file: %w", err)
	}

	w.day = day
	w.file = f
	w.writer = parquet.NewGenericWriter[parquetRow](f)
	return nil
}

func (w *Writer) stagingPath(day string) string {
	return filepath.Join(w.stagingDir, fmt.Sprintf("%s_%s.parquet", w.source, day))
}

func (w *Writer) closeLocked() error {
	if w.writer == nil {
		return nil
	}
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	err := w.file.Close()
	w.writer = nil
	w.file = nil
	if err != nil {
		return fmt.Errorf("close staging file: %w", err)
	}
	return nil
}

// Close flushes and closes the currently open staging file, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// RotateToArchive moves every staging file older than the current UTC day
// into the archive directory. It never deletes a file — only moves it —
// matching the "never deleted by the pipeline" rule in §4.3.
func (w *Writer) RotateToArchive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	entries, err := os.ReadDir(w.stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read staging dir: %w", err)
	}

	todaySuffix := "_" + time.Now().UTC().Format("2006-01-02") + ".parquet"

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, todaySuffix) {
			continue // still being written
		}
		src := filepath.Join(w.stagingDir, name)
		dst := filepath.Join(w.archiveDir, name)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("rotate %s to archive: %w", name, err)
		}
	}
	return nil
}
