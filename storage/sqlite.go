package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"hostwatch/logger"
)

// SQLite keeps runs and their readings in a local database file.
type SQLite struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

// NewSQLite opens (or creates) the SQLite file at dbPath and runs the
// migration. The caller must call Close() when done.
func NewSQLite(dbPath string, log *zap.Logger) (*SQLite, error) {
	log = logger.Or(log)
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// The modernc.org driver is pure Go and works without CGO.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLite{db: db, path: dbPath, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}
	return s, nil
}

// Timestamps are stored as unix nanoseconds so range queries compare numbers.
func (s *SQLite) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    label       TEXT NOT NULL,
    hostname    TEXT NOT NULL,
    started_at  INTEGER NOT NULL,
    ended_at    INTEGER NOT NULL,
    interval_s  INTEGER NOT NULL,
    duration_s  INTEGER NOT NULL,
    exported_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS readings (
    id     INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    ts     INTEGER NOT NULL,
    path   TEXT NOT NULL,
    value  REAL,
    error  TEXT
);
CREATE INDEX IF NOT EXISTS idx_readings_path_ts ON readings(path, ts);
CREATE INDEX IF NOT EXISTS idx_readings_run ON readings(run_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	s.log.Debug("SQLite migration applied", zap.String("path", s.path))
	return nil
}

// Export stores a report in a single transaction. dest is kept as the run's
// label. A re-export of the same run replaces its readings.
func (s *SQLite) Export(ctx context.Context, dest string, rep *Report) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM readings WHERE run_id = ?`, rep.RunID); err != nil {
		return "", fmt.Errorf("clear previous readings: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, label, hostname, started_at, ended_at, interval_s, duration_s, exported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.RunID, dest, rep.Host.Hostname,
		rep.StartedAt.UnixNano(), rep.EndedAt.UnixNano(),
		rep.Interval, rep.Duration, time.Now().UnixNano(),
	); err != nil {
		return "", fmt.Errorf("upsert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO readings (run_id, ts, path, value, error) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	rows := 0
	for _, sample := range rep.Samples {
		ts := sample.Timestamp.UnixNano()
		for _, r := range sample.Readings {
			var value, errText any
			if v, ok := r.Float(); ok {
				value = v
			} else {
				errText = r.Error
			}
			if _, err := stmt.ExecContext(ctx, rep.RunID, ts, r.Path, value, errText); err != nil {
				return "", fmt.Errorf("exec insert for %s: %w", r.Path, err)
			}
			rows++
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	s.log.Debug("report persisted", zap.String("run_id", rep.RunID), zap.Int("readings", rows))
	return fmt.Sprintf("sqlite://%s#%s", s.path, rep.RunID), nil
}

// Query returns readings for path between from and to (inclusive), sorted by
// timestamp. An empty path matches every metric.
func (s *SQLite) Query(ctx context.Context, path string, from, to time.Time) ([]MetricRecord, error) {
	q := `SELECT run_id, ts, path, value, error FROM readings WHERE ts BETWEEN ? AND ?`
	args := []any{from.UnixNano(), to.UnixNano()}
	if path != "" {
		q += ` AND path = ?`
		args = append(args, path)
	}
	q += ` ORDER BY ts, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []MetricRecord
	for rows.Next() {
		var (
			rec     MetricRecord
			ts      int64
			value   sql.NullFloat64
			errText sql.NullString
		)
		if err := rows.Scan(&rec.RunID, &ts, &rec.Path, &value, &errText); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		if value.Valid {
			v := value.Float64
			rec.Value = &v
		}
		rec.Error = errText.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close shuts down the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
