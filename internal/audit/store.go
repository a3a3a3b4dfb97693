package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"crudgate/internal/types"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	// DriverPure is the modernc.org/sqlite driver, always available.
	DriverPure = "sqlite"
	// DriverCgo is the mattn/go-sqlite3 driver, registered in cgo builds.
	DriverCgo = "sqlite3"
)

// Store persists decision records.
type Store struct {
	db     *sql.DB
	dbPath string
	driver string
	logger *zap.Logger
}

// dsn adds WAL and a busy timeout in each driver's parameter syntax.
func dsn(driver, path string) string {
	if driver == DriverCgo {
		return path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// Open creates or opens the audit database at path. The file is created
// with mode 0600.
func Open(path, driver string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if driver == "" {
		driver = DriverPure
	}
	if !slices.Contains(sql.Drivers(), driver) {
		return nil, fmt.Errorf("sqlite driver %q is not available in this build", driver)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	f.Close()
	if err := os.Chmod(path, 0600); err != nil {
		return nil, fmt.Errorf("failed to restrict database permissions: %w", err)
	}

	db, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: path, driver: driver, logger: logger}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Debug("Audit store opened", zap.String("path", path), zap.String("driver", driver))
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		command TEXT NOT NULL,
		caller TEXT NOT NULL DEFAULT '',
		classification TEXT NOT NULL CHECK(classification IN ('READ', 'CREATE', 'UPDATE', 'DELETE', 'UNKNOWN')),
		confidence REAL NOT NULL CHECK(confidence BETWEEN 0.0 AND 1.0),
		decision TEXT NOT NULL CHECK(decision IN ('APPROVED', 'DENIED', 'REQUIRES_CONFIRMATION', 'RATE_LIMITED')),
		reasoning TEXT,
		response_time_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_decisions_classification ON decisions(classification);
	CREATE INDEX IF NOT EXISTS idx_decisions_decision ON decisions(decision);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Record appends rec, sanitizing the command first, and returns its id.
func (s *Store) Record(ctx context.Context, rec Record) (int64, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	class := rec.Classification.String()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (request_id, timestamp, command, caller, classification, confidence, decision, reasoning, response_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID,
		rec.Timestamp.UnixMilli(),
		SanitizeCommand(rec.Command),
		rec.Caller,
		class,
		types.ClampConfidence(rec.Confidence),
		rec.Decision.String(),
		rec.Reasoning,
		rec.ResponseTimeMs,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert decision: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, timestamp, command, caller, classification, confidence, decision, COALESCE(reasoning, ''), response_time_ms
		FROM decisions
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r     Record
			ts    int64
			class string
			dec   string
		)
		if err := rows.Scan(&r.ID, &r.RequestID, &ts, &r.Command, &r.Caller, &class, &r.Confidence, &dec, &r.Reasoning, &r.ResponseTimeMs); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts)
		r.Classification = types.ParseCrudClassification(class)
		r.Decision = types.PermissionDecision(dec)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes records older than olderThan and returns how many went.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune decisions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Pruned audit records", zap.Int64("deleted", n), zap.Duration("older_than", olderThan))
	}
	return n, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}
	return n, nil
}

// Stats aggregates counts by classification and decision.
func (s *Store) Stats(ctx context.Context) (DecisionStats, error) {
	st := DecisionStats{
		ByClassification: map[string]int64{},
		ByDecision:       map[string]int64{},
	}

	var (
		avg            sql.NullFloat64
		oldest, newest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(response_time_ms), MIN(timestamp), MAX(timestamp) FROM decisions`).
		Scan(&st.Total, &avg, &oldest, &newest)
	if err != nil {
		return st, fmt.Errorf("failed to aggregate decisions: %w", err)
	}
	st.AvgResponseMs = avg.Float64
	if oldest.Valid {
		st.Oldest = time.UnixMilli(oldest.Int64)
	}
	if newest.Valid {
		st.Newest = time.UnixMilli(newest.Int64)
	}

	if err := s.groupCount(ctx, "classification", st.ByClassification); err != nil {
		return st, err
	}
	if err := s.groupCount(ctx, "decision", st.ByDecision); err != nil {
		return st, err
	}
	return st, nil
}

// groupCount fills into with per-value counts of a fixed column name.
func (s *Store) groupCount(ctx context.Context, column string, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM decisions GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("failed to group by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int64
		)
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}
