package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/tasknode/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// RecordRun appends rec to the journal.
func (s *SQLiteStore) RecordRun(ctx context.Context, rec model.RunRecord) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "task_id", rec.TaskID)

	cpus := rec.CPUs
	if cpus == nil {
		cpus = []int{}
	}
	cpusJSON, err := json.Marshal(cpus)
	if err != nil {
		return fmt.Errorf("marshal cpus: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (task_id, instance_id, outcome, exit_code, error, env_id, cpus, started_at, finished_at, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(rec.TaskID), int64(rec.InstanceID), rec.Outcome, rec.ExitCode, rec.Error, rec.EnvID,
		string(cpusJSON), nullTime(rec.StartedAt), rec.FinishedAt.UTC().Format(time.RFC3339Nano),
		int64(rec.Duration),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, q model.RunQuery) ([]model.RunRecord, error) {
	q = q.Normalize()
	s.logger.Debug("sql", "op", "select", "table", "runs", "task_id", q.TaskID, "limit", q.Limit)

	query := `SELECT task_id, instance_id, outcome, exit_code, error, env_id, cpus, started_at, finished_at, duration_ns
		FROM runs`
	args := []any{}
	if q.TaskID != 0 {
		query += ` WHERE task_id = ?`
		args = append(args, int64(q.TaskID))
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []model.RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

func scanRun(rows *sql.Rows) (model.RunRecord, error) {
	var rec model.RunRecord
	var taskID, instanceID, duration int64
	var cpusJSON, finishedAt string
	var startedAt sql.NullString

	if err := rows.Scan(&taskID, &instanceID, &rec.Outcome, &rec.ExitCode, &rec.Error, &rec.EnvID,
		&cpusJSON, &startedAt, &finishedAt, &duration); err != nil {
		return rec, fmt.Errorf("scan run: %w", err)
	}
	rec.TaskID = model.TaskID(taskID)
	rec.InstanceID = model.InstanceID(instanceID)
	rec.Duration = time.Duration(duration)

	if err := json.Unmarshal([]byte(cpusJSON), &rec.CPUs); err != nil {
		return rec, fmt.Errorf("unmarshal cpus: %w", err)
	}
	if len(rec.CPUs) == 0 {
		rec.CPUs = nil
	}
	var err error
	if rec.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
		return rec, fmt.Errorf("parse finished_at: %w", err)
	}
	if startedAt.Valid {
		if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt.String); err != nil {
			return rec, fmt.Errorf("parse started_at: %w", err)
		}
	}
	return rec, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
