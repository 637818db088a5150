// Package sqlite implements relay.Archive using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coris-io/relay"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store archives finished runs in a local SQLite file. Usage and the full
// transcript are stored as JSON text columns.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ relay.Archive = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: archive opened", "path", dbPath)
	return s
}

// Init creates the runs table.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		input TEXT NOT NULL,
		output TEXT NOT NULL,
		stopped_reason TEXT NOT NULL,
		error TEXT,
		iterations INTEGER NOT NULL,
		usage TEXT NOT NULL,
		messages TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, finished_at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// SaveRun inserts or replaces one finished run.
func (s *Store) SaveRun(ctx context.Context, rec relay.RunRecord) error {
	start := time.Now()
	s.logger.Debug("sqlite: save run", "run_id", rec.RunID, "session_id", rec.SessionID, "reason", rec.StoppedReason)

	usageJSON, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	messagesJSON, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	var errText *string
	if rec.Error != "" {
		errText = &rec.Error
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs
		 (run_id, session_id, agent_name, input, output, stopped_reason, error, iterations, usage, messages, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.SessionID, rec.AgentName, rec.Input, rec.Output,
		string(rec.StoppedReason), errText, rec.Iterations,
		string(usageJSON), string(messagesJSON),
		rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
	)
	if err != nil {
		s.logger.Error("sqlite: save run failed", "run_id", rec.RunID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save run: %w", err)
	}
	s.logger.Debug("sqlite: save run ok", "run_id", rec.RunID, "duration", time.Since(start))
	return nil
}

// GetRuns returns the most recent runs for a session, ordered
// chronologically (oldest first). limit <= 0 returns all runs.
func (s *Store) GetRuns(ctx context.Context, sessionID string, limit int) ([]relay.RunRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get runs", "session_id", sessionID, "limit", limit)

	if limit <= 0 {
		limit = -1 // SQLite: LIMIT -1 means no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, session_id, agent_name, input, output, stopped_reason, error, iterations, usage, messages, started_at, finished_at
		 FROM runs
		 WHERE session_id = ?
		 ORDER BY finished_at DESC, run_id DESC
		 LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: get runs failed", "session_id", sessionID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get runs: %w", err)
	}
	defer rows.Close()

	var recs []relay.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}

	s.logger.Debug("sqlite: get runs ok", "session_id", sessionID, "count", len(recs), "duration", time.Since(start))
	return recs, nil
}

// GetRun returns one archived run by ID. A missing run surfaces
// sql.ErrNoRows through the wrap.
func (s *Store) GetRun(ctx context.Context, runID string) (relay.RunRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get run", "run_id", runID)

	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, session_id, agent_name, input, output, stopped_reason, error, iterations, usage, messages, started_at, finished_at
		 FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row.Scan)
	if err != nil {
		s.logger.Error("sqlite: get run failed", "run_id", runID, "error", err, "duration", time.Since(start))
		return relay.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	s.logger.Debug("sqlite: get run ok", "run_id", runID, "duration", time.Since(start))
	return rec, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing archive")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// scanRun reads one runs row via the given Scan function, shared by the
// single-row and multi-row paths.
func scanRun(scan func(dest ...any) error) (relay.RunRecord, error) {
	var rec relay.RunRecord
	var reason string
	var errText sql.NullString
	var usageJSON, messagesJSON string
	var startedAt, finishedAt int64

	if err := scan(&rec.RunID, &rec.SessionID, &rec.AgentName, &rec.Input, &rec.Output,
		&reason, &errText, &rec.Iterations, &usageJSON, &messagesJSON,
		&startedAt, &finishedAt); err != nil {
		return relay.RunRecord{}, fmt.Errorf("scan run: %w", err)
	}

	rec.StoppedReason = relay.StopReason(reason)
	if errText.Valid {
		rec.Error = errText.String
	}
	if err := json.Unmarshal([]byte(usageJSON), &rec.Usage); err != nil {
		return relay.RunRecord{}, fmt.Errorf("unmarshal usage: %w", err)
	}
	if err := json.Unmarshal([]byte(messagesJSON), &rec.Messages); err != nil {
		return relay.RunRecord{}, fmt.Errorf("unmarshal messages: %w", err)
	}
	rec.StartedAt = time.UnixMilli(startedAt)
	rec.FinishedAt = time.UnixMilli(finishedAt)
	return rec, nil
}
