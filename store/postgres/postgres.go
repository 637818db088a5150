// Package postgres implements relay.Archive using PostgreSQL.
//
// New accepts an externally-owned *pgxpool.Pool so hosts can share one
// pool across components; Connect creates and owns a pool from a DSN.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coris-io/relay"
)

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store archives finished runs in PostgreSQL. Usage and the full
// transcript are stored as JSONB columns.
type Store struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	ownsPool bool
}

var _ relay.Archive = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool; Close leaves it open.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect creates a Store with its own pool from a DSN. Close releases
// the pool.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := New(pool, opts...)
	s.ownsPool = true
	return s, nil
}

// Init creates the runs table and its index. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("postgres: init started")

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT NOT NULL,
			stopped_reason TEXT NOT NULL,
			error TEXT,
			iterations INTEGER NOT NULL,
			usage JSONB NOT NULL,
			messages JSONB NOT NULL,
			started_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS runs_session_idx ON runs(session_id, finished_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}

	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// SaveRun inserts or updates one finished run.
func (s *Store) SaveRun(ctx context.Context, rec relay.RunRecord) error {
	start := time.Now()
	s.logger.Debug("postgres: save run", "run_id", rec.RunID, "session_id", rec.SessionID, "reason", rec.StoppedReason)

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

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs
		 (run_id, session_id, agent_name, input, output, stopped_reason, error, iterations, usage, messages, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (run_id) DO UPDATE SET
		 output = EXCLUDED.output,
		 stopped_reason = EXCLUDED.stopped_reason,
		 error = EXCLUDED.error,
		 iterations = EXCLUDED.iterations,
		 usage = EXCLUDED.usage,
		 messages = EXCLUDED.messages,
		 finished_at = EXCLUDED.finished_at`,
		rec.RunID, rec.SessionID, rec.AgentName, rec.Input, rec.Output,
		string(rec.StoppedReason), errText, rec.Iterations,
		usageJSON, messagesJSON,
		rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
	)
	if err != nil {
		s.logger.Error("postgres: save run failed", "run_id", rec.RunID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save run: %w", err)
	}
	s.logger.Debug("postgres: save run ok", "run_id", rec.RunID, "duration", time.Since(start))
	return nil
}

// GetRuns returns the most recent runs for a session, ordered
// chronologically (oldest first). limit <= 0 returns all runs.
func (s *Store) GetRuns(ctx context.Context, sessionID string, limit int) ([]relay.RunRecord, error) {
	start := time.Now()
	s.logger.Debug("postgres: get runs", "session_id", sessionID, "limit", limit)

	var lim any
	if limit > 0 {
		lim = limit // NULL limit means all rows
	}
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, session_id, agent_name, input, output, stopped_reason, error, iterations, usage, messages, started_at, finished_at
		 FROM runs
		 WHERE session_id = $1
		 ORDER BY finished_at DESC, run_id DESC
		 LIMIT $2`,
		sessionID, lim,
	)
	if err != nil {
		s.logger.Error("postgres: get runs failed", "session_id", sessionID, "error", err, "duration", time.Since(start))
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

	s.logger.Debug("postgres: get runs ok", "session_id", sessionID, "count", len(recs), "duration", time.Since(start))
	return recs, nil
}

// GetRun returns one archived run by ID. A missing run surfaces
// pgx.ErrNoRows through the wrap.
func (s *Store) GetRun(ctx context.Context, runID string) (relay.RunRecord, error) {
	start := time.Now()
	s.logger.Debug("postgres: get run", "run_id", runID)

	row := s.pool.QueryRow(ctx,
		`SELECT run_id, session_id, agent_name, input, output, stopped_reason, error, iterations, usage, messages, started_at, finished_at
		 FROM runs WHERE run_id = $1`, runID)
	rec, err := scanRun(row.Scan)
	if err != nil {
		s.logger.Error("postgres: get run failed", "run_id", runID, "error", err, "duration", time.Since(start))
		return relay.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	s.logger.Debug("postgres: get run ok", "run_id", runID, "duration", time.Since(start))
	return rec, nil
}

// Close releases the pool when the store owns it (Connect); pools passed
// to New stay open for their owner.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

// scanRun reads one runs row via the given Scan function, shared by the
// single-row and multi-row paths.
func scanRun(scan func(dest ...any) error) (relay.RunRecord, error) {
	var rec relay.RunRecord
	var reason string
	var errText *string
	var usageJSON, messagesJSON []byte
	var startedAt, finishedAt int64

	if err := scan(&rec.RunID, &rec.SessionID, &rec.AgentName, &rec.Input, &rec.Output,
		&reason, &errText, &rec.Iterations, &usageJSON, &messagesJSON,
		&startedAt, &finishedAt); err != nil {
		return relay.RunRecord{}, fmt.Errorf("scan run: %w", err)
	}

	rec.StoppedReason = relay.StopReason(reason)
	if errText != nil {
		rec.Error = *errText
	}
	if err := json.Unmarshal(usageJSON, &rec.Usage); err != nil {
		return relay.RunRecord{}, fmt.Errorf("unmarshal usage: %w", err)
	}
	if err := json.Unmarshal(messagesJSON, &rec.Messages); err != nil {
		return relay.RunRecord{}, fmt.Errorf("unmarshal messages: %w", err)
	}
	rec.StartedAt = time.UnixMilli(startedAt)
	rec.FinishedAt = time.UnixMilli(finishedAt)
	return rec, nil
}

// ErrNoRows re-exports pgx's sentinel so callers can check a missing run
// without importing pgx.
var ErrNoRows = pgx.ErrNoRows
