package relay

import (
	"context"
	"time"
)

// RunRecord is the archived form of one finished run.
type RunRecord struct {
	SessionID     string        `json:"session_id"`
	RunID         string        `json:"run_id"`
	AgentName     string        `json:"agent_name"`
	Input         string        `json:"input"`
	Output        string        `json:"output"`
	StoppedReason StopReason    `json:"stopped_reason"`
	Error         string        `json:"error,omitempty"`
	Iterations    int           `json:"iterations"`
	Usage         Usage         `json:"usage"`
	Messages      []ChatMessage `json:"messages"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// Archive persists finished runs for audit and inspection. Sessions write
// a record when a run terminates, whatever the outcome; write failures are
// logged and never affect the run. The live transcript stays in memory,
// the archive is a one-way mirror.
type Archive interface {
	// --- Runs ---
	SaveRun(ctx context.Context, rec RunRecord) error
	GetRuns(ctx context.Context, sessionID string, limit int) ([]RunRecord, error)
	GetRun(ctx context.Context, runID string) (RunRecord, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
