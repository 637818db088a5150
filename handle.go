package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RunStatus represents the execution state of a spawned run.
type RunStatus int32

const (
	// StatusPending indicates the run has been spawned but has not started.
	StatusPending RunStatus = iota
	// StatusRunning indicates the run is in progress.
	StatusRunning
	// StatusCompleted indicates the run finished with a final answer.
	StatusCompleted
	// StatusFailed indicates the run returned an error.
	StatusFailed
	// StatusCancelled indicates the run was cancelled via Cancel() or the
	// parent context.
	StatusCancelled
)

// String returns the status name.
func (s RunStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status is final (completed, failed, or
// cancelled).
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SpawnOption configures a Spawn call.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	logger *slog.Logger
}

// SpawnLogger sets the structured logger for spawn lifecycle events.
func SpawnLogger(l *slog.Logger) SpawnOption {
	return func(c *spawnConfig) { c.logger = l }
}

// RunHandle tracks a background run.
// All methods are safe for concurrent use.
type RunHandle struct {
	id     string
	agent  *Agent
	state  atomic.Int32
	result Result
	err    error
	done   chan struct{}
	cancel context.CancelCauseFunc
}

// Spawn launches agent.Run(ctx, task) in a background goroutine and
// returns immediately with a handle for tracking, awaiting, and
// cancelling. The parent ctx bounds the run's lifetime.
func Spawn(ctx context.Context, agent *Agent, task Task, opts ...SpawnOption) *RunHandle {
	var cfg spawnConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	logger := cfg.logger

	ctx, cancel := context.WithCancelCause(ctx)
	h := &RunHandle{
		id:     NewID(),
		agent:  agent,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	h.state.Store(int32(StatusPending))
	if task.RunID == "" {
		task.RunID = h.id
	}

	logger.Info("run spawned", "agent", agent.Name(), "run_id", task.RunID)

	go func() {
		defer cancel(nil)
		defer func() {
			if p := recover(); p != nil {
				logger.Error("spawned run panic", "agent", agent.Name(), "run_id", task.RunID, "panic", fmt.Sprintf("%v", p))
				h.result = Result{StoppedReason: StopError}
				h.err = fmt.Errorf("run panic: %v", p)
				h.state.Store(int32(StatusFailed))
				close(h.done)
			}
		}()
		h.state.Store(int32(StatusRunning))
		start := time.Now()
		result, err := agent.Run(ctx, task)

		// Write result/err before close(done). The channel close is the
		// happens-before barrier: all readers (<-h.done in Await, Status,
		// Result) are guaranteed to see these writes after the close.
		h.result = result
		h.err = err
		switch {
		case result.StoppedReason == StopCancelled:
			h.state.Store(int32(StatusCancelled))
			logger.Info("spawned run cancelled", "agent", agent.Name(), "run_id", task.RunID, "duration", time.Since(start))
		case err != nil:
			h.state.Store(int32(StatusFailed))
			logger.Error("spawned run failed", "agent", agent.Name(), "run_id", task.RunID, "error", err, "duration", time.Since(start))
		default:
			h.state.Store(int32(StatusCompleted))
			logger.Info("spawned run completed", "agent", agent.Name(), "run_id", task.RunID,
				"duration", time.Since(start),
				"tokens.input", result.Usage.InputTokens,
				"tokens.output", result.Usage.OutputTokens)
		}
		close(h.done)
	}()

	return h
}

// ID returns the unique handle identifier (UUIDv7, time-sortable).
func (h *RunHandle) ID() string { return h.id }

// Agent returns the agent being executed.
func (h *RunHandle) Agent() *Agent { return h.agent }

// Status returns the current execution status.
// If the status is terminal, Status blocks until Done() is closed
// (nanoseconds) to guarantee that Result() returns valid data when
// Status().IsTerminal() is true.
func (h *RunHandle) Status() RunStatus {
	s := RunStatus(h.state.Load())
	if s.IsTerminal() {
		<-h.done
	}
	return s
}

// Done returns a channel closed when the run reaches a terminal status.
// Composable with select for multiplexing multiple handles.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the run completes or ctx is cancelled.
// Returns zero Result and ctx.Err() if ctx ends before completion.
func (h *RunHandle) Await(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the result and error. Only meaningful after Done() is
// closed. Before completion, returns zero Result and nil error.
func (h *RunHandle) Result() (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return Result{}, nil
	}
}

// Cancel requests cancellation with a reason. Non-blocking. The run
// observes the reason as its cancel cause and reports it in the result.
func (h *RunHandle) Cancel(reason string) {
	h.cancel(&CancelledError{Reason: reason})
}
