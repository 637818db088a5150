package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ExecStatus is the disposition of one dispatched tool call.
type ExecStatus string

const (
	ExecOK       ExecStatus = "ok"
	ExecError    ExecStatus = "error"
	ExecRejected ExecStatus = "rejected"
)

// ExecResult is what one dispatched tool call hands back to the runner:
// the model-facing content, the disposition, a pending deps update, and
// retry accounting. Every dispatched call produces exactly one result
// unless the run is cancelled mid-flight.
type ExecResult struct {
	CallID    string
	Name      string
	Status    ExecStatus
	Content   string
	Update    ContextUpdate
	HasUpdate bool
	Retries   int
	Err       error
}

// Cancelled reports whether the call was aborted by run cancellation or
// the run deadline before reaching a disposition.
func (r ExecResult) Cancelled() bool {
	return r.Status == "" && r.Err != nil
}

// executor runs single tool calls through the full dispatch pipeline:
// argument validation, the approval gate, timed invocation, and retries
// with backoff. The runner owns transcript and deps mutation; the executor
// only reports.
type executor struct {
	logger *slog.Logger
	em     emitter
}

func newExecutor(logger *slog.Logger, em emitter) *executor {
	if logger == nil {
		logger = nopLogger
	}
	return &executor{logger: logger, em: em}
}

type rejectedResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// execute runs one tool call to a disposition. Validation failures and
// approval rejections come back as results for the model, never as
// retried exceptions. Handler errors and timeouts burn the descriptor's
// retry budget with backoff between attempts.
func (e *executor) execute(ctx context.Context, t *ToolDescriptor, rc *RunContext, call ToolCall) ExecResult {
	res := ExecResult{CallID: call.ID, Name: call.Name}
	args := call.Args

	if t.ValidateArgs {
		if vres, failed := e.checkArgs(ctx, t, args); failed {
			return ExecResult{CallID: call.ID, Name: call.Name, Status: vres.Status, Content: vres.Content, Err: vres.Err}
		}
	}

	if t.RequiresApproval {
		decision, rejectKind, err := e.approve(ctx, t, rc, call, args)
		if err != nil {
			res.Err = err
			return res
		}
		switch decision.Action {
		case ApprovalApprove:
		case ApprovalEdit:
			args = decision.Args
			if t.ValidateArgs {
				if vres, failed := e.checkArgs(ctx, t, args); failed {
					return ExecResult{CallID: call.ID, Name: call.Name, Status: vres.Status, Content: vres.Content, Err: vres.Err}
				}
			}
		default:
			reason := decision.Reason
			if reason == "" {
				reason = "rejected by approver"
			}
			body, _ := json.Marshal(rejectedResult{Status: "rejected", Message: reason})
			e.logger.Info("tool call rejected", "tool", t.Name, "call_id", call.ID, "reason", reason)
			e.em.emit(ctx, EventToolStop, "tool_name", t.Name, "outcome", string(ExecRejected))
			res.Status = ExecRejected
			res.Content = string(body)
			res.Err = newError(rejectKind, reason)
			return res
		}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		attemptRC := *rc
		attemptRC.Retry = attempt
		outcome, err := e.invokeOnce(ctx, t, &attemptRC, args, attempt)
		switch {
		case err == nil && outcome.err == nil:
			content, rerr := renderValue(outcome.value)
			if rerr != nil {
				res.Status = ExecError
				res.Content = rerr.Error()
				res.Err = wrapError(KindToolHandler, rerr.Error(), rerr)
				return res
			}
			res.Status = ExecOK
			res.Content = content
			res.Update = outcome.update
			res.HasUpdate = outcome.hasUpdate
			return res
		case err != nil && KindOf(err) != KindToolTimeout:
			// Run-level cancellation or deadline; the runner decides what
			// to do with the partial transcript.
			res.Err = err
			return res
		case err != nil:
			lastErr = err
		default:
			lastErr = wrapError(KindToolHandler, outcome.err.Error(), outcome.err)
		}

		if attempt >= t.Retries {
			break
		}
		res.Retries++
		if serr := sleepCtx(ctx, retryBackoff(defaultBackoffBase, attempt)); serr != nil {
			res.Err = serr
			return res
		}
	}

	e.logger.Warn("tool attempts exhausted",
		"tool", t.Name,
		"call_id", call.ID,
		"attempts", t.Retries+1,
		"error", lastErr)
	res.Status = ExecError
	res.Content = lastErr.Error()
	res.Err = lastErr
	return res
}

// checkArgs validates args and shapes the failure for the model. The
// second return is true when validation failed.
func (e *executor) checkArgs(ctx context.Context, t *ToolDescriptor, args json.RawMessage) (ExecResult, bool) {
	err := t.Validate(args)
	if err == nil {
		return ExecResult{}, false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		e.em.emit(ctx, EventToolException, "tool_name", t.Name, "error_kind", string(KindValidation))
		e.logger.Info("tool arguments rejected", "tool", t.Name, "issues", len(ve.Issues))
		return ExecResult{Status: ExecError, Content: ve.ResultMessage(), Err: err}, true
	}
	// Schema compile failure is a configuration bug, not model error.
	e.logger.Error("tool schema unusable", "tool", t.Name, "error", err)
	return ExecResult{Status: ExecError, Content: "tool configuration error: " + err.Error(), Err: err}, true
}

// approve runs the gate. Missing handlers, handler failures, and expired
// decisions reject; run cancellation aborts with the cancel cause. The
// returned kind tags the rejection cause on the result error.
func (e *executor) approve(ctx context.Context, t *ToolDescriptor, rc *RunContext, call ToolCall, args json.RawMessage) (ApprovalDecision, ErrorKind, error) {
	cfg := rc.Deps.HITL()
	if cfg == nil || cfg.Handler == nil {
		e.logger.Warn("approval required but no handler configured", "tool", t.Name)
		return Reject("no approval handler configured"), KindApprovalRejected, nil
	}
	now := time.Now()
	req := ApprovalRequest{
		ID:          NewID(),
		SessionID:   rc.SessionID,
		RunID:       rc.RunID,
		CallID:      call.ID,
		Tool:        t.Name,
		Args:        args,
		RequestedAt: now,
		ExpiresAt:   now.Add(cfg.timeout()),
	}
	actx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()
	decision, err := cfg.Handler.Decide(actx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ApprovalDecision{}, "", context.Cause(ctx)
		}
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			e.logger.Info("approval timed out", "tool", t.Name, "call_id", call.ID, "timeout", cfg.timeout())
			return Reject("approval timed out"), KindApprovalTimeout, nil
		}
		e.logger.Warn("approval handler failed", "tool", t.Name, "call_id", call.ID, "error", err)
		return Reject("approval failed: " + err.Error()), KindApprovalRejected, nil
	}
	switch decision.Action {
	case ApprovalApprove, ApprovalReject, ApprovalEdit:
		return decision, KindApprovalRejected, nil
	default:
		return Reject(fmt.Sprintf("unknown approval action %q", decision.Action)), KindApprovalRejected, nil
	}
}

// invokeOnce runs one attempt under the per-attempt deadline. The handler
// goroutine is signalled through context cancellation and abandoned on
// timeout; the runtime never kills user code.
func (e *executor) invokeOnce(ctx context.Context, t *ToolDescriptor, rc *RunContext, args json.RawMessage, attempt int) (ToolOutcome, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	e.em.emit(ctx, EventToolStart, "tool_name", t.Name, "attempt", attempt)
	start := time.Now()

	done := make(chan ToolOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked", "tool", t.Name, "panic", r)
				done <- Failf("tool %s panicked: %v", t.Name, r)
			}
		}()
		done <- t.invoke(attemptCtx, rc, args)
	}()

	select {
	case outcome := <-done:
		duration := time.Since(start)
		if outcome.err != nil {
			e.em.emit(ctx, EventToolException,
				"tool_name", t.Name,
				"attempt", attempt,
				"duration_ms", duration.Milliseconds(),
				"error", outcome.err.Error())
			e.logger.Warn("tool attempt failed", "tool", t.Name, "attempt", attempt, "error", outcome.err)
			return outcome, nil
		}
		e.em.emit(ctx, EventToolStop,
			"tool_name", t.Name,
			"attempt", attempt,
			"duration_ms", duration.Milliseconds(),
			"outcome", string(ExecOK))
		return outcome, nil
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			e.em.emit(ctx, EventToolTimeout,
				"tool_name", t.Name,
				"attempt", attempt,
				"timeout_ms", t.Timeout.Milliseconds())
			e.logger.Warn("tool attempt timed out", "tool", t.Name, "attempt", attempt, "timeout", t.Timeout)
			return ToolOutcome{}, newError(KindToolTimeout, fmt.Sprintf("tool %s timed out after %s", t.Name, t.Timeout))
		}
		return ToolOutcome{}, context.Cause(ctx)
	}
}
