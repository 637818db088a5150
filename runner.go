package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// --- run inputs and outputs ---

// Task is one unit of work for an agent: the user input, the prior
// transcript it continues, and the dependency bag tools read and update.
type Task struct {
	Input     string
	Messages  []ChatMessage
	Deps      Deps
	SessionID string
	RunID     string
}

// StopReason records why a run terminated.
type StopReason string

const (
	StopComplete      StopReason = "complete"
	StopMaxIterations StopReason = "max_iterations"
	StopCancelled     StopReason = "cancelled"
	StopError         StopReason = "error"
)

// Result is the outcome of one run. On failure it still carries the
// transcript, usage, and deps accumulated before the run stopped.
type Result struct {
	Output        string
	Messages      []ChatMessage
	Usage         Usage
	Deps          Deps
	Iterations    int
	StoppedReason StopReason
}

// maxParallelDispatch caps concurrent tool goroutines when parallel
// dispatch is enabled, so a single response cannot fan out unbounded.
const maxParallelDispatch = 10

// toolChoiceWarning is appended as a user message the first time the model
// answers in text despite a required tool choice.
const toolChoiceWarning = "Please use one of the provided tools."

// Run executes a task to completion and blocks until it terminates.
func (a *Agent) Run(ctx context.Context, task Task) (Result, error) {
	return a.run(ctx, task, nil)
}

// RunStream executes a task while emitting StreamEvents on ch: text deltas
// and usage as the model streams them, tool-call-start before dispatch,
// tool-call-result after. ch is closed when the run terminates.
func (a *Agent) RunStream(ctx context.Context, task Task, ch chan<- StreamEvent) (Result, error) {
	return a.run(ctx, task, ch)
}

func (a *Agent) run(ctx context.Context, task Task, ch chan<- StreamEvent) (Result, error) {
	if ch != nil {
		defer close(ch)
	}
	if err := ValidateTranscript(task.Messages); err != nil {
		return Result{StoppedReason: StopError}, wrapError(KindConfig, "task transcript invalid", err)
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	runID := task.RunID
	if runID == "" {
		runID = NewID()
	}
	deps := task.Deps.Clone()
	rc := &RunContext{SessionID: task.SessionID, RunID: runID, Deps: deps}
	em := newEmitter(a.observer, map[string]any{
		"agent_name": a.name,
		"model_name": a.modelName,
		"provider":   a.provider.Name(),
		"session_id": task.SessionID,
		"run_id":     runID,
	})

	st := &RunState{Deps: deps}
	if a.instructions != "" && (len(task.Messages) == 0 || task.Messages[0].Role != "system") {
		st.Messages = append(st.Messages, SystemMessage(a.instructions))
	}
	st.Messages = append(st.Messages, task.Messages...)
	if task.Input != "" {
		st.Messages = append(st.Messages, UserMessage(task.Input))
	}

	runCtx := ctx
	var span Span
	if a.tracer != nil {
		runCtx, span = a.tracer.Start(ctx, "agent.run",
			StringAttr("agent", a.name),
			StringAttr("model", a.modelName),
			StringAttr("run_id", runID))
		defer span.End()
	}

	r := &runner{
		agent: a,
		em:    em,
		rc:    rc,
		st:    st,
		ch:    ch,
		exec:  newExecutor(a.logger, em),
	}

	em.emit(runCtx, EventRunStart, "max_iterations", a.maxIterations)
	start := time.Now()

	res, err := r.loop(runCtx)
	res.Messages = st.Messages
	res.Deps = st.Deps
	res.Usage = st.Usage
	res.Iterations = st.Iterations

	if err != nil {
		switch {
		case isCancellation(err):
			res.StoppedReason = StopCancelled
			if res.Output == "" {
				res.Output = r.partial.String()
			}
			em.emit(runCtx, EventRunStop,
				"duration_ms", time.Since(start).Milliseconds(),
				"iterations", st.Iterations,
				"stopped_reason", string(StopCancelled))
		case errors.Is(err, context.DeadlineExceeded):
			res.StoppedReason = StopError
			msg := "run deadline exceeded"
			if a.timeout > 0 {
				msg = fmt.Sprintf("run exceeded %s", a.timeout)
			}
			err = wrapError(KindRunTimeout, msg, err)
			em.emit(runCtx, EventRunException, "error", err.Error(), "error_kind", string(KindRunTimeout))
		case KindOf(err) == KindMaxIterations:
			res.StoppedReason = StopMaxIterations
			em.emit(runCtx, EventRunException, "error", err.Error(), "error_kind", string(KindMaxIterations))
		default:
			res.StoppedReason = StopError
			em.emit(runCtx, EventRunException, "error", err.Error(), "error_kind", string(KindOf(err)))
		}
		if span != nil {
			span.SetAttr(StringAttr("stopped_reason", string(res.StoppedReason)))
		}
		a.logger.Warn("run stopped", "agent", a.name, "run_id", runID, "reason", res.StoppedReason, "error", err)
		return res, err
	}

	if span != nil {
		span.SetAttr(StringAttr("stopped_reason", string(res.StoppedReason)))
		span.SetAttr(IntAttr("iterations", st.Iterations))
	}
	em.emit(runCtx, EventRunStop,
		"duration_ms", time.Since(start).Milliseconds(),
		"iterations", st.Iterations,
		"stopped_reason", string(res.StoppedReason))
	return res, nil
}

// isCancellation reports whether err stems from run cancellation rather
// than a failure. Deadline expiry is a failure, not a cancellation.
func isCancellation(err error) bool {
	if _, ok := CancelReason(err); ok {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// --- the loop ---

// runner carries one run's moving parts so the loop, the provider calls,
// and tool dispatch share state without threading six parameters around.
type runner struct {
	agent   *Agent
	em      emitter
	rc      *RunContext
	st      *RunState
	ch      chan<- StreamEvent
	exec    *executor
	partial strings.Builder
}

func (r *runner) loop(ctx context.Context) (Result, error) {
	a := r.agent
	choiceWarned := false

	for i := 0; i < a.maxIterations; i++ {
		if ctx.Err() != nil {
			return Result{}, context.Cause(ctx)
		}
		r.st.Iterations = i + 1

		iterCtx := ctx
		var iterSpan Span
		if a.tracer != nil {
			iterCtx, iterSpan = a.tracer.Start(ctx, "agent.iteration", IntAttr("iteration", i))
		}
		endIter := func() {
			if iterSpan != nil {
				iterSpan.End()
			}
		}
		r.em.emit(iterCtx, EventIterationStart, "iteration", i)
		iterStart := time.Now()

		req := ChatRequest{Messages: r.st.Messages, Tools: a.registry.Definitions(), Settings: a.settings}
		if err := r.hooks(iterCtx, "pre_model", func() error {
			return a.callbacks.RunPreModel(iterCtx, r.rc, &req)
		}); err != nil {
			endIter()
			return r.halted(err)
		}

		resp, err := r.callModel(iterCtx, req)
		if err != nil {
			endIter()
			return Result{}, err
		}

		if err := r.hooks(iterCtx, "post_model", func() error {
			return a.callbacks.RunPostModel(iterCtx, r.rc, &resp)
		}); err != nil {
			endIter()
			return r.halted(err)
		}

		// No tool calls: either the final answer or a tool_choice violation.
		if len(resp.ToolCalls) == 0 {
			if r.requiresToolCall(req) {
				if a.strictToolChoice || choiceWarned {
					endIter()
					return Result{}, newError(KindToolChoice, "model answered in text despite required tool choice")
				}
				choiceWarned = true
				a.logger.Warn("tool choice violated, warning model", "agent", a.name, "iteration", i)
				r.st.Messages = append(r.st.Messages,
					AssistantMessage(resp.Content),
					UserMessage(toolChoiceWarning))
				r.emitIterStop(iterCtx, i, 0, iterStart)
				endIter()
				continue
			}
			r.st.Messages = append(r.st.Messages, AssistantMessage(resp.Content))
			r.emitIterStop(iterCtx, i, 0, iterStart)
			endIter()
			return Result{Output: resp.Content, StoppedReason: StopComplete}, nil
		}

		if iterSpan != nil {
			iterSpan.SetAttr(IntAttr("tool_count", len(resp.ToolCalls)))
		}
		r.st.Messages = append(r.st.Messages, AssistantMessage(resp.Content, resp.ToolCalls...))

		for _, tc := range resp.ToolCalls {
			r.send(ctx, StreamEvent{Type: EventToolCallStart, ID: tc.ID, Name: tc.Name, Args: tc.Args})
		}

		results := r.dispatch(iterCtx, resp.ToolCalls)

		// Fold results into the transcript in call order. A call abandoned
		// by cancellation leaves no tool result message behind.
		for j, tc := range resp.ToolCalls {
			res := results[j]
			if res.Cancelled() {
				if ctx.Err() != nil {
					endIter()
					return Result{}, res.Err
				}
				// The shared parallel deadline expired while the run is
				// still live: surface as an error result and keep going.
				res.Status = ExecError
				res.Content = "error: " + res.Err.Error()
			}
			r.st.Usage.ToolCalls++
			r.st.Usage.Retries += res.Retries

			if res.HasUpdate {
				next, uerr := res.Update.Apply(r.st.Deps)
				if uerr != nil {
					a.logger.Warn("context update rejected", "agent", a.name, "tool", tc.Name, "error", uerr)
					res.Status = ExecError
					res.Content = "error: " + uerr.Error()
				} else {
					r.st.Deps = next
					r.rc.Deps = next
					r.em.emit(iterCtx, EventContextUpdate, "tool_name", tc.Name, "ops", len(res.Update.Ops))
				}
			}

			if err := r.hooks(iterCtx, "post_tool", func() error {
				return a.callbacks.RunPostTool(iterCtx, r.rc, tc, &res)
			}); err != nil {
				endIter()
				return r.halted(err)
			}

			r.st.Messages = append(r.st.Messages, ToolResultMessage(tc.ID, tc.Name, res.Content))
			r.send(ctx, StreamEvent{Type: EventToolCallResult, ID: tc.ID, Name: tc.Name, Content: res.Content})
		}

		r.emitIterStop(iterCtx, i, len(resp.ToolCalls), iterStart)
		endIter()
	}

	return Result{}, newError(KindMaxIterations,
		fmt.Sprintf("run exceeded %d iterations", a.maxIterations))
}

// requiresToolCall reports whether the effective tool choice obligates the
// model to call a tool this iteration.
func (r *runner) requiresToolCall(req ChatRequest) bool {
	if len(req.Tools) == 0 {
		return false
	}
	switch req.Settings.ToolChoice.Mode {
	case ToolChoiceRequired, ToolChoiceNamed:
		return true
	}
	return false
}

func (r *runner) emitIterStop(ctx context.Context, i, toolCalls int, start time.Time) {
	r.em.emit(ctx, EventIterationStop,
		"iteration", i,
		"tool_calls", toolCalls,
		"duration_ms", time.Since(start).Milliseconds())
}

// hooks wraps one callback phase with a callback.execute emission.
func (r *runner) hooks(ctx context.Context, phase string, fn func() error) error {
	if r.agent.callbacks.Len() == 0 {
		return nil
	}
	start := time.Now()
	err := fn()
	kv := []any{"phase", phase, "callbacks", r.agent.callbacks.Len(), "duration_ms", time.Since(start).Milliseconds()}
	if err != nil {
		kv = append(kv, "error", err.Error())
	}
	r.em.emit(ctx, EventCallbackExecute, kv...)
	return err
}

// halted converts a callback error into a loop exit. ErrHalt produces a
// completed result carrying the canned response; anything else fails the
// run.
func (r *runner) halted(err error) (Result, error) {
	var halt *ErrHalt
	if errors.As(err, &halt) {
		return Result{Output: halt.Response, StoppedReason: StopComplete}, nil
	}
	return Result{}, wrapError(KindCallback, "callback failed", err)
}

// send forwards one event to the run's stream channel, dropping it if the
// run context ends first.
func (r *runner) send(ctx context.Context, ev StreamEvent) {
	if r.ch == nil {
		return
	}
	select {
	case r.ch <- ev:
	case <-ctx.Done():
	}
}

// --- provider round-trips ---

// callModel performs one model round-trip under the agent's retry policy.
// Rate limits, 5xx, transport drops, and timeouts retry with backoff; auth,
// bad-request, and parse failures surface immediately.
func (r *runner) callModel(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	a := r.agent
	for attempt := 0; ; attempt++ {
		r.rc.Retry = attempt
		r.st.Usage.Requests++
		r.em.emit(ctx, EventRequestStart, "attempt", attempt)
		start := time.Now()

		var resp ChatResponse
		var err error
		if r.ch != nil {
			resp, err = r.streamOnce(ctx, req)
		} else {
			resp, err = a.provider.Chat(ctx, req)
		}
		if err == nil {
			r.em.emit(ctx, EventRequestStop,
				"attempt", attempt,
				"duration_ms", time.Since(start).Milliseconds(),
				"input_tokens", resp.Usage.InputTokens,
				"output_tokens", resp.Usage.OutputTokens)
			r.st.Usage.Add(resp.Usage)
			return resp, nil
		}
		if ctx.Err() != nil {
			return ChatResponse{}, context.Cause(ctx)
		}
		retry := RetryableProvider(err) && attempt+1 < a.retry.MaxAttempts
		r.em.emit(ctx, EventRequestException,
			"attempt", attempt,
			"error", err.Error(),
			"error_kind", string(providerKind(err)),
			"will_retry", retry)
		if !retry {
			return ChatResponse{}, err
		}
		r.st.Usage.Retries++
		delay := retryDelay(a.retry.BaseDelay, attempt, err)
		a.logger.Warn("provider request failed, retrying",
			"agent", a.name, "attempt", attempt, "delay", delay, "error", err)
		if serr := sleepCtx(ctx, delay); serr != nil {
			return ChatResponse{}, serr
		}
	}
}

func providerKind(err error) ProviderErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// streamOnce performs one streaming round-trip, forwarding text deltas and
// usage reports to the run channel while the provider assembles the full
// response. Tool-call events from the wire are not forwarded; the loop
// announces calls itself once the response is complete.
func (r *runner) streamOnce(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	a := r.agent
	r.em.emit(ctx, EventStreamStart)
	r.partial.Reset()

	inner := make(chan StreamEvent, 32)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		connected := false
		for ev := range inner {
			if !connected {
				connected = true
				r.em.emit(ctx, EventStreamConnected)
			}
			r.em.emit(ctx, EventStreamChunk, "event_type", string(ev.Type))
			switch ev.Type {
			case EventTextDelta:
				r.partial.WriteString(ev.Content)
				r.send(ctx, ev)
			case EventUsageReport:
				r.send(ctx, ev)
			}
		}
	}()

	resp, err := a.provider.ChatStream(ctx, req, inner)
	close(inner)
	<-drained
	if err != nil {
		r.em.emit(ctx, EventStreamException, "error", err.Error())
		return ChatResponse{}, err
	}
	return resp, nil
}

// --- tool dispatch ---

// dispatch executes an iteration's tool calls and returns results indexed
// by call order. Sequential by default; WithParallelTools switches to a
// worker pool under a shared deadline.
func (r *runner) dispatch(ctx context.Context, calls []ToolCall) []ExecResult {
	if r.agent.parallelTools && len(calls) > 1 {
		return r.dispatchParallel(ctx, calls)
	}
	results := make([]ExecResult, len(calls))
	for i, tc := range calls {
		results[i] = r.dispatchOne(ctx, tc)
		if results[i].Cancelled() && ctx.Err() != nil {
			for j := i + 1; j < len(calls); j++ {
				results[j] = ExecResult{CallID: calls[j].ID, Name: calls[j].Name, Err: results[i].Err}
			}
			break
		}
	}
	return results
}

// dispatchOne routes a single call. Unknown tools come back as synthetic
// error results so the model can correct itself on the next iteration.
func (r *runner) dispatchOne(ctx context.Context, tc ToolCall) ExecResult {
	t, ok := r.agent.registry.Lookup(tc.Name)
	if !ok {
		r.agent.logger.Warn("unknown tool requested", "agent", r.agent.name, "tool", tc.Name)
		return ExecResult{
			CallID:  tc.ID,
			Name:    tc.Name,
			Status:  ExecError,
			Content: fmt.Sprintf("error: unknown tool %q", tc.Name),
			Err:     newError(KindUnknownTool, fmt.Sprintf("unknown tool %q", tc.Name)),
		}
	}
	return r.exec.execute(ctx, t, r.rc, tc)
}

// indexedExec pairs a result with its position in the call slice so
// channel collection preserves call order.
type indexedExec struct {
	idx int
	res ExecResult
}

// dispatchParallel runs the calls on a fixed worker pool under a shared
// deadline of the slowest tool's budget plus one second of slack. Each
// call still gets its own per-attempt timeout inside the executor.
func (r *runner) dispatchParallel(ctx context.Context, calls []ToolCall) []ExecResult {
	var slowest time.Duration
	for _, tc := range calls {
		if t, ok := r.agent.registry.Lookup(tc.Name); ok && t.Timeout > slowest {
			slowest = t.Timeout
		}
	}
	if slowest == 0 {
		slowest = defaultToolTimeout
	}
	envCtx, cancel := context.WithTimeout(ctx, slowest+time.Second)
	defer cancel()

	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	resultCh := make(chan indexedExec, len(calls))
	workers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for w := range workCh {
				resultCh <- indexedExec{idx: w.idx, res: r.dispatchOne(envCtx, w.tc)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]ExecResult, len(calls))
	seen := make([]bool, len(calls))
	for res := range resultCh {
		results[res.idx] = res.res
		seen[res.idx] = true
	}
	for i := range results {
		if !seen[i] {
			results[i] = ExecResult{CallID: calls[i].ID, Name: calls[i].Name, Err: context.Cause(envCtx)}
		}
	}
	return results
}
