package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Session operation errors.
var (
	// ErrSessionClosed reports an operation on a closed session.
	ErrSessionClosed = newError(KindSessionClosed, "session closed")
	// ErrRunActive reports a transcript mutation attempted while a run is
	// active or queued.
	ErrRunActive = newError(KindConfig, "a run is active")
	// ErrNoPendingApproval reports a verdict for a call that is not
	// awaiting one.
	ErrNoPendingApproval = newError(KindConfig, "no pending approval for that call")
)

// --- session events ---

// SessionEventType tags the session event feed.
type SessionEventType string

const (
	SessionAgentStarted     SessionEventType = "agent_started"
	SessionAgentDelta       SessionEventType = "agent_delta"
	SessionToolCall         SessionEventType = "tool_call"
	SessionToolResult       SessionEventType = "tool_result"
	SessionApprovalRequired SessionEventType = "approval_required"
	SessionAgentComplete    SessionEventType = "agent_complete"
	SessionAgentError       SessionEventType = "agent_error"
	SessionAgentCancelled   SessionEventType = "agent_cancelled"
)

// SessionEvent is one entry in a session's event feed. The populated
// fields depend on Type; SessionID and Time are always set.
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	SessionID string           `json:"session_id"`
	RunID     string           `json:"run_id,omitempty"`
	Time      time.Time        `json:"time"`

	// Delta carries incremental assistant text (agent_delta).
	Delta string `json:"delta,omitempty"`

	// CallID, Tool, Args, Content describe tool traffic (tool_call,
	// tool_result, approval_required).
	CallID  string          `json:"call_id,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Content string          `json:"content,omitempty"`

	// Approval is the full request awaiting a verdict (approval_required).
	Approval *ApprovalRequest `json:"approval,omitempty"`

	// Output and Usage report a finished run (agent_complete).
	Output string `json:"output,omitempty"`
	Usage  *Usage `json:"usage,omitempty"`

	// PartialOutput and Reason report a cancelled run (agent_cancelled).
	PartialOutput string `json:"partial_output,omitempty"`
	Reason        string `json:"reason,omitempty"`

	// Error and ErrorKind report a failed run (agent_error).
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// Subscription is one subscriber's view of a session's event feed. Events
// arrive on C; the channel closes on Unsubscribe or session close. A
// subscriber that falls behind loses events rather than stalling the run.
type Subscription struct {
	C       <-chan SessionEvent
	ch      chan SessionEvent
	dropped atomic.Int64
}

// Dropped reports how many events were discarded because the subscriber's
// buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// --- session ---

// abandonedToolResult answers tool calls a cancelled run left hanging, so
// the transcript pairs up before the next run starts.
const abandonedToolResult = `{"status":"cancelled","message":"tool execution was cancelled"}`

// queuedInput is one enqueued user message with its pre-assigned run ID.
type queuedInput struct {
	text  string
	runID string
}

// Session serializes runs over one conversation: user messages queue FIFO,
// a background pump executes them one at a time, and every subscriber sees
// the same event feed. All methods are safe for concurrent use.
type Session struct {
	id      string
	agent   *Agent
	logger  *slog.Logger
	archive Archive
	broker  *approvalBroker

	ctx       context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	messages  []ChatMessage
	deps      Deps
	queue     []queuedInput
	running   bool
	cancelRun context.CancelCauseFunc
	runDone   chan struct{}
	subs      map[*Subscription]struct{}
	closed    bool
}

// SessionOption configures a session at construction.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	id              string
	deps            Deps
	history         []ChatMessage
	logger          *slog.Logger
	archive         Archive
	approvalTimeout time.Duration
}

// SessionID pins the session identifier instead of generating one.
func SessionID(id string) SessionOption {
	return func(c *sessionConfig) { c.id = id }
}

// SessionDeps seeds the dependency bag tools read and update.
func SessionDeps(deps Deps) SessionOption {
	return func(c *sessionConfig) { c.deps = deps }
}

// SessionHistory seeds the transcript, e.g. when resuming a conversation
// the host persisted elsewhere.
func SessionHistory(messages []ChatMessage) SessionOption {
	return func(c *sessionConfig) { c.history = slices.Clone(messages) }
}

// SessionLogger sets the structured logger. Defaults to the agent's.
func SessionLogger(l *slog.Logger) SessionOption {
	return func(c *sessionConfig) { c.logger = l }
}

// SessionArchive mirrors finished runs into a store (see store/sqlite and
// store/postgres).
func SessionArchive(a Archive) SessionOption {
	return func(c *sessionConfig) { c.archive = a }
}

// SessionApprovalTimeout bounds each approval decision (default 5m).
// Expiry rejects the gated call.
func SessionApprovalTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.approvalTimeout = d }
}

// NewSession builds a session around an agent. Unless the seeded deps
// already carry an approval configuration, the session installs its own
// broker so Approve, Reject, and Edit resolve gated calls.
func NewSession(agent *Agent, opts ...SessionOption) *Session {
	var cfg sessionConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = NewID()
	}
	if cfg.logger == nil {
		cfg.logger = agent.logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        cfg.id,
		agent:     agent,
		logger:    cfg.logger,
		archive:   cfg.archive,
		ctx:       ctx,
		cancelAll: cancel,
		messages:  cfg.history,
		deps:      cfg.deps.Clone(),
		subs:      map[*Subscription]struct{}{},
	}
	s.broker = newApprovalBroker(func(req ApprovalRequest) {
		s.publish(SessionEvent{
			Type:     SessionApprovalRequired,
			RunID:    req.RunID,
			CallID:   req.CallID,
			Tool:     req.Tool,
			Args:     req.Args,
			Approval: &req,
		})
	})
	if s.deps.HITL() == nil {
		s.deps[DepsHITLConfig] = &HITLConfig{Handler: s.broker, Timeout: cfg.approvalTimeout}
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Agent returns the agent this session drives.
func (s *Session) Agent() *Agent { return s.agent }

// SendMessage enqueues a user message and returns the run ID assigned to
// it. The run starts as soon as earlier queued messages finish; progress
// arrives on the event feed.
func (s *Session) SendMessage(text string) (string, error) {
	if text == "" {
		return "", newError(KindConfig, "empty message")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	runID := NewID()
	s.queue = append(s.queue, queuedInput{text: text, runID: runID})
	if !s.running {
		s.running = true
		s.wg.Add(1)
		go s.pump()
	}
	return runID, nil
}

// Cancel aborts the active run with the given reason and discards queued
// messages. It returns once the run has actually stopped, or with ctx's
// cause if the caller gives up first. Cancelling an idle session is a
// no-op.
func (s *Session) Cancel(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	cancel := s.cancelRun
	done := s.runDone
	s.queue = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel(&CancelledError{Reason: reason})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Approve releases a gated tool call as requested.
func (s *Session) Approve(callID string) error {
	return s.resolveApproval(callID, Approve())
}

// Reject blocks a gated tool call; the model sees a rejected result.
func (s *Session) Reject(callID, reason string) error {
	return s.resolveApproval(callID, Reject(reason))
}

// Edit releases a gated tool call with replacement arguments, which are
// re-validated before the tool runs.
func (s *Session) Edit(callID string, args json.RawMessage) error {
	return s.resolveApproval(callID, EditArgs(args))
}

func (s *Session) resolveApproval(callID string, d ApprovalDecision) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	return s.broker.Resolve(callID, d)
}

// PendingApprovals snapshots the tool calls awaiting a verdict.
func (s *Session) PendingApprovals() []ApprovalRequest {
	return s.broker.Pending()
}

// Subscribe attaches a new event feed with the given buffer (default 16).
// Slow subscribers drop events instead of blocking the run; see
// Subscription.Dropped.
func (s *Session) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = 16
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	sub := &Subscription{ch: make(chan SessionEvent, buffer)}
	sub.C = sub.ch
	s.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe detaches a feed and closes its channel. Safe to call twice.
func (s *Session) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// History snapshots the transcript.
func (s *Session) History() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Deps snapshots the dependency bag.
func (s *Session) Deps() Deps {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps.Clone()
}

// Clear empties the transcript. Rejected with ErrRunActive while a run is
// active or queued; the dependency bag is untouched.
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.running || len(s.queue) > 0 {
		return ErrRunActive
	}
	s.messages = nil
	return nil
}

// Close cancels any active run, discards the queue, waits for background
// work to finish, and closes all subscriber channels. Subsequent
// operations report ErrSessionClosed. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	cancel := s.cancelRun
	s.mu.Unlock()

	if cancel != nil {
		cancel(&CancelledError{Reason: "session closed"})
	}
	s.cancelAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	s.mu.Lock()
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.ch)
	}
	s.mu.Unlock()
	return nil
}

// --- the pump ---

// pump drains the message queue, one run at a time, and exits when the
// queue is empty or the session closes.
func (s *Session) pump() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		in := s.queue[0]
		s.queue = s.queue[1:]
		s.repairTranscriptLocked()
		history := slices.Clone(s.messages)
		deps := s.deps
		runCtx, cancel := context.WithCancelCause(s.ctx)
		done := make(chan struct{})
		s.cancelRun = cancel
		s.runDone = done
		s.mu.Unlock()

		s.runOne(runCtx, in, history, deps)

		s.mu.Lock()
		s.cancelRun = nil
		s.runDone = nil
		s.mu.Unlock()
		cancel(nil)
		close(done)
	}
}

// repairTranscriptLocked answers any tool calls the previous run abandoned
// mid-flight, so the next provider request sees a paired transcript.
func (s *Session) repairTranscriptLocked() {
	answered := map[string]bool{}
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Role == "tool" {
			answered[m.ToolCallID] = true
			continue
		}
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			for _, tc := range m.ToolCalls {
				if !answered[tc.ID] {
					s.messages = append(s.messages, ToolResultMessage(tc.ID, tc.Name, abandonedToolResult))
				}
			}
		}
		return
	}
}

// runOne executes one queued message and publishes its lifecycle to the
// event feed. A panicking run fails with agent_error instead of taking
// down the pump.
func (s *Session) runOne(ctx context.Context, in queuedInput, history []ChatMessage, deps Deps) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("run panicked", "session_id", s.id, "run_id", in.runID, "panic", fmt.Sprintf("%v", p))
			s.publish(SessionEvent{
				Type:      SessionAgentError,
				RunID:     in.runID,
				Error:     fmt.Sprintf("run panic: %v", p),
				ErrorKind: "panic",
			})
		}
	}()
	task := Task{
		Input:     in.text,
		Messages:  history,
		Deps:      deps,
		SessionID: s.id,
		RunID:     in.runID,
	}
	s.publish(SessionEvent{Type: SessionAgentStarted, RunID: in.runID})
	started := time.Now()

	ch := make(chan StreamEvent, 64)
	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		for ev := range ch {
			switch ev.Type {
			case EventTextDelta:
				s.publish(SessionEvent{Type: SessionAgentDelta, RunID: in.runID, Delta: ev.Content})
			case EventToolCallStart:
				s.publish(SessionEvent{Type: SessionToolCall, RunID: in.runID, CallID: ev.ID, Tool: ev.Name, Args: ev.Args})
			case EventToolCallResult:
				s.publish(SessionEvent{Type: SessionToolResult, RunID: in.runID, CallID: ev.ID, Tool: ev.Name, Content: ev.Content})
			}
		}
	}()

	res, err := s.agent.RunStream(ctx, task, ch)
	<-fwdDone

	s.mu.Lock()
	s.messages = res.Messages
	s.deps = res.Deps
	s.mu.Unlock()

	s.archiveRun(task, res, err, started)

	switch {
	case res.StoppedReason == StopCancelled:
		reason, _ := CancelReason(err)
		s.publish(SessionEvent{
			Type:          SessionAgentCancelled,
			RunID:         in.runID,
			Reason:        reason,
			PartialOutput: res.Output,
		})
	case err != nil:
		s.publish(SessionEvent{
			Type:      SessionAgentError,
			RunID:     in.runID,
			Error:     err.Error(),
			ErrorKind: string(KindOf(err)),
		})
	default:
		u := res.Usage
		s.publish(SessionEvent{
			Type:   SessionAgentComplete,
			RunID:  in.runID,
			Output: res.Output,
			Usage:  &u,
		})
	}
}

// archiveRun mirrors a finished run into the archive off the hot path.
func (s *Session) archiveRun(task Task, res Result, runErr error, started time.Time) {
	if s.archive == nil {
		return
	}
	rec := RunRecord{
		SessionID:     s.id,
		RunID:         task.RunID,
		AgentName:     s.agent.Name(),
		Input:         task.Input,
		Output:        res.Output,
		StoppedReason: res.StoppedReason,
		Iterations:    res.Iterations,
		Usage:         res.Usage,
		Messages:      res.Messages,
		StartedAt:     started,
		FinishedAt:    time.Now(),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.archive.SaveRun(ctx, rec); err != nil {
			s.logger.Warn("archive write failed", "session_id", s.id, "run_id", rec.RunID, "error", err)
		}
	}()
}

// publish fans one event out to every subscriber, dropping it for any
// whose buffer is full.
func (s *Session) publish(ev SessionEvent) {
	ev.SessionID = s.id
	ev.Time = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}
