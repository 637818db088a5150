package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// --- callback adapters ---

type preModelFunc func(ctx context.Context, rc *RunContext, req *ChatRequest) error

func (f preModelFunc) PreModel(ctx context.Context, rc *RunContext, req *ChatRequest) error {
	return f(ctx, rc, req)
}

type postModelFunc func(ctx context.Context, rc *RunContext, resp *ChatResponse) error

func (f postModelFunc) PostModel(ctx context.Context, rc *RunContext, resp *ChatResponse) error {
	return f(ctx, rc, resp)
}

type postToolFunc func(ctx context.Context, rc *RunContext, call ToolCall, res *ExecResult) error

func (f postToolFunc) PostTool(ctx context.Context, rc *RunContext, call ToolCall, res *ExecResult) error {
	return f(ctx, rc, call, res)
}

// --- basic loop tests ---

func TestRunSimpleCompletion(t *testing.T) {
	mock := &mockProvider{results: []mockResult{textResult("Hello! How can I help?")}}
	agent, err := NewAgent("helper", mock, WithInstructions("Be helpful."))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "Hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "Hello! How can I help?" {
		t.Errorf("Output = %q, want %q", res.Output, "Hello! How can I help?")
	}
	if res.StoppedReason != StopComplete {
		t.Errorf("StoppedReason = %q, want %q", res.StoppedReason, StopComplete)
	}
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", res.Iterations)
	}
	if res.Usage.Requests != 1 {
		t.Errorf("Usage.Requests = %d, want 1", res.Usage.Requests)
	}
	got := strings.Join(rolesOf(res.Messages), " ")
	if got != "system user assistant" {
		t.Errorf("transcript roles = %q, want %q", got, "system user assistant")
	}
}

func TestRunKeepsSeededSystemMessage(t *testing.T) {
	mock := &mockProvider{results: []mockResult{textResult("ok")}}
	agent, err := NewAgent("helper", mock, WithInstructions("should not be injected"))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	task := Task{Messages: []ChatMessage{SystemMessage("custom system"), UserMessage("hi")}}
	res, err := agent.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Messages[0].Content != "custom system" {
		t.Errorf("first message = %q, want seeded system prompt", res.Messages[0].Content)
	}
	systems := 0
	for _, m := range res.Messages {
		if m.Role == "system" {
			systems++
		}
	}
	if systems != 1 {
		t.Errorf("system messages = %d, want 1", systems)
	}
}

func TestRunToolRound(t *testing.T) {
	addParams := json.RawMessage(`{
		"type": "object",
		"properties": {"a": {"type": "number"}, "b": {"type": "number"}},
		"required": ["a", "b"]
	}`)
	add := NewTool("add", "Adds two numbers.", addParams,
		func(_ context.Context, args json.RawMessage) ToolOutcome {
			var in struct {
				A float64 `json:"a"`
				B float64 `json:"b"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return Fail(err)
			}
			return Value(in.A + in.B)
		})

	mock := &mockProvider{results: []mockResult{
		{resp: ChatResponse{
			ToolCalls:    []ToolCall{{ID: "c1", Name: "add", Args: json.RawMessage(`{"a":2,"b":3}`)}},
			Usage:        Usage{InputTokens: 12, OutputTokens: 4},
			FinishReason: FinishToolCalls,
		}},
		{resp: ChatResponse{
			Content:      "The sum is 5.",
			Usage:        Usage{InputTokens: 25, OutputTokens: 8},
			FinishReason: FinishStop,
		}},
	}}
	agent, err := NewAgent("calc", mock, WithTools(add))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "add 2 and 3"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "The sum is 5." {
		t.Errorf("Output = %q, want %q", res.Output, "The sum is 5.")
	}
	got := strings.Join(rolesOf(res.Messages), " ")
	if got != "user assistant tool assistant" {
		t.Errorf("transcript roles = %q, want %q", got, "user assistant tool assistant")
	}
	toolMsg := res.Messages[2]
	if toolMsg.ToolCallID != "c1" || toolMsg.ToolName != "add" {
		t.Errorf("tool message pairing = (%q, %q), want (c1, add)", toolMsg.ToolCallID, toolMsg.ToolName)
	}
	if toolMsg.Content != "5" {
		t.Errorf("tool result content = %q, want %q", toolMsg.Content, "5")
	}

	u := res.Usage
	if u.ToolCalls != 1 {
		t.Errorf("Usage.ToolCalls = %d, want 1", u.ToolCalls)
	}
	if u.Requests != 2 {
		t.Errorf("Usage.Requests = %d, want 2", u.Requests)
	}
	if u.InputTokens != 37 || u.OutputTokens != 12 || u.TotalTokens != 49 {
		t.Errorf("token usage = %d/%d/%d, want 37/12/49", u.InputTokens, u.OutputTokens, u.TotalTokens)
	}

	reqs := mock.requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != "tool" || last.Content != "5" {
		t.Errorf("second request ends with (%s, %q), want tool result", last.Role, last.Content)
	}
}

func TestRunMaxIterationsTerminalError(t *testing.T) {
	var invoked atomic.Int32
	probe := NewTool("probe", "always available", nil,
		func(_ context.Context, _ json.RawMessage) ToolOutcome {
			invoked.Add(1)
			return Value("again")
		})

	mock := &mockProvider{results: []mockResult{
		callResult(ToolCall{ID: "c1", Name: "probe", Args: json.RawMessage(`{}`)}),
		callResult(ToolCall{ID: "c2", Name: "probe", Args: json.RawMessage(`{}`)}),
		callResult(ToolCall{ID: "c3", Name: "probe", Args: json.RawMessage(`{}`)}),
	}}
	agent, err := NewAgent("looper", mock, WithTools(probe), WithMaxIter(3))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "dig"})
	if err == nil {
		t.Fatal("Run succeeded, want iteration budget failure")
	}
	if KindOf(err) != KindMaxIterations {
		t.Errorf("error kind = %q, want %q", KindOf(err), KindMaxIterations)
	}
	if res.StoppedReason != StopMaxIterations {
		t.Errorf("StoppedReason = %q, want %q", res.StoppedReason, StopMaxIterations)
	}
	if res.Output != "" {
		t.Errorf("Output = %q, want empty", res.Output)
	}
	if res.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", res.Iterations)
	}
	if got := invoked.Load(); got != 3 {
		t.Errorf("tool invocations = %d, want 3", got)
	}
	if got := len(mock.requests()); got != 3 {
		t.Errorf("provider requests = %d, want 3", got)
	}
	if res.Usage.ToolCalls != 3 {
		t.Errorf("Usage.ToolCalls = %d, want 3", res.Usage.ToolCalls)
	}

	// The failed result still carries the transcript: the opening user
	// message followed by three call and result pairs.
	got := strings.Join(rolesOf(res.Messages), " ")
	if got != "user assistant tool assistant tool assistant tool" {
		t.Errorf("transcript roles = %q, want three tool rounds", got)
	}
	last := res.Messages[len(res.Messages)-1]
	if last.Role != "tool" || last.Content != "again" {
		t.Errorf("transcript ends with (%s, %q), want last tool result", last.Role, last.Content)
	}
}

func TestRunIterationsNeverExceedBudget(t *testing.T) {
	for _, budget := range []int{1, 2, 5} {
		mock := &mockProvider{}
		for i := 0; i < budget; i++ {
			mock.results = append(mock.results,
				callResult(ToolCall{ID: fmt.Sprintf("c%d", i), Name: "probe", Args: json.RawMessage(`{}`)}))
		}
		agent, err := NewAgent("bounded", mock, WithTools(echoTool("probe")), WithMaxIter(budget))
		if err != nil {
			t.Fatalf("NewAgent: %v", err)
		}

		res, err := agent.Run(context.Background(), Task{Input: "go"})
		if KindOf(err) != KindMaxIterations {
			t.Errorf("budget %d: error = %v, want kind %q", budget, err, KindMaxIterations)
		}
		if res.Iterations != budget {
			t.Errorf("budget %d: Iterations = %d, want %d", budget, res.Iterations, budget)
		}
		if got := len(mock.requests()); got != budget {
			t.Errorf("budget %d: provider requests = %d, want %d", budget, got, budget)
		}
	}
}

func TestRunUnknownToolReturnsSyntheticError(t *testing.T) {
	mock := &mockProvider{results: []mockResult{
		callResult(ToolCall{ID: "c1", Name: "nope", Args: json.RawMessage(`{}`)}),
		textResult("recovered"),
	}}
	var seenKind ErrorKind
	inspect := postToolFunc(func(_ context.Context, _ *RunContext, _ ToolCall, res *ExecResult) error {
		seenKind = KindOf(res.Err)
		return nil
	})
	agent, err := NewAgent("helper", mock, WithTools(echoTool("probe")), WithCallbacks(inspect))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "recovered" {
		t.Errorf("Output = %q, want %q", res.Output, "recovered")
	}
	if seenKind != KindUnknownTool {
		t.Errorf("result error kind = %q, want %q", seenKind, KindUnknownTool)
	}
	var toolMsg *ChatMessage
	for i := range res.Messages {
		if res.Messages[i].Role == "tool" {
			toolMsg = &res.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool result message in transcript")
	}
	want := `error: unknown tool "nope"`
	if toolMsg.Content != want {
		t.Errorf("tool result = %q, want %q", toolMsg.Content, want)
	}
	if res.Usage.ToolCalls != 1 {
		t.Errorf("Usage.ToolCalls = %d, want 1", res.Usage.ToolCalls)
	}
}

// --- tool choice tests ---

func TestRunToolChoiceFirstViolationWarns(t *testing.T) {
	var invoked atomic.Int32
	probe := NewTool("probe", "must be used", nil,
		func(_ context.Context, _ json.RawMessage) ToolOutcome {
			invoked.Add(1)
			return Value("data")
		})

	mock := &mockProvider{results: []mockResult{
		textResult("let me just answer instead"),
		callResult(ToolCall{ID: "c1", Name: "probe", Args: json.RawMessage(`{}`)}),
	}}
	agent, err := NewAgent("strict-ish", mock,
		WithTools(probe),
		WithMaxIter(2),
		WithSettings(ModelSettings{ToolChoice: ToolChoice{Mode: ToolChoiceRequired}}))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	// The first violation warns rather than fails; the model complies on
	// the next round, so the run ends at the budget instead.
	res, err := agent.Run(context.Background(), Task{Input: "go"})
	if KindOf(err) != KindMaxIterations {
		t.Fatalf("Run error = %v, want kind %q", err, KindMaxIterations)
	}
	if res.StoppedReason != StopMaxIterations {
		t.Errorf("StoppedReason = %q, want %q", res.StoppedReason, StopMaxIterations)
	}
	if got := invoked.Load(); got != 1 {
		t.Errorf("tool invocations = %d, want 1", got)
	}
	warned := false
	for _, m := range res.Messages {
		if m.Role == "user" && m.Content == toolChoiceWarning {
			warned = true
		}
	}
	if !warned {
		t.Error("transcript missing the tool choice warning message")
	}
}

func TestRunToolChoiceSecondViolationFails(t *testing.T) {
	mock := &mockProvider{results: []mockResult{
		textResult("nah"),
		textResult("still nah"),
	}}
	agent, err := NewAgent("strict-ish", mock,
		WithTools(echoTool("probe")),
		WithSettings(ModelSettings{ToolChoice: ToolChoice{Mode: ToolChoiceRequired}}))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "go"})
	if err == nil {
		t.Fatal("Run succeeded, want tool choice violation")
	}
	if KindOf(err) != KindToolChoice {
		t.Errorf("error kind = %q, want %q", KindOf(err), KindToolChoice)
	}
	if res.StoppedReason != StopError {
		t.Errorf("StoppedReason = %q, want %q", res.StoppedReason, StopError)
	}
	if res.Usage.Requests != 2 {
		t.Errorf("Usage.Requests = %d, want 2", res.Usage.Requests)
	}
}

func TestRunStrictToolChoiceFailsImmediately(t *testing.T) {
	mock := &mockProvider{results: []mockResult{textResult("text answer")}}
	agent, err := NewAgent("strict", mock,
		WithTools(echoTool("probe")),
		WithStrictToolChoice(),
		WithSettings(ModelSettings{ToolChoice: ToolChoice{Mode: ToolChoiceRequired}}))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "go"})
	if KindOf(err) != KindToolChoice {
		t.Errorf("error kind = %q, want %q", KindOf(err), KindToolChoice)
	}
	if res.Usage.Requests != 1 {
		t.Errorf("Usage.Requests = %d, want 1", res.Usage.Requests)
	}
}

func TestRunRequiredChoiceWithoutToolsCompletes(t *testing.T) {
	mock := &mockProvider{results: []mockResult{textResult("plain answer")}}
	agent, err := NewAgent("toolless", mock,
		WithSettings(ModelSettings{ToolChoice: ToolChoice{Mode: ToolChoiceRequired}}))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StoppedReason != StopComplete {
		t.Errorf("StoppedReason = %q, want %q", res.StoppedReason, StopComplete)
	}
}

// --- parallel dispatch tests ---

func TestRunParallelToolsRunConcurrently(t *testing.T) {
	// Each invocation parks until all three have arrived. Sequential
	// dispatch would starve the barrier; only genuinely concurrent
	// execution releases it.
	const fanout = 3
	var arrived atomic.Int32
	release := make(chan struct{})
	probe := NewTool("probe", "parks until all peers arrive", nil,
		func(ctx context.Context, args json.RawMessage) ToolOutcome {
			if arrived.Add(1) == fanout {
				close(release)
			}
			select {
			case <-release:
				return Value(string(args))
			case <-ctx.Done():
				return Fail(context.Cause(ctx))
			}
		},
		WithToolTimeout(2*time.Second))

	mock := &mockProvider{results: []mockResult{
		callResult(
			ToolCall{ID: "c1", Name: "probe", Args: json.RawMessage(`{"n":1}`)},
			ToolCall{ID: "c2", Name: "probe", Args: json.RawMessage(`{"n":2}`)},
			ToolCall{ID: "c3", Name: "probe", Args: json.RawMessage(`{"n":3}`)},
		),
		textResult("done"),
	}}
	agent, err := NewAgent("fan", mock, WithTools(probe), WithParallelTools())
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	type out struct {
		res Result
		err error
	}
	outc := make(chan out, 1)
	go func() {
		res, err := agent.Run(context.Background(), Task{Input: "go"})
		outc <- out{res, err}
	}()

	var got out
	select {
	case got = <-outc:
	case <-time.After(5 * time.Second):
		t.Fatal("parallel dispatch deadlocked")
	}
	if got.err != nil {
		t.Fatalf("Run: %v", got.err)
	}
	if got.res.Output != "done" {
		t.Errorf("Output = %q, want %q", got.res.Output, "done")
	}
	if got.res.Usage.ToolCalls != fanout {
		t.Errorf("Usage.ToolCalls = %d, want %d", got.res.Usage.ToolCalls, fanout)
	}

	// Results fold into the transcript in call order regardless of
	// completion order.
	var toolMsgs []ChatMessage
	for _, m := range got.res.Messages {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != fanout {
		t.Fatalf("tool result messages = %d, want %d", len(toolMsgs), fanout)
	}
	wantIDs := []string{"c1", "c2", "c3"}
	wantArgs := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	for i, m := range toolMsgs {
		if m.ToolCallID != wantIDs[i] {
			t.Errorf("tool result %d answers %q, want %q", i, m.ToolCallID, wantIDs[i])
		}
		if m.Content != wantArgs[i] {
			t.Errorf("tool result %d content = %q, want %q", i, m.Content, wantArgs[i])
		}
	}
}

// --- provider retry tests ---

func TestRunRetriesRateLimit(t *testing.T) {
	obs := &collectObserver{}
	mock := &mockProvider{results: []mockResult{
		errResult(&ProviderError{Provider: "mock", Kind: ProviderRateLimited, Status: 429}),
		textResult("ok"),
	}}
	agent, err := NewAgent("retrier", mock,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}),
		WithObserver(obs))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "ok" {
		t.Errorf("Output = %q, want %q", res.Output, "ok")
	}
	if res.Usage.Requests != 2 {
		t.Errorf("Usage.Requests = %d, want 2", res.Usage.Requests)
	}
	if res.Usage.Retries != 1 {
		t.Errorf("Usage.Retries = %d, want 1", res.Usage.Retries)
	}
	ev, ok := obs.last(EventRequestException)
	if !ok {
		t.Fatal("no provider.request.exception event emitted")
	}
	if willRetry, _ := ev.Meta["will_retry"].(bool); !willRetry {
		t.Errorf("will_retry = %v, want true", ev.Meta["will_retry"])
	}
}

func TestRunDoesNotRetryAuthFailure(t *testing.T) {
	mock := &mockProvider{results: []mockResult{
		errResult(&ProviderError{Provider: "mock", Kind: ProviderAuth, Status: 401, Detail: "bad key"}),
	}}
	agent, err := NewAgent("unauth", mock,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "go"})
	if err == nil {
		t.Fatal("Run succeeded, want auth failure")
	}
	if KindOf(err) != KindProvider {
		t.Errorf("error kind = %q, want %q", KindOf(err), KindProvider)
	}
	if res.Usage.Requests != 1 {
		t.Errorf("Usage.Requests = %d, want 1 (no retry)", res.Usage.Requests)
	}
	if res.Usage.Retries != 0 {
		t.Errorf("Usage.Retries = %d, want 0", res.Usage.Retries)
	}
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	obs := &collectObserver{}
	limit := &ProviderError{Provider: "mock", Kind: ProviderRateLimited, Status: 429}
	mock := &mockProvider{results: []mockResult{
		errResult(limit), errResult(limit), errResult(limit),
	}}
	agent, err := NewAgent("exhausted", mock,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}),
		WithObserver(obs))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "go"})
	if err == nil {
		t.Fatal("Run succeeded, want exhausted retries")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != ProviderRateLimited {
		t.Errorf("error = %v, want the final rate limit error", err)
	}
	if res.Usage.Requests != 3 {
		t.Errorf("Usage.Requests = %d, want 3", res.Usage.Requests)
	}
	if res.Usage.Retries != 2 {
		t.Errorf("Usage.Retries = %d, want 2", res.Usage.Retries)
	}
	if got := obs.count(EventRequestException); got != 3 {
		t.Errorf("request exception events = %d, want 3", got)
	}
	ev, _ := obs.last(EventRequestException)
	if willRetry, _ := ev.Meta["will_retry"].(bool); willRetry {
		t.Error("final attempt reported will_retry = true")
	}
}

func TestRunHonorsRetryAfterFloor(t *testing.T) {
	const floor = 30 * time.Millisecond
	mock := &mockProvider{results: []mockResult{
		errResult(&ProviderError{Provider: "mock", Kind: ProviderRateLimited, Status: 429, RetryAfter: floor}),
		textResult("ok"),
	}}
	agent, err := NewAgent("patient", mock,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	start := time.Now()
	if _, err := agent.Run(context.Background(), Task{Input: "go"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < floor {
		t.Errorf("run finished in %v, want at least the %v Retry-After floor", elapsed, floor)
	}
}

// --- deadline and cancellation tests ---

func TestRunDeadlineExceeded(t *testing.T) {
	agent, err := NewAgent("slow", stallProvider{}, WithTimeout(40*time.Millisecond))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "go"})
	if err == nil {
		t.Fatal("Run succeeded, want deadline error")
	}
	if KindOf(err) != KindRunTimeout {
		t.Errorf("error kind = %q, want %q", KindOf(err), KindRunTimeout)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error chain missing context.DeadlineExceeded: %v", err)
	}
	if res.StoppedReason != StopError {
		t.Errorf("StoppedReason = %q, want %q", res.StoppedReason, StopError)
	}
}

func TestRunRejectsInvalidTaskTranscript(t *testing.T) {
	mock := &mockProvider{}
	agent, err := NewAgent("checker", mock)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	task := Task{Messages: []ChatMessage{ToolResultMessage("bogus", "x", "y")}}
	_, err = agent.Run(context.Background(), task)
	if KindOf(err) != KindConfig {
		t.Errorf("error kind = %q, want %q", KindOf(err), KindConfig)
	}
	if len(mock.requests()) != 0 {
		t.Errorf("provider called %d times for an invalid task, want 0", len(mock.requests()))
	}
}

func TestRunCancelAbandonsInFlightCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	block := NewTool("block", "parks until released", nil,
		func(_ context.Context, _ json.RawMessage) ToolOutcome {
			close(started)
			<-release
			return Value("late")
		},
		WithToolTimeout(2*time.Second))

	mock := &mockProvider{results: []mockResult{
		callResult(ToolCall{ID: "c1", Name: "block", Args: json.RawMessage(`{}`)}),
	}}
	agent, err := NewAgent("cancellable", mock, WithTools(block))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	type out struct {
		res Result
		err error
	}
	outc := make(chan out, 1)
	go func() {
		res, rerr := agent.Run(ctx, Task{Input: "go"})
		outc <- out{res, rerr}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}
	cancel(&CancelledError{Reason: "user"})

	var got out
	select {
	case got = <-outc:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	if got.res.StoppedReason != StopCancelled {
		t.Errorf("StoppedReason = %q, want %q", got.res.StoppedReason, StopCancelled)
	}
	reason, ok := CancelReason(got.err)
	if !ok || reason != "user" {
		t.Errorf("CancelReason = (%q, %v), want (user, true)", reason, ok)
	}

	// The abandoned call stays unanswered: a trailing pending call is
	// valid, and repair happens at the session layer.
	last := got.res.Messages[len(got.res.Messages)-1]
	if last.Role != "assistant" || len(last.ToolCalls) != 1 {
		t.Errorf("transcript ends with (%s, %d calls), want the abandoned assistant turn", last.Role, len(last.ToolCalls))
	}
	if err := ValidateTranscript(got.res.Messages); err != nil {
		t.Errorf("cancelled transcript invalid: %v", err)
	}
}

// --- deps update tests ---

func TestRunAppliesDepsUpdate(t *testing.T) {
	obs := &collectObserver{}
	note := NewTool("note", "records a note", nil,
		func(_ context.Context, _ json.RawMessage) ToolOutcome {
			return ValueWithUpdate("noted", Update().Set("note", "x"))
		})
	mock := &mockProvider{results: []mockResult{
		callResult(ToolCall{ID: "c1", Name: "note", Args: json.RawMessage(`{}`)}),
		textResult("done"),
	}}
	agent, err := NewAgent("noter", mock, WithTools(note), WithObserver(obs))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	seed := Deps{"existing": "old"}
	res, err := agent.Run(context.Background(), Task{Input: "go", Deps: seed})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Deps["note"] != "x" {
		t.Errorf(`res.Deps["note"] = %v, want "x"`, res.Deps["note"])
	}
	if res.Deps["existing"] != "old" {
		t.Errorf("seeded key lost: %v", res.Deps["existing"])
	}
	if _, leaked := seed["note"]; leaked {
		t.Error("update mutated the caller's deps map")
	}
	if got := obs.count(EventContextUpdate); got != 1 {
		t.Errorf("context.update events = %d, want 1", got)
	}
}

func TestRunRejectsReservedDepsKey(t *testing.T) {
	sneak := NewTool("sneak", "writes a reserved key", nil,
		func(_ context.Context, _ json.RawMessage) ToolOutcome {
			return ValueWithUpdate("x", Update().Set("__hidden", 1))
		})
	mock := &mockProvider{results: []mockResult{
		callResult(ToolCall{ID: "c1", Name: "sneak", Args: json.RawMessage(`{}`)}),
		textResult("done"),
	}}
	agent, err := NewAgent("guarded", mock, WithTools(sneak))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, present := res.Deps["__hidden"]; present {
		t.Error("reserved key was applied to deps")
	}
	var toolMsg ChatMessage
	for _, m := range res.Messages {
		if m.Role == "tool" {
			toolMsg = m
		}
	}
	if !strings.HasPrefix(toolMsg.Content, "error:") || !strings.Contains(toolMsg.Content, "reserved") {
		t.Errorf("tool result = %q, want a reserved-key error", toolMsg.Content)
	}
	if res.StoppedReason != StopComplete {
		t.Errorf("StoppedReason = %q, want %q (run survives a bad update)", res.StoppedReason, StopComplete)
	}
}

// --- callback tests ---

func TestRunCallbackHaltShortCircuits(t *testing.T) {
	mock := &mockProvider{results: []mockResult{textResult("never sent")}}
	halt := preModelFunc(func(_ context.Context, _ *RunContext, _ *ChatRequest) error {
		return &ErrHalt{Response: "halted by policy"}
	})
	agent, err := NewAgent("halted", mock, WithCallbacks(halt))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "halted by policy" {
		t.Errorf("Output = %q, want the halt response", res.Output)
	}
	if res.StoppedReason != StopComplete {
		t.Errorf("StoppedReason = %q, want %q", res.StoppedReason, StopComplete)
	}
	if len(mock.requests()) != 0 {
		t.Errorf("provider called %d times after halt, want 0", len(mock.requests()))
	}
}

func TestRunCallbackMutatesRequest(t *testing.T) {
	mock := &mockProvider{results: []mockResult{textResult("ok")}}
	warm := preModelFunc(func(_ context.Context, _ *RunContext, req *ChatRequest) error {
		req.Settings.Temperature = 0.5
		return nil
	})
	agent, err := NewAgent("tuned", mock, WithCallbacks(warm))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	if _, err := agent.Run(context.Background(), Task{Input: "go"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	reqs := mock.requests()
	if reqs[0].Settings.Temperature != 0.5 {
		t.Errorf("request temperature = %v, want 0.5", reqs[0].Settings.Temperature)
	}
}

func TestRunCallbackRewritesResponse(t *testing.T) {
	mock := &mockProvider{results: []mockResult{textResult("quiet")}}
	shout := postModelFunc(func(_ context.Context, _ *RunContext, resp *ChatResponse) error {
		resp.Content = strings.ToUpper(resp.Content)
		return nil
	})
	agent, err := NewAgent("loud", mock, WithCallbacks(shout))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "QUIET" {
		t.Errorf("Output = %q, want %q", res.Output, "QUIET")
	}
}

func TestRunCallbackRedactsToolResult(t *testing.T) {
	mock := &mockProvider{results: []mockResult{
		callResult(ToolCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{"secret":"hunter2"}`)}),
		textResult("done"),
	}}
	redact := postToolFunc(func(_ context.Context, _ *RunContext, _ ToolCall, res *ExecResult) error {
		if strings.Contains(res.Content, "hunter2") {
			res.Content = "[redacted]"
		}
		return nil
	})
	agent, err := NewAgent("redactor", mock, WithTools(echoTool("echo")), WithCallbacks(redact))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, m := range res.Messages {
		if m.Role == "tool" && m.Content != "[redacted]" {
			t.Errorf("tool result = %q, want redacted", m.Content)
		}
	}
	reqs := mock.requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Content != "[redacted]" {
		t.Errorf("model sees %q, want the redacted result", last.Content)
	}
}

func TestRunCallbackErrorFailsRun(t *testing.T) {
	mock := &mockProvider{results: []mockResult{textResult("never")}}
	boom := preModelFunc(func(_ context.Context, _ *RunContext, _ *ChatRequest) error {
		return errors.New("policy check exploded")
	})
	agent, err := NewAgent("doomed", mock, WithCallbacks(boom))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	res, err := agent.Run(context.Background(), Task{Input: "go"})
	if KindOf(err) != KindCallback {
		t.Errorf("error kind = %q, want %q", KindOf(err), KindCallback)
	}
	if res.StoppedReason != StopError {
		t.Errorf("StoppedReason = %q, want %q", res.StoppedReason, StopError)
	}
}

// --- telemetry tests ---

func TestRunEmitsLifecycleEvents(t *testing.T) {
	obs := &collectObserver{}
	mock := &mockProvider{results: []mockResult{textResult("hi")}}
	agent, err := NewAgent("observed", mock, WithObserver(obs))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	if _, err := agent.Run(context.Background(), Task{Input: "go"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, name := range []string{
		EventRunStart, EventIterationStart,
		EventRequestStart, EventRequestStop,
		EventIterationStop, EventRunStop,
	} {
		if got := obs.count(name); got != 1 {
			t.Errorf("%s events = %d, want 1", name, got)
		}
	}
	stop, ok := obs.last(EventRunStop)
	if !ok {
		t.Fatal("no run stop event")
	}
	if stop.Meta["stopped_reason"] != string(StopComplete) {
		t.Errorf("stopped_reason = %v, want %q", stop.Meta["stopped_reason"], StopComplete)
	}
	if stop.Meta["iterations"] != 1 {
		t.Errorf("iterations = %v, want 1", stop.Meta["iterations"])
	}
	if stop.Meta["agent_name"] != "observed" {
		t.Errorf("agent_name = %v, want %q", stop.Meta["agent_name"], "observed")
	}
}

// --- streaming tests ---

func TestRunStreamForwardsEvents(t *testing.T) {
	mock := &mockProvider{results: []mockResult{
		callResult(ToolCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{"q":"x"}`)}),
		textResult("final answer"),
	}}
	agent, err := NewAgent("streamer", mock, WithTools(echoTool("echo")))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	ch := make(chan StreamEvent, 16)
	var evs []StreamEvent
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for ev := range ch {
			evs = append(evs, ev)
		}
	}()

	res, err := agent.RunStream(context.Background(), Task{Input: "go"}, ch)
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}
	select {
	case <-collected:
	case <-time.After(5 * time.Second):
		t.Fatal("event channel never closed")
	}

	if res.Output != "final answer" {
		t.Errorf("Output = %q, want %q", res.Output, "final answer")
	}
	if len(evs) != 3 {
		t.Fatalf("stream events = %d (%v), want 3", len(evs), evs)
	}
	if evs[0].Type != EventToolCallStart || evs[0].ID != "c1" || evs[0].Name != "echo" {
		t.Errorf("event 0 = %+v, want tool-call-start for c1/echo", evs[0])
	}
	if evs[1].Type != EventToolCallResult || evs[1].Content != `{"q":"x"}` {
		t.Errorf("event 1 = %+v, want tool-call-result with the echoed args", evs[1])
	}
	if evs[2].Type != EventTextDelta || evs[2].Content != "final answer" {
		t.Errorf("event 2 = %+v, want the text delta", evs[2])
	}
}
