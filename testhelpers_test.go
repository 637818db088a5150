package relay

import (
	"context"
	"encoding/json"
	"sync"
)

// mockProvider is a scripted Provider: results pop in call order, shared
// between Chat and ChatStream. The zero value answers "exhausted" forever.
// Recorded requests let tests assert on what the runner actually sent.
type mockProvider struct {
	name    string
	results []mockResult

	mu   sync.Mutex
	idx  int
	reqs []ChatRequest
}

type mockResult struct {
	resp ChatResponse
	err  error
}

func textResult(s string) mockResult {
	return mockResult{resp: ChatResponse{Content: s, FinishReason: FinishStop}}
}

func callResult(calls ...ToolCall) mockResult {
	return mockResult{resp: ChatResponse{ToolCalls: calls, FinishReason: FinishToolCalls}}
}

func errResult(err error) mockResult {
	return mockResult{err: err}
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return m.next(req)
}

func (m *mockProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	resp, err := m.next(req)
	if err != nil {
		return ChatResponse{}, err
	}
	if resp.Content != "" {
		select {
		case ch <- StreamEvent{Type: EventTextDelta, Content: resp.Content}:
		case <-ctx.Done():
			return ChatResponse{}, context.Cause(ctx)
		}
	}
	return resp, nil
}

func (m *mockProvider) next(req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	if m.idx >= len(m.results) {
		return ChatResponse{Content: "exhausted", FinishReason: FinishStop}, nil
	}
	r := m.results[m.idx]
	m.idx++
	return r.resp, r.err
}

// requests snapshots the recorded requests.
func (m *mockProvider) requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatRequest, len(m.reqs))
	copy(out, m.reqs)
	return out
}

// stallProvider blocks every round-trip until its context ends. Used to
// test run deadlines and cancellation during a provider call.
type stallProvider struct{}

func (stallProvider) Name() string { return "stall" }

func (stallProvider) Chat(ctx context.Context, _ ChatRequest) (ChatResponse, error) {
	<-ctx.Done()
	return ChatResponse{}, &ProviderError{Provider: "stall", Kind: ProviderTimeout, Detail: "context ended"}
}

func (p stallProvider) ChatStream(ctx context.Context, req ChatRequest, _ chan<- StreamEvent) (ChatResponse, error) {
	return p.Chat(ctx, req)
}

// collectObserver records every telemetry emission for assertions. Safe
// for concurrent use.
type collectObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *collectObserver) Emit(_ context.Context, ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

// count reports how many events with the given name were emitted.
func (o *collectObserver) count(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, ev := range o.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

// last returns the most recent event with the given name.
func (o *collectObserver) last(name string) (Event, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.events) - 1; i >= 0; i-- {
		if o.events[i].Name == name {
			return o.events[i], true
		}
	}
	return Event{}, false
}

// echoTool returns its raw arguments as the result.
func echoTool(name string) *ToolDescriptor {
	return NewTool(name, "echoes arguments", nil,
		func(_ context.Context, args json.RawMessage) ToolOutcome {
			return Value(string(args))
		})
}

// rolesOf flattens a transcript to its role sequence.
func rolesOf(messages []ChatMessage) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Role
	}
	return out
}
