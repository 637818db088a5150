package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coris-io/relay"
)

func TestBuildBody_Roles(t *testing.T) {
	g := New("k", "gemini-test")
	req := relay.ChatRequest{
		Messages: []relay.ChatMessage{
			relay.SystemMessage("be helpful"),
			relay.UserMessage("add 2 and 3"),
			relay.AssistantMessage("", relay.ToolCall{ID: "call_1", Name: "add", Args: json.RawMessage(`{"a":2,"b":3}`)}),
			relay.ToolResultMessage("call_1", "add", "5"),
		},
	}

	body := g.buildBody(req)

	sys, ok := body["systemInstruction"].(map[string]any)
	if !ok {
		t.Fatal("systemInstruction missing")
	}
	parts := sys["parts"].([]map[string]any)
	if parts[0]["text"] != "be helpful" {
		t.Errorf("system text = %v", parts[0]["text"])
	}

	contents := body["contents"].([]map[string]any)
	if len(contents) != 3 {
		t.Fatalf("got %d contents, want 3: %+v", len(contents), contents)
	}
	if contents[0]["role"] != "user" {
		t.Errorf("contents[0] role = %v", contents[0]["role"])
	}
	if contents[1]["role"] != "model" {
		t.Errorf("assistant should map to model role, got %v", contents[1]["role"])
	}

	callParts := contents[1]["parts"].([]map[string]any)
	fc := callParts[0]["functionCall"].(map[string]any)
	if fc["name"] != "add" {
		t.Errorf("functionCall = %v", fc)
	}

	respParts := contents[2]["parts"].([]map[string]any)
	fr := respParts[0]["functionResponse"].(map[string]any)
	if fr["name"] != "add" {
		t.Errorf("functionResponse keyed by tool name, got %v", fr["name"])
	}
	if fr["response"].(map[string]any)["result"] != "5" {
		t.Errorf("functionResponse payload = %v", fr["response"])
	}
}

func TestBuildBody_ToolConfig(t *testing.T) {
	g := New("k", "m")

	body := g.buildBody(relay.ChatRequest{
		Messages: []relay.ChatMessage{relay.UserMessage("hi")},
		Settings: relay.ModelSettings{ToolChoice: relay.ToolChoice{Mode: relay.ToolChoiceRequired}},
	})
	cfg := body["toolConfig"].(map[string]any)["functionCallingConfig"].(map[string]any)
	if cfg["mode"] != "ANY" {
		t.Errorf("required should map to ANY, got %v", cfg["mode"])
	}

	body = g.buildBody(relay.ChatRequest{
		Messages: []relay.ChatMessage{relay.UserMessage("hi")},
		Settings: relay.ModelSettings{ToolChoice: relay.NamedToolChoice("add")},
	})
	cfg = body["toolConfig"].(map[string]any)["functionCallingConfig"].(map[string]any)
	names := cfg["allowedFunctionNames"].([]string)
	if cfg["mode"] != "ANY" || len(names) != 1 || names[0] != "add" {
		t.Errorf("named config = %v", cfg)
	}

	body = g.buildBody(relay.ChatRequest{Messages: []relay.ChatMessage{relay.UserMessage("hi")}})
	if _, present := body["toolConfig"]; present {
		t.Error("empty tool choice should emit no toolConfig")
	}
}

func TestBuildBody_GenerationConfig(t *testing.T) {
	g := New("k", "m")
	body := g.buildBody(relay.ChatRequest{
		Messages: []relay.ChatMessage{relay.UserMessage("hi")},
		Settings: relay.ModelSettings{Temperature: 0.2, MaxTokens: 100, ResponseFormat: "json"},
	})

	gc := body["generationConfig"].(map[string]any)
	if gc["temperature"] != 0.2 || gc["maxOutputTokens"] != 100 {
		t.Errorf("generationConfig = %v", gc)
	}
	if gc["responseMimeType"] != "application/json" {
		t.Errorf("responseMimeType = %v", gc["responseMimeType"])
	}
}

func TestParseResponse_FunctionCall(t *testing.T) {
	text := "calculating"
	parsed := generateResponse{
		Candidates: []candidate{{
			Content: candidateContent{Parts: []part{
				{Text: &text},
				{FunctionCall: &functionCall{Name: "add", Args: json.RawMessage(`{"a":2}`)}},
			}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &usageMeta{PromptTokenCount: 9, CandidatesTokenCount: 4},
	}

	out, err := parseResponse(parsed)
	if err != nil {
		t.Fatalf("parseResponse returned error: %v", err)
	}
	if out.Content != "calculating" {
		t.Errorf("Content = %q", out.Content)
	}
	if len(out.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", out.ToolCalls)
	}
	tc := out.ToolCalls[0]
	if tc.Name != "add" || string(tc.Args) != `{"a":2}` {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.ID == "" {
		t.Error("tool call ID should be synthesized")
	}
	if out.FinishReason != relay.FinishToolCalls {
		t.Errorf("FinishReason = %q", out.FinishReason)
	}
	if out.Usage.InputTokens != 9 || out.Usage.OutputTokens != 4 {
		t.Errorf("Usage = %+v", out.Usage)
	}
}

func TestParseResponse_SkipsThoughtParts(t *testing.T) {
	hidden := "internal reasoning"
	visible := "the answer"
	parsed := generateResponse{
		Candidates: []candidate{{
			Content: candidateContent{Parts: []part{
				{Text: &hidden, Thought: true},
				{Text: &visible},
			}},
			FinishReason: "STOP",
		}},
	}

	out, err := parseResponse(parsed)
	if err != nil {
		t.Fatalf("parseResponse returned error: %v", err)
	}
	if out.Content != "the answer" {
		t.Errorf("Content = %q, thought parts must not leak", out.Content)
	}
}

func TestParseRetryInfo(t *testing.T) {
	body := `{"error":{"code":429,"message":"quota","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"14s"}]}}`
	if got := parseRetryInfo(body); got != 14*time.Second {
		t.Errorf("parseRetryInfo = %v, want 14s", got)
	}
	if got := parseRetryInfo(`{}`); got != 0 {
		t.Errorf("parseRetryInfo({}) = %v, want 0", got)
	}
}

func TestTranslator_TextAndCall(t *testing.T) {
	tr := &translator{}

	events, err := tr.Frame([]byte(`{"candidates":[{"content":{"parts":[{"text":"Sure. "},{"functionCall":{"name":"add","args":{"a":1}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2}}`))
	if err != nil {
		t.Fatalf("Frame returned error: %v", err)
	}

	want := []relay.StreamEventType{
		relay.EventTextDelta,
		relay.EventToolCallComplete,
		relay.EventFinish,
		relay.EventUsageReport,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Errorf("event[%d].Type = %q, want %q", i, events[i].Type, typ)
		}
	}
	if events[1].Name != "add" || string(events[1].Args) != `{"a":1}` {
		t.Errorf("call event = %+v", events[1])
	}
	if events[1].ID == "" {
		t.Error("streamed call ID should be synthesized")
	}
	if events[2].FinishReason != relay.FinishToolCalls {
		t.Errorf("finish = %q", events[2].FinishReason)
	}
}

func TestChat(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hello"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":1}}`))
	}))
	defer srv.Close()

	g := New("secret", "gemini-test", WithBaseURL(srv.URL))
	resp, err := g.Chat(context.Background(), relay.ChatRequest{
		Messages: []relay.ChatMessage{relay.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	if !strings.Contains(gotPath, "gemini-test:generateContent") || !strings.Contains(gotPath, "key=secret") {
		t.Errorf("path = %q", gotPath)
	}
	if resp.Content != "hello" || resp.FinishReason != relay.FinishStop {
		t.Errorf("response = %+v", resp)
	}
}

func TestChat_QuotaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"quota exceeded","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"30s"}]}}`))
	}))
	defer srv.Close()

	g := New("k", "m", WithBaseURL(srv.URL))
	_, err := g.Chat(context.Background(), relay.ChatRequest{
		Messages: []relay.ChatMessage{relay.UserMessage("hi")},
	})

	var pe *relay.ProviderError
	if !errors.As(err, &pe) || pe.Kind != relay.ProviderRateLimited {
		t.Fatalf("error = %v, want rate_limited", err)
	}
	if pe.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s from RetryInfo detail", pe.RetryAfter)
	}
}

func TestChatStream(t *testing.T) {
	stream := `data: {"candidates":[{"content":{"parts":[{"text":"The answer"}]}}]}

data: {"candidates":[{"content":{"parts":[{"text":" is 5."}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":4}}

`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "alt=sse") {
			t.Errorf("query = %q, want alt=sse", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(stream))
	}))
	defer srv.Close()

	g := New("k", "m", WithBaseURL(srv.URL))
	ch := make(chan relay.StreamEvent, 16)
	resp, err := g.ChatStream(context.Background(), relay.ChatRequest{
		Messages: []relay.ChatMessage{relay.UserMessage("add 2 and 3")},
	}, ch)
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	close(ch)

	if resp.Content != "The answer is 5." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 8 || resp.Usage.OutputTokens != 4 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	var deltas []string
	for ev := range ch {
		if ev.Type == relay.EventTextDelta {
			deltas = append(deltas, ev.Content)
		}
	}
	if len(deltas) != 2 {
		t.Errorf("got %d text deltas, want 2: %v", len(deltas), deltas)
	}
}
