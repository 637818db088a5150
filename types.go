package relay

import (
	"encoding/json"
	"fmt"
)

// --- Chat protocol types ---

// ChatMessage is one entry in a run transcript. Role is one of "system",
// "user", "assistant", "tool". Assistant messages may carry tool calls;
// tool messages answer exactly one call via ToolCallID.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Images     []ImageData     `json:"images,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // provider-specific (e.g. Gemini thoughtSignature)
}

type ImageData struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// ToolCall is a model-requested tool invocation. Args is the raw argument
// JSON exactly as the provider produced it; the runtime never re-encodes it
// through intermediate maps.
type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ChatRequest is one provider round-trip: the transcript so far plus the
// rendered tool definitions and sampling settings.
type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Settings ModelSettings    `json:"settings"`
}

// ModelSettings are pass-through sampling and shaping parameters. Zero
// values mean "provider default" and are omitted from the wire request.
type ModelSettings struct {
	Temperature   float64    `json:"temperature,omitempty"`
	TopP          float64    `json:"top_p,omitempty"`
	MaxTokens     int        `json:"max_tokens,omitempty"`
	StopSequences []string   `json:"stop_sequences,omitempty"`
	ToolChoice    ToolChoice `json:"tool_choice,omitempty"`

	// ResponseFormat selects the output shape: "" or "text" for plain text,
	// "json" for providers that support JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// ToolChoice constrains which tool (if any) the model must call.
type ToolChoice struct {
	Mode string `json:"mode,omitempty"` // "", "auto", "none", "required", "named"
	Name string `json:"name,omitempty"` // tool name when Mode == "named"
}

const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceNamed    = "named"
)

// NamedToolChoice forces the model to call the given tool.
func NamedToolChoice(name string) ToolChoice {
	return ToolChoice{Mode: ToolChoiceNamed, Name: name}
}

// FinishReason reports why the model stopped emitting output.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

type ChatResponse struct {
	Content      string       `json:"content"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Usage        Usage        `json:"usage"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

// Usage holds additive run counters. TotalTokens is maintained as the sum
// of input and output tokens.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	ToolCalls    int `json:"tool_calls"`
	Requests     int `json:"requests"`
	Retries      int `json:"retries"`
}

// Add accumulates other into u and keeps TotalTokens consistent.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.ToolCalls += other.ToolCalls
	u.Requests += other.Requests
	u.Retries += other.Retries
	u.TotalTokens = u.InputTokens + u.OutputTokens
}

// ToolDefinition is the provider-facing rendering of a registered tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func AssistantMessage(text string, calls ...ToolCall) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text, ToolCalls: calls}
}

func ToolResultMessage(callID, name, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID, ToolName: name}
}

// --- Transcript checks ---

// ValidateTranscript verifies tool-call pairing: every tool message
// answers a call ID from the preceding assistant message, and no
// unanswered calls are left behind once the conversation moves on. A
// transcript may end with unanswered calls; that is the shape a cancelled
// run leaves. The runner maintains pairing by construction; the check
// exists for tests and external callers that assemble transcripts by
// hand.
func ValidateTranscript(messages []ChatMessage) error {
	pending := map[string]bool{}
	for i, msg := range messages {
		switch msg.Role {
		case "assistant", "user", "system":
			if len(pending) > 0 {
				return fmt.Errorf("message %d (%s): %d unanswered tool call(s)", i, msg.Role, len(pending))
			}
			for _, call := range msg.ToolCalls {
				if call.ID == "" {
					return fmt.Errorf("message %d: tool call %q has empty ID", i, call.Name)
				}
				if pending[call.ID] {
					return fmt.Errorf("message %d: duplicate tool call ID %q", i, call.ID)
				}
				pending[call.ID] = true
			}
		case "tool":
			if !pending[msg.ToolCallID] {
				return fmt.Errorf("message %d: tool result for unknown call ID %q", i, msg.ToolCallID)
			}
			delete(pending, msg.ToolCallID)
		default:
			return fmt.Errorf("message %d: unknown role %q", i, msg.Role)
		}
	}
	return nil
}
