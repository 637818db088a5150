// Package anthropic implements relay.Provider for the Anthropic Messages
// API. System instructions travel in a dedicated field, tool traffic as
// typed content blocks, and streams as typed SSE events.
package anthropic

import "encoding/json"

// --- Request types ---

// MessagesRequest is the /v1/messages request body. MaxTokens is
// mandatory on this API; BuildBody fills a default when settings leave
// it zero.
type MessagesRequest struct {
	Model         string     `json:"model"`
	Messages      []Message  `json:"messages"`
	MaxTokens     int        `json:"max_tokens"`
	System        string     `json:"system,omitempty"`
	Tools         []Tool     `json:"tools,omitempty"`
	ToolChoice    any        `json:"tool_choice,omitempty"`
	Temperature   *float64   `json:"temperature,omitempty"`
	TopP          *float64   `json:"top_p,omitempty"`
	StopSequences []string   `json:"stop_sequences,omitempty"`
	Stream        bool       `json:"stream,omitempty"`
}

// Message is one conversation turn. Content is always a list of typed
// blocks; the API also accepts a bare string but emitting blocks keeps
// one code path.
type Message struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a typed segment of a message: text, an image, a tool
// invocation, or a tool result.
type ContentBlock struct {
	Type string `json:"type"`

	// Type "text".
	Text string `json:"text,omitempty"`

	// Type "image".
	Source *ImageSource `json:"source,omitempty"`

	// Type "tool_use".
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Type "tool_result".
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// ImageSource carries inline image data.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Tool is a tool definition in Anthropic's schema-first format.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// --- Response types ---

// MessagesResponse is the non-streaming /v1/messages response.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"` // "message" or "error"
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      *Usage         `json:"usage,omitempty"`
	Error      *APIError      `json:"error,omitempty"`
}

// Usage reports token consumption for one round-trip.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// APIError is the error detail inside an error envelope.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// --- Stream event types ---

// StreamFrame is one SSE data payload. The Type discriminator selects
// which of the optional fields is populated.
type StreamFrame struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	Message      *MessagesResponse `json:"message,omitempty"`       // message_start
	ContentBlock *ContentBlock     `json:"content_block,omitempty"` // content_block_start
	Delta        *FrameDelta       `json:"delta,omitempty"`         // content_block_delta, message_delta
	Usage        *Usage            `json:"usage,omitempty"`         // message_delta
	Error        *APIError         `json:"error,omitempty"`         // error
}

// FrameDelta carries the incremental payload of a delta frame.
type FrameDelta struct {
	Type        string `json:"type"` // "text_delta" or "input_json_delta"
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"` // message_delta only
}
