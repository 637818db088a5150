package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// StreamEventType identifies the kind of canonical streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk from the model.
	EventTextDelta StreamEventType = "text-delta"
	// EventToolCallStart announces a tool call; args follow as deltas.
	EventToolCallStart StreamEventType = "tool-call-start"
	// EventToolCallArgsDelta carries a fragment of raw argument JSON.
	EventToolCallArgsDelta StreamEventType = "tool-call-args-delta"
	// EventToolCallComplete carries a finished call with valid argument
	// JSON, emitted when the stream moves on or finishes.
	EventToolCallComplete StreamEventType = "tool-call-complete"
	// EventToolCallResult carries a finished tool execution. Emitted by the
	// run loop, never by provider adapters.
	EventToolCallResult StreamEventType = "tool-call-result"
	// EventUsageReport carries provider-reported token usage.
	EventUsageReport StreamEventType = "usage"
	// EventFinish closes the stream with the provider's finish reason.
	EventFinish StreamEventType = "finish"
	// EventStreamError reports a terminal stream failure.
	EventStreamError StreamEventType = "error"
)

// StreamEvent is the canonical event shape every provider adapter
// normalizes to. One flat struct; the populated fields depend on Type.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	// ID is the tool call ID for tool-call-* events.
	ID string `json:"id,omitempty"`
	// Name is the tool name (tool-call-start, tool-call-complete).
	Name string `json:"name,omitempty"`
	// Content carries the text delta or argument JSON fragment.
	Content string `json:"content,omitempty"`
	// Args is the complete argument JSON (tool-call-complete only).
	Args json.RawMessage `json:"args,omitempty"`
	// Usage is populated for usage events.
	Usage *Usage `json:"usage,omitempty"`
	// FinishReason is populated for finish events.
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	// ErrKind and ErrDetail are populated for error events.
	ErrKind   string `json:"err_kind,omitempty"`
	ErrDetail string `json:"err_detail,omitempty"`
}

// ServeSSE bridges a session's event feed onto an HTTP response as
// Server-Sent Events. It subscribes, streams until the client disconnects
// or the session closes, then unsubscribes. Each session event becomes one
// SSE frame whose event name is the session event type.
func ServeSSE(ctx context.Context, w http.ResponseWriter, s *Session) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return fmt.Errorf("ResponseWriter does not implement http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub, err := s.Subscribe(64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return err
	}
	defer s.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case ev, open := <-sub.C:
			if !open {
				return nil
			}
			if err := WriteSSEEvent(w, string(ev.Type), ev); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// WriteSSEEvent writes a single Server-Sent Event to w. Callers that hold
// an http.Flusher should flush after each event.
func WriteSSEEvent(w http.ResponseWriter, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode sse event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
	return err
}
