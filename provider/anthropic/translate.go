package anthropic

import (
	"encoding/json"

	"github.com/coris-io/relay"
)

// translator maps Messages API stream frames onto canonical events.
// Anthropic splits usage across message_start (input) and message_delta
// (output) and announces the stop reason one frame before message_stop,
// so the translator carries those between frames. Argument fragments
// arrive keyed by block index; the index-to-call table lets every delta
// leave with an explicit call ID.
type translator struct {
	provider string

	calls       map[int]string // block index -> tool call ID
	inputTokens int
	stopReason  string
	failure     *relay.ProviderError
}

func newTranslator(provider string) *translator {
	return &translator{provider: provider, calls: make(map[int]string)}
}

func (t *translator) Frame(data []byte) ([]relay.StreamEvent, error) {
	var frame StreamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}

	switch frame.Type {
	case "message_start":
		if frame.Message != nil && frame.Message.Usage != nil {
			t.inputTokens = frame.Message.Usage.InputTokens
		}
		return nil, nil

	case "content_block_start":
		if cb := frame.ContentBlock; cb != nil && cb.Type == "tool_use" {
			t.calls[frame.Index] = cb.ID
			return []relay.StreamEvent{{
				Type: relay.EventToolCallStart,
				ID:   cb.ID,
				Name: cb.Name,
			}}, nil
		}
		return nil, nil

	case "content_block_delta":
		d := frame.Delta
		if d == nil {
			return nil, nil
		}
		switch d.Type {
		case "text_delta":
			if d.Text == "" {
				return nil, nil
			}
			return []relay.StreamEvent{{
				Type:    relay.EventTextDelta,
				Content: d.Text,
			}}, nil
		case "input_json_delta":
			if d.PartialJSON == "" {
				return nil, nil
			}
			return []relay.StreamEvent{{
				Type:    relay.EventToolCallArgsDelta,
				ID:      t.calls[frame.Index],
				Content: d.PartialJSON,
			}}, nil
		}
		return nil, nil

	case "message_delta":
		var events []relay.StreamEvent
		if frame.Delta != nil && frame.Delta.StopReason != "" {
			t.stopReason = frame.Delta.StopReason
		}
		if frame.Usage != nil {
			u := relay.Usage{
				InputTokens:  t.inputTokens,
				OutputTokens: frame.Usage.OutputTokens,
				TotalTokens:  t.inputTokens + frame.Usage.OutputTokens,
			}
			events = append(events, relay.StreamEvent{
				Type:  relay.EventUsageReport,
				Usage: &u,
			})
		}
		return events, nil

	case "message_stop":
		return []relay.StreamEvent{{
			Type:         relay.EventFinish,
			FinishReason: mapStopReason(t.stopReason, len(t.calls) > 0),
		}}, nil

	case "error":
		detail := "unknown error"
		if frame.Error != nil {
			detail = frame.Error.Message
		}
		t.failure = &relay.ProviderError{
			Provider: t.provider,
			Kind:     relay.ProviderServer,
			Detail:   detail,
		}
		return []relay.StreamEvent{{
			Type:      relay.EventStreamError,
			ErrKind:   string(relay.ProviderServer),
			ErrDetail: detail,
		}}, nil

	case "ping", "content_block_stop":
		return nil, nil
	}

	// Unknown frame types are forward compatibility, not failures.
	return nil, nil
}
