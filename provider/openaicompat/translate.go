package openaicompat

import (
	"encoding/json"

	"github.com/coris-io/relay"
)

// translator maps OpenAI streaming chunks onto canonical events. A chunk
// opens a tool call by carrying its ID; argument fragments after that
// carry only the index, which the normalizer resolves to the open call.
type translator struct {
	provider string

	// failure latches an in-stream error envelope. Those arrive on HTTP
	// 200, so the adapter surfaces them after the stream drains.
	failure *relay.ProviderError
}

func (t *translator) Frame(data []byte) ([]relay.StreamEvent, error) {
	var chunk ChatResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}

	if chunk.Error != nil {
		t.failure = &relay.ProviderError{
			Provider: t.provider,
			Kind:     relay.ProviderServer,
			Detail:   chunk.Error.Message,
		}
		return []relay.StreamEvent{{
			Type:      relay.EventStreamError,
			ErrKind:   string(relay.ProviderServer),
			ErrDetail: chunk.Error.Message,
		}}, nil
	}

	var events []relay.StreamEvent
	for _, choice := range chunk.Choices {
		if d := choice.Delta; d != nil {
			if d.Content != "" {
				events = append(events, relay.StreamEvent{
					Type:    relay.EventTextDelta,
					Content: d.Content,
				})
			}
			for _, tc := range d.ToolCalls {
				if tc.ID != "" {
					events = append(events, relay.StreamEvent{
						Type: relay.EventToolCallStart,
						ID:   tc.ID,
						Name: tc.Function.Name,
					})
				}
				if tc.Function.Arguments != "" {
					events = append(events, relay.StreamEvent{
						Type:    relay.EventToolCallArgsDelta,
						ID:      tc.ID,
						Content: tc.Function.Arguments,
					})
				}
			}
		}
		if choice.FinishReason != "" {
			hasCalls := choice.Delta != nil && len(choice.Delta.ToolCalls) > 0
			events = append(events, relay.StreamEvent{
				Type:         relay.EventFinish,
				FinishReason: mapFinish(choice.FinishReason, hasCalls),
			})
		}
	}

	// Usage rides the final chunk when stream_options requests it.
	if chunk.Usage != nil {
		u := convertUsage(chunk.Usage)
		events = append(events, relay.StreamEvent{
			Type:  relay.EventUsageReport,
			Usage: &u,
		})
	}

	return events, nil
}
