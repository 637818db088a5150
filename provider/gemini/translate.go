package gemini

import (
	"encoding/json"

	"github.com/coris-io/relay"
)

// translator maps streamGenerateContent SSE frames onto canonical events.
// Each frame is a complete generateResponse fragment: text parts stream
// incrementally, but functionCall parts arrive whole, so they translate
// straight to tool-call-complete events with synthesized IDs.
type translator struct {
	failure *relay.ProviderError
}

func (t *translator) Frame(data []byte) ([]relay.StreamEvent, error) {
	var chunk generateResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}

	if chunk.Error != nil {
		t.failure = &relay.ProviderError{
			Provider: "gemini",
			Kind:     relay.ProviderServer,
			Status:   chunk.Error.Code,
			Detail:   chunk.Error.Message,
		}
		return []relay.StreamEvent{{
			Type:      relay.EventStreamError,
			ErrKind:   string(relay.ProviderServer),
			ErrDetail: chunk.Error.Message,
		}}, nil
	}

	var events []relay.StreamEvent
	sawCall := false
	for _, cand := range chunk.Candidates {
		for _, p := range cand.Content.Parts {
			if p.Thought {
				continue
			}
			if p.Text != nil && *p.Text != "" {
				events = append(events, relay.StreamEvent{
					Type:    relay.EventTextDelta,
					Content: *p.Text,
				})
			}
			if p.FunctionCall != nil {
				tc := toolCallFromPart(p)
				sawCall = true
				events = append(events, relay.StreamEvent{
					Type: relay.EventToolCallComplete,
					ID:   tc.ID,
					Name: tc.Name,
					Args: tc.Args,
				})
			}
		}
		if cand.FinishReason != "" {
			events = append(events, relay.StreamEvent{
				Type:         relay.EventFinish,
				FinishReason: mapFinish(cand.FinishReason, sawCall),
			})
		}
	}

	if chunk.UsageMetadata != nil {
		u := convertUsage(chunk.UsageMetadata)
		events = append(events, relay.StreamEvent{
			Type:  relay.EventUsageReport,
			Usage: &u,
		})
	}

	return events, nil
}
