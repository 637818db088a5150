package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/coris-io/relay"
)

// ParseResponse converts a Messages API response to the canonical shape.
// Text blocks concatenate; tool_use blocks become tool calls in block
// order.
func ParseResponse(provider string, resp MessagesResponse) (relay.ChatResponse, error) {
	var out relay.ChatResponse

	if resp.Type == "error" || resp.Error != nil {
		detail := "unknown error"
		if resp.Error != nil {
			detail = resp.Error.Message
		}
		return out, &relay.ProviderError{
			Provider: provider,
			Kind:     relay.ProviderServer,
			Detail:   detail,
		}
	}

	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			input := block.Input
			if len(input) == 0 || !json.Valid(input) {
				input = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, relay.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: input,
			})
		}
	}
	out.Content = text.String()
	out.Usage = convertUsage(resp.Usage)
	out.FinishReason = mapStopReason(resp.StopReason, len(out.ToolCalls) > 0)

	return out, nil
}

func convertUsage(u *Usage) relay.Usage {
	if u == nil {
		return relay.Usage{}
	}
	return relay.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.InputTokens + u.OutputTokens,
	}
}

func mapStopReason(reason string, hasCalls bool) relay.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return relay.FinishStop
	case "max_tokens":
		return relay.FinishLength
	case "tool_use":
		return relay.FinishToolCalls
	case "refusal":
		return relay.FinishContentFilter
	case "":
		if hasCalls {
			return relay.FinishToolCalls
		}
		return relay.FinishStop
	default:
		return relay.FinishStop
	}
}
