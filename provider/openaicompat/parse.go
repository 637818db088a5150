package openaicompat

import (
	"encoding/json"

	"github.com/coris-io/relay"
)

// ParseResponse converts an OpenAI completions response to the canonical
// shape, reading content, tool calls, usage, and finish reason from
// choices[0].
func ParseResponse(provider string, resp ChatResponse) (relay.ChatResponse, error) {
	var out relay.ChatResponse

	if resp.Error != nil {
		return out, &relay.ProviderError{
			Provider: provider,
			Kind:     relay.ProviderServer,
			Detail:   resp.Error.Message,
		}
	}
	if len(resp.Choices) == 0 {
		return out, &relay.ProviderError{
			Provider: provider,
			Kind:     relay.ProviderParse,
			Detail:   "response carried no choices",
		}
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	out.Usage = convertUsage(resp.Usage)
	out.FinishReason = mapFinish(choice.FinishReason, len(out.ToolCalls) > 0)

	return out, nil
}

// ParseToolCalls converts wire tool calls to canonical ones. The wire
// carries arguments as a JSON string; anything that fails to validate is
// replaced with an empty object so downstream schema validation produces
// a useful message instead of a decode panic.
func ParseToolCalls(tcs []ToolCallRequest) []relay.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]relay.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, relay.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

func convertUsage(u *Usage) relay.Usage {
	if u == nil {
		return relay.Usage{}
	}
	return relay.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.PromptTokens + u.CompletionTokens,
	}
}

// mapFinish normalizes the wire finish reason. Backends that omit it get
// one inferred from the presence of tool calls.
func mapFinish(reason string, hasCalls bool) relay.FinishReason {
	switch reason {
	case "stop":
		return relay.FinishStop
	case "length":
		return relay.FinishLength
	case "tool_calls", "function_call":
		return relay.FinishToolCalls
	case "content_filter":
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
