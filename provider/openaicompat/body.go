package openaicompat

import (
	"slices"

	"github.com/coris-io/relay"
)

// BuildBody renders a canonical chat request as an OpenAI completions body.
// Zero-valued settings are omitted so the backend applies its defaults.
func BuildBody(req relay.ChatRequest, model string) ChatRequest {
	body := ChatRequest{
		Model:    model,
		Messages: buildMessages(req.Messages),
		Tools:    buildTools(req.Tools),
	}
	applySettings(&body, req.Settings)
	return body
}

func buildMessages(msgs []relay.ChatMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, Message{Role: "system", Content: m.Content})
		case "user":
			out = append(out, Message{Role: "user", Content: userContent(m)})
		case "assistant":
			msg := Message{Role: "assistant", Content: m.Content}
			if len(m.ToolCalls) > 0 {
				msg.ToolCalls = buildToolCalls(m.ToolCalls)
			}
			out = append(out, msg)
		case "tool":
			out = append(out, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				Name:       m.ToolName,
			})
		default:
			// Unknown roles pass through; the backend decides what to do.
			out = append(out, Message{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

// userContent renders a user message as a plain string, or as content
// blocks when images ride along.
func userContent(m relay.ChatMessage) any {
	if len(m.Images) == 0 {
		return m.Content
	}
	blocks := make([]ContentBlock, 0, len(m.Images)+1)
	if m.Content != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: m.Content})
	}
	for _, img := range m.Images {
		blocks = append(blocks, ContentBlock{
			Type:     "image_url",
			ImageURL: &ImageURL{URL: "data:" + img.MimeType + ";base64," + img.Base64},
		})
	}
	return blocks
}

func buildToolCalls(calls []relay.ToolCall) []ToolCallRequest {
	out := make([]ToolCallRequest, len(calls))
	for i, tc := range calls {
		out[i] = ToolCallRequest{
			Index: i,
			ID:    tc.ID,
			Type:  "function",
			Function: FunctionCall{
				Name:      tc.Name,
				Arguments: string(tc.Args),
			},
		}
	}
	return out
}

func buildTools(defs []relay.ToolDefinition) []Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]Tool, len(defs))
	for i, d := range defs {
		out[i] = Tool{
			Type: "function",
			Function: Function{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		}
	}
	return out
}

func applySettings(body *ChatRequest, s relay.ModelSettings) {
	if s.Temperature != 0 {
		t := s.Temperature
		body.Temperature = &t
	}
	if s.TopP != 0 {
		p := s.TopP
		body.TopP = &p
	}
	if s.MaxTokens > 0 {
		body.MaxTokens = s.MaxTokens
	}
	if len(s.StopSequences) > 0 {
		body.Stop = slices.Clone(s.StopSequences)
	}
	if s.ResponseFormat == "json" {
		body.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}
	body.ToolChoice = buildToolChoice(s.ToolChoice)
}

// buildToolChoice maps the canonical tool choice onto the wire form:
// "auto", "none", and "required" pass through as strings; a named choice
// becomes the function-selector object.
func buildToolChoice(tc relay.ToolChoice) any {
	switch tc.Mode {
	case "":
		return nil
	case relay.ToolChoiceNamed:
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		}
	default:
		return tc.Mode
	}
}
