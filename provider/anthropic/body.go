package anthropic

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/coris-io/relay"
)

// defaultMaxTokens fills the mandatory max_tokens field when settings
// leave it unset.
const defaultMaxTokens = 4096

// BuildBody renders a canonical chat request as a Messages API body.
// System messages are lifted into the dedicated system field; consecutive
// tool results merge into a single user turn, which is the shape the API
// expects after an assistant tool_use turn.
func BuildBody(req relay.ChatRequest, model string) MessagesRequest {
	body := MessagesRequest{
		Model:     model,
		MaxTokens: defaultMaxTokens,
		Messages:  buildMessages(req.Messages),
		Tools:     buildTools(req.Tools),
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" && m.Content != "" {
			system = append(system, m.Content)
		}
	}
	body.System = strings.Join(system, "\n\n")

	applySettings(&body, req.Settings)
	return body
}

func buildMessages(msgs []relay.ChatMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			// Lifted into the system field by BuildBody.
		case "user":
			out = append(out, Message{Role: "user", Content: userBlocks(m)})
		case "assistant":
			blocks := make([]ContentBlock, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, ContentBlock{Type: "text", Text: ""})
			}
			out = append(out, Message{Role: "assistant", Content: blocks})
		case "tool":
			block := ContentBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}
			// Results for one assistant turn ride in one user message.
			if n := len(out); n > 0 && out[n-1].Role == "user" && isToolResults(out[n-1].Content) {
				out[n-1].Content = append(out[n-1].Content, block)
			} else {
				out = append(out, Message{Role: "user", Content: []ContentBlock{block}})
			}
		}
	}
	return out
}

func isToolResults(blocks []ContentBlock) bool {
	return len(blocks) > 0 && blocks[0].Type == "tool_result"
}

func userBlocks(m relay.ChatMessage) []ContentBlock {
	blocks := make([]ContentBlock, 0, len(m.Images)+1)
	if m.Content != "" || len(m.Images) == 0 {
		blocks = append(blocks, ContentBlock{Type: "text", Text: m.Content})
	}
	for _, img := range m.Images {
		blocks = append(blocks, ContentBlock{
			Type: "image",
			Source: &ImageSource{
				Type:      "base64",
				MediaType: img.MimeType,
				Data:      img.Base64,
			},
		})
	}
	return blocks
}

func buildTools(defs []relay.ToolDefinition) []Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]Tool, len(defs))
	for i, d := range defs {
		out[i] = Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.Parameters,
		}
	}
	return out
}

func applySettings(body *MessagesRequest, s relay.ModelSettings) {
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
		body.StopSequences = slices.Clone(s.StopSequences)
	}
	body.ToolChoice = buildToolChoice(s.ToolChoice)
}

// buildToolChoice maps the canonical tool choice onto Anthropic's typed
// selector. "required" is spelled "any" on this API.
func buildToolChoice(tc relay.ToolChoice) any {
	switch tc.Mode {
	case "":
		return nil
	case relay.ToolChoiceAuto:
		return map[string]any{"type": "auto"}
	case relay.ToolChoiceNone:
		return map[string]any{"type": "none"}
	case relay.ToolChoiceRequired:
		return map[string]any{"type": "any"}
	case relay.ToolChoiceNamed:
		return map[string]any{"type": "tool", "name": tc.Name}
	default:
		return nil
	}
}
