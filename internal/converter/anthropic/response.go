package anthropic

import (
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/converterutil"
)

// ParseResponse decodes a Messages API response body.
func ParseResponse(body []byte) (*converter.Response, error) {
	var msg sdk.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse Anthropic response: %w", err)
	}

	out := &converter.Response{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: converter.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case sdk.TextBlock:
			out.Text += b.Text
		case sdk.ThinkingBlock:
			out.Reasoning += b.Thinking
		case sdk.ToolUseBlock:
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			out.ToolCalls = append(out.ToolCalls, converter.ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}
	return out, nil
}

// BuildResponse renders resp as a Messages API body: one text block, then
// one tool_use block per tool call.
func BuildResponse(resp *converter.Response, model string) *Response {
	text := resp.Text
	blocks := []ResponseBlock{{Type: "text", Text: &text}}
	for _, tc := range resp.ToolCalls {
		blocks = append(blocks, ResponseBlock{
			Type:  "tool_use",
			ID:    toolID(tc.ID),
			Name:  tc.Name,
			Input: toolInput(tc.Arguments),
		})
	}
	return &Response{
		ID:         messageID(resp.ID),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    blocks,
		StopReason: resp.FinishReason(),
		Usage:      Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}
}

func messageID(id string) string {
	if id == "" {
		return converterutil.GenerateMessageID()
	}
	return id
}

func toolID(id string) string {
	if id == "" {
		return converterutil.GenerateToolUseID()
	}
	return id
}

// toolInput returns arguments as a JSON object, or {} if they are not one.
func toolInput(args string) json.RawMessage {
	raw := json.RawMessage(args)
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage(`{}`)
	}
	return raw
}
