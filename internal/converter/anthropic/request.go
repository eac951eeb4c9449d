package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/converterutil"
)

// ErrInvalidRequest is returned for bodies that are not a Messages request.
var ErrInvalidRequest = errors.New("invalid messages request")

// ParseRequest reads a Messages API body into the neutral form.
func ParseRequest(body []byte) (*converter.ChatRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not JSON", ErrInvalidRequest)
	}
	root := gjson.ParseBytes(body)
	messages := root.Get("messages")
	if !messages.IsArray() {
		return nil, fmt.Errorf("%w: messages must be an array", ErrInvalidRequest)
	}

	req := &converter.ChatRequest{
		Model:     root.Get("model").String(),
		System:    converterutil.TextFromContent(root.Get("system")),
		MaxTokens: int(root.Get("max_tokens").Int()),
		Stream:    root.Get("stream").Bool(),
	}
	if v := root.Get("temperature"); v.Type == gjson.Number {
		f := v.Float()
		req.Temperature = &f
	}
	if v := root.Get("top_p"); v.Type == gjson.Number {
		f := v.Float()
		req.TopP = &f
	}
	for _, s := range root.Get("stop_sequences").Array() {
		req.StopSequences = append(req.StopSequences, s.String())
	}

	for _, m := range messages.Array() {
		role := m.Get("role").String()
		if role != "assistant" {
			role = "user"
		}
		req.Messages = append(req.Messages, converter.Message{Role: role, Parts: blockParts(m.Get("content"))})
	}

	for _, t := range root.Get("tools").Array() {
		tool := converter.Tool{Name: t.Get("name").String(), Description: t.Get("description").String()}
		if schema := t.Get("input_schema"); schema.Exists() {
			tool.Schema = json.RawMessage(schema.Raw)
		}
		req.Tools = append(req.Tools, tool)
	}
	return req, nil
}

func blockParts(content gjson.Result) []converter.Part {
	if content.Type == gjson.String {
		if content.String() == "" {
			return nil
		}
		return []converter.Part{{Type: converter.PartText, Text: content.String()}}
	}
	var parts []converter.Part
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, converter.Part{Type: converter.PartText, Text: block.Get("text").String()})
		case "image":
			src := block.Get("source")
			parts = append(parts, converter.Part{
				Type:      converter.PartImage,
				MediaType: src.Get("media_type").String(),
				Data:      src.Get("data").String(),
				URL:       src.Get("url").String(),
			})
		case "tool_use":
			args := "{}"
			if input := block.Get("input"); input.Exists() {
				args = input.Raw
			}
			parts = append(parts, converter.Part{
				Type:      converter.PartToolUse,
				ToolUseID: block.Get("id").String(),
				ToolName:  block.Get("name").String(),
				Arguments: args,
			})
		case "tool_result":
			parts = append(parts, converter.Part{
				Type:      converter.PartToolResult,
				ToolUseID: block.Get("tool_use_id").String(),
				Text:      converterutil.TextFromContent(block.Get("content")),
				IsError:   block.Get("is_error").Bool(),
			})
		}
	}
	return parts
}

// BuildRequest renders a neutral request as a Messages API body for model.
// Consecutive turns of the same role are merged and max_tokens defaults to
// converter.DefaultMaxTokens.
func BuildRequest(req *converter.ChatRequest, model string) *Request {
	if model == "" {
		model = req.Model
	}
	out := &Request{
		Model:         model,
		System:        req.System,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = converter.DefaultMaxTokens
	}

	for _, m := range req.Messages {
		blocks := contentBlocks(m.Parts)
		if len(blocks) == 0 {
			continue
		}
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == m.Role {
			out.Messages[n-1].Content = append(out.Messages[n-1].Content, blocks...)
			continue
		}
		out.Messages = append(out.Messages, Message{Role: m.Role, Content: blocks})
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, Tool{Name: t.Name, Description: t.Description, InputSchema: CleanSchema(t.Schema)})
	}
	return out
}

func contentBlocks(parts []converter.Part) []ContentBlock {
	var blocks []ContentBlock
	for _, p := range parts {
		switch p.Type {
		case converter.PartText:
			if strings.TrimSpace(p.Text) != "" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: p.Text})
			}
		case converter.PartImage:
			src := &MediaSource{Type: "base64", MediaType: p.MediaType, Data: p.Data}
			if p.Data == "" {
				src = &MediaSource{Type: "url", URL: p.URL}
			}
			blocks = append(blocks, ContentBlock{Type: "image", Source: src})
		case converter.PartToolUse:
			input := json.RawMessage(p.Arguments)
			if !json.Valid(input) {
				input = json.RawMessage(`{}`)
			}
			blocks = append(blocks, ContentBlock{Type: "tool_use", ID: p.ToolUseID, Name: p.ToolName, Input: input})
		case converter.PartToolResult:
			blocks = append(blocks, ContentBlock{Type: "tool_result", ToolUseID: p.ToolUseID, Content: p.Text, IsError: p.IsError})
		}
	}
	return blocks
}
