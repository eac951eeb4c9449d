package openai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/converterutil"
)

// ErrInvalidRequest is returned for bodies that are not a chat request.
var ErrInvalidRequest = errors.New("invalid chat completions request")

// ParseRequest reads a Chat Completions body into the neutral form.
// System and developer messages become the system prompt; tool messages
// become tool_result parts of a user turn, merged when consecutive.
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
		Model:  root.Get("model").String(),
		Stream: root.Get("stream").Bool(),
	}
	if v := root.Get("max_completion_tokens"); v.Exists() {
		req.MaxTokens = int(v.Int())
	} else if v := root.Get("max_tokens"); v.Exists() {
		req.MaxTokens = int(v.Int())
	}
	if v := root.Get("temperature"); v.Type == gjson.Number {
		f := v.Float()
		req.Temperature = &f
	}
	if v := root.Get("top_p"); v.Type == gjson.Number {
		f := v.Float()
		req.TopP = &f
	}
	if stop := root.Get("stop"); stop.Type == gjson.String {
		req.StopSequences = []string{stop.String()}
	} else if stop.IsArray() {
		for _, s := range stop.Array() {
			req.StopSequences = append(req.StopSequences, s.String())
		}
	}

	var system []string
	for _, m := range messages.Array() {
		switch role := m.Get("role").String(); role {
		case "system", "developer":
			if text := converterutil.TextFromContent(m.Get("content")); text != "" {
				system = append(system, text)
			}
		case "user":
			req.Messages = append(req.Messages, converter.Message{Role: "user", Parts: contentParts(m.Get("content"))})
		case "assistant":
			parts := contentParts(m.Get("content"))
			for _, tc := range m.Get("tool_calls").Array() {
				parts = append(parts, converter.Part{
					Type:      converter.PartToolUse,
					ToolUseID: tc.Get("id").String(),
					ToolName:  tc.Get("function.name").String(),
					Arguments: argumentsOrEmpty(tc.Get("function.arguments").String()),
				})
			}
			req.Messages = append(req.Messages, converter.Message{Role: "assistant", Parts: parts})
		case "tool":
			part := converter.Part{
				Type:      converter.PartToolResult,
				ToolUseID: m.Get("tool_call_id").String(),
				Text:      converterutil.TextFromContent(m.Get("content")),
			}
			if n := len(req.Messages); n > 0 && isToolResultTurn(req.Messages[n-1]) {
				req.Messages[n-1].Parts = append(req.Messages[n-1].Parts, part)
				continue
			}
			req.Messages = append(req.Messages, converter.Message{Role: "user", Parts: []converter.Part{part}})
		}
	}
	req.System = strings.Join(system, "\n")

	for _, t := range root.Get("tools").Array() {
		fn := t.Get("function")
		if !fn.Exists() {
			continue
		}
		tool := converter.Tool{Name: fn.Get("name").String(), Description: fn.Get("description").String()}
		if params := fn.Get("parameters"); params.Exists() {
			tool.Schema = json.RawMessage(params.Raw)
		}
		req.Tools = append(req.Tools, tool)
	}
	return req, nil
}

func isToolResultTurn(m converter.Message) bool {
	if m.Role != "user" || len(m.Parts) == 0 {
		return false
	}
	for _, p := range m.Parts {
		if p.Type != converter.PartToolResult {
			return false
		}
	}
	return true
}

func contentParts(content gjson.Result) []converter.Part {
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
			if text := block.Get("text").String(); text != "" {
				parts = append(parts, converter.Part{Type: converter.PartText, Text: text})
			}
		case "image_url":
			url := block.Get("image_url.url").String()
			if url == "" {
				continue
			}
			if mediaType, data, ok := converterutil.ParseDataURL(url); ok {
				parts = append(parts, converter.Part{Type: converter.PartImage, MediaType: mediaType, Data: data})
			} else {
				parts = append(parts, converter.Part{Type: converter.PartImage, URL: url})
			}
		}
	}
	return parts
}

func argumentsOrEmpty(args string) string {
	if strings.TrimSpace(args) == "" {
		return "{}"
	}
	return args
}

// BuildRequest renders a neutral request as a Chat Completions body for model.
func BuildRequest(req *converter.ChatRequest, model string) *Request {
	if model == "" {
		model = req.Model
	}
	out := &Request{
		Model:       model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if req.MaxTokens > 0 {
		n := req.MaxTokens
		out.MaxTokens = &n
	}
	if req.Stream {
		out.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	if req.System != "" {
		out.Messages = append(out.Messages, Message{Role: "system", Content: req.System})
	}

	for _, m := range req.Messages {
		if m.Role == "assistant" {
			msg := Message{Role: "assistant", Content: m.Text()}
			for _, p := range m.ToolUses() {
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:       p.ToolUseID,
					Type:     "function",
					Function: ToolFunction{Name: p.ToolName, Arguments: argumentsOrEmpty(p.Arguments)},
				})
			}
			out.Messages = append(out.Messages, msg)
			continue
		}

		for _, p := range m.ToolResults() {
			out.Messages = append(out.Messages, Message{Role: "tool", ToolCallID: p.ToolUseID, Content: p.Text})
		}
		if content := userContent(m.Parts); content != nil {
			out.Messages = append(out.Messages, Message{Role: "user", Content: content})
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, Tool{
			Type:     "function",
			Function: FunctionDef{Name: t.Name, Description: t.Description, Parameters: t.Schema},
		})
	}
	return out
}

// userContent returns a plain string for text-only turns, parts when images
// are present and nil when nothing but tool results remain.
func userContent(parts []converter.Part) any {
	var content []ContentPart
	hasImage := false
	for _, p := range parts {
		switch p.Type {
		case converter.PartText:
			content = append(content, ContentPart{Type: "text", Text: p.Text})
		case converter.PartImage:
			hasImage = true
			url := p.URL
			if url == "" {
				url = "data:" + p.MediaType + ";base64," + p.Data
			}
			content = append(content, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}})
		}
	}
	if len(content) == 0 {
		return nil
	}
	if hasImage {
		return content
	}
	var sb strings.Builder
	for _, c := range content {
		sb.WriteString(c.Text)
	}
	return sb.String()
}
