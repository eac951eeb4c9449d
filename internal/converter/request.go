package converter

import (
	"encoding/json"
	"strings"
)

// PartType tags the variant carried by a Part.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// Part is one piece of message content. Only the fields of its Type are set.
type Part struct {
	Type PartType
	Text string

	// image
	MediaType string
	Data      string // base64
	URL       string

	// tool_use / tool_result
	ToolUseID string
	ToolName  string
	Arguments string // JSON object text
	IsError   bool
}

// Message is one conversation turn. Role is "user" or "assistant".
type Message struct {
	Role  string
	Parts []Part
}

// Text joins the text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use parts of the message.
func (m Message) ToolUses() []Part {
	return m.partsOf(PartToolUse)
}

// ToolResults returns the tool_result parts of the message.
func (m Message) ToolResults() []Part {
	return m.partsOf(PartToolResult)
}

func (m Message) partsOf(t PartType) []Part {
	var out []Part
	for _, p := range m.Parts {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// Tool is a function the model may call.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ChatRequest is a caller request in provider-neutral form.
type ChatRequest struct {
	Model         string
	System        string
	Messages      []Message
	Tools         []Tool
	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	StopSequences []string
	Stream        bool
}

// DefaultMaxTokens is used when the caller did not send a limit.
const DefaultMaxTokens = 4096

// PromptText concatenates everything the model reads: system prompt,
// message text, tool arguments, tool results and tool definitions.
func (r *ChatRequest) PromptText() string {
	var sb strings.Builder
	sb.WriteString(r.System)
	for _, m := range r.Messages {
		for _, p := range m.Parts {
			switch p.Type {
			case PartText, PartToolResult:
				sb.WriteString(p.Text)
			case PartToolUse:
				sb.WriteString(p.ToolName)
				sb.WriteString(p.Arguments)
			}
		}
	}
	for _, t := range r.Tools {
		sb.WriteString(t.Name)
		sb.WriteString(t.Description)
		sb.Write(t.Schema)
	}
	return sb.String()
}

// ToolNameByID finds the name of the tool_use with the given id.
func (r *ChatRequest) ToolNameByID(id string) string {
	for _, m := range r.Messages {
		for _, p := range m.Parts {
			if p.Type == PartToolUse && p.ToolUseID == id {
				return p.ToolName
			}
		}
	}
	return ""
}
