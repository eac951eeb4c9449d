package kiro

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mixaill76/auto_ai_gateway/internal/converter"
)

// Endpoint is the upstream URL template; %s is the AWS region.
const Endpoint = "https://codewhisperer.%s.amazonaws.com/generateAssistantResponse"

// ErrNoMessages is returned for a request without conversation turns.
var ErrNoMessages = errors.New("kiro: request has no messages")

// DefaultRegion is used when a credential names none.
const DefaultRegion = "us-east-1"

// EndpointURL returns the generateAssistantResponse URL for region.
func EndpointURL(region string) string {
	if region == "" {
		region = DefaultRegion
	}
	return fmt.Sprintf(Endpoint, region)
}

// modelIDs maps public model names to upstream model ids.
var modelIDs = map[string]string{
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4":            "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-3-7-sonnet":          "CLAUDE_3_7_SONNET_20250219_V1_0",
	"auto":                       "CLAUDE_SONNET_4_20250514_V1_0",
}

// Models returns the public model names with a known upstream id, sorted.
func Models() []string {
	out := make([]string, 0, len(modelIDs))
	for name := range modelIDs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultModelID is sent when the requested model has no upstream id.
const DefaultModelID = "CLAUDE_SONNET_4_20250514_V1_0"

// ModelID returns the upstream id for model. Names that already look like
// upstream ids are passed through.
func ModelID(model string) string {
	if id, ok := modelIDs[strings.ToLower(model)]; ok {
		return id
	}
	if model != "" && strings.ToUpper(model) == model && strings.Contains(model, "_") {
		return model
	}
	return DefaultModelID
}

// Wire types of the generateAssistantResponse request.
type (
	Request struct {
		ConversationState ConversationState `json:"conversationState"`
		ProfileARN        string            `json:"profileArn,omitempty"`
	}

	ConversationState struct {
		ChatTriggerType string         `json:"chatTriggerType"`
		ConversationID  string         `json:"conversationId"`
		CurrentMessage  CurrentMessage `json:"currentMessage"`
		History         []HistoryEntry `json:"history,omitempty"`
	}

	CurrentMessage struct {
		UserInputMessage UserInputMessage `json:"userInputMessage"`
	}

	HistoryEntry struct {
		UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
		AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
	}

	UserInputMessage struct {
		Content                 string                   `json:"content"`
		ModelID                 string                   `json:"modelId"`
		Origin                  string                   `json:"origin"`
		UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
	}

	UserInputMessageContext struct {
		ToolResults []ToolResult `json:"toolResults,omitempty"`
		Tools       []ToolSpec   `json:"tools,omitempty"`
	}

	ToolResult struct {
		Content   []TextContent `json:"content"`
		Status    string        `json:"status"`
		ToolUseID string        `json:"toolUseId"`
	}

	TextContent struct {
		Text string `json:"text"`
	}

	ToolSpec struct {
		ToolSpecification ToolSpecification `json:"toolSpecification"`
	}

	ToolSpecification struct {
		Name        string      `json:"name"`
		Description string      `json:"description"`
		InputSchema InputSchema `json:"inputSchema"`
	}

	InputSchema struct {
		JSON json.RawMessage `json:"json"`
	}

	AssistantResponseMessage struct {
		Content  string    `json:"content"`
		ToolUses []ToolUse `json:"toolUses,omitempty"`
	}

	ToolUse struct {
		ToolUseID string          `json:"toolUseId"`
		Name      string          `json:"name"`
		Input     json.RawMessage `json:"input"`
	}
)

const (
	originEditor      = "AI_EDITOR"
	triggerManual     = "MANUAL"
	continuePrompt    = "Continue"
	toolResultsPrompt = "Tool results provided."
)

// BuildRequest converts a chat request into a generateAssistantResponse body.
// The last user turn becomes the current message; everything before it is
// history. The system prompt is prepended to the first user turn.
func BuildRequest(req *converter.ChatRequest, profileARN string) (*Request, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	modelID := ModelID(req.Model)
	msgs := req.Messages

	// The upstream requires the conversation to end on a user turn.
	last := msgs[len(msgs)-1]
	var history []converter.Message
	if last.Role == "user" {
		history = msgs[:len(msgs)-1]
	} else {
		history = msgs
		last = converter.Message{Role: "user", Parts: []converter.Part{{Type: converter.PartText, Text: continuePrompt}}}
	}

	system := req.System
	entries := make([]HistoryEntry, 0, len(history))
	for _, m := range history {
		if m.Role == "assistant" {
			entries = append(entries, HistoryEntry{AssistantResponseMessage: assistantMessage(m)})
			continue
		}
		u := userMessage(m, modelID, withSystem(&system, m.Text()))
		entries = append(entries, HistoryEntry{UserInputMessage: u})
	}

	current := userMessage(last, modelID, withSystem(&system, last.Text()))
	if len(req.Tools) > 0 {
		if current.UserInputMessageContext == nil {
			current.UserInputMessageContext = &UserInputMessageContext{}
		}
		current.UserInputMessageContext.Tools = toolSpecs(req.Tools)
	}

	return &Request{
		ConversationState: ConversationState{
			ChatTriggerType: triggerManual,
			ConversationID:  uuid.NewString(),
			CurrentMessage:  CurrentMessage{UserInputMessage: *current},
			History:         entries,
		},
		ProfileARN: profileARN,
	}, nil
}

// withSystem prepends the pending system prompt to text once.
func withSystem(system *string, text string) string {
	if *system == "" {
		return text
	}
	out := *system
	if text != "" {
		out += "\n\n" + text
	}
	*system = ""
	return out
}

func userMessage(m converter.Message, modelID, content string) *UserInputMessage {
	u := &UserInputMessage{ModelID: modelID, Origin: originEditor, Content: content}
	results := m.ToolResults()
	if len(results) > 0 {
		ctx := &UserInputMessageContext{}
		for _, r := range results {
			status := "success"
			if r.IsError {
				status = "error"
			}
			ctx.ToolResults = append(ctx.ToolResults, ToolResult{
				Content:   []TextContent{{Text: r.Text}},
				Status:    status,
				ToolUseID: r.ToolUseID,
			})
		}
		u.UserInputMessageContext = ctx
		if u.Content == "" {
			u.Content = toolResultsPrompt
		}
	}
	if u.Content == "" {
		u.Content = continuePrompt
	}
	return u
}

func assistantMessage(m converter.Message) *AssistantResponseMessage {
	a := &AssistantResponseMessage{Content: m.Text()}
	for _, p := range m.ToolUses() {
		input := json.RawMessage(p.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage(`{}`)
		}
		a.ToolUses = append(a.ToolUses, ToolUse{ToolUseID: p.ToolUseID, Name: p.ToolName, Input: input})
	}
	return a
}

func toolSpecs(tools []converter.Tool) []ToolSpec {
	out := make([]ToolSpec, 0, len(tools))
	for _, t := range tools {
		schema := t.Schema
		if len(schema) == 0 || !json.Valid(schema) {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, ToolSpec{ToolSpecification: ToolSpecification{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: InputSchema{JSON: schema},
		}})
	}
	return out
}
