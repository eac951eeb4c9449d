package openai

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mixaill76/auto_ai_gateway/internal/converter"
)

func TestParseRequest(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"stream": true,
		"max_tokens": 100,
		"max_completion_tokens": 200,
		"temperature": 0.5,
		"stop": "END",
		"messages": [
			{"role": "system", "content": "base"},
			{"role": "developer", "content": [{"type": "text", "text": "dev"}]},
			{"role": "user", "content": [
				{"type": "text", "text": "look"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,AAAA"}},
				{"type": "image_url", "image_url": {"url": "https://x/y.png"}}
			]},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "c1", "type": "function", "function": {"name": "a", "arguments": "{\"x\":1}"}},
				{"id": "c2", "type": "function", "function": {"name": "b", "arguments": ""}}
			]},
			{"role": "tool", "tool_call_id": "c1", "content": "r1"},
			{"role": "tool", "tool_call_id": "c2", "content": "r2"}
		],
		"tools": [{"type": "function", "function": {"name": "a", "description": "A", "parameters": {"type": "object"}}}]
	}`

	req, err := ParseRequest([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", req.Model)
	assert.True(t, req.Stream)
	assert.Equal(t, 200, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.5, *req.Temperature, 1e-9)
	assert.Equal(t, []string{"END"}, req.StopSequences)
	assert.Equal(t, "base\ndev", req.System)

	require.Len(t, req.Messages, 3)
	user := req.Messages[0]
	require.Len(t, user.Parts, 3)
	assert.Equal(t, "image/png", user.Parts[1].MediaType)
	assert.Equal(t, "AAAA", user.Parts[1].Data)
	assert.Equal(t, "https://x/y.png", user.Parts[2].URL)

	uses := req.Messages[1].ToolUses()
	require.Len(t, uses, 2)
	assert.Equal(t, `{"x":1}`, uses[0].Arguments)
	assert.Equal(t, "{}", uses[1].Arguments)

	results := req.Messages[2].ToolResults()
	require.Len(t, results, 2, "consecutive tool messages share one turn")
	assert.Equal(t, "r2", results[1].Text)

	require.Len(t, req.Tools, 1)
	assert.JSONEq(t, `{"type":"object"}`, string(req.Tools[0].Schema))
}

func TestParseRequest_Invalid(t *testing.T) {
	_, err := ParseRequest([]byte(`{"model":`))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = ParseRequest([]byte(`{"model":"x","messages":"nope"}`))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestBuildRequest_RoundTripsThroughParse(t *testing.T) {
	temp := 0.2
	req := &converter.ChatRequest{
		Model:       "claude",
		System:      "sys",
		MaxTokens:   64,
		Temperature: &temp,
		Stream:      true,
		Messages: []converter.Message{
			{Role: "user", Parts: []converter.Part{{Type: converter.PartText, Text: "hi"}}},
			{Role: "assistant", Parts: []converter.Part{
				{Type: converter.PartToolUse, ToolUseID: "t1", ToolName: "f", Arguments: `{"a":1}`},
			}},
			{Role: "user", Parts: []converter.Part{
				{Type: converter.PartToolResult, ToolUseID: "t1", Text: "ok"},
				{Type: converter.PartText, Text: "and?"},
				{Type: converter.PartImage, MediaType: "image/jpeg", Data: "BBBB"},
			}},
		},
		Tools: []converter.Tool{{Name: "f", Schema: json.RawMessage(`{"type":"object"}`)}},
	}

	out := BuildRequest(req, "gpt-4o")
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	body := gjson.ParseBytes(raw)

	assert.Equal(t, "gpt-4o", body.Get("model").String())
	assert.True(t, body.Get("stream_options.include_usage").Bool())
	msgs := body.Get("messages").Array()
	require.Len(t, msgs, 5)
	assert.Equal(t, "system", msgs[0].Get("role").String())
	assert.Equal(t, "hi", msgs[1].Get("content").String())
	assert.Equal(t, "f", msgs[2].Get("tool_calls.0.function.name").String())
	assert.Equal(t, "tool", msgs[3].Get("role").String())
	assert.Equal(t, "t1", msgs[3].Get("tool_call_id").String())
	assert.Equal(t, "data:image/jpeg;base64,BBBB", msgs[4].Get("content.1.image_url.url").String())

	back, err := ParseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "sys", back.System)
	assert.Equal(t, 64, back.MaxTokens)
	assert.Equal(t, req.PromptText(), back.PromptText())
}

func TestParseResponse(t *testing.T) {
	body := `{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"hello","tool_calls":[{"id":"c1","type":"function","function":{"name":"f","arguments":"{}"}}]},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`
	resp, err := ParseResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, converter.StopToolUse, resp.StopReason)
	assert.Equal(t, converter.Usage{InputTokens: 7, OutputTokens: 3}, resp.Usage)
	assert.False(t, resp.Estimated)

	noUsage, err := ParseResponse([]byte(`{"choices":[{"message":{"content":"abcdefgh"},"finish_reason":"length"}]}`))
	require.NoError(t, err)
	assert.Equal(t, converter.StopMaxTokens, noUsage.FinishReason())
	assert.True(t, noUsage.Estimated)
	assert.Equal(t, 2, noUsage.Usage.OutputTokens)

	_, err = ParseResponse([]byte(`nope`))
	assert.Error(t, err)
}

func TestBuildResponse(t *testing.T) {
	resp := &converter.Response{
		Text:      "hi",
		ToolCalls: []converter.ToolCall{{ID: "t1", Name: "f", Arguments: `{"a":1}`}},
		Usage:     converter.Usage{InputTokens: 5, OutputTokens: 2},
	}
	out := BuildResponse(resp, "claude-sonnet-4")
	assert.True(t, strings.HasPrefix(out.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "claude-sonnet-4", out.Model)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "tool_calls", out.Choices[0].FinishReason)
	assert.Equal(t, "f", out.Choices[0].Message.ToolCalls[0].Function.Name)
	assert.Equal(t, 7, out.Usage.TotalTokens)
}

func TestWriteStreamResponse(t *testing.T) {
	resp := &converter.Response{
		Text:      "hello",
		ToolCalls: []converter.ToolCall{{ID: "t1", Name: "f", Arguments: `{"a":1}`}},
		Usage:     converter.Usage{InputTokens: 1, OutputTokens: 2},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteStreamResponse(&buf, resp, "m"))

	var chunks []gjson.Result
	for _, line := range strings.Split(buf.String(), "\n\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		chunks = append(chunks, gjson.Parse(data))
	}
	require.Len(t, chunks, 4)
	assert.True(t, strings.HasSuffix(buf.String(), "data: [DONE]\n\n"))

	id := chunks[0].Get("id").String()
	for _, c := range chunks {
		assert.Equal(t, id, c.Get("id").String())
		assert.Equal(t, "chat.completion.chunk", c.Get("object").String())
	}
	assert.Equal(t, "assistant", chunks[0].Get("choices.0.delta.role").String())
	assert.Equal(t, "hello", chunks[1].Get("choices.0.delta.content").String())
	assert.Equal(t, `{"a":1}`, chunks[2].Get("choices.0.delta.tool_calls.0.function.arguments").String())
	assert.Equal(t, "tool_calls", chunks[3].Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(3), chunks[3].Get("usage.total_tokens").Int())
}

func TestAdaptParams(t *testing.T) {
	tests := []struct {
		name  string
		model string
		body  string
		want  string
	}{
		{"o1 strips sampling", "o1-mini", `{"max_tokens":10,"temperature":1,"presence_penalty":0}`, `{"max_completion_tokens":10}`},
		{"keeps explicit target", "openai/gpt-5", `{"max_tokens":10,"max_completion_tokens":20,"top_p":1}`, `{"max_completion_tokens":20}`},
		{"dotted family", "gpt-5.1-chat", `{"temperature":0.1}`, `{}`},
		{"other model untouched", "gpt-4o", `{"max_tokens":10,"temperature":1}`, `{"max_tokens":10,"temperature":1}`},
		{"o3 prefix only", "o3x", `{"temperature":1}`, `{"temperature":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(AdaptParams(tt.model, []byte(tt.body))))
		})
	}

	invalid := []byte(`{"max_tokens":`)
	assert.Equal(t, invalid, AdaptParams("o1", invalid))
}
