package gemini

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mixaill76/auto_ai_gateway/internal/converter"
)

func TestURLs(t *testing.T) {
	assert.Equal(t,
		"https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-pro:generateContent",
		GeminiURL("", "gemini-2.5-pro", false))
	assert.Equal(t,
		"http://local/v1beta/models/g:streamGenerateContent?alt=sse",
		GeminiURL("http://local/", "g", true))
	assert.Equal(t,
		"https://europe-west4-aiplatform.googleapis.com/v1beta1/projects/p/locations/europe-west4/publishers/google/models/gemini-2.5-flash:generateContent",
		VertexURL("p", "europe-west4", "gemini-2.5-flash", false))
	assert.Equal(t,
		"https://aiplatform.googleapis.com/v1beta1/projects/p/locations/global/publishers/anthropic/models/claude-sonnet-4:generateContent",
		VertexURL("p", "global", "claude-sonnet-4", false))
}

func TestBuildRequest(t *testing.T) {
	temp := 0.3
	req := &converter.ChatRequest{
		System:      "sys",
		MaxTokens:   256,
		Temperature: &temp,
		Messages: []converter.Message{
			{Role: "user", Parts: []converter.Part{
				{Type: converter.PartText, Text: "weather"},
				{Type: converter.PartImage, MediaType: "image/png", Data: "aGk="},
			}},
			{Role: "assistant", Parts: []converter.Part{
				{Type: converter.PartToolUse, ToolUseID: "c1", ToolName: "get_weather", Arguments: `{"city":"Oslo"}`},
			}},
			{Role: "user", Parts: []converter.Part{
				{Type: converter.PartToolResult, ToolUseID: "c1", Text: "cold"},
				{Type: converter.PartToolResult, ToolUseID: "zz", Text: `{"t":-3}`},
			}},
			{Role: "user", Parts: []converter.Part{{Type: converter.PartText}}},
		},
		Tools: []converter.Tool{{Name: "get_weather", Description: "w", Schema: json.RawMessage(`{"type":"object"}`)}},
	}

	raw, err := json.Marshal(BuildRequest(req))
	require.NoError(t, err)
	body := gjson.ParseBytes(raw)

	assert.Equal(t, "sys", body.Get("systemInstruction.parts.0.text").String())
	contents := body.Get("contents").Array()
	require.Len(t, contents, 3, "empty turns are dropped")
	assert.Equal(t, "user", contents[0].Get("role").String())
	assert.Equal(t, "image/png", contents[0].Get("parts.1.inlineData.mimeType").String())
	assert.Equal(t, "model", contents[1].Get("role").String())
	assert.Equal(t, "Oslo", contents[1].Get("parts.0.functionCall.args.city").String())
	assert.Equal(t, "get_weather", contents[2].Get("parts.0.functionResponse.name").String())
	assert.Equal(t, "cold", contents[2].Get("parts.0.functionResponse.response.output").String())
	assert.Equal(t, "tool_result", contents[2].Get("parts.1.functionResponse.name").String())
	assert.Equal(t, int64(-3), contents[2].Get("parts.1.functionResponse.response.t").Int())

	assert.Equal(t, int64(256), body.Get("generationConfig.maxOutputTokens").Int())
	assert.InDelta(t, 0.3, body.Get("generationConfig.temperature").Float(), 1e-6)
	assert.Equal(t, "get_weather", body.Get("tools.0.functionDeclarations.0.name").String())
}

func TestBuildRequest_NoConfig(t *testing.T) {
	out := BuildRequest(&converter.ChatRequest{
		Messages: []converter.Message{{Role: "user", Parts: []converter.Part{{Type: converter.PartText, Text: "x"}}}},
	})
	assert.Nil(t, out.GenerationConfig)
	assert.Nil(t, out.SystemInstruction)
	assert.Empty(t, out.Tools)
}

func TestParseResponse(t *testing.T) {
	body := `{
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "thinking...", "thought": true},
				{"text": "It is "},
				{"text": "cold."},
				{"functionCall": {"name": "get_weather", "args": {"city": "Oslo"}}}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5, "thoughtsTokenCount": 2},
		"modelVersion": "gemini-2.5-pro"
	}`
	resp, err := ParseResponse([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "It is cold.", resp.Text)
	assert.Equal(t, "thinking...", resp.Reasoning)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "get_weather", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, resp.ToolCalls[0].Arguments)
	assert.NotEmpty(t, resp.ToolCalls[0].ID)
	assert.Equal(t, converter.Usage{InputTokens: 10, OutputTokens: 7}, resp.Usage)
	assert.Equal(t, converter.StopToolUse, resp.FinishReason())
	assert.Equal(t, "gemini-2.5-pro", resp.Model)
}

func TestParseResponse_FinishReasons(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"candidates":[{"content":{"parts":[{"text":"abcd"}]},"finishReason":"MAX_TOKENS"}]}`))
	require.NoError(t, err)
	assert.Equal(t, converter.StopMaxTokens, resp.FinishReason())
	assert.True(t, resp.Estimated)
	assert.Equal(t, 1, resp.Usage.OutputTokens)

	resp, err = ParseResponse([]byte(`{"candidates":[{"finishReason":"SAFETY"}]}`))
	require.NoError(t, err)
	assert.Equal(t, converter.StopRefusal, resp.FinishReason())

	_, err = ParseResponse([]byte(`{`))
	assert.Error(t, err)
}
