package openai

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/converterutil"
)

// ParseResponse decodes a chat.completion body. Only the first choice is read.
func ParseResponse(body []byte) (*converter.Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse OpenAI response: %w", err)
	}

	out := &converter.Response{ID: resp.ID, Model: resp.Model}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Text = choice.Message.Content
		out.Reasoning = choice.Message.ReasoningContent
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, converter.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: argumentsOrEmpty(tc.Function.Arguments),
			})
		}
		if choice.FinishReason != "" {
			out.StopReason = converter.StopReasonFromOpenAI(choice.FinishReason)
		}
	}
	if resp.Usage != nil {
		out.Usage = converter.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	} else {
		out.EstimateUsage()
	}
	return out, nil
}

// BuildResponse renders resp as a chat.completion body reported under model.
func BuildResponse(resp *converter.Response, model string) *Response {
	id := resp.ID
	if id == "" {
		id = converterutil.GenerateID()
	}
	msg := ResponseMessage{Role: "assistant", Content: resp.Text, ReasoningContent: resp.Reasoning}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: ToolFunction{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return &Response{
		ID:      id,
		Object:  "chat.completion",
		Created: converterutil.GetCurrentTimestamp(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: converter.OpenAIFinishReason(resp.FinishReason()),
		}},
		Usage: usageOf(resp.Usage),
	}
}

func usageOf(u converter.Usage) *Usage {
	return &Usage{PromptTokens: u.InputTokens, CompletionTokens: u.OutputTokens, TotalTokens: u.Total()}
}

// WriteStreamResponse writes an already complete response as a
// chat.completion.chunk SSE sequence terminated by [DONE].
func WriteStreamResponse(w io.Writer, resp *converter.Response, model string) error {
	id := resp.ID
	if id == "" {
		id = converterutil.GenerateID()
	}
	sw := NewStreamWriter(w, id, model)

	if err := sw.Write(StreamDelta{Role: "assistant"}, nil, nil); err != nil {
		return err
	}
	if resp.Reasoning != "" {
		if err := sw.Write(StreamDelta{ReasoningContent: resp.Reasoning}, nil, nil); err != nil {
			return err
		}
	}
	if resp.Text != "" {
		if err := sw.Write(StreamDelta{Content: resp.Text}, nil, nil); err != nil {
			return err
		}
	}
	for i, tc := range resp.ToolCalls {
		delta := StreamDelta{ToolCalls: []StreamToolCall{{
			Index:    i,
			ID:       tc.ID,
			Type:     "function",
			Function: &StreamToolFunction{Name: tc.Name, Arguments: tc.Arguments},
		}}}
		if err := sw.Write(delta, nil, nil); err != nil {
			return err
		}
	}

	reason := converter.OpenAIFinishReason(resp.FinishReason())
	if err := sw.Write(StreamDelta{}, &reason, usageOf(resp.Usage)); err != nil {
		return err
	}
	return sw.Done()
}

// StreamWriter emits chat.completion.chunk events sharing one id and timestamp.
type StreamWriter struct {
	w       io.Writer
	ID      string
	model   string
	created int64
}

// NewStreamWriter creates a chunk writer. An empty id is generated.
func NewStreamWriter(w io.Writer, id, model string) *StreamWriter {
	if id == "" {
		id = converterutil.GenerateID()
	}
	return &StreamWriter{w: w, ID: id, model: model, created: converterutil.GetCurrentTimestamp()}
}

// Write marshals one chunk and writes it as an SSE data line.
func (s *StreamWriter) Write(delta StreamDelta, finishReason *string, usage *Usage) error {
	chunk := StreamChunk{
		ID:      s.ID,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []StreamChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
		Usage:   usage,
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to marshal streaming chunk: %w", err)
	}
	_, err = fmt.Fprintf(s.w, "data: %s\n\n", data)
	return err
}

// Done writes the [DONE] terminator.
func (s *StreamWriter) Done() error {
	_, err := io.WriteString(s.w, "data: [DONE]\n\n")
	return err
}
