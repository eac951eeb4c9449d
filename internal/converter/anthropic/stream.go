package anthropic

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/openai"
)

type (
	streamMessage struct {
		ID           string          `json:"id"`
		Type         string          `json:"type"`
		Role         string          `json:"role"`
		Model        string          `json:"model"`
		Content      []ResponseBlock `json:"content"`
		StopReason   *string         `json:"stop_reason"`
		StopSequence *string         `json:"stop_sequence"`
		Usage        Usage           `json:"usage"`
	}

	streamDelta struct {
		Type         string  `json:"type,omitempty"`
		Text         *string `json:"text,omitempty"`
		PartialJSON  *string `json:"partial_json,omitempty"`
		StopReason   string  `json:"stop_reason,omitempty"`
		StopSequence *string `json:"stop_sequence,omitempty"`
	}

	streamEvent struct {
		Type         string         `json:"type"`
		Message      *streamMessage `json:"message,omitempty"`
		Index        *int           `json:"index,omitempty"`
		ContentBlock *ResponseBlock `json:"content_block,omitempty"`
		Delta        *streamDelta   `json:"delta,omitempty"`
		Usage        *Usage         `json:"usage,omitempty"`
	}
)

func writeEvent(w io.Writer, ev streamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal stream event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// WriteStreamResponse writes an already complete response as a Messages SSE
// sequence: message_start, exactly one text block (also when the text is
// empty), one tool_use block per tool call whose single input_json_delta
// carries the whole arguments, message_delta and message_stop.
func WriteStreamResponse(w io.Writer, resp *converter.Response, model string) error {
	empty := ""
	start := streamEvent{
		Type: "message_start",
		Message: &streamMessage{
			ID:      messageID(resp.ID),
			Type:    "message",
			Role:    "assistant",
			Model:   model,
			Content: []ResponseBlock{},
			Usage:   Usage{InputTokens: resp.Usage.InputTokens},
		},
	}
	if err := writeEvent(w, start); err != nil {
		return err
	}

	text := resp.Text
	events := blockEvents(0,
		ResponseBlock{Type: "text", Text: &empty},
		streamDelta{Type: "text_delta", Text: &text},
	)
	for i, tc := range resp.ToolCalls {
		args := string(toolInput(tc.Arguments))
		events = append(events, blockEvents(i+1,
			ResponseBlock{Type: "tool_use", ID: toolID(tc.ID), Name: tc.Name, Input: json.RawMessage(`{}`)},
			streamDelta{Type: "input_json_delta", PartialJSON: &args},
		)...)
	}
	events = append(events,
		streamEvent{
			Type:  "message_delta",
			Delta: &streamDelta{StopReason: resp.FinishReason()},
			Usage: &Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
		},
		streamEvent{Type: "message_stop"},
	)

	for _, ev := range events {
		if err := writeEvent(w, ev); err != nil {
			return err
		}
	}
	return nil
}

func blockEvents(index int, block ResponseBlock, delta streamDelta) []streamEvent {
	return []streamEvent{
		{Type: "content_block_start", Index: &index, ContentBlock: &block},
		{Type: "content_block_delta", Index: &index, Delta: &delta},
		{Type: "content_block_stop", Index: &index},
	}
}

// StreamToOpenAI reads a Messages SSE stream from r and writes the equivalent
// chat.completion.chunk stream to w. Tool arguments are forwarded as they
// arrive. The usage reported by the stream is returned.
func StreamToOpenAI(r io.Reader, w io.Writer, model string) (converter.Usage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		usage   converter.Usage
		sw      *openai.StreamWriter
		inTool  bool
		toolIdx = -1
	)
	writer := func() *openai.StreamWriter {
		if sw == nil {
			sw = openai.NewStreamWriter(w, "", model)
		}
		return sw
	}

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var event sdk.MessageStreamEventUnion
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		var err error
		switch event.Type {
		case "message_start":
			usage.InputTokens = int(event.Message.Usage.InputTokens)
			sw = openai.NewStreamWriter(w, event.Message.ID, model)
			err = sw.Write(openai.StreamDelta{Role: "assistant"}, nil, nil)

		case "content_block_start":
			inTool = event.ContentBlock.Type == "tool_use"
			if inTool {
				toolIdx++
				err = writer().Write(openai.StreamDelta{ToolCalls: []openai.StreamToolCall{{
					Index:    toolIdx,
					ID:       event.ContentBlock.ID,
					Type:     "function",
					Function: &openai.StreamToolFunction{Name: event.ContentBlock.Name},
				}}}, nil, nil)
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					err = writer().Write(openai.StreamDelta{Content: event.Delta.Text}, nil, nil)
				}
			case "thinking_delta":
				if event.Delta.Thinking != "" {
					err = writer().Write(openai.StreamDelta{ReasoningContent: event.Delta.Thinking}, nil, nil)
				}
			case "input_json_delta":
				if inTool && event.Delta.PartialJSON != "" {
					err = writer().Write(openai.StreamDelta{ToolCalls: []openai.StreamToolCall{{
						Index:    toolIdx,
						Function: &openai.StreamToolFunction{Arguments: event.Delta.PartialJSON},
					}}}, nil, nil)
				}
			}

		case "content_block_stop":
			inTool = false

		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(event.Usage.OutputTokens)
			}
			if event.Delta.StopReason != "" {
				reason := converter.OpenAIFinishReason(string(event.Delta.StopReason))
				err = writer().Write(openai.StreamDelta{}, &reason, &openai.Usage{
					PromptTokens:     usage.InputTokens,
					CompletionTokens: usage.OutputTokens,
					TotalTokens:      usage.Total(),
				})
			}
		}
		if err != nil {
			return usage, err
		}
	}
	if err := scanner.Err(); err != nil {
		return usage, fmt.Errorf("anthropic stream scanner error: %w", err)
	}
	return usage, writer().Done()
}
