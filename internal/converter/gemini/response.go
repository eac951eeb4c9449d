package gemini

import (
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/converterutil"
)

// ParseResponse decodes a generateContent body. Only the first candidate is
// read; thought parts become Reasoning.
func ParseResponse(body []byte) (*converter.Response, error) {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse Gemini response: %w", err)
	}

	out := &converter.Response{ID: resp.ResponseID, Model: resp.ModelVersion}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				switch {
				case part.Thought:
					out.Reasoning += part.Text
				case part.FunctionCall != nil:
					out.ToolCalls = append(out.ToolCalls, toolCall(part.FunctionCall))
				default:
					out.Text += part.Text
				}
			}
		}
		out.StopReason = stopReason(cand.FinishReason)
	}

	if meta := resp.UsageMetadata; meta != nil {
		out.Usage = converter.Usage{
			InputTokens:  int(meta.PromptTokenCount + meta.ToolUsePromptTokenCount),
			OutputTokens: int(meta.CandidatesTokenCount + meta.ThoughtsTokenCount),
		}
	} else {
		out.EstimateUsage()
	}
	return out, nil
}

func toolCall(fc *genai.FunctionCall) converter.ToolCall {
	args := "{}"
	if fc.Args != nil {
		if data, err := json.Marshal(fc.Args); err == nil {
			args = string(data)
		}
	}
	id := fc.ID
	if id == "" {
		id = converterutil.GenerateToolUseID()
	}
	return converter.ToolCall{ID: id, Name: fc.Name, Arguments: args}
}

func stopReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonMaxTokens:
		return converter.StopMaxTokens
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		return converter.StopRefusal
	case "":
		return ""
	default:
		return converter.StopEndTurn
	}
}
