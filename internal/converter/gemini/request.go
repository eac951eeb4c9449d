package gemini

import (
	"encoding/json"

	"google.golang.org/genai"

	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/converterutil"
)

// BuildRequest renders a neutral request as a generateContent body.
// Tool results are sent as function responses named after the tool_use they
// answer; results that are not JSON objects are wrapped as {"output": text}.
func BuildRequest(req *converter.ChatRequest) *Request {
	out := &Request{Contents: make([]*genai.Content, 0, len(req.Messages))}

	if req.System != "" {
		out.SystemInstruction = &genai.Content{Role: "user", Parts: []*genai.Part{{Text: req.System}}}
	}

	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		var parts []*genai.Part
		for _, p := range m.Parts {
			if part := toPart(req, p); part != nil {
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			continue
		}
		out.Contents = append(out.Contents, &genai.Content{Role: role, Parts: parts})
	}

	out.GenerationConfig = generationConfig(req)

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if len(t.Schema) > 0 {
				var schema map[string]any
				if err := json.Unmarshal(t.Schema, &schema); err == nil {
					decl.ParametersJsonSchema = schema
				}
			}
			decls = append(decls, decl)
		}
		out.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return out
}

func toPart(req *converter.ChatRequest, p converter.Part) *genai.Part {
	switch p.Type {
	case converter.PartText:
		if p.Text == "" {
			return nil
		}
		return &genai.Part{Text: p.Text}
	case converter.PartImage:
		if p.Data != "" {
			data := converterutil.DecodeBase64(p.Data)
			if data == nil {
				return nil
			}
			return &genai.Part{InlineData: &genai.Blob{MIMEType: p.MediaType, Data: data}}
		}
		return &genai.Part{FileData: &genai.FileData{FileURI: p.URL, MIMEType: p.MediaType}}
	case converter.PartToolUse:
		var args map[string]any
		if err := json.Unmarshal([]byte(p.Arguments), &args); err != nil {
			args = map[string]any{}
		}
		return &genai.Part{FunctionCall: &genai.FunctionCall{ID: p.ToolUseID, Name: p.ToolName, Args: args}}
	case converter.PartToolResult:
		name := req.ToolNameByID(p.ToolUseID)
		if name == "" {
			name = "tool_result"
		}
		var response map[string]any
		if err := json.Unmarshal([]byte(p.Text), &response); err != nil || response == nil {
			response = map[string]any{"output": p.Text}
		}
		return &genai.Part{FunctionResponse: &genai.FunctionResponse{ID: p.ToolUseID, Name: name, Response: response}}
	}
	return nil
}

func generationConfig(req *converter.ChatRequest) *genai.GenerationConfig {
	if req.Temperature == nil && req.TopP == nil && req.MaxTokens == 0 && len(req.StopSequences) == 0 {
		return nil
	}
	cfg := &genai.GenerationConfig{StopSequences: req.StopSequences}
	if req.Temperature != nil {
		v := float32(*req.Temperature)
		cfg.Temperature = &v
	}
	if req.TopP != nil {
		v := float32(*req.TopP)
		cfg.TopP = &v
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return cfg
}
