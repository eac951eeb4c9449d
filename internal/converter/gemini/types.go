// Package gemini builds generateContent requests for the Gemini API and
// Vertex AI and decodes their responses.
package gemini

import "google.golang.org/genai"

// Request is the generateContent request body shared by Gemini and Vertex.
type Request struct {
	Contents          []*genai.Content        `json:"contents"`
	GenerationConfig  *genai.GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *genai.Content          `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool           `json:"tools,omitempty"`
}
