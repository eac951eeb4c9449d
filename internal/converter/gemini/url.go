package gemini

import (
	"fmt"
	"strings"
)

// DefaultGeminiBaseURL is the Google AI Studio endpoint.
const DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

func method(stream bool) string {
	if stream {
		return "streamGenerateContent?alt=sse"
	}
	return "generateContent"
}

// publisher returns the Vertex publisher serving modelID.
func publisher(modelID string) string {
	if strings.Contains(strings.ToLower(modelID), "claude") {
		return "anthropic"
	}
	return "google"
}

// GeminiURL returns {base}/v1beta/models/{model}:generateContent.
func GeminiURL(baseURL, modelID string, stream bool) string {
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	return fmt.Sprintf("%s/v1beta/models/%s:%s", strings.TrimSuffix(baseURL, "/"), modelID, method(stream))
}

// VertexURL returns the publisher model URL for project and location.
// The "global" location has no regional host prefix.
func VertexURL(projectID, location, modelID string, stream bool) string {
	if location == "" {
		location = "us-central1"
	}
	host := location + "-aiplatform.googleapis.com"
	if location == "global" {
		host = "aiplatform.googleapis.com"
	}
	return fmt.Sprintf("https://%s/v1beta1/projects/%s/locations/%s/publishers/%s/models/%s:%s",
		host, projectID, location, publisher(modelID), modelID, method(stream))
}
