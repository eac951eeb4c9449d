// Package credential holds the credential model and the per-provider pool.
//
// A credential's Secret and Status are closed unions: every variant is a
// distinct struct type and consumers dispatch with a type switch.
package credential

import (
	"fmt"
	"strings"
	"time"
)

// ProviderType identifies an upstream AI provider family.
type ProviderType string

const (
	ProviderKiro      ProviderType = "kiro"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderGemini    ProviderType = "gemini"
	ProviderVertex    ProviderType = "vertex"
)

// KnownProviders lists every provider the gateway can dispatch to.
var KnownProviders = []ProviderType{
	ProviderKiro,
	ProviderAnthropic,
	ProviderOpenAI,
	ProviderGemini,
	ProviderVertex,
}

// ParseProviderType maps a provider name (case-insensitive) onto a ProviderType.
// A few aliases used by clients are accepted ("claude" for anthropic,
// "google" for gemini, "codewhisperer" for kiro).
func ParseProviderType(name string) (ProviderType, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "kiro", "codewhisperer", "claude-kiro-oauth":
		return ProviderKiro, true
	case "anthropic", "claude":
		return ProviderAnthropic, true
	case "openai":
		return ProviderOpenAI, true
	case "gemini", "google":
		return ProviderGemini, true
	case "vertex", "vertex_ai", "vertex-ai":
		return ProviderVertex, true
	default:
		return "", false
	}
}

// Secret is the authorization material of a credential.
// Implemented by APIKeySecret, OAuthSecret and VertexSecret only.
type Secret interface {
	isSecret()
	// Kind names the variant for logs and health output.
	Kind() string
}

// APIKeySecret is a vendor API key plus the base URL it is valid for.
type APIKeySecret struct {
	APIKey  string
	BaseURL string
}

// OAuthSecret is an OAuth session (Kiro / CodeWhisperer style).
type OAuthSecret struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	// AuthMethod is "social" or "builder-id" for Kiro sessions.
	AuthMethod   string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Region       string
	ProfileARN   string
}

// VertexSecret is a Google service account bound to a project/location.
type VertexSecret struct {
	ProjectID       string
	Location        string
	CredentialsJSON string
	CredentialsFile string
}

func (APIKeySecret) isSecret() {}
func (OAuthSecret) isSecret()  {}
func (VertexSecret) isSecret() {}

func (APIKeySecret) Kind() string { return "api_key" }
func (OAuthSecret) Kind() string  { return "oauth" }
func (VertexSecret) Kind() string { return "vertex" }

// Status is the lifecycle state of a credential.
// Exactly one of Active, Cooldown or Unhealthy.
type Status interface {
	isStatus()
	String() string
}

// Active credentials are eligible for selection.
type Active struct{}

// Cooldown suspends a credential until the given instant.
type Cooldown struct {
	Until time.Time
}

// Unhealthy credentials failed too many times in a row.
type Unhealthy struct {
	Reason string
}

func (Active) isStatus()    {}
func (Cooldown) isStatus()  {}
func (Unhealthy) isStatus() {}

func (Active) String() string { return "active" }
func (c Cooldown) String() string {
	return fmt.Sprintf("cooldown(until=%s)", c.Until.Format(time.RFC3339))
}
func (u Unhealthy) String() string {
	return fmt.Sprintf("unhealthy(%s)", u.Reason)
}

// StatusName returns the bare name of a status ("active", "cooldown", "unhealthy").
func StatusName(s Status) string {
	switch s.(type) {
	case Active:
		return "active"
	case Cooldown:
		return "cooldown"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// IsAvailable reports whether a status allows selection.
func IsAvailable(s Status) bool {
	_, ok := s.(Active)
	return ok
}

// Stats are the usage counters of a credential.
type Stats struct {
	TotalRequests       uint64
	SuccessRequests     uint64
	ConsecutiveFailures uint64
	LastLatency         time.Duration
	LastUsed            time.Time
}

// Credential is a point-in-time copy of a pool entry.
// Mutating it has no effect on the pool.
type Credential struct {
	ID       string
	Name     string
	Provider ProviderType
	Secret   Secret
	ProxyURL string
	Status   Status
	Stats    Stats
}

// Spec is the immutable registration data of a credential.
type Spec struct {
	ID       string
	Name     string
	Provider ProviderType
	Secret   Secret
	ProxyURL string
}
