package httputil

import "time"

// HealthResponse is the JSON body of the /health endpoint.
type HealthResponse struct {
	Status    string                    `json:"status"`
	Providers map[string]ProviderHealth `json:"providers"`
}

// ProviderHealth summarizes one credential pool.
type ProviderHealth struct {
	Total       int                `json:"total"`
	Active      int                `json:"active"`
	Cooldown    int                `json:"cooldown"`
	Unhealthy   int                `json:"unhealthy"`
	Credentials []CredentialHealth `json:"credentials"`
}

// CredentialHealth represents health stats for a single credential.
type CredentialHealth struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Status              string     `json:"status"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	Reason              string     `json:"reason,omitempty"`
	RiskLevel           string     `json:"risk_level"`
	TotalRequests       uint64     `json:"total_requests"`
	SuccessRequests     uint64     `json:"success_requests"`
	ConsecutiveFailures uint64     `json:"consecutive_failures"`
	LastLatencyMs       int64      `json:"last_latency_ms"`
}

// Health statuses.
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
)
