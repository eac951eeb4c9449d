package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_ai_gateway_requests_total",
			Help: "Total number of upstream requests",
		},
		[]string{"provider", "credential", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auto_ai_gateway_requests_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: []float64{1, 10, 30, 60, 120, 240, 600},
		},
		[]string{"provider", "credential", "endpoint"},
	)

	CredentialErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_ai_gateway_credential_errors_total",
			Help: "Total number of failed requests for each credential",
		},
		[]string{"provider", "credential"},
	)

	CredentialStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auto_ai_gateway_credential_status",
			Help: "Current status of each credential (1 for the active status label)",
		},
		[]string{"provider", "credential", "status"},
	)

	CredentialStatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_ai_gateway_credential_status_transitions_total",
			Help: "Total number of credential status transitions",
		},
		[]string{"provider", "credential", "from", "to"},
	)

	RateLimitEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_ai_gateway_rate_limit_events_total",
			Help: "Total number of rate limit responses per credential",
		},
		[]string{"provider", "credential"},
	)

	CredentialCooldownSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auto_ai_gateway_credential_cooldown_seconds",
			Help:    "Cooldown durations applied after rate limits",
			Buckets: []float64{5, 30, 60, 120, 300, 900, 1800, 3600},
		},
		[]string{"provider"},
	)

	CredentialRiskLevel = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auto_ai_gateway_credential_risk_level",
			Help: "Risk level of each credential (0 low, 1 medium, 2 high, 3 critical)",
		},
		[]string{"provider", "credential"},
	)

	CredentialSelectionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_ai_gateway_credential_selection_rejected_total",
			Help: "Total number of times a selection failed",
		},
		[]string{"provider", "reason"},
	)

	FailoverAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_ai_gateway_failover_attempts_total",
			Help: "Total number of retries on another credential within one request",
		},
		[]string{"provider"},
	)
)

var knownStatuses = []string{"active", "cooldown", "unhealthy"}

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) RecordRequest(provider, credential, endpoint string, statusCode int, duration time.Duration) {
	if !m.isEnabled() {
		return
	}

	status := strconv.Itoa(statusCode)
	RequestsTotal.WithLabelValues(provider, credential, endpoint, status).Inc()
	RequestDuration.WithLabelValues(provider, credential, endpoint).Observe(duration.Seconds())

	if statusCode < 200 || statusCode >= 300 {
		CredentialErrorsTotal.WithLabelValues(provider, credential).Inc()
	}
}

// UpdateCredentialStatus sets the status gauge so exactly one status label is 1.
func (m *Metrics) UpdateCredentialStatus(provider, credential, status string) {
	if !m.isEnabled() {
		return
	}
	for _, s := range knownStatuses {
		v := 0.0
		if s == status {
			v = 1.0
		}
		CredentialStatus.WithLabelValues(provider, credential, s).Set(v)
	}
}

func (m *Metrics) RecordStatusTransition(provider, credential, from, to string) {
	if !m.isEnabled() {
		return
	}
	CredentialStatusTransitions.WithLabelValues(provider, credential, from, to).Inc()
	m.UpdateCredentialStatus(provider, credential, to)
}

func (m *Metrics) RecordRateLimit(provider, credential string, cooldown time.Duration, riskLevel int) {
	if !m.isEnabled() {
		return
	}
	RateLimitEvents.WithLabelValues(provider, credential).Inc()
	CredentialCooldownSeconds.WithLabelValues(provider).Observe(cooldown.Seconds())
	CredentialRiskLevel.WithLabelValues(provider, credential).Set(float64(riskLevel))
}

func (m *Metrics) RecordSelectionRejected(provider, reason string) {
	if !m.isEnabled() {
		return
	}
	CredentialSelectionRejected.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) RecordFailover(provider string) {
	if !m.isEnabled() {
		return
	}
	FailoverAttempts.WithLabelValues(provider).Inc()
}
