package router

import (
	"net/http"

	"github.com/mixaill76/auto_ai_gateway/internal/credential"
	"github.com/mixaill76/auto_ai_gateway/internal/httputil"
	"github.com/mixaill76/auto_ai_gateway/internal/monitoring"
)

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request, s snapshot) {
	resp := r.healthSummary(s.metrics)
	status := http.StatusOK
	if resp.Status == httputil.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp, s)
}

// healthSummary reports every pool after reviving expired cooldowns. The
// gateway is healthy when every credential is active, degraded when at
// least one provider still has an active credential and unhealthy otherwise.
func (r *Router) healthSummary(metrics *monitoring.Metrics) httputil.HealthResponse {
	resp := httputil.HealthResponse{
		Status:    httputil.HealthStatusHealthy,
		Providers: make(map[string]httputil.ProviderHealth),
	}
	riskCtl := r.balancer.Risk()
	anyActive, allActive := false, true

	for _, p := range r.balancer.Providers() {
		creds := r.balancer.Snapshot(p)
		ph := httputil.ProviderHealth{
			Total:       len(creds),
			Credentials: make([]httputil.CredentialHealth, 0, len(creds)),
		}
		for _, c := range creds {
			ch := httputil.CredentialHealth{
				ID:                  c.ID,
				Name:                c.Name,
				Status:              credential.StatusName(c.Status),
				RiskLevel:           riskCtl.RiskLevel(c.ID).String(),
				TotalRequests:       c.Stats.TotalRequests,
				SuccessRequests:     c.Stats.SuccessRequests,
				ConsecutiveFailures: c.Stats.ConsecutiveFailures,
				LastLatencyMs:       c.Stats.LastLatency.Milliseconds(),
			}
			switch st := c.Status.(type) {
			case credential.Active:
				ph.Active++
			case credential.Cooldown:
				until := st.Until
				ch.CooldownUntil = &until
				ph.Cooldown++
			case credential.Unhealthy:
				ch.Reason = st.Reason
				ph.Unhealthy++
			}
			metrics.UpdateCredentialStatus(string(p), c.Name, ch.Status)
			ph.Credentials = append(ph.Credentials, ch)
		}
		if ph.Active > 0 {
			anyActive = true
		}
		if ph.Active != ph.Total {
			allActive = false
		}
		resp.Providers[string(p)] = ph
	}

	switch {
	case !anyActive:
		resp.Status = httputil.HealthStatusUnhealthy
	case !allActive:
		resp.Status = httputil.HealthStatusDegraded
	}
	return resp
}
