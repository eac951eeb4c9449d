// Package proxy dispatches caller requests to upstream providers: it picks
// credentials through the balancer, fails over sequentially, feeds outcomes
// back into pool and risk state and writes the reply in the caller's format.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mixaill76/auto_ai_gateway/internal/auth"
	"github.com/mixaill76/auto_ai_gateway/internal/balancer"
	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/kiro"
	"github.com/mixaill76/auto_ai_gateway/internal/credential"
	"github.com/mixaill76/auto_ai_gateway/internal/logger"
	"github.com/mixaill76/auto_ai_gateway/internal/monitoring"
	"github.com/mixaill76/auto_ai_gateway/internal/risk"
	"github.com/mixaill76/auto_ai_gateway/internal/telemetry"
	"github.com/mixaill76/auto_ai_gateway/internal/utils"
)

// ResponseBodyMultiplier scales MaxBodySizeMB for upstream response bodies.
const ResponseBodyMultiplier = 20

// DefaultAnthropicVersion is sent to Anthropic upstreams.
const DefaultAnthropicVersion = "2023-06-01"

// Options configures a Dispatcher.
type Options struct {
	// MaxAttempts bounds failover per request; <= 0 means one attempt per
	// Active credential.
	MaxAttempts   int
	MaxBodySizeMB int
	// KiroEndpoint is the generateAssistantResponse URL template (%s = region).
	KiroEndpoint string
	// VertexBaseURL replaces the regional Vertex AI origin when set.
	VertexBaseURL    string
	AnthropicVersion string
}

func (o Options) withDefaults() Options {
	if o.MaxBodySizeMB <= 0 {
		o.MaxBodySizeMB = 10
	}
	if o.KiroEndpoint == "" {
		o.KiroEndpoint = kiro.Endpoint
	}
	if o.AnthropicVersion == "" {
		o.AnthropicVersion = DefaultAnthropicVersion
	}
	return o
}

// Request is one caller chat request ready for dispatch.
type Request struct {
	ID       string
	Provider credential.ProviderType
	// CredentialID pins the request to one credential; no failover happens.
	CredentialID string
	// Format is the caller's wire protocol.
	Format   converter.Format
	Endpoint string
	// Body is the raw caller body; Chat is the same request parsed.
	Body   []byte
	Chat   *converter.ChatRequest
	Header http.Header
}

type Dispatcher struct {
	balancer *balancer.LoadBalancer
	tokens   *auth.TokenManager

	mu        sync.RWMutex
	opts      Options
	mapper    *converter.ModelMapper
	telemetry telemetry.Emitter
	metrics   *monitoring.Metrics
	logger    *slog.Logger
	now       utils.Clock
}

func New(bal *balancer.LoadBalancer, tokens *auth.TokenManager, opts Options) *Dispatcher {
	if tokens == nil {
		tokens = auth.NewTokenManager(nil)
	}
	return &Dispatcher{
		balancer:  bal,
		tokens:    tokens,
		opts:      opts.withDefaults(),
		mapper:    converter.NewModelMapper(nil),
		telemetry: telemetry.Nop{},
		metrics:   monitoring.New(false),
		logger:    logger.Discard(),
		now:       utils.NowUTC,
	}
}

func (d *Dispatcher) SetLogger(log *slog.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger = log
}

func (d *Dispatcher) SetMetrics(m *monitoring.Metrics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = m
}

func (d *Dispatcher) SetTelemetry(e telemetry.Emitter) {
	if e == nil {
		e = telemetry.Nop{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.telemetry = e
}

// SetMapper installs the model alias table applied before dispatch.
func (d *Dispatcher) SetMapper(m *converter.ModelMapper) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mapper = m
}

func (d *Dispatcher) SetClock(c utils.Clock) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = c.OrDefault()
}

// SetOptions replaces the options, used on config reload.
func (d *Dispatcher) SetOptions(opts Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts = opts.withDefaults()
}

type deps struct {
	opts      Options
	mapper    *converter.ModelMapper
	telemetry telemetry.Emitter
	metrics   *monitoring.Metrics
	logger    *slog.Logger
	now       utils.Clock
}

func (d *Dispatcher) deps() deps {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return deps{d.opts, d.mapper, d.telemetry, d.metrics, d.logger, d.now}
}

// usageInfo is the token accounting collected from one reply.
type usageInfo struct {
	converter.Usage
	Estimated              bool
	CreditUsage            float64
	ContextUsagePercentage float64
	ContextInputTokens     int
}

func (u usageInfo) known() bool {
	return u.InputTokens > 0 || u.OutputTokens > 0 || u.Estimated
}

// job is one logical request driven through the failover loop.
type job struct {
	id           string
	provider     credential.ProviderType
	credentialID string
	endpoint     string
	model        string
	format       converter.Format
	stream       bool
	header       http.Header

	build   func(ctx context.Context, cred credential.Credential, cfg CallConfig) (*http.Request, error)
	respond func(ctx context.Context, w http.ResponseWriter, resp *http.Response) (usageInfo, error)
}

// upstreamError is a non-2xx reply kept to pass through once failover ends.
type upstreamError struct {
	status int
	header http.Header
	body   []byte
}

type attemptResult struct {
	status    int
	err       error
	upstream  *upstreamError
	usage     usageInfo
	retry     bool
	cancelled bool
	// written is set once anything reached the caller.
	written bool
}

// errBadUpstreamRequest marks failures to build the upstream request, which
// no other credential can fix.
var errBadUpstreamRequest = errors.New("cannot build upstream request")

func (d *Dispatcher) run(w http.ResponseWriter, r *http.Request, j *job) {
	dp := d.deps()
	ctx := r.Context()
	start := dp.now()

	maxAttempts := d.attemptsFor(j, dp.opts)
	tried := make(map[string]struct{}, maxAttempts)

	var (
		res      attemptResult
		sel      balancer.Selection
		attempts int
		selErr   error
	)
	for attempts < maxAttempts {
		s, err := d.selectCredential(j, tried)
		if err != nil {
			selErr = err
			break
		}
		sel = s
		tried[sel.Credential.ID] = struct{}{}
		if attempts > 0 {
			dp.metrics.RecordFailover(string(j.provider))
			dp.logger.Info("Retrying request on another credential",
				"request_id", j.id,
				"provider", j.provider,
				"credential", sel.Credential.Name,
				"attempt", attempts+1,
			)
		}
		attempts++

		res = d.attempt(ctx, w, j, sel, dp)
		if res.cancelled || res.written || !res.retry {
			break
		}
	}

	record := telemetry.RequestRecord{
		RequestID:      j.id,
		Timestamp:      start,
		Provider:       string(j.provider),
		CredentialID:   sel.Credential.ID,
		CredentialName: sel.Credential.Name,
		Model:          j.model,
		Endpoint:       j.endpoint,
		CallerFormat:   string(j.format),
		Stream:         j.stream,
		StatusCode:     res.status,
		Duration:       dp.now().Sub(start),
		Retries:        max(attempts-1, 0),
	}

	switch {
	case attempts == 0:
		res.err = selErr
		status, _ := StatusForError(selErr)
		record.StatusCode = status
		WriteDispatchError(w, selErr)
	case res.cancelled:
		dp.logger.Debug("Request cancelled by caller", "request_id", j.id, "provider", j.provider)
	case res.written:
	case res.upstream != nil:
		writeUpstreamError(w, res.upstream)
	case res.err != nil:
		status, _ := StatusForError(res.err)
		if errors.Is(res.err, errBadUpstreamRequest) {
			status = http.StatusBadRequest
			WriteErrorBadRequest(w, res.err.Error())
		} else {
			WriteDispatchError(w, res.err)
		}
		record.StatusCode = status
	}

	record.Outcome = telemetry.OutcomeFor(record.StatusCode, res.err)
	if res.cancelled {
		record.Outcome = telemetry.OutcomeCancelled
	}
	if res.err != nil {
		record.Error = res.err.Error()
	} else if res.upstream != nil {
		record.Error = truncate(string(res.upstream.body), 512)
	}
	dp.telemetry.RecordRequest(record)

	if record.Outcome == telemetry.OutcomeSuccess && res.usage.known() {
		dp.telemetry.RecordUsage(telemetry.UsageRecord{
			RequestID:              j.id,
			Timestamp:              start,
			Provider:               string(j.provider),
			CredentialID:           sel.Credential.ID,
			Model:                  j.model,
			InputTokens:            res.usage.InputTokens,
			OutputTokens:           res.usage.OutputTokens,
			CreditUsage:            res.usage.CreditUsage,
			ContextUsagePercentage: res.usage.ContextUsagePercentage,
			ContextInputTokens:     res.usage.ContextInputTokens,
			Estimated:              res.usage.Estimated,
		})
	}
}

func (d *Dispatcher) attemptsFor(j *job, opts Options) int {
	if j.credentialID != "" {
		return 1
	}
	if opts.MaxAttempts > 0 {
		return opts.MaxAttempts
	}
	pool, ok := d.balancer.GetPool(j.provider)
	if !ok {
		return 1
	}
	d.balancer.Refresh(j.provider)
	return max(len(pool.Available()), 1)
}

func (d *Dispatcher) selectCredential(j *job, tried map[string]struct{}) (balancer.Selection, error) {
	if j.credentialID == "" {
		return d.balancer.SelectWithFailoverExcluding(j.provider, 0, tried)
	}
	pool, ok := d.balancer.GetPool(j.provider)
	if !ok {
		return balancer.Selection{}, fmt.Errorf("%w: %s", balancer.ErrEmptyPool, j.provider)
	}
	d.balancer.Refresh(j.provider)
	cred, ok := pool.Get(j.credentialID)
	if _, done := tried[j.credentialID]; done || !ok || !credential.IsAvailable(cred.Status) {
		return balancer.Selection{}, fmt.Errorf("%w: credential %s", balancer.ErrNoAvailableCredential, j.credentialID)
	}
	return d.balancer.Bind(cred)
}

// attempt runs one upstream call and reports its outcome. A call whose
// context ends before any status arrived is not reported.
func (d *Dispatcher) attempt(ctx context.Context, w http.ResponseWriter, j *job, sel balancer.Selection, dp deps) attemptResult {
	cred := sel.Credential
	provider := j.provider

	cfg, err := d.callConfig(ctx, sel, j.header, dp.opts)
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{err: ctx.Err(), cancelled: true}
		}
		dp.logger.Warn("Failed to obtain upstream token", "credential", cred.Name, "error", err)
		d.balancer.Report(provider, cred.ID, false, 0)
		return attemptResult{err: err, retry: true}
	}

	req, err := j.build(ctx, cred, cfg)
	if err != nil {
		return attemptResult{err: fmt.Errorf("%w: %w", errBadUpstreamRequest, err)}
	}

	began := dp.now()
	resp, err := cfg.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{err: ctx.Err(), cancelled: true}
		}
		latency := dp.now().Sub(began)
		dp.logger.Error("Upstream request failed",
			"request_id", j.id,
			"credential", cred.Name,
			"url", req.URL.Redacted(),
			"reason", RetryReasonNetErr,
			"error", err,
		)
		d.balancer.Report(provider, cred.ID, false, latency)
		dp.metrics.RecordRequest(string(provider), cred.Name, j.endpoint, http.StatusBadGateway, latency)
		return attemptResult{err: err, retry: true}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(dp.opts.MaxBodySizeMB)*1024*1024))
		latency := dp.now().Sub(began)
		dp.metrics.RecordRequest(string(provider), cred.Name, j.endpoint, resp.StatusCode, latency)
		d.reportUpstreamError(provider, cred, resp, body, latency, dp)

		retry, reason := ShouldRetryWithFallback(resp.StatusCode, body)
		dp.logger.Warn("Upstream returned error",
			"request_id", j.id,
			"credential", cred.Name,
			"status", resp.StatusCode,
			"retry", retry,
			"reason", reason,
			"body", truncate(string(body), 200),
		)
		return attemptResult{
			status:   resp.StatusCode,
			upstream: &upstreamError{status: resp.StatusCode, header: resp.Header, body: body},
			retry:    retry,
		}
	}

	tw := &trackingWriter{ResponseWriter: w}
	usage, err := j.respond(ctx, tw, resp)
	latency := dp.now().Sub(began)
	dp.metrics.RecordRequest(string(provider), cred.Name, j.endpoint, resp.StatusCode, latency)

	if err != nil && !tw.wroteHeader && ctx.Err() == nil {
		dp.logger.Error("Failed to read upstream response", "request_id", j.id, "credential", cred.Name, "error", err)
		d.balancer.Report(provider, cred.ID, false, latency)
		return attemptResult{status: http.StatusBadGateway, err: err, retry: !errors.Is(err, errDecode)}
	}

	// A status was seen, so the call is reported even if the caller left.
	d.balancer.Report(provider, cred.ID, true, latency)
	if ctx.Err() != nil || (err != nil && isClientDisconnectError(err)) {
		return attemptResult{status: resp.StatusCode, err: context.Canceled, cancelled: true, written: tw.wroteHeader}
	}
	if err != nil {
		dp.logger.Warn("Response write failed", "request_id", j.id, "error", err)
	}
	return attemptResult{status: resp.StatusCode, usage: usage, written: true}
}

func (d *Dispatcher) reportUpstreamError(provider credential.ProviderType, cred credential.Credential, resp *http.Response, body []byte, latency time.Duration, dp deps) {
	switch _, reason := ShouldRetryWithFallback(resp.StatusCode, body); {
	case reason == RetryReasonRateLimit || risk.IsRateLimitError(resp.StatusCode, string(scanWindow(body))):
		ev := risk.EventFromResponse(cred.ID, resp.StatusCode, resp.Header, string(body), dp.now())
		if _, err := d.balancer.ReportRateLimit(provider, ev); err != nil {
			dp.logger.Warn("Failed to apply cooldown", "credential", cred.Name, "error", err)
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		d.tokens.Invalidate(cred.ID)
		d.balancer.Report(provider, cred.ID, false, latency)
	case resp.StatusCode >= 500:
		d.balancer.Report(provider, cred.ID, false, latency)
	default:
		// The caller's request was rejected; the credential itself works.
		d.balancer.Report(provider, cred.ID, true, latency)
	}
}

func writeUpstreamError(w http.ResponseWriter, e *upstreamError) {
	copyResponseHeaders(w.Header(), e.header)
	w.WriteHeader(e.status)
	_, _ = w.Write(e.body)
}

// trackingWriter remembers whether the response was started.
type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.wroteHeader = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	t.wroteHeader = true
	return t.ResponseWriter.Write(p)
}

func (t *trackingWriter) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}

func newRequestID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
