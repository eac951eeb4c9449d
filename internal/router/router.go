package router

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	stdhttputil "net/http/httputil"
	"strings"
	"sync"
	"time"

	"github.com/mixaill76/auto_ai_gateway/internal/balancer"
	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/credential"
	"github.com/mixaill76/auto_ai_gateway/internal/logger"
	"github.com/mixaill76/auto_ai_gateway/internal/monitoring"
	"github.com/mixaill76/auto_ai_gateway/internal/proxy"
	"github.com/mixaill76/auto_ai_gateway/internal/security"
)

const (
	DefaultHealthCheckPath = "/health"
	DefaultMetricsPath     = "/metrics"
	DefaultMaxBodySizeMB   = 10
)

// Config holds the reloadable settings of the router.
type Config struct {
	// MasterKey guards every route except health and metrics. Empty disables
	// inbound auth.
	MasterKey string
	// DefaultProvider serves chat endpoints requested without a selector.
	DefaultProvider credential.ProviderType
	HealthCheckPath string
	// MetricsPath is served only when a metrics handler is set.
	MetricsPath   string
	MaxBodySizeMB int
	ErrorsLogPath string
	// AmpUpstreamURL receives /api/auth/* and /api/user/* requests.
	AmpUpstreamURL string
	AmpAPIKey      string
}

func (c Config) withDefaults() Config {
	if c.DefaultProvider == "" {
		c.DefaultProvider = credential.ProviderKiro
	}
	if c.HealthCheckPath == "" {
		c.HealthCheckPath = DefaultHealthCheckPath
	}
	if c.MetricsPath == "" {
		c.MetricsPath = DefaultMetricsPath
	}
	if c.MaxBodySizeMB <= 0 {
		c.MaxBodySizeMB = DefaultMaxBodySizeMB
	}
	return c
}

// Router is the gateway's http.Handler.
type Router struct {
	dispatcher *proxy.Dispatcher
	balancer   *balancer.LoadBalancer
	resolver   *Resolver
	started    time.Time

	mu             sync.RWMutex
	cfg            Config
	mapper         *converter.ModelMapper
	counter        *converter.TokenCounter
	metrics        *monitoring.Metrics
	metricsHandler http.Handler
	logger         *slog.Logger
	errorLog       *errorLog
	amp            *stdhttputil.ReverseProxy
}

// New creates a router. An invalid Amp upstream URL is an error.
func New(d *proxy.Dispatcher, b *balancer.LoadBalancer, cfg Config) (*Router, error) {
	r := &Router{
		dispatcher: d,
		balancer:   b,
		resolver:   NewResolver(b),
		started:    time.Now(),
		mapper:     converter.NewModelMapper(nil),
		counter:    converter.NewTokenCounter(""),
		metrics:    monitoring.New(false),
		logger:     logger.Discard(),
	}
	if err := r.Reload(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Router) SetLogger(log *slog.Logger) {
	if log == nil {
		log = logger.Discard()
	}
	r.mu.Lock()
	r.logger = log
	r.mu.Unlock()
}

// SetMetrics sets the metrics sink and the handler served on MetricsPath.
func (r *Router) SetMetrics(m *monitoring.Metrics, handler http.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
	r.metricsHandler = handler
}

// SetMapper shares the alias table used by the dispatcher.
func (r *Router) SetMapper(m *converter.ModelMapper) {
	r.mu.Lock()
	r.mapper = m
	r.mu.Unlock()
}

func (r *Router) SetTokenCounter(c *converter.TokenCounter) {
	r.mu.Lock()
	r.counter = c
	r.mu.Unlock()
}

// Reload swaps the router settings. On error the previous settings stay.
func (r *Router) Reload(cfg Config) error {
	cfg = cfg.withDefaults()

	var amp *stdhttputil.ReverseProxy
	if cfg.AmpUpstreamURL != "" {
		var err error
		if amp, err = r.newAmpProxy(cfg.AmpUpstreamURL, cfg.AmpAPIKey); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errorLog == nil || r.errorLog.path != cfg.ErrorsLogPath {
		if err := r.errorLog.Close(); err != nil {
			r.logger.Warn("Failed to close error log", "error", err)
		}
		r.errorLog = newErrorLog(cfg.ErrorsLogPath)
	}
	r.cfg = cfg
	r.amp = amp
	return nil
}

// Close releases the error log file.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorLog.Close()
}

type snapshot struct {
	cfg            Config
	mapper         *converter.ModelMapper
	counter        *converter.TokenCounter
	metrics        *monitoring.Metrics
	metricsHandler http.Handler
	logger         *slog.Logger
	errorLog       *errorLog
	amp            *stdhttputil.ReverseProxy
}

func (r *Router) snapshot() snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot{
		cfg:            r.cfg,
		mapper:         r.mapper,
		counter:        r.counter,
		metrics:        r.metrics,
		metricsHandler: r.metricsHandler,
		logger:         r.logger,
		errorLog:       r.errorLog,
		amp:            r.amp,
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s := r.snapshot()
	path := req.URL.Path

	switch {
	case path == s.cfg.HealthCheckPath:
		r.handleHealth(w, req, s)
		return
	case path == s.cfg.MetricsPath && s.metricsHandler != nil:
		s.metricsHandler.ServeHTTP(w, req)
		return
	}

	if !r.authorize(w, req, s) {
		return
	}

	switch path {
	case "/v1/models":
		r.handleModels(w, req, s)
		return
	case "/v1/routes":
		r.handleRoutes(w, req, s)
		return
	case "/v1/messages/count_tokens":
		r.handleCountTokens(w, req, s)
		return
	case "/v1/messages", "/v1/chat/completions":
		r.handleChat(w, req, s, Target{Provider: s.cfg.DefaultProvider}, path)
		return
	}

	if IsManagementRoute(path) {
		r.handleManagement(w, req, s)
		return
	}

	if route, ok := ParseProviderRoute(path); ok {
		r.handleProviderRoute(w, req, s, route)
		return
	}

	if selector, endpoint, ok := parseSelectorPath(path); ok {
		target, err := r.resolver.Resolve(selector)
		if err != nil {
			s.logger.Warn("Selector unavailable", "selector", selector, "path", path)
			writeSelectorError(w, err)
			return
		}
		if endpoint == "/v1/messages/count_tokens" {
			r.handleCountTokens(w, req, s)
			return
		}
		r.handleChat(w, req, s, target, endpoint)
		return
	}

	proxy.WriteErrorNotFound(w, "Not Found")
}

// authorize checks the master key from "Authorization: Bearer" or
// "X-Api-Key" and writes 401 on mismatch.
func (r *Router) authorize(w http.ResponseWriter, req *http.Request, s snapshot) bool {
	if s.cfg.MasterKey == "" {
		return true
	}
	token := callerKey(req.Header)
	if token == "" {
		s.logger.Warn("Missing API key", "path", req.URL.Path)
		proxy.WriteErrorUnauthorized(w, "Unauthorized: missing API key")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.MasterKey)) != 1 {
		s.logger.Warn("Invalid master key", "path", req.URL.Path, "provided_key_prefix", security.MaskAPIKey(token))
		proxy.WriteErrorUnauthorized(w, "Unauthorized: invalid API key")
		return false
	}
	return true
}

func callerKey(h http.Header) string {
	if auth := h.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(h.Get("X-Api-Key"))
}

func writeSelectorError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrSelectorUnavailable) {
		proxy.WriteJSONError(w, http.StatusServiceUnavailable, err.Error(), proxy.ErrTypeProviderUnavailable)
		return
	}
	proxy.WriteDispatchError(w, err)
}

// readBody reads at most MaxBodySizeMB of the request body. It writes the
// error response itself and returns false on failure.
func readBody(w http.ResponseWriter, req *http.Request, s snapshot) ([]byte, bool) {
	if req.Body == nil {
		return []byte{}, true
	}
	req.Body = http.MaxBytesReader(w, req.Body, int64(s.cfg.MaxBodySizeMB)*1024*1024)
	body, err := captureRequestBody(req)
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		proxy.WriteErrorTooLarge(w, "request body too large")
		return nil, false
	}
	s.logger.Error("Failed to read request body", "error", err)
	proxy.WriteErrorBadRequest(w, "failed to read request body")
	return nil, false
}

// withErrorLog runs serve with a capturing writer when the error log is on.
func withErrorLog(w http.ResponseWriter, req *http.Request, s snapshot, body []byte, serve func(http.ResponseWriter)) {
	if s.errorLog == nil {
		serve(w)
		return
	}
	rc := newResponseCapture(w)
	serve(rc)
	if err := s.errorLog.record(req, rc, body); err != nil {
		s.logger.Warn("Failed to write error log", "path", s.errorLog.path, "error", err)
	}
}
