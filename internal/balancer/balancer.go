// Package balancer owns one credential pool per provider, picks a credential
// for every request, binds it to an HTTP client and feeds outcomes back into
// the pool status.
package balancer

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/mixaill76/auto_ai_gateway/internal/credential"
	"github.com/mixaill76/auto_ai_gateway/internal/httputil"
	"github.com/mixaill76/auto_ai_gateway/internal/logger"
	"github.com/mixaill76/auto_ai_gateway/internal/monitoring"
	"github.com/mixaill76/auto_ai_gateway/internal/risk"
	"github.com/mixaill76/auto_ai_gateway/internal/utils"
)

var (
	// ErrEmptyPool means the provider was never registered.
	ErrEmptyPool = errors.New("no credential pool for provider")
	// ErrNoAvailableCredential means every credential is in cooldown or unhealthy.
	ErrNoAvailableCredential = errors.New("no available credential")
	// ErrCredentialNotFound wraps a failure to build the credential's HTTP client.
	ErrCredentialNotFound = errors.New("credential client unavailable")
)

const DefaultFailureThreshold = 3

// Options configures a LoadBalancer.
type Options struct {
	Strategy         Strategy
	FailureThreshold int
	GlobalProxy      string
	ClientConfig     *httputil.HTTPClientConfig
	ClientCacheSize  int
}

// Selection is a credential bound to a ready HTTP client.
type Selection struct {
	Credential credential.Credential
	Client     *http.Client
	// ProxyURL is the egress used by Client, empty for direct.
	ProxyURL string
}

type LoadBalancer struct {
	pools    *haxmap.Map[string, *credential.Pool]
	counters *haxmap.Map[string, *atomic.Uint64]
	clients  *httputil.ClientCache
	risk     *risk.Controller

	mu               sync.RWMutex
	strategy         Strategy
	failureThreshold int
	globalProxy      string

	metrics *monitoring.Metrics
	logger  *slog.Logger
	now     utils.Clock
}

// New creates a balancer. riskCtl may be nil, in which case a controller
// with default cooldown settings is used.
func New(opts Options, riskCtl *risk.Controller) (*LoadBalancer, error) {
	clients, err := httputil.NewClientCache(opts.ClientConfig, opts.ClientCacheSize)
	if err != nil {
		return nil, err
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyRoundRobin
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.GlobalProxy != "" {
		if _, err := httputil.ParseProxyURL(opts.GlobalProxy); err != nil {
			return nil, fmt.Errorf("global proxy: %w", err)
		}
	}
	if riskCtl == nil {
		riskCtl = risk.NewController(risk.DefaultCooldownConfig(), nil)
	}
	return &LoadBalancer{
		pools:            haxmap.New[string, *credential.Pool](),
		counters:         haxmap.New[string, *atomic.Uint64](),
		clients:          clients,
		risk:             riskCtl,
		strategy:         opts.Strategy,
		failureThreshold: opts.FailureThreshold,
		globalProxy:      opts.GlobalProxy,
		metrics:          monitoring.New(false),
		logger:           logger.Discard(),
		now:              utils.NowUTC,
	}, nil
}

// SetLogger sets the logger for the balancer
func (b *LoadBalancer) SetLogger(log *slog.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = log
}

// SetMetrics sets the metrics sink
func (b *LoadBalancer) SetMetrics(m *monitoring.Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

// SetClock replaces the time source used for cooldown decisions.
func (b *LoadBalancer) SetClock(c utils.Clock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = c.OrDefault()
}

func (b *LoadBalancer) SetStrategy(s Strategy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strategy = s
}

func (b *LoadBalancer) SetFailureThreshold(n int) {
	if n <= 0 {
		n = DefaultFailureThreshold
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureThreshold = n
}

// SetGlobalProxy sets the proxy used by credentials that have none.
// An empty value means direct connections.
func (b *LoadBalancer) SetGlobalProxy(proxyURL string) error {
	if proxyURL != "" {
		if _, err := httputil.ParseProxyURL(proxyURL); err != nil {
			return fmt.Errorf("global proxy: %w", err)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globalProxy = proxyURL
	return nil
}

// Risk returns the risk controller fed by ReportRateLimit.
func (b *LoadBalancer) Risk() *risk.Controller {
	return b.risk
}

func (b *LoadBalancer) settings() (Strategy, int, string, *monitoring.Metrics, *slog.Logger, utils.Clock) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.strategy, b.failureThreshold, b.globalProxy, b.metrics, b.logger, b.now
}

// RegisterPool installs pool for its provider, replacing any previous one.
func (b *LoadBalancer) RegisterPool(pool *credential.Pool) {
	key := string(pool.Provider())
	b.pools.Set(key, pool)
	b.counters.GetOrCompute(key, func() *atomic.Uint64 { return new(atomic.Uint64) })
}

// GetPool returns the pool of provider.
func (b *LoadBalancer) GetPool(provider credential.ProviderType) (*credential.Pool, bool) {
	return b.pools.Get(string(provider))
}

// RemovePool drops the pool of provider together with its rotation counter.
func (b *LoadBalancer) RemovePool(provider credential.ProviderType) bool {
	key := string(provider)
	if _, ok := b.pools.Get(key); !ok {
		return false
	}
	b.pools.Del(key)
	b.counters.Del(key)
	return true
}

// Providers lists registered providers in name order.
func (b *LoadBalancer) Providers() []credential.ProviderType {
	var out []credential.ProviderType
	b.pools.ForEach(func(k string, _ *credential.Pool) bool {
		out = append(out, credential.ProviderType(k))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Refresh revives credentials whose cooldown has expired.
func (b *LoadBalancer) Refresh(provider credential.ProviderType) []string {
	pool, ok := b.GetPool(provider)
	if !ok {
		return nil
	}
	_, _, _, metrics, log, now := b.settings()
	revived := pool.RefreshCooldowns(now())
	for _, id := range revived {
		log.Info("Credential cooldown expired", "provider", provider, "credential", id)
		metrics.RecordStatusTransition(string(provider), id, "cooldown", "active")
	}
	return revived
}

// Select returns an Active credential of provider using the configured strategy.
func (b *LoadBalancer) Select(provider credential.ProviderType) (credential.Credential, error) {
	return b.selectExcluding(provider, nil)
}

func (b *LoadBalancer) selectExcluding(provider credential.ProviderType, exclude map[string]struct{}) (credential.Credential, error) {
	strategy, _, _, metrics, _, now := b.settings()

	pool, ok := b.GetPool(provider)
	if !ok {
		metrics.RecordSelectionRejected(string(provider), "empty_pool")
		return credential.Credential{}, fmt.Errorf("%w: %s", ErrEmptyPool, provider)
	}
	b.Refresh(provider)

	available := pool.Available()
	candidates := available[:0]
	for _, c := range available {
		if _, skip := exclude[c.ID]; skip {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		metrics.RecordSelectionRejected(string(provider), "no_available_credential")
		return credential.Credential{}, fmt.Errorf("%w: %s", ErrNoAvailableCredential, provider)
	}

	counter, _ := b.counters.GetOrCompute(string(provider), func() *atomic.Uint64 { return new(atomic.Uint64) })
	return pick(strategy, candidates, counter, now()), nil
}

// SelectWithClient selects a credential and binds its HTTP client.
func (b *LoadBalancer) SelectWithClient(provider credential.ProviderType) (Selection, error) {
	return b.SelectWithClientExcluding(provider, nil)
}

// SelectWithClientExcluding is SelectWithClient skipping the given credential ids.
func (b *LoadBalancer) SelectWithClientExcluding(provider credential.ProviderType, exclude map[string]struct{}) (Selection, error) {
	cred, err := b.selectExcluding(provider, exclude)
	if err != nil {
		return Selection{}, err
	}
	return b.Bind(cred)
}

// Bind attaches an HTTP client to cred: its own proxy, else the global proxy,
// else a direct connection.
func (b *LoadBalancer) Bind(cred credential.Credential) (Selection, error) {
	_, _, globalProxy, _, log, _ := b.settings()

	proxyURL := cred.ProxyURL
	if proxyURL == "" {
		proxyURL = globalProxy
	}
	client, err := b.clients.Get(proxyURL)
	if err != nil {
		log.Error("Failed to build credential client",
			"provider", cred.Provider,
			"credential", cred.Name,
			"error", err,
		)
		return Selection{Credential: cred}, fmt.Errorf("%w: credential %s: %w", ErrCredentialNotFound, cred.ID, err)
	}
	return Selection{Credential: cred, Client: client, ProxyURL: proxyURL}, nil
}

// SelectWithFailover keeps selecting until a credential with a working client
// is found. maxAttempts <= 0 means one attempt per Active credential.
func (b *LoadBalancer) SelectWithFailover(provider credential.ProviderType, maxAttempts int) (Selection, error) {
	return b.SelectWithFailoverExcluding(provider, maxAttempts, make(map[string]struct{}))
}

// SelectWithFailoverExcluding is SelectWithFailover skipping the ids in
// tried. Every credential it picks is added to tried, including those whose
// client could not be built.
func (b *LoadBalancer) SelectWithFailoverExcluding(provider credential.ProviderType, maxAttempts int, tried map[string]struct{}) (Selection, error) {
	pool, ok := b.GetPool(provider)
	if !ok {
		return Selection{}, fmt.Errorf("%w: %s", ErrEmptyPool, provider)
	}
	if maxAttempts <= 0 {
		b.Refresh(provider)
		maxAttempts = max(len(pool.Available()), 1)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cred, err := b.selectExcluding(provider, tried)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		tried[cred.ID] = struct{}{}

		sel, err := b.Bind(cred)
		if err == nil {
			return sel, nil
		}
		lastErr = err
	}
	return Selection{}, lastErr
}

// Report records the outcome of a request made with credential id.
// Returns true if the credential's status changed.
func (b *LoadBalancer) Report(provider credential.ProviderType, id string, success bool, latency time.Duration) bool {
	_, threshold, _, metrics, log, now := b.settings()

	pool, ok := b.GetPool(provider)
	if !ok {
		return false
	}

	var from, to string
	changed := false
	cred, err := pool.Mutate(id, func(s *credential.State) {
		s.Stats.TotalRequests++
		s.Stats.LastLatency = latency
		s.Stats.LastUsed = now()
		from = credential.StatusName(s.Status)

		if success {
			s.Stats.SuccessRequests++
			s.Stats.ConsecutiveFailures = 0
			if _, unhealthy := s.Status.(credential.Unhealthy); unhealthy {
				s.Status = credential.Active{}
				changed = true
			}
		} else {
			s.Stats.ConsecutiveFailures++
			_, already := s.Status.(credential.Unhealthy)
			if !already && s.Stats.ConsecutiveFailures >= uint64(threshold) {
				s.Status = credential.Unhealthy{
					Reason: fmt.Sprintf("%d consecutive failures", s.Stats.ConsecutiveFailures),
				}
				changed = true
			}
		}
		to = credential.StatusName(s.Status)
	})
	if err != nil {
		log.Debug("Report for unknown credential", "provider", provider, "credential", id)
		return false
	}

	if success {
		b.risk.RecordSuccess(id)
	}
	if changed {
		log.Warn("Credential status changed",
			"provider", provider,
			"credential", cred.Name,
			"from", from,
			"to", cred.Status.String(),
		)
		metrics.RecordStatusTransition(string(provider), id, from, to)
	}
	return changed
}

// MarkCooldown suspends a credential until the given instant, replacing
// whatever status it had.
func (b *LoadBalancer) MarkCooldown(provider credential.ProviderType, id string, until time.Time) error {
	return b.setStatus(provider, id, credential.Cooldown{Until: until})
}

// MarkActive makes a credential selectable again.
func (b *LoadBalancer) MarkActive(provider credential.ProviderType, id string) error {
	return b.setStatus(provider, id, credential.Active{})
}

func (b *LoadBalancer) setStatus(provider credential.ProviderType, id string, status credential.Status) error {
	_, _, _, metrics, log, _ := b.settings()

	pool, ok := b.GetPool(provider)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEmptyPool, provider)
	}
	var from string
	_, err := pool.Mutate(id, func(s *credential.State) {
		from = credential.StatusName(s.Status)
		s.Status = status
		if _, active := status.(credential.Active); active {
			s.Stats.ConsecutiveFailures = 0
		}
	})
	if err != nil {
		return err
	}
	to := credential.StatusName(status)
	if from != to {
		log.Info("Credential status set", "provider", provider, "credential", id, "status", status.String())
		metrics.RecordStatusTransition(string(provider), id, from, to)
	}
	return nil
}

// ReportRateLimit lets the risk controller size a cooldown for the event and
// puts the credential into it. Returns the applied cooldown.
func (b *LoadBalancer) ReportRateLimit(provider credential.ProviderType, event risk.RateLimitEvent) (time.Duration, error) {
	_, _, _, metrics, log, now := b.settings()

	if event.Timestamp.IsZero() {
		event.Timestamp = now()
	}
	cooldown := b.risk.RecordRateLimit(event)
	level := b.risk.RiskLevel(event.CredentialID)

	log.Warn("Credential rate limited",
		"provider", provider,
		"credential", event.CredentialID,
		"cooldown", cooldown,
		"risk_level", level.String(),
	)
	metrics.RecordRateLimit(string(provider), event.CredentialID, cooldown, int(level))

	if err := b.MarkCooldown(provider, event.CredentialID, event.Timestamp.Add(cooldown)); err != nil {
		return cooldown, err
	}
	return cooldown, nil
}

// Snapshot returns the credentials of provider after reviving expired cooldowns.
func (b *LoadBalancer) Snapshot(provider credential.ProviderType) []credential.Credential {
	pool, ok := b.GetPool(provider)
	if !ok {
		return nil
	}
	b.Refresh(provider)
	return pool.Snapshot()
}

// FindCredential looks a credential up by exact name, then exact id, across all pools.
func (b *LoadBalancer) FindCredential(key string) (credential.Credential, bool) {
	providers := b.Providers()
	for _, p := range providers {
		pool, _ := b.GetPool(p)
		if c, ok := pool.FindByName(key); ok {
			return c, true
		}
	}
	for _, p := range providers {
		pool, _ := b.GetPool(p)
		if c, ok := pool.Get(key); ok {
			return c, true
		}
	}
	return credential.Credential{}, false
}

// Sync reconciles the registered pools with a freshly loaded credential set.
// Providers absent from specs lose their pool.
func (b *LoadBalancer) Sync(specs map[credential.ProviderType][]credential.Spec) error {
	_, _, _, _, log, _ := b.settings()

	for provider, list := range specs {
		pool, ok := b.GetPool(provider)
		if !ok {
			p, err := credential.NewPool(provider, list...)
			if err != nil {
				return fmt.Errorf("provider %s: %w", provider, err)
			}
			b.RegisterPool(p)
			log.Info("Credential pool registered", "provider", provider, "credentials", len(list))
			continue
		}
		added, removed, err := pool.Sync(list)
		if err != nil {
			return fmt.Errorf("provider %s: %w", provider, err)
		}
		if added > 0 || removed > 0 {
			log.Info("Credential pool updated", "provider", provider, "added", added, "removed", removed)
		}
	}
	for _, provider := range b.Providers() {
		if _, keep := specs[provider]; !keep {
			b.RemovePool(provider)
			log.Info("Credential pool removed", "provider", provider)
		}
	}
	return nil
}
