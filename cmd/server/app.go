package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mixaill76/auto_ai_gateway/internal/auth"
	"github.com/mixaill76/auto_ai_gateway/internal/balancer"
	"github.com/mixaill76/auto_ai_gateway/internal/config"
	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/credential"
	"github.com/mixaill76/auto_ai_gateway/internal/monitoring"
	"github.com/mixaill76/auto_ai_gateway/internal/proxy"
	"github.com/mixaill76/auto_ai_gateway/internal/risk"
	"github.com/mixaill76/auto_ai_gateway/internal/router"
	"github.com/mixaill76/auto_ai_gateway/internal/security"
	"github.com/mixaill76/auto_ai_gateway/internal/telemetry"
)

// app owns the long-lived components and applies configuration to them.
type app struct {
	log        *slog.Logger
	risk       *risk.Controller
	balancer   *balancer.LoadBalancer
	tokens     *auth.TokenManager
	dispatcher *proxy.Dispatcher
	mapper     *converter.ModelMapper
	router     *router.Router
	metrics    *monitoring.Metrics
	recorder   *telemetry.Recorder
	postgres   *telemetry.PostgresWriter

	mu      sync.Mutex
	secrets map[string]credential.Secret
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{
		log:     log,
		metrics: monitoring.New(cfg.Monitoring.PrometheusEnabled),
		mapper:  converter.NewModelMapper(cfg.Aliases()),
		tokens:  auth.NewTokenManager(log),
		secrets: make(map[string]credential.Secret),
	}

	a.risk = risk.NewController(cfg.RiskConfig(), log)
	lb, err := balancer.New(cfg.BalancerOptions(), a.risk)
	if err != nil {
		return nil, fmt.Errorf("failed to create balancer: %w", err)
	}
	lb.SetLogger(log)
	lb.SetMetrics(a.metrics)
	a.balancer = lb

	a.dispatcher = proxy.New(lb, a.tokens, dispatcherOptions(cfg))
	a.dispatcher.SetLogger(log)
	a.dispatcher.SetMetrics(a.metrics)
	a.dispatcher.SetMapper(a.mapper)

	if err := a.startTelemetry(ctx, cfg); err != nil {
		return nil, err
	}

	rtr, err := router.New(a.dispatcher, lb, routerConfig(cfg))
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	rtr.SetLogger(log)
	rtr.SetMapper(a.mapper)
	if cfg.Monitoring.PrometheusEnabled {
		rtr.SetMetrics(a.metrics, promhttp.Handler())
	} else {
		rtr.SetMetrics(a.metrics, nil)
	}
	a.router = rtr

	if err := a.syncCredentials(cfg); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func dispatcherOptions(cfg *config.Config) proxy.Options {
	return proxy.Options{
		MaxAttempts:   cfg.Balancer.MaxAttempts,
		MaxBodySizeMB: cfg.Server.MaxBodySizeMB,
	}
}

func routerConfig(cfg *config.Config) router.Config {
	provider, _ := credential.ParseProviderType(cfg.Server.DefaultProvider)
	return router.Config{
		MasterKey:       cfg.Server.MasterKey,
		DefaultProvider: provider,
		HealthCheckPath: cfg.Monitoring.HealthCheckPath,
		MetricsPath:     cfg.Monitoring.MetricsPath,
		MaxBodySizeMB:   cfg.Server.MaxBodySizeMB,
		ErrorsLogPath:   cfg.Monitoring.ErrorsLogPath,
		AmpUpstreamURL:  cfg.Amp.UpstreamURL,
		AmpAPIKey:       cfg.Amp.APIKey,
	}
}

func (a *app) startTelemetry(ctx context.Context, cfg *config.Config) error {
	if !cfg.Telemetry.Enabled {
		a.dispatcher.SetTelemetry(nil)
		return nil
	}

	var sinks telemetry.MultiSink
	if cfg.Telemetry.LogRecords {
		sinks = append(sinks, telemetry.NewLogSink(a.log))
	}
	if cfg.Telemetry.DatabaseURL != "" {
		pg, err := telemetry.NewPostgresWriter(ctx, cfg.Telemetry.DatabaseURL, cfg.Telemetry.MaxConns, a.log)
		if err != nil {
			return err
		}
		a.postgres = pg
		sinks = append(sinks, pg)
	}

	a.recorder = telemetry.NewRecorder(sinks, cfg.RecorderConfig(), a.log)
	a.recorder.Start()
	a.dispatcher.SetTelemetry(a.recorder)
	return nil
}

// syncCredentials reconciles the pools with cfg and drops cached tokens of
// credentials whose secret changed or that were removed.
func (a *app) syncCredentials(cfg *config.Config) error {
	specs, err := cfg.ToSpecs()
	if err != nil {
		return err
	}
	if err := a.balancer.Sync(specs); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	next := make(map[string]credential.Secret)
	for _, list := range specs {
		for _, s := range list {
			next[s.ID] = s.Secret
			if old, ok := a.secrets[s.ID]; ok && old != s.Secret {
				a.tokens.Forget(s.ID)
			}
			a.log.Info("Credential configured",
				"provider", s.Provider,
				"name", s.Name,
				"id", s.ID,
				"secret", security.DescribeSecret(s.Secret),
			)
		}
	}
	for id := range a.secrets {
		if _, ok := next[id]; !ok {
			a.tokens.Forget(id)
			a.risk.Forget(id)
		}
	}
	a.secrets = maps.Clone(next)
	return nil
}

// apply hot-reloads cfg. Listener, logger and telemetry settings need a
// restart.
func (a *app) apply(cfg *config.Config) {
	strategy, _ := balancer.ParseStrategy(cfg.Balancer.Strategy)
	a.balancer.SetStrategy(strategy)
	a.balancer.SetFailureThreshold(cfg.Balancer.FailureThreshold)
	if err := a.balancer.SetGlobalProxy(cfg.Balancer.GlobalProxy); err != nil {
		a.log.Error("Failed to apply global proxy", "error", err)
	}
	a.risk.SetConfig(cfg.RiskConfig())
	a.mapper.SetAliases(cfg.Aliases())
	a.dispatcher.SetOptions(dispatcherOptions(cfg))

	if err := a.router.Reload(routerConfig(cfg)); err != nil {
		a.log.Error("Failed to apply router settings", "error", err)
	}
	if err := a.syncCredentials(cfg); err != nil {
		a.log.Error("Failed to apply credentials", "error", err)
	}
}

// close flushes telemetry and releases files and connections.
func (a *app) close(ctx context.Context) {
	if a.recorder != nil {
		if err := a.recorder.Shutdown(ctx); err != nil {
			a.log.Error("Telemetry shutdown incomplete", "error", err)
		}
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.router != nil {
		if err := a.router.Close(); err != nil {
			a.log.Error("Failed to close error log", "error", err)
		}
	}
}
