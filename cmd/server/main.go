package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mixaill76/auto_ai_gateway/internal/config"
	"github.com/mixaill76/auto_ai_gateway/internal/httputil"
	"github.com/mixaill76/auto_ai_gateway/internal/logger"
	"github.com/mixaill76/auto_ai_gateway/internal/startup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Query the health endpoint of a running gateway and exit")
	flag.Parse()

	if envFile, err := config.LoadEnvFile("."); err != nil {
		slog.Error("Failed to load .env file", "path", envFile, "error", err)
		os.Exit(1)
	} else if envFile != "" {
		slog.Info("Loaded environment file", "path", envFile)
	}

	watcher, err := config.NewWatcher(*configPath, nil)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := watcher.Get()

	if *healthcheck {
		os.Exit(runHealthcheck(cfg))
	}

	log := logger.NewWithFormat(cfg.Server.LoggingLevel, cfg.Server.LoggingFormat, os.Stdout)
	slog.SetDefault(log)
	watcher.SetLogger(log)

	log.Info("Starting auto_ai_gateway",
		"logging_level", cfg.Server.LoggingLevel,
		"logging_format", cfg.Server.LoggingFormat,
		"port", cfg.Server.Port,
		"default_provider", cfg.Server.DefaultProvider,
	)
	config.PrintConfig(log, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startup.ValidateOutboundProxiesAtStartup(ctx, cfg, log)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize gateway", "error", err)
		os.Exit(1)
	}

	watcher.OnChange(a.apply)
	if err := watcher.Watch(ctx); err != nil {
		log.Warn("Config hot reload disabled", "error", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case err := <-serveErr:
		log.Error("Server failed", "error", err)
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		exitCode = 1
	}
	if err := watcher.Close(); err != nil {
		log.Warn("Failed to stop config watcher", "error", err)
	}
	a.close(shutdownCtx)

	log.Info("Server shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// runHealthcheck queries the local health endpoint. It returns the process
// exit code: 0 when the gateway reports healthy or degraded.
func runHealthcheck(cfg *config.Config) int {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Server.Port, cfg.Monitoring.HealthCheckPath)
	if err := checkHealth(context.Background(), &http.Client{Timeout: 5 * time.Second}, url); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func checkHealth(ctx context.Context, client *http.Client, url string) error {
	var resp httputil.HealthResponse
	if err := httputil.FetchJSON(ctx, client, url, "", logger.Discard(), &resp); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.Status == httputil.HealthStatusUnhealthy {
		return fmt.Errorf("gateway is %s", resp.Status)
	}
	return nil
}
