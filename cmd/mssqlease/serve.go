package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mssqlease "github.com/joao-brasil/mssql-ease"
	"github.com/joao-brasil/mssql-ease/internal/config"
	"github.com/joao-brasil/mssql-ease/internal/errs"
	"github.com/joao-brasil/mssql-ease/internal/health"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Keep warm pools for the configured connections and serve metrics and health",
		Long: `Opens one pool per connection named in --config, serves Prometheus
metrics on server.metrics_port and health checks on server.health_check_port,
and drains every pool on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings(v)
			if err != nil {
				return err
			}
			if len(settings.Connections) == 0 {
				return errs.Config("serve needs at least one connection in the configuration file")
			}
			return serve(cmd.Context(), settings)
		},
	}
}

func serve(ctx context.Context, settings *config.Config) error {
	names := settings.ConnectionNames()
	log.Printf("[main] Configuration loaded: %d connections", len(names))

	m, coord, cleanup, err := newManager(ctx, settings)
	if err != nil {
		return err
	}

	// ─── Aquecimento dos pools ───────────────────────────────────────
	targets := make(map[string]mssqlease.Config, len(names))
	for _, name := range names {
		cfg, _ := settings.Connection(name)
		targets[name] = cfg
		log.Printf("[main]   Connection %s → %s:%d/%s", name, cfg.Server, cfg.Port, cfg.Database)

		conn, err := m.Connect(ctx, cfg)
		if err != nil {
			log.Printf("[main]   Connection %s unavailable: %v", name, err)
			continue
		}
		if err := conn.Release(ctx); err != nil {
			log.Printf("[main]   Connection %s release error: %v", name, err)
		}
	}
	for _, s := range m.Stats() {
		log.Printf("[main]   Pool %s: idle=%d, active=%d, max=%d", poolLabel(s.Key), s.Idle, s.Active, s.Max)
	}

	// ─── Métricas ─────────────────────────────────────────────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", settings.Server.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", settings.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Health checks ───────────────────────────────────────────────
	var checker *health.Checker
	if coord != nil {
		checker = health.NewChecker(m, targets, coord, coord.InstanceID())
	} else {
		checker = health.NewChecker(m, targets, nil, "")
	}
	healthServer := checker.Serve(settings.Server.HealthCheckPort)
	log.Printf("[main] Health check server listening on :%d/health", settings.Server.HealthCheckPort)

	log.Println("[main] Running initial health check...")
	logReport(checker.Check(ctx))

	if every := settings.Server.HealthCheckInterval; every > 0 {
		go func() {
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if report := checker.Check(ctx); report.Status != health.StatusHealthy {
						logReport(report)
					}
				}
			}
		}()
	}

	// ─── Graceful Shutdown ───────────────────────────────────────────
	log.Println("[main] Ready. Waiting for shutdown signal...")
	<-ctx.Done()
	log.Println("[main] Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}
	cleanup()

	log.Println("[main] Shutdown complete.")
	return nil
}

func logReport(report *health.HealthReport) {
	for _, comp := range report.Components {
		status := "✅"
		if comp.Status == health.StatusUnhealthy {
			status = "❌"
		}
		log.Printf("[main]   %s %s: %s (latency: %s)", status, comp.Name, comp.Message, comp.Latency)
	}
	log.Printf("[main] Overall health: %s", report.Status)
}

// poolLabel is the metrics label of the pool with the given identity.
func poolLabel(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
