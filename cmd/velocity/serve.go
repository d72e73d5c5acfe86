package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/velocity/internal/config"
	"github.com/jkaninda/velocity/internal/gateway"
	"github.com/jkaninda/velocity/internal/gateway/cli"
	"github.com/jkaninda/velocity/internal/gateway/httpapi"
	"github.com/jkaninda/velocity/internal/ratelimit"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session service (HTTP API, CLI)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `velocity --config path` and `velocity serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the worker pool and every enabled gateway.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	logger.Info("starting session service", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopBackground, err := startBackground(ctx, sc)
	if err != nil {
		return err
	}
	defer stopBackground()

	gateways := buildGateways(ctx, cfg, sc)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for a signal or the first gateway to exit.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	logger.Info("session service stopped")
	return nil
}

// buildGateways creates all enabled gateways from config.
func buildGateways(ctx context.Context, cfg *config.Config, sc *SharedComponents) []gateway.Gateway {
	var gws []gateway.Gateway
	gwCfg := cfg.Gateways

	// Default to CLI if no gateways section configured.
	if gwCfg.CLI == nil && gwCfg.HTTP == nil {
		gws = append(gws, cli.NewGateway(sc.Pool, os.Stdin, os.Stdout, sc.Logger))
		sc.Logger.Debug("gateway enabled", slog.String("type", "cli"), slog.String("reason", "default"))
		return gws
	}

	if gwCfg.CLI != nil && gwCfg.CLI.Enabled {
		gws = append(gws, cli.NewGateway(sc.Pool, os.Stdin, os.Stdout, sc.Logger))
		sc.Logger.Debug("gateway enabled", slog.String("type", "cli"))
	}

	if gwCfg.HTTP != nil && gwCfg.HTTP.Enabled {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: gwCfg.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         gwCfg.HTTP.RateLimit.BurstSize,
		})

		listenAddr := gwCfg.HTTP.ListenAddr
		if listenAddr == "" {
			listenAddr = ":8080"
		}
		httpCfg := httpapi.Config{
			ListenAddr:     listenAddr,
			EnableDocs:     gwCfg.HTTP.EnableDocs,
			APIKeys:        gwCfg.HTTP.APIKeyUserMapping,
			MaxRequestSize: gwCfg.HTTP.MaxRequestSizeBytes,
			WebSocket:      gwCfg.HTTP.WebSocket,
		}
		if obs := sc.Obs; obs != nil {
			httpCfg.HealthChecker = obs.Health
			if m := obs.Metrics; m != nil {
				httpCfg.Metrics = m
				httpCfg.MetricsRegistry = m.Registry
				if cfg.Observability.Metrics != nil {
					httpCfg.MetricsPath = cfg.Observability.Metrics.Path
				}
			}
			if ts := obs.TracerOrNil(); ts != nil {
				httpCfg.TracerProvider = ts.Provider()
			}
		}

		gws = append(gws, httpapi.NewGateway(httpCfg, sc.Pool, limiter, sc.Logger))
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "http"),
			slog.String("addr", listenAddr),
			slog.Bool("websocket", gwCfg.HTTP.WebSocket),
		)

		// Idle rate-limit buckets are pruned alongside the HTTP gateway.
		go pruneLimiter(ctx, sc, limiter)
	}

	return gws
}

// pruneLimiter drops rate-limit buckets that have been idle long enough to
// refill completely.
func pruneLimiter(ctx context.Context, sc *SharedComponents, limiter *ratelimit.Limiter) {
	idle := limiter.RefillInterval()
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(max(idle, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Prune(idle); n > 0 {
				sc.Logger.Debug("pruned idle rate limit buckets", slog.Int("count", n))
			}
		}
	}
}
