package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/gateway"
	"github.com/jkaninda/kazi/internal/gateway/httpapi"
	"github.com/jkaninda/kazi/internal/ratelimit"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `kazi --config path` and `kazi serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the orchestrator: pool, sessions, dispatch, and the HTTP API.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("KAZI_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}

	logger.Info("starting server", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background maintenance: idle unit sweeper, session reaper, bucket pruning.
	sc.Sweeper.Start()
	defer sc.Sweeper.Stop()
	sc.Reaper.Start()
	defer sc.Reaper.Stop()
	go pruneRateLimiter(ctx, sc.Limiter, logger)

	gw := buildGateway(cfg, sc)
	logger.Info("gateway configured",
		slog.String("addr", cfg.Server.Addr()),
		slog.Bool("docs", cfg.Server.EnableDocs),
		slog.Bool("planner", sc.Loop != nil),
	)

	// Start the gateway and wait for signal or server error.
	errs := make(chan error, 1)
	go func(g gateway.Gateway) {
		errs <- g.Start(ctx)
	}(gw)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}

	return nil
}

// buildGateway creates the HTTP API gateway from config and shared components.
func buildGateway(cfg *config.Config, sc *SharedComponents) gateway.Gateway {
	// Build API key → user ID mapping from config + env override.
	apiKeys := cfg.Server.APIKeyUserMapping
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("KAZI_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: cfg.Server.MaxRequestSizeBytes,
		MaxHistory:     cfg.Session.MaxHistory(),
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := httpapi.NewGateway(httpCfg, sc.Sessions, sc.Coord, sc.Pool, sc.ToolReg, sc.Limiter, sc.Logger)
	if sc.Loop != nil {
		gw.WithAgentLoop(sc.Loop)
	}
	return gw
}

// pruneRateLimiter evicts idle per-user buckets until ctx is cancelled.
func pruneRateLimiter(ctx context.Context, limiter *ratelimit.Limiter, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Prune(30 * time.Minute); n > 0 {
				logger.Debug("rate limit buckets pruned", slog.Int("count", n))
			}
		}
	}
}
