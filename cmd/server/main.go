package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/venice-relay/internal/api"
	"github.com/shehryarbajwa/venice-relay/internal/automation"
	"github.com/shehryarbajwa/venice-relay/internal/browser"
	"github.com/shehryarbajwa/venice-relay/internal/config"
	"github.com/shehryarbajwa/venice-relay/internal/logging"
	"github.com/shehryarbajwa/venice-relay/internal/metrics"
	"github.com/shehryarbajwa/venice-relay/internal/profile"
	"github.com/shehryarbajwa/venice-relay/internal/proxy"
	"github.com/shehryarbajwa/venice-relay/internal/ratelimit"
	"github.com/shehryarbajwa/venice-relay/internal/site/venice"
)

var (
	envFile  string
	port     int
	headless bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "venice-relay",
	Short: "Relay chat prompts to venice.ai through a headless browser",
	Long: `venice-relay drives a signed-in browser profile on venice.ai and exposes
the conversation over HTTP.

  POST   /chat            send a prompt, optionally continuing a conversation
  GET    /sessions        list open conversation tabs
  DELETE /sessions/{id}   close a conversation tab
  GET    /healthz         liveness
  GET    /metrics         Prometheus metrics`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, loaded, err := config.Load(envFile)
		if err != nil {
			return err
		}
		applyFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		defer logger.Sync()
		if !loaded {
			logger.Info("No env file found, using system environment variables", zap.String("env_file", envFile))
		}

		return run(cfg, logger)
	},
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Port = port
	}
	if cmd.Flags().Changed("headless") {
		cfg.Headless = headless
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("Starting Venice relay...")

	var archive *profile.Archive
	if cfg.ProfileArchive != "" {
		archive = profile.NewArchive(cfg.ProfileArchive, logger.Named("profile"))
		if _, err := archive.Restore(cfg.UserDataDir); err != nil {
			return fmt.Errorf("restore profile: %w", err)
		}
	}

	launchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	host, err := browser.Launch(launchCtx, browser.OptionsFromConfig(cfg, logger.Named("browser")))
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	site, err := venice.New(host, cfg.SiteBaseURL, venice.DefaultSelectors(), logger.Named("venice"))
	if err != nil {
		host.Close()
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNew(registry)

	service := automation.NewService(site, host, cfg, m, logger.Named("automation"))
	if err := service.Launch(launchCtx); err != nil {
		service.Shutdown(context.Background())
		return fmt.Errorf("start automation: %w", err)
	}
	logger.Info("Browser signed in and ready")

	limiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	stopPrune := pruneLimiter(limiter, logger)
	defer stopPrune()

	var debug *proxy.Server
	if cfg.DebugProxyEnabled {
		debug = proxy.NewServer(host, logger.Named("proxy"))
		logger.Warn("DevTools proxy enabled at /debug/devtools")
	}

	handler := api.NewHandler(service, cfg.ExposeStack, logger.Named("api")).WithHealthCheck(host)
	router := handler.SetupRoutes(api.RouteOptions{
		Limiter:         limiter,
		RequestsPerHour: cfg.RateLimitPerHour,
		Metrics:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Debug:           debug,
		Logger:          logger.Named("http"),
	})

	// No write timeout: a chat reply can take several minutes
	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.String("addr", "http://localhost"+srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("Shutting down server gracefully...", zap.String("signal", sig.String()))
	case runErr = <-serveErr:
		logger.Error("Server error", zap.Error(runErr))
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Timeouts.Drain+15*time.Second)
	defer cancelShutdown()

	// Stop accepting connections and drain executions together; handlers
	// blocked on a cancelled execution return once the service cancels it.
	httpDone := make(chan error, 1)
	go func() { httpDone <- srv.Shutdown(ctx) }()

	if err := service.Shutdown(ctx); err != nil {
		logger.Warn("Automation shutdown finished with errors", zap.Error(err))
	}
	if err := <-httpDone; err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	if archive != nil {
		if err := archive.Snapshot(cfg.UserDataDir); err != nil {
			logger.Warn("Failed to save profile", zap.Error(err))
		}
	}

	logger.Info("Server stopped cleanly")
	return runErr
}

// pruneLimiter drops idle rate limit buckets every hour
func pruneLimiter(limiter *ratelimit.Limiter, logger *zap.Logger) func() {
	if !limiter.Enabled() {
		return func() {}
	}
	ticker := time.NewTicker(time.Hour)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := limiter.Prune(2 * time.Hour); n > 0 {
					logger.Debug("Pruned idle rate limit clients", zap.Int("count", n))
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func main() {
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to an env file loaded before reading the environment")
	rootCmd.Flags().IntVarP(&port, "port", "p", 3000, "HTTP listen port (overrides PORT)")
	rootCmd.Flags().BoolVar(&headless, "headless", true, "Run Chrome headless (overrides HEADLESS)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
