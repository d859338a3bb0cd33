package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowgate/flowgate/engine/callback"
	"github.com/flowgate/flowgate/engine/driver"
	"github.com/flowgate/flowgate/engine/infra/cache"
	"github.com/flowgate/flowgate/engine/infra/monitoring"
	"github.com/flowgate/flowgate/engine/infra/postgres"
	"github.com/flowgate/flowgate/engine/infra/server"
	"github.com/flowgate/flowgate/engine/poller"
	"github.com/flowgate/flowgate/engine/route"
	"github.com/flowgate/flowgate/engine/router"
	"github.com/flowgate/flowgate/pkg/config"
	"github.com/flowgate/flowgate/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const monitoringShutdownTimeout = 5 * time.Second

func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the flowgate service",
		RunE:  runServe,
	}
	cmd.Flags().String("routes", "", "Path to the route configuration document (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	if envFile, _ := cmd.Flags().GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %q: %w", envFile, err)
		}
	}
	logLevel, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return err
	}
	if err := logger.SetupLogger(logLevel, logJSON, logSource); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.ContextWithLogger(ctx, logger.GetDefault())

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if routesPath, _ := cmd.Flags().GetString("routes"); routesPath != "" {
		cfg.Routes.Path = routesPath
	}
	ctx = config.ContextWithConfig(ctx, cfg)
	return run(ctx, cfg)
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.FromContext(ctx)

	restDriver := driver.NewRESTDriver(cfg.Router.DriverTimeout)
	soapDriver := driver.NewSOAPDriver(cfg.Router.DriverTimeout)
	selector, err := driver.NewSelector(restDriver, soapDriver)
	if err != nil {
		return err
	}

	registry := route.NewRegistry(route.NewFileSource(cfg.Routes.Path), selector.Kinds())
	if err := registry.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load route configuration: %w", err)
	}
	var watcher *route.Watcher
	if cfg.Routes.Watch {
		watcher, err = route.NewWatcher(registry, cfg.Routes.Path)
		if err != nil {
			return err
		}
		watcher.Start(ctx)
		defer func() { _ = watcher.Close() }()
	}

	store, err := postgres.NewStore(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close(ctx)
	repo := postgres.NewSubmissionRepo(store.Pool())

	redis, err := cache.NewRedis(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = redis.Close() }()
	subCache, err := cache.NewSubmissionCache(redis, &cfg.Cache)
	if err != nil {
		return err
	}
	locks, err := cache.NewRedisLockManager(redis)
	if err != nil {
		return err
	}

	mon, err := monitoring.NewService(ctx, &cfg.Monitoring)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), monitoringShutdownTimeout)
		defer cancel()
		if err := mon.Shutdown(shutdownCtx); err != nil {
			log.Warn("monitoring shutdown failed", "error", err)
		}
	}()
	metrics := monitoring.NewRouterMetrics(ctx, mon.Meter())

	routerService := router.NewService(registry, selector, repo, subCache, locks, metrics, &cfg.Router)
	sink := callback.NewSink(registry, selector, repo, routerService, metrics)

	if cfg.Poller.Enabled {
		statusPoller := poller.New(repo, registry, routerService, metrics, &cfg.Poller)
		if err := statusPoller.Start(ctx); err != nil {
			return err
		}
		defer statusPoller.Stop()
	}

	handlers := server.NewHandlers(routerService, sink, registry)
	srv := server.New(ctx, cfg, handlers, mon, map[string]server.HealthChecker{
		"postgres": store.HealthCheck,
		"redis":    redis.HealthCheck,
	})
	log.Info("flowgate starting",
		"routes", registry.Len(),
		"environment", cfg.Runtime.Environment,
		"poller_enabled", cfg.Poller.Enabled)
	return srv.Start(ctx)
}
