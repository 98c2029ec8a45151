// Command engine launches the order placement and trigger engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradecore/internal/coordinator"
	"github.com/coachpo/tradecore/internal/domain/schema"
	"github.com/coachpo/tradecore/internal/idgen"
	"github.com/coachpo/tradecore/internal/infra/config"
	"github.com/coachpo/tradecore/internal/infra/events"
	"github.com/coachpo/tradecore/internal/infra/kvcache"
	"github.com/coachpo/tradecore/internal/infra/persistence"
	"github.com/coachpo/tradecore/internal/infra/persistence/memory"
	"github.com/coachpo/tradecore/internal/infra/persistence/migrations"
	"github.com/coachpo/tradecore/internal/infra/persistence/postgres"
	"github.com/coachpo/tradecore/internal/infra/telemetry"
	"github.com/coachpo/tradecore/internal/margin"
	"github.com/coachpo/tradecore/internal/marketdata"
	"github.com/coachpo/tradecore/internal/observability"
	"github.com/coachpo/tradecore/internal/risk"
	"github.com/coachpo/tradecore/internal/trigger"
	"github.com/coachpo/tradecore/internal/userlock"
	"github.com/coachpo/tradecore/lib/async"
)

const (
	defaultConfigPath          = "config/app.yaml"
	engineLoggerPrefix         = "engine "
	tickBuffer                 = 4096
	shutdownTimeout            = 30 * time.Second
	metricsServerTimeout       = 5 * time.Second
	lifecycleShutdownTimeout   = 10 * time.Second
	backgroundShutdownTimeout  = 5 * time.Second
	publisherShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout   = 5 * time.Second
	metricsReadHeaderTimeout   = 5 * time.Second
	startupConnectivityTimeout = 30 * time.Second
)

func main() {
	cfgPathFlag, envFileFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newEngineLogger()

	if err := config.LoadDotEnv(envFileFlag); err != nil {
		logger.Fatalf("load env file: %v", err)
	}
	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, trigger policy=%s, database=%t, events=%t",
		appCfg.Environment, appCfg.Trigger.Policy, appCfg.Database.Enabled, appCfg.Events.Enabled)

	zapLogger, err := observability.NewZapLogger(appCfg.Logging)
	if err != nil {
		logger.Fatalf("initialise logger: %v", err)
	}
	observability.SetLogger(zapLogger)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	store, dbPool, err := initStore(ctx, logger, zapLogger, appCfg.Database)
	if err != nil {
		logger.Fatalf("initialise store: %v", err)
	}

	cache, err := kvcache.Open(appCfg.Cache.Path)
	if err != nil {
		logger.Fatalf("open cache: %v", err)
	}

	book := marketdata.NewBook(appCfg.MarketData.MaxQuoteAge, marketdata.WithLastKnown(cache))
	rates := margin.NewResolver(book, cache, margin.ResolverConfig{
		MaxLiveAge:     appCfg.MarketData.MaxLiveRateAge,
		MaxFallbackAge: appCfg.MarketData.MaxFallbackRateAge,
	})

	background, err := async.NewPool(appCfg.Background.Workers, appCfg.Background.QueueSize,
		async.WithErrorSink(func(name string, err error) {
			observability.Log().Error("background task failed",
				observability.Field{Key: "task", Value: name},
				observability.Field{Key: "error", Value: err},
			)
		}))
	if err != nil {
		logger.Fatalf("initialise background pool: %v", err)
	}

	var publisher *events.Publisher
	deps := coordinator.Deps{
		Store:      store,
		Symbols:    store,
		Prices:     book,
		IDs:        idgen.New(store, appCfg.IDs),
		Rates:      rates,
		Locks:      userlock.NewManager(appCfg.Locks.Shards),
		Background: background,
		Risk:       risk.NewManager(appCfg.Throttle),
		Portfolio:  cache,
	}
	if appCfg.Events.Enabled {
		publisher = events.NewPublisher(events.PublisherConfig{
			Brokers:  appCfg.Events.Brokers,
			Topic:    appCfg.Events.OrderTopic,
			Timeout:  appCfg.Events.PublishTimeout,
			Attempts: appCfg.Events.PublishAttempts,
		})
		deps.Events = publisher
		logger.Printf("order events publishing to %s", appCfg.Events.OrderTopic)
	}

	coord, err := coordinator.New(deps, appCfg.Coordinator)
	if err != nil {
		logger.Fatalf("initialise coordinator: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engine := trigger.NewEngine(trigger.NewIndex(), coord, appCfg.Trigger,
		trigger.WithMetrics(trigger.NewMetrics(registry)),
		trigger.WithTickObserver(book.Apply),
	)
	armed, err := engine.Rebuild(ctx, store)
	if err != nil {
		logger.Fatalf("rebuild trigger index: %v", err)
	}
	coord.SetArming(engine)
	logger.Printf("trigger index rebuilt: armed=%d, policy=%s", armed, engine.Policy())

	var lifecycle conc.WaitGroup
	ticks := make(chan schema.PriceTick, tickBuffer)

	var tickReader *events.TickReader
	if appCfg.Events.Enabled {
		tickReader = events.NewTickReader(events.ReaderConfig{
			Brokers: appCfg.Events.Brokers,
			Topic:   appCfg.Events.TickTopic,
			GroupID: appCfg.Events.TickGroupID,
		})
		lifecycle.Go(func() {
			if err := tickReader.Run(ctx, ticks); err != nil {
				logger.Printf("tick reader: %v", err)
				cancel()
			}
		})
		logger.Printf("consuming ticks from %s as %s", appCfg.Events.TickTopic, appCfg.Events.TickGroupID)
	} else {
		logger.Print("events disabled; no tick feed attached")
	}
	lifecycle.Go(func() {
		if err := engine.Run(ctx, ticks); err != nil {
			logger.Printf("trigger engine: %v", err)
		}
	})

	metricsServer := buildMetricsServer(appCfg.Metrics.Addr, registry)
	if metricsServer != nil {
		startMetricsServer(&lifecycle, logger, metricsServer)
		logger.Printf("metrics listening on %s", metricsServer.Addr)
	}

	logger.Print("engine started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	shutdownErr := performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		metrics:    metricsServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		engine:     engine,
		tickReader: tickReader,
		background: background,
		publisher:  publisher,
		cache:      cache,
		dbPool:     dbPool,
		telemetry:  telemetryProvider,
		zap:        zapLogger,
	})

	if shutdownErr != nil {
		logger.Printf("shutdown finished with errors in %v: %v", time.Since(shutdownStart), shutdownErr)
		return
	}
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, string) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	envFile := flag.String("env-file", ".env", "Optional dotenv file with TRADECORE_* overrides")
	flag.Parse()
	return *cfgPath, *envFile
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newEngineLogger() *log.Logger {
	return log.New(os.Stdout, engineLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg telemetry.Config) (*telemetry.Provider, error) {
	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if cfg.Enabled {
		logger.Printf("telemetry initialised: endpoint=%s, service=%s", cfg.OTLPEndpoint, cfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func initStore(ctx context.Context, logger *log.Logger, zapLogger *observability.ZapLogger, cfg config.DatabaseConfig) (persistence.Backend, *pgxpool.Pool, error) {
	if !cfg.Enabled {
		logger.Print("database disabled; using in-memory store")
		return memory.NewStore(), nil, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, startupConnectivityTimeout)
	defer cancel()

	if cfg.RunMigrations {
		if err := migrations.Apply(connectCtx, cfg.DSN, cfg.MigrationsPath, zapLogger.Zap()); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	postgres.ObservePoolMetrics(pool, "primary")
	logger.Printf("database connected: maxConns=%d", cfg.MaxConns)
	return postgres.New(pool), pool, nil
}

func buildMetricsServer(addr string, registry *prometheus.Registry) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}
}

func startMetricsServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	metrics    *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	engine     *trigger.Engine
	tickReader *events.TickReader
	background *async.Pool
	publisher  *events.Publisher
	cache      *kvcache.Store
	dbPool     *pgxpool.Pool
	telemetry  *telemetry.Provider
	zap        *observability.ZapLogger
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.metrics != nil {
		shutdownStep("stopping metrics server", metricsServerTimeout, func(stepCtx context.Context) error {
			return cfg.metrics.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.engine != nil {
		cfg.engine.Stop()
	}
	if cfg.tickReader != nil {
		shutdownStep("closing tick reader", metricsServerTimeout, func(context.Context) error {
			return cfg.tickReader.Close()
		})
	}

	if cfg.background != nil {
		shutdownStep("draining background tasks", backgroundShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.background.Shutdown(stepCtx)
		})
	}

	if cfg.publisher != nil {
		shutdownStep("closing event publisher", publisherShutdownTimeout, func(context.Context) error {
			return cfg.publisher.Close()
		})
	}

	if cfg.cache != nil {
		shutdownStep("closing cache", publisherShutdownTimeout, func(context.Context) error {
			return cfg.cache.Close()
		})
	}

	if cfg.dbPool != nil {
		logger.Print("shutdown: closing database pool")
		cfg.dbPool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}

	err := observability.AggregateErrors("shutdown", failures)
	if cfg.zap != nil {
		_ = cfg.zap.Sync()
	}
	return err
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
