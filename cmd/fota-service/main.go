// fota-service is the HTTP API server orchestrating firmware-over-the-air
// upgrades.
package main

import (
	"context"
	"errors"
	"fmt"
	"fotaflow/internal/api"
	"fotaflow/internal/config"
	"fotaflow/internal/devices"
	"fotaflow/internal/devicestate"
	"fotaflow/internal/dispatcher"
	"fotaflow/internal/feed"
	"fotaflow/internal/fota"
	"fotaflow/internal/health"
	"fotaflow/internal/job"
	"fotaflow/internal/nrfcloud"
	"fotaflow/internal/observability"
	"fotaflow/internal/signal"
	"fotaflow/internal/store/redisstore"
	"fotaflow/internal/store/sqlitestore"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	fotaCfg := fota.LoadConfigFromEnv()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	redisCfg := redisstore.LoadConfigFromEnv()
	feedCfg := feed.LoadConfigFromEnv()

	accounts, err := config.LoadAccounts(svcCfg.AccountsFile)
	if err != nil {
		return err
	}
	slog.Info("Loaded accounts", "count", len(accounts))

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Device identities and reported firmware live in Redis regardless of
	// the job store driver.
	redisClient, err := redisstore.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	slog.Info("Connected to Redis", "addr", redisCfg.Addr)

	backend, err := openBackend(ctx, svcCfg.StoreDriver, redisClient, redisCfg.Prefix)
	if err != nil {
		return err
	}
	defer backend.Close()
	repo := job.NewRepo(backend)
	slog.Info("Job store ready", "driver", svcCfg.StoreDriver)

	// Create task and webhook dispatcher
	taskDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	deviceState := devicestate.NewRedisFetcher(redisClient, redisCfg.Prefix)
	externalJobs := nrfcloud.NewClient(accounts, nrfcloud.LoadConfigFromEnv(), metrics)

	orchestrator := fota.NewOrchestrator(repo, deviceState, externalJobs, taskDispatcher, fotaCfg).
		WithMetrics(metrics)
	if svcCfg.NotifyWebhookURL != "" {
		orchestrator.WithNotifier(fota.NewWebhookNotifier(taskDispatcher, svcCfg.NotifyWebhookURL, svcCfg.NotifyWebhookSecret))
		slog.Info("Status notifications enabled", "url", svcCfg.NotifyWebhookURL)
	}

	fotaService := fota.NewService(orchestrator, devices.NewRedisLookup(redisClient, redisCfg.Prefix), deviceState)
	jobStatusRouter := signal.NewJobStatusRouter(repo, orchestrator)
	deviceStateRouter := signal.NewDeviceStateRouter(repo, orchestrator)

	// Create health checker
	healthChecker := health.NewChecker(repo).
		WithCheck("redis", health.ReadinessFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))

	// Background work: recovery and sweeps, change-feed consumption
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	var background sync.WaitGroup

	background.Add(1)
	go func() {
		defer background.Done()
		orchestrator.Run(bgCtx)
	}()

	source, err := openFeed(svcCfg.FeedDriver, redisClient, feedCfg)
	if err != nil {
		return err
	}
	if source != nil {
		mux := feed.NewMux(metrics)
		mux.Route(feedCfg.JobStatusStream, jobStatusRouter.HandleMessage)
		mux.Route(feedCfg.DeviceStateStream, deviceStateRouter.HandleMessage)

		background.Add(1)
		go func() {
			defer background.Done()
			if err := source.Run(bgCtx, mux.Handle); err != nil {
				slog.Error("Change feed stopped", "driver", svcCfg.FeedDriver, "error", err)
			}
		}()
		slog.Info("Consuming change feed", "driver", svcCfg.FeedDriver, "streams", mux.Streams())
	}

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Service:            fotaService,
		JobStatusRouter:    jobStatusRouter,
		DeviceStateRouter:  deviceStateRouter,
		Metrics:            metrics,
		HealthChecker:      healthChecker,
		APIKey:             svcCfg.APIKey,
		EventSigningSecret: svcCfg.EventSigningSecret,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}
	if svcCfg.EventSigningSecret == "" {
		slog.Warn("Event ingestion disabled - no EVENT_SIGNING_SECRET configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop the sweeper and feed consumer. Unacknowledged feed
	// entries are redelivered to the next instance.
	stopBackground()
	background.Wait()
	if source != nil {
		if err := source.Close(); err != nil {
			slog.Warn("Change feed close error", "error", err)
		}
	}

	// Phase 4: Drain dispatcher. Steps still queued are picked up by the
	// next instance's recovery.
	slog.Info("Draining dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := taskDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := taskDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"tasksRun", stats.TasksRun,
		"tasksFailed", stats.TasksFailed,
		"coalesced", stats.Coalesced,
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}

// openBackend selects the job store.
func openBackend(ctx context.Context, driver string, client *redis.Client, prefix string) (job.Backend, error) {
	switch driver {
	case config.DriverMemory, "":
		slog.Warn("Using in-memory job store - runs are lost on restart")
		return job.NewMemoryBackend(), nil
	case config.DriverRedis:
		return redisstore.New(client, prefix), nil
	case config.DriverSQLite:
		return sqlitestore.Open(ctx, sqlitestore.LoadConfigFromEnv())
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// openFeed selects the change-feed source. A nil source means events
// arrive only through POST /internal/events.
func openFeed(driver string, client *redis.Client, cfg feed.Config) (feed.Source, error) {
	switch driver {
	case config.DriverNone, "":
		return nil, nil
	case config.DriverRedis:
		return feed.NewRedisSource(client, cfg.Streams(), cfg), nil
	case config.DriverKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required for the kafka feed driver")
		}
		return feed.NewKafkaSource(cfg.Streams(), cfg), nil
	default:
		return nil, fmt.Errorf("unknown feed driver %q", driver)
	}
}
