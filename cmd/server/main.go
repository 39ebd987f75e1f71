package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/evgrid/stationd/internal/adapter/cache"
	fiberAdapter "github.com/evgrid/stationd/internal/adapter/http/fiber"
	"github.com/evgrid/stationd/internal/adapter/http/fiber/middleware"
	"github.com/evgrid/stationd/internal/adapter/pilegw"
	"github.com/evgrid/stationd/internal/adapter/queue"
	"github.com/evgrid/stationd/internal/adapter/storage/memory"
	"github.com/evgrid/stationd/internal/adapter/storage/postgres"
	"github.com/evgrid/stationd/internal/adapter/vault"
	wsAdapter "github.com/evgrid/stationd/internal/adapter/websocket"
	"github.com/evgrid/stationd/internal/observability/telemetry"
	"github.com/evgrid/stationd/internal/ports"
	"github.com/evgrid/stationd/internal/service/health"
	"github.com/evgrid/stationd/internal/service/records"
	"github.com/evgrid/stationd/internal/service/station"
	"github.com/evgrid/stationd/internal/service/tariff"
	"github.com/evgrid/stationd/pkg/config"
)

const (
	serviceName    = "stationd"
	serviceVersion = "v1.0.0"
)

func main() {
	// 1. Bootstrap logger, replaced once the config is known
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}

	// 2. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	logger = buildLogger(cfg.Logging, logger)
	defer logger.Sync()

	logger.Info("Starting charging station service",
		zap.String("service", serviceName),
		zap.String("version", serviceVersion),
		zap.String("environment", cfg.App.Environment),
	)

	// 3. Distributed tracing
	if cfg.OpenTelemetry.Enabled {
		tracerProvider, err := telemetry.InitTracer(telemetry.Config{
			ServiceName:       cfg.OpenTelemetry.ServiceName,
			ServiceVersion:    serviceVersion,
			CollectorEndpoint: cfg.OpenTelemetry.Jaeger.Endpoint,
			SampleRatio:       cfg.OpenTelemetry.SampleRatio,
		})
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				logger.Error("Error shutting down tracer provider", zap.Error(err))
			}
		}()
	}

	// 4. Storage. Postgres carries production deployments; the in-memory
	// store keeps development and demos free of infrastructure.
	var (
		gormDB   *gorm.DB
		pileRepo ports.PileRepository
		reqRepo  ports.RequestRepository
		sessRepo ports.SessionRepository
		billRepo ports.BillRepository
	)
	switch cfg.Database.Driver {
	case "postgres":
		dsn := cfg.Database.URL
		if cfg.Vault.Enabled {
			sm, err := vault.NewSecretManager(cfg.Vault.Address, cfg.Vault.Token)
			if err != nil {
				logger.Fatal("Failed to connect to Vault", zap.Error(err))
			}
			dsn, err = sm.GetDatabaseDSN()
			if err != nil {
				logger.Fatal("Failed to read database DSN from Vault", zap.Error(err))
			}
		}
		gormDB, err = postgres.NewConnection(dsn, logger)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		sqlDB, err := gormDB.DB()
		if err != nil {
			logger.Fatal("Failed to get underlying SQL DB", zap.Error(err))
		}
		defer sqlDB.Close()

		pileRepo = postgres.NewPileRepository(gormDB, logger)
		reqRepo = postgres.NewRequestRepository(gormDB, logger)
		sessRepo = postgres.NewSessionRepository(gormDB, logger)
		billRepo = postgres.NewBillRepository(gormDB, logger)
	default:
		store := memory.NewStore()
		pileRepo = store.Piles()
		reqRepo = store.Requests()
		sessRepo = store.Sessions()
		billRepo = store.Bills()
		logger.Info("Using in-memory storage; data does not survive restarts")
	}

	// 5. Cache
	var cacheStore ports.Cache
	if cfg.Cache.Driver == "redis" {
		url := cfg.Cache.URL
		if cfg.Vault.Enabled {
			sm, err := vault.NewSecretManager(cfg.Vault.Address, cfg.Vault.Token)
			if err != nil {
				logger.Fatal("Failed to connect to Vault", zap.Error(err))
			}
			url, err = sm.GetRedisURL()
			if err != nil {
				logger.Fatal("Failed to read Redis URL from Vault", zap.Error(err))
			}
		}
		cacheStore, err = cache.NewRedisCache(url, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
	} else {
		cacheStore = cache.NewLocalCache(5*time.Minute, logger)
	}
	defer cacheStore.Close()

	// 6. Message queue for station events
	messageQueue, err := queue.New(cfg.Queue.Kind, cfg.Queue.URL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to message queue", zap.Error(err))
	}
	defer messageQueue.Close()

	// 7. Services
	calculator := tariff.NewCalculator(cfg.Tariff)
	engine := station.NewEngine(cfg.Station, calculator, pileRepo, reqRepo, sessRepo, billRepo, messageQueue, nil, logger)
	recordsService := records.NewService(billRepo, reqRepo, sessRepo, cacheStore, logger)

	healthService := health.NewService(serviceVersion, logger)
	if gormDB != nil {
		healthService.RegisterChecker("database", health.DatabaseChecker(gormDB))
	}
	healthService.RegisterChecker("cache", health.CacheChecker(cacheStore))
	healthService.RegisterChecker("queue", health.QueueChecker(cfg.Queue.Kind))

	// 8. Pile gateway. Remote piles connect here; the engine drives them
	// back through the same connections.
	gateway := pilegw.NewServer(engine, pilegw.Config{
		HeartbeatInterval: cfg.PileGateway.HeartbeatInterval,
		CommandTimeout:    cfg.PileGateway.CommandTimeout,
		CommandRetries:    cfg.PileGateway.CommandRetries,
	}, logger)
	gateway.SetHealthHandler(health.NewHTTPHandler(healthService))
	engine.SetCommander(gateway)

	// 9. Start the station runtime before anything can reach it
	if err := engine.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start station engine", zap.Error(err))
	}

	go func() {
		logger.Info("Starting pile gateway", zap.Int("port", cfg.PileGateway.Port))
		if err := gateway.Start(cfg.PileGateway.Port); err != nil {
			logger.Fatal("Pile gateway failed", zap.Error(err))
		}
	}()

	// 10. Live monitor stream
	hub := wsAdapter.NewHub()
	go hub.Run()

	monitor := wsAdapter.NewMonitor(hub, engine, messageQueue, cfg.Monitor.SnapshotInterval, logger)
	if err := monitor.Start(); err != nil {
		logger.Warn("Monitor stream degraded; live events unavailable", zap.Error(err))
	}

	// 11. HTTP API
	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		ServerHeader:          serviceName,
		DisableStartupMessage: true,
		ReadTimeout:           cfg.HTTP.ReadTimeout,
		WriteTimeout:          cfg.HTTP.WriteTimeout,
		IdleTimeout:           cfg.HTTP.IdleTimeout,
		ErrorHandler:          middleware.ErrorHandler(logger),
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	if cfg.CORS.Enabled {
		app.Use(middleware.NewCORS(cfg.CORS))
	}
	app.Use("/api", limiter.New(limiter.Config{
		Max:        300,
		Expiration: time.Minute,
	}))
	app.Use("/api", middleware.CircuitBreaker(logger))

	health.NewFiberHandler(healthService).RegisterRoutes(app)

	if cfg.Prometheus.Enabled {
		metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
		app.Get(cfg.Prometheus.Path, func(c *fiber.Ctx) error {
			metricsHandler(c.Context())
			return nil
		})
	}

	fiberAdapter.RegisterRoutes(app, fiberAdapter.Deps{
		Station: engine,
		Tariff:  calculator,
		Records: recordsService,
		Hub:     hub,
		Log:     logger,
	})

	go func() {
		logger.Info("Starting HTTP server", zap.Int("port", cfg.HTTP.Port))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.HTTP.Port)); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 12. Graceful shutdown: stop taking requests, then the monitor, the
	// dispatch loops and finally the pile connections.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error("HTTP server forced to shut down", zap.Error(err))
	}
	monitor.Stop()
	engine.Stop()
	if err := gateway.Stop(ctx); err != nil {
		logger.Error("Pile gateway forced to shut down", zap.Error(err))
	}

	logger.Info("Server exited gracefully")
}

// buildLogger rebuilds the logger to match the configured level and
// format, falling back to the bootstrap logger on a bad level.
func buildLogger(cfg config.LoggingConfig, fallback *zap.Logger) *zap.Logger {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		fallback.Warn("Unknown log level, keeping defaults", zap.String("level", cfg.Level))
		return fallback
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = level

	logger, err := zapCfg.Build()
	if err != nil {
		fallback.Warn("Failed to rebuild logger, keeping defaults", zap.Error(err))
		return fallback
	}
	return logger
}
