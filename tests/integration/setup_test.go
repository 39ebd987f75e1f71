package integration

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"gorm.io/gorm"

	_ "github.com/lib/pq"

	"github.com/evgrid/stationd/internal/adapter/cache"
	storagepg "github.com/evgrid/stationd/internal/adapter/storage/postgres"
	"github.com/evgrid/stationd/internal/ports"
)

// TestEnv holds the shared test environment resources. GormDB carries the
// migrated schema the repositories run on; DB is a raw lib/pq handle used
// for cleanup and direct assertions.
type TestEnv struct {
	GormDB            *gorm.DB
	DB                *sql.DB
	Cache             ports.Cache
	Redis             *goredis.Client
	RedisURL          string
	PostgresContainer testcontainers.Container
	RedisContainer    testcontainers.Container
	Logger            *zap.Logger
	ctx               context.Context
}

var testEnv *TestEnv

// SetupTestEnvironment initializes the test environment with containers,
// or against external services when DATABASE_URL is set (CI environment).
func SetupTestEnvironment(t *testing.T) *TestEnv {
	if testEnv != nil {
		return testEnv
	}

	ctx := context.Background()

	if os.Getenv("DATABASE_URL") != "" {
		return setupExternalServices(t, ctx)
	}

	return setupContainers(t, ctx)
}

func setupExternalServices(t *testing.T, ctx context.Context) *TestEnv {
	logger, _ := zap.NewDevelopment()

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	testEnv = connectAll(t, ctx, os.Getenv("DATABASE_URL"), redisURL, logger)
	return testEnv
}

func setupContainers(t *testing.T, ctx context.Context) *TestEnv {
	logger, _ := zap.NewDevelopment()

	postgresContainer, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("stationd_test"),
		tcpostgres.WithUsername("stationd"),
		tcpostgres.WithPassword("stationd_test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	dsn, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get postgres connection string: %v", err)
	}

	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start redis container: %v", err)
	}

	redisURL, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get redis connection string: %v", err)
	}

	testEnv = connectAll(t, ctx, dsn, redisURL, logger)
	testEnv.PostgresContainer = postgresContainer
	testEnv.RedisContainer = redisContainer
	return testEnv
}

// connectAll opens every client the suite needs against the given endpoints.
// The gorm connection runs the schema migration as a side effect.
func connectAll(t *testing.T, ctx context.Context, dsn, redisURL string, logger *zap.Logger) *TestEnv {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to postgres: %v", err)
	}

	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping postgres: %v", err)
	}

	gormDB, err := storagepg.NewConnection(dsn, logger)
	if err != nil {
		t.Fatalf("Failed to open gorm connection: %v", err)
	}

	opt, err := goredis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("Failed to parse redis url: %v", err)
	}
	redisClient := goredis.NewClient(opt)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to redis: %v", err)
	}

	cacheStore, err := cache.NewRedisCache(redisURL, logger)
	if err != nil {
		t.Fatalf("Failed to open redis cache: %v", err)
	}

	return &TestEnv{
		GormDB:   gormDB,
		DB:       db,
		Cache:    cacheStore,
		Redis:    redisClient,
		RedisURL: redisURL,
		Logger:   logger,
		ctx:      ctx,
	}
}

// TeardownTestEnvironment cleans up the test environment
func TeardownTestEnvironment(t *testing.T) {
	if testEnv == nil {
		return
	}

	ctx := context.Background()

	if testEnv.Cache != nil {
		testEnv.Cache.Close()
	}

	if testEnv.Redis != nil {
		testEnv.Redis.Close()
	}

	if testEnv.DB != nil {
		testEnv.DB.Close()
	}

	if testEnv.GormDB != nil {
		if sqlDB, err := testEnv.GormDB.DB(); err == nil {
			sqlDB.Close()
		}
	}

	if testEnv.PostgresContainer != nil {
		if err := testEnv.PostgresContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate postgres container: %v", err)
		}
	}

	if testEnv.RedisContainer != nil {
		if err := testEnv.RedisContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	}

	testEnv = nil
}

// CleanDatabase truncates all tables so each test starts from an empty
// station.
func CleanDatabase(t *testing.T, db *sql.DB) {
	tables := []string{
		"bills",
		"sessions",
		"requests",
		"piles",
	}

	for _, table := range tables {
		_, err := db.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		if err != nil {
			t.Fatalf("Failed to truncate %s: %v", table, err)
		}
	}
}

// FlushRedis clears all Redis keys
func FlushRedis(t *testing.T, client *goredis.Client) {
	ctx := context.Background()
	if err := client.FlushAll(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush redis: %v", err)
	}
}

// TestMain tears the shared containers down after the package has run.
func TestMain(m *testing.M) {
	code := m.Run()
	if testEnv != nil {
		ctx := context.Background()
		if testEnv.PostgresContainer != nil {
			_ = testEnv.PostgresContainer.Terminate(ctx)
		}
		if testEnv.RedisContainer != nil {
			_ = testEnv.RedisContainer.Terminate(ctx)
		}
	}
	os.Exit(code)
}
