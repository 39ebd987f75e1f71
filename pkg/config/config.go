package config

import (
	"time"

	"github.com/evgrid/stationd/internal/service/station"
	"github.com/evgrid/stationd/internal/service/tariff"
)

// Config is the full runtime configuration. The station layout and the
// tariff schedule unmarshal straight into the structs their services
// own; a missing section leaves the pointer nil and the service falls
// back to its defaults.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	PileGateway   PileGatewayConfig   `mapstructure:"pile_gateway"`
	Station       *station.Config     `mapstructure:"station"`
	Tariff        *tariff.Config      `mapstructure:"tariff"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Vault         VaultConfig         `mapstructure:"vault"`
	OpenTelemetry OpenTelemetryConfig `mapstructure:"opentelemetry"`
	Prometheus    PrometheusConfig    `mapstructure:"prometheus"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	CORS          CORSConfig          `mapstructure:"cors"`
	Monitor       MonitorConfig       `mapstructure:"monitor"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// PileGatewayConfig configures the WebSocket endpoint remote piles
// connect to.
type PileGatewayConfig struct {
	Port              int           `mapstructure:"port"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	CommandRetries    int           `mapstructure:"command_retries"`
}

type DatabaseConfig struct {
	// Driver selects the store: "postgres" or "memory".
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

type CacheConfig struct {
	// Driver selects the cache: "redis" or "local".
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

type QueueConfig struct {
	// Kind selects the broker: "nats", "rabbitmq" or "none".
	Kind string `mapstructure:"kind"`
	URL  string `mapstructure:"url"`
}

// VaultConfig points at the secret store used for the database DSN and
// cache URL in deployments that do not pass them in plain config.
type VaultConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
}

type OpenTelemetryConfig struct {
	Enabled     bool         `mapstructure:"enabled"`
	ServiceName string       `mapstructure:"service_name"`
	SampleRatio float64      `mapstructure:"sample_ratio"`
	Jaeger      JaegerConfig `mapstructure:"jaeger"`
}

type JaegerConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	ExposeHeaders  []string `mapstructure:"expose_headers"`
	MaxAge         int      `mapstructure:"max_age"`
	Credentials    bool     `mapstructure:"credentials"`
}

// MonitorConfig paces the live dashboard stream.
type MonitorConfig struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}
