package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// envAliases lets common deploy variables override config keys without
// the APP_ prefix.
var envAliases = map[string][]string{
	"http.port":         {"HTTP_PORT", "APP_HTTP_PORT"},
	"pile_gateway.port": {"PILE_GATEWAY_PORT", "APP_PILE_GATEWAY_PORT"},
	"database.url":      {"DATABASE_URL", "APP_DATABASE_URL"},
	"cache.url":         {"REDIS_URL", "APP_CACHE_URL"},
	"queue.url":         {"NATS_URL", "APP_QUEUE_URL"},
	"vault.address":     {"VAULT_ADDR"},
	"vault.token":       {"VAULT_TOKEN"},
	"app.environment":   {"APP_ENVIRONMENT"},
	"logging.level":     {"LOG_LEVEL"},
}

// Load reads configs/config.yaml when present, applies APP_* and alias
// environment overrides and fills the defaults main depends on. Each
// call works on its own viper instance, so loads are hermetic.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, path := range []string{"./configs", ".", "/app/configs"} {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		v.BindEnv(append([]string{key}, aliases...)...)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine; env vars and defaults carry the rest.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills the knobs main consumes directly. Sections owned
// by a service (station layout, tariff schedule, gateway timing)
// default inside the service instead.
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "stationd"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.PileGateway.Port == 0 {
		cfg.PileGateway.Port = 8081
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = "local"
	}
	if cfg.Queue.Kind == "" {
		cfg.Queue.Kind = "none"
	}
	if cfg.Prometheus.Path == "" {
		cfg.Prometheus.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
