package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nadmax/pipetune/internal/aggregate"
	"github.com/nadmax/pipetune/internal/logging"
	"github.com/nadmax/pipetune/internal/notify"
	"github.com/nadmax/pipetune/internal/optimization"
	"github.com/nadmax/pipetune/internal/reconciler"
	"gopkg.in/yaml.v3"
)

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Advisor: AdvisorConfig{
			Timeout:     10 * time.Second,
			MaxFailures: 3,
			OpenTimeout: 30 * time.Second,
		},
		Analytics: AnalyticsConfig{
			RunLimit:          aggregate.DefaultRunLimit,
			CostPerMinute:     0.008,
			QualityFetchLimit: 8,
		},
		Lifecycle: LifecycleConfig{
			Tolerance: optimization.DefaultTolerance(),
		},
		Reconciler: ReconcilerConfig{
			Interval: reconciler.DefaultInterval,
		},
		Notify: notify.Config{
			FromName:  "pipetune",
			QueueSize: 64,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults and applies environment
// overrides. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	applyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

// applyEnv overrides connection settings from the environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("POSTGRES_DSN"); ok && v != "" {
		cfg.Postgres.DSN = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		cfg.Redis.Addr = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		cfg.Server.Port = v
	}
	if v, ok := lookup("ADVISOR_URL"); ok && v != "" {
		cfg.Advisor.URL = v
	}
	if v, ok := lookup("EMAIL_API_KEY"); ok && v != "" {
		cfg.Notify.APIKey = v
	}
	if v, ok := lookup("FROM_NAME"); ok && v != "" {
		cfg.Notify.FromName = v
	}
	if v, ok := lookup("FROM_ADDRESS"); ok && v != "" {
		cfg.Notify.FromAddress = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = v
	}
}
