// Package config loads the server configuration from YAML with environment
// overrides.
package config

import (
	"time"

	"github.com/nadmax/pipetune/internal/logging"
	"github.com/nadmax/pipetune/internal/notify"
	"github.com/nadmax/pipetune/internal/optimization"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Advisor    AdvisorConfig    `yaml:"advisor"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Notify     notify.Config    `yaml:"notify"`
	Logging    logging.Config   `yaml:"logging"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PostgresConfig struct {
	// DSN is empty for the in-memory store.
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	// Addr is empty to disable the snapshot cache.
	Addr string `yaml:"addr"`
}

type AdvisorConfig struct {
	// URL of the remote advisor. Empty uses the rule-based advisor.
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

type AnalyticsConfig struct {
	RunLimit      int     `yaml:"run_limit"`
	CostPerMinute float64 `yaml:"cost_per_minute"`
	// QualityFetchLimit bounds concurrent quality-check fetches.
	QualityFetchLimit int `yaml:"quality_fetch_limit"`
}

type LifecycleConfig struct {
	Tolerance optimization.Tolerance `yaml:"tolerance"`
}

type ReconcilerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Pipelines []string      `yaml:"pipelines"`
}
