// Package config loads the application configuration from a YAML file and
// the environment. Precedence: environment, then file, then defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of all environment overrides, e.g.
// OXIDE_POSTGRES_DSN.
const EnvPrefix = "OXIDE"

// Config is the full application configuration.
type Config struct {
	// DataDir roots the embedded stream store, secrets, workspaces, and
	// artifacts.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Log       Log       `mapstructure:"log" yaml:"log"`
	Bus       Bus       `mapstructure:"bus" yaml:"bus"`
	Scheduler Scheduler `mapstructure:"scheduler" yaml:"scheduler"`
	Worker    Worker    `mapstructure:"worker" yaml:"worker"`
	Postgres  Postgres  `mapstructure:"postgres" yaml:"postgres"`
	Redis     Redis     `mapstructure:"redis" yaml:"redis"`
	Metrics   Metrics   `mapstructure:"metrics" yaml:"metrics"`
}

type Log struct {
	Debug  bool   `mapstructure:"debug" yaml:"debug"`
	Format string `mapstructure:"format" yaml:"format"`
	Quiet  bool   `mapstructure:"quiet" yaml:"quiet"`
}

type Bus struct {
	// Store selects the stream store: memory or sqlite.
	Store         string        `mapstructure:"store" yaml:"store"`
	AckWait       time.Duration `mapstructure:"ack_wait" yaml:"ack_wait"`
	MaxDeliver    int           `mapstructure:"max_deliver" yaml:"max_deliver"`
	RetentionAge  time.Duration `mapstructure:"retention_age" yaml:"retention_age"`
	RetentionSize int64         `mapstructure:"retention_size" yaml:"retention_size"`
}

type Scheduler struct {
	DispatchWorkers    int           `mapstructure:"dispatch_workers" yaml:"dispatch_workers"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	MaxJobsPerPipeline int           `mapstructure:"max_jobs_per_pipeline" yaml:"max_jobs_per_pipeline"`
}

type Worker struct {
	Name              string        `mapstructure:"name" yaml:"name"`
	Labels            []string      `mapstructure:"labels" yaml:"labels"`
	Capabilities      []string      `mapstructure:"capabilities" yaml:"capabilities"`
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	WorkDir           string        `mapstructure:"work_dir" yaml:"work_dir"`
	ArtifactDir       string        `mapstructure:"artifact_dir" yaml:"artifact_dir"`
}

type Postgres struct {
	// DSN enables the PostgreSQL repositories; empty keeps the in-memory
	// ones.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

type Redis struct {
	// Addr enables the Redis cache provider; empty keeps the in-memory one.
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

type Metrics struct {
	// Addr is the Prometheus listen address; empty disables the endpoint.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// SecretsFile returns the path of the file-backed secret store.
func (c *Config) SecretsFile() string {
	return filepath.Join(c.DataDir, "secrets.json")
}

// StreamFile returns the path of the SQLite stream store.
func (c *Config) StreamFile() string {
	return filepath.Join(c.DataDir, "stream.db")
}

// LockFile returns the path of the scheduler's single-instance lock.
func (c *Config) LockFile() string {
	return filepath.Join(c.DataDir, "scheduler.lock")
}

// Load reads the configuration. A .env file in the working directory is
// applied first; file is an optional explicit config path.
func Load(file string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "oxide"))
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// DefaultFile returns the default config file path.
func DefaultFile() string {
	return filepath.Join(xdg.ConfigHome, "oxide", "config.yaml")
}

// Set writes one dotted key ("bus.store") into the config file, creating the
// file when absent. Environment overrides still take precedence on load.
func Set(file, key, value string) error {
	if file == "" {
		file = DefaultFile()
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read config: %w", err)
	}
	v.Set(key, value)
	if err := v.WriteConfigAs(file); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", filepath.Join(xdg.DataHome, "oxide"))

	v.SetDefault("log.debug", false)
	v.SetDefault("log.format", "text")
	v.SetDefault("log.quiet", false)

	v.SetDefault("bus.store", "sqlite")
	v.SetDefault("bus.ack_wait", 30*time.Second)
	v.SetDefault("bus.max_deliver", 3)
	v.SetDefault("bus.retention_age", 7*24*time.Hour)
	v.SetDefault("bus.retention_size", 0)

	v.SetDefault("scheduler.dispatch_workers", 4)
	v.SetDefault("scheduler.sweep_interval", 30*time.Second)
	v.SetDefault("scheduler.max_jobs_per_pipeline", 0)

	v.SetDefault("worker.max_concurrent_jobs", 1)
	v.SetDefault("worker.heartbeat_interval", 10*time.Second)
	v.SetDefault("worker.work_dir", filepath.Join(xdg.DataHome, "oxide", "work"))
	v.SetDefault("worker.artifact_dir", filepath.Join(xdg.DataHome, "oxide", "artifacts"))

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("metrics.addr", "")
}
