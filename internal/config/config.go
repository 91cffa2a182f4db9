// Package config loads factgraph settings from defaults, an optional YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/raphaelgruber/factgraph/internal/client"
	"github.com/raphaelgruber/factgraph/internal/db"
	"github.com/raphaelgruber/factgraph/internal/service"
)

// Config holds all configuration values.
type Config struct {
	API       APIConfig     `mapstructure:"api"`
	Tracker   TrackerConfig `mapstructure:"tracker"`
	Store     StoreConfig   `mapstructure:"store"`
	SurrealDB SurrealConfig `mapstructure:"surrealdb"`
	Server    ServerConfig  `mapstructure:"server"`
	Log       LogConfig     `mapstructure:"log"`
}

// APIConfig points at the extraction service.
type APIConfig struct {
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`

	// Timezone is the IANA zone of the service's zone-less timestamps,
	// or "Local".
	Timezone string `mapstructure:"timezone"`
}

// TrackerConfig tunes polling and grace periods.
type TrackerConfig struct {
	Namespace    string        `mapstructure:"namespace"`
	PollInitial  time.Duration `mapstructure:"poll_initial"`
	PollStep     time.Duration `mapstructure:"poll_step"`
	PollMax      time.Duration `mapstructure:"poll_max"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	MaxDuration  time.Duration `mapstructure:"max_duration"`
	VerifyGrace  time.Duration `mapstructure:"verify_grace"`
	DisplayGrace time.Duration `mapstructure:"display_grace"`
	Retention    time.Duration `mapstructure:"retention"`
	UseCache     bool          `mapstructure:"use_cache"`
}

// StoreConfig controls task persistence.
type StoreConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SurrealConfig is the SurrealDB connection.
type SurrealConfig struct {
	URL       string `mapstructure:"url"`
	Namespace string `mapstructure:"namespace"`
	Database  string `mapstructure:"database"`
	User      string `mapstructure:"user"`
	Pass      string `mapstructure:"pass"`
	AuthLevel string `mapstructure:"auth_level"`
}

// ServerConfig is the tracker server.
type ServerConfig struct {
	Addr          string `mapstructure:"addr"`
	MaintenanceSchedule string `mapstructure:"maintenance_schedule"`
}

// LogConfig is where and how much to log.
type LogConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// envBindings maps config keys to environment variables.
var envBindings = map[string]string{
	"api.url":               "FACTGRAPH_API_URL",
	"api.timeout":           "FACTGRAPH_API_TIMEOUT",
	"api.rate_limit":        "FACTGRAPH_API_RATE_LIMIT",
	"api.burst":             "FACTGRAPH_API_BURST",
	"api.cache_ttl":         "FACTGRAPH_API_CACHE_TTL",
	"api.timezone":          "FACTGRAPH_API_TIMEZONE",
	"tracker.namespace":     "FACTGRAPH_NAMESPACE",
	"tracker.poll_initial":  "FACTGRAPH_POLL_INITIAL",
	"tracker.poll_step":     "FACTGRAPH_POLL_STEP",
	"tracker.poll_max":      "FACTGRAPH_POLL_MAX",
	"tracker.max_attempts":  "FACTGRAPH_MAX_ATTEMPTS",
	"tracker.max_duration":  "FACTGRAPH_MAX_DURATION",
	"tracker.verify_grace":  "FACTGRAPH_VERIFY_GRACE",
	"tracker.display_grace": "FACTGRAPH_DISPLAY_GRACE",
	"tracker.retention":     "FACTGRAPH_RETENTION",
	"tracker.use_cache":     "FACTGRAPH_USE_CACHE",
	"store.enabled":         "FACTGRAPH_STORE",
	"surrealdb.url":         "SURREALDB_URL",
	"surrealdb.namespace":   "SURREALDB_NAMESPACE",
	"surrealdb.database":    "SURREALDB_DATABASE",
	"surrealdb.user":        "SURREALDB_USER",
	"surrealdb.pass":        "SURREALDB_PASS",
	"surrealdb.auth_level":  "SURREALDB_AUTH_LEVEL",
	"server.addr":           "FACTGRAPH_ADDR",
	"server.maintenance_schedule": "FACTGRAPH_MAINTENANCE_SCHEDULE",
	"log.file":              "FACTGRAPH_LOG_FILE",
	"log.level":             "FACTGRAPH_LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	sched := service.DefaultSchedule()

	v.SetDefault("api.url", client.DefaultBaseURL)
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.rate_limit", 10.0)
	v.SetDefault("api.burst", 5)
	v.SetDefault("api.cache_ttl", "1m")
	v.SetDefault("api.timezone", "UTC")

	v.SetDefault("tracker.namespace", service.DefaultNamespace)
	v.SetDefault("tracker.poll_initial", sched.Initial.String())
	v.SetDefault("tracker.poll_step", sched.Step.String())
	v.SetDefault("tracker.poll_max", sched.Max.String())
	v.SetDefault("tracker.max_attempts", sched.MaxAttempts)
	v.SetDefault("tracker.max_duration", sched.MaxDuration.String())
	v.SetDefault("tracker.verify_grace", service.DefaultVerifyGrace.String())
	v.SetDefault("tracker.display_grace", service.DefaultDisplayGrace.String())
	v.SetDefault("tracker.retention", service.DefaultRetention.String())
	v.SetDefault("tracker.use_cache", false)

	v.SetDefault("store.enabled", false)

	v.SetDefault("surrealdb.url", "ws://localhost:8000/rpc")
	v.SetDefault("surrealdb.namespace", "factgraph")
	v.SetDefault("surrealdb.database", "tracker")
	v.SetDefault("surrealdb.user", "root")
	v.SetDefault("surrealdb.pass", "root")
	v.SetDefault("surrealdb.auth_level", "root")

	v.SetDefault("server.addr", ":8484")
	v.SetDefault("server.maintenance_schedule", "@every 1m")

	v.SetDefault("log.file", filepath.Join(os.TempDir(), "factgraph.log"))
	v.SetDefault("log.level", "INFO")
}

// Load reads configuration. An explicit configFile must exist; otherwise
// factgraph.yaml is looked up in the working directory and in
// $HOME/.config/factgraph, and a missing file is not an error.
// Environment variables override both.
func Load(configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("factgraph")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "factgraph"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.API.URL) == "" {
		return errors.New("api.url is required")
	}
	if _, err := time.LoadLocation(c.API.Timezone); err != nil {
		return fmt.Errorf("api.timezone: %w", err)
	}
	if c.Tracker.PollInitial <= 0 || c.Tracker.PollMax < c.Tracker.PollInitial {
		return fmt.Errorf("invalid poll interval %s..%s", c.Tracker.PollInitial, c.Tracker.PollMax)
	}
	return nil
}

// LogLevel returns the configured slog level.
func (c Config) LogLevel() slog.Level {
	return parseLogLevel(c.Log.Level)
}

// ClientOptions returns the extraction client settings.
func (c Config) ClientOptions() client.Options {
	loc, err := time.LoadLocation(c.API.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return client.Options{
		Location:          loc,
		BaseURL:           c.API.URL,
		Timeout:           c.API.Timeout,
		RequestsPerSecond: c.API.RateLimit,
		Burst:             c.API.Burst,
		CacheTTL:          c.API.CacheTTL,
	}
}

// DB returns the SurrealDB connection settings.
func (c Config) DB() db.Config {
	return db.Config{
		URL:       c.SurrealDB.URL,
		Namespace: c.SurrealDB.Namespace,
		Database:  c.SurrealDB.Database,
		Username:  c.SurrealDB.User,
		Password:  c.SurrealDB.Pass,
		AuthLevel: c.SurrealDB.AuthLevel,
	}
}

// TrackerOptions returns tracker settings. Store, metrics and logger are
// left for the caller.
func (c Config) TrackerOptions() service.Options {
	return service.Options{
		Namespace: c.Tracker.Namespace,
		Schedule: service.Schedule{
			Initial:     c.Tracker.PollInitial,
			Step:        c.Tracker.PollStep,
			Max:         c.Tracker.PollMax,
			MaxAttempts: c.Tracker.MaxAttempts,
			MaxDuration: c.Tracker.MaxDuration,
		},
		VerifyGrace:  c.Tracker.VerifyGrace,
		DisplayGrace: c.Tracker.DisplayGrace,
		Retention:    c.Tracker.Retention,
		UseCache:     c.Tracker.UseCache,
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
