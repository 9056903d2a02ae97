// Package config provides configuration management for litepool.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Config holds all configuration sections for litepool.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	CSRF     CSRFConfig     `mapstructure:"csrf"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the settings for both connection pools.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	// Path is the database file for the sqlite3 driver.
	Path string `mapstructure:"path"`
	// DSN is the connection string for the pgx driver.
	DSN string `mapstructure:"dsn"`

	ReadPoolSize   int `mapstructure:"readPoolSize"`
	WritePoolSize  int `mapstructure:"writePoolSize"`
	MinIdleWriters int `mapstructure:"minIdleWriters"`
	MinIdleReaders int `mapstructure:"minIdleReaders"`

	// AcquireTimeout bounds how long a caller waits in a pool queue.
	AcquireTimeout time.Duration `mapstructure:"acquireTimeout"`
	// BusyTimeout is applied as the engine busy_timeout pragma.
	BusyTimeout time.Duration `mapstructure:"busyTimeout"`
	// IdleTimeout closes pooled connections idle longer than this. Zero keeps them forever.
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`

	// MaxBindParameters overrides the per-statement bind limit used by bulk inserts.
	MaxBindParameters int `mapstructure:"maxBindParameters"`

	AutoMigrate bool `mapstructure:"autoMigrate"`
	// MigrateTo is the version to end at; nil means latest and 0 reverts
	// everything.
	MigrateTo *int `mapstructure:"migrateTo"`
	// MigrateFirstTo, when set, is reached before MigrateTo.
	MigrateFirstTo *int `mapstructure:"migrateFirstTo"`

	Pragmas PragmaConfig `mapstructure:"pragmas"`
	Retry   RetryConfig  `mapstructure:"retry"`
}

// PragmaConfig holds the pragmas applied to every connection.
type PragmaConfig struct {
	JournalMode string            `mapstructure:"journalMode"`
	Synchronous string            `mapstructure:"synchronous"`
	ForeignKeys bool              `mapstructure:"foreignKeys"`
	PageSize    int               `mapstructure:"pageSize"`
	LockingMode string            `mapstructure:"lockingMode"`
	AutoVacuum  string            `mapstructure:"autoVacuum"`
	Extra       map[string]string `mapstructure:"extra"`
}

// RetryConfig holds the statement-level retry policy for transient lock errors.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"maxAttempts"`
	InitialInterval time.Duration `mapstructure:"initialInterval"`
	MaxInterval     time.Duration `mapstructure:"maxInterval"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// CSRFConfig holds the session cookie settings used by CSRF protection.
type CSRFConfig struct {
	CookieName string `mapstructure:"cookieName"`
	HeaderName string `mapstructure:"headerName"`
	Secure     bool   `mapstructure:"secure"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry settings. The exporter endpoint itself
// comes from OTEL_EXPORTER_OTLP_ENDPOINT.
type TracingConfig struct {
	ServiceName string `mapstructure:"serviceName"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns host:port for the HTTP listener.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("LITEPOOL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "./litepool.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.readPoolSize", 4)
	v.SetDefault("database.writePoolSize", 1)
	v.SetDefault("database.minIdleWriters", 1)
	v.SetDefault("database.minIdleReaders", 0)
	v.SetDefault("database.acquireTimeout", 5*time.Second)
	v.SetDefault("database.busyTimeout", 5*time.Second)
	v.SetDefault("database.idleTimeout", time.Duration(0))
	v.SetDefault("database.maxBindParameters", 0) // 0 means the driver limit
	v.SetDefault("database.autoMigrate", true)
	v.SetDefault("database.pragmas.journalMode", "WAL")
	v.SetDefault("database.pragmas.synchronous", "NORMAL")
	v.SetDefault("database.pragmas.foreignKeys", true)
	v.SetDefault("database.pragmas.pageSize", 4096)
	v.SetDefault("database.pragmas.lockingMode", "NORMAL")
	v.SetDefault("database.pragmas.autoVacuum", "NONE")
	v.SetDefault("database.pragmas.extra", map[string]string{})
	v.SetDefault("database.retry.maxAttempts", 5)
	v.SetDefault("database.retry.initialInterval", 10*time.Millisecond)
	v.SetDefault("database.retry.maxInterval", 250*time.Millisecond)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "litepool")
	v.SetDefault("nats.maxReconnects", 10)

	// CSRF defaults
	v.SetDefault("csrf.cookieName", "litepool_session")
	v.SetDefault("csrf.headerName", "X-CSRF-Token")
	v.SetDefault("csrf.secure", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.serviceName", "litepool")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix LITEPOOL_ with the key path joined by
// underscores (LITEPOOL_DATABASE_PATH). The config file is litepool.yaml in the
// current directory or /etc/litepool/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("LITEPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE, so the
	// commonly overridden ones are bound explicitly.
	_ = v.BindEnv("database.path", "LITEPOOL_DB_PATH", "LITEPOOL_DATABASE_PATH")
	_ = v.BindEnv("database.readPoolSize", "LITEPOOL_DATABASE_READ_POOL_SIZE")
	_ = v.BindEnv("database.writePoolSize", "LITEPOOL_DATABASE_WRITE_POOL_SIZE")
	_ = v.BindEnv("database.acquireTimeout", "LITEPOOL_DATABASE_ACQUIRE_TIMEOUT")
	_ = v.BindEnv("database.busyTimeout", "LITEPOOL_DATABASE_BUSY_TIMEOUT")
	_ = v.BindEnv("database.autoMigrate", "LITEPOOL_DATABASE_AUTO_MIGRATE")
	_ = v.BindEnv("database.minIdleReaders", "LITEPOOL_DATABASE_MIN_IDLE_READERS")
	_ = v.BindEnv("database.migrateTo", "LITEPOOL_DATABASE_MIGRATE_TO")
	_ = v.BindEnv("database.migrateFirstTo", "LITEPOOL_DATABASE_MIGRATE_FIRST_TO")

	v.SetConfigName("litepool")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/litepool/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	errs = append(errs, cfg.Database.validate()...)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.CSRF.CookieName == "" || cfg.CSRF.HeaderName == "" {
		errs = append(errs, "csrf.cookieName and csrf.headerName are required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

func (d *DatabaseConfig) validate() []string {
	var errs []string

	switch d.Driver {
	case DriverSQLite:
		if d.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case DriverPostgres:
		if d.DSN == "" {
			errs = append(errs, "database.dsn is required for the pgx driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite3, pgx)", d.Driver))
	}

	if d.ReadPoolSize <= 0 {
		errs = append(errs, "database.readPoolSize must be positive")
	}
	if d.WritePoolSize <= 0 {
		errs = append(errs, "database.writePoolSize must be positive")
	}
	if d.MinIdleWriters < 0 || d.MinIdleWriters > d.WritePoolSize {
		errs = append(errs, "database.minIdleWriters must be between 0 and database.writePoolSize")
	}
	if d.MinIdleReaders < 0 || d.MinIdleReaders > d.ReadPoolSize {
		errs = append(errs, "database.minIdleReaders must be between 0 and database.readPoolSize")
	}
	if d.AcquireTimeout <= 0 {
		errs = append(errs, "database.acquireTimeout must be positive")
	}
	if d.BusyTimeout < 0 || d.IdleTimeout < 0 {
		errs = append(errs, "database.busyTimeout and database.idleTimeout must not be negative")
	}
	errs = append(errs, d.Pragmas.validate()...)
	if d.MaxBindParameters < 0 {
		errs = append(errs, "database.maxBindParameters must not be negative")
	}
	if (d.MigrateTo != nil && *d.MigrateTo < 0) || (d.MigrateFirstTo != nil && *d.MigrateFirstTo < 0) {
		errs = append(errs, "database.migrateTo and database.migrateFirstTo must not be negative")
	}
	if d.Retry.MaxAttempts <= 0 {
		errs = append(errs, "database.retry.maxAttempts must be positive")
	}
	if d.Retry.InitialInterval < 0 || d.Retry.MaxInterval < d.Retry.InitialInterval {
		errs = append(errs, "database.retry intervals must satisfy 0 <= initialInterval <= maxInterval")
	}

	return errs
}

func (p *PragmaConfig) validate() []string {
	var errs []string
	if ps := p.PageSize; ps != 0 && (ps < 512 || ps > 65536 || ps&(ps-1) != 0) {
		errs = append(errs, "database.pragmas.pageSize must be a power of two between 512 and 65536")
	}
	switch strings.ToUpper(p.LockingMode) {
	case "", "NORMAL", "EXCLUSIVE":
	default:
		errs = append(errs, "database.pragmas.lockingMode must be NORMAL or EXCLUSIVE")
	}
	switch strings.ToUpper(p.AutoVacuum) {
	case "", "NONE", "FULL", "INCREMENTAL":
	default:
		errs = append(errs, "database.pragmas.autoVacuum must be NONE, FULL or INCREMENTAL")
	}
	return errs
}

// DefaultDatabase returns a DatabaseConfig populated with the same defaults
// Load applies, pointed at path. Intended for tests and embedding callers that
// do not use viper.
func DefaultDatabase(path string) DatabaseConfig {
	return DatabaseConfig{
		Driver:         DriverSQLite,
		Path:           path,
		ReadPoolSize:   4,
		WritePoolSize:  1,
		MinIdleWriters: 1,
		AcquireTimeout: 5 * time.Second,
		BusyTimeout:    5 * time.Second,
		AutoMigrate:    true,
		Pragmas: PragmaConfig{
			JournalMode: "WAL",
			Synchronous: "NORMAL",
			ForeignKeys: true,
			PageSize:    4096,
			LockingMode: "NORMAL",
			AutoVacuum:  "NONE",
		},
		Retry: RetryConfig{
			MaxAttempts:     5,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     250 * time.Millisecond,
		},
	}
}
