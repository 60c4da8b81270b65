// Package config provides configuration management for Ledgermill.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	River      RiverConfig      `mapstructure:"river"`
	Projection ProjectionConfig `mapstructure:"projection"`
	Rules      RulesConfig      `mapstructure:"rules"`
	AP         APConfig         `mapstructure:"ap"`
	Security   SecurityConfig   `mapstructure:"security"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// A single shared pgxpool serves the stores, the projection engine and River.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// ProjectionConfig contains projection engine settings.
type ProjectionConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxEventRetries int           `mapstructure:"max_event_retries"`
	WorkerPoolSize  int           `mapstructure:"worker_pool_size"`
}

// RulesConfig contains rules engine settings.
type RulesConfig struct {
	// Dir is a directory of YAML/JSON rule files loaded at startup.
	Dir string `mapstructure:"dir"`
}

// APConfig contains accounts-payable defaults.
type APConfig struct {
	DefaultExpenseAccount string  `mapstructure:"default_expense_account"`
	APControlAccount      string  `mapstructure:"ap_control_account"`
	CashAccount           string  `mapstructure:"cash_account"`
	MatchTolerance        float64 `mapstructure:"match_tolerance"`
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	// JWTSecret enables the authenticated-identity middleware when set.
	// Without it, the request body actor is trusted (local/dev mode).
	JWTSecret string `mapstructure:"jwt_secret"`

	// Capabilities maps capability names to the intent types they grant.
	Capabilities map[string][]string `mapstructure:"capabilities"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/ledgermill")

	// Environment variable override.
	// Maps nested config: database.max_conns → DATABASE_MAX_CONNS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Projection.BatchSize <= 0 {
		return fmt.Errorf("projection.batch_size must be positive")
	}
	if c.Projection.MaxEventRetries < 1 {
		return fmt.Errorf("projection.max_event_retries must be at least 1")
	}
	if c.AP.MatchTolerance < 0 || c.AP.MatchTolerance >= 1 {
		return fmt.Errorf("ap.match_tolerance must be in [0, 1)")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{})

	// Database (shared pool)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ledgermill")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "ledgermill")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Projection engine
	v.SetDefault("projection.poll_interval", "500ms")
	v.SetDefault("projection.batch_size", 100)
	v.SetDefault("projection.max_event_retries", 5)
	v.SetDefault("projection.worker_pool_size", 10)

	// Rules
	v.SetDefault("rules.dir", "rules")

	// AP defaults
	v.SetDefault("ap.default_expense_account", "5000-00")
	v.SetDefault("ap.ap_control_account", "2100-00")
	v.SetDefault("ap.cash_account", "1000-00")
	v.SetDefault("ap.match_tolerance", 0.01)
}
