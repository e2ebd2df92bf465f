package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains all configuration for the auth service
type Config struct {
	// Logging configuration
	Log LogConfig `yaml:"log"`

	// HTTP server configuration
	Server ServerConfig `yaml:"server"`

	// Token issuance and validation configuration
	Auth AuthConfig `yaml:"auth"`

	// Shard topology configuration
	Sharding ShardingConfig `yaml:"sharding"`

	// Account migration configuration
	Migration MigrationConfig `yaml:"migration"`
}

// LogConfig configures logging behavior
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" default:"json"`
	Debug  bool   `yaml:"debug" env:"DEBUG" default:"false"`
}

// ConfigureZerolog configures zerolog based on the log configuration
func (c *LogConfig) ConfigureZerolog() {
	level := zerolog.InfoLevel
	if c.Debug {
		level = zerolog.DebugLevel
	} else {
		switch strings.ToLower(c.Level) {
		case "trace":
			level = zerolog.TraceLevel
		case "debug":
			level = zerolog.DebugLevel
		case "info":
			level = zerolog.InfoLevel
		case "warn", "warning":
			level = zerolog.WarnLevel
		case "error":
			level = zerolog.ErrorLevel
		case "fatal":
			level = zerolog.FatalLevel
		case "panic":
			level = zerolog.PanicLevel
		}
	}
	zerolog.SetGlobalLevel(level)
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host" env:"AUTH_HOST" default:"0.0.0.0"`
	Port int    `yaml:"port" env:"AUTH_PORT" default:"8080"`
}

// AuthConfig contains token issuance and validation configuration
type AuthConfig struct {
	JWTSecretKey    string        `yaml:"-" env:"JWT_SECRET_KEY"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl" default:"1h"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" default:"168h"`
}

// ShardConfig describes one physical database shard
type ShardConfig struct {
	Name string `yaml:"name"`
	DSN  string `yaml:"dsn"`

	// Routed pool bounds
	MaxOpenConns    int           `yaml:"max_open_conns" default:"25"`
	MaxIdleConns    int           `yaml:"max_idle_conns" default:"10"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" default:"5m"`

	// Direct pool bounds, used only for fan-out lookups. Deliberately
	// smaller than the routed pool so a broad lookup cannot starve it.
	DirectMaxOpenConns int `yaml:"direct_max_open_conns" default:"3"`
	DirectMaxIdleConns int `yaml:"direct_max_idle_conns" default:"1"`
}

// ShardingConfig contains the shard topology: the shard list, the default
// shard, and the country to shard mapping
type ShardingConfig struct {
	DefaultShard string            `yaml:"default_shard" env:"DEFAULT_SHARD"`
	Shards       []ShardConfig     `yaml:"shards"`
	CountryMap   map[string]string `yaml:"country_map"`

	// Per-shard timeout for fan-out lookups
	ScatterTimeout time.Duration `yaml:"scatter_timeout" default:"3s"`
}

// applyShardDefaults fills in pool bounds for shards that omit them. Shard
// entries are populated from YAML after the tag-default pass runs, so the
// struct tag defaults never reach them.
func (s *ShardingConfig) applyShardDefaults() {
	for i := range s.Shards {
		sh := &s.Shards[i]
		if sh.MaxOpenConns == 0 {
			sh.MaxOpenConns = 25
		}
		if sh.MaxIdleConns == 0 {
			sh.MaxIdleConns = 10
		}
		if sh.ConnMaxLifetime == 0 {
			sh.ConnMaxLifetime = 5 * time.Minute
		}
		if sh.DirectMaxOpenConns == 0 {
			sh.DirectMaxOpenConns = 3
		}
		if sh.DirectMaxIdleConns == 0 {
			sh.DirectMaxIdleConns = 1
		}
	}
}

// MigrationConfig configures the account migration orchestrator
type MigrationConfig struct {
	WriteRetries      int           `yaml:"write_retries" default:"3"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" default:"500ms"`
	QueueSize         int           `yaml:"queue_size" default:"256"`
	SessionInvalidTTL time.Duration `yaml:"session_invalid_ttl" default:"1h"`
}

// Load loads the auth service configuration from multiple sources
func Load(configFile, envFile string) (*Config, error) {
	cfg := &Config{}

	loader := NewLoader(LoaderConfig{
		ConfigFile:      configFile,
		EnvironmentFile: envFile,
		ServiceName:     "auth",
	})

	if err := loader.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load auth configuration: %w", err)
	}

	cfg.Sharding.applyShardDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("auth configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration. A broken shard topology is fatal:
// there is no sensible degraded mode when the default shard is missing.
func (c *Config) Validate() error {
	if c.Auth.JWTSecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if len(c.Auth.JWTSecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if len(c.Sharding.Shards) == 0 {
		return fmt.Errorf("at least one shard must be configured")
	}

	if c.Sharding.DefaultShard == "" {
		return fmt.Errorf("default shard is required")
	}

	names := make(map[string]bool, len(c.Sharding.Shards))
	for _, s := range c.Sharding.Shards {
		if s.Name == "" {
			return fmt.Errorf("shard name must not be empty")
		}
		if s.DSN == "" {
			return fmt.Errorf("shard %s: DSN is required", s.Name)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate shard name: %s", s.Name)
		}
		if s.MaxOpenConns <= 0 || s.DirectMaxOpenConns <= 0 {
			return fmt.Errorf("shard %s: pool bounds must be positive", s.Name)
		}
		names[s.Name] = true
	}

	if !names[c.Sharding.DefaultShard] {
		return fmt.Errorf("default shard %q is not among the configured shards", c.Sharding.DefaultShard)
	}

	for country, shard := range c.Sharding.CountryMap {
		if !names[shard] {
			return fmt.Errorf("country %s maps to unknown shard %q", country, shard)
		}
	}

	if c.Migration.WriteRetries < 1 {
		return fmt.Errorf("migration write retries must be at least 1")
	}

	return nil
}

// GetListenAddress returns the address the server should listen on
func (c *Config) GetListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
