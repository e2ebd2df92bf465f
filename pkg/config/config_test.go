package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8080},
		Auth: AuthConfig{
			JWTSecretKey:    strings.Repeat("k", 32),
			AccessTokenTTL:  time.Hour,
			RefreshTokenTTL: 168 * time.Hour,
		},
		Sharding: ShardingConfig{
			DefaultShard: "auth_shard_sg",
			Shards: []ShardConfig{
				{Name: "auth_shard_sg", DSN: "file:sg.db", MaxOpenConns: 25, MaxIdleConns: 10, DirectMaxOpenConns: 3, DirectMaxIdleConns: 1},
				{Name: "auth_shard_vn", DSN: "file:vn.db", MaxOpenConns: 25, MaxIdleConns: 10, DirectMaxOpenConns: 3, DirectMaxIdleConns: 1},
			},
			CountryMap:     map[string]string{"VN": "auth_shard_vn", "SG": "auth_shard_sg"},
			ScatterTimeout: 3 * time.Second,
		},
		Migration: MigrationConfig{WriteRetries: 3, RetryBackoff: 500 * time.Millisecond, QueueSize: 256, SessionInvalidTTL: time.Hour},
	}
}

func TestConfig_ValidateAcceptsCompleteConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing secret",
			mutate:  func(c *Config) { c.Auth.JWTSecretKey = "" },
			wantErr: "JWT_SECRET_KEY",
		},
		{
			name:    "short secret",
			mutate:  func(c *Config) { c.Auth.JWTSecretKey = "short" },
			wantErr: "at least 32 characters",
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "port",
		},
		{
			name:    "no shards",
			mutate:  func(c *Config) { c.Sharding.Shards = nil },
			wantErr: "at least one shard",
		},
		{
			name:    "missing default shard",
			mutate:  func(c *Config) { c.Sharding.DefaultShard = "" },
			wantErr: "default shard is required",
		},
		{
			name:    "default shard not configured",
			mutate:  func(c *Config) { c.Sharding.DefaultShard = "auth_shard_eu" },
			wantErr: "not among the configured shards",
		},
		{
			name:    "empty shard name",
			mutate:  func(c *Config) { c.Sharding.Shards[0].Name = "" },
			wantErr: "shard name must not be empty",
		},
		{
			name:    "missing DSN",
			mutate:  func(c *Config) { c.Sharding.Shards[1].DSN = "" },
			wantErr: "DSN is required",
		},
		{
			name:    "duplicate shard name",
			mutate:  func(c *Config) { c.Sharding.Shards[1].Name = "auth_shard_sg" },
			wantErr: "duplicate shard name",
		},
		{
			name:    "zero pool bound",
			mutate:  func(c *Config) { c.Sharding.Shards[0].DirectMaxOpenConns = 0 },
			wantErr: "pool bounds must be positive",
		},
		{
			name:    "country maps to unknown shard",
			mutate:  func(c *Config) { c.Sharding.CountryMap["US"] = "auth_shard_na" },
			wantErr: "unknown shard",
		},
		{
			name:    "zero write retries",
			mutate:  func(c *Config) { c.Migration.WriteRetries = 0 },
			wantErr: "write retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_FromYAMLAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "authd.yaml")

	yaml := `
log:
  level: debug
server:
  host: 127.0.0.1
  port: 9090
auth:
  access_token_ttl: 30m
sharding:
  default_shard: auth_shard_sg
  scatter_timeout: 2s
  shards:
    - name: auth_shard_sg
      dsn: "file:sg.db"
    - name: auth_shard_vn
      dsn: "file:vn.db"
      max_open_conns: 50
  country_map:
    SG: auth_shard_sg
    VN: auth_shard_vn
migration:
  write_retries: 5
`
	require.NoError(t, os.WriteFile(configFile, []byte(yaml), 0o644))

	t.Setenv("JWT_SECRET_KEY", strings.Repeat("s", 32))

	cfg, err := Load(configFile, "")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9090", cfg.GetListenAddress())
	assert.Equal(t, 30*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, 168*time.Hour, cfg.Auth.RefreshTokenTTL, "unset fields keep struct defaults")
	assert.Equal(t, "auth_shard_sg", cfg.Sharding.DefaultShard)
	assert.Equal(t, 2*time.Second, cfg.Sharding.ScatterTimeout)
	require.Len(t, cfg.Sharding.Shards, 2)
	assert.Equal(t, 25, cfg.Sharding.Shards[0].MaxOpenConns, "per-shard defaults apply")
	assert.Equal(t, 50, cfg.Sharding.Shards[1].MaxOpenConns)
	assert.Equal(t, 5, cfg.Migration.WriteRetries)
}

func TestLoad_EnvironmentOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "authd.yaml")

	yaml := `
server:
  port: 9090
sharding:
  default_shard: auth_shard_sg
  shards:
    - name: auth_shard_sg
      dsn: "file:sg.db"
`
	require.NoError(t, os.WriteFile(configFile, []byte(yaml), 0o644))

	t.Setenv("JWT_SECRET_KEY", strings.Repeat("s", 32))
	t.Setenv("AUTH_PORT", "7070")

	cfg, err := Load(configFile, "")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoad_MissingSecretFails(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "authd.yaml")

	yaml := `
sharding:
  default_shard: auth_shard_sg
  shards:
    - name: auth_shard_sg
      dsn: "file:sg.db"
`
	require.NoError(t, os.WriteFile(configFile, []byte(yaml), 0o644))
	t.Setenv("JWT_SECRET_KEY", "")

	_, err := Load(configFile, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET_KEY")
}
