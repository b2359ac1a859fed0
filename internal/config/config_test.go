package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.ETL.BatchSize)
	assert.Equal(t, 10, cfg.Sources["coinpaprika"].Cap)
	assert.Equal(t, 3, cfg.RateLimit["coingecko"].RequestsPerMinute)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
etl:
  batchSize: 2
  store: memory
server:
  port: 9999
  read_timeout: 5s
sources:
  coinpaprika:
    url: http://localhost:9001/tickers
    cap: 4
    timeout: 3s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.ETL.BatchSize)
	assert.Equal(t, "memory", cfg.ETL.Store)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout.Std())
	assert.Equal(t, "http://localhost:9001/tickers", cfg.Sources["coinpaprika"].URL)
	assert.Equal(t, 3*time.Second, cfg.Sources["coinpaprika"].Timeout.Std())
	// Untouched sections keep their defaults.
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("COINFLUX_MONGO_URI", "mongodb://db:27017")
	t.Setenv("COINFLUX_STORE", "memory")
	t.Setenv("FAULT_INJECTION", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "mongodb://db:27017", cfg.Mongo.URI)
	assert.Equal(t, "memory", cfg.ETL.Store)
	assert.True(t, cfg.ETL.FaultInjection)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestLoad_BadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  read_timeout: soon\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"batch_size_zero", func(c *Config) { c.ETL.BatchSize = 0 }},
		{"unknown_store", func(c *Config) { c.ETL.Store = "sqlite" }},
		{"zero_rpm", func(c *Config) {
			rl := c.RateLimit["csv"]
			rl.RequestsPerMinute = 0
			c.RateLimit["csv"] = rl
		}},
		{"zero_burst", func(c *Config) {
			rl := c.RateLimit["csv"]
			rl.BurstCapacity = 0
			c.RateLimit["csv"] = rl
		}},
		{"source_without_target", func(c *Config) {
			c.Sources["csv"] = SourceSpec{Cap: 5}
		}},
		{"negative_cap", func(c *Config) {
			c.Sources["csv"] = SourceSpec{Path: "x.csv", Cap: -1}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
