// Package config loads the service configuration from YAML with environment
// overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML duration strings like "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration for the service.
type Config struct {
	Mongo     MongoConfig             `yaml:"mongodb"`
	Server    ServerConfig            `yaml:"server"`
	Sources   map[string]SourceSpec   `yaml:"sources"`
	RateLimit map[string]RateLimitCfg `yaml:"rateLimits"`
	Schema    SchemaConfig            `yaml:"schema"`
	ETL       ETLConfig               `yaml:"etl"`
	Scheduler SchedulerConfig         `yaml:"scheduler"`
}

// MongoConfig holds document-store connection settings.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
}

// SourceSpec configures a single upstream source.
type SourceSpec struct {
	URL     string   `yaml:"url,omitempty"`     // HTTP sources
	Path    string   `yaml:"path,omitempty"`    // tabular sources
	Cap     int      `yaml:"cap"`               // max records per fetch
	Timeout Duration `yaml:"timeout,omitempty"` // HTTP timeout
}

// RateLimitCfg configures the token bucket for one source.
type RateLimitCfg struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstCapacity     int `yaml:"burstCapacity"`
	RetryBackoffMs    int `yaml:"retryBackoffMs"`
}

// SchemaConfig configures the field mapper.
type SchemaConfig struct {
	// Aliases maps source field names to unified field names with
	// confidence 1.0. Empty means the built-in table.
	Aliases map[string]string `yaml:"aliases"`
}

// ETLConfig configures the orchestrator.
type ETLConfig struct {
	BatchSize      int    `yaml:"batchSize"`
	FaultInjection bool   `yaml:"faultInjection"`
	Store          string `yaml:"store"` // "mongo" or "memory"
}

// SchedulerConfig configures the periodic trigger.
type SchedulerConfig struct {
	IntervalCron string `yaml:"intervalCron"`
	Enabled      bool   `yaml:"enabled"`
}

// Default returns the built-in configuration used when no file is supplied.
func Default() Config {
	cfg := Config{
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "coinflux",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
			IdleTimeout:  Duration(60 * time.Second),
		},
		Sources: map[string]SourceSpec{
			"coinpaprika": {URL: "https://api.coinpaprika.com/v1/tickers", Cap: 10, Timeout: Duration(10 * time.Second)},
			"csv":         {Path: "data/market_snapshots.csv", Cap: 5},
			"coingecko":   {URL: "https://api.coingecko.com/api/v3/coins/markets", Cap: 3, Timeout: Duration(10 * time.Second)},
		},
		RateLimit: map[string]RateLimitCfg{
			"coinpaprika": {RequestsPerMinute: 10, BurstCapacity: 5, RetryBackoffMs: 2000},
			"csv":         {RequestsPerMinute: 60, BurstCapacity: 10, RetryBackoffMs: 500},
			"coingecko":   {RequestsPerMinute: 3, BurstCapacity: 3, RetryBackoffMs: 5000},
		},
		ETL: ETLConfig{
			BatchSize: 5,
			Store:     "mongo",
		},
		Scheduler: SchedulerConfig{
			IntervalCron: "*/15 * * * *",
			Enabled:      true,
		},
	}
	return cfg
}

// Load reads configuration from path, applies defaults for unset fields,
// then environment overrides. An empty path yields Default() plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COINFLUX_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("COINFLUX_MONGO_DB"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("COINFLUX_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("FAULT_INJECTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ETL.FaultInjection = b
		}
	}
	if v := os.Getenv("COINFLUX_STORE"); v != "" {
		cfg.ETL.Store = v
	}
}

// Validate checks invariants the rest of the system assumes.
func (c Config) Validate() error {
	if c.ETL.BatchSize < 1 {
		return fmt.Errorf("batchSize must be >= 1, got %d", c.ETL.BatchSize)
	}
	if c.ETL.Store != "mongo" && c.ETL.Store != "memory" {
		return fmt.Errorf("unknown store backend %q", c.ETL.Store)
	}
	for id, rl := range c.RateLimit {
		if rl.RequestsPerMinute <= 0 {
			return fmt.Errorf("rateLimits.%s.requestsPerMinute must be positive", id)
		}
		if rl.BurstCapacity <= 0 {
			return fmt.Errorf("rateLimits.%s.burstCapacity must be positive", id)
		}
		if rl.RetryBackoffMs < 0 {
			return fmt.Errorf("rateLimits.%s.retryBackoffMs must not be negative", id)
		}
	}
	for id, src := range c.Sources {
		if src.Cap < 0 {
			return fmt.Errorf("sources.%s.cap must not be negative", id)
		}
		if src.URL == "" && src.Path == "" {
			return fmt.Errorf("sources.%s needs either url or path", id)
		}
	}
	return nil
}
