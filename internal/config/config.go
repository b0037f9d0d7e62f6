package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Port              string   `yaml:"port"`
	RequestTimeoutSec int      `yaml:"request_timeout_sec"`
	MaxBodyBytes      int64    `yaml:"max_body_bytes"`
	CORSOrigins       []string `yaml:"cors_origins"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Output is stdout, stderr or a file path.
	Output     string `yaml:"output"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type Redis struct {
	Enabled        bool     `yaml:"enabled"`
	Addrs          []string `yaml:"addrs"`
	Password       string   `yaml:"password"`
	DB             int      `yaml:"db"`
	PingTimeoutSec int      `yaml:"ping_timeout_sec"`
}

type Cache struct {
	Namespace  string `yaml:"namespace"`
	Version    string `yaml:"version"`
	LocalMaxMB int    `yaml:"local_max_mb"`
	// TTLSeconds overrides the default TTL table: source -> data type -> seconds.
	TTLSeconds map[string]map[string]int `yaml:"ttl_sec"`
}

type Retry struct {
	MaxAttempts       int `yaml:"max_attempts"`
	InitialIntervalMS int `yaml:"initial_interval_ms"`
	MaxIntervalMS     int `yaml:"max_interval_ms"`
	AttemptTimeoutSec int `yaml:"attempt_timeout_sec"`
}

type FinMind struct {
	Enabled              bool    `yaml:"enabled"`
	Token                string  `yaml:"token"`
	BaseURL              string  `yaml:"base_url"`
	MaxRequestsPerMinute int     `yaml:"max_requests_per_minute"`
	RequestsPerSecond    float64 `yaml:"requests_per_second"`
	Burst                int     `yaml:"burst"`
	// Tiers overrides the minimum caller tier per data type.
	Tiers map[string]string `yaml:"tiers"`
}

type Finnhub struct {
	Enabled              bool              `yaml:"enabled"`
	APIKey               string            `yaml:"api_key"`
	BaseURL              string            `yaml:"base_url"`
	MaxRequestsPerMinute int               `yaml:"max_requests_per_minute"`
	RequestsPerSecond    float64           `yaml:"requests_per_second"`
	Burst                int               `yaml:"burst"`
	Tiers                map[string]string `yaml:"tiers"`
}

type Routing struct {
	MaxConsecutiveFailures int  `yaml:"max_consecutive_failures"`
	HealthyLatencyMS       int  `yaml:"healthy_latency_ms"`
	ProbeEnabled           bool `yaml:"probe_enabled"`
	ProbeIntervalSec       int  `yaml:"probe_interval_sec"`
	ProbeTimeoutSec        int  `yaml:"probe_timeout_sec"`
}

type Orchestrator struct {
	BatchConcurrency       int `yaml:"batch_concurrency"`
	MaintenanceIntervalSec int `yaml:"maintenance_interval_sec"`
	SymbolCacheSize        int `yaml:"symbol_cache_size"`
	// Stub replaces the real providers with deterministic in-memory ones.
	Stub bool `yaml:"stub"`
}

type Config struct {
	Server       Server       `yaml:"server"`
	Log          Log          `yaml:"log"`
	Redis        Redis        `yaml:"redis"`
	Cache        Cache        `yaml:"cache"`
	Retry        Retry        `yaml:"retry"`
	FinMind      FinMind      `yaml:"finmind"`
	Finnhub      Finnhub      `yaml:"finnhub"`
	Routing      Routing      `yaml:"routing"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", RequestTimeoutSec: 60, MaxBodyBytes: 1 << 20, CORSOrigins: []string{"*"}},
		Log:    Log{Level: "info", Format: "json", Output: "stdout"},
		Redis: Redis{
			Enabled:        false,
			Addrs:          []string{"localhost:6379"},
			PingTimeoutSec: 2,
		},
		Cache: Cache{Namespace: "marketdata", Version: "v1", LocalMaxMB: 64},
		Retry: Retry{
			MaxAttempts:       3,
			InitialIntervalMS: 500,
			MaxIntervalMS:     5000,
			AttemptTimeoutSec: 30,
		},
		FinMind: FinMind{
			Enabled:              true,
			BaseURL:              "https://api.finmindtrade.com/api/v4",
			MaxRequestsPerMinute: 600,
			RequestsPerSecond:    10,
			Burst:                5,
		},
		Finnhub: Finnhub{
			Enabled:              true,
			BaseURL:              "https://finnhub.io/api/v1",
			MaxRequestsPerMinute: 60,
			RequestsPerSecond:    5,
			Burst:                2,
		},
		Routing: Routing{
			MaxConsecutiveFailures: 3,
			HealthyLatencyMS:       2000,
			ProbeEnabled:           true,
			ProbeIntervalSec:       300,
			ProbeTimeoutSec:        30,
		},
		Orchestrator: Orchestrator{
			BatchConcurrency:       5,
			MaintenanceIntervalSec: 3600,
			SymbolCacheSize:        10000,
		},
	}
}

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are skipped and variables already set win.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads YAML config from path. If path is empty it tries config.yaml,
// and missing files yield defaults. Environment variables override select
// fields, secrets in particular.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			dec := yaml.NewDecoder(bytes.NewReader(b))
			dec.KnownFields(true)
			if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// ProviderErrors reports configuration problems per enabled provider. A
// broken provider is skipped at startup; the others keep serving.
func (c Config) ProviderErrors() map[string]error {
	out := map[string]error{}
	if c.Orchestrator.Stub {
		return out
	}
	if c.FinMind.Enabled {
		switch {
		case c.FinMind.Token == "":
			out["finmind"] = errors.New("FINMIND_TOKEN is not set")
		case c.FinMind.BaseURL == "":
			out["finmind"] = errors.New("finmind base_url is empty")
		}
	}
	if c.Finnhub.Enabled {
		switch {
		case c.Finnhub.APIKey == "":
			out["finnhub"] = errors.New("FINNHUB_API_KEY is not set")
		case c.Finnhub.BaseURL == "":
			out["finnhub"] = errors.New("finnhub base_url is empty")
		}
	}
	return out
}

// Validate checks settings that would make the whole process unusable.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is empty"))
	}
	if c.Redis.Enabled && len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("redis.addrs is empty"))
	}
	if c.Orchestrator.BatchConcurrency <= 0 {
		errs = append(errs, errors.New("orchestrator.batch_concurrency must be positive"))
	}
	if c.Routing.MaxConsecutiveFailures <= 0 {
		errs = append(errs, errors.New("routing.max_consecutive_failures must be positive"))
	}
	if !c.Orchestrator.Stub && !c.FinMind.Enabled && !c.Finnhub.Enabled {
		errs = append(errs, errors.New("no provider enabled"))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	envInt("REQUEST_TIMEOUT_SEC", &cfg.Server.RequestTimeoutSec, 1)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitCSV(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("LOG_OUTPUT"); v != "" {
		cfg.Log.Output = v
	}
	envInt("LOG_MAX_AGE_DAYS", &cfg.Log.MaxAgeDays, 0)

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addrs = splitCSV(v)
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	envInt("REDIS_DB", &cfg.Redis.DB, 0)
	envBool("REDIS_ENABLED", &cfg.Redis.Enabled)

	if v := os.Getenv("CACHE_NAMESPACE"); v != "" {
		cfg.Cache.Namespace = v
	}
	envInt("CACHE_LOCAL_MAX_MB", &cfg.Cache.LocalMaxMB, 1)

	envInt("RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts, 1)
	envInt("PROVIDER_TIMEOUT_SEC", &cfg.Retry.AttemptTimeoutSec, 1)

	envBool("FINMIND_ENABLED", &cfg.FinMind.Enabled)
	if v := os.Getenv("FINMIND_TOKEN"); v != "" {
		cfg.FinMind.Token = v
	}
	if v := os.Getenv("FINMIND_BASE_URL"); v != "" {
		cfg.FinMind.BaseURL = v
	}
	envInt("FINMIND_MAX_RPM", &cfg.FinMind.MaxRequestsPerMinute, 0)

	envBool("FINNHUB_ENABLED", &cfg.Finnhub.Enabled)
	if v := os.Getenv("FINNHUB_API_KEY"); v != "" {
		cfg.Finnhub.APIKey = v
	}
	if v := os.Getenv("FINNHUB_BASE_URL"); v != "" {
		cfg.Finnhub.BaseURL = v
	}
	envInt("FINNHUB_MAX_RPM", &cfg.Finnhub.MaxRequestsPerMinute, 0)

	envInt("MAX_CONSECUTIVE_FAILURES", &cfg.Routing.MaxConsecutiveFailures, 1)
	envBool("HEALTH_PROBE_ENABLED", &cfg.Routing.ProbeEnabled)
	envInt("HEALTH_PROBE_INTERVAL_SEC", &cfg.Routing.ProbeIntervalSec, 1)

	envInt("BATCH_CONCURRENCY", &cfg.Orchestrator.BatchConcurrency, 1)
	envBool("STUB_PROVIDERS", &cfg.Orchestrator.Stub)
}

// envInt sets *dst from an integer variable when it parses and is >= floor.
func envInt(name string, dst *int, floor int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	x, err := strconv.Atoi(strings.TrimSpace(v))
	if err == nil && x >= floor {
		*dst = x
	}
}

func envBool(name string, dst *bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "y":
		*dst = true
	case "0", "false", "no", "n":
		*dst = false
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
