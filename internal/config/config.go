// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server settings,
// logging, the staging database path, external pool management, and the push
// pipeline knobs (batch size, workers, retry/backoff, rate limiting).
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// PoolConfig defines defaults and cache behavior for external tenant pools.
type PoolConfig struct {
	ConnFile        string        // RELOADER_DBCONN_PATH: JSON/YAML tenant connection file
	CacheMaxPools   int           // EXTERNAL_DB_MAX_POOLS: registry capacity
	CacheTTL        time.Duration // EXTERNAL_DB_POOL_TTL: evict pools idle this long
	MaxOpenConns    int           // EXTERNAL_DB_MAX_OPEN_CONNS
	MaxIdleConns    int           // EXTERNAL_DB_MAX_IDLE_CONNS
	ConnMaxLifetime time.Duration // EXTERNAL_DB_CONN_MAX_LIFETIME
	ConnMaxIdleTime time.Duration // EXTERNAL_DB_CONN_MAX_IDLE_TIME
}

// PushConfig defines the push pipeline behavior.
type PushConfig struct {
	BatchSize      int           // PUSH_BATCH_SIZE: payloads claimed per batch
	Workers        int           // PUSH_WORKERS: concurrent push workers
	MaxAttempts    int           // PUSH_MAX_ATTEMPTS: delivery attempt ceiling
	BackoffBase    time.Duration // PUSH_BACKOFF_BASE: first retry delay
	BackoffCap     time.Duration // PUSH_BACKOFF_CAP: retry delay ceiling
	StaleClaim     time.Duration // PUSH_STALE_CLAIM: STAGED older than this is abandoned
	SweepInterval  time.Duration // PUSH_SWEEP_INTERVAL: reclaim sweep cadence
	DispatchRate   float64       // PUSH_DISPATCH_RPS: batches per second across workers (0 = unlimited)
	DispatchBurst  int           // PUSH_DISPATCH_BURST
	AllowRemote    bool          // EXTERNAL_DB_ALLOW_WRITES: gate on remote queue inserts
	BootstrapDest  bool          // DESTINATION_BOOTSTRAP: create the remote queue table (dev/test destinations)
}

// CORSConfig defines the allowed browser origins. Empty means allow all.
type CORSConfig struct {
	AllowedOrigins []string // CORS_ALLOWED_ORIGINS: comma-separated
}

// SecurityConfig defines security header behavior.
type SecurityConfig struct {
	EnableHSTS bool // SECURITY_ENABLE_HSTS
	HSTSMaxAge int  // SECURITY_HSTS_MAX_AGE seconds
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool

	// App
	DBPath      string // staging/session SQLite path
	APIBasePath string

	// HTTP rate limiting
	RateRPS   float64
	RateBurst int

	Pool     PoolConfig
	Push     PushConfig
	CORS     CORSConfig
	Security SecurityConfig
	OTEL     OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		DBPath:      getenv("DB_PATH", "reloader.db"),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		RateRPS:   getfloat("RATE_RPS", 10.0),
		RateBurst: getint("RATE_BURST", 20),

		Pool: PoolConfig{
			ConnFile:        getenv("RELOADER_DBCONN_PATH", "dbconnections.json"),
			CacheMaxPools:   getint("EXTERNAL_DB_MAX_POOLS", 50),
			CacheTTL:        getdur("EXTERNAL_DB_POOL_TTL", 60*time.Minute),
			MaxOpenConns:    getint("EXTERNAL_DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getint("EXTERNAL_DB_MAX_IDLE_CONNS", 1),
			ConnMaxLifetime: getdur("EXTERNAL_DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getdur("EXTERNAL_DB_CONN_MAX_IDLE_TIME", 10*time.Minute),
		},

		Push: PushConfig{
			BatchSize:     getint("PUSH_BATCH_SIZE", 50),
			Workers:       getint("PUSH_WORKERS", 4),
			MaxAttempts:   getint("PUSH_MAX_ATTEMPTS", 5),
			BackoffBase:   getdur("PUSH_BACKOFF_BASE", 2*time.Second),
			BackoffCap:    getdur("PUSH_BACKOFF_CAP", 5*time.Minute),
			StaleClaim:    getdur("PUSH_STALE_CLAIM", 10*time.Minute),
			SweepInterval: getdur("PUSH_SWEEP_INTERVAL", time.Minute),
			DispatchRate:  getfloat("PUSH_DISPATCH_RPS", 2.0),
			DispatchBurst: getint("PUSH_DISPATCH_BURST", 4),
			AllowRemote:   getbool("EXTERNAL_DB_ALLOW_WRITES", false),
			BootstrapDest: getbool("DESTINATION_BOOTSTRAP", false),
		},

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		Security: SecurityConfig{
			EnableHSTS: getbool("SECURITY_ENABLE_HSTS", false),
			HSTSMaxAge: getint("SECURITY_HSTS_MAX_AGE", 31536000),
		},

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "sender-sub001"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Pool.CacheMaxPools < 1 {
		return cfg, errors.New("EXTERNAL_DB_MAX_POOLS must be >= 1")
	}
	if cfg.Pool.CacheTTL <= 0 {
		return cfg, errors.New("EXTERNAL_DB_POOL_TTL must be > 0")
	}
	if cfg.Push.BatchSize < 1 {
		return cfg, errors.New("PUSH_BATCH_SIZE must be >= 1")
	}
	if cfg.Push.Workers < 1 {
		return cfg, errors.New("PUSH_WORKERS must be >= 1")
	}
	if cfg.Push.MaxAttempts < 1 {
		return cfg, errors.New("PUSH_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Push.BackoffBase <= 0 || cfg.Push.BackoffCap < cfg.Push.BackoffBase {
		return cfg, errors.New("PUSH_BACKOFF_BASE must be > 0 and <= PUSH_BACKOFF_CAP")
	}
	if cfg.Push.StaleClaim <= 0 {
		return cfg, errors.New("PUSH_STALE_CLAIM must be > 0")
	}
	if cfg.Push.DispatchRate < 0 {
		return cfg, errors.New("PUSH_DISPATCH_RPS must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// splitCSV splits a comma-separated value, trimming whitespace and dropping
// empty entries.
func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
