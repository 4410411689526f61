// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, quota policy, payment
// provider credentials, task-queue wiring, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines HTTP security header settings.
type SecurityConfig struct {
	EnableHSTS bool          // SECURITY_ENABLE_HSTS (only when HTTPS end-to-end)
	HSTSMaxAge time.Duration // SECURITY_HSTS_MAX_AGE
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-docproc-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// ProviderConfig holds payment provider (YooKassa-compatible REST API) settings.
type ProviderConfig struct {
	BaseURL        string        // PROVIDER_BASE_URL
	ShopID         string        // PROVIDER_SHOP_ID (basic auth user)
	SecretKey      string        // PROVIDER_SECRET_KEY (basic auth password)
	ReturnURL      string        // PROVIDER_RETURN_URL shown after checkout
	CreateTimeout  time.Duration // PROVIDER_CREATE_TIMEOUT
	StatusTimeout  time.Duration // PROVIDER_STATUS_TIMEOUT
	TrustedProxies []string      // PROVIDER_TRUSTED_PROXIES extra CIDRs allowed to forward client addrs
}

// QueueConfig holds NATS JetStream settings for the document worker pool.
type QueueConfig struct {
	URL        string        // NATS_URL
	Stream     string        // NATS_STREAM
	Subject    string        // NATS_JOB_SUBJECT
	Durable    string        // NATS_DURABLE name of the durable pull consumer
	AckWait    time.Duration // NATS_ACK_WAIT
	MaxDeliver int           // NATS_MAX_DELIVER redelivery cap before terminal failure
	Workers    int           // WORKER_COUNT concurrent document processors
	OCRTimeout time.Duration // OCR_TIMEOUT per-page recognition timeout
	MaxPages   int           // MAX_PAGES_PER_JOB hard cap on billable pages per document
	RetryBase  time.Duration // RETRY_BASE initial backoff for transient failures
	RetryCap   time.Duration // RETRY_CAP upper bound for a single backoff delay
}

// QuotaConfig holds balance/ledger policy knobs.
type QuotaConfig struct {
	FreeAllowance     int           // FREE_ALLOWANCE granted on first contact and each reset
	MaxPendingIntents int           // MAX_PENDING_INTENTS velocity cap per account
	PendingWindow     time.Duration // PENDING_INTENTS_WINDOW window for the velocity cap
	StaleJobThreshold time.Duration // STALE_JOB_THRESHOLD age after which a job is reclaimable
	ReclaimInterval   time.Duration // RECLAIM_INTERVAL sweep period
	FreeResetInterval time.Duration // FREE_RESET_INTERVAL free-tier refresh period (0 disables)
	CatalogCacheTTL   time.Duration // CATALOG_CACHE_TTL package catalog cache lifetime
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// App
	DBPath      string // SQLite path
	APIBasePath string // base path for API routes

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Notifier
	NotifierBaseURL string        // NOTIFIER_BASE_URL chat-bot gateway, empty disables sends
	NotifierToken   string        // NOTIFIER_TOKEN
	NotifierTimeout time.Duration // NOTIFIER_TIMEOUT

	// Domain
	Quota    QuotaConfig
	Provider ProviderConfig
	Queue    QueueConfig

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// App
		DBPath:      getenv("DB_PATH", "app.db"),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Notifier
		NotifierBaseURL: getenv("NOTIFIER_BASE_URL", ""),
		NotifierToken:   getenv("NOTIFIER_TOKEN", ""),
		NotifierTimeout: getdur("NOTIFIER_TIMEOUT", 30*time.Second),

		Quota: QuotaConfig{
			FreeAllowance:     getint("FREE_ALLOWANCE", 5),
			MaxPendingIntents: getint("MAX_PENDING_INTENTS", 5),
			PendingWindow:     getdur("PENDING_INTENTS_WINDOW", 30*time.Minute),
			StaleJobThreshold: getdur("STALE_JOB_THRESHOLD", 30*time.Minute),
			ReclaimInterval:   getdur("RECLAIM_INTERVAL", 15*time.Minute),
			FreeResetInterval: getdur("FREE_RESET_INTERVAL", 0),
			CatalogCacheTTL:   getdur("CATALOG_CACHE_TTL", 5*time.Minute),
		},

		Provider: ProviderConfig{
			BaseURL:        getenv("PROVIDER_BASE_URL", "https://api.yookassa.ru/v3"),
			ShopID:         getenv("PROVIDER_SHOP_ID", ""),
			SecretKey:      getenv("PROVIDER_SECRET_KEY", ""),
			ReturnURL:      getenv("PROVIDER_RETURN_URL", ""),
			CreateTimeout:  getdur("PROVIDER_CREATE_TIMEOUT", 30*time.Second),
			StatusTimeout:  getdur("PROVIDER_STATUS_TIMEOUT", 15*time.Second),
			TrustedProxies: splitCSV(getenv("PROVIDER_TRUSTED_PROXIES", "")),
		},

		Queue: QueueConfig{
			URL:        getenv("NATS_URL", "nats://localhost:4222"),
			Stream:     getenv("NATS_STREAM", "DOCPROC_JOBS"),
			Subject:    getenv("NATS_JOB_SUBJECT", "jobs.documents"),
			Durable:    getenv("NATS_DURABLE", "docproc_workers"),
			AckWait:    getdur("NATS_ACK_WAIT", 60*time.Second),
			MaxDeliver: getint("NATS_MAX_DELIVER", 5),
			Workers:    getint("WORKER_COUNT", 4),
			OCRTimeout: getdur("OCR_TIMEOUT", 90*time.Second),
			MaxPages:   getint("MAX_PAGES_PER_JOB", 50),
			RetryBase:  getdur("RETRY_BASE", 2*time.Second),
			RetryCap:   getdur("RETRY_CAP", 60*time.Second),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("SECURITY_ENABLE_HSTS", false),
			HSTSMaxAge: getdur("SECURITY_HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-docproc-backend"),
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
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Quota.FreeAllowance < 0 {
		return cfg, errors.New("FREE_ALLOWANCE must be >= 0")
	}
	if cfg.Quota.MaxPendingIntents < 1 {
		return cfg, errors.New("MAX_PENDING_INTENTS must be >= 1")
	}
	if cfg.Quota.PendingWindow <= 0 {
		return cfg, errors.New("PENDING_INTENTS_WINDOW must be > 0")
	}
	if cfg.Quota.StaleJobThreshold <= 0 {
		return cfg, errors.New("STALE_JOB_THRESHOLD must be > 0")
	}
	if cfg.Quota.ReclaimInterval <= 0 {
		return cfg, errors.New("RECLAIM_INTERVAL must be > 0")
	}
	if cfg.Quota.CatalogCacheTTL <= 0 {
		return cfg, errors.New("CATALOG_CACHE_TTL must be > 0")
	}
	if strings.TrimSpace(cfg.Provider.BaseURL) == "" {
		return cfg, errors.New("PROVIDER_BASE_URL must not be empty")
	}
	if cfg.Provider.CreateTimeout <= 0 || cfg.Provider.StatusTimeout <= 0 {
		return cfg, errors.New("provider timeouts must be positive durations")
	}
	if cfg.Queue.Workers < 1 {
		return cfg, errors.New("WORKER_COUNT must be >= 1")
	}
	if cfg.Queue.MaxDeliver < 1 {
		return cfg, errors.New("NATS_MAX_DELIVER must be >= 1")
	}
	if cfg.Queue.MaxPages < 1 {
		return cfg, errors.New("MAX_PAGES_PER_JOB must be >= 1")
	}
	if cfg.Queue.RetryBase <= 0 || cfg.Queue.RetryCap < cfg.Queue.RetryBase {
		return cfg, errors.New("RETRY_BASE must be > 0 and RETRY_CAP >= RETRY_BASE")
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

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
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
