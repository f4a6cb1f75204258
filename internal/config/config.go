// Package config handles application configuration: process-level settings
// from environment variables, and per-OEM crawl definitions from a directory
// of YAML documents that can be hot-reloaded at runtime.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port    int
	BaseURL string

	// Database
	DatabaseURL string

	// OEM definitions
	OEMConfigDir string // directory of per-OEM YAML documents

	// CORS
	CORSOrigins []string

	// LLM providers
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	OpenRouterAPIKey string
	OllamaBaseURL    string

	// LLM budget
	MonthlySpendCapUSD float64            // default per model, 0 = uncapped
	ModelSpendCapsUSD  map[string]float64 // "provider/model" -> monthly USD cap

	// LLM batch mode: tasks that tolerate the delay run half-price
	LLMBatchTasks  []string
	LLMBatchWindow time.Duration

	// Object Storage (S3-compatible)
	StorageEnabled   bool
	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageRegion    string

	// Fetch politeness defaults (per host)
	FetchRatePerSecond   float64
	FetchBurst           int
	FetchMaxConcurrency  int64
	FetchTimeout         time.Duration
	FetchMaxRetries      int

	// Renderer
	BrowserPoolSize     int
	BrowserBinPath      string
	RenderTimeout       time.Duration
	ObserverMaxBodySize int64

	// Scheduler
	SchedulerTickInterval time.Duration
	SchedulerWorkers      int
	ShutdownGracePeriod   time.Duration

	// Discovery
	DiscoveryMaxDepth int

	// Page registry
	RemoveAfterNotFound int           // consecutive 404s before a page is marked removed
	BlockAfterDenials   int           // consecutive 403/429s before a page is marked blocked
	RemovalGracePeriod  time.Duration // how long an unseen entity survives before reconciliation
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnvInt("PORT", 8080),
		BaseURL:      getEnv("BASE_URL", "http://localhost:8080"),
		DatabaseURL:  getEnv("DATABASE_URL", "file:oemwatch.db?_journal=WAL&_timeout=5000"),
		OEMConfigDir: getEnv("OEM_CONFIG_DIR", "config/oems"),

		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenRouterAPIKey: getEnv("OPENROUTER_API_KEY", ""),
		OllamaBaseURL:    getEnv("OLLAMA_BASE_URL", ""),

		MonthlySpendCapUSD: getEnvFloat("MONTHLY_SPEND_CAP_USD", 0),
		ModelSpendCapsUSD:  parseSpendCaps(getEnv("MODEL_SPEND_CAPS_USD", "")),

		LLMBatchTasks:  splitList(getEnv("LLM_BATCH_TASKS", "")),
		LLMBatchWindow: getEnvDuration("LLM_BATCH_WINDOW", 5*time.Minute),

		StorageEnabled:   getEnvBool("STORAGE_ENABLED", false),
		StorageEndpoint:  getEnv("AWS_ENDPOINT_URL_S3", ""),
		StorageAccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		StorageSecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		StorageBucket:    getEnv("STORAGE_BUCKET", "oemwatch"),
		StorageRegion:    getEnv("AWS_REGION", "auto"),

		FetchRatePerSecond:  getEnvFloat("FETCH_RATE_PER_SECOND", 1),
		FetchBurst:          getEnvInt("FETCH_BURST", 3),
		FetchMaxConcurrency: int64(getEnvInt("FETCH_MAX_CONCURRENCY", 2)),
		FetchTimeout:        getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		FetchMaxRetries:     getEnvInt("FETCH_MAX_RETRIES", 3),

		BrowserPoolSize:     getEnvInt("BROWSER_POOL_SIZE", 4),
		BrowserBinPath:      getEnv("BROWSER_BIN_PATH", ""),
		RenderTimeout:       getEnvDuration("RENDER_TIMEOUT", 60*time.Second),
		ObserverMaxBodySize: int64(getEnvInt("OBSERVER_MAX_BODY_BYTES", 10*1024*1024)),

		SchedulerTickInterval: getEnvDuration("SCHEDULER_TICK_INTERVAL", time.Minute),
		SchedulerWorkers:      getEnvInt("SCHEDULER_WORKERS", 8),
		ShutdownGracePeriod:   getEnvDuration("SHUTDOWN_GRACE_PERIOD", 60*time.Second),

		DiscoveryMaxDepth: getEnvInt("DISCOVERY_MAX_DEPTH", 2),

		RemoveAfterNotFound: getEnvInt("REMOVE_AFTER_NOT_FOUND", 3),
		BlockAfterDenials:   getEnvInt("BLOCK_AFTER_DENIALS", 3),
		RemovalGracePeriod:  getEnvDuration("REMOVAL_GRACE_PERIOD", 48*time.Hour),
	}

	corsOrigins := getEnv("CORS_ORIGINS", "*")
	cfg.CORSOrigins = strings.Split(corsOrigins, ",")
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	return cfg, nil
}

// splitList splits a comma-separated env value, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// parseSpendCaps reads a comma-separated list of provider/model=usd pairs,
// e.g. "openai/gpt-4o=50,anthropic/claude-sonnet-4-20250514=100".
func parseSpendCaps(raw string) map[string]float64 {
	caps := make(map[string]float64)
	for _, pair := range strings.Split(raw, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		usd, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || usd < 0 {
			continue
		}
		caps[strings.TrimSpace(key)] = usd
	}
	return caps
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
