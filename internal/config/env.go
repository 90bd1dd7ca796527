// Package config handles environment-based configuration loading and runtime config models.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	StateDir string
	CacheDir string
	LogDir   string

	// SeedFile, when non-empty, points to a YAML file of tenants/proxies to
	// upsert on boot (local dev and integration-test bootstrap only).
	SeedFile string

	// Network
	ListenAddress string
	APIPort       int

	APIMaxBodyBytes int

	// Background loop schedules
	ReplenishSchedule string
	RecoverySchedule  string
	GeoIPUpdateSchedule string

	// Worker pool bounds (spec §4.D)
	StockConcurrency    int
	CampaignConcurrency int

	// Probe timeouts (spec §5, §9 open questions)
	IPProbeTimeout     time.Duration
	RedirectStepTimeout time.Duration
	ProduceOneTimeout  time.Duration

	// Auth (must be defined; empty disables the X-Cron-Secret bypass, API-key auth still applies)
	CronSecret string

	// Rate limiting (spec §6)
	RateLimitGenericPerMinute int
	RateLimitAdminPerMinute   int
	RateLimitBatchPerMinute   int
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("SUFFIXPOOL_STATE_DIR", "/var/lib/suffixpool")
	cfg.CacheDir = envStr("SUFFIXPOOL_CACHE_DIR", "/var/cache/suffixpool")
	cfg.LogDir = envStr("SUFFIXPOOL_LOG_DIR", "/var/log/suffixpool")
	cfg.ListenAddress = strings.TrimSpace(envStr("SUFFIXPOOL_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.SeedFile = envStr("SUFFIXPOOL_SEED_FILE", "")

	// --- Ports ---
	cfg.APIPort = envInt("SUFFIXPOOL_API_PORT", 8080, &errs)
	cfg.APIMaxBodyBytes = envInt("SUFFIXPOOL_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Schedules ---
	cfg.ReplenishSchedule = envStr("SUFFIXPOOL_REPLENISH_SCHEDULE", "*/10 * * * *")
	cfg.RecoverySchedule = envStr("SUFFIXPOOL_RECOVERY_SCHEDULE", "*/10 * * * *")
	cfg.GeoIPUpdateSchedule = envStr("SUFFIXPOOL_GEOIP_UPDATE_SCHEDULE", "0 7 * * *")

	// --- Worker pools ---
	cfg.StockConcurrency = envInt("SUFFIXPOOL_STOCK_CONCURRENCY", 4, &errs)
	cfg.CampaignConcurrency = envInt("SUFFIXPOOL_CAMPAIGN_CONCURRENCY", 8, &errs)

	// --- Probe timeouts (spec §9: 8s / 15s / 30s defaults) ---
	cfg.IPProbeTimeout = envDuration("SUFFIXPOOL_IP_PROBE_TIMEOUT", 8*time.Second, &errs)
	cfg.RedirectStepTimeout = envDuration("SUFFIXPOOL_REDIRECT_STEP_TIMEOUT", 15*time.Second, &errs)
	cfg.ProduceOneTimeout = envDuration("SUFFIXPOOL_PRODUCE_ONE_TIMEOUT", 30*time.Second, &errs)

	// --- Auth ---
	cronSecret, hasCronSecret := os.LookupEnv("SUFFIXPOOL_CRON_SECRET")
	cfg.CronSecret = cronSecret

	// --- Rate limiting (spec §6) ---
	cfg.RateLimitGenericPerMinute = envInt("SUFFIXPOOL_RATE_LIMIT_GENERIC_PER_MINUTE", 100, &errs)
	cfg.RateLimitAdminPerMinute = envInt("SUFFIXPOOL_RATE_LIMIT_ADMIN_PER_MINUTE", 20, &errs)
	cfg.RateLimitBatchPerMinute = envInt("SUFFIXPOOL_RATE_LIMIT_BATCH_PER_MINUTE", 30, &errs)

	// --- Validation ---
	if !hasCronSecret {
		errs = append(errs, "SUFFIXPOOL_CRON_SECRET must be defined (can be empty in dev)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "SUFFIXPOOL_LISTEN_ADDRESS must not be empty")
	}

	validatePort("SUFFIXPOOL_API_PORT", cfg.APIPort, &errs)
	validatePositive("SUFFIXPOOL_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("SUFFIXPOOL_STOCK_CONCURRENCY", cfg.StockConcurrency, &errs)
	validatePositive("SUFFIXPOOL_CAMPAIGN_CONCURRENCY", cfg.CampaignConcurrency, &errs)
	validatePositive("SUFFIXPOOL_RATE_LIMIT_GENERIC_PER_MINUTE", cfg.RateLimitGenericPerMinute, &errs)
	validatePositive("SUFFIXPOOL_RATE_LIMIT_ADMIN_PER_MINUTE", cfg.RateLimitAdminPerMinute, &errs)
	validatePositive("SUFFIXPOOL_RATE_LIMIT_BATCH_PER_MINUTE", cfg.RateLimitBatchPerMinute, &errs)

	if _, err := cron.ParseStandard(cfg.ReplenishSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("SUFFIXPOOL_REPLENISH_SCHEDULE: invalid cron expression %q: %v", cfg.ReplenishSchedule, err))
	}
	if _, err := cron.ParseStandard(cfg.RecoverySchedule); err != nil {
		errs = append(errs, fmt.Sprintf("SUFFIXPOOL_RECOVERY_SCHEDULE: invalid cron expression %q: %v", cfg.RecoverySchedule, err))
	}
	if _, err := cron.ParseStandard(cfg.GeoIPUpdateSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("SUFFIXPOOL_GEOIP_UPDATE_SCHEDULE: invalid cron expression %q: %v", cfg.GeoIPUpdateSchedule, err))
	}
	if cfg.IPProbeTimeout <= 0 {
		errs = append(errs, "SUFFIXPOOL_IP_PROBE_TIMEOUT must be positive")
	}
	if cfg.RedirectStepTimeout <= 0 {
		errs = append(errs, "SUFFIXPOOL_REDIRECT_STEP_TIMEOUT must be positive")
	}
	if cfg.ProduceOneTimeout <= 0 {
		errs = append(errs, "SUFFIXPOOL_PRODUCE_ONE_TIMEOUT must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
