package config

import "time"

// RuntimeConfig holds all hot-updatable global settings. These are
// persisted in state.db's system_config table and loaded at boot by
// LoadRuntimeConfig (SPEC_FULL §0); no HTTP route reads or changes them.
type RuntimeConfig struct {
	// Replenishment (spec §4.D)
	ProduceBatchSize    int `json:"produce_batch_size"`
	LowWatermark        int `json:"low_watermark"`
	StockConcurrency    int `json:"stock_concurrency"`
	CampaignConcurrency int `json:"campaign_concurrency"`

	// Lease/stock lifetimes (spec §4.D, §4.F)
	LeaseTTLMinutes int `json:"lease_ttl_minutes"`
	SuffixTTLHours  int `json:"suffix_ttl_hours"`

	// Stock alert thresholds (spec §4.F)
	StockAlertWarningMinutes int `json:"stock_alert_warning_minutes"`
	StockAlertErrorMinutes   int `json:"stock_alert_error_minutes"`
	FailureRateAlertPercent  int `json:"failure_rate_alert_percent"`

	// Probe timeouts (spec §5, §9)
	IPProbeTimeout      Duration `json:"ip_probe_timeout"`
	RedirectStepTimeout Duration `json:"redirect_step_timeout"`
	ProduceOneTimeout   Duration `json:"produce_one_timeout"`

	// Rate limiting (spec §6)
	RateLimitGenericPerMinute int `json:"rate_limit_generic_per_minute"`
	RateLimitAdminPerMinute   int `json:"rate_limit_admin_per_minute"`
	RateLimitBatchPerMinute   int `json:"rate_limit_batch_per_minute"`

	// Background schedules
	ReplenishSchedule   string `json:"replenish_schedule"`
	RecoverySchedule    string `json:"recovery_schedule"`
	GeoIPUpdateSchedule string `json:"geoip_update_schedule"`

	// Cache (proxy_ip_usage / audit_log) flush tuning
	CacheFlushInterval       Duration `json:"cache_flush_interval"`
	CacheFlushDirtyThreshold int      `json:"cache_flush_dirty_threshold"`

	// Dev-only fallback: produceOne returns a synthetic suffix when no
	// proxy succeeds (spec §4.C step 3). Never set in production.
	MockFallbackEnabled bool `json:"mock_fallback_enabled"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with spec §4.D's
// enumerated defaults.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		ProduceBatchSize:    10,
		LowWatermark:        3,
		StockConcurrency:    4,
		CampaignConcurrency: 8,

		LeaseTTLMinutes: 15,
		SuffixTTLHours:  48,

		StockAlertWarningMinutes: 15,
		StockAlertErrorMinutes:   60,
		FailureRateAlertPercent:  10,

		IPProbeTimeout:      Duration(8 * time.Second),
		RedirectStepTimeout: Duration(15 * time.Second),
		ProduceOneTimeout:   Duration(30 * time.Second),

		RateLimitGenericPerMinute: 100,
		RateLimitAdminPerMinute:   20,
		RateLimitBatchPerMinute:   30,

		ReplenishSchedule:   "*/10 * * * *",
		RecoverySchedule:    "*/10 * * * *",
		GeoIPUpdateSchedule: "0 7 * * *",

		CacheFlushInterval:       Duration(5 * time.Minute),
		CacheFlushDirtyThreshold: 500,

		MockFallbackEnabled: false,
	}
}
