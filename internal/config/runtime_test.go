package config

import (
	"encoding/json"
	"testing"
)

func TestNewDefaultRuntimeConfig(t *testing.T) {
	cfg := NewDefaultRuntimeConfig()

	if cfg.ProduceBatchSize != 10 {
		t.Errorf("ProduceBatchSize: got %d, want 10", cfg.ProduceBatchSize)
	}
	if cfg.LowWatermark != 3 {
		t.Errorf("LowWatermark: got %d, want 3", cfg.LowWatermark)
	}
	if cfg.LeaseTTLMinutes != 15 {
		t.Errorf("LeaseTTLMinutes: got %d, want 15", cfg.LeaseTTLMinutes)
	}
	if cfg.SuffixTTLHours != 48 {
		t.Errorf("SuffixTTLHours: got %d, want 48", cfg.SuffixTTLHours)
	}
	if cfg.CacheFlushDirtyThreshold != 500 {
		t.Errorf("CacheFlushDirtyThreshold: got %d, want 500", cfg.CacheFlushDirtyThreshold)
	}
}

func TestRuntimeConfig_JSONRoundTrip(t *testing.T) {
	original := NewDefaultRuntimeConfig()

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var roundTripped RuntimeConfig
	if err := json.Unmarshal(data, &roundTripped); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if roundTripped.ProduceBatchSize != original.ProduceBatchSize {
		t.Errorf("ProduceBatchSize round-trip: got %d, want %d", roundTripped.ProduceBatchSize, original.ProduceBatchSize)
	}
	if roundTripped.IPProbeTimeout != original.IPProbeTimeout {
		t.Errorf("IPProbeTimeout round-trip: got %v, want %v", roundTripped.IPProbeTimeout, original.IPProbeTimeout)
	}
	if roundTripped.ReplenishSchedule != original.ReplenishSchedule {
		t.Errorf("ReplenishSchedule round-trip: got %q, want %q", roundTripped.ReplenishSchedule, original.ReplenishSchedule)
	}
}
