package config

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// ConfigRepo is the subset of *state.Repo the runtime config loader needs.
// Declared here (rather than imported from internal/state) to avoid an
// import cycle; state.Repo satisfies it structurally.
type ConfigRepo interface {
	GetSystemConfig() (configJSON string, version int, err error)
	SaveSystemConfig(configJSON string, version int, updatedAt time.Time) error
}

// LoadRuntimeConfig reads the persisted runtime config from repo, falling
// back to defaults when no row exists yet. Mirrors the boot-time load every
// background loop's Config closures are built from.
func LoadRuntimeConfig(repo ConfigRepo) (*RuntimeConfig, int, error) {
	raw, version, err := repo.GetSystemConfig()
	if err != nil {
		return nil, 0, fmt.Errorf("load system config: %w", err)
	}
	if raw == "" {
		return NewDefaultRuntimeConfig(), 0, nil
	}
	var cfg RuntimeConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, 0, fmt.Errorf("unmarshal persisted runtime config: %w", err)
	}
	return &cfg, version, nil
}

// SaveRuntimeConfig marshals cfg and persists it with the next version
// number, then swaps it into ptr so subsequent reads observe it immediately.
func SaveRuntimeConfig(repo ConfigRepo, ptr *atomic.Pointer[RuntimeConfig], cfg *RuntimeConfig, prevVersion int, now time.Time) (int, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("marshal runtime config: %w", err)
	}
	nextVersion := prevVersion + 1
	if err := repo.SaveSystemConfig(string(raw), nextVersion, now); err != nil {
		return 0, fmt.Errorf("save system config: %w", err)
	}
	ptr.Store(cfg)
	return nextVersion, nil
}

// Snapshot returns *ptr, or a fresh default if ptr or its contents are nil.
// Every hot-reloadable closure built at boot (rate limits, watermarks,
// thresholds) reads through Snapshot so a config update takes effect without
// a restart.
func Snapshot(ptr *atomic.Pointer[RuntimeConfig]) *RuntimeConfig {
	if ptr == nil {
		return NewDefaultRuntimeConfig()
	}
	cfg := ptr.Load()
	if cfg == nil {
		return NewDefaultRuntimeConfig()
	}
	return cfg
}
