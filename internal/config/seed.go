package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kylink/suffixpool/internal/model"
)

// SeedFile is the shape of the optional static bootstrap file
// (config/seed.yaml, path set by SUFFIXPOOL_SEED_FILE) local dev and
// integration tests use to pre-populate tenants and proxy providers instead
// of driving the admin surface by hand.
type SeedFile struct {
	Tenants []SeedTenant `yaml:"tenants"`
}

// SeedTenant is one tenant and its proxy pool.
type SeedTenant struct {
	ID      string      `yaml:"id"`
	Name    string      `yaml:"name"`
	Proxies []SeedProxy `yaml:"proxies"`
}

// SeedProxy is one SOCKS5 endpoint assigned to the enclosing tenant.
type SeedProxy struct {
	ID               string `yaml:"id"`
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	UsernameTemplate string `yaml:"usernameTemplate"`
	Password         string `yaml:"password"`
	Priority         int    `yaml:"priority"`
	Enabled          bool   `yaml:"enabled"`
}

// SeedRepo is the subset of *state.Repo LoadSeedFile writes through.
type SeedRepo interface {
	UpsertTenant(model.Tenant) error
	UpsertProxyProvider(model.ProxyProvider) error
	AssignProxyToTenant(tenantID, proxyProviderID string) error
}

// LoadSeedFile parses path as YAML and upserts its tenants and proxy
// providers into repo. A missing path is not an error: seeding is optional,
// used by local dev bootstrap and integration tests, never by production
// boot (spec's ambient config layer carries no seed-file requirement of its
// own).
func LoadSeedFile(path string, repo SeedRepo, now func() time.Time) error {
	if path == "" {
		return nil
	}
	if now == nil {
		now = time.Now
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read seed file %s: %w", path, err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}

	at := now()
	for _, t := range seed.Tenants {
		if t.ID == "" {
			return fmt.Errorf("seed file %s: tenant with empty id", path)
		}
		if err := repo.UpsertTenant(model.Tenant{ID: t.ID, Name: t.Name, CreatedAt: at}); err != nil {
			return fmt.Errorf("seed tenant %s: %w", t.ID, err)
		}
		for _, p := range t.Proxies {
			if p.ID == "" {
				return fmt.Errorf("seed file %s: tenant %s has a proxy with empty id", path, t.ID)
			}
			provider := model.ProxyProvider{
				ID:               p.ID,
				Host:             p.Host,
				Port:             p.Port,
				UsernameTemplate: p.UsernameTemplate,
				Password:         p.Password,
				Priority:         p.Priority,
				Enabled:          p.Enabled,
				CreatedAt:        at,
			}
			if err := repo.UpsertProxyProvider(provider); err != nil {
				return fmt.Errorf("seed proxy %s: %w", p.ID, err)
			}
			if err := repo.AssignProxyToTenant(t.ID, p.ID); err != nil {
				return fmt.Errorf("assign seed proxy %s to tenant %s: %w", p.ID, t.ID, err)
			}
		}
	}
	return nil
}
