package proxysel

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/kylink/suffixpool/internal/model"
)

// IPUsageStore is the in-memory source of truth for exit-IP usage records
// not yet durably flushed to cache.db, mirroring the teacher's pattern of
// pairing a state.DirtySet with an xsync-backed in-memory map the dirty
// set's flush-time reader pulls from (internal/state.CacheEngine's
// CacheReaders.ReadIPUsage callback). Keeping usage here too (in addition
// to the eventual cache.db row) is what lets a single produceBatch call see
// its own earlier successes immediately, without waiting on a flush cycle
// (spec §4.C: "each successful call registers its exit IP so subsequent
// calls in the same batch see a growing usedIps").
type IPUsageStore struct {
	pending *xsync.Map[model.IPUsageKey, model.ProxyIPUsage]
}

// NewIPUsageStore creates an empty store.
func NewIPUsageStore() *IPUsageStore {
	return &IPUsageStore{pending: xsync.NewMap[model.IPUsageKey, model.ProxyIPUsage]()}
}

// Record stores (or overwrites) the pending usage record for key and
// returns it, ready to be marked dirty against a state.CacheEngine.
func (s *IPUsageStore) Record(key model.IPUsageKey, usedAt time.Time) model.ProxyIPUsage {
	rec := model.ProxyIPUsage{TenantID: key.TenantID, CampaignID: key.CampaignID, ExitIP: key.ExitIP, UsedAt: usedAt}
	s.pending.Store(key, rec)
	return rec
}

// Get implements the state.CacheReaders.ReadIPUsage callback shape.
func (s *IPUsageStore) Get(key model.IPUsageKey) *model.ProxyIPUsage {
	v, ok := s.pending.Load(key)
	if !ok {
		return nil
	}
	return &v
}

// RecentUsage returns the set of exit IPs recorded for (tenantId,
// campaignId) since the given time, not yet necessarily flushed.
func (s *IPUsageStore) RecentUsage(tenantID, campaignID string, since time.Time) map[string]bool {
	out := make(map[string]bool)
	s.pending.Range(func(k model.IPUsageKey, v model.ProxyIPUsage) bool {
		if k.TenantID == tenantID && k.CampaignID == campaignID && v.UsedAt.After(since) {
			out[k.ExitIP] = true
		}
		return true
	})
	return out
}

// PurgeOlderThan drops pending records past the 24h relevance window (spec
// §3), mirroring state.CacheRepo.PurgeIPUsageOlderThan for the persisted
// side of the same table.
func (s *IPUsageStore) PurgeOlderThan(cutoff time.Time) int {
	n := 0
	s.pending.Range(func(k model.IPUsageKey, v model.ProxyIPUsage) bool {
		if v.UsedAt.Before(cutoff) {
			s.pending.Delete(k)
			n++
		}
		return true
	})
	return n
}

// CombinedIPUsageReader merges durably-persisted usage with not-yet-flushed
// pending usage, so the proxy selector's 24h dedup check (spec §4.B step 2)
// sees a batch's own in-flight successes immediately.
type CombinedIPUsageReader struct {
	Persisted IPUsageReader
	Pending   *IPUsageStore
}

// RecentIPUsage implements IPUsageReader.
func (c CombinedIPUsageReader) RecentIPUsage(tenantID, campaignID string, sinceNs int64) (map[string]bool, error) {
	out, err := c.Persisted.RecentIPUsage(tenantID, campaignID, sinceNs)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[string]bool)
	}
	since := time.Unix(0, sinceNs)
	for ip := range c.Pending.RecentUsage(tenantID, campaignID, since) {
		out[ip] = true
	}
	return out, nil
}
