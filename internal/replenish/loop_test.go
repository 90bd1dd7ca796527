package replenish

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kylink/suffixpool/internal/model"
	"github.com/kylink/suffixpool/internal/producer"
)

type fakeRepo struct {
	mu          sync.Mutex
	campaigns   map[string]model.Campaign
	available   map[string]int
	links       map[string][]model.AffiliateLink
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		campaigns: map[string]model.Campaign{},
		available: map[string]int{},
		links:     map[string][]model.AffiliateLink{},
	}
}

func (f *fakeRepo) ListActiveCampaigns(tenantID string) ([]model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Campaign
	for _, c := range f.campaigns {
		if c.Status != model.CampaignActive {
			continue
		}
		if tenantID != "" && c.TenantID != tenantID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeRepo) GetCampaign(tenantID, campaignID string) (model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.campaigns[ckey(tenantID, campaignID)], nil
}

func (f *fakeRepo) CountAvailablePoolItems(tenantID, campaignID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available[ckey(tenantID, campaignID)], nil
}

func (f *fakeRepo) ListAffiliateLinks(tenantID, campaignID string) ([]model.AffiliateLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[ckey(tenantID, campaignID)], nil
}

func ckey(tenantID, campaignID string) string { return tenantID + "|" + campaignID }

type fakeProducer struct {
	mu    sync.Mutex
	calls []string
	batch func(tenantID, campaignID string, count int) producer.BatchResult
}

func (f *fakeProducer) ProduceBatch(ctx context.Context, tenantID, campaignID, affiliateLinkID, affiliateURL, country string, count int) (producer.BatchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ckey(tenantID, campaignID))
	f.mu.Unlock()
	if f.batch != nil {
		return f.batch(tenantID, campaignID, count), nil
	}
	return producer.BatchResult{Succeeded: count, Attempted: count}, nil
}

func (f *fakeProducer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestLoop(repo *fakeRepo, prod *fakeProducer) *Loop {
	return New(Config{
		Repo:     repo,
		Producer: prod,
		BatchSize: func() int { return 10 },
		LowWatermark: func() int { return 3 },
	})
}

func TestMaybeReplenish_ProducesWhenBelowWatermark(t *testing.T) {
	repo := newFakeRepo()
	repo.campaigns[ckey("t1", "c1")] = model.Campaign{TenantID: "t1", CampaignID: "c1", Status: model.CampaignActive, CountryCode: "us"}
	repo.available[ckey("t1", "c1")] = 1
	repo.links[ckey("t1", "c1")] = []model.AffiliateLink{{ID: "link1", EntryURL: "https://example.com/entry", Priority: 10}}
	prod := &fakeProducer{}
	l := newTestLoop(repo, prod)

	l.maybeReplenish("t1", "c1")

	if prod.callCount() != 1 {
		t.Fatalf("expected one produceBatch call, got %d", prod.callCount())
	}
}

func TestMaybeReplenish_SkipsWhenAboveWatermark(t *testing.T) {
	repo := newFakeRepo()
	repo.campaigns[ckey("t1", "c1")] = model.Campaign{TenantID: "t1", CampaignID: "c1", Status: model.CampaignActive}
	repo.available[ckey("t1", "c1")] = 5
	repo.links[ckey("t1", "c1")] = []model.AffiliateLink{{ID: "link1", EntryURL: "https://example.com/entry"}}
	prod := &fakeProducer{}
	l := newTestLoop(repo, prod)

	l.maybeReplenish("t1", "c1")

	if prod.callCount() != 0 {
		t.Fatalf("expected no produceBatch call when stock is sufficient, got %d", prod.callCount())
	}
}

func TestMaybeReplenish_SkipsWhenNoAffiliateLink(t *testing.T) {
	repo := newFakeRepo()
	repo.campaigns[ckey("t1", "c1")] = model.Campaign{TenantID: "t1", CampaignID: "c1", Status: model.CampaignActive}
	repo.available[ckey("t1", "c1")] = 0
	prod := &fakeProducer{}
	l := newTestLoop(repo, prod)

	l.maybeReplenish("t1", "c1")

	if prod.callCount() != 0 {
		t.Fatalf("expected no produceBatch call without an affiliate link, got %d", prod.callCount())
	}
}

func TestMaybeReplenish_LockPreventsConcurrentDuplicate(t *testing.T) {
	repo := newFakeRepo()
	repo.campaigns[ckey("t1", "c1")] = model.Campaign{TenantID: "t1", CampaignID: "c1", Status: model.CampaignActive}
	repo.available[ckey("t1", "c1")] = 0
	repo.links[ckey("t1", "c1")] = []model.AffiliateLink{{ID: "link1", EntryURL: "https://example.com/entry"}}
	prod := &fakeProducer{}
	l := newTestLoop(repo, prod)

	unlock, ok := l.locks.TryLock(campaignLockKey("t1", "c1"))
	if !ok {
		t.Fatalf("expected to acquire the lock")
	}
	defer unlock()

	l.maybeReplenish("t1", "c1")

	if prod.callCount() != 0 {
		t.Fatalf("expected the held lock to block replenishment, got %d calls", prod.callCount())
	}
}

func TestScanAll_ReplenishesEveryEligibleCampaign(t *testing.T) {
	repo := newFakeRepo()
	repo.campaigns[ckey("t1", "c1")] = model.Campaign{TenantID: "t1", CampaignID: "c1", Status: model.CampaignActive}
	repo.campaigns[ckey("t1", "c2")] = model.Campaign{TenantID: "t1", CampaignID: "c2", Status: model.CampaignActive}
	repo.available[ckey("t1", "c1")] = 0
	repo.available[ckey("t1", "c2")] = 100 // above watermark, should be skipped
	repo.links[ckey("t1", "c1")] = []model.AffiliateLink{{ID: "link1", EntryURL: "https://example.com/entry"}}
	repo.links[ckey("t1", "c2")] = []model.AffiliateLink{{ID: "link2", EntryURL: "https://example.com/other"}}
	prod := &fakeProducer{}
	l := newTestLoop(repo, prod)

	l.scanAll()
	l.wg.Wait()

	if prod.callCount() != 1 {
		t.Fatalf("expected exactly one campaign replenished, got %d calls: %v", prod.callCount(), prod.calls)
	}
	if prod.calls[0] != ckey("t1", "c1") {
		t.Fatalf("expected c1 replenished, got %v", prod.calls)
	}
}

func TestTriggerAsync_RunsAndIsWaitedOnByStop(t *testing.T) {
	repo := newFakeRepo()
	repo.campaigns[ckey("t1", "c1")] = model.Campaign{TenantID: "t1", CampaignID: "c1", Status: model.CampaignActive}
	repo.available[ckey("t1", "c1")] = 0
	repo.links[ckey("t1", "c1")] = []model.AffiliateLink{{ID: "link1", EntryURL: "https://example.com/entry"}}
	prod := &fakeProducer{}
	l := newTestLoop(repo, prod)

	l.TriggerAsync("t1", "c1")

	deadline := time.After(2 * time.Second)
	for prod.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for async trigger to produce")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
