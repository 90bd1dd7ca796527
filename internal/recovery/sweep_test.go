package recovery

import (
	"sync"
	"testing"
	"time"

	"github.com/kylink/suffixpool/internal/model"
)

type fakeRepo struct {
	mu sync.Mutex

	leased     []model.Assignment
	expired    map[string]bool
	released   map[string]bool
	campaigns  []model.Campaign
	available  map[string]int
	tenants    []model.Tenant
	failRate   map[string][2]int // tenantID -> {total, failed}
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		expired:   map[string]bool{},
		released:  map[string]bool{},
		available: map[string]int{},
		failRate:  map[string][2]int{},
	}
}

func (f *fakeRepo) ListLeasedAssignmentsAssignedBefore(cutoff time.Time) ([]model.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Assignment
	for _, a := range f.leased {
		if a.AssignedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeRepo) ExpireAssignment(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired[id] = true
	return nil
}

func (f *fakeRepo) ReleaseExpiredLease(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[id] = true
	return nil
}

func (f *fakeRepo) ListActiveCampaigns(tenantID string) ([]model.Campaign, error) {
	return f.campaigns, nil
}

func (f *fakeRepo) CountAvailablePoolItems(tenantID, campaignID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available[campaignKey(tenantID, campaignID)], nil
}

func (f *fakeRepo) ListTenants() ([]model.Tenant, error) {
	return f.tenants, nil
}

func (f *fakeRepo) RecentFailureRate(tenantID string, since time.Time) (total, failed int, err error) {
	v := f.failRate[tenantID]
	return v[0], v[1], nil
}

func (f *fakeRepo) CreateAlert(model.Alert) error { return nil }

type fakeSink struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (s *fakeSink) Emit(a model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestRecoverExpiredLeases_ReclaimsStuckAssignment(t *testing.T) {
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.leased = []model.Assignment{
		{ID: "a1", TenantID: "t1", PoolItemID: "p1", AssignedAt: now.Add(-20 * time.Minute)},
	}
	sink := &fakeSink{}
	l := New(Config{Repo: repo, Alerts: sink, Now: fixedNow(now)})

	n := l.recoverExpiredLeases()

	if n != 1 {
		t.Fatalf("expected 1 recovered lease, got %d", n)
	}
	if !repo.expired["a1"] || !repo.released["p1"] {
		t.Fatalf("expected assignment expired and pool item released")
	}
	if sink.count() != 1 {
		t.Fatalf("expected one info alert, got %d", sink.count())
	}
}

func TestRecoverExpiredLeases_IgnoresFreshLeases(t *testing.T) {
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.leased = []model.Assignment{
		{ID: "a1", TenantID: "t1", PoolItemID: "p1", AssignedAt: now.Add(-1 * time.Minute)},
	}
	sink := &fakeSink{}
	l := New(Config{Repo: repo, Alerts: sink, Now: fixedNow(now)})

	n := l.recoverExpiredLeases()

	if n != 0 {
		t.Fatalf("expected 0 recovered leases within TTL, got %d", n)
	}
}

func TestCheckStockAlerts_WarnsThenErrorsAfterThresholds(t *testing.T) {
	t0 := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.campaigns = []model.Campaign{{TenantID: "t1", CampaignID: "c1", Status: model.CampaignActive}}
	repo.available[campaignKey("t1", "c1")] = 0
	sink := &fakeSink{}

	current := t0
	l := New(Config{Repo: repo, Alerts: sink, Now: func() time.Time { return current }})

	// First tick just starts tracking zero-stock; no alert yet.
	w, e := l.checkStockAlerts()
	if w != 0 || e != 0 {
		t.Fatalf("expected no alerts on first zero-stock observation, got w=%d e=%d", w, e)
	}

	// 16 minutes later: past the warning threshold.
	current = t0.Add(16 * time.Minute)
	w, e = l.checkStockAlerts()
	if w != 1 || e != 0 {
		t.Fatalf("expected one warning at 16min, got w=%d e=%d", w, e)
	}

	// 61 minutes later: past the error threshold.
	current = t0.Add(61 * time.Minute)
	w, e = l.checkStockAlerts()
	if e != 1 {
		t.Fatalf("expected one error at 61min, got w=%d e=%d", w, e)
	}
}

func TestCheckStockAlerts_ResetsWhenRestocked(t *testing.T) {
	t0 := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.campaigns = []model.Campaign{{TenantID: "t1", CampaignID: "c1", Status: model.CampaignActive}}
	repo.available[campaignKey("t1", "c1")] = 0
	sink := &fakeSink{}
	current := t0
	l := New(Config{Repo: repo, Alerts: sink, Now: func() time.Time { return current }})

	l.checkStockAlerts()

	repo.available[campaignKey("t1", "c1")] = 5
	current = t0.Add(20 * time.Minute)
	l.checkStockAlerts()

	repo.available[campaignKey("t1", "c1")] = 0
	current = t0.Add(25 * time.Minute)
	w, _ := l.checkStockAlerts()
	if w != 0 {
		t.Fatalf("expected zero-stock clock to reset after restock, got w=%d", w)
	}
}

func TestCheckFailureRateAlerts_RaisesAboveThreshold(t *testing.T) {
	repo := newFakeRepo()
	repo.tenants = []model.Tenant{{ID: "t1"}, {ID: "t2"}}
	repo.failRate["t1"] = [2]int{100, 20} // 20% > 10% default threshold
	repo.failRate["t2"] = [2]int{100, 5}  // 5% under threshold
	sink := &fakeSink{}
	l := New(Config{Repo: repo, Alerts: sink, Now: fixedNow(time.Now())})

	n := l.checkFailureRateAlerts()

	if n != 1 {
		t.Fatalf("expected exactly one tenant over threshold, got %d", n)
	}
}

func TestRunOnce_CombinesAllThreeChecks(t *testing.T) {
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.leased = []model.Assignment{{ID: "a1", TenantID: "t1", PoolItemID: "p1", AssignedAt: now.Add(-20 * time.Minute)}}
	repo.tenants = []model.Tenant{{ID: "t1"}}
	repo.failRate["t1"] = [2]int{10, 5}
	sink := &fakeSink{}
	l := New(Config{Repo: repo, Alerts: sink, Now: fixedNow(now)})

	summary := l.RunOnce()

	if summary.ExpiredLeases != 1 {
		t.Fatalf("expected 1 expired lease in summary, got %d", summary.ExpiredLeases)
	}
	if summary.FailureRateAlerts != 1 {
		t.Fatalf("expected 1 failure-rate alert in summary, got %d", summary.FailureRateAlerts)
	}
}
