package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kylink/suffixpool/internal/model"
	"github.com/kylink/suffixpool/internal/outbound"
	"github.com/kylink/suffixpool/internal/proxysel"
	"github.com/kylink/suffixpool/internal/redirecttrack"
)

type fakeProxyReader struct{ providers []model.ProxyProvider }

func (f fakeProxyReader) ListTenantProxies(tenantID string) ([]model.ProxyProvider, error) {
	return f.providers, nil
}

type fakeIPUsageReader struct{ used map[string]bool }

func (f fakeIPUsageReader) RecentIPUsage(tenantID, campaignID string, sinceNs int64) (map[string]bool, error) {
	return f.used, nil
}

type fakeFetcher struct{ ipByProvider map[string]string }

func (f fakeFetcher) Fetch(ctx context.Context, cfg outbound.ProviderConfig, url string) ([]byte, error) {
	return []byte(`{"ip":"` + f.ipByProvider[cfg.ProviderID] + `"}`), nil
}

// fakeTracer returns its configured results in call order, regardless of
// which candidate dialed it; producer tests control "which provider
// succeeds" through provider ordering and the proxy selector's own
// filtering instead.
type fakeTracer struct {
	results []redirecttrack.Result
	calls   int
}

func (f *fakeTracer) Track(ctx context.Context, url string, dial redirecttrack.DialFunc, opts redirecttrack.Options) redirecttrack.Result {
	if f.calls >= len(f.results) {
		return redirecttrack.Result{Success: false, ErrorCategory: redirecttrack.ErrorTimeout, ErrorMessage: "no more fake results"}
	}
	r := f.results[f.calls]
	f.calls++
	return r
}

type fakePool struct{ created []model.PoolItem }

func (f *fakePool) CreatePoolItem(p model.PoolItem) error {
	f.created = append(f.created, p)
	return nil
}

type fakeAudit struct{ entries []model.AuditLogEntry }

func (f *fakeAudit) Record(e model.AuditLogEntry) { f.entries = append(f.entries, e) }

type fakeDirty struct {
	ipUsageKeys []model.IPUsageKey
	auditIDs    []string
}

func (f *fakeDirty) MarkIPUsage(k model.IPUsageKey) { f.ipUsageKeys = append(f.ipUsageKeys, k) }
func (f *fakeDirty) MarkAuditLog(id string)         { f.auditIDs = append(f.auditIDs, id) }

func providers(ids ...string) []model.ProxyProvider {
	out := make([]model.ProxyProvider, len(ids))
	for i, id := range ids {
		out[i] = model.ProxyProvider{ID: id, Host: "proxy.example", Port: 1080, Priority: i, Enabled: true}
	}
	return out
}

func newSelector(ips map[string]string, used map[string]bool, provIDs ...string) *proxysel.Selector {
	return proxysel.New(proxysel.Config{
		Proxies:      fakeProxyReader{providers: providers(provIDs...)},
		IPUsage:      fakeIPUsageReader{used: used},
		Transports:   fakeFetcher{ipByProvider: ips},
		EchoServices: []proxysel.EchoService{proxysel.DefaultEchoServices[0]},
	})
}

func TestProduceOne_SkipsConnectionFailureThenSucceeds(t *testing.T) {
	sel := newSelector(map[string]string{"p1": "1.1.1.1", "p2": "2.2.2.2"}, map[string]bool{}, "p1", "p2")
	tracer := &fakeTracer{results: []redirecttrack.Result{
		{Success: false, ErrorCategory: redirecttrack.ErrorTimeout, ErrorMessage: "dial timeout"},
		{Success: true, FinalURL: "https://example.com/dp?tag=aff-20&gclid=abc", Chain: []redirecttrack.Step{{}, {}}},
	}}
	pool := &fakePool{}
	audit := &fakeAudit{}
	dirty := &fakeDirty{}

	p := New(Config{
		Selector: sel,
		Tracer:   tracer,
		Pool:     pool,
		IPUsage:  proxysel.NewIPUsageStore(),
		Audit:    audit,
		Dirty:    dirty,
		Now:      func() time.Time { return time.Unix(1700000000, 0) },
	})

	res, err := p.ProduceOne(context.Background(), "t1", "c1", "link1", "https://example.com/entry", "us")
	if err != nil {
		t.Fatalf("ProduceOne: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got failure: %+v", res)
	}
	if res.FinalURLSuffix != "tag=aff-20&gclid=abc" {
		t.Fatalf("got suffix %q", res.FinalURLSuffix)
	}
	if res.ExitIP != "2.2.2.2" || res.ProviderID != "p2" {
		t.Fatalf("expected second provider/ip to win, got %+v", res)
	}
	if len(pool.created) != 1 || pool.created[0].FinalURLSuffix != "tag=aff-20&gclid=abc" {
		t.Fatalf("expected one persisted pool item, got %+v", pool.created)
	}
	if len(audit.entries) != 1 || audit.entries[0].Action != "suffix_produced" {
		t.Fatalf("expected one audit entry, got %+v", audit.entries)
	}
	if len(dirty.ipUsageKeys) != 1 || len(dirty.auditIDs) != 1 {
		t.Fatalf("expected dirty marks for both ip usage and audit, got %+v", dirty)
	}
}

func TestProduceOne_AllProvidersFailNoMock(t *testing.T) {
	sel := newSelector(map[string]string{"p1": "1.1.1.1"}, map[string]bool{}, "p1")
	tracer := &fakeTracer{results: []redirecttrack.Result{
		{Success: false, ErrorCategory: redirecttrack.ErrorProxyRefused, ErrorMessage: "refused"},
	}}
	pool := &fakePool{}

	p := New(Config{Selector: sel, Tracer: tracer, Pool: pool})

	res, err := p.ProduceOne(context.Background(), "t1", "c1", "link1", "https://example.com/entry", "us")
	if err != nil {
		t.Fatalf("ProduceOne: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.FailureReason == "" {
		t.Fatalf("expected a failure reason")
	}
	if len(pool.created) != 0 {
		t.Fatalf("expected no pool item persisted on failure, got %+v", pool.created)
	}
}

func TestProduceOne_MockFallback(t *testing.T) {
	sel := newSelector(map[string]string{"p1": "1.1.1.1"}, map[string]bool{}, "p1")
	tracer := &fakeTracer{results: []redirecttrack.Result{
		{Success: false, ErrorCategory: redirecttrack.ErrorTimeout, ErrorMessage: "timeout"},
	}}
	pool := &fakePool{}
	audit := &fakeAudit{}
	dirty := &fakeDirty{}

	p := New(Config{
		Selector:            sel,
		Tracer:              tracer,
		Pool:                pool,
		Audit:               audit,
		Dirty:               dirty,
		MockFallbackEnabled: func() bool { return true },
	})

	res, err := p.ProduceOne(context.Background(), "t1", "c1", "link1", "https://example.com/entry?existing=1", "us")
	if err != nil {
		t.Fatalf("ProduceOne: %v", err)
	}
	if !res.Success || !res.Mock {
		t.Fatalf("expected a mock success, got %+v", res)
	}
	if res.FinalURLSuffix != "existing=1&suffixpool_mock=1" {
		t.Fatalf("got suffix %q", res.FinalURLSuffix)
	}
	if len(pool.created) != 1 || pool.created[0].ExitIP != "mock" {
		t.Fatalf("expected mock pool item, got %+v", pool.created)
	}
	if len(audit.entries) != 1 || audit.entries[0].Action != "suffix_produced_mock" {
		t.Fatalf("expected mock audit entry, got %+v", audit.entries)
	}
}

func TestProduceOne_InvalidURL(t *testing.T) {
	p := New(Config{})
	_, err := p.ProduceOne(context.Background(), "t1", "c1", "link1", "not-a-url", "us")
	if !errors.Is(err, ErrInvalidAffiliateURL) {
		t.Fatalf("expected ErrInvalidAffiliateURL, got %v", err)
	}
}

func TestProduceBatch_GrowsUsedIPsAcrossCalls(t *testing.T) {
	usage := proxysel.NewIPUsageStore()
	sel := proxysel.New(proxysel.Config{
		Proxies: fakeProxyReader{providers: providers("p1", "p2")},
		IPUsage: proxysel.CombinedIPUsageReader{
			Persisted: fakeIPUsageReader{used: map[string]bool{}},
			Pending:   usage,
		},
		Transports:   fakeFetcher{ipByProvider: map[string]string{"p1": "1.1.1.1", "p2": "2.2.2.2"}},
		EchoServices: []proxysel.EchoService{proxysel.DefaultEchoServices[0]},
	})
	tracer := &fakeTracer{results: []redirecttrack.Result{
		{Success: true, FinalURL: "https://example.com/dp?a=1"},
		{Success: true, FinalURL: "https://example.com/dp?a=2"},
	}}
	pool := &fakePool{}
	dirty := &fakeDirty{}

	p := New(Config{Selector: sel, Tracer: tracer, Pool: pool, IPUsage: usage, Dirty: dirty})

	batch, err := p.ProduceBatch(context.Background(), "t1", "c1", "link1", "https://example.com/entry", "us", 2)
	if err != nil {
		t.Fatalf("ProduceBatch: %v", err)
	}
	if batch.Succeeded != 2 || batch.Attempted != 2 {
		t.Fatalf("expected 2/2 successes, got %+v", batch)
	}
	ips := map[string]bool{}
	for _, r := range batch.Results {
		ips[r.ExitIP] = true
	}
	if len(ips) != 2 {
		t.Fatalf("expected 2 distinct exit ips across the batch, got %+v", ips)
	}
}

func TestProduceBatch_StopsWhenExhaustedBelowCount(t *testing.T) {
	sel := newSelector(map[string]string{"p1": "1.1.1.1"}, map[string]bool{}, "p1")
	tracer := &fakeTracer{results: []redirecttrack.Result{
		{Success: true, FinalURL: "https://example.com/dp?a=1"},
	}}
	pool := &fakePool{}

	p := New(Config{Selector: sel, Tracer: tracer, Pool: pool, IPUsage: proxysel.NewIPUsageStore()})

	batch, err := p.ProduceBatch(context.Background(), "t1", "c1", "link1", "https://example.com/entry", "us", 5)
	if err != nil {
		t.Fatalf("ProduceBatch: %v", err)
	}
	if batch.Succeeded != 1 {
		t.Fatalf("expected exactly one success before exhaustion, got %+v", batch)
	}
}
