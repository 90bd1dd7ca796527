// Package proxysel orders a tenant's enabled proxies by priority, probes
// each for its real exit IP, and skips any whose exit IP was already used
// for the same (tenantId, campaignId) within the last 24h (spec §4.B).
package proxysel

import (
	"context"
	"log"
	"net/netip"
	"time"

	"github.com/kylink/suffixpool/internal/model"
	"github.com/kylink/suffixpool/internal/outbound"
	"github.com/kylink/suffixpool/internal/state"
)

// Candidate is one probed, usable proxy configuration yielded by an
// Iterator (spec §4.B contract).
type Candidate struct {
	ProviderID string
	Host       string
	Port       int
	Username   string
	Password   string
	ExitIP     string
	Country    string
}

// ProxyReader is the subset of *state.Repo the selector depends on.
// Interface so producer tests can inject a fake without a real SQLite repo.
type ProxyReader interface {
	ListTenantProxies(tenantID string) ([]model.ProxyProvider, error)
}

// IPUsageReader is the subset of *state.CacheRepo the selector depends on.
type IPUsageReader interface {
	RecentIPUsage(tenantID, campaignID string, sinceNs int64) (map[string]bool, error)
}

// GeoLookup resolves an IP to a lowercase ISO country code, or "" if
// unknown. Satisfied by *geoip.Service.
type GeoLookup func(netip.Addr) string

// Selector builds probed-proxy iterators for a (tenant, campaign, country).
type Selector struct {
	proxies      ProxyReader
	ipUsage      IPUsageReader
	transports   Fetcher
	echoServices []EchoService
	geoLookup    GeoLookup
	probeTimeout func() time.Duration
}

// Config wires a Selector's dependencies.
type Config struct {
	Proxies      ProxyReader
	IPUsage      IPUsageReader
	Transports   Fetcher
	EchoServices []EchoService        // defaults to DefaultEchoServices
	GeoLookup    GeoLookup            // optional; fills in country when the echo service is silent
	ProbeTimeout func() time.Duration // defaults to 8s, spec §9
}

// New builds a Selector. Satisfies both state.Repo/state.CacheRepo directly
// (they implement ProxyReader/IPUsageReader) and test fakes.
func New(cfg Config) *Selector {
	if cfg.EchoServices == nil {
		cfg.EchoServices = DefaultEchoServices
	}
	if cfg.ProbeTimeout == nil {
		cfg.ProbeTimeout = func() time.Duration { return 8 * time.Second }
	}
	return &Selector{
		proxies:      cfg.Proxies,
		ipUsage:      cfg.IPUsage,
		transports:   cfg.Transports,
		echoServices: cfg.EchoServices,
		geoLookup:    cfg.GeoLookup,
		probeTimeout: cfg.ProbeTimeout,
	}
}

// Iterator pulls one probed candidate at a time, in provider-priority
// order, skipping providers that fail to probe or whose exit IP was used
// within the 24h window. Never yields the same provider twice (spec §4.B
// invariant).
type Iterator struct {
	sel        *Selector
	providers  []model.ProxyProvider
	usedIPs    map[string]bool
	country    string
	idx        int
}

// Select loads the tenant's enabled proxies and the campaign's recent
// exit-IP usage, returning an Iterator ready to be pulled (spec §4.B steps
// 1-2; the probe itself happens lazily per Next call, step 3-6).
func (s *Selector) Select(ctx context.Context, tenantID, campaignID, country string) (*Iterator, error) {
	providers, err := s.proxies.ListTenantProxies(tenantID)
	if err != nil {
		return nil, err
	}

	since := time.Now().Add(-24 * time.Hour).UnixNano()
	usedIPs, err := s.ipUsage.RecentIPUsage(tenantID, campaignID, since)
	if err != nil {
		return nil, err
	}

	return &Iterator{sel: s, providers: providers, usedIPs: usedIPs, country: country}, nil
}

// Next probes the next candidate provider and returns it if usable, or
// (Candidate{}, false) once every remaining provider has been tried.
func (it *Iterator) Next(ctx context.Context) (Candidate, bool) {
	for it.idx < len(it.providers) {
		p := it.providers[it.idx]
		it.idx++

		username := ExpandUsernameTemplate(p.UsernameTemplate, it.country)
		cfg := outbound.ProviderConfig{
			ProviderID: p.ID,
			Host:       p.Host,
			Port:       p.Port,
			Username:   username,
			Password:   p.Password,
		}

		probeCtx, cancel := context.WithTimeout(ctx, it.sel.probeTimeout())
		res, err := ProbeEgress(probeCtx, it.sel.transports, cfg, it.sel.echoServices)
		cancel()
		if err != nil {
			log.Printf("[proxysel] provider %s tried, probe failed: %v", p.ID, err)
			continue
		}

		if it.usedIPs[res.IP] {
			log.Printf("[proxysel] provider %s skipped: ip %s reused within 24h", p.ID, res.IP)
			continue
		}

		country := res.Country
		if country == "" && it.sel.geoLookup != nil {
			if addr, perr := netip.ParseAddr(res.IP); perr == nil {
				country = it.sel.geoLookup(addr)
			}
		}

		return Candidate{
			ProviderID: p.ID,
			Host:       p.Host,
			Port:       p.Port,
			Username:   username,
			Password:   p.Password,
			ExitIP:     res.IP,
			Country:    country,
		}, true
	}
	return Candidate{}, false
}

// Exhausted reports whether every provider has already been tried.
func (it *Iterator) Exhausted() bool { return it.idx >= len(it.providers) }

var _ ProxyReader = (*state.Repo)(nil)
var _ IPUsageReader = (*state.CacheRepo)(nil)
