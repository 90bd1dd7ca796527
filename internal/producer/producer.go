package producer

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/kylink/suffixpool/internal/model"
	"github.com/kylink/suffixpool/internal/netutil"
	"github.com/kylink/suffixpool/internal/outbound"
	"github.com/kylink/suffixpool/internal/proxysel"
	"github.com/kylink/suffixpool/internal/redirecttrack"
)

// Producer composes the proxy selector (4.B) and redirect tracker (4.A) to
// implement produceOne/produceBatch (spec §4.C).
type Producer struct {
	selector *proxysel.Selector
	tracer   redirecttrack.Tracer
	pool     PoolItemCreator
	ipUsage  IPUsageRecorder
	audit    AuditRecorder
	dirty    DirtyMarker

	redirectStepTimeout func() time.Duration
	produceOneTimeout   func() time.Duration
	mockFallbackEnabled func() bool
	now                 func() time.Time
}

// Config wires a Producer's dependencies.
type Config struct {
	Selector *proxysel.Selector
	Tracer   redirecttrack.Tracer // defaults to redirecttrack.NewHTTPTracker()
	Pool     PoolItemCreator
	IPUsage  IPUsageRecorder
	Audit    AuditRecorder
	Dirty    DirtyMarker

	RedirectStepTimeout func() time.Duration // defaults to 15s
	ProduceOneTimeout   func() time.Duration // defaults to 30s
	MockFallbackEnabled func() bool          // defaults to false
	Now                 func() time.Time     // defaults to time.Now
}

// New builds a Producer.
func New(cfg Config) *Producer {
	if cfg.Tracer == nil {
		cfg.Tracer = redirecttrack.NewHTTPTracker()
	}
	if cfg.RedirectStepTimeout == nil {
		cfg.RedirectStepTimeout = func() time.Duration { return 15 * time.Second }
	}
	if cfg.ProduceOneTimeout == nil {
		cfg.ProduceOneTimeout = func() time.Duration { return 30 * time.Second }
	}
	if cfg.MockFallbackEnabled == nil {
		cfg.MockFallbackEnabled = func() bool { return false }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Producer{
		selector:            cfg.Selector,
		tracer:              cfg.Tracer,
		pool:                cfg.Pool,
		ipUsage:             cfg.IPUsage,
		audit:               cfg.Audit,
		dirty:               cfg.Dirty,
		redirectStepTimeout: cfg.RedirectStepTimeout,
		produceOneTimeout:   cfg.ProduceOneTimeout,
		mockFallbackEnabled: cfg.MockFallbackEnabled,
		now:                 cfg.Now,
	}
}

func validateAffiliateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidAffiliateURL
	}
	return nil
}

// suffixOf returns everything in rawURL after the first '?', excluding the
// '?' itself, or "" if there is no query string (spec §6 "Suffix format").
func suffixOf(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[i+1:]
	}
	return ""
}

// ProduceOne drives one affiliate URL through a probed proxy and the
// redirect tracker, persisting a new available pool item on success (spec
// §4.C). The returned error is reserved for exceptional conditions
// (malformed input, persistence failure); an operationally unsuccessful
// attempt (no proxy yielded a usable suffix) is reported via
// Result.Success == false, not an error.
func (p *Producer) ProduceOne(ctx context.Context, tenantID, campaignID, affiliateLinkID, affiliateURL, country string) (Result, error) {
	if err := validateAffiliateURL(affiliateURL); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.produceOneTimeout())
	defer cancel()

	it, err := p.selector.Select(ctx, tenantID, campaignID, country)
	if err != nil {
		return Result{}, fmt.Errorf("producer: select proxy iterator: %w", err)
	}

	opts := redirecttrack.Options{PerRequestTimeout: p.redirectStepTimeout()}

	for {
		cand, ok := it.Next(ctx)
		if !ok {
			break
		}

		dialer, err := outbound.NewDialer(outbound.ProviderConfig{
			ProviderID: cand.ProviderID,
			Host:       cand.Host,
			Port:       cand.Port,
			Username:   cand.Username,
			Password:   cand.Password,
		})
		if err != nil {
			log.Printf("[producer] provider %s: build dialer: %v", cand.ProviderID, err)
			continue
		}

		res := p.tracer.Track(ctx, affiliateURL, redirecttrack.DialFunc(dialer.DialContext), opts)
		if !res.Success {
			// Every failure class just means this proxy didn't pan out; the
			// spec calls out connection-class errors explicitly as the
			// "move on" case, but a non-connection failure (e.g. an
			// unexpected HTTP status from this one egress IP) is just as
			// recoverable by trying the next candidate, so the loop treats
			// every Track failure the same way.
			log.Printf("[producer] provider %s: track failed (%s): %s", cand.ProviderID, res.ErrorCategory, res.ErrorMessage)
			continue
		}

		return p.commitSuccess(tenantID, campaignID, affiliateLinkID, cand, res)
	}

	if p.mockFallbackEnabled() {
		return p.commitMock(tenantID, campaignID, affiliateLinkID, affiliateURL)
	}

	return Result{Success: false, FailureReason: "all proxies exhausted without producing a suffix"}, nil
}

func (p *Producer) commitSuccess(tenantID, campaignID, affiliateLinkID string, cand proxysel.Candidate, res redirecttrack.Result) (Result, error) {
	now := p.now()

	if p.ipUsage != nil && p.dirty != nil {
		key := model.IPUsageKey{TenantID: tenantID, CampaignID: campaignID, ExitIP: cand.ExitIP}
		p.ipUsage.Record(key, now)
		p.dirty.MarkIPUsage(key)
	}

	suffix := suffixOf(res.FinalURL)
	item := model.PoolItem{
		ID:                    model.NewID(),
		TenantID:              tenantID,
		CampaignID:            campaignID,
		FinalURLSuffix:        suffix,
		ExitIP:                cand.ExitIP,
		SourceAffiliateLinkID: affiliateLinkID,
		Status:                model.PoolItemAvailable,
		CreatedAt:             now,
	}
	if err := p.pool.CreatePoolItem(item); err != nil {
		return Result{}, fmt.Errorf("producer: persist pool item: %w", err)
	}

	p.recordAudit(tenantID, "suffix_produced", fmt.Sprintf("campaign=%s provider=%s exitIp=%s poolItem=%s landingDomain=%s", campaignID, cand.ProviderID, cand.ExitIP, item.ID, netutil.ExtractDomain(res.FinalURL)), now)

	return Result{
		Success:        true,
		FinalURLSuffix: suffix,
		ExitIP:         cand.ExitIP,
		TrackedURL:     res.FinalURL,
		RedirectCount:  len(res.Chain),
		ProviderID:     cand.ProviderID,
	}, nil
}

func (p *Producer) commitMock(tenantID, campaignID, affiliateLinkID, affiliateURL string) (Result, error) {
	now := p.now()
	suffix := mockMarkerParam
	if existing := suffixOf(affiliateURL); existing != "" {
		suffix = existing + "&" + mockMarkerParam
	}

	item := model.PoolItem{
		ID:                    model.NewID(),
		TenantID:              tenantID,
		CampaignID:            campaignID,
		FinalURLSuffix:        suffix,
		ExitIP:                "mock",
		SourceAffiliateLinkID: affiliateLinkID,
		Status:                model.PoolItemAvailable,
		CreatedAt:             now,
	}
	if err := p.pool.CreatePoolItem(item); err != nil {
		return Result{}, fmt.Errorf("producer: persist mock pool item: %w", err)
	}

	p.recordAudit(tenantID, "suffix_produced_mock", fmt.Sprintf("campaign=%s poolItem=%s", campaignID, item.ID), now)

	return Result{
		Success:        true,
		FinalURLSuffix: suffix,
		ExitIP:         "mock",
		TrackedURL:     affiliateURL,
		Mock:           true,
	}, nil
}

func (p *Producer) recordAudit(tenantID, action, detail string, at time.Time) {
	if p.audit == nil || p.dirty == nil {
		return
	}
	entry := model.AuditLogEntry{
		ID:            model.NewID(),
		TenantID:      tenantID,
		Action:        action,
		Detail:        detail,
		ContentDigest: model.DigestContent(action, detail),
		CreatedAt:     at,
	}
	p.audit.Record(entry)
	p.dirty.MarkAuditLog(entry.ID)
}

// BatchResult summarizes one ProduceBatch call.
type BatchResult struct {
	Succeeded     int
	Attempted     int
	Results       []Result
	FailuresByTag map[string]int // failed attempts by kind: "error" (ProduceOne returned an error) or "exhausted"
}

// ProduceBatch loops ProduceOne serially until count successes are reached
// or a single underlying iterator is exhausted (spec §4.C "Batch mode").
// Each successful call's exit IP becomes visible to the selector's dedup
// check for subsequent calls in the same batch via the shared IPUsageStore
// passed in at construction (producer.Config.IPUsage), so usedIps grows
// across the loop without any extra bookkeeping here.
func (p *Producer) ProduceBatch(ctx context.Context, tenantID, campaignID, affiliateLinkID, affiliateURL, country string, count int) (BatchResult, error) {
	out := BatchResult{FailuresByTag: make(map[string]int)}

	for out.Succeeded < count {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		res, err := p.ProduceOne(ctx, tenantID, campaignID, affiliateLinkID, affiliateURL, country)
		out.Attempted++
		if err != nil {
			out.FailuresByTag["error"]++
			out.Results = append(out.Results, Result{Success: false, FailureReason: err.Error()})
			continue
		}

		out.Results = append(out.Results, res)
		if res.Success {
			out.Succeeded++
			continue
		}

		out.FailuresByTag["exhausted"]++
		// The iterator is built fresh per ProduceOne call from the current
		// persisted+pending usage snapshot; if this attempt exhausted every
		// provider, a further attempt right now would see the same
		// providers and (absent new usage) the same outcome, so stop
		// rather than spin.
		break
	}

	return out, nil
}
