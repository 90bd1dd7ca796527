package recovery

import (
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kylink/suffixpool/internal/model"
)

const defaultSchedule = "*/10 * * * *"

// Config wires a Loop's dependencies. The threshold closures mirror
// internal/replenish.Config's pattern so a RuntimeConfig hot-reload is
// picked up without a restart.
type Config struct {
	Repo   Repo
	Alerts AlertSink

	LeaseTTLMinutes          func() int // default 15
	StockAlertWarningMinutes func() int // default 15
	StockAlertErrorMinutes   func() int // default 60
	FailureRateAlertPercent  func() int // default 10

	// Schedule is a standard cron expression, default "*/10 * * * *" (spec
	// §4.F "Lease recovery (cron, every ~10 min)").
	Schedule string
	Now      func() time.Time
}

// Summary counts one sweep's effects, returned to the /v1/jobs/recovery
// handler (spec §6).
type Summary struct {
	ExpiredLeases       int
	StockWarnings       int
	StockErrors         int
	FailureRateAlerts   int
}

// Loop is the recovery & alerting sweep (spec §4.F).
type Loop struct {
	repo   Repo
	alerts AlertSink

	leaseTTLMinutes    func() int
	stockWarnMinutes   func() int
	stockErrMinutes    func() int
	failureRatePercent func() int
	now                func() time.Time

	cron   *cron.Cron
	mu     sync.Mutex
	zeroSince map[string]time.Time // campaignLockKey -> first-observed-zero-stock time
}

func campaignKey(tenantID, campaignID string) string { return tenantID + "/" + campaignID }

// New builds a Loop. Start must be called to begin the cron tick.
func New(cfg Config) *Loop {
	leaseTTL := cfg.LeaseTTLMinutes
	if leaseTTL == nil {
		leaseTTL = func() int { return 15 }
	}
	warnMin := cfg.StockAlertWarningMinutes
	if warnMin == nil {
		warnMin = func() int { return 15 }
	}
	errMin := cfg.StockAlertErrorMinutes
	if errMin == nil {
		errMin = func() int { return 60 }
	}
	failurePct := cfg.FailureRateAlertPercent
	if failurePct == nil {
		failurePct = func() int { return 10 }
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}

	l := &Loop{
		repo:               cfg.Repo,
		alerts:             cfg.Alerts,
		leaseTTLMinutes:    leaseTTL,
		stockWarnMinutes:   warnMin,
		stockErrMinutes:    errMin,
		failureRatePercent: failurePct,
		now:                now,
		cron:               cron.New(),
		zeroSince:          make(map[string]time.Time),
	}
	if _, err := l.cron.AddFunc(schedule, func() { l.RunOnce() }); err != nil {
		log.Printf("[recovery] invalid schedule %q: %v", schedule, err)
	}
	return l
}

// Start launches the cron-tick sweep.
func (l *Loop) Start() { l.cron.Start() }

// Stop stops the cron scheduler and waits for the in-flight sweep to finish.
func (l *Loop) Stop() { <-l.cron.Stop().Done() }

// RunOnce executes one full sweep: lease recovery, then stock alerts, then
// failure-rate alerts (spec §4.F). Exposed directly so /v1/jobs/recovery can
// invoke it synchronously on demand.
func (l *Loop) RunOnce() Summary {
	var s Summary
	s.ExpiredLeases = l.recoverExpiredLeases()
	s.StockWarnings, s.StockErrors = l.checkStockAlerts()
	s.FailureRateAlerts = l.checkFailureRateAlerts()
	return s
}

// recoverExpiredLeases reclaims assignments stuck in leased past
// leaseTtlMinutes, reverting their pool item to available (spec §4.F "Lease
// recovery"). Per-tenant info alerts are emitted with the reclaimed count.
func (l *Loop) recoverExpiredLeases() int {
	cutoff := l.now().Add(-time.Duration(l.leaseTTLMinutes()) * time.Minute)
	stuck, err := l.repo.ListLeasedAssignmentsAssignedBefore(cutoff)
	if err != nil {
		log.Printf("[recovery] list stuck leases: %v", err)
		return 0
	}

	recoveredByTenant := make(map[string]int)
	for _, a := range stuck {
		if err := l.repo.ExpireAssignment(a.ID); err != nil {
			log.Printf("[recovery] expire assignment %s: %v", a.ID, err)
			continue
		}
		if err := l.repo.ReleaseExpiredLease(a.PoolItemID); err != nil {
			log.Printf("[recovery] release pool item %s: %v", a.PoolItemID, err)
			continue
		}
		recoveredByTenant[a.TenantID]++
	}

	for tenantID, n := range recoveredByTenant {
		l.alerts.Emit(model.Alert{
			TenantID: tenantID,
			Type:     "lease_recovery",
			Level:    model.AlertInfo,
			Title:    "Stuck leases recovered",
			Body:     pluralCount(n, "lease") + " past the lease TTL were reclaimed and returned to the available pool.",
		})
	}
	return len(stuck)
}

// checkStockAlerts raises a warning/error alert for every active campaign
// whose available pool has been empty for longer than the configured
// thresholds (spec §4.F "Stock alerts"). zeroSince tracks, per campaign, the
// first sweep tick that observed zero stock; it resets as soon as stock is
// replenished.
func (l *Loop) checkStockAlerts() (warnings, errors int) {
	campaigns, err := l.repo.ListActiveCampaigns("")
	if err != nil {
		log.Printf("[recovery] list active campaigns: %v", err)
		return 0, 0
	}

	now := l.now()
	warnMin := time.Duration(l.stockWarnMinutes()) * time.Minute
	errMin := time.Duration(l.stockErrMinutes()) * time.Minute

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range campaigns {
		key := campaignKey(c.TenantID, c.CampaignID)
		available, err := l.repo.CountAvailablePoolItems(c.TenantID, c.CampaignID)
		if err != nil {
			log.Printf("[recovery] count available for %s/%s: %v", c.TenantID, c.CampaignID, err)
			continue
		}
		if available > 0 {
			delete(l.zeroSince, key)
			continue
		}

		since, tracked := l.zeroSince[key]
		if !tracked {
			l.zeroSince[key] = now
			continue
		}

		empty := now.Sub(since)
		switch {
		case empty >= errMin:
			errors++
			l.alerts.Emit(model.Alert{
				TenantID:   c.TenantID,
				CampaignID: c.CampaignID,
				Type:       "stock_empty",
				Level:      model.AlertError,
				Title:      "Suffix pool exhausted",
				Body:       "Campaign has had zero available suffixes for over an hour.",
			})
		case empty >= warnMin:
			warnings++
			l.alerts.Emit(model.Alert{
				TenantID:   c.TenantID,
				CampaignID: c.CampaignID,
				Type:       "stock_empty",
				Level:      model.AlertWarning,
				Title:      "Suffix pool running low",
				Body:       "Campaign has had zero available suffixes for over 15 minutes.",
			})
		}
	}
	return warnings, errors
}

// checkFailureRateAlerts raises an alert for every tenant whose write-log
// failure ratio over the last hour exceeds the configured percentage (spec
// §4.F "Failure-rate alerts").
func (l *Loop) checkFailureRateAlerts() int {
	tenants, err := l.repo.ListTenants()
	if err != nil {
		log.Printf("[recovery] list tenants: %v", err)
		return 0
	}

	since := l.now().Add(-time.Hour)
	pct := l.failureRatePercent()
	raised := 0
	for _, t := range tenants {
		total, failed, err := l.repo.RecentFailureRate(t.ID, since)
		if err != nil {
			log.Printf("[recovery] recent failure rate for %s: %v", t.ID, err)
			continue
		}
		if total == 0 {
			continue
		}
		if failed*100 > pct*total {
			raised++
			l.alerts.Emit(model.Alert{
				TenantID: t.ID,
				Type:     "write_failure_rate",
				Level:    model.AlertWarning,
				Title:    "High write-outcome failure rate",
				Body:     "Write-outcome reports in the last hour exceeded the failure-rate threshold.",
			})
		}
	}
	return raised
}

func pluralCount(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}
