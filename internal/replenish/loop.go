package replenish

import (
	"context"
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/kylink/suffixpool/internal/keylock"
	"github.com/kylink/suffixpool/internal/model"
)

const defaultSchedule = "*/10 * * * *"

// Config wires a Loop's dependencies. BatchSize/LowWatermark are closures
// read on every check, so the loop picks up RuntimeConfig hot-reloads without
// a restart. StockConcurrency/CampaignConcurrency are read once, in New, to
// size the worker semaphores; a later change to them takes effect only on
// restart.
type Config struct {
	Repo     Repo
	Producer Producer

	BatchSize           func() int
	LowWatermark        func() int
	StockConcurrency    func() int
	CampaignConcurrency func() int

	// Schedule is a standard cron expression, default "*/10 * * * *" (spec
	// §4.D trigger surface 1: "every ~10 min").
	Schedule string
}

// Loop is the replenishment engine (spec §4.D).
type Loop struct {
	repo     Repo
	producer Producer

	batchSize    func() int
	lowWatermark func() int
	stockSem     chan struct{}
	campaignSem  chan struct{}
	locks        *keylock.Table

	cron   *cron.Cron
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Loop. Start must be called to begin the cron tick.
func New(cfg Config) *Loop {
	stockConc := 4
	if cfg.StockConcurrency != nil {
		if n := cfg.StockConcurrency(); n > 0 {
			stockConc = n
		}
	}
	campConc := 8
	if cfg.CampaignConcurrency != nil {
		if n := cfg.CampaignConcurrency(); n > 0 {
			campConc = n
		}
	}
	batchSize := cfg.BatchSize
	if batchSize == nil {
		batchSize = func() int { return 10 }
	}
	lowWatermark := cfg.LowWatermark
	if lowWatermark == nil {
		lowWatermark = func() int { return 3 }
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}

	l := &Loop{
		repo:         cfg.Repo,
		producer:     cfg.Producer,
		batchSize:    batchSize,
		lowWatermark: lowWatermark,
		stockSem:     make(chan struct{}, stockConc),
		campaignSem:  make(chan struct{}, campConc),
		locks:        keylock.New(),
		cron:         cron.New(),
		stopCh:       make(chan struct{}),
	}
	if _, err := l.cron.AddFunc(schedule, l.scanAll); err != nil {
		log.Printf("[replenish] invalid schedule %q: %v", schedule, err)
	}
	return l
}

// Start launches the cron-tick scan.
func (l *Loop) Start() {
	l.cron.Start()
}

// Stop stops the cron scheduler and waits for any in-flight replenishment
// (scheduled or on-demand) to finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.cron.Stop().Done()
	l.wg.Wait()
}

// TriggerAsync kicks off replenishment for one campaign and returns
// immediately (spec §4.D trigger surface 2, called by the assignment
// engine after a consuming or no-stock branch).
func (l *Loop) TriggerAsync(tenantID, campaignID string) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.maybeReplenish(tenantID, campaignID)
	}()
}

func campaignLockKey(tenantID, campaignID string) string { return tenantID + "/" + campaignID }

// scanAll lists every active campaign across every tenant and fans out a
// bounded number of concurrent replenishment checks (spec §4.D trigger
// surface 1).
func (l *Loop) scanAll() {
	campaigns, err := l.repo.ListActiveCampaigns("")
	if err != nil {
		log.Printf("[replenish] list active campaigns: %v", err)
		return
	}

	for _, c := range campaigns {
		select {
		case <-l.stopCh:
			return
		default:
		}

		select {
		case l.campaignSem <- struct{}{}:
		case <-l.stopCh:
			return
		}

		l.wg.Add(1)
		go func(c model.Campaign) {
			defer l.wg.Done()
			defer func() { <-l.campaignSem }()
			l.maybeReplenish(c.TenantID, c.CampaignID)
		}(c)
	}
}

// maybeReplenish checks whether (tenantID, campaignID) is below its
// low-water mark and, if so, produces up to batchSize() more pool items.
// A best-effort in-process lock ensures a single campaign is never
// replenished by two workers at once (spec §4.D backpressure); a worker
// that loses the race simply skips this tick; the next tick (or the next
// on-demand trigger) will re-check.
func (l *Loop) maybeReplenish(tenantID, campaignID string) {
	l.replenishOne(tenantID, campaignID, false)
}

// RunNow synchronously drives replenishment on demand for the
// /v1/jobs/replenish handler (spec §6). With all=true it replenishes every
// active campaign for tenantID (every tenant if tenantID is ""); with
// all=false it replenishes only campaignID. force bypasses the low-water
// check. Returns the number of campaigns actually replenished.
func (l *Loop) RunNow(tenantID, campaignID string, all, force bool) int {
	if !all {
		if l.replenishOne(tenantID, campaignID, force) {
			return 1
		}
		return 0
	}

	campaigns, err := l.repo.ListActiveCampaigns(tenantID)
	if err != nil {
		log.Printf("[replenish] RunNow list active campaigns: %v", err)
		return 0
	}
	n := 0
	for _, c := range campaigns {
		if l.replenishOne(c.TenantID, c.CampaignID, force) {
			n++
		}
	}
	return n
}

// replenishOne is maybeReplenish's implementation, parameterized by force so
// RunNow can bypass the low-water check on demand. Returns whether a
// produceBatch call actually ran.
func (l *Loop) replenishOne(tenantID, campaignID string, force bool) bool {
	unlock, ok := l.locks.TryLock(campaignLockKey(tenantID, campaignID))
	if !ok {
		return false
	}
	defer unlock()

	available, err := l.repo.CountAvailablePoolItems(tenantID, campaignID)
	if err != nil {
		log.Printf("[replenish] count available for %s/%s: %v", tenantID, campaignID, err)
		return false
	}
	if !force && available >= l.lowWatermark() {
		return false
	}

	campaign, err := l.repo.GetCampaign(tenantID, campaignID)
	if err != nil {
		log.Printf("[replenish] get campaign %s/%s: %v", tenantID, campaignID, err)
		return false
	}
	if campaign.Status != model.CampaignActive {
		return false
	}

	links, err := l.repo.ListAffiliateLinks(tenantID, campaignID)
	if err != nil {
		log.Printf("[replenish] list affiliate links for %s/%s: %v", tenantID, campaignID, err)
		return false
	}
	if len(links) == 0 {
		log.Printf("[replenish] %s/%s is below low-water mark but has no enabled affiliate link", tenantID, campaignID)
		return false
	}
	link := links[0] // highest priority first, per ListAffiliateLinks' ordering

	// produceBatchSize is the target to raise the pool TO, not the count to
	// add on top of what's already available (spec §4.D: "target size to
	// raise the pool to").
	need := l.batchSize() - available
	if need <= 0 {
		return false
	}

	select {
	case l.stockSem <- struct{}{}:
	case <-l.stopCh:
		return false
	}
	defer func() { <-l.stockSem }()

	result, err := l.producer.ProduceBatch(context.Background(), tenantID, campaignID, link.ID, link.EntryURL, campaign.CountryCode, need)
	if err != nil {
		log.Printf("[replenish] produceBatch %s/%s: %v", tenantID, campaignID, err)
		return false
	}
	if result.Succeeded < need {
		log.Printf("[replenish] %s/%s produced %d/%d requested pool items", tenantID, campaignID, result.Succeeded, need)
	}
	return true
}
