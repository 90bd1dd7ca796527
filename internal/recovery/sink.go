package recovery

import (
	"log"
	"time"

	"github.com/maypok86/otter"

	"github.com/kylink/suffixpool/internal/model"
)

// dedupCacheSize bounds the number of distinct (tenantId, type, campaignId)
// keys tracked at once; well above any realistic alert fan-out.
const dedupCacheSize = 10_000

// Sink is the durable AlertSink: it persists every non-duplicate alert via
// CreateAlert and logs it, using an otter cache (grounded on the teacher's
// node.LatencyTable) keyed by (tenantId, type, campaignId) to collapse
// repeats within a 1h window.
type Sink struct {
	repo  Repo
	dedup otter.Cache[string, struct{}]
	now   func() time.Time
}

// NewSink builds a Sink. now defaults to time.Now.
func NewSink(repo Repo, now func() time.Time) *Sink {
	if now == nil {
		now = time.Now
	}
	cache, err := otter.MustBuilder[string, struct{}](dedupCacheSize).
		Cost(func(_ string, _ struct{}) uint32 { return 1 }).
		WithTTL(time.Hour).
		Build()
	if err != nil {
		panic("recovery: failed to create alert dedup cache: " + err.Error())
	}
	return &Sink{repo: repo, dedup: cache, now: now}
}

func dedupKey(a model.Alert) string {
	return a.TenantID + "|" + a.Type + "|" + a.CampaignID
}

// Emit persists a new alert, or silently drops it if an alert with the same
// (tenantId, type, campaignId) was already emitted within the last hour.
func (s *Sink) Emit(a model.Alert) {
	key := dedupKey(a)
	if _, found := s.dedup.Get(key); found {
		return
	}
	s.dedup.Set(key, struct{}{})

	if a.ID == "" {
		a.ID = model.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if err := s.repo.CreateAlert(a); err != nil {
		log.Printf("[recovery] persist alert %s/%s/%s: %v", a.TenantID, a.Type, a.CampaignID, err)
	}
	log.Printf("[recovery] alert [%s] tenant=%s type=%s campaign=%s: %s", a.Level, a.TenantID, a.Type, a.CampaignID, a.Title)
}
