package assignment

import (
	"errors"
	"time"

	"github.com/kylink/suffixpool/internal/keylock"
	"github.com/kylink/suffixpool/internal/model"
	"github.com/kylink/suffixpool/internal/state"
)

// ReplenishTrigger kicks off asynchronous replenishment for a campaign and
// returns immediately; the actual work runs on internal/replenish's worker
// pool, distinct from the HTTP request path (spec §4.D trigger surface 2).
type ReplenishTrigger func(tenantID, campaignID string)

// Engine implements assignBatch/reportBatch (spec §4.E).
type Engine struct {
	repo      Repo
	replenish ReplenishTrigger
	locks     *keylock.Table
	now       func() time.Time
}

// Config wires an Engine's dependencies.
type Config struct {
	Repo      Repo
	Replenish ReplenishTrigger // defaults to a no-op
	Now       func() time.Time // defaults to time.Now
}

// New builds an Engine.
func New(cfg Config) *Engine {
	if cfg.Replenish == nil {
		cfg.Replenish = func(string, string) {}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{repo: cfg.Repo, replenish: cfg.Replenish, locks: keylock.New(), now: cfg.Now}
}

func campaignLockKey(tenantID, campaignID string) string { return tenantID + "/" + campaignID }

// AssignBatch processes each item independently; one item's failure never
// blocks another's (spec §4.E.1).
func (e *Engine) AssignBatch(tenantID string, items []LeaseItem) ([]LeaseResult, error) {
	if len(items) > MaxBatchSize {
		return nil, ErrTooManyItems
	}
	out := make([]LeaseResult, len(items))
	for i, item := range items {
		out[i] = e.assignOne(tenantID, item)
	}
	return out, nil
}

func (e *Engine) assignOne(tenantID string, item LeaseItem) LeaseResult {
	// Step 1: idempotency.
	existing, err := e.repo.FindAssignmentByIdempotencyKey(tenantID, item.IdempotencyKey)
	if err == nil {
		switch existing.Status {
		case model.AssignmentLeased, model.AssignmentConsumed:
			return LeaseResult{Action: ActionApply, AssignmentID: existing.ID, FinalURLSuffix: existing.FinalURLSuffix}
		default: // failed or expired
			return LeaseResult{Action: ActionNoop, Reason: "replay-of-completed-window"}
		}
	}
	if !errors.Is(err, state.ErrNotFound) {
		return errorResult(err)
	}

	unlock := e.locks.Lock(campaignLockKey(tenantID, item.CampaignID))
	defer unlock()

	// Step 2: metadata hydration.
	campaign, err := e.repo.GetCampaign(tenantID, item.CampaignID)
	switch {
	case errors.Is(err, state.ErrNotFound):
		if item.Meta == nil {
			return LeaseResult{Action: ActionError, Code: CodePendingImport}
		}
		campaign = newCampaignFromMeta(tenantID, item.CampaignID, *item.Meta, e.now())
		if err := e.repo.UpsertCampaign(campaign); err != nil {
			return errorResult(err)
		}
	case err != nil:
		return errorResult(err)
	case item.Meta != nil && metaDiffers(campaign, *item.Meta):
		campaign = applyMeta(campaign, *item.Meta)
		campaign.LastSyncedAt = e.now()
		if err := e.repo.UpsertCampaign(campaign); err != nil {
			return errorResult(err)
		}
	}

	// Step 3: click state. Read the prior state before upserting so the
	// day-rollover check (step 4) can compare against the PRIOR
	// lastObservedAt, not the one this call is about to write.
	prior, err := e.repo.GetClickState(tenantID, item.CampaignID)
	if err != nil {
		return errorResult(err)
	}
	if err := e.repo.UpsertObservedClicks(tenantID, item.CampaignID, item.NowClicks, item.ObservedAt); err != nil {
		return errorResult(err)
	}

	// Step 4: day-rollover detection.
	lastApplied := prior.LastAppliedClicks
	delta := item.NowClicks - lastApplied
	if delta <= 0 && lastApplied > 0 {
		oldDate := dateString(prior.LastObservedAt, campaign.TimeZone)
		newDate := dateString(item.ObservedAt, campaign.TimeZone)
		if oldDate < newDate {
			if err := e.repo.ResetAppliedClicksForDayRollover(tenantID, item.CampaignID); err != nil {
				return errorResult(err)
			}
			lastApplied = 0
			delta = item.NowClicks
		}
	}

	// Step 5: decision.
	if delta <= 0 {
		return LeaseResult{Action: ActionNoop, Reason: "delta<=0"}
	}

	if active, err := e.repo.FindActiveLeasedAssignment(tenantID, item.CampaignID); err == nil {
		return LeaseResult{Action: ActionApply, AssignmentID: active.ID, FinalURLSuffix: active.FinalURLSuffix}
	} else if !errors.Is(err, state.ErrNotFound) {
		return errorResult(err)
	}

	assignedAt := e.now()
	assignment, _, err := withLeaseRetry(func(err error) bool { return errors.Is(err, state.ErrConflict) },
		func() (model.Assignment, model.PoolItem, error) {
			return e.repo.LeaseAndAssign(tenantID, item.CampaignID, item.IdempotencyKey, item.NowClicks, item.WindowStartEpochSeconds, assignedAt)
		})

	// Step 6: kick replenishment after any consuming branch (including
	// the no-stock branch, which still wants more stock produced).
	defer e.replenish(tenantID, item.CampaignID)

	if errors.Is(err, state.ErrNoStock) {
		return LeaseResult{Action: ActionError, Code: CodeNoStock}
	}
	if errors.Is(err, state.ErrConflict) {
		// The conflict may be a same-key race (a concurrent caller with this
		// idempotencyKey won between our step-1 lookup and the in-tx
		// re-check) rather than a pool-item lease collision; re-reading here
		// turns that case into the idempotent APPLY instead of surfacing
		// INTERNAL_ERROR after exhausting retries.
		if winner, findErr := e.repo.FindAssignmentByIdempotencyKey(tenantID, item.IdempotencyKey); findErr == nil {
			return LeaseResult{Action: ActionApply, AssignmentID: winner.ID, FinalURLSuffix: winner.FinalURLSuffix}
		}
		return LeaseResult{Action: ActionError, Code: CodeInternalError, Message: "pool item lease conflict exhausted retries"}
	}
	if err != nil {
		return errorResult(err)
	}

	return LeaseResult{Action: ActionApply, AssignmentID: assignment.ID, FinalURLSuffix: assignment.FinalURLSuffix}
}

func errorResult(err error) LeaseResult {
	return LeaseResult{Action: ActionError, Code: CodeInternalError, Message: err.Error()}
}

func newCampaignFromMeta(tenantID, campaignID string, m CampaignMeta, now time.Time) model.Campaign {
	return model.Campaign{
		TenantID:           tenantID,
		CampaignID:         campaignID,
		DisplayName:        m.DisplayName,
		CountryCode:        m.CountryCode,
		CanonicalFinalURL:  m.CanonicalFinalURL,
		TimeZone:           m.TimeZone,
		ExternalAccountIDs: m.ExternalAccountIDs,
		Status:             model.CampaignActive,
		LastSyncedAt:       now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func metaDiffers(c model.Campaign, m CampaignMeta) bool {
	if c.DisplayName != m.DisplayName || c.CountryCode != m.CountryCode || c.CanonicalFinalURL != m.CanonicalFinalURL || c.TimeZone != m.TimeZone {
		return true
	}
	if len(c.ExternalAccountIDs) != len(m.ExternalAccountIDs) {
		return true
	}
	for i, id := range c.ExternalAccountIDs {
		if id != m.ExternalAccountIDs[i] {
			return true
		}
	}
	return false
}

func applyMeta(c model.Campaign, m CampaignMeta) model.Campaign {
	c.DisplayName = m.DisplayName
	c.CountryCode = m.CountryCode
	c.CanonicalFinalURL = m.CanonicalFinalURL
	c.TimeZone = m.TimeZone
	c.ExternalAccountIDs = m.ExternalAccountIDs
	return c
}

// ReportBatch processes each write-back report independently (spec §4.E.2).
func (e *Engine) ReportBatch(tenantID string, items []ReportItem) ([]ReportResult, error) {
	if len(items) > MaxBatchSize {
		return nil, ErrTooManyItems
	}
	out := make([]ReportResult, len(items))
	for i, item := range items {
		out[i] = e.reportOne(tenantID, item)
	}
	return out, nil
}

func (e *Engine) reportOne(tenantID string, item ReportItem) ReportResult {
	assignment, err := e.repo.GetAssignment(tenantID, item.CampaignID, item.AssignmentID)
	if errors.Is(err, state.ErrNotFound) {
		return ReportResult{OK: false, Message: "not-found"}
	}
	if err != nil {
		return ReportResult{OK: false, Message: err.Error()}
	}

	logged, err := e.repo.HasWriteLog(item.AssignmentID)
	if err != nil {
		return ReportResult{OK: false, Message: err.Error()}
	}
	if logged {
		return ReportResult{OK: true, Message: "already-logged"}
	}

	if item.WriteSuccess {
		if err := e.repo.ApplyWriteSuccess(assignment.ID, tenantID, assignment.PoolItemID, item.ReportedAt); err != nil {
			return ReportResult{OK: false, Message: err.Error()}
		}
		return ReportResult{OK: true}
	}

	if err := e.repo.ApplyWriteFailure(assignment.ID, tenantID, assignment.PoolItemID, item.WriteErrorMessage, item.ReportedAt); err != nil {
		return ReportResult{OK: false, Message: err.Error()}
	}
	return ReportResult{OK: true}
}
