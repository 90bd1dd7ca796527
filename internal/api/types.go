package api

import (
	"context"

	"github.com/kylink/suffixpool/internal/assignment"
	"github.com/kylink/suffixpool/internal/model"
	"github.com/kylink/suffixpool/internal/recovery"
)

// AssignmentEngine is the subset of *assignment.Engine the suffix
// lease/report handlers depend on.
type AssignmentEngine interface {
	AssignBatch(tenantID string, items []assignment.LeaseItem) ([]assignment.LeaseResult, error)
	ReportBatch(tenantID string, items []assignment.ReportItem) ([]assignment.ReportResult, error)
}

// ReplenishRunner is the subset of *replenish.Loop the /v1/jobs/replenish
// handler depends on.
type ReplenishRunner interface {
	RunNow(tenantID, campaignID string, all, force bool) int
}

// RecoveryRunner is the subset of *recovery.Loop the /v1/jobs/recovery
// handler depends on.
type RecoveryRunner interface {
	RunOnce() recovery.Summary
}

// Repo is the subset of *state.Repo the API layer depends on directly
// (auth, campaign sync, alert history). Assignment/report/job handling goes
// through AssignmentEngine/ReplenishRunner/RecoveryRunner instead.
type Repo interface {
	FindAPIKeyByHash(keyHash string) (model.APIKey, error)

	UpsertCampaign(model.Campaign) error
	GetCampaign(tenantID, campaignID string) (model.Campaign, error)
	ListActiveCampaigns(tenantID string) ([]model.Campaign, error)

	ListRecentAlerts(tenantID string, limit int) ([]model.Alert, error)
}

// ctxKey is an unexported type to keep context keys collision-free.
type ctxKey int

const tenantIDCtxKey ctxKey = 1

// withTenantID stashes the resolved tenant ID into ctx, set by
// AuthMiddleware after a successful API-key lookup.
func withTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDCtxKey, tenantID)
}

// TenantID reads the tenant ID AuthMiddleware resolved for this request.
// Returns "" if the request was never authenticated.
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDCtxKey).(string)
	return v
}
