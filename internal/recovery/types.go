// Package recovery implements the lease-recovery sweep and the stock/
// failure-rate alerting described in spec §4.F.
package recovery

import (
	"time"

	"github.com/kylink/suffixpool/internal/model"
	"github.com/kylink/suffixpool/internal/state"
)

// Repo is the subset of *state.Repo the recovery sweep depends on.
type Repo interface {
	ListLeasedAssignmentsAssignedBefore(cutoff time.Time) ([]model.Assignment, error)
	ExpireAssignment(id string) error
	ReleaseExpiredLease(id string) error

	ListActiveCampaigns(tenantID string) ([]model.Campaign, error)
	CountAvailablePoolItems(tenantID, campaignID string) (int, error)

	ListTenants() ([]model.Tenant, error)
	RecentFailureRate(tenantID string, since time.Time) (total, failed int, err error)

	CreateAlert(model.Alert) error
}

var _ Repo = (*state.Repo)(nil)

// AlertSink accepts an alert, deduplicates it within a 1h window by
// (tenantId, type, campaignId), and persists anything new (spec §4.F
// "Alerts are deduplicated... within a 1-h window").
type AlertSink interface {
	Emit(model.Alert)
}
