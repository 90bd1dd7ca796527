// Package replenish keeps every campaign's available pool-item count above
// its low-water mark (spec §4.D). It is driven from two trigger surfaces: a
// cron tick that scans every active campaign, and an on-demand
// TriggerAsync call from the assignment engine that returns immediately and
// does its work on a worker pool distinct from the HTTP request path.
package replenish

import (
	"context"

	"github.com/kylink/suffixpool/internal/model"
	"github.com/kylink/suffixpool/internal/producer"
	"github.com/kylink/suffixpool/internal/state"
)

// Producer is the subset of *producer.Producer the replenishment loop drives.
type Producer interface {
	ProduceBatch(ctx context.Context, tenantID, campaignID, affiliateLinkID, affiliateURL, country string, count int) (producer.BatchResult, error)
}

// Repo is the subset of *state.Repo the replenishment loop depends on.
type Repo interface {
	ListActiveCampaigns(tenantID string) ([]model.Campaign, error)
	GetCampaign(tenantID, campaignID string) (model.Campaign, error)
	CountAvailablePoolItems(tenantID, campaignID string) (int, error)
	ListAffiliateLinks(tenantID, campaignID string) ([]model.AffiliateLink, error)
}

var (
	_ Producer = (*producer.Producer)(nil)
	_ Repo     = (*state.Repo)(nil)
)
