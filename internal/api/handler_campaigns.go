package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/kylink/suffixpool/internal/model"
	"github.com/kylink/suffixpool/internal/state"
)

// campaignSyncRow is one metadata row of a POST /v1/campaigns/sync call.
type campaignSyncRow struct {
	CampaignID         string   `json:"campaignId"`
	DisplayName        string   `json:"displayName"`
	CountryCode        string   `json:"countryCode"`
	CanonicalFinalURL  string   `json:"canonicalFinalUrl"`
	TimeZone           string   `json:"timeZone"`
	ExternalAccountIDs []string `json:"externalAccountIds"`
}

type campaignsSyncRequest struct {
	Campaigns []campaignSyncRow `json:"campaigns"`
}

type campaignSyncResult struct {
	CampaignID string `json:"campaignId"`
	Status     string `json:"status"` // "created", "updated", or "error"
	Message    string `json:"message,omitempty"`
}

// HandleCampaignsSync handles POST /v1/campaigns/sync: upserts campaign
// metadata rows outside of the lazy-hydration path a lease call would
// otherwise take (spec §4.E.1 step 2).
func HandleCampaignsSync(repo Repo, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req campaignsSyncRequest
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		if len(req.Campaigns) == 0 {
			writeValidationError(w, "campaigns: must not be empty")
			return
		}

		tenantID := TenantID(r.Context())
		results := make([]campaignSyncResult, len(req.Campaigns))
		for i, row := range req.Campaigns {
			results[i] = syncOneCampaign(repo, tenantID, row, now())
		}
		WriteJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

func syncOneCampaign(repo Repo, tenantID string, row campaignSyncRow, at time.Time) campaignSyncResult {
	if row.CampaignID == "" {
		return campaignSyncResult{Status: "error", Message: "campaignId: must not be empty"}
	}

	existing, err := repo.GetCampaign(tenantID, row.CampaignID)
	status := "updated"
	createdAt := existing.CreatedAt
	if errors.Is(err, state.ErrNotFound) {
		status = "created"
		createdAt = at
	} else if err != nil {
		return campaignSyncResult{CampaignID: row.CampaignID, Status: "error", Message: err.Error()}
	}

	campaign := model.Campaign{
		TenantID:           tenantID,
		CampaignID:         row.CampaignID,
		DisplayName:        row.DisplayName,
		CountryCode:        row.CountryCode,
		CanonicalFinalURL:  row.CanonicalFinalURL,
		ExternalAccountIDs: row.ExternalAccountIDs,
		TimeZone:           row.TimeZone,
		Status:             model.CampaignActive,
		LastSyncedAt:       at,
		CreatedAt:          createdAt,
		UpdatedAt:          at,
	}
	if err := repo.UpsertCampaign(campaign); err != nil {
		return campaignSyncResult{CampaignID: row.CampaignID, Status: "error", Message: err.Error()}
	}
	return campaignSyncResult{CampaignID: row.CampaignID, Status: status}
}
