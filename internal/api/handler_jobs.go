package api

import (
	"net/http"
)

// replenishJobRequest is the body of POST /v1/jobs/replenish (spec §6).
type replenishJobRequest struct {
	Mode       string `json:"mode"` // "all" or "single"
	CampaignID string `json:"campaignId,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

type replenishJobResponse struct {
	Mode         string `json:"mode"`
	CampaignID   string `json:"campaignId,omitempty"`
	Force        bool   `json:"force"`
	Replenished  int    `json:"replenished"`
}

// HandleJobsReplenish handles POST /v1/jobs/replenish (spec §6). Callable
// either as an authenticated tenant (replenishes only that tenant) or via
// the cron-secret header (replenishes across every tenant when mode=all).
func HandleJobsReplenish(runner ReplenishRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req replenishJobRequest
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		if req.Mode != "all" && req.Mode != "single" {
			writeValidationError(w, "mode: must be \"all\" or \"single\"")
			return
		}
		if req.Mode == "single" && req.CampaignID == "" {
			writeValidationError(w, "campaignId: required when mode is \"single\"")
			return
		}

		tenantID := TenantID(r.Context())
		n := runner.RunNow(tenantID, req.CampaignID, req.Mode == "all", req.Force)

		WriteJSON(w, http.StatusOK, replenishJobResponse{
			Mode:        req.Mode,
			CampaignID:  req.CampaignID,
			Force:       req.Force,
			Replenished: n,
		})
	}
}

type recoveryJobRequest struct {
	Action string `json:"action,omitempty"`
}

// HandleJobsRecovery handles POST /v1/jobs/recovery (spec §6): runs one
// full lease-recovery + alert sweep synchronously and returns its counts.
func HandleJobsRecovery(runner RecoveryRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req recoveryJobRequest
		if r.ContentLength != 0 {
			if !decodeBodyOrWriteInvalid(w, r, &req) {
				return
			}
		}
		summary := runner.RunOnce()
		WriteJSON(w, http.StatusOK, summary)
	}
}

type jobsStatusResponse struct {
	Status string `json:"status"`
}

// HandleJobsStatus handles GET /v1/jobs: a liveness check for the
// background job subsystem, distinct from /healthz's process-level check.
func HandleJobsStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, jobsStatusResponse{Status: "ok"})
	}
}

// HandleJobsAlerts handles GET /v1/jobs/alerts: recent alert history for
// the authenticated tenant (spec §4.F).
func HandleJobsAlerts(repo Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}

		tenantID := TenantID(r.Context())
		alerts, err := repo.ListRecentAlerts(tenantID, pg.Offset+pg.Limit)
		if err != nil {
			writeInternalError(w, err)
			return
		}
		page := PaginateSlice(alerts, pg)
		WritePage(w, http.StatusOK, page, pg, len(alerts))
	}
}
