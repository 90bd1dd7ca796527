package api

import (
	"net/http"
	"time"

	"github.com/kylink/suffixpool/internal/assignment"
)

// campaignMetaRequest is the optional metadata block accompanying a lease
// item (spec §4.E.1 step 2).
type campaignMetaRequest struct {
	DisplayName        string   `json:"displayName"`
	CountryCode        string   `json:"countryCode"`
	CanonicalFinalURL  string   `json:"canonicalFinalUrl"`
	TimeZone           string   `json:"timeZone"`
	ExternalAccountIDs []string `json:"externalAccountIds"`
}

// leaseItemRequest is one entry of an assignBatch call (spec §4.E.1).
type leaseItemRequest struct {
	CampaignID              string               `json:"campaignId"`
	NowClicks               int64                `json:"nowClicks"`
	ObservedAt              time.Time            `json:"observedAt"`
	WindowStartEpochSeconds int64                `json:"windowStartEpochSeconds"`
	IdempotencyKey          string               `json:"idempotencyKey"`
	Meta                    *campaignMetaRequest `json:"meta,omitempty"`
}

// leaseResultResponse is the outcome of one leaseItemRequest.
type leaseResultResponse struct {
	Action         string `json:"action"`
	AssignmentID   string `json:"assignmentId,omitempty"`
	FinalURLSuffix string `json:"finalUrlSuffix,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
}

func (req leaseItemRequest) validate() string {
	if req.CampaignID == "" {
		return "campaignId: must not be empty"
	}
	if req.IdempotencyKey == "" {
		return "idempotencyKey: must not be empty"
	}
	if req.WindowStartEpochSeconds <= 0 {
		return "windowStartEpochSeconds: must be a positive integer"
	}
	if req.ObservedAt.IsZero() {
		return "observedAt: must be a valid ISO-8601 timestamp"
	}
	return ""
}

func toLeaseItem(req leaseItemRequest) assignment.LeaseItem {
	item := assignment.LeaseItem{
		CampaignID:              req.CampaignID,
		NowClicks:               req.NowClicks,
		ObservedAt:              req.ObservedAt,
		WindowStartEpochSeconds: req.WindowStartEpochSeconds,
		IdempotencyKey:          req.IdempotencyKey,
	}
	if req.Meta != nil {
		item.Meta = &assignment.CampaignMeta{
			DisplayName:        req.Meta.DisplayName,
			CountryCode:        req.Meta.CountryCode,
			CanonicalFinalURL:  req.Meta.CanonicalFinalURL,
			TimeZone:           req.Meta.TimeZone,
			ExternalAccountIDs: req.Meta.ExternalAccountIDs,
		}
	}
	return item
}

func toLeaseResultResponse(r assignment.LeaseResult) leaseResultResponse {
	return leaseResultResponse{
		Action:         string(r.Action),
		AssignmentID:   r.AssignmentID,
		FinalURLSuffix: r.FinalURLSuffix,
		Reason:         r.Reason,
		Code:           string(r.Code),
		Message:        r.Message,
	}
}

// statusForLeaseResult maps a single-item assignBatch outcome to the HTTP
// status spec §6/§7 pin it to ("single-item endpoints map the outcome to
// HTTP status by the table above"). APPLY/NOOP are always 200; an ERROR
// action carries one of the §6 error codes (PENDING_IMPORT→202, NO_STOCK→409,
// INTERNAL_ERROR→500).
func statusForLeaseResult(r assignment.LeaseResult) int {
	if r.Action != assignment.ActionError {
		return http.StatusOK
	}
	return statusForCode(Code(r.Code))
}

// HandleLease handles POST /v1/suffix/lease: a single-item assignBatch call.
func HandleLease(engine AssignmentEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req leaseItemRequest
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		if msg := req.validate(); msg != "" {
			writeValidationError(w, msg)
			return
		}

		tenantID := TenantID(r.Context())
		results, err := engine.AssignBatch(tenantID, []assignment.LeaseItem{toLeaseItem(req)})
		if err != nil {
			writeInternalError(w, err)
			return
		}
		WriteJSON(w, statusForLeaseResult(results[0]), toLeaseResultResponse(results[0]))
	}
}

// leaseBatchRequest is the body of POST /v1/suffix/lease/batch.
type leaseBatchRequest struct {
	Campaigns        []leaseItemRequest `json:"campaigns"`
	ScriptInstanceID string             `json:"scriptInstanceId"`
	CycleMinutes     int                `json:"cycleMinutes"`
}

// HandleLeaseBatch handles POST /v1/suffix/lease/batch (spec §6).
func HandleLeaseBatch(engine AssignmentEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req leaseBatchRequest
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		if len(req.Campaigns) == 0 {
			writeValidationError(w, "campaigns: must not be empty")
			return
		}
		if len(req.Campaigns) > assignment.MaxBatchSize {
			writeValidationError(w, "campaigns: must contain at most 100 items")
			return
		}
		if req.CycleMinutes < 10 || req.CycleMinutes > 60 {
			writeValidationError(w, "cycleMinutes: must be between 10 and 60")
			return
		}
		for i, item := range req.Campaigns {
			if msg := item.validate(); msg != "" {
				writeValidationError(w, "campaigns["+itoa(i)+"]."+msg)
				return
			}
		}

		items := make([]assignment.LeaseItem, len(req.Campaigns))
		for i, c := range req.Campaigns {
			items[i] = toLeaseItem(c)
		}

		tenantID := TenantID(r.Context())
		results, err := engine.AssignBatch(tenantID, items)
		if err != nil {
			writeInternalError(w, err)
			return
		}

		out := make([]leaseResultResponse, len(results))
		for i, res := range results {
			out[i] = toLeaseResultResponse(res)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"results": out})
	}
}

// reportItemRequest is one entry of a reportBatch call (spec §4.E.2).
type reportItemRequest struct {
	AssignmentID      string    `json:"assignmentId"`
	CampaignID        string    `json:"campaignId"`
	WriteSuccess      bool      `json:"writeSuccess"`
	WriteErrorMessage string    `json:"writeErrorMessage,omitempty"`
	ReportedAt        time.Time `json:"reportedAt"`
}

type reportResultResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func (req reportItemRequest) validate() string {
	if req.AssignmentID == "" {
		return "assignmentId: must not be empty"
	}
	if req.CampaignID == "" {
		return "campaignId: must not be empty"
	}
	if req.ReportedAt.IsZero() {
		return "reportedAt: must be a valid ISO-8601 timestamp"
	}
	return ""
}

func toReportItem(req reportItemRequest) assignment.ReportItem {
	return assignment.ReportItem{
		AssignmentID:      req.AssignmentID,
		CampaignID:        req.CampaignID,
		WriteSuccess:      req.WriteSuccess,
		WriteErrorMessage: req.WriteErrorMessage,
		ReportedAt:        req.ReportedAt,
	}
}

// HandleReport handles POST /v1/suffix/report: a single-item reportBatch call.
func HandleReport(engine AssignmentEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reportItemRequest
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		if msg := req.validate(); msg != "" {
			writeValidationError(w, msg)
			return
		}

		tenantID := TenantID(r.Context())
		results, err := engine.ReportBatch(tenantID, []assignment.ReportItem{toReportItem(req)})
		if err != nil {
			writeInternalError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, reportResultResponse{OK: results[0].OK, Message: results[0].Message})
	}
}

// reportBatchRequest is the body of POST /v1/suffix/report/batch.
type reportBatchRequest struct {
	Reports []reportItemRequest `json:"reports"`
}

// HandleReportBatch handles POST /v1/suffix/report/batch.
func HandleReportBatch(engine AssignmentEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reportBatchRequest
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		if len(req.Reports) == 0 {
			writeValidationError(w, "reports: must not be empty")
			return
		}
		if len(req.Reports) > assignment.MaxBatchSize {
			writeValidationError(w, "reports: must contain at most 100 items")
			return
		}
		for i, item := range req.Reports {
			if msg := item.validate(); msg != "" {
				writeValidationError(w, "reports["+itoa(i)+"]."+msg)
				return
			}
		}

		items := make([]assignment.ReportItem, len(req.Reports))
		for i, rep := range req.Reports {
			items[i] = toReportItem(rep)
		}

		tenantID := TenantID(r.Context())
		results, err := engine.ReportBatch(tenantID, items)
		if err != nil {
			writeInternalError(w, err)
			return
		}

		out := make([]reportResultResponse, len(results))
		for i, res := range results {
			out[i] = reportResultResponse{OK: res.OK, Message: res.Message}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"results": out})
	}
}
