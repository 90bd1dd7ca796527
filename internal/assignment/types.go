// Package assignment implements the assignment engine: assignBatch and
// reportBatch (spec §4.E), the hardest and most important part of the
// system.
package assignment

import (
	"errors"
	"time"

	"github.com/kylink/suffixpool/internal/model"
	"github.com/kylink/suffixpool/internal/state"
)

// ErrTooManyItems is returned when a batch call exceeds the 100-item cap
// (spec §4.E.1/§4.E.2).
var ErrTooManyItems = errors.New("assignment: batch exceeds 100 items")

// MaxBatchSize is the per-call cap shared by assignBatch and reportBatch.
const MaxBatchSize = 100

// Action is the outcome kind of one assignBatch item.
type Action string

const (
	ActionApply Action = "APPLY"
	ActionNoop  Action = "NOOP"
	ActionError Action = "ERROR"
)

// Code is the machine-readable error/state code carried by an ERROR action,
// shared with the §6 HTTP error-code table.
type Code string

const (
	CodePendingImport Code = "PENDING_IMPORT"
	CodeNoStock       Code = "NO_STOCK"
	CodeInternalError Code = "INTERNAL_ERROR"
)

// CampaignMeta is the optional metadata block accompanying a lease item,
// used to lazily create or refresh campaign rows (spec §4.E.1 step 2).
type CampaignMeta struct {
	DisplayName        string
	CountryCode        string
	CanonicalFinalURL  string
	TimeZone           string
	ExternalAccountIDs []string
}

// LeaseItem is one entry of an assignBatch call.
type LeaseItem struct {
	CampaignID              string
	NowClicks               int64
	ObservedAt              time.Time
	WindowStartEpochSeconds int64
	IdempotencyKey          string
	Meta                    *CampaignMeta
}

// LeaseResult is the outcome of one LeaseItem.
type LeaseResult struct {
	Action         Action
	AssignmentID   string
	FinalURLSuffix string
	Reason         string
	Code           Code
	Message        string
}

// ReportItem is one entry of a reportBatch call (spec §4.E.2).
type ReportItem struct {
	AssignmentID      string
	CampaignID        string
	WriteSuccess      bool
	WriteErrorMessage string
	ReportedAt        time.Time
}

// ReportResult is the outcome of one ReportItem.
type ReportResult struct {
	OK      bool
	Message string
}

// Repo is the subset of *state.Repo the assignment engine depends on.
type Repo interface {
	FindAssignmentByIdempotencyKey(tenantID, idempotencyKey string) (model.Assignment, error)
	FindActiveLeasedAssignment(tenantID, campaignID string) (model.Assignment, error)
	GetAssignment(tenantID, campaignID, id string) (model.Assignment, error)
	GetCampaign(tenantID, campaignID string) (model.Campaign, error)
	UpsertCampaign(model.Campaign) error
	GetClickState(tenantID, campaignID string) (model.ClickState, error)
	UpsertObservedClicks(tenantID, campaignID string, nowClicks int64, observedAt time.Time) error
	ResetAppliedClicksForDayRollover(tenantID, campaignID string) error
	LeaseAndAssign(tenantID, campaignID, idempotencyKey string, nowClicks, windowStartEpochSeconds int64, assignedAt time.Time) (model.Assignment, model.PoolItem, error)
	ApplyWriteSuccess(assignmentID, tenantID, poolItemID string, reportedAt time.Time) error
	ApplyWriteFailure(assignmentID, tenantID, poolItemID, errMsg string, reportedAt time.Time) error
	HasWriteLog(assignmentID string) (bool, error)
}

var _ Repo = (*state.Repo)(nil)
