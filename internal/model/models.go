// Package model defines the domain structs shared across the persistence
// and service layers.
package model

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// NewID returns a fresh opaque identifier for a tenant, campaign, pool item,
// assignment, or alert row.
func NewID() string {
	return uuid.NewString()
}

// DigestContent returns a stable, short content digest of an audit-log
// action/detail pair, stored alongside the entry so two independently
// written logs can be compared for equality without holding the full detail
// string in memory (e.g. during dedup or log-shipping verification).
func DigestContent(action, detail string) string {
	return strconv.FormatUint(xxh3.HashString(action+"\x00"+detail), 16)
}

// PoolItemStatus is the lifecycle state of a SuffixStockItem.
type PoolItemStatus string

const (
	PoolItemAvailable PoolItemStatus = "available"
	PoolItemLeased    PoolItemStatus = "leased"
	PoolItemConsumed  PoolItemStatus = "consumed"
	PoolItemFailed    PoolItemStatus = "failed"
)

// AssignmentStatus is the lifecycle state of a SuffixAssignment.
type AssignmentStatus string

const (
	AssignmentLeased   AssignmentStatus = "leased"
	AssignmentConsumed AssignmentStatus = "consumed"
	AssignmentFailed   AssignmentStatus = "failed"
	AssignmentExpired  AssignmentStatus = "expired"
)

// CampaignStatus reflects whether a campaign is currently eligible for
// assignment/replenishment activity.
type CampaignStatus string

const (
	CampaignActive   CampaignStatus = "active"
	CampaignInactive CampaignStatus = "inactive"
)

// Tenant is an isolated owner of campaigns, proxies, pool items, and state.
type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Campaign holds the metadata synced from (or lazily created for) an
// external ad platform campaign.
type Campaign struct {
	TenantID           string
	CampaignID         string
	DisplayName        string
	CountryCode        string
	CanonicalFinalURL  string
	ExternalAccountIDs []string
	Status             CampaignStatus
	TimeZone           string // IANA zone; empty means UTC (spec §9)
	LastSyncedAt       time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// AffiliateLink is one entry-URL candidate for a campaign's suffix
// production, ordered by priority.
type AffiliateLink struct {
	ID         string
	TenantID   string
	CampaignID string
	EntryURL   string
	Priority   int
	Enabled    bool
	CreatedAt  time.Time
	DeletedAt  *time.Time
}

// ProxyProvider is a tenant-assignable SOCKS5 endpoint.
type ProxyProvider struct {
	ID               string
	Host             string
	Port             int
	UsernameTemplate string
	Password         string
	Priority         int
	Enabled          bool
	CreatedAt        time.Time
	DeletedAt        *time.Time
}

// PoolItem is one pre-produced suffix available to lease out.
type PoolItem struct {
	ID                    string
	TenantID              string
	CampaignID            string
	FinalURLSuffix        string
	ExitIP                string
	SourceAffiliateLinkID string
	Status                PoolItemStatus
	CreatedAt             time.Time
	LeasedAt              *time.Time
	ConsumedAt            *time.Time
	DeletedAt             *time.Time
}

// Assignment is one record per (tenantId, idempotencyKey): the decision
// record produced by the assignment engine.
type Assignment struct {
	ID                      string
	TenantID                string
	CampaignID              string
	IdempotencyKey          string
	PoolItemID              string
	FinalURLSuffix          string
	NowClicksAtAssignTime   int64
	WindowStartEpochSeconds int64
	Status                  AssignmentStatus
	AssignedAt              time.Time
	AckedAt                 *time.Time
	Applied                 bool
	ErrorMessage            string
	DeletedAt               *time.Time
}

// WriteLog is the report of whether an assignment's suffix was successfully
// written into the ad platform.
type WriteLog struct {
	AssignmentID     string
	TenantID         string
	WriteSuccess     bool
	WriteErrorMessage string
	ReportedAt       time.Time
	CreatedAt        time.Time
}

// ClickState tracks the last-applied and last-observed click counters for
// one (tenantId, campaignId).
type ClickState struct {
	TenantID          string
	CampaignID        string
	LastAppliedClicks int64
	LastObservedClicks int64
	LastObservedAt    time.Time
}

// ProxyIPUsage records that exitIP was used to produce a suffix for
// (tenantId, campaignId) at usedAt; rows older than 24h are purge-eligible.
type ProxyIPUsage struct {
	TenantID   string
	CampaignID string
	ExitIP     string
	UsedAt     time.Time
}

// IPUsageKey is the composite dirty-set/lookup key for a ProxyIPUsage record.
type IPUsageKey struct {
	TenantID   string
	CampaignID string
	ExitIP     string
}

// AlertLevel classifies an Alert's severity.
type AlertLevel string

const (
	AlertInfo    AlertLevel = "info"
	AlertWarning AlertLevel = "warning"
	AlertError   AlertLevel = "error"
)

// Alert is an operator-facing notification, retained 30 days.
type Alert struct {
	ID             string
	TenantID       string
	Type           string
	Level          AlertLevel
	Title          string
	Body           string
	CampaignID     string
	CreatedAt      time.Time
	AcknowledgedAt *time.Time
}

// AuditLogEntry is an append-only record of a core action.
type AuditLogEntry struct {
	ID            string
	TenantID      string
	Action        string
	Detail        string
	ContentDigest string // DigestContent(Action, Detail), hex xxh3
	CreatedAt     time.Time
}

// APIKey is the stored hash of an issued key (issuance itself is out of
// scope for the core — see spec §1).
type APIKey struct {
	TenantID  string
	KeyHash   string // sha256 hex of the full key
	KeyPrefix string // first 12 chars, for display/lookup convenience
	CreatedAt time.Time
	RevokedAt *time.Time
}
