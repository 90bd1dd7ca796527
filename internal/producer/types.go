// Package producer turns an affiliate entry URL into a usable tracking
// suffix by driving it through a probed proxy and the redirect tracker, then
// persists the result as an available pool item (spec §4.C).
package producer

import (
	"errors"
	"time"

	"github.com/kylink/suffixpool/internal/model"
)

// ErrInvalidAffiliateURL is returned when the supplied affiliate URL is not
// a well-formed http(s) URL (spec §4.C step 1).
var ErrInvalidAffiliateURL = errors.New("producer: affiliate url must be an absolute http(s) url")

// mockMarkerParam is appended to the synthetic suffix produced by the dev
// fallback (spec §4.C step 3), so a mock-produced suffix is unmistakable in
// logs and in any downstream platform it gets written to.
const mockMarkerParam = "suffixpool_mock=1"

// Result is the outcome of one ProduceOne call.
type Result struct {
	Success        bool
	FinalURLSuffix string
	ExitIP         string
	TrackedURL     string
	RedirectCount  int
	FailureReason  string
	ProviderID     string
	Mock           bool
}

// PoolItemCreator is the subset of *state.Repo a Producer depends on.
type PoolItemCreator interface {
	CreatePoolItem(model.PoolItem) error
}

// IPUsageRecorder is the subset of *proxysel.IPUsageStore a Producer
// depends on for in-memory usage bookkeeping.
type IPUsageRecorder interface {
	Record(key model.IPUsageKey, usedAt time.Time) model.ProxyIPUsage
}

// AuditRecorder is the subset of *state.AuditLogStore a Producer depends on.
type AuditRecorder interface {
	Record(entry model.AuditLogEntry)
}

// DirtyMarker is the subset of *state.CacheEngine a Producer depends on to
// schedule its in-memory records for a durable flush.
type DirtyMarker interface {
	MarkIPUsage(model.IPUsageKey)
	MarkAuditLog(id string)
}
