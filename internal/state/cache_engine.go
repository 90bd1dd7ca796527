package state

import (
	"fmt"
	"log"

	"github.com/kylink/suffixpool/internal/model"
)

// CacheReaders provides callbacks for reading the current in-memory value
// of a dirty key at flush time. If a reader returns nil for a key marked
// OpUpsert, the key is treated as a delete (the record was removed between
// mark and flush). Callers own the in-memory source of truth (e.g.
// internal/proxysel's xsync.Map of pending IP-usage records); the engine
// only tracks which keys are dirty.
type CacheReaders struct {
	ReadIPUsage func(model.IPUsageKey) *model.ProxyIPUsage
	ReadAudit   func(id string) *model.AuditLogEntry
}

// CacheEngine is the single mark/flush entry point for the two best-effort
// tables. It adapts the teacher's StateEngine dirty-set pattern to a repo
// that otherwise has no weak-persist tables at all (spec §3's durability
// requirements push everything else into Repo).
type CacheEngine struct {
	repo *CacheRepo

	dirtyIPUsage *DirtySet[model.IPUsageKey]
	dirtyAudit   *DirtySet[string]
}

// NewCacheEngine wires a CacheEngine around an already-open CacheRepo.
func NewCacheEngine(repo *CacheRepo) *CacheEngine {
	return &CacheEngine{
		repo:         repo,
		dirtyIPUsage: NewDirtySet[model.IPUsageKey](),
		dirtyAudit:   NewDirtySet[string](),
	}
}

// MarkIPUsage records that an IP-usage record is pending a durable write.
func (e *CacheEngine) MarkIPUsage(key model.IPUsageKey) { e.dirtyIPUsage.MarkUpsert(key) }

// MarkAuditLog records that an audit-log entry is pending a durable write.
func (e *CacheEngine) MarkAuditLog(id string) { e.dirtyAudit.MarkUpsert(id) }

// DirtyCount returns the total number of dirty entries across both sets.
func (e *CacheEngine) DirtyCount() int {
	return e.dirtyIPUsage.Len() + e.dirtyAudit.Len()
}

// FlushDirtySets drains both dirty sets, reads current values via readers,
// and batch-writes to cache.db in a single transaction. On failure,
// undrained entries are merged back so nothing is lost.
func (e *CacheEngine) FlushDirtySets(readers CacheReaders) error {
	drainedIPUsage := e.dirtyIPUsage.Drain()
	drainedAudit := e.dirtyAudit.Drain()

	remerge := func() {
		e.dirtyIPUsage.Merge(drainedIPUsage)
		e.dirtyAudit.Merge(drainedAudit)
	}

	upsertIPUsage, deleteIPUsage := classifyDirtySet(drainedIPUsage, readers.ReadIPUsage)
	upsertAudit, deleteAudit := classifyDirtySet(drainedAudit, readers.ReadAudit)

	if err := e.repo.FlushTx(FlushOps{
		UpsertIPUsage:  upsertIPUsage,
		DeleteIPUsage:  deleteIPUsage,
		UpsertAuditLog: upsertAudit,
		DeleteAuditLog: deleteAudit,
	}); err != nil {
		remerge()
		return fmt.Errorf("flush: %w", err)
	}

	log.Printf("[state] flushed dirty sets: ip_usage=%d, audit_log=%d", len(drainedIPUsage), len(drainedAudit))
	return nil
}
