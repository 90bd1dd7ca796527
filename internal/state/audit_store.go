package state

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/kylink/suffixpool/internal/model"
)

// AuditLogStore is the in-memory source of truth for audit-log entries
// pending a durable write to cache.db, the audit-log counterpart to
// internal/proxysel.IPUsageStore. Both back the same CacheEngine dirty-set
// pattern: the engine only tracks which ids are dirty, a store like this one
// holds the actual record until flush time.
type AuditLogStore struct {
	pending *xsync.Map[string, model.AuditLogEntry]
}

// NewAuditLogStore creates an empty store.
func NewAuditLogStore() *AuditLogStore {
	return &AuditLogStore{pending: xsync.NewMap[string, model.AuditLogEntry]()}
}

// Record stores a freshly-created entry, ready to be marked dirty against a
// CacheEngine via MarkAuditLog.
func (s *AuditLogStore) Record(entry model.AuditLogEntry) {
	s.pending.Store(entry.ID, entry)
}

// Get implements the CacheReaders.ReadAudit callback shape.
func (s *AuditLogStore) Get(id string) *model.AuditLogEntry {
	v, ok := s.pending.Load(id)
	if !ok {
		return nil
	}
	return &v
}

// Forget drops an entry once it no longer needs to be held in memory, e.g.
// after it has been confirmed flushed and retention isn't needed for
// ListAuditLog (which reads cache.db directly).
func (s *AuditLogStore) Forget(id string) {
	s.pending.Delete(id)
}
