// Package keylock provides a best-effort, in-process mutual-exclusion lock
// keyed by an arbitrary string (typically "tenantId/campaignId"), grounded
// on the teacher's xsync.Map-backed per-account state in
// internal/routing.LeaseTable/IPLoadStats — the same get-or-create-then-hold
// pattern IPLoadStats.Inc uses for its atomic counters, applied here to a
// *sync.Mutex instead. Used by internal/assignment and internal/replenish to
// cut down on (not eliminate) contention on the same (tenantId, campaignId):
// correctness never depends on this lock, only throughput (spec §4.D/§5
// "shared-resource policy").
package keylock

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"
)

// Table is a set of mutexes keyed by the xxh3 hash of an arbitrary string
// (typically "tenantId/campaignId"), created lazily on first use. Hashing
// the key down to a fixed-size uint64 keeps the map's comparable-key
// pressure constant regardless of how long campaign/tenant IDs get.
type Table struct {
	locks *xsync.Map[uint64, *sync.Mutex]
}

// New creates an empty Table.
func New() *Table {
	return &Table{locks: xsync.NewMap[uint64, *sync.Mutex]()}
}

// Lock acquires the mutex for key, creating it if this is the first caller
// to reference it, and returns a func that releases it. Locks are never
// removed from the table; the set of distinct keys (tenantId/campaignId
// pairs) is bounded by the number of active campaigns, so this is
// acceptable long-term growth, the same tradeoff IPLoadStats.Dec documents
// for not removing zero counters.
func (t *Table) Lock(key string) (unlock func()) {
	mu, _ := t.locks.LoadOrStore(xxh3.HashString(key), &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// TryLock attempts to acquire the mutex for key without blocking. On
// success it returns a release func and true; on failure it returns (nil,
// false) and the caller must not call the returned func.
func (t *Table) TryLock(key string) (unlock func(), ok bool) {
	mu, _ := t.locks.LoadOrStore(xxh3.HashString(key), &sync.Mutex{})
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}
