package state

import (
	"database/sql"
	"fmt"

	"github.com/kylink/suffixpool/internal/model"
)

// CacheRepo wraps cache.db: the two genuinely best-effort tables
// (proxy_ip_usage, audit_log) that do not need the strong-persist repo's
// immediate-durability guarantee, mirroring the teacher's weak-persist
// split.
type CacheRepo struct {
	db *sql.DB
}

// NewCacheRepo wraps an already-open, already-migrated cache.db handle.
func NewCacheRepo(db *sql.DB) *CacheRepo {
	return &CacheRepo{db: db}
}

// FlushOps is one batch of dirty-set writes, classified into upserts and
// deletes per table.
type FlushOps struct {
	UpsertIPUsage []model.ProxyIPUsage
	DeleteIPUsage []model.IPUsageKey

	UpsertAuditLog []model.AuditLogEntry
	DeleteAuditLog []string
}

// FlushTx executes every op of one flush cycle in a single transaction.
func (r *CacheRepo) FlushTx(ops FlushOps) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(ops.UpsertIPUsage) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO proxy_ip_usage (tenant_id, campaign_id, exit_ip, used_at_ns) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		for _, u := range ops.UpsertIPUsage {
			if _, err := stmt.Exec(u.TenantID, u.CampaignID, u.ExitIP, nowNs(u.UsedAt)); err != nil {
				stmt.Close()
				return err
			}
		}
		stmt.Close()
	}
	for _, k := range ops.DeleteIPUsage {
		if _, err := tx.Exec(`DELETE FROM proxy_ip_usage WHERE tenant_id = ? AND campaign_id = ? AND exit_ip = ?`, k.TenantID, k.CampaignID, k.ExitIP); err != nil {
			return err
		}
	}

	if len(ops.UpsertAuditLog) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO audit_log (id, tenant_id, action, detail, content_digest, created_at_ns) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`)
		if err != nil {
			return err
		}
		for _, e := range ops.UpsertAuditLog {
			if _, err := stmt.Exec(e.ID, e.TenantID, e.Action, e.Detail, e.ContentDigest, nowNs(e.CreatedAt)); err != nil {
				stmt.Close()
				return err
			}
		}
		stmt.Close()
	}
	for _, id := range ops.DeleteAuditLog {
		if _, err := tx.Exec(`DELETE FROM audit_log WHERE id = ?`, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// PurgeIPUsageOlderThan deletes usage rows past the 24h relevance window
// (spec §3: "records older than 24 h are irrelevant and may be purged").
func (r *CacheRepo) PurgeIPUsageOlderThan(cutoffNs int64) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM proxy_ip_usage WHERE used_at_ns < ?`, cutoffNs)
	if err != nil {
		return 0, fmt.Errorf("purge proxy_ip_usage: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// RecentIPUsage returns the set of exit IPs used by (tenantId, campaignId)
// since sinceNs, for the proxy selector's dedup check (spec §4.B step 2).
func (r *CacheRepo) RecentIPUsage(tenantID, campaignID string, sinceNs int64) (map[string]bool, error) {
	rows, err := r.db.Query(`
		SELECT DISTINCT exit_ip FROM proxy_ip_usage
		WHERE tenant_id = ? AND campaign_id = ? AND used_at_ns >= ?
	`, tenantID, campaignID, sinceNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		out[ip] = true
	}
	return out, rows.Err()
}

// ListAuditLog returns recent audit-log entries for a tenant, newest first.
func (r *CacheRepo) ListAuditLog(tenantID string, limit int) ([]model.AuditLogEntry, error) {
	rows, err := r.db.Query(`
		SELECT id, tenant_id, action, detail, content_digest, created_at_ns FROM audit_log
		WHERE tenant_id = ? ORDER BY created_at_ns DESC LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditLogEntry
	for rows.Next() {
		var e model.AuditLogEntry
		var createdNs int64
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Action, &e.Detail, &e.ContentDigest, &createdNs); err != nil {
			return nil, err
		}
		e.CreatedAt = nsToTime(createdNs)
		out = append(out, e)
	}
	return out, rows.Err()
}
