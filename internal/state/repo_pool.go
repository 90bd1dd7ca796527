package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kylink/suffixpool/internal/model"
)

const poolItemColumns = `id, tenant_id, campaign_id, final_url_suffix, exit_ip, source_affiliate_link_id,
	status, created_at_ns, leased_at_ns, consumed_at_ns, deleted_at_ns`

func scanPoolItem(row interface{ Scan(dest ...any) error }) (model.PoolItem, error) {
	var p model.PoolItem
	var status string
	var createdNs int64
	var leasedNs, consumedNs, deletedNs sql.NullInt64
	if err := row.Scan(
		&p.ID, &p.TenantID, &p.CampaignID, &p.FinalURLSuffix, &p.ExitIP, &p.SourceAffiliateLinkID,
		&status, &createdNs, &leasedNs, &consumedNs, &deletedNs,
	); err != nil {
		return model.PoolItem{}, err
	}
	p.Status = model.PoolItemStatus(status)
	p.CreatedAt = nsToTime(createdNs)
	p.LeasedAt = nsToTimePtr(leasedNs)
	p.ConsumedAt = nsToTimePtr(consumedNs)
	p.DeletedAt = nsToTimePtr(deletedNs)
	return p, nil
}

// CreatePoolItem inserts a newly produced suffix into the pool as available.
func (r *Repo) CreatePoolItem(p model.PoolItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO pool_items (id, tenant_id, campaign_id, final_url_suffix, exit_ip, source_affiliate_link_id, status, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.TenantID, p.CampaignID, p.FinalURLSuffix, p.ExitIP, p.SourceAffiliateLinkID, string(p.Status), nowNs(p.CreatedAt))
	return err
}

// CountAvailablePoolItems returns the current available-item count for a
// campaign, used by the replenishment loop's low-watermark check.
func (r *Repo) CountAvailablePoolItems(tenantID, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM pool_items
		WHERE tenant_id = ? AND campaign_id = ? AND status = 'available' AND deleted_at_ns IS NULL
	`, tenantID, campaignID).Scan(&n)
	return n, err
}

// leaseOldestAvailablePoolItem picks the oldest available pool item for a
// campaign and optimistically transitions it to leased inside the given tx,
// returning ErrConflict (rows-affected == 0) if another writer already took
// it between the SELECT and the UPDATE. Must be called with r.mu held.
func leaseOldestAvailablePoolItem(tx *sql.Tx, tenantID, campaignID string, leasedAt time.Time) (model.PoolItem, error) {
	row := tx.QueryRow(`
		SELECT `+poolItemColumns+` FROM pool_items
		WHERE tenant_id = ? AND campaign_id = ? AND status = 'available' AND deleted_at_ns IS NULL
		ORDER BY created_at_ns ASC
		LIMIT 1
	`, tenantID, campaignID)
	item, err := scanPoolItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PoolItem{}, ErrNoStock
	}
	if err != nil {
		return model.PoolItem{}, err
	}

	result, err := tx.Exec(`
		UPDATE pool_items SET status = 'leased', leased_at_ns = ?
		WHERE id = ? AND status = 'available'
	`, nowNs(leasedAt), item.ID)
	if err != nil {
		return model.PoolItem{}, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return model.PoolItem{}, err
	}
	if n == 0 {
		return model.PoolItem{}, ErrConflict
	}

	item.Status = model.PoolItemLeased
	item.LeasedAt = &leasedAt
	return item, nil
}

// MarkPoolItemConsumed transitions a leased pool item to consumed.
func (r *Repo) MarkPoolItemConsumed(id string, consumedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.Exec(`UPDATE pool_items SET status = 'consumed', consumed_at_ns = ? WHERE id = ?`, nowNs(consumedAt), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPoolItemFailed transitions a leased pool item to failed, e.g. after a
// write-back report says the platform rejected it.
func (r *Repo) MarkPoolItemFailed(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.Exec(`UPDATE pool_items SET status = 'failed' WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseExpiredLease reverts a pool item from leased back to available,
// used by the lease-recovery sweep (spec §4.F) when an assignment expires
// unacknowledged.
func (r *Repo) ReleaseExpiredLease(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.Exec(`
		UPDATE pool_items SET status = 'available', leased_at_ns = NULL
		WHERE id = ? AND status = 'leased'
	`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("release lease %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListLeasedPoolItemsOlderThan returns leased items whose leased_at predates
// cutoff, used by the lease-recovery sweep.
func (r *Repo) ListLeasedPoolItemsOlderThan(cutoff time.Time) ([]model.PoolItem, error) {
	rows, err := r.db.Query(`
		SELECT `+poolItemColumns+` FROM pool_items
		WHERE status = 'leased' AND leased_at_ns < ? AND deleted_at_ns IS NULL
		ORDER BY leased_at_ns ASC
	`, nowNs(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PoolItem
	for rows.Next() {
		p, err := scanPoolItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
