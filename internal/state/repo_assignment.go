package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kylink/suffixpool/internal/model"
)

const assignmentColumns = `id, tenant_id, campaign_id, idempotency_key, pool_item_id, final_url_suffix,
	now_clicks_at_assign_time, window_start_epoch_seconds, status, assigned_at_ns, acked_at_ns,
	applied, error_message, deleted_at_ns`

func scanAssignment(row interface{ Scan(dest ...any) error }) (model.Assignment, error) {
	var a model.Assignment
	var status string
	var assignedNs int64
	var ackedNs, deletedNs sql.NullInt64
	if err := row.Scan(
		&a.ID, &a.TenantID, &a.CampaignID, &a.IdempotencyKey, &a.PoolItemID, &a.FinalURLSuffix,
		&a.NowClicksAtAssignTime, &a.WindowStartEpochSeconds, &status, &assignedNs, &ackedNs,
		&a.Applied, &a.ErrorMessage, &deletedNs,
	); err != nil {
		return model.Assignment{}, err
	}
	a.Status = model.AssignmentStatus(status)
	a.AssignedAt = nsToTime(assignedNs)
	a.AckedAt = nsToTimePtr(ackedNs)
	a.DeletedAt = nsToTimePtr(deletedNs)
	return a, nil
}

// FindAssignmentByIdempotencyKey implements the lookup in spec §4.E.1 step 1:
// scoped by tenant and explicitly filtered on deleted_at_ns IS NULL so the
// uniqueness invariant composes with soft-delete (see spec §9 / DESIGN.md).
func (r *Repo) FindAssignmentByIdempotencyKey(tenantID, idempotencyKey string) (model.Assignment, error) {
	row := r.db.QueryRow(`
		SELECT `+assignmentColumns+` FROM assignments
		WHERE tenant_id = ? AND idempotency_key = ? AND deleted_at_ns IS NULL
	`, tenantID, idempotencyKey)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Assignment{}, ErrNotFound
	}
	return a, err
}

// FindActiveLeasedAssignment implements spec §4.E.1 step 5.a: the
// active-lease reuse branch. At most one leased assignment can exist per
// campaign (invariant 1, spec §8).
func (r *Repo) FindActiveLeasedAssignment(tenantID, campaignID string) (model.Assignment, error) {
	row := r.db.QueryRow(`
		SELECT `+assignmentColumns+` FROM assignments
		WHERE tenant_id = ? AND campaign_id = ? AND status = 'leased' AND deleted_at_ns IS NULL
		ORDER BY assigned_at_ns ASC
		LIMIT 1
	`, tenantID, campaignID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Assignment{}, ErrNotFound
	}
	return a, err
}

// GetAssignment reads one assignment by (id, tenantId, campaignId), as used
// by reportBatch (spec §4.E.2 step 1).
func (r *Repo) GetAssignment(tenantID, campaignID, id string) (model.Assignment, error) {
	row := r.db.QueryRow(`
		SELECT `+assignmentColumns+` FROM assignments
		WHERE id = ? AND tenant_id = ? AND campaign_id = ? AND deleted_at_ns IS NULL
	`, id, tenantID, campaignID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Assignment{}, ErrNotFound
	}
	return a, err
}

// ListLeasedAssignmentsAssignedBefore returns assignments still leased past
// cutoff, used by the lease-recovery sweep (spec §4.F).
func (r *Repo) ListLeasedAssignmentsAssignedBefore(cutoff time.Time) ([]model.Assignment, error) {
	rows, err := r.db.Query(`
		SELECT `+assignmentColumns+` FROM assignments
		WHERE status = 'leased' AND assigned_at_ns < ? AND deleted_at_ns IS NULL
		ORDER BY assigned_at_ns ASC
	`, nowNs(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ExpireAssignment transitions a leased assignment to expired (spec §4.E.3,
// §4.F). Caller is responsible for releasing the linked pool item via
// ReleaseExpiredLease in the same logical operation (kept as two statements,
// not one tx, because recovery runs this per-row and tolerates partial
// progress across a crash: a pool item stuck leased with no matching leased
// assignment is simply picked up again by the next sweep).
func (r *Repo) ExpireAssignment(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.Exec(`UPDATE assignments SET status = 'expired' WHERE id = ? AND status = 'leased'`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetClickState reads the click-state row for a campaign, returning a zero
// value (not an error) if none exists yet — spec §4.E.1 step 3 upserts it
// unconditionally on first observation.
func (r *Repo) GetClickState(tenantID, campaignID string) (model.ClickState, error) {
	row := r.db.QueryRow(`
		SELECT tenant_id, campaign_id, last_applied_clicks, last_observed_clicks, last_observed_at_ns
		FROM click_state WHERE tenant_id = ? AND campaign_id = ?
	`, tenantID, campaignID)
	var cs model.ClickState
	var lastObservedNs int64
	if err := row.Scan(&cs.TenantID, &cs.CampaignID, &cs.LastAppliedClicks, &cs.LastObservedClicks, &lastObservedNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ClickState{TenantID: tenantID, CampaignID: campaignID}, nil
		}
		return model.ClickState{}, err
	}
	cs.LastObservedAt = nsToTime(lastObservedNs)
	return cs, nil
}

// UpsertObservedClicks updates (lastObservedClicks, lastObservedAt)
// unconditionally, per spec §4.E.1 step 3. It does not touch
// lastAppliedClicks — that only moves inside the leasing transaction below.
func (r *Repo) UpsertObservedClicks(tenantID, campaignID string, nowClicks int64, observedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO click_state (tenant_id, campaign_id, last_applied_clicks, last_observed_clicks, last_observed_at_ns)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(tenant_id, campaign_id) DO UPDATE SET
			last_observed_clicks = excluded.last_observed_clicks,
			last_observed_at_ns = excluded.last_observed_at_ns
	`, tenantID, campaignID, nowClicks, nowNs(observedAt))
	return err
}

// ResetAppliedClicksForDayRollover implements spec §4.E.1 step 4: when a
// day-rollover is detected the caller resets lastAppliedClicks to 0 before
// the leasing transaction recomputes delta against it.
func (r *Repo) ResetAppliedClicksForDayRollover(tenantID, campaignID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		UPDATE click_state SET last_applied_clicks = 0
		WHERE tenant_id = ? AND campaign_id = ?
	`, tenantID, campaignID)
	return err
}

// maxAssignRetries and the base jitter are the spec §4.E.1 "concurrency
// under contention" defaults; the actual jittered sleep lives in
// internal/assignment/retry.go, which calls LeaseAndAssign in a loop.
const maxAssignRetries = 3

// LeaseAndAssign is the core critical section of spec §4.E.1 step 5.b: in one
// transaction, optimistically lease the oldest available pool item, create
// the assignment row, and bump lastAppliedClicks := GREATEST(existing,
// nowClicks). Returns ErrNoStock if the campaign has no available item, or
// ErrConflict if another writer won the race on the chosen row (the caller
// retries with jitter per spec §4.E.1).
func (r *Repo) LeaseAndAssign(tenantID, campaignID, idempotencyKey string, nowClicks, windowStartEpochSeconds int64, assignedAt time.Time) (model.Assignment, model.PoolItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return model.Assignment{}, model.PoolItem{}, err
	}
	defer tx.Rollback()

	// Re-check idempotency inside the same locked transaction: the caller's
	// earlier FindAssignmentByIdempotencyKey read happened outside this
	// mutex, so a concurrent caller with the same key could have raced past
	// it. The idempotency index is non-unique (spec §9 — soft-delete must
	// compose with uniqueness at the application level), so this check,
	// not a DB constraint, is what closes the race.
	var existingID string
	err = tx.QueryRow(`
		SELECT id FROM assignments WHERE tenant_id = ? AND idempotency_key = ? AND deleted_at_ns IS NULL
	`, tenantID, idempotencyKey).Scan(&existingID)
	if err == nil {
		return model.Assignment{}, model.PoolItem{}, fmt.Errorf("%w: idempotency key already assigned", ErrConflict)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Assignment{}, model.PoolItem{}, err
	}

	item, err := leaseOldestAvailablePoolItem(tx, tenantID, campaignID, assignedAt)
	if err != nil {
		return model.Assignment{}, model.PoolItem{}, err
	}

	assignment := model.Assignment{
		ID:                      model.NewID(),
		TenantID:                tenantID,
		CampaignID:              campaignID,
		IdempotencyKey:          idempotencyKey,
		PoolItemID:              item.ID,
		FinalURLSuffix:          item.FinalURLSuffix,
		NowClicksAtAssignTime:   nowClicks,
		WindowStartEpochSeconds: windowStartEpochSeconds,
		Status:                  model.AssignmentLeased,
		AssignedAt:              assignedAt,
	}

	if _, err := tx.Exec(`
		INSERT INTO assignments (
			id, tenant_id, campaign_id, idempotency_key, pool_item_id, final_url_suffix,
			now_clicks_at_assign_time, window_start_epoch_seconds, status, assigned_at_ns, applied
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'leased', ?, 0)
	`, assignment.ID, assignment.TenantID, assignment.CampaignID, assignment.IdempotencyKey, assignment.PoolItemID,
		assignment.FinalURLSuffix, assignment.NowClicksAtAssignTime, assignment.WindowStartEpochSeconds, nowNs(assignedAt)); err != nil {
		if isSQLiteUniqueConstraint(err) {
			return model.Assignment{}, model.PoolItem{}, fmt.Errorf("%w: idempotency key already assigned", ErrConflict)
		}
		return model.Assignment{}, model.PoolItem{}, err
	}

	if _, err := tx.Exec(`
		INSERT INTO click_state (tenant_id, campaign_id, last_applied_clicks, last_observed_clicks, last_observed_at_ns)
		VALUES (?, ?, ?, 0, 0)
		ON CONFLICT(tenant_id, campaign_id) DO UPDATE SET
			last_applied_clicks = MAX(last_applied_clicks, excluded.last_applied_clicks)
	`, tenantID, campaignID, nowClicks); err != nil {
		return model.Assignment{}, model.PoolItem{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Assignment{}, model.PoolItem{}, err
	}
	return assignment, item, nil
}

// ApplyWriteSuccess implements spec §4.E.2 step 3 in one transaction: the
// assignment becomes consumed/acked/applied, the pool item becomes consumed,
// and the write log is recorded. If a write log already exists, the insert
// fails on the write_logs primary key with the raw SQLite error (not
// ErrConflict) and the whole transaction is rolled back; the already-logged
// idempotent reply of spec §4.E.2 step 2 comes from the caller checking
// HasWriteLog before calling this.
func (r *Repo) ApplyWriteSuccess(assignmentID, tenantID, poolItemID string, reportedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE assignments SET status = 'consumed', acked_at_ns = ?, applied = 1
		WHERE id = ? AND tenant_id = ?
	`, nowNs(reportedAt), assignmentID, tenantID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`
		UPDATE pool_items SET status = 'consumed', consumed_at_ns = ? WHERE id = ?
	`, nowNs(reportedAt), poolItemID); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO write_logs (assignment_id, tenant_id, write_success, write_error_message, reported_at_ns, created_at_ns)
		VALUES (?, ?, 1, '', ?, ?)
	`, assignmentID, tenantID, nowNs(reportedAt), nowNs(reportedAt)); err != nil {
		return err
	}

	return tx.Commit()
}

// ApplyWriteFailure implements spec §4.E.2 step 4: the assignment becomes
// failed, the pool item is freed back to available (its suffix is eligible
// for a future APPLY), and the write log is recorded.
func (r *Repo) ApplyWriteFailure(assignmentID, tenantID, poolItemID, errMsg string, reportedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE assignments SET status = 'failed', acked_at_ns = ?, applied = 0, error_message = ?
		WHERE id = ? AND tenant_id = ?
	`, nowNs(reportedAt), errMsg, assignmentID, tenantID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`
		UPDATE pool_items SET status = 'available', leased_at_ns = NULL WHERE id = ?
	`, poolItemID); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO write_logs (assignment_id, tenant_id, write_success, write_error_message, reported_at_ns, created_at_ns)
		VALUES (?, ?, 0, ?, ?, ?)
	`, assignmentID, tenantID, errMsg, nowNs(reportedAt), nowNs(reportedAt)); err != nil {
		return err
	}

	return tx.Commit()
}

// HasWriteLog implements the idempotency check of spec §4.E.2 step 2.
func (r *Repo) HasWriteLog(assignmentID string) (bool, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM write_logs WHERE assignment_id = ?`, assignmentID).Scan(&n)
	return n > 0, err
}

// RecentFailureRate implements spec §4.F's failure-rate alert: the ratio of
// failed write-log rows among all write-log rows reported since `since`.
func (r *Repo) RecentFailureRate(tenantID string, since time.Time) (total, failed int, err error) {
	row := r.db.QueryRow(`
		SELECT COUNT(*), SUM(CASE WHEN write_success = 0 THEN 1 ELSE 0 END)
		FROM write_logs WHERE tenant_id = ? AND reported_at_ns >= ?
	`, tenantID, nowNs(since))
	var failedN sql.NullInt64
	if err := row.Scan(&total, &failedN); err != nil {
		return 0, 0, err
	}
	return total, int(failedN.Int64), nil
}
