package state

import (
	"database/sql"

	"github.com/kylink/suffixpool/internal/model"
)

// CreateAlert persists an operator-facing alert (spec §4.F). Dedup within a
// 1-h window is the caller's responsibility (internal/recovery's otter
// cache) — this is the durable side, kept separate so alert history
// survives a process restart even though the dedup cache does not.
func (r *Repo) CreateAlert(a model.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO alerts (id, tenant_id, type, level, title, body, campaign_id, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.TenantID, a.Type, string(a.Level), a.Title, a.Body, a.CampaignID, nowNs(a.CreatedAt))
	return err
}

// ListRecentAlerts returns the most recent alerts for a tenant (or every
// tenant if tenantID is empty), newest first, for the /v1/jobs/alerts
// history surface (spec §6).
func (r *Repo) ListRecentAlerts(tenantID string, limit int) ([]model.Alert, error) {
	query := `SELECT id, tenant_id, type, level, title, body, campaign_id, created_at_ns, acknowledged_at_ns FROM alerts`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at_ns DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		var level string
		var createdNs int64
		var ackedNs sql.NullInt64
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Type, &level, &a.Title, &a.Body, &a.CampaignID, &createdNs, &ackedNs); err != nil {
			return nil, err
		}
		a.Level = model.AlertLevel(level)
		a.CreatedAt = nsToTime(createdNs)
		a.AcknowledgedAt = nsToTimePtr(ackedNs)
		out = append(out, a)
	}
	return out, rows.Err()
}
