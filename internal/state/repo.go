package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kylink/suffixpool/internal/model"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Repo wraps state.db and provides transactional CRUD for every strong-persist
// table in the schema. Every state.db table demands immediate durability
// (assignment idempotency, the single-leased-assignment invariant), so one
// repo behind one mutex covers all of them; the two best-effort tables
// (proxy_ip_usage, audit_log) live in cache.db behind CacheRepo.
type Repo struct {
	db *sql.DB
	mu sync.Mutex
}

// NewRepo wraps an already-open, already-migrated state.db handle.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

func nowNs(t time.Time) int64 { return t.UnixNano() }

func nsToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func nsToTimePtr(ns sql.NullInt64) *time.Time {
	if !ns.Valid || ns.Int64 == 0 {
		return nil
	}
	t := nsToTime(ns.Int64)
	return &t
}

func timePtrToNs(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func isSQLiteUniqueConstraint(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeStrings(raw string) ([]string, error) {
	var out []string
	if raw == "" {
		return []string{}, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// --- system_config ---

// GetSystemConfig loads the raw runtime config JSON and version from
// state.db. Returns an empty string and version 0 if no row exists.
func (r *Repo) GetSystemConfig() (configJSON string, version int, err error) {
	row := r.db.QueryRow("SELECT config_json, version FROM system_config WHERE id = 1")
	if err := row.Scan(&configJSON, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("scan system_config: %w", err)
	}
	return configJSON, version, nil
}

// SaveSystemConfig persists the runtime config JSON with the given version.
func (r *Repo) SaveSystemConfig(configJSON string, version int, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO system_config (id, config_json, version, updated_at_ns)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config_json   = excluded.config_json,
			version       = excluded.version,
			updated_at_ns = excluded.updated_at_ns
	`, configJSON, version, nowNs(updatedAt))
	return err
}

// --- tenants ---

// UpsertTenant inserts or updates a tenant by ID.
func (r *Repo) UpsertTenant(t model.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO tenants (id, name, created_at_ns, deleted_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			deleted_at_ns = excluded.deleted_at_ns
	`, t.ID, t.Name, nowNs(t.CreatedAt), timePtrToNs(t.DeletedAt))
	return err
}

// GetTenant reads a tenant by ID, including soft-deleted ones.
func (r *Repo) GetTenant(id string) (model.Tenant, error) {
	row := r.db.QueryRow(`SELECT id, name, created_at_ns, deleted_at_ns FROM tenants WHERE id = ?`, id)
	var t model.Tenant
	var createdNs int64
	var deletedNs sql.NullInt64
	if err := row.Scan(&t.ID, &t.Name, &createdNs, &deletedNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Tenant{}, ErrNotFound
		}
		return model.Tenant{}, err
	}
	t.CreatedAt = nsToTime(createdNs)
	t.DeletedAt = nsToTimePtr(deletedNs)
	return t, nil
}

// ListTenants returns all non-deleted tenants.
func (r *Repo) ListTenants() ([]model.Tenant, error) {
	rows, err := r.db.Query(`SELECT id, name, created_at_ns, deleted_at_ns FROM tenants WHERE deleted_at_ns IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		var t model.Tenant
		var createdNs int64
		var deletedNs sql.NullInt64
		if err := rows.Scan(&t.ID, &t.Name, &createdNs, &deletedNs); err != nil {
			return nil, err
		}
		t.CreatedAt = nsToTime(createdNs)
		t.DeletedAt = nsToTimePtr(deletedNs)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- campaigns ---

// UpsertCampaign inserts or updates a campaign by (tenantId, campaignId).
func (r *Repo) UpsertCampaign(c model.Campaign) error {
	extJSON, err := encodeStrings(c.ExternalAccountIDs)
	if err != nil {
		return fmt.Errorf("encode campaign %s/%s external_account_ids: %w", c.TenantID, c.CampaignID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO campaigns (
			tenant_id, campaign_id, display_name, country_code, canonical_final_url,
			external_account_ids_json, status, time_zone, last_synced_at_ns,
			created_at_ns, updated_at_ns, deleted_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, campaign_id) DO UPDATE SET
			display_name = excluded.display_name,
			country_code = excluded.country_code,
			canonical_final_url = excluded.canonical_final_url,
			external_account_ids_json = excluded.external_account_ids_json,
			status = excluded.status,
			time_zone = excluded.time_zone,
			last_synced_at_ns = excluded.last_synced_at_ns,
			updated_at_ns = excluded.updated_at_ns,
			deleted_at_ns = excluded.deleted_at_ns
	`, c.TenantID, c.CampaignID, c.DisplayName, c.CountryCode, c.CanonicalFinalURL,
		extJSON, string(c.Status), c.TimeZone, nowNs(c.LastSyncedAt),
		nowNs(c.CreatedAt), nowNs(c.UpdatedAt), timePtrToNs(c.DeletedAt))
	return err
}

func scanCampaign(row interface {
	Scan(dest ...any) error
}) (model.Campaign, error) {
	var c model.Campaign
	var status, extJSON string
	var lastSyncedNs, createdNs, updatedNs int64
	var deletedNs sql.NullInt64
	if err := row.Scan(
		&c.TenantID, &c.CampaignID, &c.DisplayName, &c.CountryCode, &c.CanonicalFinalURL,
		&extJSON, &status, &c.TimeZone, &lastSyncedNs, &createdNs, &updatedNs, &deletedNs,
	); err != nil {
		return model.Campaign{}, err
	}
	ext, err := decodeStrings(extJSON)
	if err != nil {
		return model.Campaign{}, fmt.Errorf("decode campaign %s/%s external_account_ids: %w", c.TenantID, c.CampaignID, err)
	}
	c.ExternalAccountIDs = ext
	c.Status = model.CampaignStatus(status)
	c.LastSyncedAt = nsToTime(lastSyncedNs)
	c.CreatedAt = nsToTime(createdNs)
	c.UpdatedAt = nsToTime(updatedNs)
	c.DeletedAt = nsToTimePtr(deletedNs)
	return c, nil
}

const campaignColumns = `tenant_id, campaign_id, display_name, country_code, canonical_final_url,
	external_account_ids_json, status, time_zone, last_synced_at_ns, created_at_ns, updated_at_ns, deleted_at_ns`

// GetCampaign reads one campaign, including soft-deleted ones.
func (r *Repo) GetCampaign(tenantID, campaignID string) (model.Campaign, error) {
	row := r.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE tenant_id = ? AND campaign_id = ?`, tenantID, campaignID)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Campaign{}, ErrNotFound
	}
	return c, err
}

// ListActiveCampaigns returns every non-deleted, active campaign for a
// tenant (or every tenant if tenantID is empty), used by the replenishment
// loop's scan.
func (r *Repo) ListActiveCampaigns(tenantID string) ([]model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status = 'active' AND deleted_at_ns IS NULL`
	args := []any{}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY tenant_id, campaign_id`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- affiliate_links ---

// UpsertAffiliateLink inserts or updates an affiliate link by ID.
func (r *Repo) UpsertAffiliateLink(l model.AffiliateLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO affiliate_links (id, tenant_id, campaign_id, entry_url, priority, enabled, created_at_ns, deleted_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entry_url = excluded.entry_url,
			priority = excluded.priority,
			enabled = excluded.enabled,
			deleted_at_ns = excluded.deleted_at_ns
	`, l.ID, l.TenantID, l.CampaignID, l.EntryURL, l.Priority, l.Enabled, nowNs(l.CreatedAt), timePtrToNs(l.DeletedAt))
	return err
}

// ListAffiliateLinks returns enabled, non-deleted links for a campaign,
// ordered by descending priority (highest priority first, per spec §4.C).
func (r *Repo) ListAffiliateLinks(tenantID, campaignID string) ([]model.AffiliateLink, error) {
	rows, err := r.db.Query(`
		SELECT id, tenant_id, campaign_id, entry_url, priority, enabled, created_at_ns, deleted_at_ns
		FROM affiliate_links
		WHERE tenant_id = ? AND campaign_id = ? AND enabled = 1 AND deleted_at_ns IS NULL
		ORDER BY priority DESC, id ASC
	`, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AffiliateLink
	for rows.Next() {
		var l model.AffiliateLink
		var createdNs int64
		var deletedNs sql.NullInt64
		if err := rows.Scan(&l.ID, &l.TenantID, &l.CampaignID, &l.EntryURL, &l.Priority, &l.Enabled, &createdNs, &deletedNs); err != nil {
			return nil, err
		}
		l.CreatedAt = nsToTime(createdNs)
		l.DeletedAt = nsToTimePtr(deletedNs)
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- proxy_providers ---

// UpsertProxyProvider inserts or updates a proxy provider by ID.
func (r *Repo) UpsertProxyProvider(p model.ProxyProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO proxy_providers (id, host, port, username_template, password, priority, enabled, created_at_ns, deleted_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			username_template = excluded.username_template,
			password = excluded.password,
			priority = excluded.priority,
			enabled = excluded.enabled,
			deleted_at_ns = excluded.deleted_at_ns
	`, p.ID, p.Host, p.Port, p.UsernameTemplate, p.Password, p.Priority, p.Enabled, nowNs(p.CreatedAt), timePtrToNs(p.DeletedAt))
	return err
}

// AssignProxyToTenant grants tenant access to a proxy provider.
func (r *Repo) AssignProxyToTenant(tenantID, proxyProviderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO tenant_proxy_assignments (tenant_id, proxy_provider_id) VALUES (?, ?)
		ON CONFLICT(tenant_id, proxy_provider_id) DO NOTHING
	`, tenantID, proxyProviderID)
	return err
}

// ListTenantProxies returns the enabled, non-deleted proxy providers
// assigned to a tenant, ordered by ascending priority (lower = tried
// first, spec §3/§4.B), breaking ties by id for determinism.
func (r *Repo) ListTenantProxies(tenantID string) ([]model.ProxyProvider, error) {
	rows, err := r.db.Query(`
		SELECT p.id, p.host, p.port, p.username_template, p.password, p.priority, p.enabled, p.created_at_ns, p.deleted_at_ns
		FROM proxy_providers p
		JOIN tenant_proxy_assignments a ON a.proxy_provider_id = p.id
		WHERE a.tenant_id = ? AND p.enabled = 1 AND p.deleted_at_ns IS NULL
		ORDER BY p.priority ASC, p.id ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ProxyProvider
	for rows.Next() {
		var p model.ProxyProvider
		var createdNs int64
		var deletedNs sql.NullInt64
		if err := rows.Scan(&p.ID, &p.Host, &p.Port, &p.UsernameTemplate, &p.Password, &p.Priority, &p.Enabled, &createdNs, &deletedNs); err != nil {
			return nil, err
		}
		p.CreatedAt = nsToTime(createdNs)
		p.DeletedAt = nsToTimePtr(deletedNs)
		out = append(out, p)
	}
	return out, rows.Err()
}
