package state

import (
	"database/sql"
	"errors"
	"time"

	"github.com/kylink/suffixpool/internal/model"
)

// StoreAPIKey persists the hash of an issued key. Issuance itself is out of
// scope (spec §1); this only covers the storage side the auth middleware
// reads from.
func (r *Repo) StoreAPIKey(k model.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO api_keys (key_hash, tenant_id, key_prefix, created_at_ns)
		VALUES (?, ?, ?, ?)
	`, k.KeyHash, k.TenantID, k.KeyPrefix, nowNs(k.CreatedAt))
	return err
}

// FindAPIKeyByHash looks up a non-revoked key by its SHA-256 hash, as used
// by the Bearer-auth middleware (spec §6).
func (r *Repo) FindAPIKeyByHash(keyHash string) (model.APIKey, error) {
	row := r.db.QueryRow(`
		SELECT key_hash, tenant_id, key_prefix, created_at_ns, revoked_at_ns
		FROM api_keys WHERE key_hash = ?
	`, keyHash)
	var k model.APIKey
	var createdNs int64
	var revokedNs sql.NullInt64
	if err := row.Scan(&k.KeyHash, &k.TenantID, &k.KeyPrefix, &createdNs, &revokedNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, err
	}
	k.CreatedAt = nsToTime(createdNs)
	k.RevokedAt = nsToTimePtr(revokedNs)
	if k.RevokedAt != nil {
		return model.APIKey{}, ErrNotFound
	}
	return k, nil
}

// RevokeAPIKey marks a key revoked.
func (r *Repo) RevokeAPIKey(keyHash string, revokedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.Exec(`UPDATE api_keys SET revoked_at_ns = ? WHERE key_hash = ?`, nowNs(revokedAt), keyHash)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
