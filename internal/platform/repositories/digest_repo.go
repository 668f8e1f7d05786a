package repositories

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
)

type DigestRepository struct {
	db *sql.DB
}

func NewDigestRepository(db *sql.DB) *DigestRepository {
	return &DigestRepository{db: db}
}

const digestColumns = `id, user_id, name, enabled, scope, scope_value, digest_time, second_digest_time, second_enabled, timezone, digest_days, target_type, target, flush_retry_count, last_flush_keys, created_at, updated_at`

func (r *DigestRepository) CreateConfig(cfg *models.DigestConfig) error {
	if cfg.ID == "" {
		cfg.ID = "dig_" + uuid.New().String()
	}
	now := time.Now().Unix()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	daysJSON, err := json.Marshal(cfg.DigestDays)
	if err != nil {
		return err
	}
	keysJSON, err := json.Marshal(cfg.LastFlushKeys)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO digest_configs (` + digestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query,
		cfg.ID, cfg.UserID, cfg.Name, boolToInt(cfg.Enabled), cfg.Scope, cfg.ScopeValue,
		cfg.DigestTime, cfg.SecondDigestTime, boolToInt(cfg.SecondEnabled), cfg.Timezone,
		string(daysJSON), cfg.TargetType, cfg.Target, cfg.FlushRetryCount, string(keysJSON),
		cfg.CreatedAt, cfg.UpdatedAt)
	return err
}

// ListEnabledConfigs returns every enabled config, the scheduler's tick
// working set.
func (r *DigestRepository) ListEnabledConfigs() ([]*models.DigestConfig, error) {
	query := `SELECT ` + digestColumns + ` FROM digest_configs WHERE enabled = 1 ORDER BY created_at ASC`
	return r.queryConfigs(query)
}

// ListConfigsForUser returns a user's enabled configs oldest first, capped
// at limit. The cap is the entitlement boundary: configs beyond it never
// participate in routing or flushing.
func (r *DigestRepository) ListConfigsForUser(userID string, limit int) ([]*models.DigestConfig, error) {
	query := `SELECT ` + digestColumns + ` FROM digest_configs WHERE user_id = ? AND enabled = 1 ORDER BY created_at ASC LIMIT ?`
	return r.queryConfigs(query, userID, limit)
}

func (r *DigestRepository) queryConfigs(query string, args ...interface{}) ([]*models.DigestConfig, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*models.DigestConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func scanConfig(row rowScanner) (*models.DigestConfig, error) {
	var c models.DigestConfig
	var scopeValue, secondTime, flushKeys sql.NullString
	var enabled, secondEnabled int
	var daysStr string

	err := row.Scan(&c.ID, &c.UserID, &c.Name, &enabled, &c.Scope, &scopeValue,
		&c.DigestTime, &secondTime, &secondEnabled, &c.Timezone, &daysStr,
		&c.TargetType, &c.Target, &c.FlushRetryCount, &flushKeys, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Enabled = enabled != 0
	c.SecondEnabled = secondEnabled != 0
	c.ScopeValue = scopeValue.String
	c.SecondDigestTime = secondTime.String
	if flushKeys.Valid {
		json.Unmarshal([]byte(flushKeys.String), &c.LastFlushKeys)
	}
	json.Unmarshal([]byte(daysStr), &c.DigestDays)
	return &c, nil
}

// UpdateLastFlushKeys replaces the set of flushed slot keys. Each slot
// of a config carries its own key so flushing one slot never re-arms
// the other.
func (r *DigestRepository) UpdateLastFlushKeys(configID string, keys []string) error {
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`UPDATE digest_configs SET last_flush_keys = ?, updated_at = ? WHERE id = ?`,
		string(keysJSON), time.Now().Unix(), configID)
	return err
}

func (r *DigestRepository) IncrementFlushRetry(configID string) error {
	_, err := r.db.Exec(`UPDATE digest_configs SET flush_retry_count = flush_retry_count + 1 WHERE id = ?`, configID)
	return err
}

func (r *DigestRepository) ResetFlushRetry(configID string) error {
	_, err := r.db.Exec(`UPDATE digest_configs SET flush_retry_count = 0 WHERE id = ?`, configID)
	return err
}

// CreatePendingItem accumulates one event for a config's next flush.
func (r *DigestRepository) CreatePendingItem(item *models.PendingDigestItem) error {
	if item.ID == "" {
		item.ID = "pdi_" + uuid.New().String()
	}
	item.CreatedAt = time.Now().Unix()

	query := `INSERT INTO pending_digest_items (id, config_id, event_id, user_id, batch_id, created_at) VALUES (?, ?, ?, ?, NULL, ?)`
	_, err := r.db.Exec(query, item.ID, item.ConfigID, item.EventID, item.UserID, item.CreatedAt)
	return err
}

func (r *DigestRepository) CountPending(configID string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM pending_digest_items WHERE config_id = ?`, configID).Scan(&n)
	return n, err
}

// ClaimBatch atomically marks every unclaimed pending item of a config
// with a fresh batch id and returns the claimed set. Running inside one
// transaction keeps a concurrent accumulation from splitting the batch:
// items inserted after the claim carry a NULL batch id and wait for the
// next flush.
func (r *DigestRepository) ClaimBatch(configID string) (string, []*models.PendingDigestItem, error) {
	batchID := "bat_" + uuid.New().String()

	tx, err := r.db.Begin()
	if err != nil {
		return "", nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`UPDATE pending_digest_items SET batch_id = ? WHERE config_id = ? AND batch_id IS NULL`, batchID, configID)
	if err != nil {
		return "", nil, err
	}

	rows, err := tx.Query(`
		SELECT id, config_id, event_id, user_id, batch_id, created_at
		FROM pending_digest_items WHERE config_id = ? AND batch_id = ?
		ORDER BY created_at ASC
	`, configID, batchID)
	if err != nil {
		return "", nil, err
	}

	var items []*models.PendingDigestItem
	for rows.Next() {
		var item models.PendingDigestItem
		var bid sql.NullString
		if err := rows.Scan(&item.ID, &item.ConfigID, &item.EventID, &item.UserID, &bid, &item.CreatedAt); err != nil {
			rows.Close()
			return "", nil, err
		}
		item.BatchID = bid.String
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return "", nil, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return "", nil, err
	}
	return batchID, items, nil
}

// DeleteBatch removes a claimed batch after confirmed delivery.
func (r *DigestRepository) DeleteBatch(batchID string) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM pending_digest_items WHERE batch_id = ?`, batchID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReleaseBatch puts a claimed batch back into the pending pool after a
// failed delivery so the next tick can retry it.
func (r *DigestRepository) ReleaseBatch(batchID string) error {
	_, err := r.db.Exec(`UPDATE pending_digest_items SET batch_id = NULL WHERE batch_id = ?`, batchID)
	return err
}

// ReleaseStaleBatches returns every claimed item to the pending pool.
// Run once at scheduler startup: a batch id that survived a restart
// belongs to a flush that died between claim and delete, and nothing
// in-process will ever release it.
func (r *DigestRepository) ReleaseStaleBatches() (int64, error) {
	res, err := r.db.Exec(`UPDATE pending_digest_items SET batch_id = NULL WHERE batch_id IS NOT NULL`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HasPendingForEvent reports whether the event already has a pending item
// for the config, guarding against duplicate accumulation on reprocessing.
func (r *DigestRepository) HasPendingForEvent(configID, eventID string) (bool, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM pending_digest_items WHERE config_id = ? AND event_id = ?`, configID, eventID).Scan(&n)
	return n > 0, err
}
