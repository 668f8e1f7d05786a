package repositories

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
)

type DeliveryRepository struct {
	db *sql.DB
}

func NewDeliveryRepository(db *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// Ingest stores a webhook delivery keyed on the provider delivery id.
// Duplicates resolve at the storage layer: the unique index on
// delivery_id makes concurrent redeliveries collapse to one row. Returns
// inserted=false and the existing record for a duplicate.
func (r *DeliveryRepository) Ingest(delivery *models.WebhookDelivery) (bool, *models.WebhookDelivery, error) {
	if delivery.ID == "" {
		delivery.ID = "del_" + uuid.New().String()
	}
	now := time.Now().Unix()
	if delivery.ReceivedAt == 0 {
		delivery.ReceivedAt = now
	}
	delivery.CreatedAt = now

	query := `
		INSERT INTO webhook_deliveries (id, delivery_id, event_type, action, payload, signature_ok, processed, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(delivery_id) DO NOTHING
	`
	res, err := r.db.Exec(query,
		delivery.ID, delivery.DeliveryID, delivery.EventType, delivery.Action,
		delivery.Payload, boolToInt(delivery.SignatureOK), delivery.ReceivedAt, delivery.CreatedAt)
	if err != nil {
		return false, nil, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if affected == 0 {
		existing, err := r.GetByDeliveryID(delivery.DeliveryID)
		if err != nil {
			return false, nil, err
		}
		return false, existing, nil
	}
	return true, delivery, nil
}

const deliveryColumns = `id, delivery_id, event_type, action, payload, signature_ok, processed, received_at, created_at`

func (r *DeliveryRepository) GetByDeliveryID(deliveryID string) (*models.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE delivery_id = ?`
	return scanDelivery(r.db.QueryRow(query, deliveryID))
}

// ListUnprocessed returns stored deliveries that never completed the
// pipeline: lost queue jobs, dead-lettered retries, crashes between ack
// and routing. The manual trigger sweeps them.
func (r *DeliveryRepository) ListUnprocessed(limit int) ([]*models.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE processed = 0 ORDER BY received_at ASC LIMIT ?`
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*models.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// MarkProcessed records that the delivery finished the pipeline, whether
// it was routed or dropped as unmodeled.
func (r *DeliveryRepository) MarkProcessed(deliveryID string) error {
	_, err := r.db.Exec(`UPDATE webhook_deliveries SET processed = 1 WHERE delivery_id = ?`, deliveryID)
	return err
}

func scanDelivery(row rowScanner) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	var action sql.NullString
	var sigOK, processed int
	err := row.Scan(&d.ID, &d.DeliveryID, &d.EventType, &action, &d.Payload, &sigOK, &processed, &d.ReceivedAt, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Action = action.String
	d.SignatureOK = sigOK != 0
	d.Processed = processed != 0
	return &d, nil
}

// DeleteOlderThan removes deliveries received before the cutoff. A
// delivery still referenced by a canonical event is kept; cleanup prunes
// events first and picks the delivery up on a later run.
func (r *DeliveryRepository) DeleteOlderThan(cutoff int64) (int64, error) {
	query := `
		DELETE FROM webhook_deliveries
		WHERE received_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM canonical_events
			WHERE canonical_events.delivery_id = webhook_deliveries.delivery_id
		  )
	`
	res, err := r.db.Exec(query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
