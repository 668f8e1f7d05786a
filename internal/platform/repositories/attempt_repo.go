package repositories

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
)

type AttemptRepository struct {
	db *sql.DB
}

func NewAttemptRepository(db *sql.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

func (r *AttemptRepository) Create(attempt *models.DeliveryAttempt) error {
	if attempt.ID == "" {
		attempt.ID = "att_" + uuid.New().String()
	}
	attempt.CreatedAt = time.Now().Unix()

	query := `
		INSERT INTO delivery_attempts (id, event_id, config_id, user_id, channel, target, attempt, outcome, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		attempt.ID, attempt.EventID, attempt.ConfigID, attempt.UserID, attempt.Channel,
		attempt.Target, attempt.Attempt, attempt.Outcome, attempt.Error, attempt.CreatedAt)
	return err
}

// ListByEvent returns attempts for one event, oldest first.
func (r *AttemptRepository) ListByEvent(eventID string) ([]*models.DeliveryAttempt, error) {
	query := `
		SELECT id, event_id, config_id, user_id, channel, target, attempt, outcome, error, created_at
		FROM delivery_attempts WHERE event_id = ? ORDER BY created_at ASC
	`
	rows, err := r.db.Query(query, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*models.DeliveryAttempt
	for rows.Next() {
		var a models.DeliveryAttempt
		var eventID, configID, errStr sql.NullString
		if err := rows.Scan(&a.ID, &eventID, &configID, &a.UserID, &a.Channel, &a.Target,
			&a.Attempt, &a.Outcome, &errStr, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.EventID = eventID.String
		a.ConfigID = configID.String
		a.Error = errStr.String
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func (r *AttemptRepository) DeleteOlderThan(cutoff int64) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM delivery_attempts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
