package repositories

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
)

type EventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `id, delivery_id, category, action, repository, org, actor, mentions, title, url, event_at, processed, processed_at, created_at`

func (r *EventRepository) Create(event *models.CanonicalEvent) error {
	if event.ID == "" {
		event.ID = "evt_" + uuid.New().String()
	}
	event.CreatedAt = time.Now().Unix()

	mentionsJSON, err := json.Marshal(event.Mentions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO canonical_events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query,
		event.ID, event.DeliveryID, event.Category, event.Action, event.Repository,
		event.Org, event.Actor, string(mentionsJSON), event.Title, event.URL,
		event.EventAt, boolToInt(event.Processed), event.ProcessedAt, event.CreatedAt)
	return err
}

func (r *EventRepository) GetByID(id string) (*models.CanonicalEvent, error) {
	row := r.db.QueryRow(`SELECT `+eventColumns+` FROM canonical_events WHERE id = ?`, id)
	return scanEvent(row)
}

// GetByDeliveryID returns the event already normalized from a delivery,
// or sql.ErrNoRows. Guards reprocessing against duplicate events.
func (r *EventRepository) GetByDeliveryID(deliveryID string) (*models.CanonicalEvent, error) {
	row := r.db.QueryRow(`SELECT `+eventColumns+` FROM canonical_events WHERE delivery_id = ? LIMIT 1`, deliveryID)
	return scanEvent(row)
}

// GetUnprocessed returns events awaiting routing, oldest first.
func (r *EventRepository) GetUnprocessed(limit int) ([]*models.CanonicalEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM canonical_events WHERE processed = 0 ORDER BY created_at ASC LIMIT ?`
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.CanonicalEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetByIDs loads events in one query, used when compiling a digest.
func (r *EventRepository) GetByIDs(ids []string) ([]*models.CanonicalEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := "?"
	args := []interface{}{ids[0]}
	for _, id := range ids[1:] {
		placeholders += ", ?"
		args = append(args, id)
	}

	query := `SELECT ` + eventColumns + ` FROM canonical_events WHERE id IN (` + placeholders + `)`
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.CanonicalEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *EventRepository) MarkProcessed(id string) error {
	now := time.Now().Unix()
	_, err := r.db.Exec(`UPDATE canonical_events SET processed = 1, processed_at = ? WHERE id = ?`, now, id)
	return err
}

// DeleteProcessedOlderThan prunes processed events past the retention
// cutoff. Events still referenced by a pending digest item are kept.
func (r *EventRepository) DeleteProcessedOlderThan(cutoff int64) (int64, error) {
	query := `
		DELETE FROM canonical_events
		WHERE processed = 1 AND created_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM pending_digest_items
			WHERE pending_digest_items.event_id = canonical_events.id
		  )
	`
	res, err := r.db.Exec(query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.CanonicalEvent, error) {
	var e models.CanonicalEvent
	var org, mentions, title, url sql.NullString
	var processed int
	var processedAt sql.NullInt64

	err := row.Scan(&e.ID, &e.DeliveryID, &e.Category, &e.Action, &e.Repository,
		&org, &e.Actor, &mentions, &title, &url, &e.EventAt, &processed, &processedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}

	e.Org = org.String
	e.Title = title.String
	e.URL = url.String
	e.Processed = processed != 0
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Int64
	}
	if mentions.Valid && mentions.String != "" {
		json.Unmarshal([]byte(mentions.String), &e.Mentions)
	}
	return &e, nil
}
