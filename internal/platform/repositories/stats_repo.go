package repositories

import (
	"database/sql"
	"time"
)

type StatsRepository struct {
	db *sql.DB
}

func NewStatsRepository(db *sql.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

type StatRow struct {
	Day       string `json:"day"`
	EventType string `json:"event_type"`
	Outcome   string `json:"outcome"`
	Count     int    `json:"count"`
}

// Increment bumps the (day, event_type, outcome) counter. Append-only
// from the pipeline's perspective; the upsert keeps one row per key.
func (r *StatsRepository) Increment(day, eventType, outcome string) error {
	query := `
		INSERT INTO event_stats (day, event_type, outcome, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(day, event_type, outcome) DO UPDATE SET count = count + 1
	`
	_, err := r.db.Exec(query, day, eventType, outcome)
	return err
}

// Totals returns all-time counts keyed by event_type then outcome.
func (r *StatsRepository) Totals() (map[string]map[string]int, error) {
	rows, err := r.db.Query(`SELECT event_type, outcome, SUM(count) FROM event_stats GROUP BY event_type, outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]map[string]int)
	for rows.Next() {
		var eventType, outcome string
		var count int
		if err := rows.Scan(&eventType, &outcome, &count); err != nil {
			return nil, err
		}
		if totals[eventType] == nil {
			totals[eventType] = make(map[string]int)
		}
		totals[eventType][outcome] = count
	}
	return totals, rows.Err()
}

// Daily returns per-day rows inside the lookback window, newest day first.
func (r *StatsRepository) Daily(lookbackDays int) ([]StatRow, error) {
	since := time.Now().UTC().AddDate(0, 0, -lookbackDays).Format("2006-01-02")

	query := `SELECT day, event_type, outcome, count FROM event_stats WHERE day >= ? ORDER BY day DESC, event_type ASC`
	rows, err := r.db.Query(query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []StatRow
	for rows.Next() {
		var s StatRow
		if err := rows.Scan(&s.Day, &s.EventType, &s.Outcome, &s.Count); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
