package stats

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zlwaterfield/radar-sub003/internal/platform/repositories"
)

// Outcomes tracked per event type.
const (
	OutcomeReceived   = "received"
	OutcomeDuplicate  = "duplicate"
	OutcomeIgnored    = "ignored"
	OutcomeSuppressed = "suppressed"
	OutcomeRealTime   = "real_time"
	OutcomeDigested   = "digested"
	OutcomeDelivered  = "delivered"
	OutcomeFailed     = "failed"
)

// Aggregator maintains (event_type, outcome) counters with per-day
// buckets. Writes are fire-and-log; a counter miss never interrupts the
// pipeline.
type Aggregator struct {
	repo *repositories.StatsRepository
	now  func() time.Time
}

func NewAggregator(repo *repositories.StatsRepository) *Aggregator {
	return &Aggregator{repo: repo, now: time.Now}
}

func (a *Aggregator) Record(eventType, outcome string) {
	day := a.now().UTC().Format("2006-01-02")
	if err := a.repo.Increment(day, eventType, outcome); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Str("outcome", outcome).
			Msg("failed to record stat")
	}
}

// Snapshot is the stats endpoint payload: all-time totals plus a daily
// series for the lookback window.
type Snapshot struct {
	Totals map[string]map[string]int `json:"totals"`
	Daily  []repositories.StatRow    `json:"daily"`
}

func (a *Aggregator) Snapshot(lookbackDays int) (*Snapshot, error) {
	if lookbackDays <= 0 {
		lookbackDays = 7
	}

	totals, err := a.repo.Totals()
	if err != nil {
		return nil, err
	}
	daily, err := a.repo.Daily(lookbackDays)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Totals: totals, Daily: daily}, nil
}
