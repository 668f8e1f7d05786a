package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zlwaterfield/radar-sub003/internal/engine/digest"
	"github.com/zlwaterfield/radar-sub003/internal/engine/stats"
	"github.com/zlwaterfield/radar-sub003/internal/engine/webhooks"
	"github.com/zlwaterfield/radar-sub003/internal/pkg/errors"
	"github.com/zlwaterfield/radar-sub003/internal/platform/repositories"
)

// AdminHandler serves the authenticated operations endpoints: manual
// processing, stats and retention cleanup.
type AdminHandler struct {
	processor  *webhooks.Processor
	aggregator *stats.Aggregator
	deliveries *repositories.DeliveryRepository
	events     *repositories.EventRepository
	attempts   *repositories.AttemptRepository
	digests    *repositories.DigestRepository
	scheduler  *digest.Scheduler

	retention time.Duration
}

func NewAdminHandler(
	processor *webhooks.Processor,
	aggregator *stats.Aggregator,
	deliveries *repositories.DeliveryRepository,
	events *repositories.EventRepository,
	attempts *repositories.AttemptRepository,
	digests *repositories.DigestRepository,
	scheduler *digest.Scheduler,
	retention time.Duration,
) *AdminHandler {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &AdminHandler{
		processor:  processor,
		aggregator: aggregator,
		deliveries: deliveries,
		events:     events,
		attempts:   attempts,
		digests:    digests,
		scheduler:  scheduler,
		retention:  retention,
	}
}

// ProcessEvents drains any canonical events still awaiting routing.
func (h *AdminHandler) ProcessEvents(w http.ResponseWriter, r *http.Request) {
	processed, err := h.processor.ProcessUnprocessed(r.Context())
	if err != nil {
		log.Error().Err(err).Int("processed", processed).Msg("manual processing failed")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal,
			"Event processing failed", map[string]int{"processed": processed})
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

// Stats returns aggregate counters plus a daily series. Lookback window
// in days comes from ?days=, default 7.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 90 {
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput,
				"days must be between 1 and 90", nil)
			return
		}
		days = parsed
	}

	snapshot, err := h.aggregator.Snapshot(days)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal,
			"Failed to load stats", nil)
		return
	}

	digests, err := h.digestStatuses()
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal,
			"Failed to load stats", nil)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		*stats.Snapshot
		Digests []digestStatus `json:"digests"`
	}{snapshot, digests})
}

type digestStatus struct {
	ConfigID string `json:"configId"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Pending  int    `json:"pending"`
}

// digestStatuses reports each enabled config's lifecycle phase and
// pending item count.
func (h *AdminHandler) digestStatuses() ([]digestStatus, error) {
	configs, err := h.digests.ListEnabledConfigs()
	if err != nil {
		return nil, err
	}
	statuses := make([]digestStatus, 0, len(configs))
	for _, cfg := range configs {
		pending, err := h.digests.CountPending(cfg.ID)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, digestStatus{
			ConfigID: cfg.ID,
			Name:     cfg.Name,
			State:    h.scheduler.ConfigState(cfg.ID).String(),
			Pending:  pending,
		})
	}
	return statuses, nil
}

// Cleanup prunes processed records past the retention window. Events go
// first, then deliveries no longer referenced, then old attempts.
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	cutoff := time.Now().Add(-h.retention).Unix()

	deletedEvents, err := h.events.DeleteProcessedOlderThan(cutoff)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal,
			"Cleanup failed", nil)
		return
	}
	deletedDeliveries, err := h.deliveries.DeleteOlderThan(cutoff)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal,
			"Cleanup failed", nil)
		return
	}
	deletedAttempts, err := h.attempts.DeleteOlderThan(cutoff)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal,
			"Cleanup failed", nil)
		return
	}

	total := deletedEvents + deletedDeliveries + deletedAttempts
	log.Info().Int64("events", deletedEvents).Int64("deliveries", deletedDeliveries).
		Int64("attempts", deletedAttempts).Msg("retention cleanup complete")

	writeJSON(w, http.StatusOK, map[string]int64{
		"deleted":           total,
		"deletedEvents":     deletedEvents,
		"deletedDeliveries": deletedDeliveries,
		"deletedAttempts":   deletedAttempts,
	})
}
