package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zlwaterfield/radar-sub003/internal/engine/stats"
	"github.com/zlwaterfield/radar-sub003/internal/engine/webhooks"
	"github.com/zlwaterfield/radar-sub003/internal/pkg/errors"
	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
	"github.com/zlwaterfield/radar-sub003/internal/platform/repositories"
	"github.com/zlwaterfield/radar-sub003/internal/workers"
)

const maxPayloadBytes = 5 << 20

type WebhookHandler struct {
	verifier   *webhooks.Verifier
	deliveries *repositories.DeliveryRepository
	queue      *workers.Queue
	aggregator *stats.Aggregator
}

func NewWebhookHandler(verifier *webhooks.Verifier, deliveries *repositories.DeliveryRepository, queue *workers.Queue, aggregator *stats.Aggregator) *WebhookHandler {
	return &WebhookHandler{
		verifier:   verifier,
		deliveries: deliveries,
		queue:      queue,
		aggregator: aggregator,
	}
}

// Receive is the GitHub ingestion endpoint. It acknowledges as soon as
// the delivery is verified and stored; routing and delivery happen
// asynchronously and never affect this response.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	signature := r.Header.Get("X-Hub-Signature-256")

	if eventType == "" || deliveryID == "" || signature == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput,
			"Missing required webhook headers", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput,
			"Unreadable request body", nil)
		return
	}

	if !h.verifier.Verify(body, signature) {
		// Logged with the delivery id for audit; the expected signature
		// is never echoed.
		log.Warn().Str("delivery_id", deliveryID).Str("event_type", eventType).
			Msg("webhook signature mismatch")
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidSignature,
			"Webhook signature verification failed", nil)
		return
	}

	var meta struct {
		Action string `json:"action"`
	}
	json.Unmarshal(body, &meta)

	inserted, delivery, err := h.deliveries.Ingest(&models.WebhookDelivery{
		DeliveryID:  deliveryID,
		EventType:   eventType,
		Action:      meta.Action,
		Payload:     body,
		SignatureOK: true,
		ReceivedAt:  time.Now().Unix(),
	})
	if err != nil {
		log.Error().Err(err).Str("delivery_id", deliveryID).Msg("failed to store webhook delivery")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal,
			"Failed to store delivery", nil)
		return
	}

	if !inserted {
		// At-least-once redelivery; the original routing decisions stand.
		h.aggregator.Record(eventType, stats.OutcomeDuplicate)
		log.Debug().Str("delivery_id", deliveryID).Msg("duplicate webhook delivery")
		writeJSON(w, http.StatusOK, map[string]string{
			"message":    "Duplicate delivery, already processed",
			"deliveryId": delivery.DeliveryID,
			"eventType":  delivery.EventType,
		})
		return
	}

	h.aggregator.Record(eventType, stats.OutcomeReceived)

	// Queue-full is not an ingestion failure: the delivery is stored and
	// reachable through the manual trigger.
	if err := h.queue.Enqueue(deliveryID); err != nil {
		log.Warn().Err(err).Str("delivery_id", deliveryID).Msg("processing deferred")
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "Webhook received",
		"deliveryId": deliveryID,
		"eventType":  eventType,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
