package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/zlwaterfield/radar-sub003/internal/engine/dispatch"
	"github.com/zlwaterfield/radar-sub003/internal/engine/rules"
	"github.com/zlwaterfield/radar-sub003/internal/engine/stats"
	pkgerrors "github.com/zlwaterfield/radar-sub003/internal/pkg/errors"
	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
	"github.com/zlwaterfield/radar-sub003/internal/platform/repositories"
)

const unprocessedBatchSize = 100

// Processor runs the normalize-route-dispatch pipeline for stored
// deliveries. Ingestion acknowledges first; the processor runs behind
// the worker queue or the manual trigger endpoint.
type Processor struct {
	deliveries *repositories.DeliveryRepository
	events     *repositories.EventRepository
	users      *repositories.UserRepository
	prefs      *repositories.PreferencesRepository
	digests    *repositories.DigestRepository

	normalizer *Normalizer
	evaluator  *rules.Evaluator
	dispatcher *dispatch.Dispatcher
	dmChannel  dispatch.Channel
	aggregator *stats.Aggregator

	maxConfigsPerUser int
}

type ProcessorParams struct {
	Deliveries *repositories.DeliveryRepository
	Events     *repositories.EventRepository
	Users      *repositories.UserRepository
	Prefs      *repositories.PreferencesRepository
	Digests    *repositories.DigestRepository
	Dispatcher *dispatch.Dispatcher
	DMChannel  dispatch.Channel
	Aggregator *stats.Aggregator

	MaxConfigsPerUser int
}

func NewProcessor(p ProcessorParams) *Processor {
	maxConfigs := p.MaxConfigsPerUser
	if maxConfigs <= 0 {
		maxConfigs = 5
	}
	return &Processor{
		deliveries:        p.Deliveries,
		events:            p.Events,
		users:             p.Users,
		prefs:             p.Prefs,
		digests:           p.Digests,
		normalizer:        NewNormalizer(),
		evaluator:         rules.NewEvaluator(),
		dispatcher:        p.Dispatcher,
		dmChannel:         p.DMChannel,
		aggregator:        p.Aggregator,
		maxConfigsPerUser: maxConfigs,
	}
}

// ProcessDelivery normalizes one stored delivery, routes the result and
// marks the delivery processed. Unmodeled event types are dropped
// silently but still marked, so the manual sweep does not revisit them.
func (p *Processor) ProcessDelivery(ctx context.Context, deliveryID string) error {
	delivery, err := p.deliveries.GetByDeliveryID(deliveryID)
	if err != nil {
		return pkgerrors.Storage(err)
	}
	return p.processDelivery(ctx, delivery)
}

func (p *Processor) processDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	event, err := p.ensureEvent(delivery)
	if err != nil {
		return err
	}
	if event != nil && !event.Processed {
		if err := p.routeEvent(ctx, event); err != nil {
			return err
		}
	}
	if err := p.deliveries.MarkProcessed(delivery.DeliveryID); err != nil {
		return pkgerrors.Storage(err)
	}
	return nil
}

// ensureEvent normalizes and stores the delivery's canonical event, or
// returns the one a prior run already created. nil means the event type
// is unmodeled.
func (p *Processor) ensureEvent(delivery *models.WebhookDelivery) (*models.CanonicalEvent, error) {
	existing, err := p.events.GetByDeliveryID(delivery.DeliveryID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.Storage(err)
	}

	event := p.normalizer.Normalize(delivery)
	if event == nil {
		log.Debug().Str("delivery_id", delivery.DeliveryID).Str("event_type", delivery.EventType).
			Msg("unmodeled event type, dropping")
		p.aggregator.Record(delivery.EventType, stats.OutcomeIgnored)
		return nil, nil
	}

	if err := p.events.Create(event); err != nil {
		return nil, pkgerrors.Storage(err)
	}
	return event, nil
}

// ProcessUnprocessed is the engine behind the manual trigger endpoint.
// It first sweeps stored deliveries that never finished the pipeline
// (lost queue jobs, dead-letters, crashes after ack), then drains any
// canonical events still awaiting routing. Returns the number routed.
func (p *Processor) ProcessUnprocessed(ctx context.Context) (int, error) {
	processed := 0
	for {
		deliveries, err := p.deliveries.ListUnprocessed(unprocessedBatchSize)
		if err != nil {
			return processed, pkgerrors.Storage(err)
		}
		if len(deliveries) == 0 {
			break
		}
		for _, delivery := range deliveries {
			event, err := p.ensureEvent(delivery)
			if err != nil {
				return processed, err
			}
			if event != nil && !event.Processed {
				if err := p.routeEvent(ctx, event); err != nil {
					return processed, err
				}
				processed++
			}
			if err := p.deliveries.MarkProcessed(delivery.DeliveryID); err != nil {
				return processed, pkgerrors.Storage(err)
			}
		}
	}

	for {
		events, err := p.events.GetUnprocessed(unprocessedBatchSize)
		if err != nil {
			return processed, pkgerrors.Storage(err)
		}
		if len(events) == 0 {
			return processed, nil
		}
		for _, event := range events {
			if err := p.routeEvent(ctx, event); err != nil {
				return processed, err
			}
			processed++
		}
	}
}

// routeEvent makes every routing decision for an event and marks it
// processed. Processed means routed; delivery outcomes are tracked on
// the attempts, not here.
func (p *Processor) routeEvent(ctx context.Context, event *models.CanonicalEvent) error {
	users, err := p.users.List()
	if err != nil {
		return pkgerrors.Storage(err)
	}

	for _, user := range users {
		if err := p.routeForUser(ctx, event, user); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Str("user_id", user.ID).
				Msg("routing failed for user")
		}
	}

	if err := p.events.MarkProcessed(event.ID); err != nil {
		return pkgerrors.Storage(err)
	}
	return nil
}

func (p *Processor) routeForUser(ctx context.Context, event *models.CanonicalEvent, user *models.User) error {
	prefs, err := p.prefs.GetByUserID(user.ID)
	if err != nil {
		// No preference row means the user never opted in.
		log.Debug().Str("user_id", user.ID).Msg("no notification preferences, skipping")
		return nil
	}

	configs, err := p.digests.ListConfigsForUser(user.ID, p.maxConfigsPerUser)
	if err != nil {
		return pkgerrors.Storage(err)
	}
	if len(configs) == p.maxConfigsPerUser {
		log.Warn().Str("user_id", user.ID).Int("cap", p.maxConfigsPerUser).
			Msg("digest config entitlement cap reached, extra configs ignored")
	}

	decisions := p.evaluator.Route(event, user, prefs, configs)
	for _, decision := range decisions {
		switch decision.Kind {
		case rules.KindSuppress:
			p.aggregator.Record(event.Category, stats.OutcomeSuppressed)

		case rules.KindRealTime:
			p.aggregator.Record(event.Category, stats.OutcomeRealTime)
			p.dispatchRealTime(ctx, event, user)

		case rules.KindDigest:
			if err := p.accumulate(event, user, decision.ConfigID); err != nil {
				return err
			}
			p.aggregator.Record(event.Category, stats.OutcomeDigested)
		}
	}
	return nil
}

func (p *Processor) dispatchRealTime(ctx context.Context, event *models.CanonicalEvent, user *models.User) {
	attempt, err := p.dispatcher.Dispatch(ctx, p.dmChannel, dispatch.Request{
		EventID: event.ID,
		UserID:  user.ID,
		Target:  user.SlackUserID,
		Message: dispatch.Message{Text: FormatEvent(event)},
	})
	if err != nil {
		p.aggregator.Record(event.Category, stats.OutcomeFailed)
		return
	}
	p.aggregator.Record(event.Category, stats.OutcomeDelivered)
	log.Info().Str("event_id", event.ID).Str("user_id", user.ID).Str("attempt_id", attempt.ID).
		Msg("real-time notification delivered")
}

// accumulate inserts a pending digest item, once per (config, event).
func (p *Processor) accumulate(event *models.CanonicalEvent, user *models.User, configID string) error {
	exists, err := p.digests.HasPendingForEvent(configID, event.ID)
	if err != nil {
		return pkgerrors.Storage(err)
	}
	if exists {
		return nil
	}
	item := &models.PendingDigestItem{
		ConfigID: configID,
		EventID:  event.ID,
		UserID:   user.ID,
	}
	if err := p.digests.CreatePendingItem(item); err != nil {
		return pkgerrors.Storage(err)
	}
	return nil
}

// FormatEvent renders the one-line real-time notification text.
func FormatEvent(event *models.CanonicalEvent) string {
	action := event.Action
	subject := event.Title
	if subject == "" {
		subject = event.Repository
	}
	line := fmt.Sprintf("*%s* %s %s in `%s`: %s", event.Actor, action, categoryLabel(event.Category), event.Repository, subject)
	if event.URL != "" {
		line += fmt.Sprintf("\n%s", event.URL)
	}
	return line
}

func categoryLabel(category string) string {
	switch category {
	case CategoryPullRequest:
		return "a pull request"
	case CategoryIssue:
		return "an issue"
	case CategoryIssueComment, CategoryReviewComment, CategoryDiscussionComment:
		return "a comment"
	case CategoryReview:
		return "a review"
	case CategoryDiscussion:
		return "a discussion"
	case CategoryRelease:
		return "a release"
	case CategoryPush:
		return "commits"
	default:
		return category
	}
}
