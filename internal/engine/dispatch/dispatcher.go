package dispatch

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	pkgerrors "github.com/zlwaterfield/radar-sub003/internal/pkg/errors"
	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
	"github.com/zlwaterfield/radar-sub003/internal/platform/repositories"
)

// RetryPolicy bounds dispatch retries: exponential backoff from Base,
// capped at Max, with jitter. Only transient failures retry.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: time.Second, Max: 10 * time.Second}
}

// Delay returns the backoff before the given attempt (1-based; attempt 1
// has no delay). Jittered to half-to-full of the exponential value.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := p.Base
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= p.Max {
			delay = p.Max
			break
		}
	}
	if delay > p.Max {
		delay = p.Max
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// Dispatcher performs one notification delivery with bounded retry,
// recording a DeliveryAttempt row per try.
type Dispatcher struct {
	attempts *repositories.AttemptRepository
	policy   RetryPolicy

	sleep func(time.Duration)
}

func NewDispatcher(attempts *repositories.AttemptRepository, policy RetryPolicy) *Dispatcher {
	if policy.Attempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Dispatcher{attempts: attempts, policy: policy, sleep: time.Sleep}
}

// Request identifies what is being delivered and where.
type Request struct {
	EventID  string
	ConfigID string
	UserID   string
	Target   string
	Message  Message
}

// Dispatch sends req over channel. On transient failure it retries up to
// the policy ceiling; the final attempt of an exhausted retry run is
// recorded with outcome "failed". The returned attempt is the last one
// made; err is nil only on success.
func (d *Dispatcher) Dispatch(ctx context.Context, channel Channel, req Request) (*models.DeliveryAttempt, error) {
	var lastErr error
	var lastAttempt *models.DeliveryAttempt

	for attempt := 1; attempt <= d.policy.Attempts; attempt++ {
		if delay := d.policy.Delay(attempt); delay > 0 {
			d.sleep(delay)
		}

		err := channel.Send(ctx, req.Target, req.Message)

		record := &models.DeliveryAttempt{
			EventID:  req.EventID,
			ConfigID: req.ConfigID,
			UserID:   req.UserID,
			Channel:  channel.Name(),
			Target:   req.Target,
			Attempt:  attempt,
		}

		switch {
		case err == nil:
			record.Outcome = models.OutcomeSuccess
		case !pkgerrors.IsRetryable(err):
			record.Outcome = models.OutcomePermanentError
			record.Error = err.Error()
		case attempt == d.policy.Attempts:
			// Retries exhausted; not silently dropped, the failed
			// attempt stays visible through stats.
			record.Outcome = models.OutcomeFailed
			record.Error = err.Error()
		default:
			record.Outcome = models.OutcomeTransientError
			record.Error = err.Error()
		}

		if storeErr := d.attempts.Create(record); storeErr != nil {
			log.Error().Err(storeErr).Str("target", req.Target).Msg("failed to record delivery attempt")
		}
		lastAttempt = record
		lastErr = err

		if err == nil {
			return record, nil
		}
		if !pkgerrors.IsRetryable(err) {
			log.Warn().Err(err).Str("target", req.Target).Str("channel", channel.Name()).
				Msg("permanent delivery failure, not retrying")
			return record, err
		}

		log.Debug().Err(err).Str("target", req.Target).Int("attempt", attempt).
			Msg("transient delivery failure")
	}

	log.Warn().Err(lastErr).Str("target", req.Target).Int("attempts", d.policy.Attempts).
		Msg("delivery retries exhausted")
	return lastAttempt, lastErr
}
