package workers

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// DeliveryProcessor is implemented by the webhook pipeline.
type DeliveryProcessor interface {
	ProcessDelivery(ctx context.Context, deliveryID string) error
}

var ErrQueueFull = errors.New("ingest queue full")

type job struct {
	deliveryID string
	attempt    int
}

// Queue decouples webhook acknowledgment from processing: ingestion
// enqueues the stored delivery id and returns; the pool routes it in
// the background. Failed jobs retry up to a bound, then dead-letter
// into the log with their delivery id for manual reprocessing via the
// trigger endpoint.
type Queue struct {
	processor   DeliveryProcessor
	jobs        chan job
	workerCount int
	maxRetries  int

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewQueue(processor DeliveryProcessor, workerCount, queueSize, maxRetries int) *Queue {
	if workerCount <= 0 {
		workerCount = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Queue{
		processor:   processor,
		jobs:        make(chan job, queueSize),
		workerCount: workerCount,
		maxRetries:  maxRetries,
	}
}

// Enqueue hands a stored delivery to the pool. Never blocks the HTTP
// request: a full queue is reported to the caller, who has already
// persisted the delivery and can rely on the manual trigger to catch up.
func (q *Queue) Enqueue(deliveryID string) error {
	select {
	case q.jobs <- job{deliveryID: deliveryID, attempt: 1}:
		return nil
	default:
		log.Warn().Str("delivery_id", deliveryID).Msg("ingest queue full, deferring to manual processing")
		return ErrQueueFull
	}
}

func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		ctx, q.cancel = context.WithCancel(ctx)
		for i := 0; i < q.workerCount; i++ {
			q.wg.Add(1)
			go q.worker(ctx)
		}
		log.Info().Int("workers", q.workerCount).Msg("ingest workers started")
	})
}

// Stop drains nothing: in-flight jobs complete, queued jobs are dropped
// and picked up later by the manual trigger over unprocessed events.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		// The channel stays open so a late Enqueue cannot panic; workers
		// exit on context cancellation.
		if q.cancel != nil {
			q.cancel()
		}
		q.wg.Wait()
	})
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, j)
		}
	}
}

func (q *Queue) run(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("delivery_id", j.deliveryID).
				Msg("ingest worker panic recovered")
		}
	}()

	err := q.processor.ProcessDelivery(ctx, j.deliveryID)
	if err == nil {
		return
	}

	if j.attempt >= q.maxRetries {
		// Dead letter. The delivery row survives; an operator can replay
		// it through POST /webhooks/process-events.
		log.Error().Err(err).Str("delivery_id", j.deliveryID).Int("attempts", j.attempt).
			Msg("ingest job dead-lettered")
		return
	}

	log.Warn().Err(err).Str("delivery_id", j.deliveryID).Int("attempt", j.attempt).
		Msg("ingest job failed, requeueing")
	select {
	case q.jobs <- job{deliveryID: j.deliveryID, attempt: j.attempt + 1}:
	default:
		log.Error().Str("delivery_id", j.deliveryID).Msg("ingest queue full, dead-lettering retry")
	}
}
