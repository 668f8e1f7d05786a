package digest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/zlwaterfield/radar-sub003/internal/engine/dispatch"
	"github.com/zlwaterfield/radar-sub003/internal/engine/stats"
	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
	"github.com/zlwaterfield/radar-sub003/internal/platform/repositories"
)

// Per-config lifecycle. Accumulation and flushing touch disjoint item
// sets (flush claims a batch id) so they stay safe against concurrent
// ingestion; the state only guards against overlapping flushes.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	default:
		return "idle"
	}
}

// Scheduler re-evaluates every enabled DigestConfig on a minute tick and
// flushes the ones whose local flush time has arrived.
type Scheduler struct {
	digests    *repositories.DigestRepository
	events     *repositories.EventRepository
	dispatcher *dispatch.Dispatcher
	dmChannel  dispatch.Channel
	chChannel  dispatch.Channel
	aggregator *stats.Aggregator

	flushMaxRetries int

	cron *cron.Cron
	now  func() time.Time

	mu     sync.Mutex
	states map[string]State
}

type SchedulerParams struct {
	Digests         *repositories.DigestRepository
	Events          *repositories.EventRepository
	Dispatcher      *dispatch.Dispatcher
	DMChannel       dispatch.Channel
	ChannelChannel  dispatch.Channel
	Aggregator      *stats.Aggregator
	FlushMaxRetries int
}

func NewScheduler(p SchedulerParams) *Scheduler {
	maxRetries := p.FlushMaxRetries
	if maxRetries <= 0 {
		maxRetries = 8
	}
	return &Scheduler{
		digests:         p.Digests,
		events:          p.Events,
		dispatcher:      p.Dispatcher,
		dmChannel:       p.DMChannel,
		chChannel:       p.ChannelChannel,
		aggregator:      p.Aggregator,
		flushMaxRetries: maxRetries,
		now:             time.Now,
		states:          make(map[string]State),
	}
}

// Start reclaims any batches left claimed by an interrupted flush, then
// begins the minute tick. Minute resolution matches the finest
// configurable flush time, so no window is skipped.
func (s *Scheduler) Start() error {
	if s.cron != nil {
		return nil
	}
	reclaimed, err := s.digests.ReleaseStaleBatches()
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		log.Warn().Int64("items", reclaimed).Msg("reclaimed digest items from an interrupted flush")
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc("* * * * *", func() { s.Tick(context.Background()) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	log.Info().Msg("digest scheduler started")
	return nil
}

// Stop halts ticking. A flush already in progress completes.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.cron = nil
	}
}

// Tick evaluates every enabled config once. Different configs flush in
// parallel; a per-config state keeps one flush at a time.
func (s *Scheduler) Tick(ctx context.Context) {
	configs, err := s.digests.ListEnabledConfigs()
	if err != nil {
		log.Error().Err(err).Msg("digest tick: failed to list configs")
		return
	}

	var wg sync.WaitGroup
	for _, cfg := range configs {
		slotKey, due := s.dueSlot(cfg)
		if !due {
			continue
		}
		if !s.beginFlush(cfg.ID) {
			continue
		}
		wg.Add(1)
		go func(cfg *models.DigestConfig, slotKey string) {
			defer wg.Done()
			defer s.endFlush(cfg.ID)
			s.flush(ctx, cfg, slotKey)
		}(cfg, slotKey)
	}
	wg.Wait()
}

// dueSlot finds the first flush slot whose scheduled local time has
// passed today and has not been flushed yet. A tick missed earlier in
// the same local day is caught up; past days never backfill.
func (s *Scheduler) dueSlot(cfg *models.DigestConfig) (string, bool) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Warn().Str("config_id", cfg.ID).Str("timezone", cfg.Timezone).
			Msg("unknown timezone, falling back to UTC")
		loc = time.UTC
	}
	nowLocal := s.now().In(loc)

	if !weekdayEnabled(cfg.DigestDays, nowLocal.Weekday()) {
		return "", false
	}

	slots := []string{cfg.DigestTime}
	if cfg.SecondEnabled && cfg.SecondDigestTime != "" {
		slots = append(slots, cfg.SecondDigestTime)
	}

	day := nowLocal.Format("2006-01-02")
	for _, slot := range slots {
		slotTime, err := parseSlot(slot, nowLocal, loc)
		if err != nil {
			log.Warn().Str("config_id", cfg.ID).Str("slot", slot).Msg("invalid digest time")
			continue
		}
		if nowLocal.Before(slotTime) {
			continue
		}
		key := day + "#" + slot
		if slotFlushed(cfg.LastFlushKeys, key) {
			continue
		}
		return key, true
	}
	return "", false
}

func slotFlushed(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func parseSlot(slot string, nowLocal time.Time, loc *time.Location) (time.Time, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(slot))
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, loc), nil
}

func weekdayEnabled(days []string, weekday time.Weekday) bool {
	name := strings.ToLower(weekday.String())
	for _, d := range days {
		if strings.ToLower(strings.TrimSpace(d)) == name {
			return true
		}
	}
	return false
}

func (s *Scheduler) beginFlush(configID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[configID] == StateFlushing {
		return false
	}
	s.states[configID] = StateFlushing
	return true
}

func (s *Scheduler) endFlush(configID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[configID] = StateIdle
}

// ConfigState reports the observed lifecycle phase of a config.
func (s *Scheduler) ConfigState(configID string) State {
	s.mu.Lock()
	if s.states[configID] == StateFlushing {
		s.mu.Unlock()
		return StateFlushing
	}
	s.mu.Unlock()

	pending, err := s.digests.CountPending(configID)
	if err == nil && pending > 0 {
		return StateAccumulating
	}
	return StateIdle
}

// flush claims the config's pending set, compiles it and delivers it.
// Items are deleted only after confirmed delivery; on failure the batch
// is released for the next tick, up to the retry ceiling.
func (s *Scheduler) flush(ctx context.Context, cfg *models.DigestConfig, slotKey string) {
	batchID, items, err := s.digests.ClaimBatch(cfg.ID)
	if err != nil {
		log.Error().Err(err).Str("config_id", cfg.ID).Msg("digest flush: claim failed")
		return
	}

	// No empty digests; the slot is still marked so it does not refire.
	if len(items) == 0 {
		s.markFlushed(cfg, slotKey)
		return
	}

	eventIDs := make([]string, 0, len(items))
	for _, item := range items {
		eventIDs = append(eventIDs, item.EventID)
	}
	events, err := s.events.GetByIDs(eventIDs)
	if err != nil {
		log.Error().Err(err).Str("config_id", cfg.ID).Msg("digest flush: loading events failed")
		s.release(cfg.ID, batchID)
		return
	}

	channel := s.dmChannel
	if cfg.TargetType == models.TargetChannel {
		channel = s.chChannel
	}

	text := Render(cfg, events, s.now())
	_, err = s.dispatcher.Dispatch(ctx, channel, dispatch.Request{
		ConfigID: cfg.ID,
		UserID:   cfg.UserID,
		Target:   cfg.Target,
		Message:  dispatch.Message{Text: text},
	})
	if err != nil {
		s.handleFlushFailure(cfg, batchID, slotKey, err)
		return
	}

	if _, err := s.digests.DeleteBatch(batchID); err != nil {
		// Delivery went out but the batch stayed pending; the next flush
		// would duplicate it, which is the one thing we log loudest about.
		log.Error().Err(err).Str("config_id", cfg.ID).Str("batch_id", batchID).
			Msg("digest flush: delivered but failed to delete batch")
		return
	}
	s.markFlushed(cfg, slotKey)
	if err := s.digests.ResetFlushRetry(cfg.ID); err != nil {
		log.Error().Err(err).Str("config_id", cfg.ID).Msg("digest flush: reset retry failed")
	}
	s.aggregator.Record("digest", stats.OutcomeDelivered)
	log.Info().Str("config_id", cfg.ID).Int("items", len(items)).Str("slot", slotKey).
		Msg("digest delivered")
}

// handleFlushFailure keeps the items pending for the next tick, bounded
// by the retry ceiling; past it the batch is dropped so the pending set
// cannot grow without bound.
func (s *Scheduler) handleFlushFailure(cfg *models.DigestConfig, batchID, slotKey string, cause error) {
	if cfg.FlushRetryCount+1 >= s.flushMaxRetries {
		if _, err := s.digests.DeleteBatch(batchID); err != nil {
			log.Error().Err(err).Str("config_id", cfg.ID).Msg("digest flush: dropping batch failed")
			return
		}
		s.markFlushed(cfg, slotKey)
		if err := s.digests.ResetFlushRetry(cfg.ID); err != nil {
			log.Error().Err(err).Str("config_id", cfg.ID).Msg("digest flush: reset retry failed")
		}
		s.aggregator.Record("digest", stats.OutcomeFailed)
		log.Error().Err(cause).Str("config_id", cfg.ID).Int("retries", cfg.FlushRetryCount+1).
			Msg("digest flush retries exhausted, dropping batch")
		return
	}

	s.release(cfg.ID, batchID)
	if err := s.digests.IncrementFlushRetry(cfg.ID); err != nil {
		log.Error().Err(err).Str("config_id", cfg.ID).Msg("digest flush: increment retry failed")
	}
	log.Warn().Err(cause).Str("config_id", cfg.ID).Int("retry", cfg.FlushRetryCount+1).
		Msg("digest flush failed, will retry next tick")
}

func (s *Scheduler) release(configID, batchID string) {
	if err := s.digests.ReleaseBatch(batchID); err != nil {
		log.Error().Err(err).Str("config_id", configID).Str("batch_id", batchID).
			Msg("digest flush: releasing batch failed")
	}
}

// markFlushed records the slot as flushed for its day. Keys from past
// days are pruned, so a config carries at most one key per slot.
func (s *Scheduler) markFlushed(cfg *models.DigestConfig, slotKey string) {
	day := strings.SplitN(slotKey, "#", 2)[0]
	keys := make([]string, 0, 2)
	for _, k := range cfg.LastFlushKeys {
		if strings.HasPrefix(k, day+"#") && k != slotKey {
			keys = append(keys, k)
		}
	}
	keys = append(keys, slotKey)
	cfg.LastFlushKeys = keys

	if err := s.digests.UpdateLastFlushKeys(cfg.ID, keys); err != nil {
		log.Error().Err(err).Str("config_id", cfg.ID).Msg("digest flush: updating flush keys failed")
	}
}
