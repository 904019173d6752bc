package server

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/open-fiscus/fiscus/internal/policy"
	"github.com/open-fiscus/fiscus/internal/queue/streams"
	"github.com/open-fiscus/fiscus/internal/store"
)

const (
	schedLockTTL     = 2 * time.Minute
	schedLockPrefix  = "sched:lock:"
	schedFiredPrefix = "sched:last:"
)

// schedulePublisher hands due watchlists to the worker fleet.
type schedulePublisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// Scheduler walks stored watchlists on a fixed cadence and enqueues an
// investigation for each one whose cron schedule and refresh policy agree it
// is due. Redis locks keep replicas from double-firing the same watchlist.
type Scheduler struct {
	Store    *store.Store
	Queue    schedulePublisher
	Rdb      *redis.Client
	Refresh  policy.RefreshPolicy
	Interval time.Duration
	Stop     chan struct{}

	logger *log.Logger
}

func (s *Scheduler) Start() {
	if s.logger == nil {
		s.logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick(context.Background())
			}
		}
	}()
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.Refresh.Mode == policy.RefreshModeManual {
		return
	}
	lists, err := s.Store.ListScheduledWatchlists(ctx)
	if err != nil {
		s.logger.Printf("list watchlists: %v", err)
		return
	}
	now := time.Now()
	for _, w := range lists {
		last := s.lastFired(ctx, w.ID)
		if !scheduleDue(w.ScheduleCron, last, now) {
			continue
		}
		if !s.Refresh.Due(last, now) {
			continue
		}
		if !s.acquireLock(ctx, w.ID) {
			continue
		}
		if err := s.fire(ctx, w); err != nil {
			s.logger.Printf("watchlist %s: enqueue failed: %v", w.ID, err)
			continue
		}
		s.markFired(ctx, w.ID, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, w store.Watchlist) error {
	payload := streams.EnqueuePayload{
		InvestigationID: uuid.NewString(),
		QueryText:       watchlistQuery(w),
		Trigger:         streams.TriggerSchedule,
		WatchlistID:     w.ID,
		UserID:          w.UserID,
	}
	if len(w.Entities) == 1 {
		payload.Params.Entity = w.Entities[0]
	}
	if _, err := s.Queue.PublishRaw(ctx, streams.StreamInvestigations,
		streams.EventInvestigationEnqueued, "v1", payload); err != nil {
		return err
	}
	s.logger.Printf("watchlist %s (%s): investigation %s enqueued", w.ID, w.Name, payload.InvestigationID)
	return nil
}

// acquireLock claims the per-watchlist firing slot. The lock expires on its
// own; holding it for the TTL keeps replicas whose tickers drift by seconds
// from double-firing.
func (s *Scheduler) acquireLock(ctx context.Context, watchlistID string) bool {
	if s.Rdb == nil {
		return true
	}
	ok, err := s.Rdb.SetNX(ctx, schedLockPrefix+watchlistID, "1", schedLockTTL).Result()
	if err != nil {
		s.logger.Printf("watchlist %s: lock: %v", watchlistID, err)
		return false
	}
	return ok
}

func (s *Scheduler) lastFired(ctx context.Context, watchlistID string) time.Time {
	if s.Rdb == nil {
		return time.Time{}
	}
	raw, err := s.Rdb.Get(ctx, schedFiredPrefix+watchlistID).Result()
	if err != nil {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func (s *Scheduler) markFired(ctx context.Context, watchlistID string, at time.Time) {
	if s.Rdb == nil {
		return
	}
	if err := s.Rdb.Set(ctx, schedFiredPrefix+watchlistID, at.UTC().Format(time.RFC3339), 0).Err(); err != nil {
		s.logger.Printf("watchlist %s: record last fire: %v", watchlistID, err)
	}
}

// watchlistQuery phrases a watchlist as an investigation query. The wording
// stays intent-neutral so the router runs its broad overview pass.
func watchlistQuery(w store.Watchlist) string {
	if len(w.Entities) == 0 {
		return fmt.Sprintf("scheduled spending review: %s", w.Name)
	}
	return fmt.Sprintf("scheduled spending review of %s", strings.Join(w.Entities, ", "))
}

// scheduleDue determines whether a watchlist with the given cron spec should
// fire now, based on when it last fired. Supports "@daily", "@hourly", and
// 5-field cron expressions; an unparseable spec falls back to @daily.
func scheduleDue(cronSpec string, last, now time.Time) bool {
	switch cronSpec {
	case "":
		return false
	case "@daily":
		return last.IsZero() || now.Sub(last) >= 24*time.Hour
	case "@hourly":
		return last.IsZero() || now.Sub(last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			return last.IsZero() || now.Sub(last) >= 24*time.Hour
		}
		if last.IsZero() {
			return true
		}
		next := expr.Next(last)
		return !next.After(now)
	}
}

// validateSchedule rejects cron specs scheduleDue could not honor.
func validateSchedule(spec string) error {
	switch spec {
	case "", "@daily", "@hourly":
		return nil
	}
	if _, err := cronexpr.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}
