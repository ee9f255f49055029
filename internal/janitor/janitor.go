// Package janitor runs the scheduled housekeeping sweeps: purging expired
// asks and events from the store and dropping dead entries from the result
// cache.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/finchbase/finch/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Sweeper is the cache-side hook; it reports how many entries were dropped.
type Sweeper interface {
	Sweep() int
}

// Config holds the dependencies for the janitor.
type Config struct {
	Store *persistence.Store
	Cache Sweeper

	// Schedule is a 5-field cron expression; defaults to 03:00 daily.
	Schedule string

	AskRetentionDays   int
	EventRetentionDays int

	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Janitor fires the sweep whenever the schedule comes due.
type Janitor struct {
	store    *persistence.Store
	cache    Sweeper
	schedule cronlib.Schedule
	askDays  int
	evDays   int
	logger   *slog.Logger
	interval time.Duration

	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Janitor. An invalid schedule expression is an error; an
// empty one gets the default.
func New(cfg Config) (*Janitor, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 3 * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:    cfg.Store,
		cache:    cfg.Cache,
		schedule: schedule,
		askDays:  cfg.AskRetentionDays,
		evDays:   cfg.EventRetentionDays,
		logger:   logger,
		interval: interval,
		nextRun:  schedule.Next(time.Now()),
	}, nil
}

// Start begins the janitor loop in a background goroutine. The loop exits
// when ctx is canceled or Stop is called.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("janitor started", "next_run", j.nextRun)
}

// Stop cancels the loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(j.nextRun) {
				continue
			}
			j.RunOnce(ctx)
			j.nextRun = j.schedule.Next(now)
		}
	}
}

// RunOnce performs one sweep immediately, regardless of the schedule.
func (j *Janitor) RunOnce(ctx context.Context) {
	result, err := j.store.RunRetention(ctx, j.askDays, j.evDays)
	if err != nil {
		j.logger.Error("retention sweep failed", "error", err)
	}
	swept := 0
	if j.cache != nil {
		swept = j.cache.Sweep()
	}
	j.logger.Info("janitor sweep done",
		"purged_asks", result.PurgedAsks,
		"purged_events", result.PurgedAskEvents,
		"cache_swept", swept)
}
