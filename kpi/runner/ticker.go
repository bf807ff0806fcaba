package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3FramesLab/kpi-engine/errors"
	"github.com/3FramesLab/kpi-engine/kpi/schedule"
)

// Ticker periodically fires due schedules. Multiple tickers (or processes)
// can run against the same database; the execution claim is the exclusion, so
// a schedule picked up twice runs once.
type Ticker struct {
	schedules *schedule.Store
	runner    *Runner
	interval  time.Duration
	log       *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTicker creates a ticker that scans for due schedules every interval
func NewTicker(schedules *schedule.Store, runner *Runner, interval time.Duration, log *zap.SugaredLogger) *Ticker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ticker{
		schedules: schedules,
		runner:    runner,
		interval:  interval,
		log:       log,
	}
}

// Start launches the tick loop. Safe to call once.
func (t *Ticker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.loop(ctx)
	}()

	t.log.Infow("scheduler ticker started", "interval", t.interval.String())
}

// Stop cancels the tick loop and waits for in-flight triggers to finish
func (t *Ticker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.log.Infow("scheduler ticker stopped")
}

func (t *Ticker) loop(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	// Fire once at startup so due schedules don't wait a full interval
	t.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick fires every due schedule in its own goroutine. The retry and backoff
// loop of a slow execution therefore never delays the next scan.
func (t *Ticker) tick(ctx context.Context) {
	due, err := t.schedules.ListDue(ctx, time.Now())
	if err != nil {
		t.log.Errorw("failed to list due schedules", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	t.log.Infow("due schedules found", "count", len(due))

	for _, sched := range due {
		t.wg.Add(1)
		go func(id string) {
			defer t.wg.Done()

			_, err := t.runner.Trigger(ctx, id, false)
			if errors.IsAlreadyRunningError(err) {
				// Another worker holds the slot; the occurrence still ran once
				t.log.Debugw("schedule already running", "schedule_id", id)
				return
			}
			if err != nil {
				t.log.Errorw("scheduled trigger failed",
					"schedule_id", id, "error", err)
			}
		}(sched.ID)
	}
}
