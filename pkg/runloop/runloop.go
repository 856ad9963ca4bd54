// Package runloop drives periodic engine ticks (spec §4.7): a cancellable
// ticker loop with a single-tick mode (RunOnce), plus an optional
// cron-expression schedule for operators who prefer a cron spec over a plain
// interval.
package runloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// TickFunc is one engine tick. Errors are logged and do not stop the loop.
type TickFunc func(ctx context.Context) error

// Loop invokes a TickFunc on a fixed interval until its context is canceled.
type Loop struct {
	interval time.Duration
	tick     TickFunc
	log      *logrus.Entry

	mu      sync.Mutex
	running bool
}

// New constructs a Loop.
func New(interval time.Duration, tick TickFunc, log *logrus.Entry) *Loop {
	return &Loop{
		interval: interval,
		tick:     tick,
		log:      log.WithField("component", "runloop"),
	}
}

// Run ticks once immediately, then on every interval until ctx is canceled.
// Cancellation between ticks returns promptly; cancellation inside a tick is
// cooperative via the tick's own IO boundaries.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("runloop: already running")
	}
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	l.runTick(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.log.Info("run loop stopping")
			return ctx.Err()
		case <-ticker.C:
			l.runTick(ctx)
		}
	}
}

// RunOnce executes exactly one tick and returns its error.
func (l *Loop) RunOnce(ctx context.Context) error {
	return l.tick(ctx)
}

func (l *Loop) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := l.tick(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		l.log.WithError(err).Error("tick failed")
	}
}

// CronLoop schedules ticks by cron expression instead of a fixed interval.
type CronLoop struct {
	spec string
	tick TickFunc
	log  *logrus.Entry
}

// NewCron constructs a CronLoop. The spec uses the standard 5-field cron
// format.
func NewCron(spec string, tick TickFunc, log *logrus.Entry) *CronLoop {
	return &CronLoop{spec: spec, tick: tick, log: log.WithField("component", "runloop-cron")}
}

// Run schedules the tick until ctx is canceled.
func (l *CronLoop) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(l.spec, func() {
		if ctx.Err() != nil {
			return
		}
		if err := l.tick(ctx); err != nil && ctx.Err() == nil {
			l.log.WithError(err).Error("tick failed")
		}
	})
	if err != nil {
		return fmt.Errorf("runloop: invalid cron spec %q: %w", l.spec, err)
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}
