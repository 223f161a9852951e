// Package scheduler drives the decision loop on candle-aligned ticks.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"quantor/internal/logger"
)

// Aligned fires at candle boundaries plus an optional offset. Cycles
// never overlap: a tick arriving while the previous cycle is still
// running is skipped, not queued.
type Aligned struct {
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	running atomic.Bool
	nowFn   func() time.Time
}

func NewAligned(interval, offset time.Duration) *Aligned {
	if offset < 0 {
		offset = 0
	}
	return &Aligned{
		Interval: interval,
		Offset:   offset,
		nowFn:    time.Now,
	}
}

// Run blocks until ctx is cancelled, invoking task on each aligned tick.
func (s *Aligned) Run(ctx context.Context, task func()) {
	if task == nil || s.Interval <= 0 {
		logger.Warnf("scheduler: nothing to run (interval=%s)", s.Interval)
		return
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	startAt := s.nowFn().UTC()
	logger.Infof("scheduler: started interval=%s offset=%s at=%s",
		s.Interval, s.Offset, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		s.fire(task)
	}
	for {
		now := s.nowFn().UTC()
		wakeAt, wait := s.next(now)
		logger.Debugf("scheduler: next cycle at %s (in %s)",
			wakeAt.Format(time.RFC3339), wait.Truncate(time.Second))
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				logger.Infof("scheduler: context done, exit")
				return
			case <-timer.C:
			}
		}
		s.fire(task)
	}
}

// fire 跳过而不是排队：上一轮还在跑时直接放弃本次 tick。
func (s *Aligned) fire(task func()) {
	if !s.running.CompareAndSwap(false, true) {
		logger.Warnf("scheduler: previous cycle still running, skipping tick")
		return
	}
	defer s.running.Store(false)
	task()
}

func (s *Aligned) next(now time.Time) (wakeAt time.Time, wait time.Duration) {
	boundary := now.Truncate(s.Interval).Add(s.Interval)
	wakeAt = boundary.Add(s.Offset)
	return wakeAt, wakeAt.Sub(now)
}
