package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"perpdesk/internal/logger"
)

// AdaptiveScheduler runs a task repeatedly, sleeping the current interval
// between runs. The interval may be changed at any time and takes effect
// from the next wait.
type AdaptiveScheduler struct {
	Name string

	ctx      context.Context
	interval atomic.Int64
	lo       time.Duration
	hi       time.Duration
	initial  time.Duration
}

func NewAdaptiveScheduler(ctx context.Context, initial, lo, hi time.Duration) *AdaptiveScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	if lo <= 0 {
		lo = initial
	}
	if hi < lo {
		hi = lo
	}
	s := &AdaptiveScheduler{ctx: ctx, lo: lo, hi: hi, initial: initial}
	s.interval.Store(int64(s.clamp(initial)))
	return s
}

func (s *AdaptiveScheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// Scale multiplies the interval by factor, clamped to [lo, hi], and
// returns the new value.
func (s *AdaptiveScheduler) Scale(factor float64) time.Duration {
	for {
		cur := s.interval.Load()
		next := int64(s.clamp(time.Duration(float64(cur) * factor)))
		if s.interval.CompareAndSwap(cur, next) {
			if next != cur {
				logger.Infof("AdaptiveScheduler[%s]: interval %s -> %s", s.Name, time.Duration(cur), time.Duration(next))
			}
			return time.Duration(next)
		}
	}
}

// Reset restores the initial interval.
func (s *AdaptiveScheduler) Reset() {
	s.interval.Store(int64(s.clamp(s.initial)))
}

func (s *AdaptiveScheduler) Bounds() (time.Duration, time.Duration) {
	return s.lo, s.hi
}

func (s *AdaptiveScheduler) clamp(d time.Duration) time.Duration {
	if d < s.lo {
		return s.lo
	}
	if d > s.hi {
		return s.hi
	}
	return d
}

func (s *AdaptiveScheduler) Start(task func()) {
	if s == nil {
		return
	}
	s.StartContext(s.ctx, task)
}

// StartContext is Start bound to ctx instead of the construction context.
func (s *AdaptiveScheduler) StartContext(ctx context.Context, task func()) {
	if s == nil || task == nil {
		return
	}
	logger.Infof("AdaptiveScheduler[%s]: started interval=%s bounds=[%s,%s]", s.Name, s.Interval(), s.lo, s.hi)
	for {
		timer := time.NewTimer(s.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("AdaptiveScheduler[%s]: ctx done, exit", s.Name)
			return
		case <-timer.C:
		}
		task()
	}
}
