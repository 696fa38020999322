package scheduler

import (
	"context"
	"time"

	"perpdesk/internal/logger"
)

// AlignedScheduler runs a task on wall-clock boundaries of Interval, shifted
// by Offset, until the context ends.
type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedScheduler(ctx context.Context, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

func (s *AlignedScheduler) Start(task func()) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("AlignedScheduler[%s]: task is nil, exit", s.Name)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("AlignedScheduler[%s]: invalid interval=%s, exit", s.Name, s.Interval)
		return
	}
	if s.Offset < 0 {
		logger.Warnf("AlignedScheduler[%s]: negative offset=%s, clamp to 0", s.Name, s.Offset)
		s.Offset = 0
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("AlignedScheduler[%s]: started interval=%s offset=%s run_immediately=%v at=%s",
		s.Name, s.Interval, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		task()
	}

	for {
		now := s.nowFn().UTC()
		wakeAt, wait := s.nextTimes(now)
		logger.Debugf("AlignedScheduler[%s]: next run at %s (in %s)", s.Name, wakeAt.Format(time.RFC3339), wait.Truncate(time.Millisecond))

		if wait <= 0 {
			task()
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("AlignedScheduler[%s]: ctx done, exit", s.Name)
			return
		case <-timer.C:
		}
		task()
	}
}

func (s *AlignedScheduler) nextTimes(now time.Time) (wakeAt time.Time, wait time.Duration) {
	now = now.UTC()
	boundary := now.Truncate(s.Interval).Add(s.Interval)
	wakeAt = boundary.Add(s.Offset)
	if s.Offset > 0 && wakeAt.Sub(now) > s.Interval {
		wakeAt = wakeAt.Add(-s.Interval)
	}
	return wakeAt, wakeAt.Sub(now)
}
