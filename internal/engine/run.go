package engine

import (
	"context"
	"sync"
	"time"

	"perpdesk/internal/logger"
	"perpdesk/internal/scheduler"
)

// Run starts the actor and the four tick producers, and consumes ticks until
// ctx ends. Ticks are handled concurrently; the execution lock serializes the
// dispatch critical section.
func (e *Engine) Run(ctx context.Context) error {
	e.Start()
	defer e.Stop()
	go func() {
		select {
		case <-ctx.Done():
			e.baseCancel()
		case <-e.stopCh:
		}
	}()

	if err := e.source.Refresh(ctx); err != nil {
		logger.Warnf("Engine: initial universe refresh failed: %v", err)
	}
	e.RefreshPerformance()

	ticks := make(chan scheduler.Tick, 8)
	sc := e.cfg.Scheduler
	go e.dispatchSched.StartContext(ctx, scheduler.Emit(ticks, scheduler.TickDispatch))
	for _, s := range []struct {
		kind     scheduler.TickKind
		interval time.Duration
	}{
		{scheduler.TickRotation, sc.RotationInterval},
		{scheduler.TickPerformance, sc.PerformanceInterval},
		{scheduler.TickReconcile, sc.ReconcileInterval},
	} {
		aligned := scheduler.NewAlignedScheduler(ctx, s.interval, 0)
		aligned.Name = s.kind.String()
		go aligned.Start(scheduler.Emit(ticks, s.kind))
	}
	logger.Infof("Engine: running mode=%s capital=%.2f max_positions=%d",
		e.cfg.Dispatch.Mode, e.cfg.Capital.Total, e.policy.MaxConcurrentPositions)

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			logger.Infof("Engine: shutting down, waiting for in-flight ticks")
			wg.Wait()
			return nil
		case t := <-ticks:
			wg.Add(1)
			go func(t scheduler.Tick) {
				defer wg.Done()
				e.HandleTick(ctx, t)
			}(t)
		}
	}
}

// HandleTick runs the work bound to one tick kind.
func (e *Engine) HandleTick(ctx context.Context, t scheduler.Tick) {
	switch t.Kind {
	case scheduler.TickDispatch:
		n, err := e.DispatchOnce(ctx)
		if err != nil {
			logger.Warnf("Engine: dispatch cycle: %v", err)
		} else if n > 0 {
			logger.Infof("Engine: dispatch opened %d position(s)", n)
		}
	case scheduler.TickRotation:
		if err := e.source.Refresh(ctx); err != nil {
			logger.Warnf("Engine: universe refresh failed, keeping previous list: %v", err)
		}
		e.source.ClearCaches()
	case scheduler.TickPerformance:
		e.RefreshPerformance()
	case scheduler.TickReconcile:
		if err := e.Reconcile(ctx, "periodic"); err != nil {
			logger.Errorf("Engine: periodic reconcile: %v", err)
		}
		if e.limiter != nil {
			e.metrics.SetRateLimitDelays(e.limiter.Stats().Delayed)
		}
	default:
		logger.Warnf("Engine: unknown tick %v", t.Kind)
	}
}
