package engine

import (
	"context"
	"fmt"
	"time"

	"perpdesk/internal/logger"
)

const adminPoll = 50 * time.Millisecond

// withAdminLock waits up to lock.admin_wait for the execution lock, then
// runs fn while holding it.
func (e *Engine) withAdminLock(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	wait := e.cfg.Lock.AdminWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	wctx, cancel := context.WithTimeout(ctx, wait)
	ls, err := e.lock.Acquire(wctx, "admin:"+label, adminPoll)
	cancel()
	if err != nil {
		e.metrics.LockContention("admin")
		return fmt.Errorf("%w: %s waited %s: %v", ErrLockBusy, label, wait, err)
	}
	defer e.lock.Release(ls)
	logger.Infof("Engine: admin %s", label)
	return fn(ctx)
}

// ForceResetTiming clears cooldowns and restores the initial dispatch
// interval.
func (e *Engine) ForceResetTiming(ctx context.Context) error {
	return e.withAdminLock(ctx, "reset_timing", func(ctx context.Context) error {
		return e.SendSync(ctx, EventEnvelope{Type: EvtTimingReset})
	})
}

// ResetForTesting returns the engine to its initial state. Monitors are
// stopped; exchange positions are left untouched.
func (e *Engine) ResetForTesting(ctx context.Context) error {
	return e.withAdminLock(ctx, "reset_testing", func(ctx context.Context) error {
		return e.sendPayload(ctx, EvtAdminReset, "", ResetPayload{Reason: "reset_for_testing"})
	})
}

// EmergencyCapitalReset clears every allocation and tracked position while
// keeping trade history.
func (e *Engine) EmergencyCapitalReset(ctx context.Context) error {
	return e.withAdminLock(ctx, "capital_reset", func(ctx context.Context) error {
		return e.sendPayload(ctx, EvtCapitalReset, "", ResetPayload{Reason: "emergency_capital_reset"})
	})
}

// TriggerEmergencyStop sets the sticky stop flag. It skips the execution
// lock so it can land while a dispatch is in flight.
func (e *Engine) TriggerEmergencyStop(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "manual"
	}
	return e.sendPayload(ctx, EvtEmergencySet, "", EmergencyPayload{On: true, Reason: reason})
}

func (e *Engine) ResetEmergencyStop(ctx context.Context) error {
	return e.withAdminLock(ctx, "emergency_reset", func(ctx context.Context) error {
		return e.sendPayload(ctx, EvtEmergencySet, "", EmergencyPayload{On: false, Reason: "admin reset"})
	})
}
