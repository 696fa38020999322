package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"perpdesk/internal/gateway/notifier"
	"perpdesk/internal/logger"
	"perpdesk/internal/position"
	"perpdesk/internal/risk"

	"github.com/shopspring/decimal"
)

// The apply* methods run on the actor goroutine only.

func (e *Engine) applyPositionOpened(payload []byte) error {
	var p PositionOpenedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode position opened: %w", err)
	}
	pos := p.Position
	st := e.state
	if _, dup := st.positions[pos.ID]; dup {
		return fmt.Errorf("position %s already recorded", pos.ID)
	}
	if st.activeCount() >= e.policy.MaxConcurrentPositions {
		return fmt.Errorf("%w: %d/%d active", errNoSlot, st.activeCount(), e.policy.MaxConcurrentPositions)
	}
	if !st.ledger.Reserve(pos.Symbol, pos.Margin) {
		return fmt.Errorf("%w: %s margin=%s available=%s", errReserveRefused, pos.Symbol,
			pos.Margin.StringFixed(4), st.ledger.Available().StringFixed(4))
	}
	st.positions[pos.ID] = &pos
	e.breaker.Admitted()
	logger.Infof("Engine: recorded %s %s %s margin=%s allocated=%s/%s",
		pos.ID, pos.Symbol, pos.Side, pos.Margin.StringFixed(4), st.ledger.Allocated().StringFixed(4), st.ledger.Total().StringFixed(4))
	e.notify(notifier.StructuredMessage{
		Icon:  "🟢",
		Title: fmt.Sprintf("Opened %s %s", pos.Symbol, pos.Side),
		Sections: []notifier.MessageSection{{
			Lines: []string{
				fmt.Sprintf("qty %s @ %s x%d", pos.Quantity, pos.EntryPrice, pos.Leverage),
				fmt.Sprintf("tp %s / sl %s", pos.TakeProfit, pos.StopLoss),
				fmt.Sprintf("margin %s", pos.Margin.StringFixed(4)),
			},
		}},
		Timestamp: pos.OpenedAt,
	})
	_ = e.reconcileLocked("position_opened")
	return nil
}

func (e *Engine) applyPositionUpdated(payload []byte) error {
	var p PositionUpdatedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode position updated: %w", err)
	}
	u := p.Update
	pos, ok := e.state.positions[u.ID]
	if !ok {
		return nil
	}
	if u.Status.IsOpen() {
		pos.Status = u.Status
	}
	if u.LastPrice.IsPositive() {
		pos.LastPrice = u.LastPrice
	}
	pos.UnrealizedPnL = u.UnrealizedPnL
	pos.UpdatedAt = u.At
	return nil
}

func (e *Engine) applyPositionClosed(payload []byte) error {
	var p PositionClosedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode position closed: %w", err)
	}
	c := p.Closure
	st := e.state
	pos, ok := st.positions[c.ID]
	if !ok || !pos.Status.IsOpen() {
		return fmt.Errorf("%w: %s", errNotActive, c.ID)
	}
	if !c.Status.IsTerminal() {
		c.Status = position.StatusFromPnL(c.RealizedPnL)
	}

	st.ledger.Release(pos.Symbol, pos.Margin)
	rec := position.Archive(*pos, c)
	delete(st.positions, c.ID)
	st.history = append(st.history, rec)
	if len(st.history) > maxHistory {
		st.history = st.history[len(st.history)-maxHistory:]
	}

	st.realized = st.realized.Add(rec.RealizedPnL)
	if equity := st.ledger.Total().Add(st.realized); equity.GreaterThan(st.peakEquity) {
		st.peakEquity = equity
	}
	e.recordOutcome(rec.Won())

	logger.Infof("Engine: closed %s %s %s pnl=%s reason=%s realized=%s allocated=%s",
		rec.ID, rec.Symbol, rec.Status, rec.RealizedPnL.StringFixed(4), rec.Reason,
		st.realized.StringFixed(4), st.ledger.Allocated().StringFixed(4))
	e.metrics.Close(string(rec.Status), rec.Reason)

	if e.journal != nil {
		jctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := e.journal.SaveTrade(jctx, rec); err != nil {
			logger.Errorf("Engine: trade %s not journaled: %v", rec.ID, err)
		}
		cancel()
	}

	icon := "✅"
	if !rec.Won() {
		icon = "❌"
	}
	e.notify(notifier.StructuredMessage{
		Icon:  icon,
		Title: fmt.Sprintf("Closed %s %s", rec.Symbol, rec.Side),
		Sections: []notifier.MessageSection{{
			Lines: []string{
				fmt.Sprintf("%s -> %s (%s)", rec.EntryPrice, rec.ExitPrice, rec.Reason),
				fmt.Sprintf("pnl %s", rec.RealizedPnL.StringFixed(4)),
			},
		}},
		Timestamp: rec.ClosedAt,
	})
	_ = e.reconcileLocked("position_closed")
	return nil
}

// recordOutcome feeds a close into the loss breaker and the adaptive
// dispatch interval.
func (e *Engine) recordOutcome(won bool) {
	st := e.state
	if won {
		st.winStreak++
		e.breaker.RecordSuccess()
	} else {
		st.winStreak = 0
		e.breaker.RecordFailure()
	}
	window := e.cfg.Dispatch.SuccessWindow
	st.recent = append(st.recent, won)
	if window > 0 && len(st.recent) > window {
		st.recent = st.recent[len(st.recent)-window:]
	}

	if st.winStreak > e.cfg.Dispatch.WinStreak {
		e.dispatchSched.Scale(0.9)
		return
	}
	if window > 0 && len(st.recent) >= window {
		wins := 0
		for _, w := range st.recent {
			if w {
				wins++
			}
		}
		if float64(wins)/float64(len(st.recent)) < e.cfg.Dispatch.SuccessRateFloor {
			e.dispatchSched.Scale(1.05)
		}
	}
}

func (e *Engine) applyCooldown(payload []byte) error {
	var p CooldownPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode cooldown: %w", err)
	}
	if p.Symbol == "" {
		return fmt.Errorf("cooldown without symbol")
	}
	e.state.cooldowns[p.Symbol] = p.At
	return nil
}

func (e *Engine) applyDecision(payload []byte) error {
	var d risk.Decision
	if err := json.Unmarshal(payload, &d); err != nil {
		return fmt.Errorf("decode decision: %w", err)
	}
	st := e.state
	st.lastDecision = &d
	if d.TripEmergency && !st.emergency {
		e.setEmergency(true, "drawdown approaching limit: "+d.Reason, d.At)
	}
	return nil
}

func (e *Engine) applyReconcile(payload []byte) error {
	var p ReconcilePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode reconcile: %w", err)
		}
	}
	return e.reconcileLocked(p.Trigger)
}

// reconcileLocked runs the ledger self-check. An over-allocation clears every
// allocation and every tracked position; allocations with no open position
// behind them are released.
func (e *Engine) reconcileLocked(trigger string) error {
	st := e.state
	if err := st.ledger.Reconcile(); err != nil {
		st.violations++
		dropped := len(st.positions)
		for id := range st.positions {
			e.monitor.Stop(id)
		}
		st.positions = make(map[string]*position.Position)
		now := e.nowFn()
		msg := fmt.Sprintf("ledger invariant violated (%s): %v; cleared %d positions", trigger, err, dropped)
		st.alert(now, "invariant_violation", msg)
		e.metrics.InvariantViolation()
		logger.Errorf("Engine: %s", msg)
		e.notify(notifier.StructuredMessage{
			Icon:      "🚨",
			Title:     "Ledger invariant violation",
			Sections:  []notifier.MessageSection{{Lines: []string{msg}}},
			Footer:    "exchange positions were not flattened; investigate",
			Timestamp: now,
		})
		return err
	}

	held := make(map[string]decimal.Decimal)
	for _, p := range st.positions {
		if p.Status.IsOpen() {
			held[p.Symbol] = held[p.Symbol].Add(p.Margin)
		}
	}
	for sym, amt := range st.ledger.AllocatedBySymbol() {
		if extra := amt.Sub(held[sym]); extra.IsPositive() {
			logger.Warnf("Engine: releasing %s orphaned allocation for %s (%s)", extra.StringFixed(4), sym, trigger)
			st.ledger.Release(sym, extra)
		}
	}
	return nil
}

func (e *Engine) applyAdminReset(payload []byte) error {
	reason := decodeReason(payload)
	for id := range e.state.positions {
		e.monitor.Stop(id)
	}
	violations := e.state.violations
	e.state = newState(e.state.ledger.Total())
	e.state.violations = violations
	e.breaker.Reset()
	e.dispatchSched.Reset()
	e.performance.Store(&Performance{})
	logger.Warnf("Engine: state reset for testing (%s)", reason)
	return nil
}

func (e *Engine) applyCapitalReset(payload []byte) error {
	reason := decodeReason(payload)
	st := e.state
	dropped := len(st.positions)
	for id := range st.positions {
		e.monitor.Stop(id)
	}
	st.positions = make(map[string]*position.Position)
	st.ledger.Clear()
	e.breaker.ClearTrial()
	msg := fmt.Sprintf("emergency capital reset (%s): cleared %d positions and all allocations", reason, dropped)
	st.alert(e.nowFn(), "capital_reset", msg)
	logger.Warnf("Engine: %s", msg)
	e.notify(notifier.StructuredMessage{
		Icon:     "⚠️",
		Title:    "Emergency capital reset",
		Sections: []notifier.MessageSection{{Lines: []string{msg}}},
		Footer:   "exchange positions were not flattened",
	})
	return nil
}

func (e *Engine) applyEmergency(payload []byte) error {
	var p EmergencyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode emergency: %w", err)
	}
	e.setEmergency(p.On, p.Reason, e.nowFn())
	return nil
}

func (e *Engine) setEmergency(on bool, reason string, at time.Time) {
	st := e.state
	if st.emergency == on {
		return
	}
	st.emergency = on
	if on {
		st.emergencyReason = reason
		st.emergencyAt = at
		st.alert(at, "emergency_stop", reason)
		logger.Errorf("Engine: EMERGENCY STOP set: %s", reason)
		e.notify(notifier.StructuredMessage{
			Icon:      "🛑",
			Title:     "Emergency stop",
			Sections:  []notifier.MessageSection{{Lines: []string{reason}}},
			Footer:    "new trades are rejected until an explicit reset",
			Timestamp: at,
		})
		return
	}
	st.emergencyReason = ""
	st.emergencyAt = time.Time{}
	logger.Warnf("Engine: emergency stop cleared (%s)", reason)
}

func (e *Engine) applyTimingReset() error {
	st := e.state
	st.cooldowns = make(map[string]time.Time)
	st.winStreak = 0
	st.recent = nil
	e.dispatchSched.Reset()
	logger.Infof("Engine: cooldowns and dispatch interval reset")
	return nil
}

func decodeReason(payload []byte) string {
	var p ResetPayload
	if len(payload) == 0 || json.Unmarshal(payload, &p) != nil || p.Reason == "" {
		return "admin"
	}
	return p.Reason
}
