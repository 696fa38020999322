package position

import (
	"time"

	"perpdesk/internal/pkg/num"

	"github.com/shopspring/decimal"
)

type Transition struct {
	Status Status
	Reason string
	Price  decimal.Decimal
}

// Evaluate checks an open position against an observed price. Take-profit
// wins over stop-loss, and the duration limit applies regardless of PnL.
func Evaluate(p Position, price decimal.Decimal, now time.Time, maxDuration time.Duration) (Transition, bool) {
	if !p.Status.IsOpen() {
		return Transition{}, false
	}
	side := string(p.Side)
	if num.TargetHit(side, price, p.TakeProfit) {
		return Transition{Status: StatusClosedProfit, Reason: ReasonTakeProfit, Price: price}, true
	}
	if num.StopHit(side, price, p.StopLoss) {
		return Transition{Status: StatusClosedLoss, Reason: ReasonStopLoss, Price: price}, true
	}
	if maxDuration > 0 && now.Sub(p.OpenedAt) >= maxDuration {
		return Transition{Status: StatusClosedTimeout, Reason: ReasonTimeout, Price: price}, true
	}
	return Transition{}, false
}

// UnrealizedPnL of p at price.
func UnrealizedPnL(p Position, price decimal.Decimal) decimal.Decimal {
	return num.PnL(string(p.Side), p.EntryPrice, price, p.Quantity)
}

// StatusFromPnL classifies an externally observed close.
func StatusFromPnL(pnl decimal.Decimal) Status {
	if pnl.IsPositive() {
		return StatusClosedProfit
	}
	return StatusClosedLoss
}
