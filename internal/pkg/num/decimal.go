// Package num holds decimal helpers shared by sizing, ledger and exit checks.
// Side arguments are "long" or "short"; anything else is treated as long.
package num

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	decOne     = decimal.NewFromInt(1)
	decimalEps = decimal.NewFromFloat(1e-9)
)

// Dec converts a float to decimal, mapping NaN and Inf to zero.
func Dec(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func Float(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

// RelativePrice moves entry by pct in the favourable direction of side.
// A negative pct moves against the side (stop levels).
func RelativePrice(entry, pct decimal.Decimal, side string) decimal.Decimal {
	if !entry.IsPositive() || side == "" {
		return decimal.Zero
	}
	var factor decimal.Decimal
	switch side {
	case "short":
		factor = decOne.Sub(pct)
	default:
		factor = decOne.Add(pct)
	}
	return entry.Mul(factor)
}

// TargetHit reports whether price has reached a profit target for side.
func TargetHit(side string, price, target decimal.Decimal) bool {
	if !price.IsPositive() || !target.IsPositive() {
		return false
	}
	switch side {
	case "short":
		return price.LessThanOrEqual(target)
	default:
		return price.GreaterThanOrEqual(target)
	}
}

// StopHit reports whether price has breached a stop level for side.
func StopHit(side string, price, stop decimal.Decimal) bool {
	if !price.IsPositive() || !stop.IsPositive() {
		return false
	}
	switch side {
	case "short":
		return price.GreaterThanOrEqual(stop)
	default:
		return price.LessThanOrEqual(stop)
	}
}

// RoundUpToStep rounds qty up to the next multiple of step.
func RoundUpToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return qty
	}
	units := qty.Div(step)
	floor := units.Floor()
	if units.Sub(floor).GreaterThan(decimalEps) {
		floor = floor.Add(decOne)
	}
	return floor.Mul(step)
}

// RoundToTick rounds price to the nearest multiple of tick.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// PnL is the signed profit of qty moved from entry to exit for side.
func PnL(side string, entry, exit, qty decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == "short" {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
