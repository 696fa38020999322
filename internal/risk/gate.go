// Package risk is the admission gate run before every order. Evaluate is a
// pure function of the policy, the engine state and the candidate; the only
// side effect it can ask for is tripping the emergency stop, which the caller
// applies.
package risk

import (
	"fmt"
	"time"

	"perpdesk/internal/pkg/num"
	"perpdesk/internal/position"

	"github.com/shopspring/decimal"
)

// Check names the gate step that produced a rejection.
type Check string

const (
	CheckNone          Check = ""
	CheckInput         Check = "input"
	CheckEmergencyStop Check = "emergency_stop"
	CheckCircuit       Check = "circuit_breaker"
	CheckConfidence    Check = "confidence"
	CheckCooldown      Check = "cooldown"
	CheckPositionLimit Check = "position_limit"
	CheckMargin        Check = "margin"
	CheckProfitTarget  Check = "profit_target"
	CheckDrawdown      Check = "drawdown"
)

// State is the slice of engine state the gate reads.
type State struct {
	TotalCapital      decimal.Decimal
	Allocated         decimal.Decimal
	ActivePositions   int
	Cooldowns         map[string]time.Time
	Drawdown          float64
	ConsecutiveLosses int
	EmergencyStop     bool
	CircuitOpen       bool
}

func (s State) Available() decimal.Decimal {
	avail := s.TotalCapital.Sub(s.Allocated)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// Input is one candidate trade. Margin may be left zero, in which case it is
// derived from quantity, price and leverage.
type Input struct {
	Symbol     string
	Side       position.Side
	Confidence float64
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Leverage   int
	Volatility float64
	Margin     decimal.Decimal
}

func (in Input) notional() decimal.Decimal {
	return in.Quantity.Mul(in.Price)
}

func (in Input) margin() decimal.Decimal {
	if in.Margin.IsPositive() {
		return in.Margin
	}
	if in.Leverage <= 0 {
		return in.notional()
	}
	return in.notional().Div(decimal.NewFromInt(int64(in.Leverage)))
}

type Decision struct {
	Approved        bool            `json:"approved"`
	Symbol          string          `json:"symbol"`
	Side            position.Side   `json:"side"`
	Check           Check           `json:"check,omitempty"`
	Level           Level           `json:"level"`
	Reason          string          `json:"reason"`
	StopLoss        decimal.Decimal `json:"stop_loss"`
	TakeProfit      decimal.Decimal `json:"take_profit"`
	RequiredMargin  decimal.Decimal `json:"required_margin"`
	ProjectedProfit decimal.Decimal `json:"projected_profit"`
	PotentialLoss   decimal.Decimal `json:"potential_loss"`
	RiskScore       float64         `json:"risk_score"`
	RiskBand        Level           `json:"risk_band"`
	CooldownLeft    time.Duration   `json:"cooldown_left,omitempty"`
	TripEmergency   bool            `json:"trip_emergency,omitempty"`
	At              time.Time       `json:"at"`
}

func reject(d Decision, check Check, level Level, format string, args ...any) Decision {
	d.Approved = false
	d.Check = check
	d.Level = level
	d.Reason = fmt.Sprintf(format, args...)
	return d
}

// Evaluate runs the admission checks in order and stops at the first failure.
func Evaluate(p Policy, s State, in Input, now time.Time) Decision {
	d := Decision{Symbol: in.Symbol, Side: in.Side, At: now}

	if in.Symbol == "" || !in.Price.IsPositive() || !in.Quantity.IsPositive() {
		return reject(d, CheckInput, LevelHigh, "invalid candidate: symbol=%q price=%s qty=%s", in.Symbol, in.Price, in.Quantity)
	}
	if in.Side != position.Long && in.Side != position.Short {
		return reject(d, CheckInput, LevelHigh, "invalid candidate side %q", in.Side)
	}

	side := string(in.Side)
	d.TakeProfit = num.RelativePrice(in.Price, p.TakeProfitPct, side)
	d.StopLoss = num.RelativePrice(in.Price, p.StopLossPct.Neg(), side)
	d.RequiredMargin = in.margin()
	d.ProjectedProfit = in.notional().Mul(p.TakeProfitPct)
	d.PotentialLoss = in.notional().Mul(p.StopLossPct)

	if s.EmergencyStop {
		return reject(d, CheckEmergencyStop, LevelCritical, "emergency stop is active")
	}
	if s.CircuitOpen {
		return reject(d, CheckCircuit, LevelCritical, "circuit breaker open after %d consecutive losses", s.ConsecutiveLosses)
	}
	if in.Confidence < p.MinConfidence {
		return reject(d, CheckConfidence, LevelHigh, "confidence %.2f below minimum %.2f", in.Confidence, p.MinConfidence)
	}
	if last, ok := s.Cooldowns[in.Symbol]; ok && p.Cooldown > 0 {
		if left := p.Cooldown - now.Sub(last); left > 0 {
			d.CooldownLeft = left
			return reject(d, CheckCooldown, LevelMedium, "%s in cooldown, %.1f minutes remaining", in.Symbol, left.Minutes())
		}
	}
	if p.MaxConcurrentPositions > 0 && s.ActivePositions >= p.MaxConcurrentPositions {
		return reject(d, CheckPositionLimit, LevelHigh, "position-count limit reached: %d/%d active", s.ActivePositions, p.MaxConcurrentPositions)
	}
	avail := s.Available()
	if d.RequiredMargin.GreaterThan(avail) {
		return reject(d, CheckMargin, LevelHigh, "required margin %s exceeds available capital %s",
			d.RequiredMargin.StringFixed(4), avail.StringFixed(4))
	}
	if p.MaxCapitalPerPosition.IsPositive() && d.RequiredMargin.GreaterThan(p.MaxCapitalPerPosition) {
		return reject(d, CheckMargin, LevelHigh, "required margin %s exceeds per-position cap %s",
			d.RequiredMargin.StringFixed(4), p.MaxCapitalPerPosition.StringFixed(4))
	}
	if d.ProjectedProfit.LessThan(p.MinProfitTarget) {
		return reject(d, CheckProfitTarget, LevelHigh, "projected profit %s below minimum target %s",
			d.ProjectedProfit.StringFixed(4), p.MinProfitTarget.StringFixed(4))
	}
	if s.TotalCapital.IsPositive() && p.MaxDrawdown > 0 {
		lossPct := num.Float(d.PotentialLoss.Div(s.TotalCapital))
		projected := s.Drawdown + lossPct
		if projected > p.MaxDrawdown {
			d.TripEmergency = s.Drawdown >= p.EmergencyDrawdownRatio*p.MaxDrawdown
			return reject(d, CheckDrawdown, LevelCritical, "projected drawdown %.2f%% exceeds maximum %.2f%%",
				projected*100, p.MaxDrawdown*100)
		}
	}

	d.Approved = true
	d.RiskScore = Score(p, s, in)
	d.RiskBand = Band(d.RiskScore)
	d.Level = d.RiskBand
	d.Reason = "approved"
	return d
}

// Score weights inverse confidence, leverage, volatility, drawdown and the
// loss streak into [0,1].
func Score(p Policy, s State, in Input) float64 {
	score := 0.30 * (1 - num.Clamp01(in.Confidence))
	if p.MaxLeverage > 0 {
		score += 0.20 * num.Clamp01(float64(in.Leverage)/float64(p.MaxLeverage))
	}
	score += 0.20 * num.Clamp01(in.Volatility/0.05)
	if p.MaxDrawdown > 0 {
		score += 0.15 * num.Clamp01(s.Drawdown/p.MaxDrawdown)
	}
	if p.MaxConsecutiveLosses > 0 {
		score += 0.15 * num.Clamp01(float64(s.ConsecutiveLosses)/float64(p.MaxConsecutiveLosses))
	}
	return num.Clamp01(score)
}
