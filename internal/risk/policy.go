package risk

import (
	"time"

	"perpdesk/internal/config"
	"perpdesk/internal/pkg/num"

	"github.com/shopspring/decimal"
)

type Level string

const (
	LevelMinimal  Level = "MINIMAL"
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Band classifies a risk score.
func Band(score float64) Level {
	switch {
	case score < 0.2:
		return LevelMinimal
	case score < 0.4:
		return LevelLow
	case score < 0.6:
		return LevelMedium
	case score < 0.8:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Policy is built once at startup and never mutated.
type Policy struct {
	MinConfidence          float64
	Cooldown               time.Duration
	MaxConcurrentPositions int
	MaxCapitalPerPosition  decimal.Decimal
	MinProfitTarget        decimal.Decimal
	MaxDrawdown            float64
	EmergencyDrawdownRatio float64
	MaxConsecutiveLosses   int
	TakeProfitPct          decimal.Decimal
	StopLossPct            decimal.Decimal
	MaxLeverage            int
}

func NewPolicy(cfg *config.Config) Policy {
	r := cfg.Risk
	return Policy{
		MinConfidence:          r.MinConfidence,
		Cooldown:               r.Cooldown,
		MaxConcurrentPositions: r.MaxConcurrentPositions,
		MaxCapitalPerPosition:  num.Dec(r.MaxCapitalPerPosition),
		MinProfitTarget:        num.Dec(r.MinProfitTarget),
		MaxDrawdown:            r.MaxDrawdown,
		EmergencyDrawdownRatio: r.EmergencyDrawdownRatio,
		MaxConsecutiveLosses:   r.MaxConsecutiveLosses,
		TakeProfitPct:          num.Dec(r.TakeProfitPct),
		StopLossPct:            num.Dec(r.StopLossPct),
		MaxLeverage:            cfg.Execution.MaxLeverage,
	}
}
