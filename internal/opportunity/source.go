// Package opportunity ranks tradeable symbols. The engine consumes it only
// through Source; TechnicalSource is the reference scorer.
package opportunity

import (
	"context"

	"perpdesk/internal/position"

	"github.com/shopspring/decimal"
)

// Analysis is the scorer's read of one symbol.
type Analysis struct {
	Symbol      string          `json:"symbol"`
	Side        position.Side   `json:"side"`
	Confidence  float64         `json:"confidence"`
	Price       decimal.Decimal `json:"price"`
	Volatility  float64         `json:"volatility"`
	VolumeRatio float64         `json:"volume_ratio"`
	Strategy    string          `json:"strategy"`
}

// Opportunity is one ranked candidate. SuggestedSize is in base units.
type Opportunity struct {
	Symbol        string          `json:"symbol"`
	Side          position.Side   `json:"side"`
	Confidence    float64         `json:"confidence"`
	Score         float64         `json:"score"`
	SuggestedSize decimal.Decimal `json:"suggested_size"`
	Price         decimal.Decimal `json:"price"`
	Volatility    float64         `json:"volatility"`
	Strategy      string          `json:"strategy"`
}

type Source interface {
	EligibleAssets() []string
	AnalyzeMarket(ctx context.Context, symbol string) (Analysis, bool, error)
	// RankOpportunities returns candidates sorted by descending score.
	RankOpportunities(ctx context.Context) ([]Opportunity, error)
	// Refresh reloads the eligible asset list; ClearCaches drops short-lived
	// market data. Both run on the rotation tick.
	Refresh(ctx context.Context) error
	ClearCaches()
}
