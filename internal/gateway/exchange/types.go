// Package exchange defines the venue-neutral perpetual-futures client the
// engine trades through. Adapters live in sibling packages (binance, paper).
package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite is the side that reduces a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
)

// Ticker is a last-price snapshot with 24h statistics when the venue has them.
type Ticker struct {
	Symbol      string
	Price       decimal.Decimal
	QuoteVolume decimal.Decimal
	ChangePct   float64
	Time        time.Time
}

// PositionInfo is the venue's view of a one-way position. Amount is signed:
// positive long, negative short, zero flat.
type PositionInfo struct {
	Symbol        string
	Amount        decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      int
	UpdatedAt     time.Time
}

func (p PositionInfo) IsOpen() bool {
	return !p.Amount.IsZero()
}

type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// ConditionalOrderRequest is a trigger order resting on the venue.
// ClosePosition closes whatever is open when the trigger fires.
type ConditionalOrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	ClosePosition bool
}

type OrderResult struct {
	OrderID     string
	Symbol      string
	Status      string
	AvgPrice    decimal.Decimal
	ExecutedQty decimal.Decimal
	Time        time.Time
}

// Execution is one fill from the account trade history.
type Execution struct {
	Symbol      string
	OrderID     string
	Side        Side
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	RealizedPnL decimal.Decimal
	Fee         decimal.Decimal
	Time        time.Time
}

// InstrumentRules are the order constraints of a contract.
type InstrumentRules struct {
	Symbol      string
	MinQty      decimal.Decimal
	QtyStep     decimal.Decimal
	MinNotional decimal.Decimal
	TickSize    decimal.Decimal
}

type Kline struct {
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}
