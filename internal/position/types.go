// Package position models a leveraged trade from placement to close and
// drives each open one with a polling monitor.
package position

import (
	"time"

	"perpdesk/internal/gateway/exchange"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// ParseSide accepts long/short and the order-side spellings buy/sell.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "long", "LONG", "buy", "BUY":
		return Long, true
	case "short", "SHORT", "sell", "SELL":
		return Short, true
	}
	return "", false
}

// OrderSide is the order side that opens the position.
func (s Side) OrderSide() exchange.Side {
	if s == Short {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// CloseSide is the order side that reduces the position.
func (s Side) CloseSide() exchange.Side {
	return s.OrderSide().Opposite()
}

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusActive        Status = "ACTIVE"
	StatusClosedProfit  Status = "CLOSED_PROFIT"
	StatusClosedLoss    Status = "CLOSED_LOSS"
	StatusClosedTimeout Status = "CLOSED_TIMEOUT"
)

func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusActive
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusClosedProfit, StatusClosedLoss, StatusClosedTimeout:
		return true
	}
	return false
}

// Close reasons recorded on trade history.
const (
	ReasonTakeProfit     = "take_profit"
	ReasonStopLoss       = "stop_loss"
	ReasonTimeout        = "timeout"
	ReasonExternal       = "external"
	ReasonLastPrice      = "external_last_price"
	ReasonFallbackProfit = "simulated_min_profit"
	ReasonReconcile      = "reconcile"
	ReasonAdminReset     = "admin_reset"
)

// Position is an open trade. Its ID is the exchange order id of the entry.
type Position struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Leverage      int             `json:"leverage"`
	Margin        decimal.Decimal `json:"margin"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	TakeProfit    decimal.Decimal `json:"take_profit"`
	OpenedAt      time.Time       `json:"opened_at"`
	Status        Status          `json:"status"`
	LastPrice     decimal.Decimal `json:"last_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Strategy      string          `json:"strategy,omitempty"`
	Confidence    float64         `json:"confidence"`
}

func (p Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// Record is the immutable history entry written when a position closes.
type Record struct {
	Position
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason"`
	ClosedAt    time.Time       `json:"closed_at"`
}

func (r Record) Won() bool {
	return r.RealizedPnL.IsPositive()
}

func (r Record) Held() time.Duration {
	return r.ClosedAt.Sub(r.OpenedAt)
}

// Update carries a non-terminal refresh of a position.
type Update struct {
	ID            string
	Status        Status
	LastPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	At            time.Time
}

// Closure carries the terminal transition of a position.
type Closure struct {
	ID          string
	Status      Status
	ExitPrice   decimal.Decimal
	RealizedPnL decimal.Decimal
	Reason      string
	ClosedAt    time.Time
}

// Archive turns p into its history record.
func Archive(p Position, c Closure) Record {
	p.Status = c.Status
	p.LastPrice = c.ExitPrice
	p.UnrealizedPnL = decimal.Zero
	p.UpdatedAt = c.ClosedAt
	return Record{
		Position:    p,
		ExitPrice:   c.ExitPrice,
		RealizedPnL: c.RealizedPnL,
		Reason:      c.Reason,
		ClosedAt:    c.ClosedAt,
	}
}
