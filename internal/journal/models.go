package journal

import (
	"time"

	"gorm.io/datatypes"
)

type eventModel struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement"`
	EventID   string         `gorm:"column:event_id;index"`
	Type      string         `gorm:"column:type;index"`
	Symbol    string         `gorm:"column:symbol;index"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	CreatedAt time.Time      `gorm:"column:created_at;index"`
}

func (eventModel) TableName() string { return "engine_events" }

type tradeModel struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	PositionID  string    `gorm:"column:position_id;uniqueIndex"`
	Symbol      string    `gorm:"column:symbol;index"`
	Side        string    `gorm:"column:side"`
	Strategy    string    `gorm:"column:strategy"`
	Quantity    string    `gorm:"column:quantity"`
	EntryPrice  string    `gorm:"column:entry_price"`
	ExitPrice   string    `gorm:"column:exit_price"`
	Leverage    int       `gorm:"column:leverage"`
	Margin      string    `gorm:"column:margin"`
	StopLoss    string    `gorm:"column:stop_loss"`
	TakeProfit  string    `gorm:"column:take_profit"`
	RealizedPnL string    `gorm:"column:realized_pnl"`
	Status      string    `gorm:"column:status;index"`
	Reason      string    `gorm:"column:reason"`
	Confidence  float64   `gorm:"column:confidence"`
	OpenedAt    time.Time `gorm:"column:opened_at"`
	ClosedAt    time.Time `gorm:"column:closed_at;index"`
}

func (tradeModel) TableName() string { return "trade_records" }
