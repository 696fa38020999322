package exchange

import (
	"context"
	"time"
)

// Client is the request/response surface the engine needs from a venue.
// Every call either succeeds or returns an error classified with the
// sentinels in errors.go; no call is retried with different parameters.
type Client interface {
	Name() string

	GetTicker(ctx context.Context, symbol string) (Ticker, error)

	GetAllTickers(ctx context.Context) ([]Ticker, error)

	// GetPositions lists open positions, all symbols when symbol is empty.
	GetPositions(ctx context.Context, symbol string) ([]PositionInfo, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	PlaceConditionalOrder(ctx context.Context, req ConditionalOrderRequest) (OrderResult, error)

	SetLeverage(ctx context.Context, symbol string, buy, sell int) error

	GetExecutionHistory(ctx context.Context, symbol string, since time.Time) ([]Execution, error)

	CancelAllOrders(ctx context.Context, symbol string) error

	InstrumentRules(ctx context.Context, symbol string) (InstrumentRules, error)
}

// KlineSource provides closed candles for scoring.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}
