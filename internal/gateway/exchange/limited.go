package exchange

import (
	"context"
	"time"

	"perpdesk/internal/ratelimit"
)

// Limited routes every call of the wrapped client through a rate limiter.
type Limited struct {
	inner   Client
	limiter *ratelimit.Limiter
}

func NewLimited(inner Client, limiter *ratelimit.Limiter) *Limited {
	return &Limited{inner: inner, limiter: limiter}
}

func (l *Limited) Limiter() *ratelimit.Limiter {
	return l.limiter
}

func (l *Limited) Name() string {
	return l.inner.Name()
}

func (l *Limited) GetTicker(ctx context.Context, symbol string) (out Ticker, err error) {
	err = l.limiter.Do(ctx, func(ctx context.Context) error {
		out, err = l.inner.GetTicker(ctx, symbol)
		return err
	})
	return out, err
}

func (l *Limited) GetAllTickers(ctx context.Context) (out []Ticker, err error) {
	err = l.limiter.Do(ctx, func(ctx context.Context) error {
		out, err = l.inner.GetAllTickers(ctx)
		return err
	})
	return out, err
}

func (l *Limited) GetPositions(ctx context.Context, symbol string) (out []PositionInfo, err error) {
	err = l.limiter.Do(ctx, func(ctx context.Context) error {
		out, err = l.inner.GetPositions(ctx, symbol)
		return err
	})
	return out, err
}

func (l *Limited) PlaceOrder(ctx context.Context, req OrderRequest) (out OrderResult, err error) {
	err = l.limiter.Do(ctx, func(ctx context.Context) error {
		out, err = l.inner.PlaceOrder(ctx, req)
		return err
	})
	return out, err
}

func (l *Limited) PlaceConditionalOrder(ctx context.Context, req ConditionalOrderRequest) (out OrderResult, err error) {
	err = l.limiter.Do(ctx, func(ctx context.Context) error {
		out, err = l.inner.PlaceConditionalOrder(ctx, req)
		return err
	})
	return out, err
}

func (l *Limited) SetLeverage(ctx context.Context, symbol string, buy, sell int) error {
	return l.limiter.Do(ctx, func(ctx context.Context) error {
		return l.inner.SetLeverage(ctx, symbol, buy, sell)
	})
}

func (l *Limited) GetExecutionHistory(ctx context.Context, symbol string, since time.Time) (out []Execution, err error) {
	err = l.limiter.Do(ctx, func(ctx context.Context) error {
		out, err = l.inner.GetExecutionHistory(ctx, symbol, since)
		return err
	})
	return out, err
}

func (l *Limited) CancelAllOrders(ctx context.Context, symbol string) error {
	return l.limiter.Do(ctx, func(ctx context.Context) error {
		return l.inner.CancelAllOrders(ctx, symbol)
	})
}

func (l *Limited) InstrumentRules(ctx context.Context, symbol string) (out InstrumentRules, err error) {
	err = l.limiter.Do(ctx, func(ctx context.Context) error {
		out, err = l.inner.InstrumentRules(ctx, symbol)
		return err
	})
	return out, err
}

// Klines is limited too when the wrapped client can serve candles.
func (l *Limited) Klines(ctx context.Context, symbol, interval string, limit int) (out []Kline, err error) {
	src, ok := l.inner.(KlineSource)
	if !ok {
		return nil, ErrNotFound
	}
	err = l.limiter.Do(ctx, func(ctx context.Context) error {
		out, err = src.Klines(ctx, symbol, interval, limit)
		return err
	})
	return out, err
}
