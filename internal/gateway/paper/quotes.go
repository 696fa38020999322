package paper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"perpdesk/internal/gateway/exchange"

	"github.com/shopspring/decimal"
)

// QuoteSource prices the simulated fills.
type QuoteSource interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	Tickers(ctx context.Context) ([]exchange.Ticker, error)
}

// StaticQuotes serves fixed prices that tests and demos move by hand.
type StaticQuotes struct {
	mu      sync.RWMutex
	prices  map[string]decimal.Decimal
	volumes map[string]decimal.Decimal
}

func NewStaticQuotes(prices map[string]float64) *StaticQuotes {
	q := &StaticQuotes{
		prices:  make(map[string]decimal.Decimal, len(prices)),
		volumes: make(map[string]decimal.Decimal),
	}
	for sym, px := range prices {
		q.prices[strings.ToUpper(strings.TrimSpace(sym))] = decimal.NewFromFloat(px)
	}
	return q
}

func (q *StaticQuotes) Set(symbol string, price decimal.Decimal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prices[strings.ToUpper(symbol)] = price
}

func (q *StaticQuotes) SetVolume(symbol string, quoteVolume decimal.Decimal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.volumes[strings.ToUpper(symbol)] = quoteVolume
}

func (q *StaticQuotes) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	px, ok := q.prices[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no quote for %s: %w", symbol, exchange.ErrNotFound)
	}
	return px, nil
}

func (q *StaticQuotes) Tickers(context.Context) ([]exchange.Ticker, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	now := time.Now()
	out := make([]exchange.Ticker, 0, len(q.prices))
	for sym, px := range q.prices {
		out = append(out, exchange.Ticker{Symbol: sym, Price: px, QuoteVolume: q.volumes[sym], Time: now})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// ClientQuotes prices fills from a live venue's public tickers.
type ClientQuotes struct {
	client exchange.Client
}

func NewClientQuotes(client exchange.Client) *ClientQuotes {
	return &ClientQuotes{client: client}
}

func (q *ClientQuotes) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	tk, err := q.client.GetTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return tk.Price, nil
}

func (q *ClientQuotes) Tickers(ctx context.Context) ([]exchange.Ticker, error) {
	return q.client.GetAllTickers(ctx)
}
