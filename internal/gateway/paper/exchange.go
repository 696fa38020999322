// Package paper is an in-memory perpetual-futures venue. Market orders fill
// at the current quote, positions are one-way and netted, and conditional
// orders trigger when a later price read crosses them.
package paper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"perpdesk/internal/gateway/exchange"
	"perpdesk/internal/logger"
	"perpdesk/internal/pkg/id"

	"github.com/shopspring/decimal"
)

const maxLeverage = 125

type Rules struct {
	MinQty      decimal.Decimal
	QtyStep     decimal.Decimal
	MinNotional decimal.Decimal
	TickSize    decimal.Decimal
}

func DefaultRules() Rules {
	return Rules{
		MinQty:      decimal.RequireFromString("0.001"),
		QtyStep:     decimal.RequireFromString("0.001"),
		MinNotional: decimal.NewFromInt(5),
		TickSize:    decimal.RequireFromString("0.01"),
	}
}

type position struct {
	amount   decimal.Decimal
	entry    decimal.Decimal
	leverage int
	updated  time.Time
}

type conditional struct {
	id  string
	req exchange.ConditionalOrderRequest
}

type Exchange struct {
	quotes QuoteSource
	rules  Rules

	mu           sync.Mutex
	symbolRules  map[string]exchange.InstrumentRules
	positions    map[string]*position
	leverage     map[string]int
	conditionals map[string][]conditional
	executions   []exchange.Execution
	failures     map[string][]error
	nowFn        func() time.Time
}

func New(quotes QuoteSource, rules Rules) *Exchange {
	def := DefaultRules()
	if rules.MinQty.IsZero() {
		rules.MinQty = def.MinQty
	}
	if rules.QtyStep.IsZero() {
		rules.QtyStep = def.QtyStep
	}
	if rules.MinNotional.IsZero() {
		rules.MinNotional = def.MinNotional
	}
	if rules.TickSize.IsZero() {
		rules.TickSize = def.TickSize
	}
	return &Exchange{
		quotes:       quotes,
		rules:        rules,
		symbolRules:  make(map[string]exchange.InstrumentRules),
		positions:    make(map[string]*position),
		leverage:     make(map[string]int),
		conditionals: make(map[string][]conditional),
		failures:     make(map[string][]error),
		nowFn:        time.Now,
	}
}

func (e *Exchange) WithClock(now func() time.Time) *Exchange {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now != nil {
		e.nowFn = now
	}
	return e
}

func (e *Exchange) Name() string { return "paper" }

// FailNext makes the next call of method return err. Calls queue in order.
func (e *Exchange) FailNext(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[method] = append(e.failures[method], err)
}

func (e *Exchange) SetRules(rules exchange.InstrumentRules) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.symbolRules[strings.ToUpper(rules.Symbol)] = rules
}

func (e *Exchange) injected(method string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	queue := e.failures[method]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	e.failures[method] = queue[1:]
	return err
}

func (e *Exchange) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	if err := e.injected("GetTicker"); err != nil {
		return exchange.Ticker{}, err
	}
	symbol = strings.ToUpper(symbol)
	px, err := e.quotes.Price(ctx, symbol)
	if err != nil {
		return exchange.Ticker{}, err
	}
	e.mu.Lock()
	e.triggerLocked(symbol, px)
	now := e.nowFn()
	e.mu.Unlock()
	return exchange.Ticker{Symbol: symbol, Price: px, Time: now}, nil
}

func (e *Exchange) GetAllTickers(ctx context.Context) ([]exchange.Ticker, error) {
	if err := e.injected("GetAllTickers"); err != nil {
		return nil, err
	}
	return e.quotes.Tickers(ctx)
}

func (e *Exchange) GetPositions(ctx context.Context, symbol string) ([]exchange.PositionInfo, error) {
	if err := e.injected("GetPositions"); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)
	e.mu.Lock()
	var symbols []string
	for sym := range e.positions {
		if symbol == "" || sym == symbol {
			symbols = append(symbols, sym)
		}
	}
	e.mu.Unlock()
	sort.Strings(symbols)

	prices := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		px, err := e.quotes.Price(ctx, sym)
		if err != nil {
			return nil, err
		}
		prices[sym] = px
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]exchange.PositionInfo, 0, len(symbols))
	for _, sym := range symbols {
		px := prices[sym]
		e.triggerLocked(sym, px)
		pos, ok := e.positions[sym]
		if !ok {
			continue
		}
		out = append(out, exchange.PositionInfo{
			Symbol:        sym,
			Amount:        pos.amount,
			EntryPrice:    pos.entry,
			MarkPrice:     px,
			UnrealizedPnL: px.Sub(pos.entry).Mul(pos.amount),
			Leverage:      pos.leverage,
			UpdatedAt:     pos.updated,
		})
	}
	return out, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if err := e.injected("PlaceOrder"); err != nil {
		return exchange.OrderResult{}, err
	}
	symbol := strings.ToUpper(req.Symbol)
	if req.Type != "" && req.Type != exchange.OrderTypeMarket {
		return exchange.OrderResult{}, exchange.Rejected(-1116, fmt.Sprintf("unsupported order type %s", req.Type))
	}
	if !req.Quantity.IsPositive() {
		return exchange.OrderResult{}, exchange.Rejected(-4003, "quantity less than or equal to zero")
	}
	px, err := e.quotes.Price(ctx, symbol)
	if err != nil {
		return exchange.OrderResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !req.ReduceOnly {
		rules := e.rulesLocked(symbol)
		if req.Quantity.LessThan(rules.MinQty) {
			return exchange.OrderResult{}, exchange.Rejected(-4003, "quantity below minimum")
		}
		if req.Quantity.Mul(px).LessThan(rules.MinNotional) {
			return exchange.OrderResult{}, exchange.Rejected(-4164, "order notional too small")
		}
	}
	filled, err := e.fillLocked(symbol, req.Side, req.Quantity, px, req.ReduceOnly)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	return filled, nil
}

func (e *Exchange) PlaceConditionalOrder(_ context.Context, req exchange.ConditionalOrderRequest) (exchange.OrderResult, error) {
	if err := e.injected("PlaceConditionalOrder"); err != nil {
		return exchange.OrderResult{}, err
	}
	switch req.Type {
	case exchange.OrderTypeTakeProfitMarket, exchange.OrderTypeStopMarket:
	default:
		return exchange.OrderResult{}, exchange.Rejected(-1116, fmt.Sprintf("unsupported conditional type %s", req.Type))
	}
	if !req.StopPrice.IsPositive() {
		return exchange.OrderResult{}, exchange.Rejected(-2021, "stop price must be positive")
	}
	if !req.ClosePosition && !req.Quantity.IsPositive() {
		return exchange.OrderResult{}, exchange.Rejected(-4003, "quantity less than or equal to zero")
	}
	symbol := strings.ToUpper(req.Symbol)
	req.Symbol = symbol

	e.mu.Lock()
	defer e.mu.Unlock()
	c := conditional{id: id.ULID(), req: req}
	e.conditionals[symbol] = append(e.conditionals[symbol], c)
	return exchange.OrderResult{OrderID: c.id, Symbol: symbol, Status: "NEW", Time: e.nowFn()}, nil
}

func (e *Exchange) SetLeverage(_ context.Context, symbol string, buy, sell int) error {
	if err := e.injected("SetLeverage"); err != nil {
		return err
	}
	lev := buy
	if sell > lev {
		lev = sell
	}
	if lev <= 0 || lev > maxLeverage {
		return exchange.Rejected(-4028, fmt.Sprintf("leverage %d is not valid", lev))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage[strings.ToUpper(symbol)] = lev
	return nil
}

func (e *Exchange) GetExecutionHistory(_ context.Context, symbol string, since time.Time) ([]exchange.Execution, error) {
	if err := e.injected("GetExecutionHistory"); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []exchange.Execution
	for _, ex := range e.executions {
		if symbol != "" && ex.Symbol != symbol {
			continue
		}
		if !since.IsZero() && ex.Time.Before(since) {
			continue
		}
		out = append(out, ex)
	}
	return out, nil
}

func (e *Exchange) CancelAllOrders(_ context.Context, symbol string) error {
	if err := e.injected("CancelAllOrders"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conditionals, strings.ToUpper(symbol))
	return nil
}

func (e *Exchange) InstrumentRules(_ context.Context, symbol string) (exchange.InstrumentRules, error) {
	if err := e.injected("InstrumentRules"); err != nil {
		return exchange.InstrumentRules{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rulesLocked(strings.ToUpper(symbol)), nil
}

// OpenConditionals returns the resting trigger orders for symbol.
func (e *Exchange) OpenConditionals(symbol string) []exchange.ConditionalOrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.conditionals[strings.ToUpper(symbol)]
	out := make([]exchange.ConditionalOrderRequest, 0, len(list))
	for _, c := range list {
		out = append(out, c.req)
	}
	return out
}

func (e *Exchange) rulesLocked(symbol string) exchange.InstrumentRules {
	if r, ok := e.symbolRules[symbol]; ok {
		return r
	}
	return exchange.InstrumentRules{
		Symbol:      symbol,
		MinQty:      e.rules.MinQty,
		QtyStep:     e.rules.QtyStep,
		MinNotional: e.rules.MinNotional,
		TickSize:    e.rules.TickSize,
	}
}

func (e *Exchange) fillLocked(symbol string, side exchange.Side, qty, px decimal.Decimal, reduceOnly bool) (exchange.OrderResult, error) {
	delta := qty
	if side == exchange.SideSell {
		delta = qty.Neg()
	}
	pos := e.positions[symbol]
	cur := decimal.Zero
	if pos != nil {
		cur = pos.amount
	}
	if reduceOnly {
		if cur.IsZero() || cur.Sign() == delta.Sign() {
			return exchange.OrderResult{}, exchange.Rejected(-2022, "ReduceOnly Order is rejected")
		}
		if delta.Abs().GreaterThan(cur.Abs()) {
			delta = cur.Neg()
		}
	}

	now := e.nowFn()
	realized := decimal.Zero
	switch {
	case pos == nil:
		pos = &position{amount: delta, entry: px, leverage: e.leverageLocked(symbol)}
		e.positions[symbol] = pos
	case cur.Sign() == delta.Sign():
		total := cur.Add(delta)
		pos.entry = pos.entry.Mul(cur.Abs()).Add(px.Mul(delta.Abs())).Div(total.Abs())
		pos.amount = total
	default:
		closed := decimal.Min(delta.Abs(), cur.Abs())
		realized = px.Sub(pos.entry).Mul(closed)
		if cur.IsNegative() {
			realized = realized.Neg()
		}
		pos.amount = cur.Add(delta)
		if pos.amount.Sign() != 0 && pos.amount.Sign() != cur.Sign() {
			pos.entry = px
		}
	}
	pos.updated = now
	if pos.amount.IsZero() {
		delete(e.positions, symbol)
		delete(e.conditionals, symbol)
	}

	orderID := id.ULID()
	e.executions = append(e.executions, exchange.Execution{
		Symbol:      symbol,
		OrderID:     orderID,
		Side:        side,
		Price:       px,
		Quantity:    delta.Abs(),
		RealizedPnL: realized,
		Time:        now,
	})
	return exchange.OrderResult{
		OrderID:     orderID,
		Symbol:      symbol,
		Status:      "FILLED",
		AvgPrice:    px,
		ExecutedQty: delta.Abs(),
		Time:        now,
	}, nil
}

func (e *Exchange) leverageLocked(symbol string) int {
	if lev, ok := e.leverage[symbol]; ok {
		return lev
	}
	return 1
}

// triggerLocked fires conditional orders crossed by px.
func (e *Exchange) triggerLocked(symbol string, px decimal.Decimal) {
	list := e.conditionals[symbol]
	if len(list) == 0 {
		return
	}
	var remaining []conditional
	for _, c := range list {
		if !crossed(c.req, px) {
			remaining = append(remaining, c)
			continue
		}
		pos := e.positions[symbol]
		if pos == nil {
			continue
		}
		qty := c.req.Quantity
		if c.req.ClosePosition || qty.IsZero() {
			qty = pos.amount.Abs()
		}
		if _, err := e.fillLocked(symbol, c.req.Side, qty, px, true); err != nil {
			logger.Debugf("paper: conditional %s on %s skipped: %v", c.id, symbol, err)
			continue
		}
		logger.Infof("paper: %s %s triggered at %s", symbol, c.req.Type, px)
		if _, open := e.positions[symbol]; !open {
			return
		}
	}
	if _, open := e.positions[symbol]; open {
		e.conditionals[symbol] = remaining
	}
}

func crossed(req exchange.ConditionalOrderRequest, px decimal.Decimal) bool {
	// A SELL trigger protects a long, a BUY trigger protects a short.
	switch req.Type {
	case exchange.OrderTypeTakeProfitMarket:
		if req.Side == exchange.SideSell {
			return px.GreaterThanOrEqual(req.StopPrice)
		}
		return px.LessThanOrEqual(req.StopPrice)
	case exchange.OrderTypeStopMarket:
		if req.Side == exchange.SideSell {
			return px.LessThanOrEqual(req.StopPrice)
		}
		return px.GreaterThanOrEqual(req.StopPrice)
	}
	return false
}
