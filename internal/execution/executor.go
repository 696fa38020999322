// Package execution sizes and places entry orders and hands the resulting
// position to the engine. It owns no state: capital is reserved by the
// Recorder, which is the engine actor.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"perpdesk/internal/gateway/exchange"
	"perpdesk/internal/logger"
	"perpdesk/internal/pkg/num"
	"perpdesk/internal/position"

	"github.com/shopspring/decimal"
)

// Recorder commits an accepted order. RecordOpen must reserve the margin and
// append the position as one step, or do neither and return an error.
type Recorder interface {
	RecordOpen(ctx context.Context, p position.Position) error
	MarkCooldown(ctx context.Context, symbol string, at time.Time) error
}

type Config struct {
	MaxCapitalPerPosition decimal.Decimal
	TakeProfitPct         decimal.Decimal
	StopLossPct           decimal.Decimal
	ProtectiveOrders      bool
	CallTimeout           time.Duration
}

// Request is an admitted trade. Quantity is the suggested size; Available is
// the free capital observed inside the execution lock.
type Request struct {
	Symbol     string
	Side       position.Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Leverage   int
	Available  decimal.Decimal
	Confidence float64
	Strategy   string
	// Held lists symbols with open positions; the fallback never targets one.
	Held []string
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return invalid("symbol", "empty")
	}
	if r.Side != position.Long && r.Side != position.Short {
		return invalid("side", "unknown side %q", r.Side)
	}
	if !r.Price.IsPositive() {
		return invalid("price", "must be positive, got %s", r.Price)
	}
	if r.Leverage <= 0 {
		return invalid("leverage", "must be positive, got %d", r.Leverage)
	}
	return nil
}

type Executor struct {
	client   exchange.Client
	recorder Recorder
	fallback FallbackPolicy
	cfg      Config
	nowFn    func() time.Time
}

func NewExecutor(client exchange.Client, recorder Recorder, fallback FallbackPolicy, cfg Config) *Executor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Executor{
		client:   client,
		recorder: recorder,
		fallback: fallback,
		cfg:      cfg,
		nowFn:    time.Now,
	}
}

func (e *Executor) WithClock(now func() time.Time) *Executor {
	if now != nil {
		e.nowFn = now
	}
	return e
}

// SetRecorder attaches the recorder after construction.
func (e *Executor) SetRecorder(r Recorder) {
	e.recorder = r
}

// Open runs the entry pipeline for req once. A rejection is returned as is;
// the caller decides whether FallbackTarget applies and admits the retry
// through its own gate.
func (e *Executor) Open(ctx context.Context, req Request) (*position.Position, error) {
	return e.open(ctx, req)
}

// FallbackTarget reports the symbol the fallback policy names for a failed
// req, if any.
func (e *Executor) FallbackTarget(req Request, err error) (string, bool) {
	return e.fallback.Target(req, err)
}

func (e *Executor) open(ctx context.Context, req Request) (*position.Position, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	defer cancel()

	rules, err := e.client.InstrumentRules(callCtx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("instrument rules %s: %w", req.Symbol, err)
	}
	size, err := ResolveQuantity(req.Quantity, req.Price, rules, req.Leverage)
	if err != nil {
		return nil, err
	}
	if size.Margin.GreaterThan(req.Available) {
		return nil, fmt.Errorf("%w: %s needs %s, available %s", ErrInsufficientCapital, req.Symbol,
			size.Margin.StringFixed(4), req.Available.StringFixed(4))
	}
	if e.cfg.MaxCapitalPerPosition.IsPositive() && size.Margin.GreaterThan(e.cfg.MaxCapitalPerPosition) {
		return nil, fmt.Errorf("%w: %s needs %s, per-position cap %s", ErrInsufficientCapital, req.Symbol,
			size.Margin.StringFixed(4), e.cfg.MaxCapitalPerPosition.StringFixed(4))
	}

	if err := e.client.SetLeverage(callCtx, req.Symbol, req.Leverage, req.Leverage); err != nil {
		return nil, fmt.Errorf("set leverage %s %dx: %w", req.Symbol, req.Leverage, err)
	}
	res, err := e.client.PlaceOrder(callCtx, exchange.OrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side.OrderSide(),
		Type:     exchange.OrderTypeMarket,
		Quantity: size.Quantity,
	})
	if err != nil {
		return nil, fmt.Errorf("place order %s %s %s: %w", req.Symbol, req.Side, size.Quantity, err)
	}

	pos := e.buildPosition(req, size, rules, res)
	logger.Infof("Executor: opened %s %s qty=%s entry=%s margin=%s tp=%s sl=%s order=%s",
		pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, pos.Margin.StringFixed(4), pos.TakeProfit, pos.StopLoss, pos.ID)

	if e.cfg.ProtectiveOrders {
		e.placeProtection(callCtx, pos)
	}

	if err := e.recorder.RecordOpen(ctx, pos); err != nil {
		logger.Errorf("Executor: %s %s accepted by exchange but not recorded, rolling back: %v", pos.Symbol, pos.ID, err)
		e.rollback(callCtx, pos)
		return nil, fmt.Errorf("record %s: %w", pos.ID, err)
	}
	if err := e.recorder.MarkCooldown(ctx, pos.Symbol, pos.OpenedAt); err != nil {
		logger.Warnf("Executor: cooldown for %s not recorded: %v", pos.Symbol, err)
	}
	return &pos, nil
}

func (e *Executor) buildPosition(req Request, size Sizing, rules exchange.InstrumentRules, res exchange.OrderResult) position.Position {
	qty := size.Quantity
	if res.ExecutedQty.IsPositive() {
		qty = res.ExecutedQty
	}
	entry := req.Price
	if res.AvgPrice.IsPositive() {
		entry = res.AvgPrice
	}
	opened := res.Time
	if opened.IsZero() {
		opened = e.nowFn()
	}
	side := string(req.Side)
	return position.Position{
		ID:         res.OrderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   qty,
		EntryPrice: entry,
		Leverage:   req.Leverage,
		Margin:     qty.Mul(entry).Div(decimal.NewFromInt(int64(req.Leverage))),
		TakeProfit: num.RoundToTick(num.RelativePrice(entry, e.cfg.TakeProfitPct, side), rules.TickSize),
		StopLoss:   num.RoundToTick(num.RelativePrice(entry, e.cfg.StopLossPct.Neg(), side), rules.TickSize),
		OpenedAt:   opened,
		Status:     position.StatusPending,
		LastPrice:  entry,
		UpdatedAt:  opened,
		Strategy:   req.Strategy,
		Confidence: req.Confidence,
	}
}

// placeProtection rests exchange-side TP and SL orders. A failure is logged
// only; the monitor still enforces both levels.
func (e *Executor) placeProtection(ctx context.Context, pos position.Position) {
	orders := []exchange.ConditionalOrderRequest{
		{Symbol: pos.Symbol, Side: pos.Side.CloseSide(), Type: exchange.OrderTypeStopMarket, StopPrice: pos.StopLoss, Quantity: pos.Quantity, ClosePosition: true},
		{Symbol: pos.Symbol, Side: pos.Side.CloseSide(), Type: exchange.OrderTypeTakeProfitMarket, StopPrice: pos.TakeProfit, Quantity: pos.Quantity, ClosePosition: true},
	}
	for _, o := range orders {
		if _, err := e.client.PlaceConditionalOrder(ctx, o); err != nil {
			logger.Warnf("Executor: %s %s at %s not placed: %v", pos.Symbol, o.Type, o.StopPrice, err)
		}
	}
}

func (e *Executor) rollback(ctx context.Context, pos position.Position) {
	if _, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side.CloseSide(),
		Type:       exchange.OrderTypeMarket,
		Quantity:   pos.Quantity,
		ReduceOnly: true,
	}); err != nil {
		logger.Errorf("Executor: ROLLBACK FAILED for %s %s qty=%s, flatten manually: %v", pos.Symbol, pos.ID, pos.Quantity, err)
	}
	if err := e.client.CancelAllOrders(ctx, pos.Symbol); err != nil && !errors.Is(err, exchange.ErrNotFound) {
		logger.Warnf("Executor: cancel orders for %s after rollback failed: %v", pos.Symbol, err)
	}
}
