package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"perpdesk/internal/gateway/exchange"
	"perpdesk/internal/logger"

	"github.com/shopspring/decimal"
)

// Sink receives the monitor's observations. ClosePosition reports whether
// this call finalized the position; a second close of the same id is a no-op.
type Sink interface {
	UpdatePosition(ctx context.Context, u Update) error
	ClosePosition(ctx context.Context, c Closure) (bool, error)
}

type MonitorConfig struct {
	PollInterval time.Duration
	RetryDelay   time.Duration
	MaxDuration  time.Duration
	PendingGrace time.Duration
	CallTimeout  time.Duration

	// SimulationFallbackProfit books MinProfit when an external close left
	// no execution history. Only meaningful against a simulated venue.
	SimulationFallbackProfit bool
	MinProfit                decimal.Decimal
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.PendingGrace < 0 {
		c.PendingGrace = 0
	}
	return c
}

type Monitor struct {
	client exchange.Client
	sink   Sink
	cfg    MonitorConfig
	nowFn  func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewMonitor(client exchange.Client, sink Sink, cfg MonitorConfig) *Monitor {
	return &Monitor{
		client:  client,
		sink:    sink,
		cfg:     cfg.withDefaults(),
		nowFn:   time.Now,
		running: make(map[string]context.CancelFunc),
	}
}

func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	if now != nil {
		m.nowFn = now
	}
	return m
}

// SetSink attaches the receiver after construction; the engine and the
// monitor reference each other.
func (m *Monitor) SetSink(sink Sink) {
	m.sink = sink
}

// Watch starts polling p until it reaches a terminal state or ctx ends.
// Watching an id twice is a no-op.
func (m *Monitor) Watch(ctx context.Context, p Position) {
	m.mu.Lock()
	if _, ok := m.running[p.ID]; ok {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running[p.ID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.forget(p.ID)
		m.loop(runCtx, p)
	}()
}

// Stop abandons monitoring of one position without closing it.
func (m *Monitor) Stop(id string) {
	m.mu.Lock()
	cancel, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Monitor) StopAll() {
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()
}

// Wait blocks until every monitor goroutine has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *Monitor) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.running[id]; ok {
		cancel()
		delete(m.running, id)
	}
}

func (m *Monitor) loop(ctx context.Context, p Position) {
	logger.Infof("monitor: watching %s %s %s qty=%s entry=%s tp=%s sl=%s",
		p.ID, p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.TakeProfit, p.StopLoss)
	wait := m.cfg.PollInterval
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Debugf("monitor: %s stopped: %v", p.ID, ctx.Err())
			return
		case <-timer.C:
		}
		var done bool
		wait, done = m.step(ctx, &p)
		if done {
			return
		}
	}
}

// step runs one poll and returns the delay before the next one. In-flight
// exchange calls are detached from ctx so shutdown never aborts them.
func (m *Monitor) step(ctx context.Context, p *Position) (time.Duration, bool) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CallTimeout)
	defer cancel()

	live, found, err := m.livePosition(callCtx, p)
	if err != nil {
		logger.Warnf("monitor: %s %s position poll failed, retry in %s: %v", p.ID, p.Symbol, m.cfg.RetryDelay, err)
		return m.cfg.RetryDelay, false
	}
	now := m.nowFn()

	if !found {
		if p.Status == StatusPending && now.Sub(p.OpenedAt) < m.cfg.PendingGrace {
			return m.cfg.PollInterval, false
		}
		return m.finalize(callCtx, p, m.reconstruct(callCtx, p, now))
	}

	if p.Status == StatusPending {
		p.Status = StatusActive
		if err := m.sink.UpdatePosition(callCtx, Update{ID: p.ID, Status: StatusActive, LastPrice: live.MarkPrice, At: now}); err != nil {
			logger.Warnf("monitor: %s activation not recorded: %v", p.ID, err)
		}
		logger.Infof("monitor: %s %s is ACTIVE", p.ID, p.Symbol)
	}

	tk, err := m.client.GetTicker(callCtx, p.Symbol)
	if err != nil {
		logger.Warnf("monitor: %s %s ticker failed, retry in %s: %v", p.ID, p.Symbol, m.cfg.RetryDelay, err)
		return m.cfg.RetryDelay, false
	}
	price := tk.Price
	p.LastPrice = price
	p.UnrealizedPnL = UnrealizedPnL(*p, price)
	p.UpdatedAt = now
	if err := m.sink.UpdatePosition(callCtx, Update{ID: p.ID, Status: p.Status, LastPrice: price, UnrealizedPnL: p.UnrealizedPnL, At: now}); err != nil {
		logger.Debugf("monitor: %s refresh not recorded: %v", p.ID, err)
	}

	tr, hit := Evaluate(*p, price, now, m.cfg.MaxDuration)
	if !hit {
		return m.cfg.PollInterval, false
	}

	qty := live.Amount.Abs()
	if qty.IsZero() {
		qty = p.Quantity
	}
	res, err := m.client.PlaceOrder(callCtx, exchange.OrderRequest{
		Symbol:     p.Symbol,
		Side:       p.Side.CloseSide(),
		Type:       exchange.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
	})
	if err != nil {
		logger.Errorf("monitor: %s %s close order for %s failed, position stays open: %v", p.ID, p.Symbol, tr.Reason, err)
		return m.cfg.RetryDelay, false
	}
	exit := res.AvgPrice
	if !exit.IsPositive() {
		exit = price
	}
	closure := Closure{
		ID:          p.ID,
		Status:      tr.Status,
		ExitPrice:   exit,
		RealizedPnL: UnrealizedPnL(*p, exit),
		Reason:      tr.Reason,
		ClosedAt:    now,
	}
	return m.finalize(callCtx, p, closure)
}

func (m *Monitor) livePosition(ctx context.Context, p *Position) (exchange.PositionInfo, bool, error) {
	infos, err := m.client.GetPositions(ctx, p.Symbol)
	if err != nil {
		return exchange.PositionInfo{}, false, err
	}
	want := 1
	if p.Side == Short {
		want = -1
	}
	for _, info := range infos {
		if info.Symbol == p.Symbol && info.Amount.Sign() == want {
			return info, true, nil
		}
	}
	return exchange.PositionInfo{}, false, nil
}

// reconstruct builds the closure of a position that disappeared from the
// venue without this monitor closing it.
func (m *Monitor) reconstruct(ctx context.Context, p *Position, now time.Time) Closure {
	closure := Closure{ID: p.ID, Reason: ReasonExternal, ClosedAt: now}

	execs, err := m.client.GetExecutionHistory(ctx, p.Symbol, p.OpenedAt)
	if err != nil {
		logger.Warnf("monitor: %s execution history unavailable: %v", p.ID, err)
	}
	qty, notional, realized := decimal.Zero, decimal.Zero, decimal.Zero
	for _, ex := range execs {
		if ex.Side != p.Side.CloseSide() || ex.Time.Before(p.OpenedAt) {
			continue
		}
		qty = qty.Add(ex.Quantity)
		notional = notional.Add(ex.Price.Mul(ex.Quantity))
		realized = realized.Add(ex.RealizedPnL)
	}
	if qty.IsPositive() {
		closure.ExitPrice = notional.Div(qty)
		if realized.IsZero() {
			realized = UnrealizedPnL(*p, closure.ExitPrice)
		}
		closure.RealizedPnL = realized
		closure.Status = StatusFromPnL(realized)
		return closure
	}

	if m.cfg.SimulationFallbackProfit && p.Quantity.IsPositive() {
		move := m.cfg.MinProfit.Div(p.Quantity)
		exit := p.EntryPrice.Add(move)
		if p.Side == Short {
			exit = p.EntryPrice.Sub(move)
		}
		logger.Warnf("monitor: %s closed externally with no history, booking simulated minimum profit %s", p.ID, m.cfg.MinProfit)
		closure.ExitPrice = exit
		closure.RealizedPnL = m.cfg.MinProfit
		closure.Status = StatusClosedProfit
		closure.Reason = ReasonFallbackProfit
		return closure
	}

	last := p.LastPrice
	if tk, err := m.client.GetTicker(ctx, p.Symbol); err == nil && tk.Price.IsPositive() {
		last = tk.Price
	}
	if !last.IsPositive() {
		last = p.EntryPrice
	}
	closure.ExitPrice = last
	closure.RealizedPnL = UnrealizedPnL(*p, last)
	closure.Status = StatusFromPnL(closure.RealizedPnL)
	closure.Reason = ReasonLastPrice
	logger.Warnf("monitor: %s closed externally with no history, using last price %s", p.ID, last)
	return closure
}

func (m *Monitor) finalize(ctx context.Context, p *Position, c Closure) (time.Duration, bool) {
	if err := m.client.CancelAllOrders(ctx, p.Symbol); err != nil && !errors.Is(err, exchange.ErrNotFound) {
		logger.Warnf("monitor: %s cancel protective orders failed: %v", p.ID, err)
	}
	ok, err := m.sink.ClosePosition(ctx, c)
	if err != nil {
		logger.Errorf("monitor: %s close not recorded: %v", p.ID, err)
		return 0, true
	}
	if ok {
		p.Status = c.Status
		logger.Infof("monitor: %s %s %s exit=%s pnl=%s reason=%s", p.ID, p.Symbol, c.Status, c.ExitPrice, c.RealizedPnL, c.Reason)
	}
	return 0, true
}
