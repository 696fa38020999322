package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"perpdesk/internal/gateway/exchange"
	"perpdesk/internal/gateway/paper"
	"perpdesk/internal/position"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testRules = exchange.InstrumentRules{
	Symbol:      "BTCUSDT",
	MinQty:      d("0.001"),
	QtyStep:     d("0.001"),
	MinNotional: d("5"),
	TickSize:    d("0.01"),
}

func TestResolveQuantity(t *testing.T) {
	cases := []struct {
		name      string
		suggested string
		price     string
		qty       string
		margin    string
	}{
		{"raised to min notional", "0.0004", "100", "0.05", "0.25"},
		{"rounded up to step", "0.0503", "100", "0.051", "0.255"},
		{"min qty already above notional", "0", "30000", "0.001", "1.5"},
		{"notional not divisible by step", "0", "3", "1.667", "0.25005"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := ResolveQuantity(d(tc.suggested), d(tc.price), testRules, 20)
			require.NoError(t, err)
			assert.True(t, s.Quantity.Equal(d(tc.qty)), "qty=%s", s.Quantity)
			assert.True(t, s.Margin.Equal(d(tc.margin)), "margin=%s", s.Margin)
			assert.True(t, s.Notional.GreaterThanOrEqual(testRules.MinNotional))
		})
	}
}

func TestResolveQuantityValidation(t *testing.T) {
	_, err := ResolveQuantity(d("1"), decimal.Zero, testRules, 20)
	assert.True(t, IsValidation(err))
	_, err = ResolveQuantity(d("1"), d("100"), testRules, 0)
	assert.True(t, IsValidation(err))
	_, err = ResolveQuantity(d("-1"), d("100"), testRules, 10)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "quantity", ve.Field)
}

type memRecorder struct {
	opened    []position.Position
	cooldowns map[string]time.Time
	failWith  error
}

func (r *memRecorder) RecordOpen(_ context.Context, p position.Position) error {
	if r.failWith != nil {
		return r.failWith
	}
	r.opened = append(r.opened, p)
	return nil
}

func (r *memRecorder) MarkCooldown(_ context.Context, symbol string, at time.Time) error {
	if r.cooldowns == nil {
		r.cooldowns = make(map[string]time.Time)
	}
	r.cooldowns[symbol] = at
	return nil
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordOpen(ctx context.Context, p position.Position) error {
	return m.Called(ctx, p).Error(0)
}

func (m *mockRecorder) MarkCooldown(ctx context.Context, symbol string, at time.Time) error {
	return m.Called(ctx, symbol, at).Error(0)
}

func newPaper() (*paper.Exchange, *paper.StaticQuotes) {
	quotes := paper.NewStaticQuotes(map[string]float64{"BTCUSDT": 100, "ETHUSDT": 50})
	return paper.New(quotes, paper.Rules{}), quotes
}

func testConfig() Config {
	return Config{
		MaxCapitalPerPosition: d("5"),
		TakeProfitPct:         d("0.006"),
		StopLossPct:           d("0.003"),
	}
}

func baseRequest() Request {
	return Request{
		Symbol:     "BTCUSDT",
		Side:       position.Long,
		Quantity:   d("1"),
		Price:      d("100"),
		Leverage:   20,
		Available:  d("12"),
		Confidence: 0.9,
		Strategy:   "trend",
	}
}

func TestOpenRecordsPositionAndCooldown(t *testing.T) {
	ex, _ := newPaper()
	rec := &memRecorder{}
	exec := NewExecutor(ex, rec, FallbackPolicy{}, testConfig())

	pos, err := exec.Open(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Len(t, rec.opened, 1)
	assert.Equal(t, pos.ID, rec.opened[0].ID)
	assert.Equal(t, position.StatusPending, pos.Status)
	assert.True(t, pos.Margin.Equal(d("5")))
	assert.True(t, pos.TakeProfit.Equal(d("100.6")))
	assert.True(t, pos.StopLoss.Equal(d("99.7")))
	assert.Contains(t, rec.cooldowns, "BTCUSDT")

	live, err := ex.GetPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, 20, live[0].Leverage)
}

func TestOpenInsufficientCapitalHasNoSideEffects(t *testing.T) {
	ex, _ := newPaper()
	rec := &memRecorder{}
	exec := NewExecutor(ex, rec, FallbackPolicy{}, testConfig())
	req := baseRequest()
	req.Available = d("4")

	_, err := exec.Open(context.Background(), req)
	require.ErrorIs(t, err, ErrInsufficientCapital)
	assert.Empty(t, rec.opened)
	assert.Empty(t, rec.cooldowns)
	history, err := ex.GetExecutionHistory(context.Background(), "BTCUSDT", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestOpenRejectedWithoutFallbackAbandons(t *testing.T) {
	ex, _ := newPaper()
	ex.FailNext("PlaceOrder", exchange.Rejected(-2019, "Margin is insufficient"))
	rec := &memRecorder{}
	exec := NewExecutor(ex, rec, FallbackPolicy{}, testConfig())

	_, err := exec.Open(context.Background(), baseRequest())
	require.ErrorIs(t, err, exchange.ErrRejected)
	assert.Empty(t, rec.opened)
	assert.Empty(t, rec.cooldowns)
}

func TestOpenRejectionLeavesFallbackToCaller(t *testing.T) {
	ex, _ := newPaper()
	ex.FailNext("PlaceOrder", exchange.Rejected(-4131, "price out of range"))
	rec := &memRecorder{}
	exec := NewExecutor(ex, rec, NewFallbackPolicy("eth/usdt"), testConfig())

	_, err := exec.Open(context.Background(), baseRequest())
	require.ErrorIs(t, err, exchange.ErrRejected)
	assert.Empty(t, rec.opened, "no order is placed on the fallback symbol")
	assert.Empty(t, rec.cooldowns)

	sym, ok := exec.FallbackTarget(baseRequest(), err)
	assert.True(t, ok)
	assert.Equal(t, "ETHUSDT", sym)
	history, err := ex.GetExecutionHistory(context.Background(), "ETHUSDT", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestFallbackPolicyTarget(t *testing.T) {
	f := NewFallbackPolicy("ETHUSDT")
	rejected := exchange.Rejected(-1, "no")

	sym, ok := f.Target(baseRequest(), rejected)
	assert.True(t, ok)
	assert.Equal(t, "ETHUSDT", sym)

	_, ok = f.Target(baseRequest(), exchange.ErrNetwork)
	assert.False(t, ok)

	req := baseRequest()
	req.Held = []string{"ETHUSDT"}
	_, ok = f.Target(req, rejected)
	assert.False(t, ok)

	req = baseRequest()
	req.Symbol = "ETHUSDT"
	_, ok = f.Target(req, rejected)
	assert.False(t, ok)

	_, ok = FallbackPolicy{}.Target(baseRequest(), rejected)
	assert.False(t, ok)
}

func TestOpenRecorderFailureRollsBack(t *testing.T) {
	ex, _ := newPaper()
	rec := new(mockRecorder)
	rec.On("RecordOpen", mock.Anything, mock.AnythingOfType("position.Position")).Return(errors.New("ledger refused reservation"))
	exec := NewExecutor(ex, rec, FallbackPolicy{}, testConfig())

	_, err := exec.Open(context.Background(), baseRequest())
	require.Error(t, err)
	rec.AssertNotCalled(t, "MarkCooldown", mock.Anything, mock.Anything, mock.Anything)

	live, err := ex.GetPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestOpenPlacesProtectiveOrders(t *testing.T) {
	ex, _ := newPaper()
	cfg := testConfig()
	cfg.ProtectiveOrders = true
	exec := NewExecutor(ex, &memRecorder{}, FallbackPolicy{}, cfg)
	req := baseRequest()
	req.Side = position.Short

	pos, err := exec.Open(context.Background(), req)
	require.NoError(t, err)
	orders := ex.OpenConditionals("BTCUSDT")
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, exchange.SideBuy, o.Side)
		assert.True(t, o.ClosePosition)
	}
	assert.True(t, pos.TakeProfit.Equal(d("99.4")))
	assert.True(t, pos.StopLoss.Equal(d("100.3")))
}

func TestOpenValidatesRequest(t *testing.T) {
	ex, _ := newPaper()
	exec := NewExecutor(ex, &memRecorder{}, FallbackPolicy{}, testConfig())
	req := baseRequest()
	req.Side = "up"
	_, err := exec.Open(context.Background(), req)
	assert.True(t, IsValidation(err))
}
