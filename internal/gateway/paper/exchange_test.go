package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"perpdesk/internal/gateway/exchange"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestExchange() (*Exchange, *StaticQuotes) {
	q := NewStaticQuotes(map[string]float64{"BTCUSDT": 100, "ETHUSDT": 10})
	return New(q, Rules{}), q
}

func TestMarketOrderOpensAndClosesWithRealizedPnL(t *testing.T) {
	ctx := context.Background()
	ex, q := newTestExchange()
	require.NoError(t, ex.SetLeverage(ctx, "BTCUSDT", 20, 20))

	res, err := ex.PlaceOrder(ctx, exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Quantity: d("1")})
	require.NoError(t, err)
	assert.Equal(t, "FILLED", res.Status)
	assert.Len(t, res.OrderID, 26)

	positions, err := ex.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Amount.Equal(d("1")))
	assert.Equal(t, 20, positions[0].Leverage)

	q.Set("BTCUSDT", d("101"))
	_, err = ex.PlaceOrder(ctx, exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideSell, Type: exchange.OrderTypeMarket, Quantity: d("1"), ReduceOnly: true})
	require.NoError(t, err)

	positions, err = ex.GetPositions(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, positions)

	hist, err := ex.GetExecutionHistory(ctx, "BTCUSDT", res.Time)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.True(t, hist[1].RealizedPnL.Equal(d("1")), hist[1].RealizedPnL.String())
}

func TestShortRealizedPnL(t *testing.T) {
	ctx := context.Background()
	ex, q := newTestExchange()
	_, err := ex.PlaceOrder(ctx, exchange.OrderRequest{Symbol: "ETHUSDT", Side: exchange.SideSell, Quantity: d("2")})
	require.NoError(t, err)
	q.Set("ETHUSDT", d("9"))
	_, err = ex.PlaceOrder(ctx, exchange.OrderRequest{Symbol: "ETHUSDT", Side: exchange.SideBuy, Quantity: d("5"), ReduceOnly: true})
	require.NoError(t, err)
	hist, err := ex.GetExecutionHistory(ctx, "ETHUSDT", time.Time{})
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.True(t, hist[1].Quantity.Equal(d("2")))
	assert.True(t, hist[1].RealizedPnL.Equal(d("2")))
}

func TestReduceOnlyWithoutPositionRejected(t *testing.T) {
	ex, _ := newTestExchange()
	_, err := ex.PlaceOrder(context.Background(), exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideSell, Quantity: d("1"), ReduceOnly: true})
	assert.ErrorIs(t, err, exchange.ErrRejected)
}

func TestMinNotionalEnforced(t *testing.T) {
	ex, _ := newTestExchange()
	_, err := ex.PlaceOrder(context.Background(), exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: d("0.01")})
	assert.ErrorIs(t, err, exchange.ErrRejected)
}

func TestConditionalTakeProfitTriggers(t *testing.T) {
	ctx := context.Background()
	ex, q := newTestExchange()
	_, err := ex.PlaceOrder(ctx, exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: d("1")})
	require.NoError(t, err)
	_, err = ex.PlaceConditionalOrder(ctx, exchange.ConditionalOrderRequest{Symbol: "BTCUSDT", Side: exchange.SideSell, Type: exchange.OrderTypeTakeProfitMarket, StopPrice: d("100.6"), ClosePosition: true})
	require.NoError(t, err)
	_, err = ex.PlaceConditionalOrder(ctx, exchange.ConditionalOrderRequest{Symbol: "BTCUSDT", Side: exchange.SideSell, Type: exchange.OrderTypeStopMarket, StopPrice: d("99.7"), ClosePosition: true})
	require.NoError(t, err)
	assert.Len(t, ex.OpenConditionals("BTCUSDT"), 2)

	q.Set("BTCUSDT", d("100.5"))
	positions, err := ex.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, positions, 1)

	q.Set("BTCUSDT", d("100.7"))
	positions, err = ex.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Empty(t, ex.OpenConditionals("BTCUSDT"))
}

func TestInjectedFailureIsConsumedOnce(t *testing.T) {
	ex, _ := newTestExchange()
	boom := errors.New("boom")
	ex.FailNext("GetTicker", boom)
	_, err := ex.GetTicker(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, boom)
	tk, err := ex.GetTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, tk.Price.Equal(d("100")))
}

func TestLeverageBounds(t *testing.T) {
	ex, _ := newTestExchange()
	assert.ErrorIs(t, ex.SetLeverage(context.Background(), "BTCUSDT", 0, 0), exchange.ErrRejected)
	assert.ErrorIs(t, ex.SetLeverage(context.Background(), "BTCUSDT", 200, 1), exchange.ErrRejected)
}
