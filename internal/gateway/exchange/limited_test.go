package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"perpdesk/internal/ratelimit"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Name() string { return "mock" }

func (m *mockClient) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(Ticker), args.Error(1)
}

func (m *mockClient) GetAllTickers(ctx context.Context) ([]Ticker, error) {
	args := m.Called(ctx)
	return args.Get(0).([]Ticker), args.Error(1)
}

func (m *mockClient) GetPositions(ctx context.Context, symbol string) ([]PositionInfo, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).([]PositionInfo), args.Error(1)
}

func (m *mockClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(OrderResult), args.Error(1)
}

func (m *mockClient) PlaceConditionalOrder(ctx context.Context, req ConditionalOrderRequest) (OrderResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(OrderResult), args.Error(1)
}

func (m *mockClient) SetLeverage(ctx context.Context, symbol string, buy, sell int) error {
	return m.Called(ctx, symbol, buy, sell).Error(0)
}

func (m *mockClient) GetExecutionHistory(ctx context.Context, symbol string, since time.Time) ([]Execution, error) {
	args := m.Called(ctx, symbol, since)
	return args.Get(0).([]Execution), args.Error(1)
}

func (m *mockClient) CancelAllOrders(ctx context.Context, symbol string) error {
	return m.Called(ctx, symbol).Error(0)
}

func (m *mockClient) InstrumentRules(ctx context.Context, symbol string) (InstrumentRules, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(InstrumentRules), args.Error(1)
}

// fastLimiter runs on a virtual clock that jumps forward instead of sleeping.
func fastLimiter() *ratelimit.Limiter {
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
		return ctx.Err()
	}
	return ratelimit.New(ratelimit.Config{MaxPerWindow: 1000, Window: time.Minute, MaxRetries: 2}).WithClock(clock, sleep)
}

func TestLimitedRetriesRateLimitedCall(t *testing.T) {
	inner := new(mockClient)
	inner.On("GetTicker", mock.Anything, "BTCUSDT").Return(Ticker{}, &APIError{Code: -1003, Kind: ErrRateLimited}).Once()
	inner.On("GetTicker", mock.Anything, "BTCUSDT").Return(Ticker{Symbol: "BTCUSDT", Price: decimal.NewFromInt(100)}, nil).Once()

	c := NewLimited(inner, fastLimiter())
	tk, err := c.GetTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, tk.Price.Equal(decimal.NewFromInt(100)))
	inner.AssertNumberOfCalls(t, "GetTicker", 2)
	assert.EqualValues(t, 1, c.Limiter().Stats().Backoffs)
}

func TestLimitedDoesNotRetryRejection(t *testing.T) {
	inner := new(mockClient)
	req := OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeMarket, Quantity: decimal.NewFromInt(1)}
	inner.On("PlaceOrder", mock.Anything, req).Return(OrderResult{}, Rejected(-2019, "margin is insufficient")).Once()

	c := NewLimited(inner, fastLimiter())
	_, err := c.PlaceOrder(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.EqualValues(t, -2019, apiErr.Code)
	inner.AssertExpectations(t)
}

func TestLimitedKlinesUnsupported(t *testing.T) {
	c := NewLimited(new(mockClient), fastLimiter())
	_, err := c.Klines(context.Background(), "BTCUSDT", "5m", 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSideOppositeAndTransient(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
	assert.True(t, IsTransient(ErrNetwork))
	assert.True(t, IsTransient(&APIError{Kind: ErrRateLimited}))
	assert.False(t, IsTransient(ErrRejected))
}
