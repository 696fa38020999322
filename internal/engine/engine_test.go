package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"perpdesk/internal/config"
	"perpdesk/internal/gateway/exchange"
	"perpdesk/internal/gateway/paper"
	"perpdesk/internal/journal"
	"perpdesk/internal/ledger"
	"perpdesk/internal/metrics"
	"perpdesk/internal/opportunity"
	"perpdesk/internal/position"
	"perpdesk/internal/risk"
	"perpdesk/internal/scheduler"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubSource struct {
	mu        sync.Mutex
	opps      []opportunity.Opportunity
	refreshes int
	cleared   int
}

func (s *stubSource) set(opps ...opportunity.Opportunity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opps = opps
}

func (s *stubSource) EligibleAssets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.opps))
	for _, o := range s.opps {
		out = append(out, o.Symbol)
	}
	return out
}

func (s *stubSource) AnalyzeMarket(_ context.Context, sym string) (opportunity.Analysis, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.opps {
		if o.Symbol == sym {
			return opportunity.Analysis{Symbol: o.Symbol, Side: o.Side, Confidence: o.Confidence, Price: o.Price, Strategy: o.Strategy}, true, nil
		}
	}
	return opportunity.Analysis{}, false, nil
}

func (s *stubSource) RankOpportunities(context.Context) ([]opportunity.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]opportunity.Opportunity(nil), s.opps...), nil
}

func (s *stubSource) Refresh(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return nil
}

func (s *stubSource) ClearCaches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
}

type fixture struct {
	engine *Engine
	paper  *paper.Exchange
	quotes *paper.StaticQuotes
	source *stubSource
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Exchange.Paper.Prices = map[string]float64{"BTCUSDT": 100, "ETHUSDT": 50}
	cfg.Execution.ProtectiveOrders = false
	cfg.Monitor.PollInterval = 10 * time.Millisecond
	cfg.Monitor.RetryDelay = 10 * time.Millisecond
	cfg.Lock.AdminWait = 200 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config, deps Deps, handlers ...EventHandler) *fixture {
	t.Helper()
	quotes := paper.NewStaticQuotes(cfg.Exchange.Paper.Prices)
	ex := paper.New(quotes, paper.Rules{})
	src := &stubSource{}
	deps.Client = ex
	deps.Source = src
	e, err := New(cfg, deps)
	require.NoError(t, err)
	for _, h := range handlers {
		e.Registry().Register(h)
	}
	e.Start()
	t.Cleanup(e.Stop)
	return &fixture{engine: e, paper: ex, quotes: quotes, source: src}
}

func btcLong(confidence float64) opportunity.Opportunity {
	return opportunity.Opportunity{
		Symbol:     "BTCUSDT",
		Side:       position.Long,
		Confidence: confidence,
		Score:      confidence,
		Price:      d("100"),
		Strategy:   "trend",
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(nil, Deps{})
	assert.Error(t, err)
	_, err = New(testConfig(), Deps{})
	assert.Error(t, err)
}

func TestDispatchOpensPositionAndReservesMargin(t *testing.T) {
	f := newFixture(t, testConfig(), Deps{})
	f.source.set(btcLong(0.9))

	n, err := f.engine.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap := f.engine.Snapshot()
	require.Len(t, snap.Positions, 1)
	p := snap.Positions[0]
	assert.Equal(t, "BTCUSDT", p.Symbol)
	assert.True(t, p.Margin.Equal(d("5")))
	assert.True(t, p.TakeProfit.Equal(d("100.6")))
	assert.True(t, snap.Allocated.Equal(d("5")))
	assert.True(t, snap.Available.Equal(d("7")))
	assert.Contains(t, snap.Cooldowns, "BTCUSDT")
	require.NotNil(t, snap.Risk.LastDecision)
	assert.True(t, snap.Risk.LastDecision.Approved)
	assert.True(t, snap.Holds("BTCUSDT"))
}

// Scenario D: long at 100, TP 100.6; a quote at or above the target closes
// the position in profit and returns the allocation.
func TestTakeProfitCloseReleasesAllocation(t *testing.T) {
	f := newFixture(t, testConfig(), Deps{})
	before := f.engine.Snapshot().AllocatedBySymbol["BTCUSDT"]
	f.source.set(btcLong(0.9))
	_, err := f.engine.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.engine.Snapshot().ActiveCount())

	f.quotes.Set("BTCUSDT", d("100.7"))

	require.Eventually(t, func() bool {
		return len(f.engine.Snapshot().History) == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap := f.engine.Snapshot()
	rec := snap.History[0]
	assert.Equal(t, position.StatusClosedProfit, rec.Status)
	assert.Equal(t, position.ReasonTakeProfit, rec.Reason)
	assert.True(t, rec.RealizedPnL.IsPositive())
	assert.True(t, snap.AllocatedBySymbol["BTCUSDT"].Equal(before))
	assert.True(t, snap.Allocated.IsZero())
	assert.Empty(t, snap.Positions)
	assert.True(t, snap.Risk.RealizedPnL.IsPositive())
	assert.Equal(t, 1, snap.Risk.ConsecutiveWins)

	ok, err := f.engine.ClosePosition(context.Background(), position.Closure{ID: rec.ID, Status: position.StatusClosedProfit})
	require.NoError(t, err)
	assert.False(t, ok, "second close of the same id is a no-op")
}

type injectOverAllocation struct{}

func (injectOverAllocation) Type() EventType { return "TEST_OVER_ALLOCATE" }

func (injectOverAllocation) Handle(ctx *HandlerContext, _ []byte, _ string) error {
	ctx.Engine().state.ledger.ForceAllocate("ETHUSDT", d("20"))
	return nil
}

// Scenario E: an over-allocation is detected, every allocation and position
// is cleared and an alert is raised.
func TestReconcileClearsOverAllocation(t *testing.T) {
	rec := metrics.New()
	f := newFixture(t, testConfig(), Deps{Metrics: rec}, injectOverAllocation{})
	f.source.set(btcLong(0.9))
	_, err := f.engine.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, f.engine.Snapshot().Positions, 1)

	require.NoError(t, f.engine.SendSync(context.Background(), EventEnvelope{Type: "TEST_OVER_ALLOCATE"}))
	assert.True(t, f.engine.Snapshot().Allocated.GreaterThan(f.engine.Snapshot().TotalCapital))

	err = f.engine.Reconcile(context.Background(), "test")
	require.ErrorIs(t, err, ledger.ErrInvariantViolation)

	snap := f.engine.Snapshot()
	assert.True(t, snap.Allocated.IsZero())
	assert.Empty(t, snap.AllocatedBySymbol)
	assert.Empty(t, snap.Positions)
	assert.Equal(t, 1, snap.Violations)
	require.NotEmpty(t, snap.Alerts)
	assert.Equal(t, "invariant_violation", snap.Alerts[len(snap.Alerts)-1].Kind)
}

func TestReconcileReleasesOrphanedAllocation(t *testing.T) {
	f := newFixture(t, testConfig(), Deps{}, orphanAllocation{})
	require.NoError(t, f.engine.SendSync(context.Background(), EventEnvelope{Type: "TEST_ORPHAN"}))
	require.True(t, f.engine.Snapshot().Allocated.Equal(d("3")))

	require.NoError(t, f.engine.Reconcile(context.Background(), "test"))
	assert.True(t, f.engine.Snapshot().Allocated.IsZero())
	assert.Zero(t, f.engine.Snapshot().Violations)
}

type orphanAllocation struct{}

func (orphanAllocation) Type() EventType { return "TEST_ORPHAN" }

func (orphanAllocation) Handle(ctx *HandlerContext, _ []byte, _ string) error {
	ctx.Engine().state.ledger.Reserve("SOLUSDT", d("3"))
	return nil
}

// Two overlapping dispatch cycles with one free slot open exactly one
// position.
func TestConcurrentDispatchReservesOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.MaxConcurrentPositions = 1
	cfg.Dispatch.MaxPerCategory = 0
	f := newFixture(t, cfg, Deps{})
	eth := opportunity.Opportunity{Symbol: "ETHUSDT", Side: position.Short, Confidence: 0.9, Score: 0.8, Price: d("50")}
	f.source.set(btcLong(0.9), eth)

	var wg sync.WaitGroup
	results := make([]int, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, _ := f.engine.DispatchOnce(context.Background())
			results[i] = n
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, results[0]+results[1])
	snap := f.engine.Snapshot()
	assert.Equal(t, 1, snap.ActiveCount())
	assert.True(t, snap.Allocated.Equal(d("5")))
	assert.True(t, snap.Allocated.LessThanOrEqual(snap.TotalCapital))
}

func TestDispatchRecordsRejection(t *testing.T) {
	f := newFixture(t, testConfig(), Deps{})
	f.source.set(btcLong(0.6))

	n, err := f.engine.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	dec := f.engine.Snapshot().Risk.LastDecision
	require.NotNil(t, dec)
	assert.False(t, dec.Approved)
	assert.Equal(t, risk.CheckConfidence, dec.Check)
	assert.Equal(t, risk.LevelHigh, dec.Level)
	assert.Contains(t, dec.Reason, "0.60")
}

func ethLong(confidence float64) opportunity.Opportunity {
	return opportunity.Opportunity{
		Symbol:     "ETHUSDT",
		Side:       position.Long,
		Confidence: confidence,
		Score:      confidence - 0.1,
		Price:      d("50"),
		Strategy:   "trend",
	}
}

func TestDispatchRejectionAbandonsCycle(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.MaxPerCategory = 0
	f := newFixture(t, cfg, Deps{})
	f.source.set(btcLong(0.9), ethLong(0.9))
	f.paper.FailNext("PlaceOrder", exchange.Rejected(-2019, "Margin is insufficient"))

	n, err := f.engine.DispatchOnce(context.Background())
	require.ErrorIs(t, err, exchange.ErrRejected)
	assert.Zero(t, n)

	snap := f.engine.Snapshot()
	assert.Empty(t, snap.Positions)
	assert.True(t, snap.Allocated.IsZero())
	assert.Empty(t, snap.Cooldowns)
	history, err := f.paper.GetExecutionHistory(context.Background(), "ETHUSDT", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, history, "no further candidate is tried after a rejection")
}

func TestFallbackSymbolIsAdmittedByGate(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.FallbackSymbol = "ETHUSDT"
	f := newFixture(t, cfg, Deps{})
	f.source.set(btcLong(0.9), ethLong(0.9))
	require.NoError(t, f.engine.MarkCooldown(context.Background(), "ETHUSDT", time.Now()))
	f.paper.FailNext("PlaceOrder", exchange.Rejected(-4131, "price out of range"))

	n, err := f.engine.DispatchOnce(context.Background())
	require.ErrorIs(t, err, exchange.ErrRejected)
	assert.Zero(t, n)

	snap := f.engine.Snapshot()
	assert.Empty(t, snap.Positions)
	assert.True(t, snap.Allocated.IsZero())
	dec := snap.Risk.LastDecision
	require.NotNil(t, dec)
	assert.Equal(t, "ETHUSDT", dec.Symbol)
	assert.False(t, dec.Approved)
	assert.Equal(t, risk.CheckCooldown, dec.Check)
	history, err := f.paper.GetExecutionHistory(context.Background(), "ETHUSDT", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestFallbackOpensTaggedPosition(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.FallbackSymbol = "ETHUSDT"
	f := newFixture(t, cfg, Deps{})
	f.source.set(btcLong(0.9), ethLong(0.9))
	f.paper.FailNext("PlaceOrder", exchange.Rejected(-4131, "price out of range"))

	n, err := f.engine.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap := f.engine.Snapshot()
	require.Len(t, snap.Positions, 1)
	p := snap.Positions[0]
	assert.Equal(t, "ETHUSDT", p.Symbol)
	assert.Equal(t, "trend fallback", p.Strategy)
	assert.True(t, p.Margin.Equal(d("5")))
	assert.Contains(t, snap.Cooldowns, "ETHUSDT")
	assert.NotContains(t, snap.Cooldowns, "BTCUSDT")
	require.NotNil(t, snap.Risk.LastDecision)
	assert.Equal(t, "ETHUSDT", snap.Risk.LastDecision.Symbol)
	assert.True(t, snap.Risk.LastDecision.Approved)
}

func TestRecordOpenSurvivesCancelledContext(t *testing.T) {
	f := newFixture(t, testConfig(), Deps{})
	_, err := f.paper.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Quantity: d("1"),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	now := time.Now()
	err = f.engine.RecordOpen(ctx, position.Position{
		ID:         "ord-1",
		Symbol:     "BTCUSDT",
		Side:       position.Long,
		Quantity:   d("1"),
		EntryPrice: d("100"),
		Leverage:   20,
		Margin:     d("5"),
		TakeProfit: d("100.6"),
		StopLoss:   d("99.7"),
		OpenedAt:   now,
		Status:     position.StatusPending,
		LastPrice:  d("100"),
		UpdatedAt:  now,
	})
	require.NoError(t, err)
	snap := f.engine.Snapshot()
	assert.True(t, snap.Holds("BTCUSDT"))
	assert.True(t, snap.Allocated.Equal(d("5")))
}

func TestSelectCandidatesCapsCategoryAndSkipsHeld(t *testing.T) {
	f := newFixture(t, testConfig(), Deps{})
	eth := opportunity.Opportunity{Symbol: "ETHUSDT", Side: position.Long, Confidence: 0.9, Score: 0.95, Price: d("50")}
	sol := opportunity.Opportunity{Symbol: "SOLUSDT", Side: position.Long, Confidence: 0.9, Score: 0.5, Price: d("20")}

	got := f.engine.selectCandidates([]opportunity.Opportunity{eth, btcLong(0.9), sol}, f.engine.Snapshot())
	require.Len(t, got, 2, "BTC and ETH share the major category")
	assert.Equal(t, "ETHUSDT", got[0].Symbol)
	assert.Equal(t, "SOLUSDT", got[1].Symbol)

	f.source.set(btcLong(0.9))
	_, err := f.engine.DispatchOnce(context.Background())
	require.NoError(t, err)
	got = f.engine.selectCandidates([]opportunity.Opportunity{btcLong(0.9), eth, sol}, f.engine.Snapshot())
	require.Len(t, got, 1)
	assert.Equal(t, "SOLUSDT", got[0].Symbol)
}

func TestSingleModeUsesPrimarySymbol(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.Mode = config.DispatchModeSingle
	cfg.Dispatch.PrimarySymbol = "ETHUSDT"
	f := newFixture(t, cfg, Deps{})
	f.source.set(btcLong(0.9), opportunity.Opportunity{Symbol: "ETHUSDT", Side: position.Long, Confidence: 0.9, Price: d("50")})

	n, err := f.engine.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.engine.Snapshot().Holds("ETHUSDT"))
	assert.False(t, f.engine.Snapshot().Holds("BTCUSDT"))
}

func TestEmergencyStopBlocksAdmissionUntilReset(t *testing.T) {
	f := newFixture(t, testConfig(), Deps{})
	ctx := context.Background()
	require.NoError(t, f.engine.TriggerEmergencyStop(ctx, "operator"))
	f.source.set(btcLong(0.9))

	n, err := f.engine.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	snap := f.engine.Snapshot()
	assert.True(t, snap.Risk.EmergencyStop)
	assert.Equal(t, "operator", snap.Risk.EmergencyReason)
	assert.Equal(t, risk.CheckEmergencyStop, snap.Risk.LastDecision.Check)

	require.NoError(t, f.engine.ResetEmergencyStop(ctx))
	n, err = f.engine.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAdminResets(t *testing.T) {
	f := newFixture(t, testConfig(), Deps{})
	ctx := context.Background()
	f.source.set(btcLong(0.9))
	_, err := f.engine.DispatchOnce(ctx)
	require.NoError(t, err)

	require.NoError(t, f.engine.ForceResetTiming(ctx))
	assert.Empty(t, f.engine.Snapshot().Cooldowns)
	assert.Len(t, f.engine.Snapshot().Positions, 1)

	require.NoError(t, f.engine.EmergencyCapitalReset(ctx))
	snap := f.engine.Snapshot()
	assert.Empty(t, snap.Positions)
	assert.True(t, snap.Allocated.IsZero())
	assert.Equal(t, "capital_reset", snap.Alerts[len(snap.Alerts)-1].Kind)

	require.NoError(t, f.engine.TriggerEmergencyStop(ctx, "x"))
	require.NoError(t, f.engine.ResetForTesting(ctx))
	snap = f.engine.Snapshot()
	assert.False(t, snap.Risk.EmergencyStop)
	assert.Empty(t, snap.Alerts)
	assert.Nil(t, snap.Risk.LastDecision)
}

func TestAdminWaitsForExecutionLock(t *testing.T) {
	cfg := testConfig()
	cfg.Lock.AdminWait = 30 * time.Millisecond
	f := newFixture(t, cfg, Deps{})
	ls, ok := f.engine.lock.TryAcquire("dispatch:test")
	require.True(t, ok)

	err := f.engine.ForceResetTiming(context.Background())
	require.ErrorIs(t, err, ErrLockBusy)

	f.engine.lock.Release(ls)
	assert.NoError(t, f.engine.ForceResetTiming(context.Background()))
}

func TestDispatchBacksOffWhenLockHeld(t *testing.T) {
	f := newFixture(t, testConfig(), Deps{})
	f.source.set(btcLong(0.9))
	ls, ok := f.engine.lock.TryAcquire("admin:test")
	require.True(t, ok)
	defer f.engine.lock.Release(ls)

	n, err := f.engine.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.engine.Snapshot().Positions)
}

func TestRecordOutcomeAdaptsInterval(t *testing.T) {
	cfg := testConfig()
	e, err := New(cfg, Deps{Client: paper.New(paper.NewStaticQuotes(nil), paper.Rules{}), Source: &stubSource{}})
	require.NoError(t, err)
	initial := e.dispatchSched.Interval()

	for i := 0; i < cfg.Dispatch.WinStreak; i++ {
		e.recordOutcome(true)
	}
	assert.Equal(t, initial, e.dispatchSched.Interval())
	e.recordOutcome(true)
	assert.Equal(t, time.Duration(float64(initial)*0.9), e.dispatchSched.Interval())

	e.dispatchSched.Reset()
	e.state.recent = nil
	e.state.winStreak = 0
	for i := 0; i < cfg.Dispatch.SuccessWindow; i++ {
		e.recordOutcome(false)
	}
	assert.Equal(t, time.Duration(float64(initial)*1.05), e.dispatchSched.Interval())
	assert.True(t, e.breaker.Failures() >= cfg.Dispatch.SuccessWindow)
}

func TestEventsAreJournaled(t *testing.T) {
	name := strings.NewReplacer("/", "_").Replace(t.Name())
	store, err := journal.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := newFixture(t, testConfig(), Deps{Journal: store})
	f.source.set(btcLong(0.9))
	_, err = f.engine.DispatchOnce(context.Background())
	require.NoError(t, err)

	opened, err := store.ListEvents(context.Background(), string(EvtPositionOpened), 10)
	require.NoError(t, err)
	require.Len(t, opened, 1)
	assert.Equal(t, "BTCUSDT", opened[0].Symbol)

	decisions, err := store.ListEvents(context.Background(), string(EvtDecisionRecorded), 10)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)

	f.quotes.Set("BTCUSDT", d("99.6"))
	require.Eventually(t, func() bool {
		trades, err := store.ListTrades(context.Background(), "BTCUSDT", 10)
		return err == nil && len(trades) == 1
	}, 2*time.Second, 10*time.Millisecond)
	trades, _ := store.ListTrades(context.Background(), "BTCUSDT", 10)
	assert.Equal(t, position.StatusClosedLoss, trades[0].Status)
}

func TestHandleTickRotationRefreshesSource(t *testing.T) {
	f := newFixture(t, testConfig(), Deps{})
	f.engine.HandleTick(context.Background(), scheduler.Tick{Kind: scheduler.TickRotation, At: time.Now()})
	f.source.mu.Lock()
	defer f.source.mu.Unlock()
	assert.Equal(t, 1, f.source.refreshes)
	assert.Equal(t, 1, f.source.cleared)
}

func TestSendSyncAfterStop(t *testing.T) {
	f := newFixture(t, testConfig(), Deps{})
	f.engine.Stop()
	err := f.engine.Reconcile(context.Background(), "late")
	assert.ErrorIs(t, err, ErrStopped)
}
