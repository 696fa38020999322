// Package engine owns the trading state of one perpdesk instance. All
// mutation runs on a single actor goroutine fed by typed events; readers use
// the immutable Snapshot published after every event.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"perpdesk/internal/config"
	"perpdesk/internal/execution"
	"perpdesk/internal/gateway/exchange"
	"perpdesk/internal/gateway/notifier"
	"perpdesk/internal/journal"
	"perpdesk/internal/lease"
	"perpdesk/internal/logger"
	"perpdesk/internal/metrics"
	"perpdesk/internal/opportunity"
	"perpdesk/internal/pkg/circuit"
	"perpdesk/internal/pkg/num"
	"perpdesk/internal/pkg/symbol"
	"perpdesk/internal/position"
	"perpdesk/internal/ratelimit"
	"perpdesk/internal/risk"
	"perpdesk/internal/scheduler"

	"github.com/google/uuid"
)

const maxHistory = 500

var (
	ErrStopped  = errors.New("engine: stopped")
	ErrLockBusy = errors.New("engine: execution lock busy")

	errNoSlot         = errors.New("engine: no position slot available")
	errReserveRefused = errors.New("engine: ledger refused reservation")
	errNotActive      = errors.New("engine: position not active")
	errCycleDone      = errors.New("engine: dispatch cycle ended by fallback")
)

// Journal persists engine events and closed trades.
type Journal interface {
	AppendEvent(ctx context.Context, evt journal.Event) error
	SaveTrade(ctx context.Context, rec position.Record) error
}

type Deps struct {
	Client   exchange.Client
	Source   opportunity.Source
	Notifier notifier.TextNotifier
	Journal  Journal
	Metrics  *metrics.Recorder
	Limiter  *ratelimit.Limiter
}

type Engine struct {
	cfg      *config.Config
	policy   risk.Policy
	client   exchange.Client
	source   opportunity.Source
	notifier notifier.TextNotifier
	journal  Journal
	metrics  *metrics.Recorder
	limiter  *ratelimit.Limiter

	lock          *lease.Lock
	breaker       *circuit.CircuitBreaker
	executor      *execution.Executor
	monitor       *position.Monitor
	categories    symbol.Categorizer
	dispatchSched *scheduler.AdaptiveScheduler
	registry      *HandlerRegistry

	nowFn func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	msgCh     chan EventEnvelope
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	state       *state
	snapshot    atomic.Pointer[Snapshot]
	performance atomic.Pointer[Performance]
}

func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: config is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("engine: exchange client is required")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("engine: opportunity source is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notifier.Nop{}
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		policy:     risk.NewPolicy(cfg),
		client:     deps.Client,
		source:     deps.Source,
		notifier:   deps.Notifier,
		journal:    deps.Journal,
		metrics:    deps.Metrics,
		limiter:    deps.Limiter,
		lock:       lease.New(cfg.Lock.LeaseTTL),
		breaker:    circuit.NewCircuitBreaker("consecutive-losses", cfg.Risk.MaxConsecutiveLosses, cfg.Risk.CircuitCooldown),
		categories: symbol.NewCategorizer(cfg.Universe.Categories),
		registry:   NewHandlerRegistry(),
		nowFn:      time.Now,
		baseCtx:    baseCtx,
		baseCancel: cancel,
		msgCh:      make(chan EventEnvelope, 100),
		stopCh:     make(chan struct{}),
		state:      newState(num.Dec(cfg.Capital.Total)),
	}
	e.registry.RegisterDefaultHandlers()
	e.breaker.SetStateChangeHandler(e.onBreakerChange)

	e.executor = execution.NewExecutor(deps.Client, e, execution.NewFallbackPolicy(cfg.Dispatch.FallbackSymbol), execution.Config{
		MaxCapitalPerPosition: e.policy.MaxCapitalPerPosition,
		TakeProfitPct:         e.policy.TakeProfitPct,
		StopLossPct:           e.policy.StopLossPct,
		ProtectiveOrders:      cfg.Execution.ProtectiveOrders,
		CallTimeout:           cfg.Execution.CallTimeout,
	})
	e.monitor = position.NewMonitor(deps.Client, e, position.MonitorConfig{
		PollInterval:             cfg.Monitor.PollInterval,
		RetryDelay:               cfg.Monitor.RetryDelay,
		MaxDuration:              cfg.Monitor.MaxDuration,
		PendingGrace:             cfg.Monitor.PendingGrace,
		CallTimeout:              cfg.Execution.CallTimeout,
		SimulationFallbackProfit: cfg.Monitor.SimulationFallbackProfit && cfg.Exchange.IsPaper(),
		MinProfit:                e.policy.MinProfitTarget,
	})
	d := cfg.Dispatch
	e.dispatchSched = scheduler.NewAdaptiveScheduler(baseCtx, d.InitialInterval, d.MinInterval, d.MaxInterval)
	e.dispatchSched.Name = "dispatch"

	e.performance.Store(&Performance{})
	e.refreshSnapshot()
	return e, nil
}

// WithClock overrides the time source of the engine and the components it
// owns. Call before Start.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now == nil {
		return e
	}
	e.nowFn = now
	e.lock.WithClock(now)
	e.breaker.WithClock(now)
	e.executor.WithClock(now)
	e.monitor.WithClock(now)
	return e
}

// Registry exposes the event handler table so callers can add handlers
// before Start.
func (e *Engine) Registry() *HandlerRegistry {
	return e.registry
}

func (e *Engine) Config() *config.Config { return e.cfg }

func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.started.Store(true)
		e.wg.Add(1)
		go e.runLoop()
	})
}

// Stop ends the actor and every monitor. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.baseCancel()
		e.monitor.StopAll()
		e.monitor.Wait()
		close(e.stopCh)
		e.wg.Wait()
		logger.Infof("Engine: stopped")
	})
}

func (e *Engine) Send(evt EventEnvelope) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = e.nowFn()
	}
	select {
	case <-e.stopCh:
		return ErrStopped
	default:
	}
	select {
	case e.msgCh <- evt:
		return nil
	case <-e.stopCh:
		return ErrStopped
	}
}

// SendSync delivers evt and waits for its handler result. The snapshot is
// already refreshed when it returns.
func (e *Engine) SendSync(ctx context.Context, evt EventEnvelope) error {
	if !e.started.Load() {
		return fmt.Errorf("%w: actor not started", ErrStopped)
	}
	if evt.ReplyCh == nil {
		evt.ReplyCh = make(chan error, 1)
	}
	if err := e.Send(evt); err != nil {
		return err
	}
	select {
	case err := <-evt.ReplyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopCh:
		return fmt.Errorf("%w: during sync call", ErrStopped)
	}
}

func (e *Engine) sendPayload(ctx context.Context, typ EventType, sym string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return e.SendSync(ctx, EventEnvelope{Type: typ, Symbol: sym, Payload: raw})
}

// Snapshot returns the latest published state. The lock holder and dispatch
// interval are read live.
func (e *Engine) Snapshot() *Snapshot {
	snap := e.snapshot.Load()
	cp := *snap
	cp.Lock = nil
	if h, ok := e.lock.Holder(); ok {
		cp.Lock = &h
	}
	cp.DispatchInterval = e.dispatchSched.Interval()
	return &cp
}

func (e *Engine) refreshSnapshot() {
	snap := e.buildSnapshot()
	e.snapshot.Store(snap)

	e.metrics.SetCapital(num.Float(snap.Allocated), num.Float(snap.Available))
	e.metrics.SetActivePositions(snap.ActiveCount())
	e.metrics.SetEmergencyStop(snap.Risk.EmergencyStop)
	e.metrics.SetDispatchInterval(snap.DispatchInterval.Seconds())
}

func (e *Engine) runLoop() {
	defer e.wg.Done()
	logger.Infof("Engine actor started")
	for {
		select {
		case evt := <-e.msgCh:
			e.handleEvent(evt)
		case <-e.stopCh:
			logger.Infof("Engine actor stopping")
			return
		}
	}
}

func (e *Engine) handleEvent(evt EventEnvelope) {
	var err error
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Engine panic handling event %s: %v", evt.Type, r)
			debug.PrintStack()
			err = fmt.Errorf("panic: %v", r)
		}
		e.refreshSnapshot()
		if evt.ReplyCh != nil {
			evt.ReplyCh <- err
			close(evt.ReplyCh)
		}
		if dur := time.Since(start); dur > 100*time.Millisecond {
			logger.Warnf("Slow event %s took %v", evt.Type, dur)
		}
	}()

	if e.journal != nil && shouldJournal(evt.Type) {
		jctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if jerr := e.journal.AppendEvent(jctx, journal.Event{
			ID:        evt.ID,
			Type:      string(evt.Type),
			Symbol:    evt.Symbol,
			Payload:   evt.Payload,
			CreatedAt: evt.CreatedAt,
		}); jerr != nil {
			logger.Errorf("Failed to journal event %s: %v", evt.Type, jerr)
		}
		cancel()
	}

	handler, ok := e.registry.Get(evt.Type)
	if !ok {
		logger.Warnf("No handler registered for event type: %s", evt.Type)
		err = fmt.Errorf("no handler for %s", evt.Type)
		return
	}
	err = handler.Handle(NewHandlerContext(e), evt.Payload, evt.ID)
	if err != nil && !errors.Is(err, errNotActive) {
		logger.Errorf("Engine failed to handle %s: %v", evt.Type, err)
	}
}

// UpdatePosition implements position.Sink.
func (e *Engine) UpdatePosition(ctx context.Context, u position.Update) error {
	return e.sendPayload(ctx, EvtPositionUpdated, "", PositionUpdatedPayload{Update: u})
}

// ClosePosition implements position.Sink. A close for an id that is no
// longer active reports false without error.
func (e *Engine) ClosePosition(ctx context.Context, c position.Closure) (bool, error) {
	err := e.sendPayload(ctx, EvtPositionClosed, "", PositionClosedPayload{Closure: c})
	if errors.Is(err, errNotActive) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordOpen implements execution.Recorder: the margin is reserved and the
// position appended in one actor step, then the monitor takes over. The wait
// ignores ctx cancellation: once queued the actor records the position, and
// an early return would make the executor roll back a recorded order.
func (e *Engine) RecordOpen(ctx context.Context, p position.Position) error {
	if err := e.sendPayload(context.WithoutCancel(ctx), EvtPositionOpened, p.Symbol, PositionOpenedPayload{Position: p}); err != nil {
		return err
	}
	e.monitor.Watch(e.baseCtx, p)
	return nil
}

// MarkCooldown implements execution.Recorder.
func (e *Engine) MarkCooldown(ctx context.Context, sym string, at time.Time) error {
	return e.sendPayload(context.WithoutCancel(ctx), EvtCooldownMark, sym, CooldownPayload{Symbol: sym, At: at})
}

// Reconcile runs the ledger self-check on the actor.
func (e *Engine) Reconcile(ctx context.Context, trigger string) error {
	return e.sendPayload(ctx, EvtReconcile, "", ReconcilePayload{Trigger: trigger})
}

func (e *Engine) recordDecision(ctx context.Context, d risk.Decision) {
	if err := e.sendPayload(ctx, EvtDecisionRecorded, d.Symbol, d); err != nil {
		logger.Warnf("Engine: decision for %s not recorded: %v", d.Symbol, err)
	}
}

// notify delivers text off the caller's goroutine.
func (e *Engine) notify(msg notifier.StructuredMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = e.nowFn()
	}
	text := msg.RenderMarkdown()
	n := e.notifier
	go func() {
		if err := n.SendText(text); err != nil {
			logger.Warnf("Engine: notification failed: %v", err)
		}
	}()
}

func (e *Engine) onBreakerChange(name string, from, to circuit.State) {
	logger.Warnf("Engine: circuit breaker %s %s -> %s", name, from, to)
	if to == circuit.StateOpen {
		e.notify(notifier.StructuredMessage{
			Icon:  "⛔",
			Title: "Circuit breaker open",
			Sections: []notifier.MessageSection{{
				Lines: []string{
					fmt.Sprintf("consecutive losses: %d", e.breaker.Failures()),
					fmt.Sprintf("cooldown: %s", e.cfg.Risk.CircuitCooldown),
				},
			}},
		})
	}
}
