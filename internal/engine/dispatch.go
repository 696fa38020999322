package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"perpdesk/internal/config"
	"perpdesk/internal/execution"
	"perpdesk/internal/gateway/exchange"
	"perpdesk/internal/logger"
	"perpdesk/internal/opportunity"
	"perpdesk/internal/risk"

	"github.com/shopspring/decimal"
)

// DispatchOnce runs one dispatch cycle and returns the number of positions
// opened. A failed placement abandons the rest of the cycle, and so does a
// fallback retry.
func (e *Engine) DispatchOnce(ctx context.Context) (int, error) {
	snap := e.Snapshot()
	slots := e.policy.MaxConcurrentPositions - snap.ActiveCount()
	if slots <= 0 {
		logger.Debugf("Dispatch: no slots (%d active)", snap.ActiveCount())
		return 0, nil
	}
	cands, err := e.candidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("dispatch candidates: %w", err)
	}
	cands = e.selectCandidates(cands, snap)
	if len(cands) == 0 {
		return 0, nil
	}

	limit := slots
	if c := e.cfg.Dispatch.PerCycleCap; c > 0 && c < limit {
		limit = c
	}
	opened := 0
	for _, c := range cands {
		if opened >= limit || ctx.Err() != nil {
			break
		}
		ok, err := e.attempt(ctx, c)
		if ok {
			opened++
		}
		if err != nil {
			if errors.Is(err, ErrLockBusy) || errors.Is(err, errNoSlot) || errors.Is(err, errCycleDone) {
				logger.Debugf("Dispatch: %s stops the cycle: %v", c.Symbol, err)
				break
			}
			return opened, err
		}
	}
	return opened, nil
}

// candidates asks the source for opportunities according to the dispatch
// mode. Single mode analyses only the primary symbol.
func (e *Engine) candidates(ctx context.Context) ([]opportunity.Opportunity, error) {
	if e.cfg.Dispatch.Mode == config.DispatchModeSingle {
		a, ok, err := e.source.AnalyzeMarket(ctx, e.cfg.Dispatch.PrimarySymbol)
		if err != nil || !ok {
			return nil, err
		}
		return []opportunity.Opportunity{{
			Symbol:     a.Symbol,
			Side:       a.Side,
			Confidence: a.Confidence,
			Score:      a.Confidence,
			Price:      a.Price,
			Volatility: a.Volatility,
			Strategy:   a.Strategy,
		}}, nil
	}
	ranked, err := e.source.RankOpportunities(ctx)
	if err != nil {
		return nil, err
	}
	if n := e.cfg.Dispatch.CandidateLimit; n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked, nil
}

// selectCandidates drops held symbols, caps each category, then reorders by
// score plus the performance boost.
func (e *Engine) selectCandidates(in []opportunity.Opportunity, snap *Snapshot) []opportunity.Opportunity {
	perCat := make(map[string]int)
	for _, sym := range snap.HeldSymbols() {
		perCat[e.categories.Category(sym)]++
	}
	maxPerCat := e.cfg.Dispatch.MaxPerCategory
	seen := make(map[string]bool, len(in))
	out := make([]opportunity.Opportunity, 0, len(in))
	for _, c := range in {
		if c.Symbol == "" || seen[c.Symbol] || snap.Holds(c.Symbol) {
			continue
		}
		seen[c.Symbol] = true
		cat := e.categories.Category(c.Symbol)
		if maxPerCat > 0 && perCat[cat] >= maxPerCat {
			logger.Debugf("Dispatch: %s dropped, category %s at cap %d", c.Symbol, cat, maxPerCat)
			continue
		}
		perCat[cat]++
		out = append(out, c)
	}
	perf := e.Performance()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score+perf.Boost(out[i].Symbol) > out[j].Score+perf.Boost(out[j].Symbol)
	})
	return out
}

// attempt is the critical section: lease, fresh state, gate, execute.
func (e *Engine) attempt(ctx context.Context, c opportunity.Opportunity) (bool, error) {
	ls, ok := e.lock.TryAcquire("dispatch:" + c.Symbol)
	if !ok {
		e.metrics.LockContention("dispatch")
		return false, ErrLockBusy
	}
	defer e.lock.Release(ls)

	snap := e.Snapshot()
	if snap.ActiveCount() >= e.policy.MaxConcurrentPositions {
		return false, errNoSlot
	}
	if snap.Holds(c.Symbol) {
		return false, nil
	}
	in, dec, ok := e.admit(ctx, snap, c)
	if !ok {
		return false, nil
	}

	req := e.request(snap, c, in)
	pos, err := e.executor.Open(ctx, req)
	if err != nil {
		e.metrics.Order(orderResult(err))
		if target, fb := e.executor.FallbackTarget(req, err); fb {
			return e.attemptFallback(ctx, c, target, err)
		}
		logger.Warnf("Dispatch: %s %s not opened, cycle abandoned: %v", c.Symbol, c.Side, err)
		return false, err
	}
	e.metrics.Order("filled")
	logger.Infof("Dispatch: %s %s opened id=%s score=%.3f risk=%.2f(%s)",
		pos.Symbol, pos.Side, pos.ID, c.Score, dec.RiskScore, dec.RiskBand)
	return true, nil
}

// attemptFallback retries a rejected entry once on the fallback symbol. The
// target gets its own analysis and admission against a fresh snapshot; the
// cycle ends after this retry whatever the outcome.
func (e *Engine) attemptFallback(ctx context.Context, orig opportunity.Opportunity, target string, cause error) (bool, error) {
	logger.Warnf("Dispatch: %s rejected (%v), fallback policy retries on %s", orig.Symbol, cause, target)
	abandon := func(why string) (bool, error) {
		logger.Warnf("Dispatch: fallback %s skipped (%s), cycle abandoned: %v", target, why, cause)
		return false, cause
	}

	snap := e.Snapshot()
	if snap.ActiveCount() >= e.policy.MaxConcurrentPositions {
		return abandon("no free slot")
	}
	if snap.Holds(target) {
		return abandon("already held")
	}
	if e.categoryFull(target, snap) {
		return abandon("category at cap")
	}
	a, ok, err := e.source.AnalyzeMarket(ctx, target)
	if err != nil {
		return abandon(err.Error())
	}
	if !ok {
		return abandon("no analysis")
	}
	c := opportunity.Opportunity{
		Symbol:     target,
		Side:       a.Side,
		Confidence: a.Confidence,
		Score:      a.Confidence,
		Price:      a.Price,
		Volatility: a.Volatility,
		Strategy:   strings.TrimSpace(a.Strategy + " fallback"),
	}
	in, dec, ok := e.admit(ctx, snap, c)
	if !ok {
		return abandon("not admitted")
	}

	pos, err := e.executor.Open(ctx, e.request(snap, c, in))
	if err != nil {
		e.metrics.Order(orderResult(err))
		logger.Warnf("Dispatch: fallback %s %s not opened, cycle abandoned: %v", target, c.Side, err)
		return false, fmt.Errorf("fallback %s: %w (original: %v)", target, err, cause)
	}
	e.metrics.Order("filled")
	logger.Infof("Dispatch: fallback %s %s opened id=%s risk=%.2f(%s)",
		pos.Symbol, pos.Side, pos.ID, dec.RiskScore, dec.RiskBand)
	return true, errCycleDone
}

// admit sizes c against the venue rules and runs the gate on snap. It
// returns false when c is rejected or cannot be priced.
func (e *Engine) admit(ctx context.Context, snap *Snapshot, c opportunity.Opportunity) (risk.Input, risk.Decision, bool) {
	price := c.Price
	if !price.IsPositive() {
		tk, err := e.client.GetTicker(ctx, c.Symbol)
		if err != nil {
			logger.Warnf("Dispatch: %s ticker failed: %v", c.Symbol, err)
			return risk.Input{}, risk.Decision{}, false
		}
		price = tk.Price
	}
	lev := e.leverage()
	qty := c.SuggestedSize
	if !qty.IsPositive() && price.IsPositive() {
		qty = e.policy.MaxCapitalPerPosition.Mul(decimal.NewFromInt(int64(lev))).Div(price)
	}
	rules, err := e.client.InstrumentRules(ctx, c.Symbol)
	if err != nil {
		logger.Warnf("Dispatch: %s instrument rules failed: %v", c.Symbol, err)
		return risk.Input{}, risk.Decision{}, false
	}
	in := risk.Input{
		Symbol:     c.Symbol,
		Side:       c.Side,
		Confidence: c.Confidence,
		Price:      price,
		Quantity:   qty,
		Leverage:   lev,
		Volatility: c.Volatility,
	}
	if size, err := execution.ResolveQuantity(qty, price, rules, lev); err == nil {
		in.Quantity = size.Quantity
		in.Margin = size.Margin
	}

	dec := risk.Evaluate(e.policy, snap.riskState(!e.breaker.Allow()), in, e.nowFn())
	e.recordDecision(ctx, dec)
	e.metrics.Admission(dec.Approved, string(dec.Check))
	if !dec.Approved {
		logger.Infof("Dispatch: %s %s rejected [%s/%s]: %s", c.Symbol, c.Side, dec.Check, dec.Level, dec.Reason)
		return in, dec, false
	}
	return in, dec, true
}

func (e *Engine) request(snap *Snapshot, c opportunity.Opportunity, in risk.Input) execution.Request {
	return execution.Request{
		Symbol:     c.Symbol,
		Side:       c.Side,
		Quantity:   in.Quantity,
		Price:      in.Price,
		Leverage:   in.Leverage,
		Available:  snap.Available,
		Confidence: c.Confidence,
		Strategy:   c.Strategy,
		Held:       snap.HeldSymbols(),
	}
}

// categoryFull reports whether sym's category already holds the configured
// maximum of open positions.
func (e *Engine) categoryFull(sym string, snap *Snapshot) bool {
	maxPerCat := e.cfg.Dispatch.MaxPerCategory
	if maxPerCat <= 0 {
		return false
	}
	cat := e.categories.Category(sym)
	n := 0
	for _, held := range snap.HeldSymbols() {
		if e.categories.Category(held) == cat {
			n++
		}
	}
	return n >= maxPerCat
}

func (e *Engine) leverage() int {
	lev := e.cfg.Execution.Leverage
	if lev <= 0 {
		lev = 1
	}
	if m := e.policy.MaxLeverage; m > 0 && lev > m {
		lev = m
	}
	return lev
}

func orderResult(err error) string {
	switch {
	case err == nil:
		return "filled"
	case errors.Is(err, execution.ErrInsufficientCapital):
		return "insufficient_capital"
	case execution.IsValidation(err):
		return "invalid"
	case errors.Is(err, exchange.ErrRejected):
		return "rejected"
	case errors.Is(err, exchange.ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}
