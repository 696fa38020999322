package engine

import (
	"math"
	"sort"
	"time"

	"perpdesk/internal/logger"
	"perpdesk/internal/position"
)

const (
	maxBoost        = 0.2
	bestSymbolLimit = 3
)

// GroupStats is the recency-weighted record of one symbol, strategy or
// direction.
type GroupStats struct {
	Trades  int     `json:"trades"`
	Weight  float64 `json:"weight"`
	WinRate float64 `json:"win_rate"`
	PnL     float64 `json:"weighted_pnl"`
}

// Performance is an immutable summary of trade history.
type Performance struct {
	At            time.Time             `json:"at"`
	Trades        int                   `json:"trades"`
	HalfLife      time.Duration         `json:"half_life"`
	BySymbol      map[string]GroupStats `json:"by_symbol"`
	ByStrategy    map[string]GroupStats `json:"by_strategy"`
	ByDirection   map[string]GroupStats `json:"by_direction"`
	BestSymbols   []string              `json:"best_symbols"`
	DirectionBias string                `json:"direction_bias"`
}

// Boost is the ranking adjustment for sym, in [-0.2, 0.2]. Symbols with no
// history get zero.
func (p *Performance) Boost(sym string) float64 {
	if p == nil {
		return 0
	}
	g, ok := p.BySymbol[sym]
	if !ok || g.Weight <= 0 {
		return 0
	}
	b := (g.WinRate - 0.5) * 2 * maxBoost
	return math.Max(-maxBoost, math.Min(maxBoost, b))
}

type accumulator struct {
	trades int
	weight float64
	wins   float64
	pnl    float64
}

func (a *accumulator) add(w float64, rec position.Record) {
	a.trades++
	a.weight += w
	if rec.Won() {
		a.wins += w
	}
	pnl, _ := rec.RealizedPnL.Float64()
	a.pnl += w * pnl
}

func (a accumulator) stats() GroupStats {
	g := GroupStats{Trades: a.trades, Weight: a.weight, PnL: a.pnl}
	if a.weight > 0 {
		g.WinRate = a.wins / a.weight
	}
	return g
}

// ComputePerformance weighs each record by 0.5^(age/halfLife).
func ComputePerformance(history []position.Record, now time.Time, halfLife time.Duration) *Performance {
	if halfLife <= 0 {
		halfLife = 6 * time.Hour
	}
	bySym := map[string]*accumulator{}
	byStrat := map[string]*accumulator{}
	byDir := map[string]*accumulator{}
	get := func(m map[string]*accumulator, k string) *accumulator {
		a, ok := m[k]
		if !ok {
			a = &accumulator{}
			m[k] = a
		}
		return a
	}
	for _, rec := range history {
		age := now.Sub(rec.ClosedAt)
		if age < 0 {
			age = 0
		}
		w := math.Pow(0.5, age.Hours()/halfLife.Hours())
		get(bySym, rec.Symbol).add(w, rec)
		strat := rec.Strategy
		if strat == "" {
			strat = "unknown"
		}
		get(byStrat, strat).add(w, rec)
		get(byDir, string(rec.Side)).add(w, rec)
	}

	perf := &Performance{
		At:          now,
		Trades:      len(history),
		HalfLife:    halfLife,
		BySymbol:    flatten(bySym),
		ByStrategy:  flatten(byStrat),
		ByDirection: flatten(byDir),
	}
	for sym, g := range perf.BySymbol {
		if g.PnL > 0 {
			perf.BestSymbols = append(perf.BestSymbols, sym)
		}
	}
	sort.Slice(perf.BestSymbols, func(i, j int) bool {
		a, b := perf.BySymbol[perf.BestSymbols[i]], perf.BySymbol[perf.BestSymbols[j]]
		if a.PnL == b.PnL {
			return perf.BestSymbols[i] < perf.BestSymbols[j]
		}
		return a.PnL > b.PnL
	})
	if len(perf.BestSymbols) > bestSymbolLimit {
		perf.BestSymbols = perf.BestSymbols[:bestSymbolLimit]
	}

	long := perf.ByDirection[string(position.Long)].PnL
	short := perf.ByDirection[string(position.Short)].PnL
	switch {
	case long > short && long > 0:
		perf.DirectionBias = string(position.Long)
	case short > long && short > 0:
		perf.DirectionBias = string(position.Short)
	default:
		perf.DirectionBias = "neutral"
	}
	return perf
}

func flatten(m map[string]*accumulator) map[string]GroupStats {
	out := make(map[string]GroupStats, len(m))
	for k, a := range m {
		out[k] = a.stats()
	}
	return out
}

// Performance returns the last published summary.
func (e *Engine) Performance() *Performance {
	return e.performance.Load()
}

// RefreshPerformance recomputes the summary from the current snapshot. It
// takes no lock; it only reads history.
func (e *Engine) RefreshPerformance() *Performance {
	snap := e.Snapshot()
	perf := ComputePerformance(snap.History, e.nowFn(), e.cfg.Scheduler.PerformanceHalfLife)
	e.performance.Store(perf)
	logger.Debugf("Engine: performance refreshed trades=%d best=%v bias=%s", perf.Trades, perf.BestSymbols, perf.DirectionBias)
	return perf
}
