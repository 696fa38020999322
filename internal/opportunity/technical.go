package opportunity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"perpdesk/internal/gateway/exchange"
	"perpdesk/internal/logger"
	"perpdesk/internal/pkg/num"
	"perpdesk/internal/position"
	"perpdesk/internal/universe"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	strategyTrend   = "ema_trend"
	volumeLookback  = 20
	rsiOverbought   = 70.0
	rsiOversold     = 30.0
	baseConfidence  = 0.5
	maxVolumeFactor = 2.0
)

// TickerSource is the slice of the exchange client used to rank by volume.
type TickerSource interface {
	GetAllTickers(ctx context.Context) ([]exchange.Ticker, error)
}

type TechnicalConfig struct {
	Interval       string
	KlineLimit     int
	EMAFast        int
	EMASlow        int
	RSIPeriod      int
	ATRPeriod      int
	Concurrency    int
	MinQuoteVolume float64
	MaxAssets      int
	// PositionCapital and Leverage size SuggestedSize; zero leaves sizing
	// to the caller.
	PositionCapital decimal.Decimal
	Leverage        int
}

func (c TechnicalConfig) withDefaults() TechnicalConfig {
	if c.Interval == "" {
		c.Interval = "5m"
	}
	if c.EMAFast <= 0 {
		c.EMAFast = 9
	}
	if c.EMASlow <= c.EMAFast {
		c.EMASlow = c.EMAFast * 2
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 14
	}
	if c.KlineLimit < c.minBars() {
		c.KlineLimit = c.minBars() * 2
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

func (c TechnicalConfig) minBars() int {
	n := c.EMASlow
	if c.RSIPeriod+1 > n {
		n = c.RSIPeriod + 1
	}
	if c.ATRPeriod+1 > n {
		n = c.ATRPeriod + 1
	}
	return n + 2
}

// TechnicalSource scores symbols from klines with an EMA trend filter, RSI
// and ATR.
type TechnicalSource struct {
	provider universe.Provider
	tickers  TickerSource
	klines   exchange.KlineSource
	cfg      TechnicalConfig

	assets atomic.Pointer[[]string]
	group  singleflight.Group

	cacheMu sync.Mutex
	cache   map[string][]exchange.Kline
}

func NewTechnicalSource(provider universe.Provider, tickers TickerSource, klines exchange.KlineSource, cfg TechnicalConfig) *TechnicalSource {
	s := &TechnicalSource{
		provider: provider,
		tickers:  tickers,
		klines:   klines,
		cfg:      cfg.withDefaults(),
		cache:    make(map[string][]exchange.Kline),
	}
	empty := []string{}
	s.assets.Store(&empty)
	return s
}

func (s *TechnicalSource) EligibleAssets() []string {
	return append([]string(nil), (*s.assets.Load())...)
}

// Refresh reloads the universe and swaps the eligible list in one step.
// Concurrent calls share one reload. On failure the previous list stays.
func (s *TechnicalSource) Refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("refresh", func() (any, error) {
		syms, err := s.provider.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("universe %s: %w", s.provider.Name(), err)
		}
		syms = s.filterByVolume(ctx, syms)
		s.assets.Store(&syms)
		logger.Infof("opportunity: %d eligible assets from %s", len(syms), s.provider.Name())
		return nil, nil
	})
	return err
}

// filterByVolume drops symbols under the 24h quote-volume floor and keeps
// the most liquid MaxAssets. Symbols with no volume data pass.
func (s *TechnicalSource) filterByVolume(ctx context.Context, syms []string) []string {
	vol := map[string]float64{}
	if s.tickers != nil {
		tks, err := s.tickers.GetAllTickers(ctx)
		if err != nil {
			logger.Warnf("opportunity: tickers unavailable, skipping volume filter: %v", err)
		}
		for _, tk := range tks {
			vol[tk.Symbol] = num.Float(tk.QuoteVolume)
		}
	}
	out := make([]string, 0, len(syms))
	for _, sym := range syms {
		v, ok := vol[sym]
		if ok && v > 0 && s.cfg.MinQuoteVolume > 0 && v < s.cfg.MinQuoteVolume {
			continue
		}
		out = append(out, sym)
	}
	sort.SliceStable(out, func(i, j int) bool { return vol[out[i]] > vol[out[j]] })
	if s.cfg.MaxAssets > 0 && len(out) > s.cfg.MaxAssets {
		out = out[:s.cfg.MaxAssets]
	}
	return out
}

func (s *TechnicalSource) ClearCaches() {
	s.cacheMu.Lock()
	s.cache = make(map[string][]exchange.Kline)
	s.cacheMu.Unlock()
}

func (s *TechnicalSource) candles(ctx context.Context, sym string) ([]exchange.Kline, error) {
	s.cacheMu.Lock()
	if k, ok := s.cache[sym]; ok {
		s.cacheMu.Unlock()
		return k, nil
	}
	s.cacheMu.Unlock()

	v, err, _ := s.group.Do("klines:"+sym, func() (any, error) {
		k, err := s.klines.Klines(ctx, sym, s.cfg.Interval, s.cfg.KlineLimit)
		if err != nil {
			return nil, err
		}
		s.cacheMu.Lock()
		s.cache[sym] = k
		s.cacheMu.Unlock()
		return k, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]exchange.Kline), nil
}

// AnalyzeMarket returns false when there is not enough history to score sym.
func (s *TechnicalSource) AnalyzeMarket(ctx context.Context, sym string) (Analysis, bool, error) {
	k, err := s.candles(ctx, sym)
	if err != nil {
		return Analysis{}, false, fmt.Errorf("klines %s: %w", sym, err)
	}
	a, ok := Analyze(sym, k, s.cfg)
	return a, ok, nil
}

// Analyze is the pure scoring step behind AnalyzeMarket.
func Analyze(sym string, k []exchange.Kline, cfg TechnicalConfig) (Analysis, bool) {
	cfg = cfg.withDefaults()
	if len(k) < cfg.minBars() {
		return Analysis{}, false
	}
	closes := make([]float64, len(k))
	highs := make([]float64, len(k))
	lows := make([]float64, len(k))
	vols := make([]float64, len(k))
	for i, c := range k {
		closes[i], highs[i], lows[i], vols[i] = c.Close, c.High, c.Low, c.Volume
	}
	price := closes[len(closes)-1]
	if price <= 0 {
		return Analysis{}, false
	}
	fast := last(talib.Ema(closes, cfg.EMAFast))
	slow := last(talib.Ema(closes, cfg.EMASlow))
	rsi := last(talib.Rsi(closes, cfg.RSIPeriod))
	atr := last(talib.Atr(highs, lows, closes, cfg.ATRPeriod))
	if fast <= 0 || slow <= 0 {
		return Analysis{}, false
	}

	side := position.Long
	if fast < slow {
		side = position.Short
	}
	conf := baseConfidence
	strength := math.Abs(fast-slow) / price
	conf += math.Min(0.15, strength*30)
	if (side == position.Long && price > fast) || (side == position.Short && price < fast) {
		conf += 0.15
	}
	switch side {
	case position.Long:
		if rsi > rsiOverbought {
			conf -= 0.15
		} else if rsi > 50 {
			conf += 0.2 * (rsi - 50) / (rsiOverbought - 50)
		}
	case position.Short:
		if rsi < rsiOversold {
			conf -= 0.15
		} else if rsi < 50 {
			conf += 0.2 * (50 - rsi) / (50 - rsiOversold)
		}
	}

	return Analysis{
		Symbol:      sym,
		Side:        side,
		Confidence:  num.Clamp01(conf),
		Price:       decimal.NewFromFloat(price),
		Volatility:  atr / price,
		VolumeRatio: volumeRatio(vols),
		Strategy:    strategyTrend,
	}, true
}

// RankOpportunities scores every eligible asset, bounded by Concurrency, and
// sorts by confidence weighted with relative volume.
func (s *TechnicalSource) RankOpportunities(ctx context.Context) ([]Opportunity, error) {
	assets := s.EligibleAssets()
	results := make([]*Opportunity, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, sym := range assets {
		i, sym := i, sym
		g.Go(func() error {
			a, ok, err := s.AnalyzeMarket(gctx, sym)
			if err != nil {
				logger.Debugf("opportunity: %s skipped: %v", sym, err)
				return nil
			}
			if !ok {
				return nil
			}
			o := s.toOpportunity(a)
			results[i] = &o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]Opportunity, 0, len(results))
	for _, o := range results {
		if o != nil {
			out = append(out, *o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (s *TechnicalSource) toOpportunity(a Analysis) Opportunity {
	vf := 0.75 + 0.25*num.Clamp01(a.VolumeRatio/maxVolumeFactor)
	o := Opportunity{
		Symbol:     a.Symbol,
		Side:       a.Side,
		Confidence: a.Confidence,
		Score:      a.Confidence * vf,
		Price:      a.Price,
		Volatility: a.Volatility,
		Strategy:   a.Strategy,
	}
	if s.cfg.PositionCapital.IsPositive() && s.cfg.Leverage > 0 && a.Price.IsPositive() {
		o.SuggestedSize = s.cfg.PositionCapital.Mul(decimal.NewFromInt(int64(s.cfg.Leverage))).Div(a.Price)
	}
	return o
}

func last(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		v := series[i]
		if !math.IsNaN(v) && !math.IsInf(v, 0) && v != 0 {
			return v
		}
	}
	return 0
}

func volumeRatio(vols []float64) float64 {
	if len(vols) < 2 {
		return 1
	}
	start := len(vols) - 1 - volumeLookback
	if start < 0 {
		start = 0
	}
	window := vols[start : len(vols)-1]
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	if sum <= 0 {
		return 1
	}
	return vols[len(vols)-1] / (sum / float64(len(window)))
}
