package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"perpdesk/internal/config"
	"perpdesk/internal/engine"
	"perpdesk/internal/gateway/binance"
	"perpdesk/internal/gateway/exchange"
	"perpdesk/internal/gateway/notifier"
	"perpdesk/internal/gateway/paper"
	"perpdesk/internal/journal"
	"perpdesk/internal/logger"
	"perpdesk/internal/metrics"
	"perpdesk/internal/opportunity"
	"perpdesk/internal/ratelimit"
	adminhttp "perpdesk/internal/transport/http/admin"
	"perpdesk/internal/universe"

	"github.com/shopspring/decimal"
)

// Venue is the trading client plus the candle source the scorer reads.
type Venue struct {
	Client exchange.Client
	Klines exchange.KlineSource
}

type AppBuilder struct {
	cfg *config.Config

	venueFn    func(*config.Config) (Venue, error)
	universeFn func(config.UniverseConfig) (universe.Provider, error)
	notifierFn func(config.NotifyConfig) notifier.TextNotifier
	journalFn  func(config.JournalConfig) (*journal.Store, error)
}

type AppBuilderOption func(*AppBuilder)

// WithVenue replaces the exchange selected by exchange.mode.
func WithVenue(v Venue) AppBuilderOption {
	return func(b *AppBuilder) {
		b.venueFn = func(*config.Config) (Venue, error) { return v, nil }
	}
}

func WithUniverse(p universe.Provider) AppBuilderOption {
	return func(b *AppBuilder) {
		b.universeFn = func(config.UniverseConfig) (universe.Provider, error) { return p, nil }
	}
}

func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.notifierFn = func(config.NotifyConfig) notifier.TextNotifier { return n }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		venueFn:    buildVenue,
		universeFn: universe.FromConfig,
		notifierFn: buildNotifier,
		journalFn:  openJournal,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	venue, err := b.venueFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}
	limiter := ratelimit.New(ratelimit.Config{
		MaxPerWindow: cfg.RateLimit.MaxPerMinute,
		Window:       time.Minute,
		MinSpacing:   cfg.RateLimit.MinSpacing,
		Backoff:      cfg.RateLimit.Backoff,
		MaxRetries:   cfg.RateLimit.MaxRetries,
	})
	client := exchange.NewLimited(venue.Client, limiter)
	var klines exchange.KlineSource = client
	if venue.Klines != nil {
		klines = venue.Klines
		if c, ok := venue.Klines.(exchange.Client); ok {
			klines = exchange.NewLimited(c, limiter)
		}
	}
	logger.Infof("✓ exchange %s (rate limit %d/min, spacing %s)", client.Name(), cfg.RateLimit.MaxPerMinute, cfg.RateLimit.MinSpacing)

	provider, err := b.universeFn(cfg.Universe)
	if err != nil {
		return nil, err
	}
	source := opportunity.NewTechnicalSource(provider, client, klines, opportunity.TechnicalConfig{
		Interval:        cfg.Scoring.Interval,
		KlineLimit:      cfg.Scoring.KlineLimit,
		EMAFast:         cfg.Scoring.EMAFast,
		EMASlow:         cfg.Scoring.EMASlow,
		RSIPeriod:       cfg.Scoring.RSIPeriod,
		ATRPeriod:       cfg.Scoring.ATRPeriod,
		Concurrency:     cfg.Scoring.Concurrency,
		MinQuoteVolume:  cfg.Universe.MinQuoteVolume,
		MaxAssets:       cfg.Universe.MaxAssets,
		PositionCapital: decimal.NewFromFloat(cfg.Risk.MaxCapitalPerPosition),
		Leverage:        cfg.Execution.Leverage,
	})

	rec := metrics.New()
	deps := engine.Deps{
		Client:   client,
		Source:   source,
		Notifier: b.notifierFn(cfg.Notify),
		Metrics:  rec,
		Limiter:  limiter,
	}
	var store *journal.Store
	if cfg.Journal.Enabled {
		store, err = b.journalFn(cfg.Journal)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		deps.Journal = store
		logger.Infof("✓ journal at %s", cfg.Journal.DSN)
	}

	eng, err := engine.New(cfg, deps)
	if err != nil {
		closeJournal(store)
		return nil, err
	}

	srvCfg := adminhttp.ServerConfig{Addr: cfg.App.HTTPAddr, Desk: eng, Metrics: rec.Handler()}
	if store != nil {
		srvCfg.Trades = store
	}
	srv, err := adminhttp.NewServer(srvCfg)
	if err != nil {
		closeJournal(store)
		return nil, err
	}

	return &App{
		cfg:      cfg,
		engine:   eng,
		http:     srv,
		universe: provider,
		journal:  store,
		Summary:  buildSummary(cfg, client.Name(), provider.Name()),
	}, nil
}

func buildVenue(cfg *config.Config) (Venue, error) {
	bcfg := binance.Config{
		APIKey:      cfg.Exchange.APIKey,
		APISecret:   cfg.Exchange.APISecret,
		Testnet:     cfg.Exchange.Testnet,
		RESTBaseURL: cfg.Exchange.BaseURL,
		HTTPTimeout: cfg.Exchange.RequestTimeout,
	}
	switch cfg.Exchange.Mode {
	case config.ExchangeModeBinance:
		c := binance.New(bcfg)
		return Venue{Client: c}, nil
	case config.ExchangeModePaper:
		// Candles always come from the public market data endpoints.
		public := binance.New(binance.Config{Testnet: bcfg.Testnet, RESTBaseURL: bcfg.RESTBaseURL, HTTPTimeout: bcfg.HTTPTimeout})
		var quotes paper.QuoteSource
		if cfg.Exchange.Paper.QuoteSource == config.ExchangeModeBinance {
			quotes = paper.NewClientQuotes(public)
		} else {
			quotes = paper.NewStaticQuotes(cfg.Exchange.Paper.Prices)
		}
		px := cfg.Exchange.Paper
		sim := paper.New(quotes, paper.Rules{
			MinQty:      decimal.NewFromFloat(px.MinQty),
			QtyStep:     decimal.NewFromFloat(px.QtyStep),
			MinNotional: decimal.NewFromFloat(px.MinNotional),
			TickSize:    decimal.NewFromFloat(px.TickSize),
		})
		return Venue{Client: sim, Klines: public}, nil
	default:
		return Venue{}, fmt.Errorf("unknown exchange mode %q", cfg.Exchange.Mode)
	}
}

func buildNotifier(cfg config.NotifyConfig) notifier.TextNotifier {
	if !cfg.Telegram.Enabled {
		return notifier.Nop{}
	}
	return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}

func openJournal(cfg config.JournalConfig) (*journal.Store, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = config.DefaultJournalDSN
	}
	return journal.Open(dsn)
}

func closeJournal(s *journal.Store) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		logger.Warnf("journal close: %v", err)
	}
}

func buildSummary(cfg *config.Config, venue, universeName string) *StartupSummary {
	cats := make([]string, 0, len(cfg.Universe.Categories))
	for sym, c := range cfg.Universe.Categories {
		cats = append(cats, sym+"="+c)
	}
	sort.Strings(cats)
	return &StartupSummary{
		Env:      cfg.App.Env,
		Exchange: venue,
		Capital: CapitalSummary{
			Total:          cfg.Capital.Total,
			PerPosition:    cfg.Risk.MaxCapitalPerPosition,
			MaxPositions:   cfg.Risk.MaxConcurrentPositions,
			MinProfit:      cfg.Risk.MinProfitTarget,
			Leverage:       cfg.Execution.Leverage,
			MaxDrawdown:    cfg.Risk.MaxDrawdown,
			MinConfidence:  cfg.Risk.MinConfidence,
			MaxConsecutive: cfg.Risk.MaxConsecutiveLosses,
		},
		Dispatch: DispatchSummary{
			Mode:     cfg.Dispatch.Mode,
			Primary:  cfg.Dispatch.PrimarySymbol,
			Fallback: cfg.Dispatch.FallbackSymbol,
			Initial:  cfg.Dispatch.InitialInterval,
			Min:      cfg.Dispatch.MinInterval,
			Max:      cfg.Dispatch.MaxInterval,
		},
		Universe: UniverseSummary{
			Source:     universeName,
			Symbols:    cfg.Universe.Symbols,
			MaxAssets:  cfg.Universe.MaxAssets,
			Categories: cats,
		},
		HTTPAddr: cfg.App.HTTPAddr,
		Journal:  cfg.Journal.Enabled,
	}
}
