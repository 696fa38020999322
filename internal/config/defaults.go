package config

import (
	"strings"
	"time"
)

const (
	ExchangeModePaper   = "paper"
	ExchangeModeBinance = "binance"

	DispatchModeMulti  = "multi"
	DispatchModeSingle = "single"

	UniverseStatic = "static"
	UniverseFile   = "file"
	UniverseHTTP   = "http"
)

const (
	defaultAppEnv        = "dev"
	defaultAppLogLevel   = "info"
	defaultAppLogFormat  = "text"
	defaultAppHTTPAddr   = ":9991"
	defaultExchangeMode  = ExchangeModePaper
	defaultBinanceREST   = "https://fapi.binance.com"
	defaultRequestTO     = 10 * time.Second
	defaultQuoteSource   = "static"
	defaultCapitalTotal  = 12.0
	defaultMinConfidence = 0.75
	defaultCooldown      = 15 * time.Minute
	defaultMaxConcurrent = 2
	defaultPerPosition   = 5.0
	defaultMinProfit     = 0.60
	defaultMaxDrawdown   = 0.10
	defaultEmergencyRate = 0.8
	defaultMaxLosses     = 3
	defaultCircuitCool   = 30 * time.Minute
	defaultTakeProfit    = 0.006
	defaultStopLoss      = 0.003
	defaultLeverage      = 20
	defaultMaxLeverage   = 50
	defaultCallTimeout   = 10 * time.Second
	defaultPollInterval  = 5 * time.Second
	defaultRetryDelay    = 10 * time.Second
	defaultMaxDuration   = 60 * time.Minute
	defaultPendingGrace  = 30 * time.Second
	defaultDispatchMode  = DispatchModeMulti
	defaultDispatchInit  = 5 * time.Second
	defaultDispatchMin   = 3 * time.Second
	defaultDispatchMax   = 10 * time.Second
	defaultPerCycleCap   = 1
	defaultMaxPerCat     = 1
	defaultCandidates    = 10
	defaultWinStreak     = 5
	defaultSuccessWindow = 10
	defaultSuccessFloor  = 0.5
	defaultRotation      = 45 * time.Second
	defaultPerformance   = 60 * time.Second
	defaultReconcile     = 30 * time.Second
	defaultHalfLife      = 6 * time.Hour
	defaultLeaseTTL      = 30 * time.Second
	defaultAdminWait     = 5 * time.Second
	defaultRatePerMinute = 120
	defaultRateSpacing   = 500 * time.Millisecond
	defaultRateBackoff   = 5 * time.Second
	defaultRateRetries   = 3
	defaultUniverse      = UniverseStatic
	defaultMaxAssets     = 20
	defaultScoreInterval = "5m"
	defaultKlineLimit    = 100
	defaultEMAFast       = 9
	defaultEMASlow       = 21
	defaultRSIPeriod     = 14
	defaultATRPeriod     = 14
	defaultScoreWorkers  = 4
	DefaultJournalDSN    = "file::memory:?cache=shared"
)

var defaultUniverseSymbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT", "DOGEUSDT"}

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Capital.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Execution.applyDefaults(keys)
	c.Monitor.applyDefaults(keys)
	c.Dispatch.applyDefaults(keys)
	c.Scheduler.applyDefaults(keys)
	c.Lock.applyDefaults(keys)
	c.RateLimit.applyDefaults(keys)
	c.Universe.applyDefaults(keys)
	c.Scoring.applyDefaults(keys)
	c.Journal.applyDefaults(keys)
}

// Default returns a configuration with every default applied, as if an
// empty file had been loaded.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(make(keySet))
	return &cfg
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.mode", &e.Mode, defaultExchangeMode),
		stringFieldDefault("exchange.base_url", &e.BaseURL, defaultBinanceREST),
		durationFieldDefault("exchange.request_timeout", &e.RequestTimeout, defaultRequestTO),
		stringFieldDefault("exchange.paper.quote_source", &e.Paper.QuoteSource, defaultQuoteSource),
	)
	e.Mode = strings.ToLower(strings.TrimSpace(e.Mode))
	if len(e.Paper.Prices) > 0 {
		norm := make(map[string]float64, len(e.Paper.Prices))
		for sym, px := range e.Paper.Prices {
			norm[strings.ToUpper(strings.TrimSpace(sym))] = px
		}
		e.Paper.Prices = norm
	}
}

func (c *CapitalConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("capital.total", &c.Total, defaultCapitalTotal),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("risk.min_confidence", &r.MinConfidence, defaultMinConfidence),
		durationFieldDefault("risk.cooldown", &r.Cooldown, defaultCooldown),
		intFieldDefault("risk.max_concurrent_positions", &r.MaxConcurrentPositions, defaultMaxConcurrent),
		floatFieldDefault("risk.max_capital_per_position", &r.MaxCapitalPerPosition, defaultPerPosition),
		floatFieldDefault("risk.min_profit_target", &r.MinProfitTarget, defaultMinProfit),
		floatFieldDefault("risk.max_drawdown", &r.MaxDrawdown, defaultMaxDrawdown),
		floatFieldDefault("risk.emergency_drawdown_ratio", &r.EmergencyDrawdownRatio, defaultEmergencyRate),
		intFieldDefault("risk.max_consecutive_losses", &r.MaxConsecutiveLosses, defaultMaxLosses),
		durationFieldDefault("risk.circuit_cooldown", &r.CircuitCooldown, defaultCircuitCool),
		floatFieldDefault("risk.take_profit_pct", &r.TakeProfitPct, defaultTakeProfit),
		floatFieldDefault("risk.stop_loss_pct", &r.StopLossPct, defaultStopLoss),
	)
}

func (e *ExecutionConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("execution.leverage", &e.Leverage, defaultLeverage),
		intFieldDefault("execution.max_leverage", &e.MaxLeverage, defaultMaxLeverage),
		boolFieldDefault("execution.protective_orders", &e.ProtectiveOrders, true),
		durationFieldDefault("execution.call_timeout", &e.CallTimeout, defaultCallTimeout),
	)
}

func (m *MonitorConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		durationFieldDefault("monitor.poll_interval", &m.PollInterval, defaultPollInterval),
		durationFieldDefault("monitor.retry_delay", &m.RetryDelay, defaultRetryDelay),
		durationFieldDefault("monitor.max_duration", &m.MaxDuration, defaultMaxDuration),
		durationFieldDefault("monitor.pending_grace", &m.PendingGrace, defaultPendingGrace),
	)
}

func (d *DispatchConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("dispatch.mode", &d.Mode, defaultDispatchMode),
		durationFieldDefault("dispatch.initial_interval", &d.InitialInterval, defaultDispatchInit),
		durationFieldDefault("dispatch.min_interval", &d.MinInterval, defaultDispatchMin),
		durationFieldDefault("dispatch.max_interval", &d.MaxInterval, defaultDispatchMax),
		intFieldDefault("dispatch.per_cycle_cap", &d.PerCycleCap, defaultPerCycleCap),
		intFieldDefault("dispatch.max_per_category", &d.MaxPerCategory, defaultMaxPerCat),
		intFieldDefault("dispatch.candidate_limit", &d.CandidateLimit, defaultCandidates),
		intFieldDefault("dispatch.win_streak", &d.WinStreak, defaultWinStreak),
		intFieldDefault("dispatch.success_window", &d.SuccessWindow, defaultSuccessWindow),
		floatFieldDefault("dispatch.success_rate_floor", &d.SuccessRateFloor, defaultSuccessFloor),
	)
	d.Mode = strings.ToLower(strings.TrimSpace(d.Mode))
	d.PrimarySymbol = strings.ToUpper(strings.TrimSpace(d.PrimarySymbol))
	d.FallbackSymbol = strings.ToUpper(strings.TrimSpace(d.FallbackSymbol))
}

func (s *SchedulerConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		durationFieldDefault("scheduler.rotation_interval", &s.RotationInterval, defaultRotation),
		durationFieldDefault("scheduler.performance_interval", &s.PerformanceInterval, defaultPerformance),
		durationFieldDefault("scheduler.reconcile_interval", &s.ReconcileInterval, defaultReconcile),
		durationFieldDefault("scheduler.performance_half_life", &s.PerformanceHalfLife, defaultHalfLife),
	)
}

func (l *LockConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		durationFieldDefault("lock.lease_ttl", &l.LeaseTTL, defaultLeaseTTL),
		durationFieldDefault("lock.admin_wait", &l.AdminWait, defaultAdminWait),
	)
}

func (r *RateLimitConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("rate_limit.max_per_minute", &r.MaxPerMinute, defaultRatePerMinute),
		durationFieldDefault("rate_limit.min_spacing", &r.MinSpacing, defaultRateSpacing),
		durationFieldDefault("rate_limit.backoff", &r.Backoff, defaultRateBackoff),
		intFieldDefault("rate_limit.max_retries", &r.MaxRetries, defaultRateRetries),
	)
}

func (u *UniverseConfig) applyDefaults(keys keySet) {
	if u == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("universe.source", &u.Source, defaultUniverse),
		intFieldDefault("universe.max_assets", &u.MaxAssets, defaultMaxAssets),
		fieldDefault{
			key:   "universe.symbols",
			need:  func() bool { return len(u.Symbols) == 0 },
			apply: func() { u.Symbols = append([]string(nil), defaultUniverseSymbols...) },
		},
	)
	u.Source = strings.ToLower(strings.TrimSpace(u.Source))
}

func (s *ScoringConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("scoring.interval", &s.Interval, defaultScoreInterval),
		intFieldDefault("scoring.kline_limit", &s.KlineLimit, defaultKlineLimit),
		intFieldDefault("scoring.ema_fast", &s.EMAFast, defaultEMAFast),
		intFieldDefault("scoring.ema_slow", &s.EMASlow, defaultEMASlow),
		intFieldDefault("scoring.rsi_period", &s.RSIPeriod, defaultRSIPeriod),
		intFieldDefault("scoring.atr_period", &s.ATRPeriod, defaultATRPeriod),
		intFieldDefault("scoring.concurrency", &s.Concurrency, defaultScoreWorkers),
	)
}

func (j *JournalConfig) applyDefaults(keys keySet) {
	if j == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("journal.enabled", &j.Enabled, true),
		stringFieldDefault("journal.dsn", &j.DSN, DefaultJournalDSN),
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}
