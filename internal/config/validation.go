package config

import (
	"fmt"
	"strings"
)

// validate returns the first violation found.
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if c.Capital.Total <= 0 {
		return fmt.Errorf("capital.total must be > 0")
	}
	if err := c.Risk.validate(c.Capital.Total); err != nil {
		return err
	}
	if err := c.Execution.validate(); err != nil {
		return err
	}
	if err := c.Monitor.validate(c.Exchange); err != nil {
		return err
	}
	if err := c.Dispatch.validate(); err != nil {
		return err
	}
	if err := c.Lock.validate(); err != nil {
		return err
	}
	if err := c.RateLimit.validate(); err != nil {
		return err
	}
	if err := c.Universe.validate(); err != nil {
		return err
	}
	if err := c.Scoring.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

// Validate re-runs validation, e.g. after programmatic overrides.
func (c *Config) Validate() error {
	return validate(c)
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(a.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json, got %s", a.LogFormat)
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	switch e.Mode {
	case ExchangeModePaper:
		switch e.Paper.QuoteSource {
		case "static":
			if len(e.Paper.Prices) == 0 {
				return fmt.Errorf("exchange.paper.prices is required when quote_source=static")
			}
		case "binance":
		default:
			return fmt.Errorf("exchange.paper.quote_source must be static or binance, got %s", e.Paper.QuoteSource)
		}
		for sym, px := range e.Paper.Prices {
			if px <= 0 {
				return fmt.Errorf("exchange.paper.prices.%s must be > 0", sym)
			}
		}
	case ExchangeModeBinance:
		if strings.TrimSpace(e.APIKey) == "" || strings.TrimSpace(e.APISecret) == "" {
			return fmt.Errorf("exchange.mode=binance requires api_key and api_secret")
		}
	default:
		return fmt.Errorf("exchange.mode must be paper or binance, got %s", e.Mode)
	}
	return nil
}

func (r *RiskConfig) validate(total float64) error {
	if r.MinConfidence <= 0 || r.MinConfidence > 1 {
		return fmt.Errorf("risk.min_confidence must be in (0, 1]")
	}
	if r.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("risk.max_concurrent_positions must be > 0")
	}
	if r.MaxCapitalPerPosition <= 0 || r.MaxCapitalPerPosition > total {
		return fmt.Errorf("risk.max_capital_per_position must be in (0, capital.total]")
	}
	if r.MinProfitTarget < 0 {
		return fmt.Errorf("risk.min_profit_target must be >= 0")
	}
	if r.MaxDrawdown <= 0 || r.MaxDrawdown > 1 {
		return fmt.Errorf("risk.max_drawdown must be in (0, 1]")
	}
	if r.EmergencyDrawdownRatio <= 0 || r.EmergencyDrawdownRatio > 1 {
		return fmt.Errorf("risk.emergency_drawdown_ratio must be in (0, 1]")
	}
	if r.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("risk.max_consecutive_losses must be > 0")
	}
	if r.TakeProfitPct <= 0 || r.StopLossPct <= 0 {
		return fmt.Errorf("risk.take_profit_pct and risk.stop_loss_pct must be > 0")
	}
	if r.StopLossPct >= 1 {
		return fmt.Errorf("risk.stop_loss_pct must be < 1")
	}
	return nil
}

func (e *ExecutionConfig) validate() error {
	if e.Leverage <= 0 {
		return fmt.Errorf("execution.leverage must be > 0")
	}
	if e.MaxLeverage < e.Leverage {
		return fmt.Errorf("execution.max_leverage (%d) must be >= execution.leverage (%d)", e.MaxLeverage, e.Leverage)
	}
	return nil
}

func (m *MonitorConfig) validate(ex ExchangeConfig) error {
	if m.SimulationFallbackProfit && !ex.IsPaper() {
		return fmt.Errorf("monitor.simulation_fallback_profit is only allowed with exchange.mode=paper")
	}
	if m.PollInterval <= 0 || m.RetryDelay <= 0 || m.MaxDuration <= 0 {
		return fmt.Errorf("monitor intervals must be > 0")
	}
	return nil
}

func (d *DispatchConfig) validate() error {
	switch d.Mode {
	case DispatchModeMulti:
	case DispatchModeSingle:
		if d.PrimarySymbol == "" {
			return fmt.Errorf("dispatch.mode=single requires dispatch.primary_symbol")
		}
	default:
		return fmt.Errorf("dispatch.mode must be multi or single, got %s", d.Mode)
	}
	if d.MinInterval > d.MaxInterval {
		return fmt.Errorf("dispatch.min_interval must be <= dispatch.max_interval")
	}
	if d.InitialInterval < d.MinInterval || d.InitialInterval > d.MaxInterval {
		return fmt.Errorf("dispatch.initial_interval must lie in [min_interval, max_interval]")
	}
	if d.SuccessRateFloor < 0 || d.SuccessRateFloor > 1 {
		return fmt.Errorf("dispatch.success_rate_floor must be in [0, 1]")
	}
	if d.FallbackSymbol != "" && d.FallbackSymbol == d.PrimarySymbol {
		return fmt.Errorf("dispatch.fallback_symbol must differ from dispatch.primary_symbol")
	}
	return nil
}

func (l *LockConfig) validate() error {
	if l.LeaseTTL <= 0 {
		return fmt.Errorf("lock.lease_ttl must be > 0")
	}
	return nil
}

func (r *RateLimitConfig) validate() error {
	if r.MaxPerMinute <= 0 {
		return fmt.Errorf("rate_limit.max_per_minute must be > 0")
	}
	if r.MinSpacing < 0 {
		return fmt.Errorf("rate_limit.min_spacing must be >= 0")
	}
	return nil
}

func (u *UniverseConfig) validate() error {
	switch u.Source {
	case UniverseStatic:
		if len(u.Symbols) == 0 {
			return fmt.Errorf("universe.symbols cannot be empty when source=static")
		}
	case UniverseFile:
		if strings.TrimSpace(u.Path) == "" {
			return fmt.Errorf("universe.path is required when source=file")
		}
	case UniverseHTTP:
		if strings.TrimSpace(u.URL) == "" {
			return fmt.Errorf("universe.url is required when source=http")
		}
	default:
		return fmt.Errorf("universe.source must be static, file or http, got %s", u.Source)
	}
	return nil
}

func (s *ScoringConfig) validate() error {
	if !IsValidInterval(s.Interval) {
		return fmt.Errorf("scoring.interval is invalid: %s", s.Interval)
	}
	if s.EMAFast >= s.EMASlow {
		return fmt.Errorf("scoring.ema_fast must be < scoring.ema_slow")
	}
	if s.KlineLimit <= s.EMASlow {
		return fmt.Errorf("scoring.kline_limit must exceed scoring.ema_slow")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

// IsValidInterval accepts a number followed by m, h, d or w.
func IsValidInterval(s string) bool {
	if len(s) < 2 {
		return false
	}
	suf := s[len(s)-1]
	if suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
