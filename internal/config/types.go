package config

import (
	"strings"
	"time"
)

// Config is the root configuration of a perpdesk process.
type Config struct {
	Include   []string        `toml:"include"`
	App       AppConfig       `toml:"app"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Capital   CapitalConfig   `toml:"capital"`
	Risk      RiskConfig      `toml:"risk"`
	Execution ExecutionConfig `toml:"execution"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Lock      LockConfig      `toml:"lock"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Universe  UniverseConfig  `toml:"universe"`
	Scoring   ScoringConfig   `toml:"scoring"`
	Journal   JournalConfig   `toml:"journal"`
	Notify    NotifyConfig    `toml:"notify"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
}

// ExchangeConfig selects the venue. "paper" runs against the in-memory
// simulator, "binance" against USDⓈ-M futures.
type ExchangeConfig struct {
	Mode           string        `toml:"mode"`
	APIKey         string        `toml:"api_key"`
	APISecret      string        `toml:"api_secret"`
	Testnet        bool          `toml:"testnet"`
	BaseURL        string        `toml:"base_url"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	Paper          PaperConfig   `toml:"paper"`
}

func (e ExchangeConfig) IsPaper() bool {
	return strings.EqualFold(strings.TrimSpace(e.Mode), ExchangeModePaper)
}

// PaperConfig controls the simulated exchange. QuoteSource "static" serves
// the configured Prices; "binance" pulls public mark prices.
type PaperConfig struct {
	QuoteSource string             `toml:"quote_source"`
	Prices      map[string]float64 `toml:"prices"`
	MinQty      float64            `toml:"min_qty"`
	QtyStep     float64            `toml:"qty_step"`
	MinNotional float64            `toml:"min_notional"`
	TickSize    float64            `toml:"tick_size"`
}

type CapitalConfig struct {
	Total float64 `toml:"total"`
}

type RiskConfig struct {
	MinConfidence          float64       `toml:"min_confidence"`
	Cooldown               time.Duration `toml:"cooldown"`
	MaxConcurrentPositions int           `toml:"max_concurrent_positions"`
	MaxCapitalPerPosition  float64       `toml:"max_capital_per_position"`
	MinProfitTarget        float64       `toml:"min_profit_target"`
	MaxDrawdown            float64       `toml:"max_drawdown"`
	EmergencyDrawdownRatio float64       `toml:"emergency_drawdown_ratio"`
	MaxConsecutiveLosses   int           `toml:"max_consecutive_losses"`
	CircuitCooldown        time.Duration `toml:"circuit_cooldown"`
	TakeProfitPct          float64       `toml:"take_profit_pct"`
	StopLossPct            float64       `toml:"stop_loss_pct"`
}

type ExecutionConfig struct {
	Leverage         int           `toml:"leverage"`
	MaxLeverage      int           `toml:"max_leverage"`
	ProtectiveOrders bool          `toml:"protective_orders"`
	CallTimeout      time.Duration `toml:"call_timeout"`
}

type MonitorConfig struct {
	PollInterval             time.Duration `toml:"poll_interval"`
	RetryDelay               time.Duration `toml:"retry_delay"`
	MaxDuration              time.Duration `toml:"max_duration"`
	PendingGrace             time.Duration `toml:"pending_grace"`
	SimulationFallbackProfit bool          `toml:"simulation_fallback_profit"`
}

// DispatchConfig drives the trade dispatch tick. Mode "multi" trades the
// ranked universe, "single" only PrimarySymbol. FallbackSymbol is an opt-in
// retry target after an exchange rejection; empty disables it.
type DispatchConfig struct {
	Mode             string        `toml:"mode"`
	PrimarySymbol    string        `toml:"primary_symbol"`
	FallbackSymbol   string        `toml:"fallback_symbol"`
	InitialInterval  time.Duration `toml:"initial_interval"`
	MinInterval      time.Duration `toml:"min_interval"`
	MaxInterval      time.Duration `toml:"max_interval"`
	PerCycleCap      int           `toml:"per_cycle_cap"`
	MaxPerCategory   int           `toml:"max_per_category"`
	CandidateLimit   int           `toml:"candidate_limit"`
	WinStreak        int           `toml:"win_streak"`
	SuccessWindow    int           `toml:"success_window"`
	SuccessRateFloor float64       `toml:"success_rate_floor"`
}

type SchedulerConfig struct {
	RotationInterval    time.Duration `toml:"rotation_interval"`
	PerformanceInterval time.Duration `toml:"performance_interval"`
	ReconcileInterval   time.Duration `toml:"reconcile_interval"`
	PerformanceHalfLife time.Duration `toml:"performance_half_life"`
}

type LockConfig struct {
	LeaseTTL  time.Duration `toml:"lease_ttl"`
	AdminWait time.Duration `toml:"admin_wait"`
}

type RateLimitConfig struct {
	MaxPerMinute int           `toml:"max_per_minute"`
	MinSpacing   time.Duration `toml:"min_spacing"`
	Backoff      time.Duration `toml:"backoff"`
	MaxRetries   int           `toml:"max_retries"`
}

// UniverseConfig describes where the eligible symbol list comes from.
type UniverseConfig struct {
	Source         string            `toml:"source"`
	Symbols        []string          `toml:"symbols"`
	Path           string            `toml:"path"`
	URL            string            `toml:"url"`
	MinQuoteVolume float64           `toml:"min_quote_volume"`
	MaxAssets      int               `toml:"max_assets"`
	Categories     map[string]string `toml:"categories"`
}

type ScoringConfig struct {
	Interval    string `toml:"interval"`
	KlineLimit  int    `toml:"kline_limit"`
	EMAFast     int    `toml:"ema_fast"`
	EMASlow     int    `toml:"ema_slow"`
	RSIPeriod   int    `toml:"rsi_period"`
	ATRPeriod   int    `toml:"atr_period"`
	Concurrency int    `toml:"concurrency"`
}

type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	DSN     string `toml:"dsn"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// keySet tracks the config paths explicitly set in any loaded file.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault describes how a single field is defaulted.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
