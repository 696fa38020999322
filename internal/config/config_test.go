package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalPaper = `
exchange:
  mode: paper
  paper:
    prices:
      btcusdt: 100
`

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", minimalPaper)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12.0, cfg.Capital.Total)
	assert.Equal(t, 2, cfg.Risk.MaxConcurrentPositions)
	assert.Equal(t, 5.0, cfg.Risk.MaxCapitalPerPosition)
	assert.Equal(t, 0.60, cfg.Risk.MinProfitTarget)
	assert.Equal(t, 0.75, cfg.Risk.MinConfidence)
	assert.Equal(t, 15*time.Minute, cfg.Risk.Cooldown)
	assert.Equal(t, 30*time.Second, cfg.Lock.LeaseTTL)
	assert.Equal(t, 120, cfg.RateLimit.MaxPerMinute)
	assert.Equal(t, 500*time.Millisecond, cfg.RateLimit.MinSpacing)
	assert.Equal(t, 5*time.Second, cfg.Monitor.PollInterval)
	assert.True(t, cfg.Execution.ProtectiveOrders)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, DefaultJournalDSN, cfg.Journal.DSN)
	assert.Equal(t, 100.0, cfg.Exchange.Paper.Prices["BTCUSDT"])
	assert.Empty(t, cfg.Dispatch.FallbackSymbol)
	assert.False(t, cfg.Monitor.SimulationFallbackProfit)
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", minimalPaper+`
risk:
  cooldown: 5m
  min_confidence: 0.6
execution:
  protective_orders: false
journal:
  enabled: false
dispatch:
  fallback_symbol: ethusdt
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Risk.Cooldown)
	assert.Equal(t, 0.6, cfg.Risk.MinConfidence)
	assert.False(t, cfg.Execution.ProtectiveOrders)
	assert.False(t, cfg.Journal.Enabled)
	assert.Equal(t, "ETHUSDT", cfg.Dispatch.FallbackSymbol)
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", minimalPaper+`
capital:
  total: 50
`)
	path := writeFile(t, dir, "config.yaml", `
include:
  - base.yaml
capital:
  total: 20
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20.0, cfg.Capital.Total)
	assert.Equal(t, 100.0, cfg.Exchange.Paper.Prices["BTCUSDT"])
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	path := writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoadReadsSecretsFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
exchange:
  mode: binance
`)
	t.Setenv("PERPDESK_EXCHANGE_API_KEY", "key")
	t.Setenv("PERPDESK_EXCHANGE_API_SECRET", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "key", cfg.Exchange.APIKey)
	assert.Equal(t, "secret", cfg.Exchange.APISecret)
}

func TestValidationRejects(t *testing.T) {
	cases := map[string]string{
		"simulation fallback outside paper": `
exchange: {mode: binance, api_key: k, api_secret: s}
monitor: {simulation_fallback_profit: true}
`,
		"single mode without symbol": minimalPaper + `
dispatch: {mode: single}
`,
		"per position above total": minimalPaper + `
capital: {total: 4}
`,
		"bad universe": minimalPaper + `
universe: {source: carrier-pigeon}
`,
		"static prices missing": `
exchange: {mode: paper}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultConfigPath, ResolvePath(""))
	t.Setenv(EnvConfigPath, "/etc/perpdesk.yaml")
	assert.Equal(t, "/etc/perpdesk.yaml", ResolvePath(""))
	assert.Equal(t, "x.yaml", ResolvePath("x.yaml"))
}

func TestDefaultIsValidWithPrices(t *testing.T) {
	cfg := Default()
	cfg.Exchange.Paper.Prices = map[string]float64{"BTCUSDT": 100}
	assert.NoError(t, cfg.Validate())
}
