package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
symbol: BTC-USD
mode: paper
strategy:
  tick_size: "0.01"
  base_offset_ticks: "2"
  min_spread_ticks: "0.5"
  order_qty: "0.02"
  neutral_band: "0.05"
  refresh_interval: 250ms
risk:
  position_limit: "0.5"
  daily_loss_limit: "-200"
  drawdown_limit: "75"
  order_rate_limit: 5
  breaker_enabled: true
feed:
  url: wss://feed.example.com/ws
orders:
  order_timeout: 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "BTC-USD", cfg.Symbol)
	assert.Equal(t, ModePaper, cfg.Mode)
	assert.True(t, cfg.Strategy.TickSize.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, cfg.Strategy.OrderQty.Equal(decimal.RequireFromString("0.02")))
	assert.True(t, cfg.Strategy.BaseOffsetTicks.Equal(decimal.RequireFromString("2")))
	assert.True(t, cfg.Strategy.MinSpreadTicks.Equal(decimal.RequireFromString("0.5")), "fractional tick floor survives decoding")
	assert.Equal(t, 250*time.Millisecond, cfg.Strategy.RefreshInterval)
	assert.True(t, cfg.Risk.DailyLossLimit.Equal(decimal.RequireFromString("-200")))
	assert.Equal(t, 2*time.Second, cfg.Orders.OrderTimeout)

	// defaults fill untouched sections
	assert.Equal(t, 3, cfg.Orders.MaxRetries)
	assert.Equal(t, ":9109", cfg.Metrics.Addr)
}

func TestLoadRejectsMissingSymbol(t *testing.T) {
	path := writeConfig(t, `
mode: paper
feed:
  url: wss://feed.example.com/ws
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbol")
}

func TestLoadRejectsPositiveLossLimit(t *testing.T) {
	path := writeConfig(t, `
symbol: BTC-USD
mode: paper
risk:
  daily_loss_limit: "100"
feed:
  url: wss://feed.example.com/ws
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daily_loss_limit")
}

func TestLoadRejectsLiveWithoutAdapter(t *testing.T) {
	path := writeConfig(t, `
symbol: BTC-USD
mode: live
feed:
  url: wss://feed.example.com/ws
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live mode")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestFractionalTickDefaults(t *testing.T) {
	path := writeConfig(t, `
symbol: BTC-USD
mode: paper
feed:
  url: wss://feed.example.com/ws
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Strategy.BaseOffsetTicks.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, cfg.Strategy.MinSpreadTicks.Equal(decimal.RequireFromString("0.5")))
}

func TestWarnThresholdsConfigurable(t *testing.T) {
	path := writeConfig(t, `
symbol: BTC-USD
mode: paper
risk:
  position_warn_pct: 0.9
  pnl_warn_pct: 0.5
feed:
  url: wss://feed.example.com/ws
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.9, cfg.Risk.PositionWarnPct)
	assert.Equal(t, 0.5, cfg.Risk.PnLWarnPct)

	bad := writeConfig(t, `
symbol: BTC-USD
mode: paper
risk:
  position_warn_pct: 1.5
feed:
  url: wss://feed.example.com/ws
`)
	_, err = Load(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warning thresholds")
}
