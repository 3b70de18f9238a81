// Package config loads and validates the engine configuration.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Mode selects the execution venue.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Config is the full engine configuration.
type Config struct {
	Symbol string `mapstructure:"symbol"`
	Mode   Mode   `mapstructure:"mode"`

	Strategy Strategy `mapstructure:"strategy"`
	Risk     Risk     `mapstructure:"risk"`
	Feed     Feed     `mapstructure:"feed"`
	Orders   Orders   `mapstructure:"orders"`
	Paper    Paper    `mapstructure:"paper"`
	Cache    Cache    `mapstructure:"cache"`
	Archive  Archive  `mapstructure:"archive"`
	Journal  Journal  `mapstructure:"journal"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Log      Log      `mapstructure:"log"`
}

// Strategy tunes the quoting logic.
type Strategy struct {
	TickSize        decimal.Decimal `mapstructure:"tick_size"`
	BaseOffsetTicks decimal.Decimal `mapstructure:"base_offset_ticks"` // may be fractional
	MinSpreadTicks  decimal.Decimal `mapstructure:"min_spread_ticks"`  // may be fractional
	OrderQty        decimal.Decimal `mapstructure:"order_qty"`
	NeutralBand     decimal.Decimal `mapstructure:"neutral_band"`
	NumLevels       int             `mapstructure:"num_levels"`
	RefreshInterval time.Duration   `mapstructure:"refresh_interval"`
}

// Risk holds the static limits.
type Risk struct {
	PositionLimit  decimal.Decimal `mapstructure:"position_limit"`
	DailyLossLimit decimal.Decimal `mapstructure:"daily_loss_limit"`
	DrawdownLimit  decimal.Decimal `mapstructure:"drawdown_limit"`
	OrderRateLimit int             `mapstructure:"order_rate_limit"`
	BreakerEnabled bool            `mapstructure:"breaker_enabled"`
	CheckInterval  time.Duration   `mapstructure:"check_interval"`

	PositionWarnPct float64 `mapstructure:"position_warn_pct"` // warn at this position utilization
	PnLWarnPct      float64 `mapstructure:"pnl_warn_pct"`      // warn at this fraction of the loss limit
}

// Feed configures the market-data session.
type Feed struct {
	URL              string        `mapstructure:"url"`
	Depth            int           `mapstructure:"depth"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	ReconnectBase    time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
}

// Orders configures the order manager.
type Orders struct {
	MinQty         decimal.Decimal `mapstructure:"min_qty"`
	MaxQty         decimal.Decimal `mapstructure:"max_qty"`
	PriceBandPct   decimal.Decimal `mapstructure:"price_band_pct"`
	OrderTimeout   time.Duration   `mapstructure:"order_timeout"`
	CancelGrace    time.Duration   `mapstructure:"cancel_grace"`
	MaxRetries     int             `mapstructure:"max_retries"`
	RetryBackoff   time.Duration   `mapstructure:"retry_backoff"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	RatePerSec     float64         `mapstructure:"rate_per_sec"`
}

// Paper tunes the simulated venue.
type Paper struct {
	FillProbability float64       `mapstructure:"fill_probability"`
	FillDelay       time.Duration `mapstructure:"fill_delay"`
	PartialRatio    float64       `mapstructure:"partial_ratio"`
	Seed            int64         `mapstructure:"seed"`
}

// Cache configures the Redis open-order cache.
type Cache struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Archive configures the PostgreSQL order archive.
type Archive struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	Database   string `mapstructure:"database"`
	SSLMode    string `mapstructure:"ssl_mode"`
	ConnString string `mapstructure:"conn_string"`
}

// Journal configures the session recorder.
type Journal struct {
	Enabled       bool          `mapstructure:"enabled"`
	Dir           string        `mapstructure:"dir"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Metrics configures the Prometheus listener.
type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Log configures logging.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// Load reads the configuration file at path. An empty path searches for
// config.yaml in the working directory. Environment variables prefixed
// QUOTERD_ override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("QUOTERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	hook := mapstructure.ComposeDecodeHookFunc(
		decimalHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants a session cannot start without.
func (c Config) Validate() error {
	if c.Symbol == "" {
		return errors.New("symbol is required")
	}
	if c.Mode != ModePaper && c.Mode != ModeLive {
		return fmt.Errorf("mode must be %q or %q, got %q", ModePaper, ModeLive, c.Mode)
	}
	if c.Strategy.TickSize.Sign() <= 0 {
		return errors.New("strategy.tick_size must be positive")
	}
	if c.Strategy.OrderQty.Sign() <= 0 {
		return errors.New("strategy.order_qty must be positive")
	}
	if c.Strategy.MinSpreadTicks.Sign() < 0 || c.Strategy.BaseOffsetTicks.Sign() < 0 {
		return errors.New("strategy tick offsets must be non-negative")
	}
	if c.Risk.DailyLossLimit.Sign() > 0 {
		return errors.New("risk.daily_loss_limit must be zero or negative")
	}
	if c.Risk.DrawdownLimit.Sign() < 0 {
		return errors.New("risk.drawdown_limit must be zero or positive")
	}
	if c.Risk.PositionWarnPct < 0 || c.Risk.PositionWarnPct > 1 ||
		c.Risk.PnLWarnPct < 0 || c.Risk.PnLWarnPct > 1 {
		return errors.New("risk warning thresholds must be within [0, 1]")
	}
	if c.Mode == ModeLive {
		return errors.New("live mode requires a venue adapter; none is configured")
	}
	if c.Feed.URL == "" {
		return errors.New("feed.url is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(ModePaper))
	v.SetDefault("strategy.tick_size", "0.01")
	v.SetDefault("strategy.base_offset_ticks", "0.25")
	v.SetDefault("strategy.min_spread_ticks", "0.5")
	v.SetDefault("strategy.order_qty", "0.01")
	v.SetDefault("strategy.neutral_band", "0.05")
	v.SetDefault("strategy.num_levels", 1)
	v.SetDefault("strategy.refresh_interval", "500ms")
	v.SetDefault("risk.position_limit", "0.1")
	v.SetDefault("risk.daily_loss_limit", "-100")
	v.SetDefault("risk.drawdown_limit", "50")
	v.SetDefault("risk.order_rate_limit", 10)
	v.SetDefault("risk.breaker_enabled", true)
	v.SetDefault("risk.check_interval", "100ms")
	v.SetDefault("risk.position_warn_pct", 0.8)
	v.SetDefault("risk.pnl_warn_pct", 0.7)
	v.SetDefault("feed.depth", 100)
	v.SetDefault("feed.heartbeat_timeout", "60s")
	v.SetDefault("feed.reconnect_base", "1s")
	v.SetDefault("feed.reconnect_max", "60s")
	v.SetDefault("orders.order_timeout", "1s")
	v.SetDefault("orders.cancel_grace", "500ms")
	v.SetDefault("orders.max_retries", 3)
	v.SetDefault("orders.retry_backoff", "50ms")
	v.SetDefault("orders.request_timeout", "2s")
	v.SetDefault("orders.rate_per_sec", 10)
	v.SetDefault("orders.price_band_pct", "0.1")
	v.SetDefault("paper.fill_probability", 0.9)
	v.SetDefault("paper.fill_delay", "20ms")
	v.SetDefault("cache.key_prefix", "quoterd")
	v.SetDefault("archive.ssl_mode", "disable")
	v.SetDefault("journal.dir", "journal")
	v.SetDefault("journal.flush_interval", "1s")
	v.SetDefault("metrics.addr", ":9109")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// decimalHook decodes string and numeric config values into decimals.
func decimalHook() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(_, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return data, nil
		}
	}
}
