// Package config loads engine configuration and watches it for
// changes. Updates are validated and published as immutable snapshots;
// the orchestrator swaps to the newest snapshot at cycle boundaries so
// a cycle never sees a half-applied configuration.
package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/internal/allocator"
	"github.com/quantframe/trading-core/internal/execution"
	"github.com/quantframe/trading-core/internal/risk"
	"github.com/quantframe/trading-core/pkg/types"
)

// Engine holds the orchestrator-level settings.
type Engine struct {
	CycleInterval     time.Duration   `mapstructure:"cycle_interval"`
	ReconcileInterval time.Duration   `mapstructure:"reconcile_interval"`
	DailyLossLimit    decimal.Decimal `mapstructure:"daily_loss_limit"`
	DailyProfitTarget decimal.Decimal `mapstructure:"daily_profit_target"`
	InitialCash       decimal.Decimal `mapstructure:"initial_cash"`
	SlippageBps       int64           `mapstructure:"slippage_bps"`
	HistorySize       int             `mapstructure:"history_size"`
}

// Feed selects the tick source for the price cache.
type Feed struct {
	Mode         string        `mapstructure:"mode"` // "live" or "sim"
	WSURL        string        `mapstructure:"ws_url"`
	Symbols      []string      `mapstructure:"symbols"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// Config is one immutable configuration snapshot.
type Config struct {
	LogLevel   string                 `mapstructure:"log_level"`
	APIAddr    string                 `mapstructure:"api_addr"`
	Feed       Feed                   `mapstructure:"feed"`
	Engine     Engine                 `mapstructure:"engine"`
	Risk       risk.Limits            `mapstructure:"risk"`
	Execution  execution.Config       `mapstructure:"execution"`
	Allocator  allocator.Config       `mapstructure:"allocator"`
	Strategies []types.StrategyConfig `mapstructure:"strategies"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("api_addr", ":8090")
	v.SetDefault("engine.cycle_interval", 30*time.Second)
	v.SetDefault("engine.reconcile_interval", 5*time.Minute)
	v.SetDefault("engine.daily_loss_limit", "-1000")
	v.SetDefault("engine.daily_profit_target", "2000")
	v.SetDefault("engine.initial_cash", "100000")
	v.SetDefault("engine.slippage_bps", 5)
	v.SetDefault("engine.history_size", 500)
	v.SetDefault("risk.max_concentration", 0.25)
	v.SetDefault("risk.max_var_95", 0.05)
	v.SetDefault("risk.max_correlation", 0.85)
	v.SetDefault("risk.drawdown_soft", 0.05)
	v.SetDefault("risk.drawdown_hard", 0.10)
	v.SetDefault("risk.extreme_reset", "daily")
	v.SetDefault("risk.history_size", 250)
	v.SetDefault("feed.mode", "sim")
	v.SetDefault("feed.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("feed.tick_interval", time.Second)
}

// Validate checks the snapshot. Invalid strategies are disabled and
// flagged rather than failing the whole load, so one bad entry cannot
// take the engine down.
func (c *Config) Validate(logger *zap.Logger) error {
	if c.Engine.CycleInterval <= 0 {
		return fmt.Errorf("engine.cycle_interval must be positive")
	}
	if c.Engine.ReconcileInterval <= 0 {
		return fmt.Errorf("engine.reconcile_interval must be positive")
	}

	seen := make(map[string]bool, len(c.Strategies))
	for i := range c.Strategies {
		sc := &c.Strategies[i]
		switch {
		case sc.ID == "":
			logger.Error("Strategy with empty id disabled", zap.Int("index", i))
			sc.Enabled = false
		case seen[sc.ID]:
			logger.Error("Duplicate strategy id disabled", zap.String("id", sc.ID))
			sc.Enabled = false
		case sc.Type == "":
			logger.Error("Strategy with empty type disabled", zap.String("id", sc.ID))
			sc.Enabled = false
		case len(sc.Symbols) == 0:
			logger.Error("Strategy with no symbols disabled", zap.String("id", sc.ID))
			sc.Enabled = false
		}
		seen[sc.ID] = true
	}
	return nil
}

// Store loads the configuration file and republishes validated
// snapshots when it changes on disk.
type Store struct {
	logger  *zap.Logger
	viper   *viper.Viper
	current atomic.Pointer[Config]
}

// NewStore reads the configuration file at path. An empty path loads
// defaults only.
func NewStore(logger *zap.Logger, path string) (*Store, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	s := &Store{logger: logger.Named("config"), viper: v}
	cfg, err := s.unmarshal()
	if err != nil {
		return nil, err
	}
	s.current.Store(cfg)
	return s, nil
}

// Current returns the latest validated snapshot. The returned pointer
// is shared; callers must not mutate it.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Watch republishes a snapshot on every file change. Invalid updates
// are logged and dropped; the previous snapshot stays in effect.
func (s *Store) Watch() {
	s.viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := s.unmarshal()
		if err != nil {
			s.logger.Error("Ignoring invalid config update",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		s.current.Store(cfg)
		s.logger.Info("Configuration reloaded", zap.String("file", e.Name))
	})
	s.viper.WatchConfig()
}

// UpdateStrategy overrides one strategy's parameters in the live
// snapshot, for the control surface. The change is published as a new
// snapshot and picked up at the next cycle boundary.
func (s *Store) UpdateStrategy(id string, params map[string]float64, enabled *bool) error {
	old := s.current.Load()
	next := *old
	next.Strategies = make([]types.StrategyConfig, len(old.Strategies))
	copy(next.Strategies, old.Strategies)

	for i := range next.Strategies {
		if next.Strategies[i].ID != id {
			continue
		}
		merged := make(map[string]float64, len(next.Strategies[i].Parameters)+len(params))
		for k, v := range next.Strategies[i].Parameters {
			merged[k] = v
		}
		for k, v := range params {
			merged[k] = v
		}
		next.Strategies[i].Parameters = merged
		if enabled != nil {
			next.Strategies[i].Enabled = *enabled
		}
		s.current.Store(&next)
		return nil
	}
	return fmt.Errorf("unknown strategy %q", id)
}

func (s *Store) unmarshal() (*Config, error) {
	var cfg Config
	opts := viper.DecodeHook(decodeHooks())
	if err := s.viper.Unmarshal(&cfg, opts); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(s.logger); err != nil {
		return nil, err
	}
	return &cfg, nil
}
