package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const sampleConfig = `
log_level: debug
api_addr: ":9000"
engine:
  cycle_interval: 10s
  reconcile_interval: 1m
  daily_loss_limit: "-500"
  initial_cash: "50000"
risk:
  max_concentration: 0.3
strategies:
  - id: mom-1
    type: momentum
    symbols: [BTCUSDT]
    enabled: true
    parameters:
      period: 10
      threshold: 0.03
    risk:
      max_positions: 3
      min_signal_strength: 0.4
  - id: ""
    type: momentum
    symbols: [ETHUSDT]
    enabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAndDecode(t *testing.T) {
	store, err := NewStore(zap.NewNop(), writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	cfg := store.Current()

	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %s, want debug", cfg.LogLevel)
	}
	if cfg.Engine.CycleInterval != 10*time.Second {
		t.Errorf("cycle interval = %s, want 10s", cfg.Engine.CycleInterval)
	}
	if !cfg.Engine.DailyLossLimit.Equal(decimal.NewFromInt(-500)) {
		t.Errorf("daily loss limit = %s, want -500", cfg.Engine.DailyLossLimit)
	}
	if !cfg.Risk.MaxConcentration.Equal(decimal.NewFromFloat(0.3)) {
		t.Errorf("max concentration = %s, want 0.3", cfg.Risk.MaxConcentration)
	}

	if len(cfg.Strategies) != 2 {
		t.Fatalf("got %d strategies, want 2", len(cfg.Strategies))
	}
	mom := cfg.Strategies[0]
	if mom.Param("threshold", 0) != 0.03 {
		t.Errorf("threshold = %v, want 0.03", mom.Param("threshold", 0))
	}
	if mom.Risk.MaxPositions != 3 {
		t.Errorf("max positions = %d, want 3", mom.Risk.MaxPositions)
	}
	if !mom.Risk.MinSignalStrength.Equal(decimal.NewFromFloat(0.4)) {
		t.Errorf("min strength = %s, want 0.4", mom.Risk.MinSignalStrength)
	}
}

func TestInvalidStrategyIsDisabledNotFatal(t *testing.T) {
	store, err := NewStore(zap.NewNop(), writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	bad := store.Current().Strategies[1]
	if bad.Enabled {
		t.Error("strategy with empty id stayed enabled")
	}
}

func TestDefaultsWithoutFile(t *testing.T) {
	store, err := NewStore(zap.NewNop(), "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	cfg := store.Current()

	if cfg.Engine.CycleInterval != 30*time.Second {
		t.Errorf("default cycle interval = %s, want 30s", cfg.Engine.CycleInterval)
	}
	if !cfg.Engine.InitialCash.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("default cash = %s, want 100000", cfg.Engine.InitialCash)
	}
}

func TestUpdateStrategyPublishesNewSnapshot(t *testing.T) {
	store, err := NewStore(zap.NewNop(), writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	before := store.Current()

	disabled := false
	if err := store.UpdateStrategy("mom-1", map[string]float64{"threshold": 0.05}, &disabled); err != nil {
		t.Fatalf("UpdateStrategy: %v", err)
	}

	after := store.Current()
	if after == before {
		t.Fatal("update did not publish a new snapshot")
	}
	if after.Strategies[0].Param("threshold", 0) != 0.05 {
		t.Errorf("threshold = %v, want 0.05", after.Strategies[0].Param("threshold", 0))
	}
	if after.Strategies[0].Enabled {
		t.Error("strategy not disabled by update")
	}
	// Untouched parameters survive the merge.
	if after.Strategies[0].Param("period", 0) != 10 {
		t.Errorf("period = %v, want 10", after.Strategies[0].Param("period", 0))
	}
	// The old snapshot is untouched.
	if before.Strategies[0].Param("threshold", 0) != 0.03 {
		t.Error("update mutated the previous snapshot")
	}

	if err := store.UpdateStrategy("ghost", nil, nil); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
