package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/internal/allocator"
	"github.com/quantframe/trading-core/internal/audit"
	"github.com/quantframe/trading-core/internal/backtest"
	"github.com/quantframe/trading-core/internal/broker"
	"github.com/quantframe/trading-core/internal/config"
	"github.com/quantframe/trading-core/internal/execution"
	"github.com/quantframe/trading-core/internal/ledger"
	"github.com/quantframe/trading-core/internal/orchestrator"
	"github.com/quantframe/trading-core/internal/pricecache"
	"github.com/quantframe/trading-core/internal/risk"
	"github.com/quantframe/trading-core/internal/strategy"
	"github.com/quantframe/trading-core/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	store, err := config.NewStore(logger, "")
	if err != nil {
		t.Fatalf("config store: %v", err)
	}

	cache := pricecache.New(logger, 100)
	book := ledger.New(logger)
	auditLog := audit.NewLogger(logger)
	riskMgr := risk.NewManager(logger, risk.DefaultLimits())
	registry := strategy.NewRegistry(logger)
	paper := broker.NewPaper(logger, cache, decimal.NewFromInt(10000), 0)
	engine := execution.NewEngine(logger, execution.DefaultConfig(), paper, auditLog, func(fill types.Fill) {
		book.ApplyFill(fill)
	})
	alloc := allocator.New(logger, allocator.Config{}, auditLog)
	sim := backtest.NewSimulator(logger, backtest.DefaultConfig(), registry)
	orch := orchestrator.New(logger, store, cache, registry, riskMgr, book, engine, alloc, paper, auditLog, nil)

	s := NewServer(logger, orch, store, book, engine, riskMgr, cache, sim, auditLog, nil)
	ts := httptest.NewServer(s.router)
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var body map[string]interface{}
	if code := getJSON(t, ts.URL+"/api/v1/health", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var status orchestrator.Status
	if code := getJSON(t, ts.URL+"/api/v1/status", &status); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if status.Running {
		t.Error("engine should not be running")
	}
	if status.Breaker != orchestrator.BreakerActive {
		t.Errorf("breaker = %s, want %s", status.Breaker, orchestrator.BreakerActive)
	}
}

func TestPositionsEndpoint(t *testing.T) {
	s, ts := newTestServer(t)
	s.book.ApplyFill(types.Fill{
		OrderID:   "o1",
		Symbol:    "BTCUSDT",
		Side:      types.SideBuy,
		Quantity:  decimal.NewFromInt(2),
		Price:     decimal.NewFromInt(100),
		Timestamp: time.Now(),
	})

	var body struct {
		Positions map[string]types.Position `json:"positions"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/positions", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	pos, ok := body.Positions["BTCUSDT"]
	if !ok {
		t.Fatal("BTCUSDT position missing")
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("quantity = %s, want 2", pos.Quantity)
	}
}

func TestRiskEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var state types.RiskState
	if code := getJSON(t, ts.URL+"/api/v1/risk", &state); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if state.Level != types.RiskLevelLow {
		t.Errorf("level = %s, want low", state.Level)
	}
}

func TestClearExtremeEndpoint(t *testing.T) {
	s, ts := newTestServer(t)
	s.riskMgr.TripExtreme("test")

	resp, err := http.Post(ts.URL+"/api/v1/risk/clear-extreme", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if s.riskMgr.Level() != types.RiskLevelHigh {
		t.Errorf("level after clear = %s, want high", s.riskMgr.Level())
	}
}

func TestUpdateStrategyNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	body := bytes.NewBufferString(`{"parameters": {"period": 5}}`)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/strategies/nope", body)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRunBacktestNoHistory(t *testing.T) {
	_, ts := newTestServer(t)

	body := bytes.NewBufferString(`{"strategy": {"id": "s1", "type": "momentum", "symbols": ["BTCUSDT"]}}`)
	resp, err := http.Post(ts.URL+"/api/v1/backtest/run", "application/json", body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRunBacktestCompletes(t *testing.T) {
	s, ts := newTestServer(t)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		s.cache.Apply(types.Tick{
			Symbol:    "BTCUSDT",
			Price:     decimal.NewFromInt(int64(100 + i)),
			Timestamp: start.Add(time.Duration(i) * time.Minute),
		})
	}

	reqBody := bytes.NewBufferString(`{
		"strategy": {
			"id": "bt1",
			"type": "momentum",
			"symbols": ["BTCUSDT"],
			"parameters": {"period": 3, "threshold": 0.01}
		},
		"bars": 20
	}`)
	resp, err := http.Post(ts.URL+"/api/v1/backtest/run", "application/json", reqBody)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var started struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var state struct {
			Status string                `json:"status"`
			Result *types.BacktestResult `json:"result"`
			Error  string                `json:"error"`
		}
		getJSON(t, fmt.Sprintf("%s/api/v1/backtest/%s", ts.URL, started.ID), &state)
		if state.Status == "completed" {
			if state.Result == nil || state.Result.Metrics == nil {
				t.Fatal("completed backtest missing result")
			}
			return
		}
		if state.Status == "failed" {
			t.Fatalf("backtest failed: %s", state.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("backtest did not complete, status %q", state.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOrdersEndpointEmpty(t *testing.T) {
	_, ts := newTestServer(t)

	var body struct {
		Count int `json:"count"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/orders", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Count != 0 {
		t.Errorf("count = %d, want 0", body.Count)
	}
}
