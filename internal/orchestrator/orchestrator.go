// Package orchestrator runs the decision loop: it refreshes risk
// state, asks strategies for signals, routes them through risk and
// allocation, and hands sized orders to the execution engine. It also
// owns the reconciliation loop and the daily P&L circuit breaker.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/internal/allocator"
	"github.com/quantframe/trading-core/internal/audit"
	"github.com/quantframe/trading-core/internal/config"
	"github.com/quantframe/trading-core/internal/execution"
	"github.com/quantframe/trading-core/internal/ledger"
	"github.com/quantframe/trading-core/internal/metrics"
	"github.com/quantframe/trading-core/internal/pricecache"
	"github.com/quantframe/trading-core/internal/risk"
	"github.com/quantframe/trading-core/internal/strategy"
	"github.com/quantframe/trading-core/internal/workers"
	"github.com/quantframe/trading-core/pkg/types"
)

// Breaker states reported in Status.
const (
	BreakerActive       = "active"
	BreakerDailyLoss    = "halted_daily_loss"
	BreakerProfitTarget = "halted_profit_target"
)

// Status is the orchestrator's externally visible state.
type Status struct {
	Running    bool            `json:"running"`
	Breaker    string          `json:"breaker"`
	CycleCount uint64          `json:"cycleCount"`
	LastCycle  time.Time       `json:"lastCycle"`
	DailyPnL   decimal.Decimal `json:"dailyPnl"`
	Equity     decimal.Decimal `json:"equity"`
	RiskState  types.RiskState `json:"riskState"`
}

// strategyPerf accumulates one strategy's trailing record.
type strategyPerf struct {
	trades  int
	wins    int
	returns []decimal.Decimal
}

// Orchestrator wires the engine components into the periodic loop.
type Orchestrator struct {
	logger   *zap.Logger
	store    *config.Store
	cache    *pricecache.Cache
	registry *strategy.Registry
	risk     *risk.Manager
	ledger   *ledger.Ledger
	engine   *execution.Engine
	alloc    *allocator.Allocator
	broker   execution.BrokerAdapter
	audit    audit.Recorder
	metrics  *metrics.Metrics
	pool     *workers.Pool

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	forceCh    chan chan struct{}
	strategies map[string]strategy.Strategy
	lastCfg    *config.Config

	breaker      string
	cycleCount   uint64
	lastCycle    time.Time
	dayStart     time.Time
	dayBaseline  decimal.Decimal // realized+unrealized at day start
	perf         map[string]*strategyPerf
	orderStrat   map[string]string // order ID -> strategy ID
	clock        func() time.Time
}

// New creates an orchestrator. Call Start to run the loops.
func New(
	logger *zap.Logger,
	store *config.Store,
	cache *pricecache.Cache,
	registry *strategy.Registry,
	riskMgr *risk.Manager,
	book *ledger.Ledger,
	engine *execution.Engine,
	alloc *allocator.Allocator,
	broker execution.BrokerAdapter,
	recorder audit.Recorder,
	m *metrics.Metrics,
) *Orchestrator {
	return &Orchestrator{
		logger:     logger.Named("orchestrator"),
		store:      store,
		cache:      cache,
		registry:   registry,
		risk:       riskMgr,
		ledger:     book,
		engine:     engine,
		alloc:      alloc,
		broker:     broker,
		audit:      recorder,
		metrics:    m,
		pool:       workers.New(logger, 4, 16),
		forceCh:    make(chan chan struct{}, 1),
		strategies: make(map[string]strategy.Strategy),
		breaker:    BreakerActive,
		perf:       make(map[string]*strategyPerf),
		orderStrat: make(map[string]string),
		clock:      time.Now,
	}
}

// HandleFill is the execution engine's fill callback. It applies the
// fill to the ledger and folds the realized P&L delta into the owning
// strategy's trailing performance.
func (o *Orchestrator) HandleFill(fill types.Fill) {
	before := o.ledger.RealizedPnL()
	o.ledger.ApplyFill(fill)
	delta := o.ledger.RealizedPnL().Sub(before)

	o.mu.Lock()
	defer o.mu.Unlock()

	strategyID, ok := o.orderStrat[fill.OrderID]
	if !ok {
		if order, found := o.engine.Order(fill.OrderID); found {
			strategyID = order.StrategyID
		}
	}
	if strategyID == "" {
		return
	}

	p, ok := o.perf[strategyID]
	if !ok {
		p = &strategyPerf{}
		o.perf[strategyID] = p
	}
	if delta.IsZero() {
		return // opening fill, no round trip yet
	}
	p.trades++
	if delta.IsPositive() {
		p.wins++
	}
	notional := fill.Quantity.Mul(fill.Price)
	if notional.IsPositive() {
		p.returns = append(p.returns, delta.Div(notional))
		if len(p.returns) > 200 {
			p.returns = p.returns[1:]
		}
	}
}

// Start launches the cycle and reconciliation loops.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	if o.dayStart.IsZero() {
		o.resetDayLocked(o.clock())
	}
	o.mu.Unlock()

	cfg := o.store.Current()
	o.logger.Info("Orchestrator starting",
		zap.Duration("cycle_interval", cfg.Engine.CycleInterval),
		zap.Duration("reconcile_interval", cfg.Engine.ReconcileInterval))

	o.wg.Add(2)
	go o.cycleLoop(runCtx)
	go o.reconcileLoop(runCtx)
}

// Stop halts the loops. In-flight orders are not cancelled; the
// orchestrator only stops issuing new proposals.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	o.logger.Info("Orchestrator stopped")
}

// ForceCycle triggers an immediate cycle and waits for it to finish.
// Without a running loop there is nothing to serve the request, so it
// returns immediately.
func (o *Orchestrator) ForceCycle() {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return
	}

	done := make(chan struct{})
	select {
	case o.forceCh <- done:
		<-done
	default:
		// A forced cycle is already queued.
	}
}

// Status returns the current external state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	equity := o.equity()
	return Status{
		Running:    o.running,
		Breaker:    o.breaker,
		CycleCount: o.cycleCount,
		LastCycle:  o.lastCycle,
		DailyPnL:   o.dailyPnLLocked(),
		Equity:     equity,
		RiskState:  o.risk.State(),
	}
}

func (o *Orchestrator) cycleLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.store.Current().Engine.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Release a force request that raced with shutdown.
			select {
			case done := <-o.forceCh:
				close(done)
			default:
			}
			return
		case <-ticker.C:
			o.RunCycle(ctx)
			// The interval may have changed with the config.
			ticker.Reset(o.store.Current().Engine.CycleInterval)
		case done := <-o.forceCh:
			o.RunCycle(ctx)
			close(done)
		}
	}
}

func (o *Orchestrator) reconcileLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.store.Current().Engine.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Reconcile(ctx)
			ticker.Reset(o.store.Current().Engine.ReconcileInterval)
		}
	}
}

// Reconcile overwrites local positions from broker truth.
func (o *Orchestrator) Reconcile(ctx context.Context) {
	truth, err := o.broker.Positions(ctx)
	if err != nil {
		o.logger.Warn("Reconciliation skipped, broker unavailable", zap.Error(err))
		return
	}

	now := o.clock()
	diffs := o.ledger.Reconcile(truth, decimal.NewFromFloat(0.000001), now)
	if o.metrics != nil {
		o.metrics.Reconciliations.Inc()
		o.metrics.Corrections.Add(float64(len(diffs)))
	}
	if len(diffs) > 0 && o.audit != nil {
		fields := map[string]interface{}{"corrections": len(diffs)}
		for _, diff := range diffs {
			fields[diff.Symbol+"."+diff.Field] = diff.Broker.String()
		}
		o.audit.Record(audit.Event{Type: audit.TypeReconciliation, At: now, Fields: fields})
	}
}

// equity is the ledger book value plus broker cash when available.
func (o *Orchestrator) equity() decimal.Decimal {
	type cashReporter interface{ Cash() decimal.Decimal }
	cash := o.store.Current().Engine.InitialCash
	if broker, ok := o.broker.(cashReporter); ok {
		cash = broker.Cash()
	}
	return o.ledger.TotalValue(cash)
}

func (o *Orchestrator) dailyPnLLocked() decimal.Decimal {
	current := o.ledger.RealizedPnL().Add(o.ledger.UnrealizedPnL())
	return current.Sub(o.dayBaseline)
}

func (o *Orchestrator) resetDayLocked(now time.Time) {
	o.dayStart = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	o.dayBaseline = o.ledger.RealizedPnL().Add(o.ledger.UnrealizedPnL())
	if o.breaker != BreakerActive {
		o.breaker = BreakerActive
		o.logger.Info("Daily circuit breaker reset")
	}
}
