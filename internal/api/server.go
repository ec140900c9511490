// Package api provides the HTTP and WebSocket control surface for the
// trading engine.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/quantframe/trading-core/internal/audit"
	"github.com/quantframe/trading-core/internal/backtest"
	"github.com/quantframe/trading-core/internal/config"
	"github.com/quantframe/trading-core/internal/execution"
	"github.com/quantframe/trading-core/internal/ledger"
	"github.com/quantframe/trading-core/internal/orchestrator"
	"github.com/quantframe/trading-core/internal/pricecache"
	"github.com/quantframe/trading-core/internal/risk"
	"github.com/quantframe/trading-core/pkg/types"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	httpServer *http.Server
	router     *mux.Router
	hub        *Hub

	orch      *orchestrator.Orchestrator
	store     *config.Store
	book      *ledger.Ledger
	engine    *execution.Engine
	riskMgr   *risk.Manager
	cache     *pricecache.Cache
	simulator *backtest.Simulator
	auditLog  *audit.Logger
	registry  *prometheus.Registry

	backtests map[string]*backtestState
}

type backtestState struct {
	ID      string
	Status  string
	Started time.Time
	Result  *types.BacktestResult
	Err     string
}

// NewServer wires the control surface to the engine components.
func NewServer(
	logger *zap.Logger,
	orch *orchestrator.Orchestrator,
	store *config.Store,
	book *ledger.Ledger,
	engine *execution.Engine,
	riskMgr *risk.Manager,
	cache *pricecache.Cache,
	simulator *backtest.Simulator,
	auditLog *audit.Logger,
	registry *prometheus.Registry,
) *Server {
	s := &Server{
		logger:    logger.Named("api"),
		router:    mux.NewRouter(),
		hub:       NewHub(logger),
		orch:      orch,
		store:     store,
		book:      book,
		engine:    engine,
		riskMgr:   riskMgr,
		cache:     cache,
		simulator: simulator,
		auditLog:  auditLog,
		registry:  registry,
		backtests: make(map[string]*backtestState),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")

	s.router.HandleFunc("/api/v1/engine/start", s.handleStart).Methods("POST")
	s.router.HandleFunc("/api/v1/engine/stop", s.handleStop).Methods("POST")
	s.router.HandleFunc("/api/v1/engine/cycle", s.handleForceCycle).Methods("POST")

	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/orders", s.handleOrders).Methods("GET")
	s.router.HandleFunc("/api/v1/risk", s.handleRisk).Methods("GET")
	s.router.HandleFunc("/api/v1/risk/clear-extreme", s.handleClearExtreme).Methods("POST")
	s.router.HandleFunc("/api/v1/prices", s.handlePrices).Methods("GET")

	s.router.HandleFunc("/api/v1/audit/recent", s.handleRecentAudit).Methods("GET")

	s.router.HandleFunc("/api/v1/strategies", s.handleStrategies).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies/{id}", s.handleUpdateStrategy).Methods("PUT")

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")

	if s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start begins serving and relaying audit events to WebSocket clients.
// It blocks until the listener fails or Stop is called.
func (s *Server) Start(ctx context.Context, addr string) error {
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go s.hub.Run(ctx)
	go s.relayAudit(ctx)

	s.logger.Info("Starting API server", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.CloseAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// relayAudit forwards audit events to subscribed WebSocket clients.
func (s *Server) relayAudit(ctx context.Context) {
	events := s.auditLog.Subscribe(256)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.hub.PublishToChannel(event.Type, MsgTypeAuditEvent, event)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.orch.Start(context.Background())
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.orch.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleForceCycle(w http.ResponseWriter, r *http.Request) {
	s.orch.ForceCycle()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cycle complete"})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions":      s.book.Positions(),
		"realized_pnl":   s.book.RealizedPnL(),
		"unrealized_pnl": s.book.UnrealizedPnL(),
	})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("open") == "true"
	orders := s.engine.Orders(openOnly)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.riskMgr.State())
}

func (s *Server) handleClearExtreme(w http.ResponseWriter, r *http.Request) {
	s.riskMgr.ClearExtreme()
	writeJSON(w, http.StatusOK, s.riskMgr.State())
}

func (s *Server) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	events := s.auditLog.Recent(n)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prices": s.cache.Snapshot(),
	})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": cfg.Strategies,
	})
}

type updateStrategyRequest struct {
	Parameters map[string]float64 `json:"parameters"`
	Enabled    *bool              `json:"enabled"`
}

// handleUpdateStrategy mutates a strategy's parameters. The change is
// published as a new configuration snapshot and picked up at the next
// cycle boundary.
func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req updateStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.store.UpdateStrategy(id, req.Parameters, req.Enabled); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	s.logger.Info("Strategy updated via API", zap.String("strategy", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "id": id})
}

type runBacktestRequest struct {
	Strategy types.StrategyConfig `json:"strategy"`
	Bars     int                  `json:"bars"`
}

// handleRunBacktest replays cached price history through a strategy
// configuration. Runs in the background; poll by ID for the result.
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req runBacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Strategy.ID == "" {
		req.Strategy.ID = uuid.New().String()
	}
	if req.Bars <= 0 {
		req.Bars = pricecache.DefaultHistorySize
	}

	history := make(map[string][]types.Tick)
	for _, symbol := range req.Strategy.Symbols {
		if ticks := s.cache.History(symbol, req.Bars); len(ticks) > 0 {
			history[symbol] = ticks
		}
	}
	if len(history) == 0 {
		writeError(w, http.StatusBadRequest, "no cached history for requested symbols")
		return
	}

	id := uuid.New().String()
	state := &backtestState{ID: id, Status: "running", Started: time.Now()}
	s.mu.Lock()
	s.backtests[id] = state
	s.mu.Unlock()

	go func() {
		result, err := s.simulator.Run(context.Background(), req.Strategy, history)
		s.mu.Lock()
		if err != nil {
			state.Status = "failed"
			state.Err = err.Error()
			s.logger.Error("Backtest failed", zap.String("id", id), zap.Error(err))
		} else {
			state.Status = "completed"
			state.Result = result
		}
		s.mu.Unlock()

		s.hub.Broadcast(MsgTypeBacktestDone, map[string]string{"id": id, "status": state.Status})
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":      id,
		"status":  "running",
		"started": state.Started.Unix(),
	})
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.backtests[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
		"result":  state.Result,
		"error":   state.Err,
	})
}
