package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/alerting"
	"github.com/anchortrade/rebalance-backend/internal/engine"
	"github.com/anchortrade/rebalance-backend/internal/live"
	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/timeline"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Config controls the HTTP server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig listens on :8090.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8090",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Deps are the services the API fronts.
type Deps struct {
	Engine     *engine.Engine
	Scheduler  *live.Scheduler
	Timeline   *timeline.Service
	Alerts     *alerting.Manager
	Positions  ports.PositionRepo
	Portfolios ports.PortfolioRepo
	Orders     ports.OrderRepo
	Trades     ports.TradeRepo
	Configs    ports.ConfigRepo
	Clock      ports.Clock
	// Hub, when set, is used instead of a server-owned hub. The composition
	// root creates it early so repository wrappers can publish through it.
	Hub *Hub
	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler
}

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	cfg        Config
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	upgrader   websocket.Upgrader
}

// NewServer wires the routes and starts the WebSocket hub.
func NewServer(logger *zap.Logger, cfg Config, deps Deps) *Server {
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	s := &Server{
		logger: logger.Named("api"),
		cfg:    cfg,
		deps:   deps,
		router: mux.NewRouter(),
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // dev tooling connects from arbitrary origins
			},
		},
	}
	s.setupRoutes()
	go s.hub.Run()
	return s
}

// Hub exposes the WebSocket hub so the composition root can fan out engine
// events.
func (s *Server) Hub() *Hub { return s.hub }

// Router returns the route tree; tests mount it on httptest.Server.
func (s *Server) Router() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/portfolios", s.handleCreatePortfolio).Methods("POST")
	v1.HandleFunc("/portfolios/{id}", s.handleGetPortfolio).Methods("GET")
	v1.HandleFunc("/portfolios/{id}/trading", s.handleSetPortfolioTrading).Methods("PUT")

	v1.HandleFunc("/positions", s.handleCreatePosition).Methods("POST")
	v1.HandleFunc("/positions/{id}", s.handleGetPosition).Methods("GET")
	v1.HandleFunc("/positions/{id}/config", s.handleGetConfig).Methods("GET")
	v1.HandleFunc("/positions/{id}/config", s.handleSetConfig).Methods("PUT")

	v1.HandleFunc("/positions/{id}/start", s.handleStartPosition).Methods("POST")
	v1.HandleFunc("/positions/{id}/pause", s.handlePausePosition).Methods("POST")
	v1.HandleFunc("/positions/{id}/resume", s.handleResumePosition).Methods("POST")
	v1.HandleFunc("/positions/{id}/stop", s.handleStopPosition).Methods("POST")
	v1.HandleFunc("/positions/{id}/evaluate", s.handleEvaluateNow).Methods("POST")
	v1.HandleFunc("/positions/{id}/status", s.handlePositionStatus).Methods("GET")

	v1.HandleFunc("/positions/{id}/orders", s.handleListOrders).Methods("GET")
	v1.HandleFunc("/positions/{id}/trades", s.handleListTrades).Methods("GET")
	v1.HandleFunc("/positions/{id}/timeline", s.handleTimeline).Methods("GET")

	v1.HandleFunc("/scheduler/status", s.handleSchedulerStatus).Methods("GET")
	v1.HandleFunc("/alerts", s.handleAlerts).Methods("GET")
	v1.HandleFunc("/alerts/history", s.handleAlertHistory).Methods("GET")

	if s.deps.MetricsHandler != nil {
		s.router.Handle("/metrics", s.deps.MetricsHandler).Methods("GET")
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("api server listening", zap.String("addr", s.cfg.Addr))
	return srv.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.NewString(), s.hub, conn)
	s.hub.register <- client

	go client.ReadPump()
	go client.WritePump()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
