package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/timeline"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   s.deps.Clock.Now().Unix(),
	})
}

type createPortfolioRequest struct {
	ID           string                   `json:"id"`
	TenantID     string                   `json:"tenant_id"`
	Name         string                   `json:"name"`
	TradingState types.TradingState       `json:"trading_state"`
	HoursPolicy  types.TradingHoursPolicy `json:"hours_policy"`
}

func (s *Server) handleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req createPortfolioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "portfolio name is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.TradingState == "" {
		req.TradingState = types.TradingStateNotConfigured
	}
	if req.HoursPolicy == "" {
		req.HoursPolicy = types.TradingHoursOpenOnly
	}

	now := s.deps.Clock.Now()
	pf := &types.Portfolio{
		ID:           req.ID,
		TenantID:     req.TenantID,
		Name:         req.Name,
		TradingState: req.TradingState,
		HoursPolicy:  req.HoursPolicy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.deps.Portfolios.Save(r.Context(), pf); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, pf)
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.deps.Portfolios.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "portfolio not found")
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

type setTradingRequest struct {
	TradingState types.TradingState       `json:"trading_state"`
	HoursPolicy  types.TradingHoursPolicy `json:"hours_policy"`
}

func (s *Server) handleSetPortfolioTrading(w http.ResponseWriter, r *http.Request) {
	var req setTradingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pf, err := s.deps.Portfolios.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "portfolio not found")
		return
	}

	if req.TradingState != "" {
		switch req.TradingState {
		case types.TradingStateRunning, types.TradingStatePaused, types.TradingStateNotConfigured:
			pf.TradingState = req.TradingState
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown trading state %q", req.TradingState))
			return
		}
	}
	if req.HoursPolicy != "" {
		switch req.HoursPolicy {
		case types.TradingHoursOpenOnly, types.TradingHoursExtended:
			pf.HoursPolicy = req.HoursPolicy
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown hours policy %q", req.HoursPolicy))
			return
		}
	}
	pf.UpdatedAt = s.deps.Clock.Now()

	if err := s.deps.Portfolios.Save(r.Context(), pf); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

type createPositionRequest struct {
	ID          string                `json:"id"`
	TenantID    string                `json:"tenant_id"`
	PortfolioID string                `json:"portfolio_id"`
	Symbol      string                `json:"symbol"`
	Cash        decimal.Decimal       `json:"cash"`
	Config      *types.PositionConfig `json:"config"`
}

func (s *Server) handleCreatePosition(w http.ResponseWriter, r *http.Request) {
	var req createPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := s.deps.Portfolios.Get(r.Context(), req.PortfolioID); err != nil {
		writeError(w, http.StatusNotFound, "portfolio not found")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	pos, err := types.NewPosition(req.ID, req.TenantID, req.PortfolioID, req.Symbol, req.Cash, s.deps.Clock.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg := types.DefaultPositionConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Positions.Save(r.Context(), pos); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.deps.Configs.Save(r.Context(), pos.ID, cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.deps.Positions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Configs.Resolve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "configuration not found")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Positions.Get(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}

	var cfg types.PositionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Configs.Save(r.Context(), id, cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type startPositionRequest struct {
	IntervalSeconds int `json:"interval_seconds"`
}

func (s *Server) handleStartPosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	pos, err := s.deps.Positions.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}

	var req startPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	interval := time.Duration(req.IntervalSeconds) * time.Second
	if err := s.deps.Scheduler.StartPosition(pos.ID, pos.AssetSymbol, interval); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"position_id": pos.ID, "state": "RUNNING"})
}

func (s *Server) handlePausePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Scheduler.PausePosition(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"position_id": id, "state": "PAUSED"})
}

func (s *Server) handleResumePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Scheduler.ResumePosition(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"position_id": id, "state": "RUNNING"})
}

func (s *Server) handleStopPosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Scheduler.StopPosition(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"position_id": id, "state": "STOPPED"})
}

func (s *Server) handleEvaluateNow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Scheduler.Tick(r.Context(), id); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	for _, st := range s.deps.Scheduler.Status() {
		if st.PositionID == id {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"position_id": id})
}

func (s *Server) handlePositionStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, st := range s.deps.Scheduler.Status() {
		if st.PositionID == id {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeError(w, http.StatusNotFound, "position is not scheduled")
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": s.deps.Scheduler.Status(),
		"pool":      s.deps.Scheduler.PoolStats(),
	})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.deps.Orders.ListByPosition(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "count": len(orders)})
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.deps.Trades.ListByPosition(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades, "count": len(trades)})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()

	filter := timeline.Filter{PositionID: id}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		filter.To = t
	}
	if v := q.Get("actions"); v != "" {
		for _, a := range strings.Split(v, ",") {
			filter.Actions = append(filter.Actions, types.Action(strings.ToUpper(strings.TrimSpace(a))))
		}
	}

	page := timeline.Pagination{}
	if v := q.Get("offset"); v != "" {
		page.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("limit"); v != "" {
		page.Limit, _ = strconv.Atoi(v)
	}

	agg := timeline.Aggregation(q.Get("aggregation"))

	res, err := s.deps.Timeline.Build(r.Context(), filter, page, agg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if q.Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-timeline.csv", id))
		if err := timeline.WriteCSV(w, res.Rows); err != nil {
			s.logger.Error("timeline csv export failed", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	active := s.deps.Alerts.Active()
	writeJSON(w, http.StatusOK, map[string]any{"alerts": active, "count": len(active)})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	history := s.deps.Alerts.History()
	writeJSON(w, http.StatusOK, map[string]any{"alerts": history, "count": len(history)})
}
