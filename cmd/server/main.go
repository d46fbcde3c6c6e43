// Package main provides the entry point for the rebalancing backend server:
// the live scheduler, the stub broker, the reconciliation worker, alerting,
// and the HTTP/WebSocket API in front of them.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/alerting"
	"github.com/anchortrade/rebalance-backend/internal/api"
	"github.com/anchortrade/rebalance-backend/internal/audit"
	"github.com/anchortrade/rebalance-backend/internal/broker"
	"github.com/anchortrade/rebalance-backend/internal/config"
	"github.com/anchortrade/rebalance-backend/internal/engine"
	"github.com/anchortrade/rebalance-backend/internal/live"
	"github.com/anchortrade/rebalance-backend/internal/marketdata"
	"github.com/anchortrade/rebalance-backend/internal/metrics"
	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/retry"
	"github.com/anchortrade/rebalance-backend/internal/storage"
	"github.com/anchortrade/rebalance-backend/internal/timeline"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// store is the persistence surface both backends provide.
type store interface {
	ports.PositionRepo
	Portfolios() ports.PortfolioRepo
	Orders() ports.OrderRepo
	Trades() ports.TradeRepo
	Records() timeline.Repo
	Idempotency() ports.IdempotencyRepo
	Configs() ports.ConfigRepo
}

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// No logger yet.
		panic(err)
	}

	logger := setupLogger(cfg.Log.Level)
	defer logger.Sync()

	logger.Info("starting rebalance backend",
		zap.String("addr", cfg.Server.Addr),
		zap.String("storage", cfg.Storage.Driver),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := ports.SystemClock{}

	var st store
	switch cfg.Storage.Driver {
	case "sqlite":
		db, err := storage.OpenSQLite(logger, cfg.Storage.Path)
		if err != nil {
			logger.Fatal("open sqlite store", zap.Error(err))
		}
		defer db.Close()
		st = db
	default:
		st = storage.NewMemory()
	}

	sink, err := audit.NewJSONLSink(logger, cfg.Audit.LogPath)
	if err != nil {
		logger.Fatal("open audit log", zap.Error(err))
	}
	defer sink.Close()

	mtx := metrics.New()

	// The hub exists before the repositories so their after-save hooks can
	// publish through it. The API server runs its loop.
	hub := api.NewHub(logger)
	positions := &storage.NotifyingPositions{PositionRepo: st, OnSave: hub.BroadcastPositionUpdate}
	orders := &storage.NotifyingOrders{OrderRepo: st.Orders(), OnSave: hub.BroadcastOrderUpdate}
	records := &storage.NotifyingRecords{Repo: st.Records(), OnAppend: hub.BroadcastRecord}

	retryCfg := retry.DefaultConfig()
	if cfg.Retry.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialDelay > 0 {
		retryCfg.InitialDelay = cfg.Retry.InitialDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		retryCfg.MaxDelay = cfg.Retry.MaxDelay
	}
	if cfg.Retry.AttemptTimeout > 0 {
		retryCfg.AttemptTimeout = cfg.Retry.AttemptTimeout
	}

	fixture := marketdata.NewFixture(marketdata.DefaultFixtureConfig(), clock)
	poller := marketdata.NewPoller(logger, marketdata.PollerConfig{
		Interval:  cfg.Market.PollInterval,
		Freshness: cfg.Market.Freshness,
		Retry:     retryCfg,
	}, fixture, clock)
	for _, symbol := range cfg.Market.Symbols {
		poller.Track(symbol)
	}
	poller.Start(ctx)
	defer poller.Stop()

	stubCfg := broker.StubConfig{
		FillDelay:        cfg.Broker.FillDelay,
		SubmitRatePerSec: cfg.Broker.SubmitRatePerSec,
		SubmitBurst:      cfg.Broker.SubmitBurst,
		CommissionRate:   decimal.NewFromFloat(cfg.Broker.CommissionRate),
	}
	brk := broker.NewStub(logger, stubCfg, poller, clock)
	defer brk.Close()

	eng := engine.New(logger, engine.Deps{
		Positions:  positions,
		Portfolios: st.Portfolios(),
		Orders:     orders,
		Trades:     st.Trades(),
		Idem:       st.Idempotency(),
		Configs:    st.Configs(),
		Market:     poller,
		Broker:     brk,
		Records:    records,
		Sink:       sink,
		Clock:      clock,
		Observer:   mtx,
		Retry:      retryCfg,
	})

	liveCfg := live.DefaultConfig()
	liveCfg.TickInterval = cfg.Live.TickInterval
	liveCfg.ReconcileInterval = cfg.Live.ReconcileInterval
	if cfg.Live.Workers > 0 {
		liveCfg.Workers.NumWorkers = cfg.Live.Workers
	}
	liveCfg.Workers.Observe = mtx.PoolTask
	scheduler := live.NewScheduler(logger, liveCfg, eng, poller, st.Portfolios(), brk, clock)
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("start scheduler", zap.Error(err))
	}

	reconciler := live.NewReconciler(logger, eng, orders, brk, clock, liveCfg.ReconcileInterval)
	reconciler.Start(ctx)

	// The checks read the scheduler's status snapshot through this adapter so
	// the alerting package stays decoupled from the live package.
	workerStates := func() []alerting.WorkerState {
		statuses := scheduler.Status()
		out := make([]alerting.WorkerState, 0, len(statuses))
		for _, s := range statuses {
			out = append(out, alerting.WorkerState{
				PositionID: s.PositionID,
				Running:    s.State == live.PositionRunning,
				LastTickAt: s.LastTickAt,
				Interval:   s.Interval,
			})
		}
		return out
	}

	alerts := alerting.NewManager(logger, alerting.Config{Schedule: cfg.Alerting.Schedule}, sink, clock)
	alerts.Notify(hub.BroadcastAlert)
	alerts.Register(&alerting.StuckOrdersCheck{
		Orders: orders,
		Clock:  clock,
		MaxAge: cfg.Alerting.StuckOrderMaxAge,
	})
	alerts.Register(&alerting.StalePricesCheck{
		Market: poller,
		Symbols: func() []string {
			statuses := scheduler.Status()
			symbols := make([]string, 0, len(statuses))
			for _, s := range statuses {
				if s.State == live.PositionRunning {
					symbols = append(symbols, s.Symbol)
				}
			}
			return symbols
		},
	})
	alerts.Register(&alerting.DailyCapCheck{
		Orders:  orders,
		Configs: st.Configs(),
		Clock:   clock,
		Positions: func() []string {
			statuses := scheduler.Status()
			ids := make([]string, 0, len(statuses))
			for _, s := range statuses {
				ids = append(ids, s.PositionID)
			}
			return ids
		},
	})
	alerts.Register(&alerting.PoolBacklogCheck{
		Stats:    scheduler.PoolStats,
		MaxQueue: cfg.Alerting.PoolMaxQueue,
	})
	alerts.Register(&alerting.WorkerLivenessCheck{
		Clock:   clock,
		Workers: workerStates,
		Grace:   cfg.Alerting.WorkerGrace,
	})
	alerts.Register(&alerting.EvaluationGapCheck{
		Market:  poller,
		Clock:   clock,
		Workers: workerStates,
		Window:  cfg.Alerting.EvaluationGap,
	})
	alerts.Register(&alerting.OrderRejectionCheck{
		Orders: orders,
		Clock:  clock,
		Window: cfg.Alerting.RejectionWindow,
	})
	alerts.Register(&alerting.GuardrailSkipsCheck{
		Records:   records,
		Clock:     clock,
		Window:    cfg.Alerting.GuardrailWindow,
		Threshold: cfg.Alerting.GuardrailThreshold,
	})
	alerts.Register(&alerting.BrokerReachableCheck{Broker: brk})
	if err := alerts.Start(); err != nil {
		logger.Fatal("start alerting", zap.Error(err))
	}

	server := api.NewServer(logger, api.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, api.Deps{
		Engine:         eng,
		Scheduler:      scheduler,
		Timeline:       timeline.NewService(logger, records, orders, st.Trades()),
		Alerts:         alerts,
		Positions:      positions,
		Portfolios:     st.Portfolios(),
		Orders:         orders,
		Trades:         st.Trades(),
		Configs:        st.Configs(),
		Clock:          clock,
		Hub:            hub,
		MetricsHandler: mtx.Handler(),
	})

	// Keep the active-alert gauge current alongside the check schedule.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mtx.SetActiveAlerts(len(alerts.Active()))
				mtx.SetQueueDepth(scheduler.PoolStats().QueueLength)
			}
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	alerts.Stop()
	reconciler.Stop()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if err := sink.Sync(); err != nil {
		logger.Error("audit log sync failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
