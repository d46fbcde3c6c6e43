package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/alerting"
	"github.com/anchortrade/rebalance-backend/internal/api"
	"github.com/anchortrade/rebalance-backend/internal/audit"
	"github.com/anchortrade/rebalance-backend/internal/broker"
	"github.com/anchortrade/rebalance-backend/internal/engine"
	"github.com/anchortrade/rebalance-backend/internal/live"
	"github.com/anchortrade/rebalance-backend/internal/marketdata"
	"github.com/anchortrade/rebalance-backend/internal/metrics"
	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/storage"
	"github.com/anchortrade/rebalance-backend/internal/timeline"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type apiRig struct {
	server  *api.Server
	ts      *httptest.Server
	fixture *marketdata.Fixture
	clock   *ports.FakeClock
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	logger := zap.NewNop()
	clock := ports.NewFakeClock(time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC))
	store := storage.NewMemory()
	fixture := marketdata.NewFixture(marketdata.DefaultFixtureConfig(), clock)

	stubCfg := broker.DefaultStubConfig()
	stubCfg.FillDelay = 0
	stub := broker.NewStub(logger, stubCfg, fixture, clock)
	t.Cleanup(stub.Close)

	eng := engine.New(logger, engine.Deps{
		Positions:  store,
		Portfolios: store.Portfolios(),
		Orders:     store.Orders(),
		Trades:     store.Trades(),
		Idem:       store.Idempotency(),
		Configs:    store.Configs(),
		Market:     fixture,
		Broker:     stub,
		Records:    store.Records(),
		Sink:       audit.NewMemorySink(),
		Clock:      clock,
	})

	schedCfg := live.DefaultConfig()
	schedCfg.TickInterval = time.Hour
	sched := live.NewScheduler(logger, schedCfg, eng, fixture, store.Portfolios(), stub, clock)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(sched.Stop)

	alerts := alerting.NewManager(logger, alerting.DefaultConfig(), audit.NewMemorySink(), clock)

	server := api.NewServer(logger, api.DefaultConfig(), api.Deps{
		Engine:         eng,
		Scheduler:      sched,
		Timeline:       timeline.NewService(logger, store.Records(), store.Orders(), store.Trades()),
		Alerts:         alerts,
		Positions:      store,
		Portfolios:     store.Portfolios(),
		Orders:         store.Orders(),
		Trades:         store.Trades(),
		Configs:        store.Configs(),
		Clock:          clock,
		MetricsHandler: metrics.New().Handler(),
	})

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &apiRig{server: server, ts: ts, fixture: fixture, clock: clock}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Get(rig.ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	var result map[string]any
	decodeBody(t, resp, &result)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if result["status"] != "healthy" {
		t.Errorf("status field = %v", result["status"])
	}
}

func TestPositionLifecycleOverHTTP(t *testing.T) {
	rig := newAPIRig(t)
	rig.fixture.PinPrice("ACME", types.ReferencePrice{
		Price:         decimal.NewFromInt(100),
		Source:        types.PriceSourceLastTrade,
		Timestamp:     rig.clock.Now(),
		IsMarketHours: true,
		IsFresh:       true,
	})

	resp := postJSON(t, rig.ts.URL+"/api/v1/portfolios", map[string]any{
		"id":            "pf1",
		"tenant_id":     "t1",
		"name":          "main",
		"trading_state": "RUNNING",
		"hours_policy":  "EXTENDED",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create portfolio status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, rig.ts.URL+"/api/v1/positions", map[string]any{
		"id":           "pos-1",
		"tenant_id":    "t1",
		"portfolio_id": "pf1",
		"symbol":       "ACME",
		"cash":         "1000",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create position status = %d", resp.StatusCode)
	}
	var pos types.Position
	decodeBody(t, resp, &pos)
	if pos.AssetSymbol != "ACME" || !pos.Cash.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("position = %+v", pos)
	}

	// A default configuration was attached at creation.
	resp, err := http.Get(rig.ts.URL + "/api/v1/positions/pos-1/config")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	var cfg types.PositionConfig
	decodeBody(t, resp, &cfg)
	if !cfg.Trigger.TauUp.Equal(decimal.NewFromFloat(0.03)) {
		t.Errorf("tauUp = %s", cfg.Trigger.TauUp)
	}

	resp = postJSON(t, rig.ts.URL+"/api/v1/positions/pos-1/start", map[string]any{"interval_seconds": 3600})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start position status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The first forced evaluation adopts the anchor and holds.
	resp = postJSON(t, rig.ts.URL+"/api/v1/positions/pos-1/evaluate", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status = %d", resp.StatusCode)
	}
	var status live.PositionStatus
	decodeBody(t, resp, &status)
	if status.Ticks != 1 || status.LastAction != types.ActionHold {
		t.Errorf("status = %+v", status)
	}

	resp, err = http.Get(rig.ts.URL + "/api/v1/positions/pos-1/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	var polled live.PositionStatus
	decodeBody(t, resp, &polled)
	if polled.State != live.PositionRunning || polled.Ticks != 1 {
		t.Errorf("polled status = %+v", polled)
	}

	resp, err = http.Get(rig.ts.URL + "/api/v1/positions/pos-1/timeline")
	if err != nil {
		t.Fatalf("get timeline: %v", err)
	}
	var page timeline.Result
	decodeBody(t, resp, &page)
	if len(page.Rows) != 1 || page.Rows[0].Action != types.ActionHold {
		t.Fatalf("timeline rows = %+v", page.Rows)
	}
	if !page.Rows[0].AnchorReset || page.Rows[0].AnchorResetReason != "initial" {
		t.Errorf("first row did not adopt the anchor: %+v", page.Rows[0])
	}

	resp, err = http.Get(rig.ts.URL + "/api/v1/positions/pos-1/timeline?format=csv")
	if err != nil {
		t.Fatalf("get timeline csv: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q", ct)
	}
}

func TestEvaluateUnknownPosition(t *testing.T) {
	rig := newAPIRig(t)

	resp := postJSON(t, rig.ts.URL+"/api/v1/positions/nope/evaluate", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAlertsEndpoints(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Get(rig.ts.URL + "/api/v1/alerts")
	if err != nil {
		t.Fatalf("get alerts: %v", err)
	}
	var result map[string]any
	decodeBody(t, resp, &result)
	if result["count"] != float64(0) {
		t.Errorf("count = %v", result["count"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Get(rig.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "rebalance_") {
		t.Error("exposition missing engine collectors")
	}
}

func TestWebSocketRecordStream(t *testing.T) {
	rig := newAPIRig(t)
	wsURL := "ws" + rig.ts.URL[4:] + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()

	sub := api.WSMessage{Type: api.MsgTypeSubscribe, Channel: "records"}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("send subscribe: %v", err)
	}

	// Publish until the subscription takes effect on the server side.
	rec := timeline.Record{PositionID: "pos-1", Symbol: "ACME", Action: types.ActionBuy}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(50 * time.Millisecond):
				rig.server.Hub().BroadcastRecord(rec)
			}
		}
	}()
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg api.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == api.MsgTypeHeartbeat {
			continue
		}
		if msg.Type != api.MsgTypeRecordUpdate || msg.Channel != "records" {
			t.Fatalf("message = %+v", msg)
		}
		var got timeline.Record
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal record: %v", err)
		}
		if got.PositionID != "pos-1" || got.Action != types.ActionBuy {
			t.Errorf("record = %+v", got)
		}
		return
	}
}

func TestServerShutdown(t *testing.T) {
	rig := newAPIRig(t)

	go rig.server.Start()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rig.server.Shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
