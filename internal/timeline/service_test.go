package timeline_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/storage"
	"github.com/anchortrade/rebalance-backend/internal/timeline"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func record(ts time.Time, action types.Action) timeline.Record {
	return timeline.Record{
		Timestamp:  ts,
		Mode:       types.ModeLive,
		PositionID: "pos-1",
		Symbol:     "ACME",
		Price:      dec("100"),
		Action:     action,
	}
}

func newService(t *testing.T) (*timeline.Service, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	svc := timeline.NewService(zap.NewNop(), store.Records(), store.Orders(), store.Trades())
	return svc, store
}

func TestBuildEnrichesRowsWithOrderAndTrades(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	ts := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	rec := record(ts, types.ActionSell)
	rec.OrderID = "order-1"
	if err := store.Records().Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	store.Orders().Save(ctx, &types.Order{
		ID: "order-1", PositionID: "pos-1", Side: types.OrderSideSell,
		Qty: dec("4"), FilledQty: dec("4"), Status: types.OrderStatusFilled,
		BrokerOrderID: "stub-000001", BrokerStatus: "filled",
		CreatedAt: ts, UpdatedAt: ts,
	})
	// Two partial fills at different prices average out in the row.
	store.Trades().Save(ctx, &types.Trade{
		ID: "trade-1", OrderID: "order-1", PositionID: "pos-1",
		Side: types.OrderSideSell, Qty: dec("3"), Price: dec("100"),
		Commission: dec("0.3"), ExecutedAt: ts,
	})
	store.Trades().Save(ctx, &types.Trade{
		ID: "trade-2", OrderID: "order-1", PositionID: "pos-1",
		Side: types.OrderSideSell, Qty: dec("1"), Price: dec("104"),
		Commission: dec("0.1"), ExecutedAt: ts.Add(time.Minute),
	})

	res, err := svc.Build(ctx, timeline.Filter{PositionID: "pos-1"}, timeline.Pagination{}, timeline.AggregationAll)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("rows = %d", len(res.Rows))
	}
	row := res.Rows[0]
	if row.OrderStatus != types.OrderStatusFilled || row.ExecutionStatus != timeline.ExecutionFilled {
		t.Errorf("status = %s/%s", row.OrderStatus, row.ExecutionStatus)
	}
	if row.BrokerOrderID != "stub-000001" {
		t.Errorf("broker order id = %q", row.BrokerOrderID)
	}
	if !row.ExecutionQty.Equal(dec("4")) {
		t.Errorf("execution qty = %s", row.ExecutionQty)
	}
	if !row.ExecutionPrice.Equal(dec("101")) {
		t.Errorf("execution price = %s, want volume-weighted 101", row.ExecutionPrice)
	}
	if !row.ExecutionValue.Equal(dec("404")) {
		t.Errorf("execution value = %s, want 404 (the summed trade notional)", row.ExecutionValue)
	}
	if !row.Commission.Equal(dec("0.4")) {
		t.Errorf("commission = %s", row.Commission)
	}
}

func TestBuildServesRowWhenOrderIsMissing(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	ts := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	rec := record(ts, types.ActionBuy)
	rec.OrderID = "order-gone"
	if err := store.Records().Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, err := svc.Build(ctx, timeline.Filter{PositionID: "pos-1"}, timeline.Pagination{}, timeline.AggregationAll)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0].ExecutionStatus != timeline.ExecutionNone {
		t.Fatalf("rows = %+v", res.Rows)
	}
}

func TestBuildFiltersByActionAndWindow(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	base := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

	actions := []types.Action{types.ActionHold, types.ActionBuy, types.ActionHold, types.ActionSell}
	for i, a := range actions {
		if err := store.Records().Append(ctx, record(base.Add(time.Duration(i)*time.Hour), a)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	res, err := svc.Build(ctx, timeline.Filter{
		PositionID: "pos-1",
		Actions:    []types.Action{types.ActionBuy, types.ActionSell},
	}, timeline.Pagination{}, timeline.AggregationAll)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if res.TotalRows != 4 || res.FilteredRows != 2 {
		t.Fatalf("total = %d filtered = %d", res.TotalRows, res.FilteredRows)
	}
	// Newest first.
	if res.Rows[0].Action != types.ActionSell || res.Rows[1].Action != types.ActionBuy {
		t.Errorf("order = %s, %s", res.Rows[0].Action, res.Rows[1].Action)
	}

	res, err = svc.Build(ctx, timeline.Filter{
		PositionID: "pos-1",
		From:       base.Add(time.Hour),
		To:         base.Add(2 * time.Hour),
	}, timeline.Pagination{}, timeline.AggregationAll)
	if err != nil {
		t.Fatalf("build window: %v", err)
	}
	if res.FilteredRows != 2 {
		t.Fatalf("window filtered = %d, want 2 (bounds inclusive)", res.FilteredRows)
	}
}

func TestBuildDailyAggregation(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	// Day 1: a buy among holds keeps only the action rows. Day 2: holds only
	// keep the first hold. Day 3: a skip-only day still surfaces one row.
	day1 := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	day3 := day1.AddDate(0, 0, 2)
	seed := []timeline.Record{
		record(day1, types.ActionHold),
		record(day1.Add(time.Hour), types.ActionBuy),
		record(day1.Add(2*time.Hour), types.ActionHold),
		record(day2, types.ActionHold),
		record(day2.Add(time.Hour), types.ActionHold),
		record(day3, types.ActionSkip),
		record(day3.Add(time.Hour), types.ActionSkip),
	}
	for i, rec := range seed {
		if err := store.Records().Append(ctx, rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	res, err := svc.Build(ctx, timeline.Filter{PositionID: "pos-1"}, timeline.Pagination{}, timeline.AggregationDaily)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if res.FilteredRows != 3 {
		t.Fatalf("filtered = %d, want one row per day", res.FilteredRows)
	}
	// Newest first: day3 skip, day2 first hold, day1 buy.
	if res.Rows[0].Action != types.ActionSkip || !res.Rows[0].Timestamp.Equal(day3) {
		t.Errorf("row 0 = %s at %s", res.Rows[0].Action, res.Rows[0].Timestamp)
	}
	if res.Rows[1].Action != types.ActionHold || !res.Rows[1].Timestamp.Equal(day2) {
		t.Errorf("row 1 = %s at %s", res.Rows[1].Action, res.Rows[1].Timestamp)
	}
	if res.Rows[2].Action != types.ActionBuy {
		t.Errorf("row 2 = %s, want the day's action row", res.Rows[2].Action)
	}
}

func TestBuildPaginates(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	base := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := store.Records().Append(ctx, record(base.Add(time.Duration(i)*time.Minute), types.ActionHold)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	res, err := svc.Build(ctx, timeline.Filter{PositionID: "pos-1"},
		timeline.Pagination{Offset: 1, Limit: 2}, timeline.AggregationAll)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(res.Rows) != 2 || res.FilteredRows != 5 {
		t.Fatalf("rows = %d filtered = %d", len(res.Rows), res.FilteredRows)
	}
	// Offset 1 skips the newest row.
	if !res.Rows[0].Timestamp.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("first row at %s", res.Rows[0].Timestamp)
	}

	res, err = svc.Build(ctx, timeline.Filter{PositionID: "pos-1"},
		timeline.Pagination{Offset: 10, Limit: 2}, timeline.AggregationAll)
	if err != nil {
		t.Fatalf("build past end: %v", err)
	}
	if len(res.Rows) != 0 {
		t.Errorf("rows past end = %d", len(res.Rows))
	}
}

func TestBuildRequiresPositionID(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.Build(context.Background(), timeline.Filter{}, timeline.Pagination{}, timeline.AggregationAll); err == nil {
		t.Fatal("expected an error for a missing position id")
	}
}

func TestWriteCSV(t *testing.T) {
	ts := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	rec := record(ts, types.ActionSell)
	rec.IntendedQty = dec("4")
	rec.BlockReason = ""
	rows := []timeline.Row{{
		Record:          rec,
		OrderStatus:     types.OrderStatusFilled,
		ExecutionStatus: timeline.ExecutionFilled,
	}}

	var buf bytes.Buffer
	if err := timeline.WriteCSV(&buf, rows); err != nil {
		t.Fatalf("write: %v", err)
	}

	parsed, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("lines = %d", len(parsed))
	}
	header, row := parsed[0], parsed[1]
	if len(header) != len(row) {
		t.Fatalf("header has %d columns, row has %d", len(header), len(row))
	}
	cols := make(map[string]string, len(header))
	for i, name := range header {
		cols[name] = row[i]
	}
	if cols["timestamp"] != ts.Format(time.RFC3339Nano) {
		t.Errorf("timestamp = %q", cols["timestamp"])
	}
	if cols["action"] != "SELL" || cols["order_status"] != "filled" || cols["execution_status"] != "FILLED" {
		t.Errorf("action/status = %q/%q/%q", cols["action"], cols["order_status"], cols["execution_status"])
	}
	if cols["intended_qty"] != "4" {
		t.Errorf("intended_qty = %q", cols["intended_qty"])
	}
}
