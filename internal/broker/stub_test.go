package broker

import (
	"context"
	"testing"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/marketdata"
	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestStub(t *testing.T, cfg StubConfig) (*Stub, *marketdata.Fixture, *ports.FakeClock) {
	t.Helper()
	clock := ports.NewFakeClock(time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC))
	fixture := marketdata.NewFixture(marketdata.DefaultFixtureConfig(), clock)
	fixture.PinPrice("ACME", types.ReferencePrice{Price: decimal.NewFromInt(100)})
	stub := NewStub(zap.NewNop(), cfg, fixture, clock)
	t.Cleanup(stub.Close)
	return stub, fixture, clock
}

func TestSubmitFillsSynchronouslyWithZeroDelay(t *testing.T) {
	cfg := DefaultStubConfig()
	cfg.FillDelay = 0
	cfg.CommissionRate = decimal.NewFromFloat(0.001)
	stub, _, _ := newTestStub(t, cfg)

	var got ports.Fill
	stub.OnFill(func(f ports.Fill) { got = f })

	ack, err := stub.Submit(context.Background(), ports.BrokerSubmission{
		OrderID: "order-1",
		Symbol:  "ACME",
		Side:    types.OrderSideBuy,
		Qty:     decimal.NewFromInt(4),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.Status != types.OrderStatusFilled {
		t.Errorf("ack status = %s", ack.Status)
	}
	if got.OrderID != "order-1" || !got.Qty.Equal(decimal.NewFromInt(4)) {
		t.Errorf("fill = %+v", got)
	}
	if !got.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("fill price = %s", got.Price)
	}
	// 4 * 100 * 0.001
	if !got.Commission.Equal(decimal.NewFromFloat(0.4)) {
		t.Errorf("commission = %s", got.Commission)
	}
}

func TestSubmitIsIdempotentOnOrderID(t *testing.T) {
	cfg := DefaultStubConfig()
	cfg.FillDelay = 0
	stub, _, _ := newTestStub(t, cfg)

	fills := 0
	stub.OnFill(func(ports.Fill) { fills++ })

	sub := ports.BrokerSubmission{
		OrderID: "order-1",
		Symbol:  "ACME",
		Side:    types.OrderSideBuy,
		Qty:     decimal.NewFromInt(2),
	}
	first, err := stub.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := stub.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.BrokerOrderID != second.BrokerOrderID {
		t.Errorf("broker order ids differ: %s vs %s", first.BrokerOrderID, second.BrokerOrderID)
	}
	if fills != 1 {
		t.Errorf("fills = %d, want 1", fills)
	}
}

func TestSubmitRejectsNonPositiveQty(t *testing.T) {
	stub, _, _ := newTestStub(t, DefaultStubConfig())
	_, err := stub.Submit(context.Background(), ports.BrokerSubmission{
		OrderID: "order-1",
		Symbol:  "ACME",
		Side:    types.OrderSideSell,
		Qty:     decimal.Zero,
	})
	if err == nil {
		t.Fatal("expected an error for zero qty")
	}
}

func TestCancelStopsWorkingOrder(t *testing.T) {
	cfg := DefaultStubConfig()
	cfg.FillDelay = time.Hour // never fires inside the test
	stub, _, _ := newTestStub(t, cfg)

	ack, err := stub.Submit(context.Background(), ports.BrokerSubmission{
		OrderID: "order-1",
		Symbol:  "ACME",
		Side:    types.OrderSideBuy,
		Qty:     decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.Status != types.OrderStatusWorking {
		t.Fatalf("ack status = %s", ack.Status)
	}

	status, err := stub.Cancel(context.Background(), ack.BrokerOrderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if status != types.OrderStatusCancelled {
		t.Errorf("cancel status = %s", status)
	}
	state, err := stub.Status(context.Background(), ack.BrokerOrderID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if state.Status != types.OrderStatusCancelled {
		t.Errorf("state = %+v", state)
	}
}

func TestFillLeavesOrderWorkingWithoutPrice(t *testing.T) {
	cfg := DefaultStubConfig()
	cfg.FillDelay = 0
	stub, _, _ := newTestStub(t, cfg)

	ack, err := stub.Submit(context.Background(), ports.BrokerSubmission{
		OrderID: "order-1",
		Symbol:  "UNPRICED",
		Side:    types.OrderSideBuy,
		Qty:     decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	state, err := stub.Status(context.Background(), ack.BrokerOrderID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if state.Status != types.OrderStatusWorking {
		t.Errorf("status = %s, want working until a price exists", state.Status)
	}
}
