package audit_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/audit"
	"go.uber.org/zap"
)

func TestJSONLSinkAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := audit.NewJSONLSink(zap.NewNop(), path)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	defer sink.Close()

	now := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	rec := audit.NewRecorder(sink, clock, "test", audit.Scope{TenantID: "t1", PortfolioID: "pf1", AssetID: "AAPL"})
	first, err := rec.Emit(audit.EventTriggerEvaluated, map[string]any{"fired": true})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	second, err := rec.Emit(audit.EventOrderCreated, map[string]any{"order_id": "o1"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if first == second {
		t.Fatal("event ids must be unique")
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var events []audit.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev audit.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	// One trace, parent chaining.
	if events[0].TraceID != events[1].TraceID {
		t.Error("events should share one trace id")
	}
	if events[0].ParentEventID != "" {
		t.Errorf("first event should have no parent, got %q", events[0].ParentEventID)
	}
	if events[1].ParentEventID != events[0].EventID {
		t.Errorf("second event parent = %q, want %q", events[1].ParentEventID, events[0].EventID)
	}
	if events[0].TenantID != "t1" || events[0].AssetID != "AAPL" {
		t.Errorf("scope not stamped: %+v", events[0])
	}
	if !events[0].CreatedAt.Equal(now) {
		t.Errorf("created_at = %s, want %s", events[0].CreatedAt, now)
	}
}

func TestRecorderContinuesTrace(t *testing.T) {
	sink := audit.NewMemorySink()
	clock := func() time.Time { return time.Unix(0, 0).UTC() }

	parent := audit.NewRecorder(sink, clock, "live", audit.Scope{})
	parentID, _ := parent.Emit(audit.EventOrderCreated, nil)

	child := audit.NewRecorderWithTrace(sink, clock, "broker", audit.Scope{}, parent.TraceID(), parentID)
	child.Emit(audit.EventExecutionRecorded, nil)

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[1].TraceID != parent.TraceID() {
		t.Error("child recorder must carry the parent trace id")
	}
	if events[1].ParentEventID != parentID {
		t.Errorf("child parent = %q, want %q", events[1].ParentEventID, parentID)
	}
}
