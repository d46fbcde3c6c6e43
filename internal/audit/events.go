// Package audit provides the append-only event log: every decision and state
// change in the engine is recorded as one JSON line, correlated by trace id
// and parent event id into a causal tree.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the engine.
const (
	EventPrice              = "PriceEvent"
	EventTriggerEvaluated   = "TriggerEvaluated"
	EventGuardrailEvaluated = "GuardrailEvaluated"
	EventOrderCreated       = "OrderCreated"
	EventExecutionRecorded  = "ExecutionRecorded"
	EventPositionUpdated    = "PositionUpdated"
	EventDividendPaid       = "DividendPaid"
	EventAnchorReset        = "AnchorReset"
	EventFillRejected       = "FillRejected"
	EventFillSkipped        = "FillSkipped"
	EventGuardrailBreach    = "GuardrailBreach"
	EventTickCancelled      = "TickCancelled"
	EventAlertRaised        = "AlertRaised"
	EventAlertResolved      = "AlertResolved"
)

// Event is one audit log line. Events are never mutated after emission.
type Event struct {
	EventID       string    `json:"event_id"`
	CreatedAt     time.Time `json:"created_at"`
	EventType     string    `json:"event_type"`
	TraceID       string    `json:"trace_id"`
	ParentEventID string    `json:"parent_event_id,omitempty"`
	TenantID      string    `json:"tenant_id,omitempty"`
	PortfolioID   string    `json:"portfolio_id,omitempty"`
	AssetID       string    `json:"asset_id,omitempty"`
	Source        string    `json:"source"`
	Payload       any       `json:"payload,omitempty"`
}

// Sink accepts events for durable append-only storage.
type Sink interface {
	Append(ev Event) error
}

// Scope carries the entity identifiers stamped on every event of a trace.
type Scope struct {
	TenantID    string
	PortfolioID string
	AssetID     string
}

// Recorder emits events sharing one trace id, chaining parent ids so the log
// forms a causal tree. Recorders are cheap; one is created per tick or per
// API request.
type Recorder struct {
	sink    Sink
	clock   func() time.Time
	source  string
	scope   Scope
	traceID string
	lastID  string
}

// NewRecorder creates a recorder with a fresh trace id.
func NewRecorder(sink Sink, clock func() time.Time, source string, scope Scope) *Recorder {
	return &Recorder{
		sink:    sink,
		clock:   clock,
		source:  source,
		scope:   scope,
		traceID: uuid.NewString(),
	}
}

// NewRecorderWithTrace continues an existing trace, parented at parentEventID.
func NewRecorderWithTrace(sink Sink, clock func() time.Time, source string, scope Scope, traceID, parentEventID string) *Recorder {
	return &Recorder{
		sink:    sink,
		clock:   clock,
		source:  source,
		scope:   scope,
		traceID: traceID,
		lastID:  parentEventID,
	}
}

// TraceID returns the trace id shared by all events of this recorder.
func (r *Recorder) TraceID() string { return r.traceID }

// LastEventID returns the id of the most recently emitted event.
func (r *Recorder) LastEventID() string { return r.lastID }

// Emit appends one event, parented to the previous event of this recorder.
func (r *Recorder) Emit(eventType string, payload any) (string, error) {
	ev := Event{
		EventID:       uuid.NewString(),
		CreatedAt:     r.clock(),
		EventType:     eventType,
		TraceID:       r.traceID,
		ParentEventID: r.lastID,
		TenantID:      r.scope.TenantID,
		PortfolioID:   r.scope.PortfolioID,
		AssetID:       r.scope.AssetID,
		Source:        r.source,
		Payload:       payload,
	}
	if err := r.sink.Append(ev); err != nil {
		return "", err
	}
	r.lastID = ev.EventID
	return ev.EventID, nil
}
