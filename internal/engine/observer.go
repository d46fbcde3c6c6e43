package engine

// Observer receives engine lifecycle signals for instrumentation. Methods
// must be cheap and non-blocking; they run inline with the hot path. The
// Prometheus metrics bundle satisfies this interface.
type Observer interface {
	// ObserveEvaluation records one finished tick with its wall time.
	ObserveEvaluation(mode, action string, seconds float64)
	// OrderSubmitted counts one broker submission by side.
	OrderSubmitted(side string)
	// OrderReplayed counts a submission answered from the idempotency store.
	OrderReplayed()
	// FillApplied counts one fill that mutated a position.
	FillApplied()
	// GuardrailBreach counts one fill rejected by post-fill validation.
	GuardrailBreach()
}

// nopObserver is used when no Observer is injected.
type nopObserver struct{}

func (nopObserver) ObserveEvaluation(string, string, float64) {}
func (nopObserver) OrderSubmitted(string)                     {}
func (nopObserver) OrderReplayed()                            {}
func (nopObserver) FillApplied()                              {}
func (nopObserver) GuardrailBreach()                          {}
