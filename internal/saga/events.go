package saga

import "time"

// Events provides optional hooks for observability. All callbacks are
// optional; handlers run synchronously but are wrapped in panic recovery so
// a misbehaving handler cannot break a transaction.
type Events struct {
	OnSagaStart    func(txID string)
	OnSagaComplete func(txID string, state TransactionState, duration time.Duration)

	OnStepStart    func(txID, stepID string)
	OnStepComplete func(txID, stepID string, duration time.Duration)
	OnStepFailed   func(txID, stepID string, stepErr *StepError, attempt int)
	OnStepRetry    func(txID, stepID string, attempt int, delay time.Duration)

	OnCompensationStart    func(txID, stepID string)
	OnCompensationComplete func(txID, stepID string, success bool)
}

// MergeEvents fans every hook out to all non-nil event sets, in order.
func MergeEvents(sets ...*Events) *Events {
	var active []*Events
	for _, ev := range sets {
		if ev != nil {
			active = append(active, ev)
		}
	}

	merged := &Events{}
	merged.OnSagaStart = func(txID string) {
		for _, ev := range active {
			if ev.OnSagaStart != nil {
				ev.OnSagaStart(txID)
			}
		}
	}
	merged.OnSagaComplete = func(txID string, state TransactionState, duration time.Duration) {
		for _, ev := range active {
			if ev.OnSagaComplete != nil {
				ev.OnSagaComplete(txID, state, duration)
			}
		}
	}
	merged.OnStepStart = func(txID, stepID string) {
		for _, ev := range active {
			if ev.OnStepStart != nil {
				ev.OnStepStart(txID, stepID)
			}
		}
	}
	merged.OnStepComplete = func(txID, stepID string, duration time.Duration) {
		for _, ev := range active {
			if ev.OnStepComplete != nil {
				ev.OnStepComplete(txID, stepID, duration)
			}
		}
	}
	merged.OnStepFailed = func(txID, stepID string, stepErr *StepError, attempt int) {
		for _, ev := range active {
			if ev.OnStepFailed != nil {
				ev.OnStepFailed(txID, stepID, stepErr, attempt)
			}
		}
	}
	merged.OnStepRetry = func(txID, stepID string, attempt int, delay time.Duration) {
		for _, ev := range active {
			if ev.OnStepRetry != nil {
				ev.OnStepRetry(txID, stepID, attempt, delay)
			}
		}
	}
	merged.OnCompensationStart = func(txID, stepID string) {
		for _, ev := range active {
			if ev.OnCompensationStart != nil {
				ev.OnCompensationStart(txID, stepID)
			}
		}
	}
	merged.OnCompensationComplete = func(txID, stepID string, success bool) {
		for _, ev := range active {
			if ev.OnCompensationComplete != nil {
				ev.OnCompensationComplete(txID, stepID, success)
			}
		}
	}
	return merged
}

// emitEvent safely calls an event handler, catching any panics.
func emitEvent(events *Events, handler func()) {
	if events == nil || handler == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	handler()
}
