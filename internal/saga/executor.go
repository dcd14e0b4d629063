package saga

import (
	"context"
	"errors"
	"time"
)

// DefaultStepTimeout bounds a single participant call when the step declares
// no timeout of its own.
const DefaultStepTimeout = 30 * time.Second

// invocation is one participant call the executor should drive: either the
// forward method of a step or its compensation.
type invocation struct {
	stepID        string
	participantID string
	method        string
	params        map[string]any
	timeout       time.Duration
}

func forwardInvocation(step SagaStep) invocation {
	return invocation{
		stepID:        step.ID,
		participantID: step.ParticipantID,
		method:        step.Method,
		params:        step.Params,
		timeout:       step.Timeout,
	}
}

// Compensation parameters are static, decided at saga-definition time; the
// step's forward output is never fed back in.
func compensationInvocation(step SagaStep) invocation {
	return invocation{
		stepID:        step.ID,
		participantID: step.ParticipantID,
		method:        step.CompensationMethod,
		params:        step.CompensationParams,
		timeout:       step.Timeout,
	}
}

// stepExecutor runs single invocations with a timeout race and a retry loop.
// One executor serves one transaction.
type stepExecutor struct {
	txID    string
	resolve Resolver
	events  *Events

	sleep func(context.Context, time.Duration) error
	rnd   func() float64
	now   func() time.Time
}

// run drives one invocation to a StepResult. RetryCount records the number
// of participant calls consumed, on success and failure alike.
func (e *stepExecutor) run(ctx context.Context, inv invocation, policy RetryPolicy) StepResult {
	started := e.now()

	participant, err := e.resolve(inv.participantID)
	if err != nil {
		return e.failed(inv.stepID, started, &StepError{
			Code:      "PARTICIPANT_UNRESOLVED",
			Message:   err.Error(),
			Retryable: false,
		}, 0)
	}

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr *StepError
	for attempt := 1; attempt <= attempts; attempt++ {
		data, callErr := e.callWithTimeout(ctx, participant, inv)
		if callErr == nil {
			completed := e.now()
			return StepResult{
				StepID:      inv.stepID,
				Success:     true,
				Data:        data,
				StartedAt:   started,
				CompletedAt: completed,
				Duration:    completed.Sub(started),
				RetryCount:  attempt,
			}
		}

		lastErr = classifyError(callErr)
		emitEvent(e.events, func() {
			if e.events.OnStepFailed != nil {
				e.events.OnStepFailed(e.txID, inv.stepID, lastErr, attempt)
			}
		})

		if attempt == attempts || !lastErr.Retryable {
			return e.failed(inv.stepID, started, lastErr, attempt)
		}
		if ctx.Err() != nil {
			return e.failed(inv.stepID, started, lastErr, attempt)
		}

		delay := BackoffDelay(policy, attempt-1, e.rnd)
		emitEvent(e.events, func() {
			if e.events.OnStepRetry != nil {
				e.events.OnStepRetry(e.txID, inv.stepID, attempt+1, delay)
			}
		})
		if err := e.sleep(ctx, delay); err != nil {
			return e.failed(inv.stepID, started, lastErr, attempt)
		}
	}

	// Unreachable: the loop always returns. Kept for the compiler.
	return e.failed(inv.stepID, started, lastErr, attempts)
}

// callWithTimeout races the participant call against the step timeout.
// A timeout wins regardless of whether the underlying call would eventually
// have settled; the call itself is not cancelled beyond the context.
func (e *stepExecutor) callWithTimeout(ctx context.Context, participant Participant, inv invocation) (map[string]any, error) {
	timeout := inv.timeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type callResult struct {
		data map[string]any
		err  error
	}
	resultCh := make(chan callResult, 1)

	go func() {
		data, err := participant.Call(callCtx, inv.method, inv.params)
		resultCh <- callResult{data, err}
	}()

	select {
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{
				TransactionID: e.txID,
				StepID:        inv.stepID,
				Limit:         timeout,
				Elapsed:       timeout,
			}
		}
		return nil, callCtx.Err()
	case res := <-resultCh:
		return res.data, res.err
	}
}

func (e *stepExecutor) failed(stepID string, started time.Time, stepErr *StepError, attempts int) StepResult {
	completed := e.now()
	return StepResult{
		StepID:      stepID,
		Success:     false,
		Error:       stepErr,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
		RetryCount:  attempts,
	}
}
