package saga

import (
	"context"
	"sync"
)

// compensationRunner rolls back completed steps after a saga failure.
// Individual compensation failures are captured as failed StepResults, never
// escalated; a saga can terminate with some compensations unresolved and
// callers detect that through CompensationResults.
type compensationRunner struct {
	exec   *stepExecutor
	events *Events

	// persist records one compensation result; errors are the caller's to
	// absorb (the rollback itself must keep going).
	persist func(StepResult)
}

// run compensates the given steps and returns results keyed by step id.
// completed must be in completion order; the failed step itself is excluded
// by the caller since it never completed.
func (r *compensationRunner) run(ctx context.Context, def SagaDefinition, completed []SagaStep) map[string]StepResult {
	if len(completed) == 0 {
		return nil
	}

	switch def.Compensation {
	case CompensateParallel:
		return r.runParallel(ctx, def, completed)
	case CompensateDependencyAware:
		ordered := resolveSubset(completed)
		return r.runSequential(ctx, def, reversed(ordered))
	default:
		return r.runSequential(ctx, def, reversed(completed))
	}
}

func (r *compensationRunner) runSequential(ctx context.Context, def SagaDefinition, steps []SagaStep) map[string]StepResult {
	results := make(map[string]StepResult, len(steps))
	for _, step := range steps {
		results[step.ID] = r.compensateOne(ctx, def, step)
	}
	return results
}

func (r *compensationRunner) runParallel(ctx context.Context, def SagaDefinition, steps []SagaStep) map[string]StepResult {
	results := make(map[string]StepResult, len(steps))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, step := range steps {
		wg.Add(1)
		go func(step SagaStep) {
			defer wg.Done()
			res := r.compensateOne(ctx, def, step)
			mu.Lock()
			results[step.ID] = res
			mu.Unlock()
		}(step)
	}
	wg.Wait()

	return results
}

func (r *compensationRunner) compensateOne(ctx context.Context, def SagaDefinition, step SagaStep) StepResult {
	emitEvent(r.events, func() {
		if r.events.OnCompensationStart != nil {
			r.events.OnCompensationStart(r.exec.txID, step.ID)
		}
	})

	var res StepResult
	if step.CompensationMethod == "" {
		// Nothing to undo.
		now := r.exec.now()
		res = StepResult{
			StepID:      step.ID,
			Success:     true,
			StartedAt:   now,
			CompletedAt: now,
		}
	} else {
		res = r.exec.run(ctx, compensationInvocation(step), effectivePolicy(def, step))
	}

	if r.persist != nil {
		r.persist(res)
	}

	emitEvent(r.events, func() {
		if r.events.OnCompensationComplete != nil {
			r.events.OnCompensationComplete(r.exec.txID, step.ID, res.Success)
		}
	})

	return res
}

// effectivePolicy picks the step's retry override, the saga default, or the
// package default, in that order. Compensations reuse the forward policy.
func effectivePolicy(def SagaDefinition, step SagaStep) RetryPolicy {
	if step.Retry != nil {
		return *step.Retry
	}
	if def.Retry != nil {
		return *def.Retry
	}
	return DefaultRetryPolicy()
}

func reversed(steps []SagaStep) []SagaStep {
	out := make([]SagaStep, len(steps))
	for i, step := range steps {
		out[len(steps)-1-i] = step
	}
	return out
}
