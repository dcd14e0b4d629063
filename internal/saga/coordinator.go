package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// errStepFailed marks the ordinary failure path: a step exhausted its
// retries. It never leaves Execute.
var errStepFailed = errors.New("step failed")

// CoordinatorOptions configures a Coordinator. All fields are optional.
type CoordinatorOptions struct {
	Events *Events
	Logf   func(format string, args ...any)
}

// Coordinator is the top-level saga executor. It owns the transaction state
// machine: it creates the transaction record, resolves execution order, runs
// steps sequentially, triggers compensation on failure and persists every
// transition. Steps never run in parallel; only the Parallel compensation
// strategy fans out.
type Coordinator struct {
	store   Store
	resolve Resolver
	events  *Events
	logf    func(format string, args ...any)

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	rnd   func() float64
}

// NewCoordinator constructs a Coordinator over a store and a participant
// resolver.
func NewCoordinator(store Store, resolve Resolver, opts CoordinatorOptions) *Coordinator {
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Coordinator{
		store:   store,
		resolve: resolve,
		events:  opts.Events,
		logf:    logf,
		now:     time.Now,
		sleep:   sleepWithContext,
		rnd:     rand.Float64,
	}
}

// Execute runs a saga to a terminal state and returns its result. Step
// failures, timeouts and definition errors (cycles, unknown dependencies)
// all surface inside the SagaResult; the error return is reserved for
// failing to create the transaction record in the first place.
func (c *Coordinator) Execute(ctx context.Context, def SagaDefinition) (*SagaResult, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	started := c.now()

	rec := &TransactionRecord{
		ID:          def.ID,
		Definition:  def,
		State:       StatePreparing,
		StepResults: make(map[string]StepResult),
		StartedAt:   started,
	}
	if err := c.store.CreateTransaction(ctx, rec); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	emitEvent(c.events, func() {
		if c.events.OnSagaStart != nil {
			c.events.OnSagaStart(def.ID)
		}
	})

	exec := &stepExecutor{
		txID:    def.ID,
		resolve: c.resolve,
		events:  c.events,
		sleep:   c.sleep,
		rnd:     c.rnd,
		now:     c.now,
	}

	result := &SagaResult{
		TransactionID: def.ID,
		StepResults:   make(map[string]StepResult),
	}

	var completed []SagaStep
	var failureMsg string

	runErr := func() error {
		order, err := ResolveOrder(def.Steps)
		if err != nil {
			return err
		}

		for _, step := range order {
			// The saga deadline is a polled check, not a preemptive cancel:
			// a step already in flight is bounded only by its own timeout.
			if def.Timeout > 0 {
				elapsed := c.now().Sub(started)
				if elapsed > def.Timeout {
					return &TimeoutError{
						TransactionID: def.ID,
						Limit:         def.Timeout,
						Elapsed:       elapsed,
					}
				}
			}

			emitEvent(c.events, func() {
				if c.events.OnStepStart != nil {
					c.events.OnStepStart(def.ID, step.ID)
				}
			})

			res := exec.run(ctx, forwardInvocation(step), effectivePolicy(def, step))
			result.StepResults[step.ID] = res
			rec.StepResults[step.ID] = res
			if err := c.store.SaveStepResult(ctx, def.ID, res, false); err != nil {
				c.logf("saga %s: persist step %s: %v", def.ID, step.ID, err)
			}

			if !res.Success {
				if res.Error != nil {
					failureMsg = res.Error.Message
				}
				return fmt.Errorf("%w: %s", errStepFailed, step.ID)
			}

			completed = append(completed, step)
			emitEvent(c.events, func() {
				if c.events.OnStepComplete != nil {
					c.events.OnStepComplete(def.ID, step.ID, res.Duration)
				}
			})
		}
		return nil
	}()

	switch {
	case runErr == nil:
		rec.State = StateCommitted
		result.Success = true

	case errors.Is(runErr, errStepFailed):
		rec.State = StateAborting
		c.persistTransition(ctx, rec)
		result.CompensationResults = c.compensate(ctx, rec, exec, def, completed)
		rec.State = StateAborted
		result.Error = failureMsg

	case errors.Is(runErr, ErrSagaTimeout):
		result.CompensationResults = c.compensate(ctx, rec, exec, def, completed)
		rec.State = StateTimedOut
		result.Error = runErr.Error()

	default:
		// Unexpected condition (cycle, unknown dependency, duplicate id).
		// Nothing may have run; compensation over the completed set is a
		// no-op when it is empty.
		result.CompensationResults = c.compensate(ctx, rec, exec, def, completed)
		rec.State = StateFailed
		result.Error = runErr.Error()
	}

	completedAt := c.now()
	rec.CompletedAt = &completedAt
	rec.Error = result.Error
	if err := c.store.UpdateTransaction(ctx, rec); err != nil {
		c.logf("saga %s: persist terminal state %s: %v", def.ID, rec.State, err)
	}

	result.State = rec.State
	result.Duration = completedAt.Sub(started)

	emitEvent(c.events, func() {
		if c.events.OnSagaComplete != nil {
			c.events.OnSagaComplete(def.ID, result.State, result.Duration)
		}
	})

	return result, nil
}

// compensate rolls back completed steps and records the results on the
// transaction record.
func (c *Coordinator) compensate(ctx context.Context, rec *TransactionRecord, exec *stepExecutor, def SagaDefinition, completed []SagaStep) map[string]StepResult {
	if len(completed) == 0 {
		return nil
	}

	rec.CompensationTriggered = true
	runner := &compensationRunner{
		exec:   exec,
		events: c.events,
		persist: func(res StepResult) {
			if err := c.store.SaveStepResult(ctx, def.ID, res, true); err != nil {
				c.logf("saga %s: persist compensation %s: %v", def.ID, res.StepID, err)
			}
		},
	}

	results := runner.run(ctx, def, completed)
	rec.CompensationResults = results
	return results
}

// persistTransition saves an intermediate (non-terminal) state change.
func (c *Coordinator) persistTransition(ctx context.Context, rec *TransactionRecord) {
	if err := c.store.UpdateTransaction(ctx, rec); err != nil {
		c.logf("saga %s: persist state %s: %v", rec.ID, rec.State, err)
	}
}

// GetTransaction returns the durable record for a transaction id, or nil
// when no such transaction exists.
func (c *Coordinator) GetTransaction(ctx context.Context, id string) (*TransactionRecord, error) {
	return c.store.GetTransaction(ctx, id)
}

// ListTransactions returns records for operational inspection, optionally
// filtered by state.
func (c *Coordinator) ListTransactions(ctx context.Context, state TransactionState, limit int) ([]TransactionRecord, error) {
	return c.store.ListTransactions(ctx, state, limit)
}
