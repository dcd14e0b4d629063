// Package saga coordinates multi-step transactions across independent
// participants. A saga executes its steps in dependency order against
// resolved participants; when a step fails, previously completed steps are
// rolled back by invoking their compensation methods under a configurable
// strategy. Progress is persisted after every step so transactions can be
// inspected and diagnosed after the fact.
//
// The package also carries the two-phase-commit vocabulary (Prepared,
// Committing, ParticipantState) used by participants that stage changes
// before committing; the coordinator itself drives the simpler
// execute-or-compensate model.
package saga

import "time"

// TransactionState is the lifecycle state of a saga transaction.
type TransactionState string

const (
	StatePreparing  TransactionState = "preparing"
	StatePrepared   TransactionState = "prepared"
	StateCommitting TransactionState = "committing"
	StateCommitted  TransactionState = "committed"
	StateAborting   TransactionState = "aborting"
	StateAborted    TransactionState = "aborted"
	StateFailed     TransactionState = "failed"
	StateTimedOut   TransactionState = "timed_out"
)

// ParticipantState tracks a single participant inside a prepared 2PC round.
// The coordinator does not populate it; participants implementing the
// prepare/commit hooks may use it as an extension point.
type ParticipantState string

const (
	ParticipantIdle      ParticipantState = "idle"
	ParticipantPrepared  ParticipantState = "prepared"
	ParticipantCommitted ParticipantState = "committed"
	ParticipantAborted   ParticipantState = "aborted"
)

// CompensationStrategy selects how completed steps are rolled back.
type CompensationStrategy string

const (
	// CompensateReverseOrder rolls back in exact reverse completion order.
	CompensateReverseOrder CompensationStrategy = "reverse_order"
	// CompensateParallel fires all compensations concurrently.
	CompensateParallel CompensationStrategy = "parallel"
	// CompensateDependencyAware re-resolves the dependency order over the
	// completed steps and rolls back in its reverse.
	CompensateDependencyAware CompensationStrategy = "dependency_aware"
)

// LockMode is the sharing mode of a distributed lock.
type LockMode string

const (
	LockExclusive LockMode = "exclusive"
	LockShared    LockMode = "shared"
)

// RetryPolicy controls retry behavior for step execution.
// MaxAttempts bounds the total number of participant calls (minimum one).
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts"`
	BaseDelay   time.Duration `json:"baseDelay"`
	Multiplier  float64       `json:"multiplier"`
	MaxDelay    time.Duration `json:"maxDelay"`
	Jitter      float64       `json:"jitter"`
}

// DefaultRetryPolicy returns the policy applied when a saga declares none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		Jitter:      0.1,
	}
}

// SagaStep is one unit of work inside a saga definition.
type SagaStep struct {
	ID                 string         `json:"id"`
	ParticipantID      string         `json:"participantId"`
	Method             string         `json:"method"`
	Params             map[string]any `json:"params,omitempty"`
	CompensationMethod string         `json:"compensationMethod,omitempty"`
	CompensationParams map[string]any `json:"compensationParams,omitempty"`
	Timeout            time.Duration  `json:"timeout,omitempty"`
	Retry              *RetryPolicy   `json:"retry,omitempty"`
	DependsOn          []string       `json:"dependsOn,omitempty"`
}

// SagaDefinition is an immutable description of a transaction. It is never
// mutated after submission; the coordinator persists it verbatim on the
// transaction record.
type SagaDefinition struct {
	ID           string               `json:"id"`
	Steps        []SagaStep           `json:"steps"`
	Timeout      time.Duration        `json:"timeout,omitempty"`
	Retry        *RetryPolicy         `json:"retry,omitempty"`
	Compensation CompensationStrategy `json:"compensation,omitempty"`
	Metadata     map[string]string    `json:"metadata,omitempty"`
}

// StepError describes why a step failed.
type StepError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Context   map[string]any `json:"context,omitempty"`
}

// StepResult is the recorded outcome of one step execution, forward or
// compensating.
type StepResult struct {
	StepID      string         `json:"stepId"`
	Success     bool           `json:"success"`
	Data        map[string]any `json:"data,omitempty"`
	Error       *StepError     `json:"error,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`
	Duration    time.Duration  `json:"duration"`
	RetryCount  int            `json:"retryCount"`
}

// SagaResult is the final outcome returned to the caller. Step failures are
// reported here, never as errors from Execute. When compensation ran,
// CompensationResults holds one entry per rolled-back step, keyed by the
// same step id as StepResults.
type SagaResult struct {
	TransactionID       string                `json:"transactionId"`
	State               TransactionState      `json:"state"`
	Success             bool                  `json:"success"`
	StepResults         map[string]StepResult `json:"stepResults"`
	CompensationResults map[string]StepResult `json:"compensationResults,omitempty"`
	Error               string                `json:"error,omitempty"`
	Duration            time.Duration         `json:"duration"`
}

// TransactionRecord is the durable projection of a saga's progress.
type TransactionRecord struct {
	ID                    string                `json:"id"`
	Definition            SagaDefinition        `json:"definition"`
	State                 TransactionState      `json:"state"`
	StepResults           map[string]StepResult `json:"stepResults"`
	CompensationResults   map[string]StepResult `json:"compensationResults,omitempty"`
	CompensationTriggered bool                  `json:"compensationTriggered"`
	StartedAt             time.Time             `json:"startedAt"`
	CompletedAt           *time.Time            `json:"completedAt,omitempty"`
	Error                 string                `json:"error,omitempty"`
}

// DistributedLock is a persisted lock row on a named resource.
type DistributedLock struct {
	ID         string    `json:"id"`
	Resource   string    `json:"resource"`
	Owner      string    `json:"owner"`
	Mode       LockMode  `json:"mode"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}
