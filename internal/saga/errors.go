package saga

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is() support.
var (
	ErrCircularDependency = errors.New("circular dependency")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrDuplicateStep      = errors.New("duplicate step id")
	ErrSagaTimeout        = errors.New("saga timeout")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrUnknownMethod      = errors.New("unknown method")
	ErrLockConflict       = errors.New("lock already held")
)

// Error codes surfaced on StepError.Code.
const (
	ErrCodeStep    = "STEP_ERROR"
	ErrCodeTimeout = "TRANSACTION_TIMEOUT"
)

// StepFailure is a typed error a participant (or adapter) returns to control
// retry classification. Any other error is treated as retryable with code
// STEP_ERROR.
type StepFailure struct {
	Code      string
	Message   string
	Retryable bool
	Context   map[string]any
}

// NewStepFailure creates a StepFailure.
func NewStepFailure(code, message string, retryable bool) *StepFailure {
	return &StepFailure{Code: code, Message: message, Retryable: retryable}
}

func (e *StepFailure) Error() string {
	code := e.Code
	if code == "" {
		code = ErrCodeStep
	}
	return fmt.Sprintf("%s: %s", code, e.Message)
}

// TimeoutError reports that a transaction, or a step in flight, exceeded its
// deadline.
type TimeoutError struct {
	TransactionID string
	StepID        string
	Limit         time.Duration
	Elapsed       time.Duration
}

func (e *TimeoutError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("transaction '%s' timed out on step '%s' after %s (limit %s)",
			e.TransactionID, e.StepID, e.Elapsed, e.Limit)
	}
	return fmt.Sprintf("transaction '%s' timed out after %s (limit %s)", e.TransactionID, e.Elapsed, e.Limit)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrSagaTimeout
}

// CircularDependencyError identifies the step at which a dependency cycle
// was detected.
type CircularDependencyError struct {
	StepID string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected at step '%s'", e.StepID)
}

func (e *CircularDependencyError) Is(target error) bool {
	return target == ErrCircularDependency
}

// UnknownDependencyError reports a dependsOn reference to a step id that is
// not part of the saga.
type UnknownDependencyError struct {
	StepID    string
	DependsOn string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step '%s' depends on unknown step '%s'", e.StepID, e.DependsOn)
}

func (e *UnknownDependencyError) Is(target error) bool {
	return target == ErrUnknownDependency
}

// classifyError converts an execution error into the StepError recorded on
// the step result. Explicit StepFailures carry their own retryable flag;
// timeouts are retryable; everything else defaults to retryable.
func classifyError(err error) *StepError {
	var failure *StepFailure
	if errors.As(err, &failure) {
		code := failure.Code
		if code == "" {
			code = ErrCodeStep
		}
		return &StepError{
			Code:      code,
			Message:   failure.Message,
			Retryable: failure.Retryable,
			Context:   failure.Context,
		}
	}

	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return &StepError{
			Code:      ErrCodeTimeout,
			Message:   timeout.Error(),
			Retryable: true,
		}
	}

	return &StepError{
		Code:      ErrCodeStep,
		Message:   err.Error(),
		Retryable: true,
	}
}
