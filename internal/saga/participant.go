package saga

import (
	"context"
	"fmt"
	"sync"
)

// Participant executes named operations on behalf of a saga. Both forward
// steps and compensations go through Call.
type Participant interface {
	Call(ctx context.Context, method string, params map[string]any) (map[string]any, error)
}

// Resolver returns a handle for a participant id. The coordinator does not
// implement the transport itself; callers inject a resolver (an in-process
// registry, a gRPC adapter, ...).
type Resolver func(participantID string) (Participant, error)

// Well-known method names a participant may expose to stage changes before
// committing. The coordinator does not orchestrate a synchronized prepare
// barrier; these exist for participants that implement the fuller 2PC
// protocol among themselves.
const (
	MethodSagaPrepare    = "sagaPrepare"
	MethodSagaCommit     = "sagaCommit"
	MethodSagaAbort      = "sagaAbort"
	MethodSagaCompensate = "sagaCompensate"
)

// HandlerFunc handles one named operation.
type HandlerFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Registry is an in-process Participant dispatching to handlers registered
// by method name. Handlers are resolved through an explicit map, not
// reflection, and are expected to be registered at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a method name, replacing any previous binding.
func (r *Registry) Register(method string, handler HandlerFunc) {
	r.mu.Lock()
	r.handlers[method] = handler
	r.mu.Unlock()
}

// Call dispatches to the registered handler. An unknown method is a
// non-retryable failure.
func (r *Registry) Call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	handler, ok := r.handlers[method]
	r.mu.RUnlock()
	if !ok {
		return nil, &StepFailure{
			Code:      "UNKNOWN_METHOD",
			Message:   fmt.Sprintf("no handler registered for method '%s'", method),
			Retryable: false,
		}
	}
	return handler(ctx, params)
}

var _ Participant = (*Registry)(nil)

// MapResolver resolves participants from a fixed map.
func MapResolver(participants map[string]Participant) Resolver {
	return func(participantID string) (Participant, error) {
		p, ok := participants[participantID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
		}
		return p, nil
	}
}
