// Package grpc adapts remote saga participants reachable over gRPC to the
// coordinator's Participant interface. Requests and responses travel as
// structpb payloads through a single generic method, so participant services
// need no generated stubs to take part in a saga.
package grpc

import (
	"context"
	"fmt"
	"sync"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"caravan/internal/saga"
)

// callMethod is the fully-qualified method every participant service
// exposes: it receives {method, params} and returns the result struct.
const callMethod = "/caravan.Participant/Call"

// ClientConn is the invocation surface used by Participant.
// *grpc.ClientConn satisfies it.
type ClientConn interface {
	Invoke(ctx context.Context, method string, args any, reply any, opts ...grpcpkg.CallOption) error
}

// Participant invokes a remote participant over a gRPC connection.
type Participant struct {
	conn ClientConn
}

// NewParticipant wraps a connection as a saga participant.
func NewParticipant(conn ClientConn) *Participant {
	return &Participant{conn: conn}
}

// Call invokes the named operation on the remote participant. gRPC status
// codes are classified into retryable and non-retryable step failures.
func (p *Participant) Call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	payload := map[string]any{"method": method}
	if params != nil {
		payload["params"] = params
	}

	req, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, &saga.StepFailure{
			Code:      "BAD_PARAMS",
			Message:   fmt.Sprintf("params for method '%s' are not struct-encodable: %v", method, err),
			Retryable: false,
		}
	}

	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, callMethod, req, resp); err != nil {
		return nil, mapStatusError(method, err)
	}
	return resp.AsMap(), nil
}

var _ saga.Participant = (*Participant)(nil)

func mapStatusError(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	retryable := true
	switch st.Code() {
	case codes.InvalidArgument,
		codes.NotFound,
		codes.AlreadyExists,
		codes.PermissionDenied,
		codes.Unauthenticated,
		codes.FailedPrecondition,
		codes.Unimplemented,
		codes.OutOfRange:
		retryable = false
	}

	return &saga.StepFailure{
		Code:      st.Code().String(),
		Message:   fmt.Sprintf("call '%s': %s", method, st.Message()),
		Retryable: retryable,
	}
}

// Resolver maps participant ids to gRPC targets, dialing connections lazily
// and reusing them across sagas.
type Resolver struct {
	mu      sync.Mutex
	targets map[string]string
	conns   map[string]*grpcpkg.ClientConn
	dial    func(target string) (*grpcpkg.ClientConn, error)
}

// NewResolver constructs a Resolver from a participant id to address map.
func NewResolver(targets map[string]string) *Resolver {
	return &Resolver{
		targets: targets,
		conns:   make(map[string]*grpcpkg.ClientConn),
		dial: func(target string) (*grpcpkg.ClientConn, error) {
			return grpcpkg.NewClient(target, grpcpkg.WithTransportCredentials(insecure.NewCredentials()))
		},
	}
}

// Resolve returns the participant handle for an id.
func (r *Resolver) Resolve(participantID string) (saga.Participant, error) {
	target, ok := r.targets[participantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", saga.ErrUnknownParticipant, participantID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[participantID]
	if !ok {
		var err error
		conn, err = r.dial(target)
		if err != nil {
			return nil, fmt.Errorf("dial participant %s: %w", participantID, err)
		}
		r.conns[participantID] = conn
	}
	return NewParticipant(conn), nil
}

// Close tears down all dialed connections.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, conn := range r.conns {
		_ = conn.Close()
		delete(r.conns, id)
	}
}
