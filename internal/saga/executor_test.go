package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeParticipant records every call and delegates to fn when set.
type fakeParticipant struct {
	mu    sync.Mutex
	calls []string
	fn    func(method string, params map[string]any) (map[string]any, error)
}

func (p *fakeParticipant) Call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	p.mu.Lock()
	p.calls = append(p.calls, method)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(method, params)
	}
	return map[string]any{"ok": true}, nil
}

func (p *fakeParticipant) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeParticipant) methods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func singleResolver(p Participant) Resolver {
	return func(string) (Participant, error) { return p, nil }
}

// newTestExecutor builds an executor with no real sleeping and a fixed rng.
func newTestExecutor(resolve Resolver) *stepExecutor {
	return &stepExecutor{
		txID:    "tx-test",
		resolve: resolve,
		sleep:   func(context.Context, time.Duration) error { return nil },
		rnd:     func() float64 { return 0.5 },
		now:     time.Now,
	}
}

func TestExecutorSuccessFirstAttempt(t *testing.T) {
	p := &fakeParticipant{}
	exec := newTestExecutor(singleResolver(p))

	res := exec.run(context.Background(), invocation{stepID: "s1", method: "reserve"}, RetryPolicy{MaxAttempts: 3})

	if !res.Success {
		t.Fatalf("expected success, got error %+v", res.Error)
	}
	if res.RetryCount != 1 {
		t.Fatalf("expected 1 attempt consumed, got %d", res.RetryCount)
	}
	if p.callCount() != 1 {
		t.Fatalf("expected 1 participant call, got %d", p.callCount())
	}
	if res.Data["ok"] != true {
		t.Fatalf("expected participant data to pass through, got %v", res.Data)
	}
}

func TestExecutorRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	p := &fakeParticipant{fn: func(method string, params map[string]any) (map[string]any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"done": true}, nil
	}}
	exec := newTestExecutor(singleResolver(p))

	res := exec.run(context.Background(), invocation{stepID: "s1", method: "reserve"}, RetryPolicy{MaxAttempts: 5})

	if !res.Success {
		t.Fatalf("expected eventual success, got %+v", res.Error)
	}
	if res.RetryCount != 3 {
		t.Fatalf("expected 3 attempts consumed, got %d", res.RetryCount)
	}
}

func TestExecutorMaxAttemptsBoundsTotalCalls(t *testing.T) {
	p := &fakeParticipant{fn: func(string, map[string]any) (map[string]any, error) {
		return nil, errors.New("still failing")
	}}
	exec := newTestExecutor(singleResolver(p))

	res := exec.run(context.Background(), invocation{stepID: "s1", method: "reserve"}, RetryPolicy{MaxAttempts: 2})

	if res.Success {
		t.Fatal("expected failure")
	}
	if p.callCount() != 2 {
		t.Fatalf("expected exactly 2 participant calls, got %d", p.callCount())
	}
	if res.RetryCount != 2 {
		t.Fatalf("expected retryCount 2, got %d", res.RetryCount)
	}
	if res.Error == nil || res.Error.Code != ErrCodeStep {
		t.Fatalf("expected STEP_ERROR, got %+v", res.Error)
	}
}

func TestExecutorZeroMaxAttemptsStillCallsOnce(t *testing.T) {
	p := &fakeParticipant{}
	exec := newTestExecutor(singleResolver(p))

	res := exec.run(context.Background(), invocation{stepID: "s1", method: "reserve"}, RetryPolicy{})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	if p.callCount() != 1 {
		t.Fatalf("expected 1 call, got %d", p.callCount())
	}
}

func TestExecutorNonRetryableStopsImmediately(t *testing.T) {
	p := &fakeParticipant{fn: func(string, map[string]any) (map[string]any, error) {
		return nil, &StepFailure{Code: "INSUFFICIENT_FUNDS", Message: "balance too low", Retryable: false}
	}}
	exec := newTestExecutor(singleResolver(p))

	res := exec.run(context.Background(), invocation{stepID: "s1", method: "charge"}, RetryPolicy{MaxAttempts: 5})

	if res.Success {
		t.Fatal("expected failure")
	}
	if p.callCount() != 1 {
		t.Fatalf("non-retryable error should stop after 1 call, got %d", p.callCount())
	}
	if res.Error.Code != "INSUFFICIENT_FUNDS" || res.Error.Retryable {
		t.Fatalf("expected participant error to pass through, got %+v", res.Error)
	}
}

func TestExecutorStepTimeoutBeatsSlowCall(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p := &fakeParticipant{fn: func(string, map[string]any) (map[string]any, error) {
		<-release
		return map[string]any{}, nil
	}}
	exec := newTestExecutor(singleResolver(p))

	res := exec.run(context.Background(), invocation{
		stepID:  "slow",
		method:  "reserve",
		timeout: 10 * time.Millisecond,
	}, RetryPolicy{MaxAttempts: 1})

	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.Error == nil || res.Error.Code != ErrCodeTimeout {
		t.Fatalf("expected %s, got %+v", ErrCodeTimeout, res.Error)
	}
}

func TestExecutorTimeoutIsRetryable(t *testing.T) {
	var mu sync.Mutex
	attempt := 0
	p := &fakeParticipant{fn: func(string, map[string]any) (map[string]any, error) {
		mu.Lock()
		attempt++
		slow := attempt == 1
		mu.Unlock()
		if slow {
			time.Sleep(50 * time.Millisecond)
		}
		return map[string]any{}, nil
	}}
	exec := newTestExecutor(singleResolver(p))

	res := exec.run(context.Background(), invocation{
		stepID:  "s1",
		method:  "reserve",
		timeout: 10 * time.Millisecond,
	}, RetryPolicy{MaxAttempts: 2})

	if !res.Success {
		t.Fatalf("expected retry after timeout to succeed, got %+v", res.Error)
	}
	if res.RetryCount != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.RetryCount)
	}
}

func TestExecutorUnresolvedParticipant(t *testing.T) {
	exec := newTestExecutor(func(id string) (Participant, error) {
		return nil, errors.New("no such participant: " + id)
	})

	res := exec.run(context.Background(), invocation{stepID: "s1", participantID: "ghost", method: "reserve"}, RetryPolicy{MaxAttempts: 3})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Code != "PARTICIPANT_UNRESOLVED" || res.Error.Retryable {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
}

func TestExecutorCancelledContextStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeParticipant{fn: func(string, map[string]any) (map[string]any, error) {
		cancel()
		return nil, errors.New("transient")
	}}
	exec := newTestExecutor(singleResolver(p))
	exec.sleep = sleepWithContext

	res := exec.run(ctx, invocation{stepID: "s1", method: "reserve"}, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond})

	if res.Success {
		t.Fatal("expected failure")
	}
	if p.callCount() != 1 {
		t.Fatalf("expected retries to stop after cancellation, got %d calls", p.callCount())
	}
}

func TestExecutorEmitsRetryEvents(t *testing.T) {
	var mu sync.Mutex
	var failures, retries []int
	events := &Events{
		OnStepFailed: func(txID, stepID string, stepErr *StepError, attempt int) {
			mu.Lock()
			failures = append(failures, attempt)
			mu.Unlock()
		},
		OnStepRetry: func(txID, stepID string, attempt int, delay time.Duration) {
			mu.Lock()
			retries = append(retries, attempt)
			mu.Unlock()
		},
	}

	p := &fakeParticipant{fn: func(string, map[string]any) (map[string]any, error) {
		return nil, errors.New("transient")
	}}
	exec := newTestExecutor(singleResolver(p))
	exec.events = events

	exec.run(context.Background(), invocation{stepID: "s1", method: "reserve"}, RetryPolicy{MaxAttempts: 3})

	if len(failures) != 3 {
		t.Fatalf("expected 3 failure events, got %v", failures)
	}
	if len(retries) != 2 || retries[0] != 2 || retries[1] != 3 {
		t.Fatalf("expected retry events for attempts [2 3], got %v", retries)
	}
}
