// Package lock provides a polling distributed lock manager over a persisted
// lock store. Callers use it to serialize access to a named resource (e.g.
// "user:42") for the duration of a critical section, independently of any
// saga. Mutual exclusion comes from the store's insert-conflict semantics,
// not from a critical section spanning acquirers.
package lock

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"caravan/internal/saga"
)

// Defaults applied when AcquireOptions fields are zero.
const (
	DefaultLockDuration   = 30 * time.Second
	DefaultAcquireTimeout = 10 * time.Second

	pollInterval = 50 * time.Millisecond
)

// AcquireOptions tunes one acquisition attempt.
type AcquireOptions struct {
	// Mode defaults to Exclusive.
	Mode saga.LockMode
	// Duration is how long the lock lives before it expires.
	Duration time.Duration
	// Timeout bounds how long Acquire polls before giving up.
	Timeout time.Duration
}

// ManagerOptions configures a Manager. All fields are optional.
type ManagerOptions struct {
	// OnWait is invoked with the time spent polling for a successful
	// acquisition; used for metrics.
	OnWait func(time.Duration)
}

// Manager acquires, releases and extends distributed locks.
type Manager struct {
	store  saga.LockStore
	onWait func(time.Duration)

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	newID func() string
}

// NewManager constructs a Manager over a lock store.
func NewManager(store saga.LockStore, opts ManagerOptions) *Manager {
	return &Manager{
		store:  store,
		onWait: opts.OnWait,
		now:    time.Now,
		sleep:  sleepWithContext,
		newID:  uuid.NewString,
	}
}

// Acquire polls until the lock is granted or the timeout elapses. It returns
// nil (not an error) when the resource stays contended past the timeout;
// errors are reserved for storage failures and context cancellation.
// Expired rows anywhere in the table are lazily reaped first.
func (m *Manager) Acquire(ctx context.Context, resource, owner string, opts AcquireOptions) (*saga.DistributedLock, error) {
	mode := opts.Mode
	if mode == "" {
		mode = saga.LockExclusive
	}
	duration := opts.Duration
	if duration <= 0 {
		duration = DefaultLockDuration
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	started := m.now()
	if err := m.store.ReapExpired(ctx, started); err != nil {
		return nil, err
	}

	deadline := started.Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := m.now()
		if now.After(deadline) {
			return nil, nil
		}

		live, err := m.store.LiveLocks(ctx, resource, now)
		if err != nil {
			return nil, err
		}

		if compatible(live, mode) {
			candidate := saga.DistributedLock{
				ID:         m.newID(),
				Resource:   resource,
				Owner:      owner,
				Mode:       mode,
				AcquiredAt: now,
				ExpiresAt:  now.Add(duration),
			}
			err := m.store.InsertLock(ctx, candidate)
			if err == nil {
				if m.onWait != nil {
					m.onWait(now.Sub(started))
				}
				return &candidate, nil
			}
			if !errors.Is(err, saga.ErrLockConflict) {
				return nil, err
			}
			// Lost an insert race; pause and retry like any contention.
		}

		if err := m.sleep(ctx, jitteredPoll()); err != nil {
			return nil, err
		}
	}
}

// Release deletes the lock row. Releasing an absent or expired lock is a
// no-op reported as false.
func (m *Manager) Release(ctx context.Context, lockID string) (bool, error) {
	return m.store.DeleteLock(ctx, lockID, m.now())
}

// Extend pushes the expiry forward by additional, only while the lock is
// still live.
func (m *Manager) Extend(ctx context.Context, lockID string, additional time.Duration) (bool, error) {
	if additional <= 0 {
		return false, nil
	}
	return m.store.ExtendLock(ctx, lockID, additional, m.now())
}

// compatible reports whether a lock of the requested mode may coexist with
// the live locks: any number of shared holders, or exactly one exclusive.
func compatible(live []saga.DistributedLock, mode saga.LockMode) bool {
	if len(live) == 0 {
		return true
	}
	if mode == saga.LockExclusive {
		return false
	}
	for _, held := range live {
		if held.Mode == saga.LockExclusive {
			return false
		}
	}
	return true
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// jitteredPoll spreads concurrent pollers to reduce thundering retries on a
// hot resource.
func jitteredPoll() time.Duration {
	return pollInterval + time.Duration(rand.Int63n(int64(pollInterval/2)+1))
}
