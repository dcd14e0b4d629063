package saga

import (
	"context"
	"time"
)

// Store persists transaction records and step results. Implementations only
// need single-statement atomicity; the coordinator never assumes multi-row
// transactions.
type Store interface {
	// CreateTransaction inserts the record at saga start.
	CreateTransaction(ctx context.Context, rec *TransactionRecord) error

	// UpdateTransaction persists state, error, completion timestamp and the
	// compensation flag after a transition.
	UpdateTransaction(ctx context.Context, rec *TransactionRecord) error

	// SaveStepResult persists one step result. Forward and compensating
	// results for the same step id are kept apart by the compensation flag.
	SaveStepResult(ctx context.Context, txID string, res StepResult, compensation bool) error

	// GetTransaction returns the record, or nil when absent.
	GetTransaction(ctx context.Context, id string) (*TransactionRecord, error)

	// ListTransactions returns records filtered by state ("" matches all),
	// newest first, capped at limit.
	ListTransactions(ctx context.Context, state TransactionState, limit int) ([]TransactionRecord, error)
}

// LockStore persists distributed lock rows. Insert conflicts caused by
// concurrent acquirers are reported as ErrLockConflict; the lock manager
// treats them as "try again", never as fatal.
type LockStore interface {
	// ReapExpired deletes lock rows whose expiry has passed.
	ReapExpired(ctx context.Context, now time.Time) error

	// LiveLocks returns unexpired locks on the resource.
	LiveLocks(ctx context.Context, resource string, now time.Time) ([]DistributedLock, error)

	// InsertLock adds a lock row, returning ErrLockConflict when it loses a
	// race with a concurrent acquirer.
	InsertLock(ctx context.Context, lock DistributedLock) error

	// DeleteLock removes a live lock row, reporting whether one was removed.
	DeleteLock(ctx context.Context, lockID string, now time.Time) (bool, error)

	// ExtendLock pushes a live lock's expiry forward, reporting whether the
	// lock was still live.
	ExtendLock(ctx context.Context, lockID string, additional time.Duration, now time.Time) (bool, error)
}
