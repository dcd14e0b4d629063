package sagadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"caravan/internal/saga"
)

// uniqueViolation is the Postgres error code raised when an insert loses a
// race against the exclusive-mode unique index.
const uniqueViolation = "23505"

// LockStore persists distributed locks in the saga_locks table. Mutual
// exclusion for exclusive mode is enforced by a partial unique index on the
// resource column, so a lost insert race surfaces as saga.ErrLockConflict
// rather than a broken invariant.
type LockStore struct {
	db *sql.DB
}

// NewLockStore constructs a LockStore backed by Postgres.
func NewLockStore(db *sql.DB) *LockStore {
	return &LockStore{db: db}
}

func (s *LockStore) ReapExpired(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM saga_locks WHERE expires_at <= $1`, now)
	return err
}

func (s *LockStore) LiveLocks(ctx context.Context, resource string, now time.Time) ([]saga.DistributedLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lock_id, resource, owner, mode, acquired_at, expires_at
		FROM saga_locks
		WHERE resource = $1 AND expires_at > $2`,
		resource, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.DistributedLock
	for rows.Next() {
		var lock saga.DistributedLock
		var mode string
		if err := rows.Scan(&lock.ID, &lock.Resource, &lock.Owner, &mode, &lock.AcquiredAt, &lock.ExpiresAt); err != nil {
			return nil, err
		}
		lock.Mode = saga.LockMode(mode)
		out = append(out, lock)
	}
	return out, rows.Err()
}

func (s *LockStore) InsertLock(ctx context.Context, lock saga.DistributedLock) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_locks (lock_id, resource, owner, mode, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		lock.ID, lock.Resource, lock.Owner, string(lock.Mode), lock.AcquiredAt, lock.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", saga.ErrLockConflict, lock.Resource)
		}
		return err
	}
	return nil
}

func (s *LockStore) DeleteLock(ctx context.Context, lockID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM saga_locks WHERE lock_id = $1 AND expires_at > $2`,
		lockID, now,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *LockStore) ExtendLock(ctx context.Context, lockID string, additional time.Duration, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE saga_locks
		SET expires_at = expires_at + ($2 * interval '1 millisecond')
		WHERE lock_id = $1 AND expires_at > $3`,
		lockID, additional.Milliseconds(), now,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

var _ saga.LockStore = (*LockStore)(nil)
