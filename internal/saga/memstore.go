package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with mutex-guarded maps. It backs tests and
// the no-database fallback in the server wiring; state does not survive a
// restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*TransactionRecord
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*TransactionRecord)}
}

func (s *MemoryStore) CreateTransaction(ctx context.Context, rec *TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = copyRecord(rec)
	return nil
}

func (s *MemoryStore) UpdateTransaction(ctx context.Context, rec *TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = copyRecord(rec)
	return nil
}

func (s *MemoryStore) SaveStepResult(ctx context.Context, txID string, res StepResult, compensation bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[txID]
	if !ok {
		return nil
	}
	if compensation {
		if rec.CompensationResults == nil {
			rec.CompensationResults = make(map[string]StepResult)
		}
		rec.CompensationResults[res.StepID] = res
	} else {
		if rec.StepResults == nil {
			rec.StepResults = make(map[string]StepResult)
		}
		rec.StepResults[res.StepID] = res
	}
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, state TransactionState, limit int) ([]TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var out []TransactionRecord
	for _, rec := range s.records {
		if state != "" && rec.State != state {
			continue
		}
		out = append(out, *copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyRecord(rec *TransactionRecord) *TransactionRecord {
	out := *rec
	out.StepResults = copyResults(rec.StepResults)
	out.CompensationResults = copyResults(rec.CompensationResults)
	if rec.CompletedAt != nil {
		completed := *rec.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}

func copyResults(in map[string]StepResult) map[string]StepResult {
	if in == nil {
		return nil
	}
	out := make(map[string]StepResult, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)

// MemoryLockStore implements LockStore in memory. Unlike the SQL store,
// conflict checks run atomically under the mutex, which is strictly stronger
// than the unique-constraint race the manager is built to tolerate.
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[string]DistributedLock
}

// NewMemoryLockStore constructs an empty MemoryLockStore.
func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[string]DistributedLock)}
}

func (s *MemoryLockStore) ReapExpired(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, lock := range s.locks {
		if !lock.ExpiresAt.After(now) {
			delete(s.locks, id)
		}
	}
	return nil
}

func (s *MemoryLockStore) LiveLocks(ctx context.Context, resource string, now time.Time) ([]DistributedLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []DistributedLock
	for _, lock := range s.locks {
		if lock.Resource == resource && lock.ExpiresAt.After(now) {
			out = append(out, lock)
		}
	}
	return out, nil
}

func (s *MemoryLockStore) InsertLock(ctx context.Context, lock DistributedLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, held := range s.locks {
		if held.Resource != lock.Resource || !held.ExpiresAt.After(lock.AcquiredAt) {
			continue
		}
		if held.Mode == LockExclusive || lock.Mode == LockExclusive {
			return ErrLockConflict
		}
	}
	s.locks[lock.ID] = lock
	return nil
}

func (s *MemoryLockStore) DeleteLock(ctx context.Context, lockID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[lockID]
	if !ok {
		return false, nil
	}
	delete(s.locks, lockID)
	return lock.ExpiresAt.After(now), nil
}

func (s *MemoryLockStore) ExtendLock(ctx context.Context, lockID string, additional time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[lockID]
	if !ok || !lock.ExpiresAt.After(now) {
		return false, nil
	}
	lock.ExpiresAt = lock.ExpiresAt.Add(additional)
	s.locks[lockID] = lock
	return true, nil
}

var _ LockStore = (*MemoryLockStore)(nil)
