package workflow

import (
	"context"
	"sync"
	"time"

	"gradeflow/internal/common/cache"
	appErr "gradeflow/pkg/errors"
)

// RunLock serializes drivers of one run: a message redelivery or a
// concurrent resume call must not advance the same state twice.
type RunLock interface {
	Acquire(ctx context.Context, runID string) (bool, error)
	Release(ctx context.Context, runID string) error
	Extend(ctx context.Context, runID string) error
}

const runLockKeyPrefix = "gradeflow:runlock:"

// CacheRunLock is a distributed run lock over cache LockOps.
type CacheRunLock struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewCacheRunLock creates a lock with the given hold TTL.
func NewCacheRunLock(c cache.Cache, ttl time.Duration) *CacheRunLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CacheRunLock{cache: c, ttl: ttl}
}

func (l *CacheRunLock) Acquire(ctx context.Context, runID string) (bool, error) {
	ok, err := l.cache.TryLock(ctx, runLockKeyPrefix+runID, l.ttl)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.LockFailed, "failed to acquire lock for run %s", runID)
	}
	return ok, nil
}

func (l *CacheRunLock) Release(ctx context.Context, runID string) error {
	return l.cache.Unlock(ctx, runLockKeyPrefix+runID)
}

func (l *CacheRunLock) Extend(ctx context.Context, runID string) error {
	return l.cache.ExtendLock(ctx, runLockKeyPrefix+runID, l.ttl)
}

// MemoryRunLock is an in-process lock. Test use only.
type MemoryRunLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryRunLock() *MemoryRunLock {
	return &MemoryRunLock{held: make(map[string]bool)}
}

func (l *MemoryRunLock) Acquire(ctx context.Context, runID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[runID] {
		return false, nil
	}
	l.held[runID] = true
	return true, nil
}

func (l *MemoryRunLock) Release(ctx context.Context, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, runID)
	return nil
}

func (l *MemoryRunLock) Extend(ctx context.Context, runID string) error {
	return nil
}

var (
	_ RunLock = (*CacheRunLock)(nil)
	_ RunLock = (*MemoryRunLock)(nil)
)
