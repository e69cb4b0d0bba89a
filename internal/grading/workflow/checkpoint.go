package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gradeflow/internal/common/cache"
	"gradeflow/internal/grading/model"
	appErr "gradeflow/pkg/errors"
)

// CheckpointStore persists workflow state between stages. Save must be
// an atomic overwrite so a crashed run always reloads a whole state.
type CheckpointStore interface {
	Save(ctx context.Context, state *model.WorkflowState) error
	Load(ctx context.Context, runID string) (*model.WorkflowState, error)
	Delete(ctx context.Context, runID string) error
}

const checkpointKeyPrefix = "gradeflow:checkpoint:"

// RedisCheckpointStore keeps each run's state under one key, so every
// save is a single SET.
type RedisCheckpointStore struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewRedisCheckpointStore creates a store with the given retention TTL.
// A ttl of 0 keeps checkpoints forever.
func NewRedisCheckpointStore(c cache.Cache, ttl time.Duration) *RedisCheckpointStore {
	return &RedisCheckpointStore{cache: c, ttl: ttl}
}

func (s *RedisCheckpointStore) Save(ctx context.Context, state *model.WorkflowState) error {
	state.UpdatedAt = time.Now().Unix()
	data, err := json.Marshal(state)
	if err != nil {
		return appErr.Wrapf(err, appErr.CheckpointSaveFailed, "failed to encode state for run %s", state.RunID)
	}
	ttl := s.ttl
	if ttl > 0 {
		ttl = cache.JitterTTL(ttl)
	}
	if err := s.cache.Set(ctx, checkpointKeyPrefix+state.RunID, string(data), ttl); err != nil {
		return appErr.Wrapf(err, appErr.CheckpointSaveFailed, "failed to save checkpoint for run %s", state.RunID)
	}
	return nil
}

func (s *RedisCheckpointStore) Load(ctx context.Context, runID string) (*model.WorkflowState, error) {
	raw, err := s.cache.Get(ctx, checkpointKeyPrefix+runID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CheckpointLoadFailed, "failed to load checkpoint for run %s", runID)
	}
	if raw == "" {
		return nil, appErr.Newf(appErr.RunNotFound, "no checkpoint for run %s", runID)
	}
	var state model.WorkflowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, appErr.Wrapf(err, appErr.CheckpointLoadFailed, "corrupt checkpoint for run %s", runID)
	}
	return &state, nil
}

func (s *RedisCheckpointStore) Delete(ctx context.Context, runID string) error {
	return s.cache.Del(ctx, checkpointKeyPrefix+runID)
}

// MemoryCheckpointStore keeps states in-process. Test use only.
type MemoryCheckpointStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{states: make(map[string][]byte)}
}

func (s *MemoryCheckpointStore) Save(ctx context.Context, state *model.WorkflowState) error {
	state.UpdatedAt = time.Now().Unix()
	data, err := json.Marshal(state)
	if err != nil {
		return appErr.Wrapf(err, appErr.CheckpointSaveFailed, "failed to encode state for run %s", state.RunID)
	}
	s.mu.Lock()
	s.states[state.RunID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryCheckpointStore) Load(ctx context.Context, runID string) (*model.WorkflowState, error) {
	s.mu.RLock()
	data, ok := s.states[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, appErr.Newf(appErr.RunNotFound, "no checkpoint for run %s", runID)
	}
	var state model.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, appErr.Wrapf(err, appErr.CheckpointLoadFailed, "corrupt checkpoint for run %s", runID)
	}
	return &state, nil
}

func (s *MemoryCheckpointStore) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	delete(s.states, runID)
	s.mu.Unlock()
	return nil
}

var (
	_ CheckpointStore = (*RedisCheckpointStore)(nil)
	_ CheckpointStore = (*MemoryCheckpointStore)(nil)
)
