package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// TaskStore persists scheduled tasks.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Get returns ErrTaskNotFound for unknown ids. Delete is idempotent.
type TaskStore interface {
	Save(ctx context.Context, task Task) error
	Get(ctx context.Context, id string) (Task, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Task, error)
}

// MemoryTaskStore keeps tasks in memory.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewMemoryTaskStore creates an empty MemoryTaskStore.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]Task)}
}

// Save stores task under its ID.
func (s *MemoryTaskStore) Save(_ context.Context, task Task) error {
	if task.ID == "" {
		return ErrInvalidTask
	}
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()
	return nil
}

// Get returns the task with id.
func (s *MemoryTaskStore) Get(_ context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t, nil
}

// Delete removes the task with id.
func (s *MemoryTaskStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
	return nil
}

// List returns all tasks ordered by ID.
func (s *MemoryTaskStore) List(_ context.Context) ([]Task, error) {
	s.mu.RLock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

const (
	taskKeyPrefix = "task:"
	taskIndexKey  = "tasks"
)

// RedisTaskStore keeps tasks in Redis, so that a restarted schedule
// service can recover them.
type RedisTaskStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTaskStore creates a RedisTaskStore. Keys are prefixed with
// prefix, default "toolguard:scheduler:".
func NewRedisTaskStore(client redis.UniversalClient, prefix string) *RedisTaskStore {
	if prefix == "" {
		prefix = "toolguard:scheduler:"
	}
	return &RedisTaskStore{client: client, prefix: prefix}
}

// Save stores task under its ID and indexes it.
func (s *RedisTaskStore) Save(ctx context.Context, task Task) error {
	if task.ID == "" {
		return ErrInvalidTask
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("scheduler: marshal task: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.prefix+taskKeyPrefix+task.ID, data, 0)
	pipe.SAdd(ctx, s.prefix+taskIndexKey, task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("scheduler: save task: %w", err)
	}
	return nil
}

// Get returns the task with id.
func (s *RedisTaskStore) Get(ctx context.Context, id string) (Task, error) {
	data, err := s.client.Get(ctx, s.prefix+taskKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, fmt.Errorf("scheduler: get task: %w", err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("scheduler: unmarshal task: %w", err)
	}
	return t, nil
}

// Delete removes the task with id.
func (s *RedisTaskStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.prefix+taskKeyPrefix+id)
	pipe.SRem(ctx, s.prefix+taskIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("scheduler: delete task: %w", err)
	}
	return nil
}

// List returns all indexed tasks ordered by ID. Index entries whose task
// is gone are skipped.
func (s *RedisTaskStore) List(ctx context.Context) ([]Task, error) {
	ids, err := s.client.SMembers(ctx, s.prefix+taskIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("scheduler: list tasks: %w", err)
	}
	sort.Strings(ids)
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// CheckHealth pings Redis.
func (s *RedisTaskStore) CheckHealth(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("scheduler: redis health check failed: %w", err)
	}
	return nil
}

var (
	_ TaskStore = (*MemoryTaskStore)(nil)
	_ TaskStore = (*RedisTaskStore)(nil)
)
