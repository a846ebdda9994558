package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonwraymond/toolguard/observe"
)

// DefaultRunTimeout bounds a single run of a task.
const DefaultRunTimeout = 30 * time.Second

// InProcess runs each scheduled task on its own goroutine, once per poll
// interval, until it is cancelled or its authorization request has been
// expired for a full interval.
type InProcess struct {
	runner     Runner
	tasks      TaskStore
	logger     observe.Logger
	runTimeout time.Duration
	now        func() time.Time
	after      func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// InProcessOption configures an InProcess scheduler.
type InProcessOption func(*InProcess)

// WithTaskStore persists tasks in ts. Default: a MemoryTaskStore.
func WithTaskStore(ts TaskStore) InProcessOption {
	return func(s *InProcess) {
		if ts != nil {
			s.tasks = ts
		}
	}
}

// WithLogger sets the logger for run failures.
func WithLogger(l observe.Logger) InProcessOption {
	return func(s *InProcess) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRunTimeout bounds each run. Default: DefaultRunTimeout.
func WithRunTimeout(d time.Duration) InProcessOption {
	return func(s *InProcess) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// NewInProcess creates a scheduler running tasks with runner.
func NewInProcess(runner Runner, opts ...InProcessOption) *InProcess {
	s := &InProcess{
		runner:     runner,
		tasks:      NewMemoryTaskStore(),
		logger:     observe.NopLogger(),
		runTimeout: DefaultRunTimeout,
		now:        time.Now,
		after:      time.After,
		cancels:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule persists task and starts running it. An ID is assigned when the
// task has none.
func (s *InProcess) Schedule(ctx context.Context, task Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	if err := s.tasks.Save(ctx, task); err != nil {
		return "", err
	}
	if err := s.start(task); err != nil {
		_ = s.tasks.Delete(ctx, task.ID)
		return "", err
	}
	return task.ID, nil
}

func (s *InProcess) start(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, running := s.cancels[task.ID]; running {
		return nil
	}
	taskCtx, cancel := context.WithCancel(context.Background())
	s.cancels[task.ID] = cancel
	s.wg.Add(1)
	go s.loop(taskCtx, task)
	return nil
}

func (s *InProcess) loop(ctx context.Context, task Task) {
	defer s.wg.Done()
	interval := task.PollInterval()
	stopAfter := task.Request.Deadline().Add(interval)
	log := s.logger.With(observe.Meta{Authorizer: "ciba", Tool: task.ToolID})

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.after(interval):
		}
		if ctx.Err() != nil {
			return
		}

		runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
		err := s.runner.Run(runCtx, task)
		cancel()
		if err != nil && ctx.Err() == nil {
			log.Warn(ctx, "scheduled check failed",
				observe.F("task_id", task.ID),
				observe.F("error", err),
			)
		}

		if ctx.Err() == nil && s.now().After(stopAfter) {
			log.Warn(ctx, "dropping task past its authorization deadline", observe.F("task_id", task.ID))
			_ = s.Cancel(context.Background(), task.ID)
			return
		}
	}
}

// Cancel stops the task and removes it from the store. It does not wait
// for an in-flight run, so a task may cancel itself.
func (s *InProcess) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
	return s.tasks.Delete(ctx, id)
}

// Get returns a scheduled task.
func (s *InProcess) Get(ctx context.Context, id string) (Task, error) {
	return s.tasks.Get(ctx, id)
}

// Running reports the number of running tasks.
func (s *InProcess) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// Restore starts every task found in the store. It lets a restarted
// service resume the schedules of a durable TaskStore.
func (s *InProcess) Restore(ctx context.Context) (int, error) {
	tasks, err := s.tasks.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		if err := s.start(t); err != nil {
			return 0, err
		}
	}
	return len(tasks), nil
}

// Close stops all tasks and waits for in-flight runs, or until ctx is
// done. Persisted tasks are kept for Restore.
func (s *InProcess) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Scheduler = (*InProcess)(nil)
