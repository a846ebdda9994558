package health

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds one CheckAll run.
const DefaultTimeout = 5 * time.Second

// Aggregator runs a set of checkers.
type Aggregator struct {
	timeout  time.Duration
	mu       sync.RWMutex
	checkers []Checker
}

// NewAggregator returns an empty Aggregator. timeout <= 0 selects
// DefaultTimeout.
func NewAggregator(timeout ...time.Duration) *Aggregator {
	a := &Aggregator{timeout: DefaultTimeout}
	if len(timeout) > 0 && timeout[0] > 0 {
		a.timeout = timeout[0]
	}
	return a
}

// Register adds checkers, replacing any with the same name.
func (a *Aggregator) Register(checkers ...Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range checkers {
		i := slices.IndexFunc(a.checkers, func(x Checker) bool { return x.Name() == c.Name() })
		if i >= 0 {
			a.checkers[i] = c
			continue
		}
		a.checkers = append(a.checkers, c)
	}
}

// Names returns the checker names in registration order.
func (a *Aggregator) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, len(a.checkers))
	for i, c := range a.checkers {
		names[i] = c.Name()
	}
	return names
}

// Check runs the named checker.
func (a *Aggregator) Check(ctx context.Context, name string) (Result, error) {
	a.mu.RLock()
	i := slices.IndexFunc(a.checkers, func(x Checker) bool { return x.Name() == name })
	var c Checker
	if i >= 0 {
		c = a.checkers[i]
	}
	a.mu.RUnlock()
	if c == nil {
		return Result{}, ErrCheckerNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return run(ctx, c), nil
}

// CheckAll runs every checker concurrently and returns the results by
// name. A checker still running at the timeout is reported unhealthy.
func (a *Aggregator) CheckAll(ctx context.Context) map[string]Result {
	a.mu.RLock()
	checkers := slices.Clone(a.checkers)
	a.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	results := make([]Result, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			results[i] = run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Result, len(checkers))
	for i, c := range checkers {
		out[c.Name()] = results[i]
	}
	return out
}

// Overall folds results: unhealthy if any is, else degraded if any is,
// else healthy.
func Overall(results map[string]Result) Status {
	status := StatusHealthy
	for _, r := range results {
		status = max(status, r.Status)
	}
	return status
}

func run(ctx context.Context, c Checker) Result {
	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		done <- c.Check(ctx)
	}()

	var r Result
	select {
	case r = <-done:
	case <-ctx.Done():
		r = Unhealthy("check timed out", ErrCheckTimeout)
	}
	r.Duration = time.Since(start)
	if r.Timestamp.IsZero() {
		r.Timestamp = start
	}
	return r
}
