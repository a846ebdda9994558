package provider

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// BreakerState is the state of the provider circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// MaxFailures opens the circuit after this many consecutive failures.
	// Default: 5
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the circuit stays open before one probe
	// request is let through. Default: 30s
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// RetryConfig configures retries of transport failures. Provider error
// responses are never retried.
type RetryConfig struct {
	// MaxAttempts includes the first attempt. Default: 1 (no retry)
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the delay before the first retry. Default: 100ms
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the backoff. Default: 2s
	MaxDelay time.Duration `yaml:"max_delay"`
}

type breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	probeActive bool
}

func newBreaker(cfg BreakerConfig, now func() time.Time) *breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &breaker{cfg: cfg, now: now}
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked()
}

func (b *breaker) currentLocked() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = BreakerHalfOpen
		b.probeActive = false
	}
	return b.state
}

func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.currentLocked() {
	case BreakerOpen:
		return ErrCircuitOpen
	case BreakerHalfOpen:
		if b.probeActive {
			return ErrCircuitOpen
		}
		b.probeActive = true
	}
	return nil
}

func (b *breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.probeActive = false
		if failed {
			b.state = BreakerOpen
			b.openedAt = b.now()
			return
		}
		b.state = BreakerClosed
		b.failures = 0
	case BreakerClosed:
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	}
}

type guard struct {
	timeout time.Duration
	retry   RetryConfig
	breaker *breaker
}

func newGuard(cfg Config, now func() time.Time) *guard {
	r := cfg.Retry
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = 100 * time.Millisecond
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 2 * time.Second
	}
	return &guard{timeout: cfg.Timeout, retry: r, breaker: newBreaker(cfg.Breaker, now)}
}

// countsAsFailure reports whether err says the provider is unhealthy.
// Rejections (4xx) and caller cancellation do not count.
func countsAsFailure(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrServer)
}

func (g *guard) do(ctx context.Context, op func(context.Context) error) error {
	delay := g.retry.InitialDelay
	for attempt := 1; ; attempt++ {
		if err := g.breaker.allow(); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		err := op(callCtx)
		cancel()

		g.breaker.record(countsAsFailure(ctx, err))
		if err == nil || attempt >= g.retry.MaxAttempts || ctx.Err() != nil || !errors.Is(err, ErrTransport) {
			return err
		}

		wait := delay/2 + rand.N(delay/2+1)
		delay = min(delay*2, g.retry.MaxDelay)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
