package health

import (
	"context"
	"time"

	"github.com/jonwraymond/toolguard/provider"
)

// Status is the health of a component.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Result is the outcome of one check.
type Result struct {
	Status    Status
	Message   string
	Details   map[string]any
	Duration  time.Duration
	Timestamp time.Time
	Error     error
}

// Healthy returns a healthy result.
func Healthy(message string) Result {
	return Result{Status: StatusHealthy, Message: message, Timestamp: time.Now()}
}

// Degraded returns a degraded result.
func Degraded(message string) Result {
	return Result{Status: StatusDegraded, Message: message, Timestamp: time.Now()}
}

// Unhealthy returns an unhealthy result for err.
func Unhealthy(message string, err error) Result {
	return Result{Status: StatusUnhealthy, Message: message, Error: err, Timestamp: time.Now()}
}

// WithDetails returns r with details attached.
func (r Result) WithDetails(details map[string]any) Result {
	r.Details = details
	return r
}

// Checker checks one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

type checkerFunc struct {
	name string
	fn   func(context.Context) Result
}

// CheckerFunc returns a Checker calling fn.
func CheckerFunc(name string, fn func(context.Context) Result) Checker {
	return &checkerFunc{name: name, fn: fn}
}

func (f *checkerFunc) Name() string                     { return f.name }
func (f *checkerFunc) Check(ctx context.Context) Result { return f.fn(ctx) }

// NewPingChecker reports healthy when ping succeeds. It fits
// store.RedisStore.Ping and scheduler.RedisTaskStore.CheckHealth.
func NewPingChecker(name string, ping func(context.Context) error) Checker {
	return CheckerFunc(name, func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Unhealthy(name+" unreachable", err)
		}
		return Healthy(name + " reachable")
	})
}

// ProviderProbe is the part of *provider.Client the provider check uses.
type ProviderProbe interface {
	CheckHealth(ctx context.Context) error
	BreakerState() provider.BreakerState
	Issuer() string
}

type providerChecker struct {
	p ProviderProbe
}

// NewProviderChecker checks the identity provider's discovery document.
// An open circuit breaker is unhealthy without a request; a half-open one
// is degraded.
func NewProviderChecker(p ProviderProbe) Checker {
	return &providerChecker{p: p}
}

func (c *providerChecker) Name() string { return "identity_provider" }

func (c *providerChecker) Check(ctx context.Context) Result {
	state := c.p.BreakerState()
	details := map[string]any{"issuer": c.p.Issuer(), "breaker": state.String()}
	if state == provider.BreakerOpen {
		return Unhealthy("circuit breaker open", provider.ErrCircuitOpen).WithDetails(details)
	}
	if err := c.p.CheckHealth(ctx); err != nil {
		return Unhealthy("discovery failed", err).WithDetails(details)
	}
	if state == provider.BreakerHalfOpen {
		return Degraded("recovering from failures").WithDetails(details)
	}
	return Healthy("discovery ok").WithDetails(details)
}

// SchedulerProbe is the part of *scheduler.InProcess the scheduler check
// uses.
type SchedulerProbe interface {
	Running() int
}

// NewSchedulerChecker reports the number of polling tasks. It is degraded
// when more than maxTasks are running; maxTasks <= 0 disables the limit.
func NewSchedulerChecker(s SchedulerProbe, maxTasks int) Checker {
	return CheckerFunc("scheduler", func(context.Context) Result {
		n := s.Running()
		details := map[string]any{"running_tasks": n}
		if maxTasks > 0 && n > maxTasks {
			return Degraded("task backlog").WithDetails(details)
		}
		return Healthy("scheduler running").WithDetails(details)
	})
}
