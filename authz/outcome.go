package authz

// OutcomeKind classifies the result of a protected invocation.
type OutcomeKind int

const (
	// OutcomeOK means the tool ran and produced a value.
	OutcomeOK OutcomeKind = iota
	// OutcomeInterrupt means the invocation was suspended by an interrupt.
	OutcomeInterrupt
	// OutcomeFatal means the invocation failed with a non-recoverable error.
	OutcomeFatal
)

// String returns the lowercase name of the kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeInterrupt:
		return "interrupt"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the result of a protected invocation: exactly one of Value,
// Interrupt or Err is meaningful, as reported by Kind.
type Outcome[T any] struct {
	Value     T
	Interrupt Interrupt
	Err       error
}

// Classify splits a (value, error) pair into an Outcome.
func Classify[T any](v T, err error) Outcome[T] {
	if err == nil {
		return Outcome[T]{Value: v}
	}
	if intr, ok := AsInterrupt(err); ok {
		return Outcome[T]{Interrupt: intr}
	}
	return Outcome[T]{Err: err}
}

// Kind returns the outcome kind.
func (o Outcome[T]) Kind() OutcomeKind {
	switch {
	case o.Interrupt != nil:
		return OutcomeInterrupt
	case o.Err != nil:
		return OutcomeFatal
	default:
		return OutcomeOK
	}
}

// Cause returns the interrupt or fatal error, or nil.
func (o Outcome[T]) Cause() error {
	if o.Interrupt != nil {
		return o.Interrupt
	}
	return o.Err
}
