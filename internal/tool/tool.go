// Package tool is the contract layer around every side-effecting capability.
// A tool declares its argument shape, preconditions, effects, timeout, and
// retry policy; the registry executes it under that contract.
package tool

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ArgType constrains a tool argument value.
type ArgType string

const (
	ArgString ArgType = "string"
	ArgNumber ArgType = "number"
	ArgBool   ArgType = "bool"
	ArgObject ArgType = "object"
	ArgList   ArgType = "list"
)

// ArgSpec describes one declared argument.
type ArgSpec struct {
	Type        ArgType
	Required    bool
	Description string
}

// ExecContext carries the ambient state a tool body may need.
type ExecContext struct {
	SessionID   string
	Permissions map[string]bool
	Resources   map[string]any
}

// Precondition is a checkable requirement that must hold before execution.
type Precondition struct {
	Name string
	// Check returns nil when the precondition holds; otherwise the error is
	// the human-readable failure reason.
	Check func(ctx context.Context, args map[string]any, ec ExecContext) error
	// Recoverable preconditions get one Recover attempt before aborting.
	Recoverable bool
	Recover     func(ctx context.Context, args map[string]any, ec ExecContext) error
}

// EffectType classifies a declared side effect.
type EffectType string

const (
	EffectCreate     EffectType = "create"
	EffectUpdate     EffectType = "update"
	EffectDelete     EffectType = "delete"
	EffectSideEffect EffectType = "side-effect"
)

// Effect is a declared, potentially reversible side effect of a successful
// execution.
type Effect struct {
	Type       EffectType
	Target     string
	Reversible bool
	Rollback   func(ctx context.Context, args map[string]any) error
}

// Risk levels used by the decision pipeline when ranking tools.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// RetryPolicy controls how execution failures are retried.
type RetryPolicy struct {
	MaxRetries int
	Backoff    string // "linear", "exponential", "fixed"
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// RetryableErrorClasses lists the error classes worth retrying. Errors
	// of any other class fail immediately.
	RetryableErrorClasses []string
}

// Retryable reports whether the policy retries the given class.
func (p RetryPolicy) Retryable(class string) bool {
	for _, c := range p.RetryableErrorClasses {
		if c == class {
			return true
		}
	}
	return false
}

// newBackOff builds the delay schedule for one execution. Every variant is
// capped at MaxDelay and bounded by MaxRetries.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	var b backoff.BackOff
	switch p.Backoff {
	case "exponential":
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.BaseDelay
		eb.MaxInterval = p.MaxDelay
		eb.Multiplier = 2.0
		eb.RandomizationFactor = 0 // deterministic schedule
		eb.MaxElapsedTime = 0      // bounded by retry count, not wall time
		b = eb
	case "linear":
		b = &linearBackOff{base: p.BaseDelay, max: p.MaxDelay}
	default: // "fixed"
		delay := p.BaseDelay
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		b = backoff.NewConstantBackOff(delay)
	}
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}

// linearBackOff grows the delay by baseDelay per attempt: base, 2*base, ...
type linearBackOff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	d := time.Duration(l.attempt) * l.base
	if l.max > 0 && d > l.max {
		d = l.max
	}
	return d
}

func (l *linearBackOff) Reset() { l.attempt = 0 }

// Handler is a tool body.
type Handler func(ctx context.Context, args map[string]any, ec ExecContext) (any, error)

// Tool declares one capability and its full contract.
type Tool struct {
	Name        string
	Description string

	Args map[string]ArgSpec

	Preconditions []Precondition
	Effects       []Effect

	Timeout time.Duration // zero means the registry default
	Retry   *RetryPolicy  // nil means the registry default

	// Risk and EstimatedDuration feed the decision pipeline's alternatives.
	Risk              string
	EstimatedDuration time.Duration

	// RequiresApproval flags the tool for a human-in-the-loop gate.
	RequiresApproval bool

	Handler Handler
}
