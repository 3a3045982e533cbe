// Package decision turns a natural-language goal into a vetted tool
// invocation: classify intent, retrieve prior context, rank candidate tools,
// filter by constraints, and select with a low-risk fallback.
package decision

import (
	"fmt"
	"time"
)

// Intent is the classified shape of a goal.
type Intent struct {
	Type        string // "create", "search", "analyze", "modify", "execute", "communicate", "general"
	Confidence  float64
	Entities    []string // quoted or capitalized phrases pulled from the goal
	Constraints []string // "must"/"only"/"without" clauses pulled from the goal
}

// ActionOption is one candidate tool invocation.
type ActionOption struct {
	Tool              string
	Args              map[string]any
	Score             float64
	Risk              string // "low", "medium", "high"
	EstimatedDuration time.Duration
}

// Decision is the pipeline's output.
type Decision struct {
	Tool             string
	Args             map[string]any
	Confidence       float64
	Alternatives     []ActionOption // up to 3, best first
	RequiresApproval bool
}

// Severity grades a constraint violation.
type Severity string

const (
	SeverityError   Severity = "error"   // excludes the option
	SeverityWarning Severity = "warning" // logged, option survives
)

// Constraint checks a candidate option against a rule. A nil return means
// the option passes.
type Constraint struct {
	Name     string
	Severity Severity
	Check    func(opt ActionOption, intent Intent) error
}

// ErrNoViableOption is returned when filtering excludes every candidate.
type ErrNoViableOption struct {
	Goal string
}

func (e *ErrNoViableOption) Error() string {
	return fmt.Sprintf("no viable tool option for goal %q", e.Goal)
}

// riskRank orders risk levels for the low-risk fallback.
func riskRank(risk string) int {
	switch risk {
	case "low":
		return 0
	case "medium":
		return 1
	case "high":
		return 2
	default:
		return 1 // unlabeled tools are treated as medium risk
	}
}
