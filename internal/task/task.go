// Package task defines the task data model and the arena that owns it.
package task

import (
	"time"

	"github.com/aristath/agentcore/internal/events"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued        Status = "queued"         // waiting for dependencies / a loop slot
	StatusExecuting     Status = "executing"      // a reasoning loop is driving it
	StatusDelegating    Status = "delegating"     // paused on a spawned child task
	StatusPendingReview Status = "pending_review" // finished, awaiting external review
	StatusRevising      Status = "revising"       // review requested changes, re-queued
	StatusDone          Status = "done"
	StatusError         Status = "error"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether a task in this status will never run again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// Active reports whether a reasoning loop currently owns the task.
func (s Status) Active() bool {
	return s == StatusExecuting || s == StatusDelegating
}

// Runnable reports whether the scheduler may launch a loop for the task once
// its dependencies are resolved.
func (s Status) Runnable() bool {
	return s == StatusQueued || s == StatusRevising
}

// ToolCall names a registered tool and its arguments.
type ToolCall struct {
	Name string
	Args map[string]any
}

// SubStep is one reason-act-observe iteration of a reasoning loop.
// SubSteps are append-only; a step is never mutated once the loop advances,
// except for folding a delegated child's result into the observation of the
// step that spawned it.
type SubStep struct {
	Thought     string
	Call        *ToolCall // nil when the step carried no action
	Observation string
}

// LogEntry is one line of a task's accumulated log.
type LogEntry struct {
	Message   string
	Timestamp time.Time
}

// ReviewEntry records one review decision on a task.
type ReviewEntry struct {
	Note      string
	Approved  bool
	Timestamp time.Time
}

// Task is a unit of scheduled work.
type Task struct {
	ID        string
	Title     string
	Goal      string // instruction text handed to the reasoning oracle
	Status    Status
	AgentRole string // e.g. "coder", "researcher"
	AgentName string

	DependsOn []string // task IDs that must reach Done first

	Logs    []LogEntry
	Reviews []ReviewEntry

	RetryCount int
	MaxRetries int

	SubSteps []SubStep

	// DelegatorID links a spawned task back to the task that delegated it.
	// Empty for planner-created tasks.
	DelegatorID string

	// WaitingOn is the child task a Delegating parent is suspended on.
	// Cleared when the scheduler resumes the parent.
	WaitingOn string

	// ReviewRequired routes the task through PendingReview instead of Done.
	ReviewRequired bool

	Result string
	Err    error
}

// DelegationDepth walks the delegator chain and returns how many delegations
// deep this task sits. Planner-created tasks are at depth 0.
func DelegationDepth(t *Task, lookup func(id string) (*Task, bool)) int {
	depth := 0
	for t != nil && t.DelegatorID != "" {
		depth++
		parent, ok := lookup(t.DelegatorID)
		if !ok {
			break
		}
		t = parent
	}
	return depth
}

// Clone returns a deep copy safe to hand outside the arena lock.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Logs != nil {
		cp.Logs = append([]LogEntry(nil), t.Logs...)
	}
	if t.Reviews != nil {
		cp.Reviews = append([]ReviewEntry(nil), t.Reviews...)
	}
	if t.SubSteps != nil {
		cp.SubSteps = make([]SubStep, len(t.SubSteps))
		for i, s := range t.SubSteps {
			cp.SubSteps[i] = s
			if s.Call != nil {
				call := *s.Call
				if s.Call.Args != nil {
					call.Args = make(map[string]any, len(s.Call.Args))
					for k, v := range s.Call.Args {
						call.Args[k] = v
					}
				}
				cp.SubSteps[i].Call = &call
			}
		}
	}
	return &cp
}

// UpdatedEvent is published on every task mutation.
type UpdatedEvent struct {
	Task      *Task
	Timestamp time.Time
}

func (e UpdatedEvent) EventType() string { return events.EventTypeTaskUpdated }
func (e UpdatedEvent) TaskID() string    { return e.Task.ID }
