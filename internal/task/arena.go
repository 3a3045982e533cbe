package task

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"

	"github.com/aristath/agentcore/internal/events"
)

// Arena owns the full task set for one run, keyed by stable ID.
//
// All mutation is routed through Update, which holds the arena lock and
// publishes a task-updated event after the mutation function returns. This
// is the single writer path: concurrent loop completions cannot interleave
// partial updates of the same task.
type Arena struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	dependents map[string][]string // taskID -> IDs of tasks depending on it
	bus        *events.Bus
}

// NewArena creates an empty arena publishing on bus. bus may be nil.
func NewArena(bus *events.Bus) *Arena {
	return &Arena{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		bus:        bus,
	}
}

// Add inserts a task. Duplicate IDs and self-dependencies are rejected.
// Dependency existence is checked by Validate, not here, because the planner
// may add tasks in any order.
func (a *Arena) Add(t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("task has empty ID")
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("task %q depends on itself", t.ID)
		}
	}

	a.mu.Lock()
	if _, exists := a.tasks[t.ID]; exists {
		a.mu.Unlock()
		return fmt.Errorf("task with ID %q already exists", t.ID)
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}
	a.tasks[t.ID] = t
	for _, dep := range t.DependsOn {
		a.dependents[dep] = append(a.dependents[dep], t.ID)
	}
	snapshot := t.Clone()
	a.mu.Unlock()

	a.publish(snapshot)
	return nil
}

// Validate checks that every dependency exists and that the dependency
// relation is acyclic. Returns a topological order of task IDs.
// A cycle is a fatal configuration error, never silently resolved.
func (a *Arena) Validate() ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for id, t := range a.tasks {
		for _, dep := range t.DependsOn {
			if _, ok := a.tasks[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", id, dep)
			}
		}
	}

	var edges []toposort.Edge
	for id, t := range a.tasks {
		if len(t.DependsOn) == 0 {
			// Root tasks need a synthetic edge so the sort includes them.
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task graph contains a cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(a.tasks) {
		seen := make(map[string]bool, len(order))
		for _, id := range order {
			seen[id] = true
		}
		var missing []string
		for id := range a.tasks {
			if !seen[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort dropped %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}
	return order, nil
}

// Ready returns runnable tasks whose every dependency has reached Done.
// The ready set is always re-derived from current state; delegation may have
// grown the arena since the last call.
func (a *Arena) Ready() []*Task {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var ready []*Task
	for _, t := range a.tasks {
		if !t.Status.Runnable() {
			continue
		}
		blocked := false
		for _, dep := range t.DependsOn {
			d, ok := a.tasks[dep]
			if !ok || d.Status != StatusDone {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, t.Clone())
		}
	}
	return ready
}

// Update applies fn to the task under the arena lock, then publishes the
// updated snapshot. This is the only mutation path after Add.
func (a *Arena) Update(id string, fn func(*Task)) error {
	a.mu.Lock()
	t, ok := a.tasks[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("task %q not found", id)
	}
	fn(t)
	snapshot := t.Clone()
	a.mu.Unlock()

	a.publish(snapshot)
	return nil
}

// Get returns a snapshot of the task.
func (a *Arena) Get(id string) (*Task, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// All returns snapshots of every task.
func (a *Arena) All() []*Task {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Task, 0, len(a.tasks))
	for _, t := range a.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Dependents returns the IDs of tasks that directly depend on id.
func (a *Arena) Dependents(id string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.dependents[id]...)
}

// Counts returns the number of tasks per status.
func (a *Arena) Counts() map[Status]int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	counts := make(map[Status]int)
	for _, t := range a.tasks {
		counts[t.Status]++
	}
	return counts
}

// CancelCascade marks the task and, breadth-first over the dependents edge,
// every task whose dependency chain includes it as Cancelled. Tasks already
// in a terminal status are left alone. Returns the IDs that were cancelled.
func (a *Arena) CancelCascade(id, cause string) []string {
	return a.cascade(id, true, StatusCancelled, cause)
}

// FailDependents marks every task downstream of id as Error with the given
// cause. The task itself is not touched; its own failure was already
// recorded by the caller.
func (a *Arena) FailDependents(id, cause string) []string {
	return a.cascade(id, false, StatusError, cause)
}

func (a *Arena) cascade(id string, includeRoot bool, status Status, cause string) []string {
	a.mu.Lock()

	var marked []*Task
	seen := map[string]bool{}
	queue := []string{}
	if includeRoot {
		queue = append(queue, id)
	} else {
		seen[id] = true
		queue = append(queue, a.dependents[id]...)
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true

		t, ok := a.tasks[cur]
		if !ok {
			continue
		}
		if !t.Status.Terminal() {
			t.Status = status
			t.Err = fmt.Errorf("%s", cause)
			t.Logs = append(t.Logs, LogEntry{Message: cause, Timestamp: time.Now()})
			marked = append(marked, t.Clone())
		}
		queue = append(queue, a.dependents[cur]...)
	}
	a.mu.Unlock()

	ids := make([]string, len(marked))
	for i, t := range marked {
		ids[i] = t.ID
		a.publish(t)
	}
	return ids
}

func (a *Arena) publish(snapshot *Task) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(events.TopicTask, UpdatedEvent{Task: snapshot, Timestamp: time.Now()})
}
