package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/agentcore/internal/events"
	"github.com/aristath/agentcore/internal/memory"
	"github.com/aristath/agentcore/internal/task"
	"github.com/aristath/agentcore/internal/tool"
)

// Tool call names the loop intercepts instead of routing to the registry.
const (
	DelegateToolName = "delegate_to_agent"
	ArtifactToolName = "produce_artifact"
)

// Outcome reports how a loop run ended when it did not fail.
type Outcome int

const (
	// Finished means the oracle declared the task complete.
	Finished Outcome = iota
	// Delegated means the task spawned a child and is suspended until the
	// child reaches Done.
	Delegated
)

// ArtifactStore is the durable sink for produced artifacts. Storage failures
// degrade to a warning observation and never fail the step.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, taskID, title, artifactType, content string) error
}

// SharedArtifacts is the run-scoped list of artifact titles handed to the
// oracle on every consultation. Safe for concurrent loops.
type SharedArtifacts struct {
	mu     sync.Mutex
	titles []string
}

func (s *SharedArtifacts) Add(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
}

func (s *SharedArtifacts) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.titles))
	copy(out, s.titles)
	return out
}

// Config bounds a single loop run.
type Config struct {
	MaxSubSteps        int
	MaxDelegationDepth int
	OracleTimeout      time.Duration
}

// Deps are the collaborators a loop drives. Memory and Artifacts may be nil.
type Deps struct {
	Oracle    Oracle
	Tools     *tool.Registry
	Arena     *task.Arena
	Memory    *memory.Store
	Budget    *CallBudget
	Bus       *events.Bus
	Artifacts ArtifactStore
	Shared    *SharedArtifacts
	Logger    *zap.Logger
}

// Loop drives one task from Executing to a terminal sub-state, alternating
// between oracle consultations and tool executions. Every consultation and
// every execution is a suspension point; the loop re-reads task state before
// each one so cancellation never interrupts work already in flight.
type Loop struct {
	cfg     Config
	deps    Deps
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// New creates a loop. The oracle sits behind a circuit breaker so a failing
// reasoning service stops being consulted after repeated errors instead of
// burning the call budget.
func New(cfg Config, deps Deps) *Loop {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("loop")
	if deps.Shared == nil {
		deps.Shared = &SharedArtifacts{}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "oracle",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not an oracle failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &Loop{cfg: cfg, deps: deps, breaker: breaker, logger: logger}
}

// Run executes the reason-act-observe loop for the given task until the
// oracle finishes it, it delegates, a budget is exhausted, or a tool fails.
// On Finished the task's Result is set; the caller owns the status
// transition to Done.
func (l *Loop) Run(ctx context.Context, taskID string) (Outcome, error) {
	for {
		cur, ok := l.deps.Arena.Get(taskID)
		if !ok {
			return Finished, fmt.Errorf("task %s not found", taskID)
		}
		if cur.Status != task.StatusExecuting {
			// Cancelled or externally transitioned; stop without mutating.
			l.logger.Info("loop stopping, task no longer executing",
				zap.String("task", taskID),
				zap.String("status", string(cur.Status)))
			return Finished, nil
		}
		if len(cur.SubSteps) >= l.cfg.MaxSubSteps {
			return Finished, &BudgetExceededError{Task: taskID, Reason: ReasonMaxSubSteps}
		}
		if !l.deps.Budget.Acquire() {
			return Finished, &BudgetExceededError{Task: taskID, Reason: ReasonLLMBudget}
		}

		step, err := l.consult(ctx, cur)
		if err != nil {
			return Finished, fmt.Errorf("oracle consultation for task %s: %w", taskID, err)
		}

		// The task may have been cancelled while the oracle was thinking.
		if cur, ok = l.deps.Arena.Get(taskID); !ok || cur.Status != task.StatusExecuting {
			return Finished, nil
		}

		if step.Finish {
			result := step.Result
			if result == "" && len(cur.SubSteps) > 0 {
				result = cur.SubSteps[len(cur.SubSteps)-1].Observation
			}
			if err := l.deps.Arena.Update(taskID, func(t *task.Task) {
				t.Result = result
			}); err != nil {
				return Finished, err
			}
			l.deps.Bus.Log(events.LogSuccess, taskID, "task finished")
			return Finished, nil
		}

		if step.Call == nil {
			// A thought with no action still consumes a sub-step.
			l.appendStep(taskID, task.SubStep{Thought: step.Thought, Observation: "no action taken"})
			continue
		}

		switch step.Call.Name {
		case DelegateToolName:
			delegated, err := l.delegate(cur, step)
			if err != nil {
				return Finished, err
			}
			if delegated {
				return Delegated, nil
			}
		case ArtifactToolName:
			if err := l.produceArtifact(ctx, taskID, step); err != nil {
				return Finished, err
			}
		default:
			if err := l.invoke(ctx, taskID, step); err != nil {
				return Finished, err
			}
		}
	}
}

// consult asks the oracle for the next step, bounded by the oracle timeout
// and guarded by the circuit breaker.
func (l *Loop) consult(ctx context.Context, t *task.Task) (*Step, error) {
	cctx := ctx
	if l.cfg.OracleTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, l.cfg.OracleTimeout)
		defer cancel()
	}

	res, err := l.breaker.Execute(func() (any, error) {
		return l.deps.Oracle.NextStep(cctx, t, t.SubSteps, l.deps.Shared.Snapshot())
	})
	if err != nil {
		return nil, err
	}
	return res.(*Step), nil
}

// invoke routes an ordinary tool call through the registry and records the
// resulting observation. A tool failure is recorded, then surfaced to the
// caller for the retry-or-fail decision.
func (l *Loop) invoke(ctx context.Context, taskID string, step *Step) error {
	ec := tool.ExecContext{SessionID: taskID}
	result, err := l.deps.Tools.Execute(ctx, step.Call.Name, step.Call.Args, ec)
	if err != nil {
		l.appendStep(taskID, task.SubStep{
			Thought:     step.Thought,
			Call:        step.Call,
			Observation: fmt.Sprintf("tool %s failed: %v", step.Call.Name, err),
		})
		l.deps.Bus.Log(events.LogError, taskID, fmt.Sprintf("tool %s failed: %v", step.Call.Name, err))
		return err
	}

	obs := fmt.Sprintf("%v", result)
	l.appendStep(taskID, task.SubStep{Thought: step.Thought, Call: step.Call, Observation: obs})
	l.remember(taskID, obs)
	return nil
}

// delegate spawns a child task owned by a new agent identity and suspends
// the parent. At the depth limit the rejection is recorded as an observation
// and the parent continues without spawning; returns whether it delegated.
func (l *Loop) delegate(parent *task.Task, step *Step) (bool, error) {
	depth := task.DelegationDepth(parent, l.deps.Arena.Get)
	if depth >= l.cfg.MaxDelegationDepth {
		obs := fmt.Sprintf("delegation rejected: maximum agent depth %d reached", l.cfg.MaxDelegationDepth)
		l.appendStep(parent.ID, task.SubStep{Thought: step.Thought, Call: step.Call, Observation: obs})
		l.deps.Bus.Log(events.LogWarn, parent.ID, obs)
		return false, nil
	}

	goal := argString(step.Call.Args, "goal")
	name := argString(step.Call.Args, "agent_name")
	role := argString(step.Call.Args, "role")
	title := argString(step.Call.Args, "title")
	if title == "" {
		title = "delegated: " + goal
	}

	child := &task.Task{
		ID:          uuid.NewString(),
		Title:       title,
		Goal:        goal,
		Status:      task.StatusQueued,
		AgentRole:   role,
		AgentName:   name,
		DelegatorID: parent.ID,
		MaxRetries:  parent.MaxRetries,
	}
	if err := l.deps.Arena.Add(child); err != nil {
		return false, fmt.Errorf("enqueue delegated task: %w", err)
	}

	l.deps.Bus.Publish(events.TopicAgent, events.AgentSpawnedEvent{
		ID:           uuid.NewString(),
		Name:         name,
		Instructions: goal,
		Task:         child.ID,
		Timestamp:    time.Now(),
	})

	obs := fmt.Sprintf("delegated to task %s", child.ID)
	if err := l.deps.Arena.Update(parent.ID, func(t *task.Task) {
		t.SubSteps = append(t.SubSteps, task.SubStep{Thought: step.Thought, Call: step.Call, Observation: obs})
		t.Status = task.StatusDelegating
		t.WaitingOn = child.ID
	}); err != nil {
		return false, err
	}
	l.deps.Bus.Log(events.LogInfo, parent.ID, obs)
	return true, nil
}

// produceArtifact publishes the artifact event and best-effort persists the
// content. A storage failure degrades to a warning observation.
func (l *Loop) produceArtifact(ctx context.Context, taskID string, step *Step) error {
	title := argString(step.Call.Args, "title")
	artifactType := argString(step.Call.Args, "type")
	content := argString(step.Call.Args, "content")

	l.deps.Bus.Publish(events.TopicArtifact, events.ArtifactCreatedEvent{
		Task:      taskID,
		Title:     title,
		Type:      artifactType,
		Content:   content,
		Timestamp: time.Now(),
	})
	l.deps.Shared.Add(title)

	obs := fmt.Sprintf("artifact %q recorded", title)
	if l.deps.Artifacts != nil {
		if err := l.deps.Artifacts.SaveArtifact(ctx, taskID, title, artifactType, content); err != nil {
			obs = fmt.Sprintf("artifact %q recorded, durable storage failed: %v", title, err)
			l.deps.Bus.Log(events.LogWarn, taskID, obs)
		}
	}

	l.appendStep(taskID, task.SubStep{Thought: step.Thought, Call: step.Call, Observation: obs})
	return nil
}

func (l *Loop) appendStep(taskID string, step task.SubStep) {
	if err := l.deps.Arena.Update(taskID, func(t *task.Task) {
		t.SubSteps = append(t.SubSteps, step)
	}); err != nil {
		l.logger.Error("append sub-step", zap.String("task", taskID), zap.Error(err))
	}
}

// remember writes an observation into working memory so later decisions can
// retrieve it within the same run.
func (l *Loop) remember(taskID, observation string) {
	if l.deps.Memory == nil {
		return
	}
	key := fmt.Sprintf("obs:%s:%d", taskID, time.Now().UnixNano())
	if err := l.deps.Memory.Write(memory.ScopeWorking, key, observation, 0); err != nil {
		l.logger.Warn("record observation", zap.String("task", taskID), zap.Error(err))
	}
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
