package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/aristath/agentcore/internal/events"
	"github.com/aristath/agentcore/internal/loop"
	"github.com/aristath/agentcore/internal/memory"
	"github.com/aristath/agentcore/internal/task"
	"github.com/aristath/agentcore/internal/tool"
)

// DependencyDeadlockError is fatal to the whole run: either the task graph
// has a cycle, or no runnable task can ever have its dependencies met.
type DependencyDeadlockError struct {
	Tasks []string
	Cause error
}

func (e *DependencyDeadlockError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dependency deadlock: %v", e.Cause)
	}
	return fmt.Sprintf("dependency deadlock: %d tasks can never run: %s",
		len(e.Tasks), strings.Join(e.Tasks, ", "))
}

func (e *DependencyDeadlockError) Unwrap() error { return e.Cause }

// Reviewer decides the fate of a task in PendingReview. A nil reviewer
// auto-approves so unattended runs still terminate.
type Reviewer interface {
	Review(ctx context.Context, t *task.Task) (approved bool, note string, err error)
}

// Outcome summarizes a finished run.
type Outcome struct {
	Success    bool
	Counts     map[task.Status]int
	Failed     []string // IDs of tasks that ended Error
	Unresolved int      // tasks left in a non-terminal status
	Elapsed    time.Duration
}

// Config bounds a run.
type Config struct {
	MaxParallelTasks int
	TaskRetryDelay   time.Duration // fixed delay between whole-task retries
}

// Deps are the scheduler's collaborators. Memory and Reviewer may be nil.
type Deps struct {
	Arena    *task.Arena
	Loop     *loop.Loop
	Bus      *events.Bus
	Memory   *memory.Store
	Reviewer Reviewer
	Logger   *zap.Logger
}

// Scheduler executes the task arena as a DAG: it launches reasoning loops
// for ready tasks in bounded waves, resumes delegating parents when their
// children finish, retries failed tasks, and cascades failure and
// cancellation through dependents.
type Scheduler struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	stopped atomic.Bool
}

// New creates a scheduler. Zero config fields fall back to 4 parallel tasks
// and a 1 second retry delay.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.MaxParallelTasks <= 0 {
		cfg.MaxParallelTasks = 4
	}
	if cfg.TaskRetryDelay <= 0 {
		cfg.TaskRetryDelay = time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, deps: deps, logger: logger.Named("scheduler")}
}

// Run drives every task in the arena to a terminal status. It validates the
// graph up front, then loops: re-derive the ready set, launch loops up to
// the parallelism cap, wait for the wave, repeat. The run succeeds only if
// every task ends Done or Cancelled.
func (s *Scheduler) Run(ctx context.Context, goalContext string) (*Outcome, error) {
	start := time.Now()

	if _, err := s.deps.Arena.Validate(); err != nil {
		s.deps.Bus.Log(events.LogError, "", fmt.Sprintf("invalid task graph: %v", err))
		return s.outcome(start), &DependencyDeadlockError{Cause: err}
	}

	if goalContext != "" && s.deps.Memory != nil {
		if err := s.deps.Memory.Write(memory.ScopeWorking, "run:goal", goalContext, 0); err != nil {
			s.logger.Warn("record run goal", zap.Error(err))
		}
	}
	// Working memory does not outlive the run.
	defer func() {
		if s.deps.Memory != nil {
			s.deps.Memory.Clear(memory.ScopeWorking)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return s.outcome(start), err
		}
		if s.stopped.Load() {
			break
		}

		resumable := s.resumableDelegators()
		ready := s.deps.Arena.Ready()

		if len(ready) == 0 && len(resumable) == 0 {
			if blocked := s.blockedTasks(); len(blocked) > 0 {
				for _, id := range blocked {
					s.markError(id, fmt.Errorf("dependency deadlock: task can never become ready"))
				}
				out := s.outcome(start)
				return out, &DependencyDeadlockError{Tasks: blocked}
			}
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.MaxParallelTasks)
		for _, id := range resumable {
			id := id
			g.Go(func() error {
				s.resume(gctx, id)
				return nil
			})
		}
		for _, t := range ready {
			id := t.ID
			g.Go(func() error {
				s.launch(gctx, id)
				return nil
			})
		}
		// Task failures live in the arena, not in the group error.
		_ = g.Wait()
	}

	out := s.outcome(start)
	if !out.Success {
		unresolved := len(out.Failed) + out.Unresolved
		s.deps.Bus.Log(events.LogError, "", fmt.Sprintf("run failed: %d tasks did not complete", unresolved))
		return out, fmt.Errorf("run failed: %d tasks did not complete", unresolved)
	}
	s.deps.Bus.Log(events.LogSuccess, "", "run complete")
	return out, nil
}

// Cancel cancels the task and, transitively, every task that depends on it.
func (s *Scheduler) Cancel(taskID string) []string {
	cancelled := s.deps.Arena.CancelCascade(taskID, "cancelled by caller")
	for _, id := range cancelled {
		s.deps.Bus.Log(events.LogWarn, id, "cancelled")
	}
	return cancelled
}

// StopAll cancels every non-terminal task and ends the run after the current
// wave. In-flight loops observe the status change at their next suspension
// point.
func (s *Scheduler) StopAll() {
	s.stopped.Store(true)
	for _, t := range s.deps.Arena.All() {
		if t.Status.Terminal() {
			continue
		}
		_ = s.deps.Arena.Update(t.ID, func(tk *task.Task) {
			if tk.Status.Terminal() {
				return
			}
			tk.Status = task.StatusCancelled
			tk.Logs = append(tk.Logs, task.LogEntry{Message: "run stopped", Timestamp: time.Now()})
		})
		s.deps.Bus.Log(events.LogWarn, t.ID, "run stopped")
	}
}

// Approve moves a PendingReview task to Done, recording the review note.
func (s *Scheduler) Approve(taskID, note string) error {
	return s.reviewDecision(taskID, note, true)
}

// RequestRevision moves a PendingReview task back to Revising, recording the
// review note. The task is relaunched with its trace intact.
func (s *Scheduler) RequestRevision(taskID, note string) error {
	return s.reviewDecision(taskID, note, false)
}

func (s *Scheduler) reviewDecision(taskID, note string, approved bool) error {
	var wrongStatus task.Status
	err := s.deps.Arena.Update(taskID, func(t *task.Task) {
		if t.Status != task.StatusPendingReview {
			wrongStatus = t.Status
			return
		}
		t.Reviews = append(t.Reviews, task.ReviewEntry{Note: note, Approved: approved, Timestamp: time.Now()})
		if approved {
			t.Status = task.StatusDone
		} else {
			t.Status = task.StatusRevising
		}
	})
	if err != nil {
		return err
	}
	if wrongStatus != "" {
		return fmt.Errorf("task %s is %s, not pending review", taskID, wrongStatus)
	}
	if approved {
		s.deps.Bus.Log(events.LogSuccess, taskID, "review approved: "+note)
	} else {
		s.deps.Bus.Log(events.LogWarn, taskID, "revision requested: "+note)
	}
	return nil
}

// launch claims a ready task and drives its loop to the next suspension.
func (s *Scheduler) launch(ctx context.Context, taskID string) {
	claimed := false
	_ = s.deps.Arena.Update(taskID, func(t *task.Task) {
		if t.Status.Runnable() {
			t.Status = task.StatusExecuting
			claimed = true
		}
	})
	if !claimed {
		return
	}
	s.runLoop(ctx, taskID)
}

// resume folds the finished child's result into the suspended parent's last
// sub-step and relaunches the parent's loop.
func (s *Scheduler) resume(ctx context.Context, parentID string) {
	parent, ok := s.deps.Arena.Get(parentID)
	if !ok || parent.Status != task.StatusDelegating {
		return
	}
	child, ok := s.deps.Arena.Get(parent.WaitingOn)
	if !ok {
		s.markError(parentID, fmt.Errorf("delegated task %s disappeared", parent.WaitingOn))
		return
	}

	var summary string
	switch child.Status {
	case task.StatusDone:
		summary = fmt.Sprintf("delegated task %s finished: %s", child.ID, child.Result)
	case task.StatusCancelled:
		summary = fmt.Sprintf("delegated task %s was cancelled", child.ID)
	default:
		summary = fmt.Sprintf("delegated task %s failed: %v", child.ID, child.Err)
	}

	claimed := false
	_ = s.deps.Arena.Update(parentID, func(t *task.Task) {
		if t.Status != task.StatusDelegating {
			return
		}
		if n := len(t.SubSteps); n > 0 {
			t.SubSteps[n-1].Observation += "; " + summary
		}
		t.WaitingOn = ""
		t.Status = task.StatusExecuting
		claimed = true
	})
	if !claimed {
		return
	}
	s.deps.Bus.Log(events.LogInfo, parentID, summary)
	s.runLoop(ctx, parentID)
}

// runLoop runs one loop episode and translates its result into a status
// transition: Done (or PendingReview), still Delegating, retry, or Error.
func (s *Scheduler) runLoop(ctx context.Context, taskID string) {
	outcome, err := s.deps.Loop.Run(ctx, taskID)
	if err != nil {
		s.handleFailure(ctx, taskID, err)
		return
	}
	if outcome == loop.Delegated {
		return
	}

	cur, ok := s.deps.Arena.Get(taskID)
	if !ok || cur.Status != task.StatusExecuting {
		// Cancelled or stopped mid-run; the loop already backed off.
		return
	}

	if cur.ReviewRequired {
		s.review(ctx, taskID)
		return
	}
	s.complete(taskID)
}

func (s *Scheduler) complete(taskID string) {
	_ = s.deps.Arena.Update(taskID, func(t *task.Task) {
		t.Status = task.StatusDone
		t.Logs = append(t.Logs, task.LogEntry{Message: "done", Timestamp: time.Now()})
	})
	s.deps.Bus.Log(events.LogSuccess, taskID, "done")
}

// review parks the task in PendingReview and consults the reviewer. Without
// one the task is auto-approved so unattended runs terminate.
func (s *Scheduler) review(ctx context.Context, taskID string) {
	_ = s.deps.Arena.Update(taskID, func(t *task.Task) {
		if t.Status == task.StatusExecuting {
			t.Status = task.StatusPendingReview
		}
	})
	s.deps.Bus.Log(events.LogInfo, taskID, "awaiting review")

	if s.deps.Reviewer == nil {
		if err := s.Approve(taskID, "auto-approved"); err != nil {
			s.logger.Warn("auto-approve", zap.String("task", taskID), zap.Error(err))
		}
		return
	}

	cur, ok := s.deps.Arena.Get(taskID)
	if !ok {
		return
	}
	approved, note, err := s.deps.Reviewer.Review(ctx, cur)
	if err != nil {
		s.logger.Warn("reviewer unavailable", zap.String("task", taskID), zap.Error(err))
		approved, note = true, "approved: reviewer unavailable"
	}
	if approved {
		err = s.Approve(taskID, note)
	} else {
		err = s.RequestRevision(taskID, note)
	}
	if err != nil {
		s.logger.Warn("review decision", zap.String("task", taskID), zap.Error(err))
	}
}

// handleFailure decides retry-or-fail for a task whose loop returned an
// error. Budget and validation errors are never retried; everything else
// retries under the task's own maxRetries with a fixed delay.
func (s *Scheduler) handleFailure(ctx context.Context, taskID string, cause error) {
	var budgetErr *loop.BudgetExceededError
	var validationErr *tool.ValidationError
	retryable := !errors.As(cause, &budgetErr) && !errors.As(cause, &validationErr)

	cur, ok := s.deps.Arena.Get(taskID)
	if !ok {
		return
	}

	if retryable && cur.RetryCount < cur.MaxRetries {
		s.deps.Bus.Log(events.LogWarn, taskID,
			fmt.Sprintf("retry %d/%d after error: %v", cur.RetryCount+1, cur.MaxRetries, cause))
		select {
		case <-time.After(s.cfg.TaskRetryDelay):
		case <-ctx.Done():
			return
		}
		_ = s.deps.Arena.Update(taskID, func(t *task.Task) {
			if t.Status != task.StatusExecuting {
				return
			}
			t.RetryCount++
			t.Status = task.StatusQueued
			t.Logs = append(t.Logs, task.LogEntry{
				Message:   fmt.Sprintf("requeued, retry %d/%d: %v", t.RetryCount, t.MaxRetries, cause),
				Timestamp: time.Now(),
			})
		})
		return
	}

	s.markError(taskID, cause)
	failed := s.deps.Arena.FailDependents(taskID, fmt.Sprintf("dependency %s failed", taskID))
	for _, id := range failed {
		s.deps.Bus.Log(events.LogError, id, fmt.Sprintf("dependency %s failed", taskID))
	}
}

func (s *Scheduler) markError(taskID string, cause error) {
	_ = s.deps.Arena.Update(taskID, func(t *task.Task) {
		t.Status = task.StatusError
		t.Err = cause
		t.Logs = append(t.Logs, task.LogEntry{Message: cause.Error(), Timestamp: time.Now()})
	})
	s.deps.Bus.Log(events.LogError, taskID, cause.Error())
}

// resumableDelegators returns Delegating parents whose awaited child has
// reached a terminal status.
func (s *Scheduler) resumableDelegators() []string {
	var out []string
	for _, t := range s.deps.Arena.All() {
		if t.Status != task.StatusDelegating || t.WaitingOn == "" {
			continue
		}
		child, ok := s.deps.Arena.Get(t.WaitingOn)
		if ok && child.Status.Terminal() {
			out = append(out, t.ID)
		}
	}
	return out
}

// blockedTasks returns runnable tasks left when nothing is ready and nothing
// is running: their dependency chains can never resolve.
func (s *Scheduler) blockedTasks() []string {
	var out []string
	for _, t := range s.deps.Arena.All() {
		if t.Status.Runnable() || t.Status == task.StatusDelegating {
			out = append(out, t.ID)
		}
	}
	return out
}

func (s *Scheduler) outcome(start time.Time) *Outcome {
	counts := s.deps.Arena.Counts()
	out := &Outcome{
		Counts:  counts,
		Elapsed: time.Since(start),
		Success: true,
	}
	for _, t := range s.deps.Arena.All() {
		switch {
		case t.Status == task.StatusError:
			out.Failed = append(out.Failed, t.ID)
			out.Success = false
		case !t.Status.Terminal():
			out.Unresolved++
			out.Success = false
		}
	}
	return out
}
