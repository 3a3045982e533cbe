package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentcore/internal/events"
	"github.com/aristath/agentcore/internal/task"
	"github.com/aristath/agentcore/internal/tool"
)

// scriptedOracle replays a fixed sequence of steps, then finishes.
type scriptedOracle struct {
	mu    sync.Mutex
	steps []*Step
	calls int
}

func (o *scriptedOracle) NextStep(ctx context.Context, t *task.Task, steps []task.SubStep, artifacts []string) (*Step, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if len(o.steps) == 0 {
		return &Step{Finish: true}, nil
	}
	s := o.steps[0]
	o.steps = o.steps[1:]
	return s, nil
}

type failingArtifactStore struct{}

func (failingArtifactStore) SaveArtifact(ctx context.Context, taskID, title, artifactType, content string) error {
	return errors.New("disk full")
}

type loopEnv struct {
	loop  *Loop
	arena *task.Arena
	bus   *events.Bus
}

func newLoopEnv(t *testing.T, cfg Config, oracle Oracle, budget *CallBudget, artifacts ArtifactStore) *loopEnv {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	arena := task.NewArena(bus)

	reg := tool.NewRegistry(time.Second, tool.RetryPolicy{Backoff: "fixed", BaseDelay: time.Millisecond}, 16, nil)
	require.NoError(t, reg.Register(&tool.Tool{
		Name:        "echo",
		Description: "echo text back",
		Args:        map[string]tool.ArgSpec{"text": {Type: tool.ArgString, Required: true}},
		Handler: func(ctx context.Context, args map[string]any, ec tool.ExecContext) (any, error) {
			return args["text"], nil
		},
	}))
	require.NoError(t, reg.Register(&tool.Tool{
		Name:        "boom",
		Description: "always fails",
		Args:        map[string]tool.ArgSpec{},
		Retry:       &tool.RetryPolicy{MaxRetries: 0, Backoff: "fixed", BaseDelay: time.Millisecond},
		Handler: func(ctx context.Context, args map[string]any, ec tool.ExecContext) (any, error) {
			return nil, errors.New("boom")
		},
	}))

	if budget == nil {
		budget = NewCallBudget(100)
	}
	l := New(cfg, Deps{
		Oracle:    oracle,
		Tools:     reg,
		Arena:     arena,
		Budget:    budget,
		Bus:       bus,
		Artifacts: artifacts,
	})
	return &loopEnv{loop: l, arena: arena, bus: bus}
}

func addExecuting(t *testing.T, arena *task.Arena, id, goal string) {
	t.Helper()
	require.NoError(t, arena.Add(&task.Task{ID: id, Title: id, Goal: goal}))
	require.NoError(t, arena.Update(id, func(tk *task.Task) { tk.Status = task.StatusExecuting }))
}

func TestRunFinishesWithResult(t *testing.T) {
	oracle := &scriptedOracle{steps: []*Step{
		{Thought: "echo it", Call: &task.ToolCall{Name: "echo", Args: map[string]any{"text": "hello"}}},
		{Finish: true, Result: "all done"},
	}}
	env := newLoopEnv(t, Config{MaxSubSteps: 10, MaxDelegationDepth: 3}, oracle, nil, nil)
	addExecuting(t, env.arena, "t1", "say hello")

	outcome, err := env.loop.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, Finished, outcome)

	got, ok := env.arena.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "all done", got.Result)
	require.Len(t, got.SubSteps, 1)
	assert.Equal(t, "hello", got.SubSteps[0].Observation)
	assert.Equal(t, "echo it", got.SubSteps[0].Thought)
}

func TestFinishDefaultsToLastObservation(t *testing.T) {
	oracle := &scriptedOracle{steps: []*Step{
		{Thought: "echo", Call: &task.ToolCall{Name: "echo", Args: map[string]any{"text": "the answer"}}},
	}}
	env := newLoopEnv(t, Config{MaxSubSteps: 10}, oracle, nil, nil)
	addExecuting(t, env.arena, "t1", "goal")

	_, err := env.loop.Run(context.Background(), "t1")
	require.NoError(t, err)

	got, _ := env.arena.Get("t1")
	assert.Equal(t, "the answer", got.Result)
}

func TestStepBudgetExceeded(t *testing.T) {
	oracle := &scriptedOracle{steps: []*Step{
		{Thought: "1", Call: &task.ToolCall{Name: "echo", Args: map[string]any{"text": "a"}}},
		{Thought: "2", Call: &task.ToolCall{Name: "echo", Args: map[string]any{"text": "b"}}},
		{Thought: "3", Call: &task.ToolCall{Name: "echo", Args: map[string]any{"text": "c"}}},
	}}
	env := newLoopEnv(t, Config{MaxSubSteps: 2}, oracle, nil, nil)
	addExecuting(t, env.arena, "t1", "goal")

	_, err := env.loop.Run(context.Background(), "t1")
	var budgetErr *BudgetExceededError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, ReasonMaxSubSteps, budgetErr.Reason)

	got, _ := env.arena.Get("t1")
	assert.Len(t, got.SubSteps, 2)
}

func TestLLMBudgetExceeded(t *testing.T) {
	oracle := &scriptedOracle{steps: []*Step{
		{Thought: "1", Call: &task.ToolCall{Name: "echo", Args: map[string]any{"text": "a"}}},
		{Thought: "2", Call: &task.ToolCall{Name: "echo", Args: map[string]any{"text": "b"}}},
	}}
	env := newLoopEnv(t, Config{MaxSubSteps: 10}, oracle, NewCallBudget(1), nil)
	addExecuting(t, env.arena, "t1", "goal")

	_, err := env.loop.Run(context.Background(), "t1")
	var budgetErr *BudgetExceededError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, ReasonLLMBudget, budgetErr.Reason)
	assert.Equal(t, 1, oracle.calls)
}

func TestDelegationSpawnsChild(t *testing.T) {
	oracle := &scriptedOracle{steps: []*Step{
		{Thought: "needs a specialist", Call: &task.ToolCall{
			Name: DelegateToolName,
			Args: map[string]any{"agent_name": "researcher-2", "role": "researcher", "goal": "dig deeper"},
		}},
	}}
	env := newLoopEnv(t, Config{MaxSubSteps: 10, MaxDelegationDepth: 3}, oracle, nil, nil)
	spawned := env.bus.Subscribe(events.TopicAgent, 4)
	addExecuting(t, env.arena, "parent", "goal")

	outcome, err := env.loop.Run(context.Background(), "parent")
	require.NoError(t, err)
	assert.Equal(t, Delegated, outcome)

	parent, _ := env.arena.Get("parent")
	assert.Equal(t, task.StatusDelegating, parent.Status)
	require.Len(t, parent.SubSteps, 1)

	all := env.arena.All()
	require.Len(t, all, 2)
	var child *task.Task
	for _, tk := range all {
		if tk.ID != "parent" {
			child = tk
		}
	}
	require.NotNil(t, child)
	assert.Equal(t, "parent", child.DelegatorID)
	assert.Equal(t, task.StatusQueued, child.Status)
	assert.Equal(t, "dig deeper", child.Goal)

	select {
	case ev := <-spawned:
		agent, ok := ev.(events.AgentSpawnedEvent)
		require.True(t, ok)
		assert.Equal(t, "researcher-2", agent.Name)
		assert.Equal(t, child.ID, agent.Task)
	case <-time.After(time.Second):
		t.Fatal("no agent spawned event")
	}
}

func TestDelegationDepthRejected(t *testing.T) {
	oracle := &scriptedOracle{steps: []*Step{
		{Thought: "delegate again", Call: &task.ToolCall{
			Name: DelegateToolName,
			Args: map[string]any{"agent_name": "x", "goal": "more"},
		}},
	}}
	env := newLoopEnv(t, Config{MaxSubSteps: 10, MaxDelegationDepth: 3}, oracle, nil, nil)

	// Chain three delegations deep: root <- d1 <- d2 <- d3.
	require.NoError(t, env.arena.Add(&task.Task{ID: "root", Title: "root"}))
	require.NoError(t, env.arena.Add(&task.Task{ID: "d1", Title: "d1", DelegatorID: "root"}))
	require.NoError(t, env.arena.Add(&task.Task{ID: "d2", Title: "d2", DelegatorID: "d1"}))
	require.NoError(t, env.arena.Add(&task.Task{ID: "d3", Title: "d3", DelegatorID: "d2"}))
	require.NoError(t, env.arena.Update("d3", func(tk *task.Task) { tk.Status = task.StatusExecuting }))

	outcome, err := env.loop.Run(context.Background(), "d3")
	require.NoError(t, err)
	assert.Equal(t, Finished, outcome)

	got, _ := env.arena.Get("d3")
	require.NotEmpty(t, got.SubSteps)
	assert.Contains(t, got.SubSteps[0].Observation, "maximum agent depth")
	// No new task appeared.
	assert.Len(t, env.arena.All(), 4)
}

func TestProduceArtifact(t *testing.T) {
	oracle := &scriptedOracle{steps: []*Step{
		{Thought: "write it up", Call: &task.ToolCall{
			Name: ArtifactToolName,
			Args: map[string]any{"title": "summary", "type": "markdown", "content": "# Findings"},
		}},
	}}
	env := newLoopEnv(t, Config{MaxSubSteps: 10}, oracle, nil, nil)
	artifacts := env.bus.Subscribe(events.TopicArtifact, 4)
	addExecuting(t, env.arena, "t1", "goal")

	_, err := env.loop.Run(context.Background(), "t1")
	require.NoError(t, err)

	got, _ := env.arena.Get("t1")
	require.Len(t, got.SubSteps, 1)
	assert.Contains(t, got.SubSteps[0].Observation, `artifact "summary" recorded`)

	select {
	case ev := <-artifacts:
		art, ok := ev.(events.ArtifactCreatedEvent)
		require.True(t, ok)
		assert.Equal(t, "summary", art.Title)
		assert.Equal(t, "markdown", art.Type)
		assert.Equal(t, "# Findings", art.Content)
	case <-time.After(time.Second):
		t.Fatal("no artifact event")
	}
}

func TestArtifactStorageFailureDegradesToWarning(t *testing.T) {
	oracle := &scriptedOracle{steps: []*Step{
		{Thought: "save", Call: &task.ToolCall{
			Name: ArtifactToolName,
			Args: map[string]any{"title": "report", "type": "markdown", "content": "x"},
		}},
	}}
	env := newLoopEnv(t, Config{MaxSubSteps: 10}, oracle, nil, failingArtifactStore{})
	addExecuting(t, env.arena, "t1", "goal")

	outcome, err := env.loop.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, Finished, outcome)

	got, _ := env.arena.Get("t1")
	require.Len(t, got.SubSteps, 1)
	assert.Contains(t, got.SubSteps[0].Observation, "durable storage failed")
}

func TestToolFailureRecordedAndSurfaced(t *testing.T) {
	oracle := &scriptedOracle{steps: []*Step{
		{Thought: "try it", Call: &task.ToolCall{Name: "boom", Args: map[string]any{}}},
	}}
	env := newLoopEnv(t, Config{MaxSubSteps: 10}, oracle, nil, nil)
	addExecuting(t, env.arena, "t1", "goal")

	_, err := env.loop.Run(context.Background(), "t1")
	require.Error(t, err)

	got, _ := env.arena.Get("t1")
	require.Len(t, got.SubSteps, 1)
	assert.Contains(t, got.SubSteps[0].Observation, "tool boom failed")
}

func TestCancelledTaskStopsWithoutMutation(t *testing.T) {
	oracle := &scriptedOracle{steps: []*Step{
		{Thought: "never runs", Call: &task.ToolCall{Name: "echo", Args: map[string]any{"text": "x"}}},
	}}
	env := newLoopEnv(t, Config{MaxSubSteps: 10}, oracle, nil, nil)
	require.NoError(t, env.arena.Add(&task.Task{ID: "t1", Title: "t1"}))
	require.NoError(t, env.arena.Update("t1", func(tk *task.Task) { tk.Status = task.StatusCancelled }))

	_, err := env.loop.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, oracle.calls)

	got, _ := env.arena.Get("t1")
	assert.Empty(t, got.SubSteps)
}

func TestCallBudgetConcurrent(t *testing.T) {
	budget := NewCallBudget(10)
	var acquired sync.WaitGroup
	var hits int64
	var mu sync.Mutex

	for i := 0; i < 50; i++ {
		acquired.Add(1)
		go func() {
			defer acquired.Done()
			if budget.Acquire() {
				mu.Lock()
				hits++
				mu.Unlock()
			}
		}()
	}
	acquired.Wait()

	assert.EqualValues(t, 10, hits)
	assert.Equal(t, 10, budget.Used())
	assert.Equal(t, 0, budget.Remaining())
}

func TestSharedArtifactsSnapshot(t *testing.T) {
	s := &SharedArtifacts{}
	s.Add("a")
	s.Add("b")
	snap := s.Snapshot()
	s.Add("c")
	assert.Equal(t, []string{"a", "b"}, snap)
	assert.Equal(t, []string{"a", "b", "c"}, s.Snapshot())
}
