package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentcore/internal/task"
)

const validPlan = `
goal: ship the release notes
tasks:
  - id: research
    title: Gather changes
    goal: collect merged changes since the last tag
    agent_role: researcher
    max_retries: 2
  - id: draft
    title: Draft notes
    goal: write release notes from the research
    agent_role: writer
    depends_on: [research]
    review: true
  - id: publish
    goal: publish the notes
    depends_on: [research, draft]
`

func TestParseValid(t *testing.T) {
	f, err := Parse([]byte(validPlan))
	require.NoError(t, err)
	assert.Equal(t, "ship the release notes", f.Goal)
	require.Len(t, f.Tasks, 3)
	assert.Equal(t, []string{"research", "draft"}, f.Tasks[2].DependsOn)
	assert.True(t, f.Tasks[1].Review)
	assert.Equal(t, 2, f.Tasks[0].MaxRetries)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "malformed yaml",
			yaml: "tasks: [",
			want: "parse plan",
		},
		{
			name: "no tasks",
			yaml: "goal: nothing",
			want: "no tasks",
		},
		{
			name: "missing id",
			yaml: "tasks:\n  - title: x\n    goal: y",
			want: "has no id",
		},
		{
			name: "duplicate id",
			yaml: "tasks:\n  - id: a\n    goal: x\n  - id: a\n    goal: y",
			want: "duplicate task id",
		},
		{
			name: "no goal or title",
			yaml: "tasks:\n  - id: a",
			want: "neither goal nor title",
		},
		{
			name: "self dependency",
			yaml: "tasks:\n  - id: a\n    goal: x\n    depends_on: [a]",
			want: "depends on itself",
		},
		{
			name: "undeclared dependency",
			yaml: "tasks:\n  - id: a\n    goal: x\n    depends_on: [ghost]",
			want: "undeclared task",
		},
		{
			name: "negative retries",
			yaml: "tasks:\n  - id: a\n    goal: x\n    max_retries: -1",
			want: "max_retries",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuild(t *testing.T) {
	f, err := Parse([]byte(validPlan))
	require.NoError(t, err)

	tasks := f.Build()
	require.Len(t, tasks, 3)

	assert.Equal(t, "research", tasks[0].ID)
	assert.Equal(t, "Gather changes", tasks[0].Title)
	assert.Equal(t, 2, tasks[0].MaxRetries)
	assert.Equal(t, task.Status(""), tasks[0].Status) // arena defaults it

	assert.True(t, tasks[1].ReviewRequired)

	// Title falls back to the id, goal stays as declared.
	assert.Equal(t, "publish", tasks[2].Title)
	assert.Equal(t, "publish the notes", tasks[2].Goal)
}

func TestBuildGoalFallsBackToTitle(t *testing.T) {
	f, err := Parse([]byte("tasks:\n  - id: a\n    title: Only title"))
	require.NoError(t, err)
	tasks := f.Build()
	assert.Equal(t, "Only title", tasks[0].Goal)
}
