package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/agentcore/internal/task"
)

// oracleRequest is the JSON handed to the external command on stdin.
type oracleRequest struct {
	Task      oracleTask   `json:"task"`
	Steps     []oracleStep `json:"steps"`
	Artifacts []string     `json:"artifacts"`
}

type oracleTask struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Goal      string `json:"goal"`
	AgentRole string `json:"agent_role,omitempty"`
}

type oracleStep struct {
	Thought     string         `json:"thought,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Observation string         `json:"observation"`
}

// oracleResponse is the JSON the command must print on stdout.
type oracleResponse struct {
	Finish  bool           `json:"finish"`
	Result  string         `json:"result,omitempty"`
	Thought string         `json:"thought,omitempty"`
	Tool    string         `json:"tool,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
}

// CommandOracle consults an external reasoning process: one subprocess
// invocation per step, request on stdin, decision on stdout. This is how an
// LLM CLI (or any scripted policy) plugs into the loop.
type CommandOracle struct {
	command string
	args    []string
	logger  *zap.Logger
}

// NewCommandOracle creates an oracle that runs command with args for every
// consultation.
func NewCommandOracle(command string, args []string, logger *zap.Logger) *CommandOracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandOracle{command: command, args: args, logger: logger.Named("oracle")}
}

func (o *CommandOracle) NextStep(ctx context.Context, t *task.Task, steps []task.SubStep, artifacts []string) (*Step, error) {
	req := oracleRequest{
		Task:      oracleTask{ID: t.ID, Title: t.Title, Goal: t.Goal, AgentRole: t.AgentRole},
		Steps:     make([]oracleStep, 0, len(steps)),
		Artifacts: artifacts,
	}
	for _, s := range steps {
		st := oracleStep{Thought: s.Thought, Observation: s.Observation}
		if s.Call != nil {
			st.Tool = s.Call.Name
			st.Args = s.Call.Args
		}
		req.Steps = append(req.Steps, st)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode oracle request: %w", err)
	}

	cmd := exec.CommandContext(ctx, o.command, o.args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("oracle command failed: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("oracle command failed: %w", err)
	}

	var resp oracleResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return nil, fmt.Errorf("decode oracle response: %w", err)
	}
	if !resp.Finish && resp.Tool == "" {
		return nil, fmt.Errorf("oracle response names no tool and does not finish")
	}

	step := &Step{Finish: resp.Finish, Result: resp.Result, Thought: resp.Thought}
	if resp.Tool != "" {
		step.Call = &task.ToolCall{Name: resp.Tool, Args: resp.Args}
	}
	return step, nil
}
