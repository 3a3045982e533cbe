// Package plan parses YAML plan files into tasks.
package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/agentcore/internal/task"
)

// TaskSpec is one task entry in a plan file.
type TaskSpec struct {
	ID         string   `yaml:"id"`
	Title      string   `yaml:"title"`
	Goal       string   `yaml:"goal"`
	AgentRole  string   `yaml:"agent_role"`
	AgentName  string   `yaml:"agent_name"`
	DependsOn  []string `yaml:"depends_on"`
	MaxRetries int      `yaml:"max_retries"`
	Review     bool     `yaml:"review"`
}

// File is a parsed plan: an overall goal plus the task list.
type File struct {
	Goal  string     `yaml:"goal"`
	Tasks []TaskSpec `yaml:"tasks"`
}

// Load reads and parses a plan file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return Parse(data)
}

// Parse parses plan YAML and validates its structure. Cycle detection is the
// arena's job; this catches what can be caught without graph analysis.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(f.Tasks) == 0 {
		return nil, fmt.Errorf("plan declares no tasks")
	}

	seen := make(map[string]bool, len(f.Tasks))
	for i, t := range f.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task %d has no id", i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		if t.Goal == "" && t.Title == "" {
			return nil, fmt.Errorf("task %q has neither goal nor title", t.ID)
		}
		if t.MaxRetries < 0 {
			return nil, fmt.Errorf("task %q: max_retries must be >= 0", t.ID)
		}
	}
	for _, t := range f.Tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return nil, fmt.Errorf("task %q depends on itself", t.ID)
			}
			if !seen[dep] {
				return nil, fmt.Errorf("task %q depends on undeclared task %q", t.ID, dep)
			}
		}
	}
	return &f, nil
}

// Build converts the plan into arena tasks. Goal falls back to the title so
// every task has oracle instructions.
func (f *File) Build() []*task.Task {
	tasks := make([]*task.Task, 0, len(f.Tasks))
	for _, spec := range f.Tasks {
		goal := spec.Goal
		if goal == "" {
			goal = spec.Title
		}
		title := spec.Title
		if title == "" {
			title = spec.ID
		}
		tasks = append(tasks, &task.Task{
			ID:             spec.ID,
			Title:          title,
			Goal:           goal,
			AgentRole:      spec.AgentRole,
			AgentName:      spec.AgentName,
			DependsOn:      append([]string(nil), spec.DependsOn...),
			MaxRetries:     spec.MaxRetries,
			ReviewRequired: spec.Review,
		})
	}
	return tasks
}
