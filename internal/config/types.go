// Package config provides configuration loading for the execution core.
//
// All scheduling, budget, and retry knobs live here so callers can tune
// cost/latency/safety tradeoffs without code changes.
package config

import (
	"fmt"
	"time"

	"github.com/aristath/agentcore/internal/logging"
)

// SchedulerConfig controls the top-level DAG executor.
type SchedulerConfig struct {
	MaxParallelTasks  int           `koanf:"max_parallel_tasks"`  // concurrently running task loops
	DefaultMaxRetries int           `koanf:"default_max_retries"` // whole-task retries when a plan omits max_retries
	TaskRetryDelay    time.Duration `koanf:"task_retry_delay"`    // fixed delay between whole-task retries
}

// LoopConfig controls per-task reasoning loops.
type LoopConfig struct {
	MaxSubStepsPerTask int           `koanf:"max_sub_steps_per_task"`
	MaxLLMCallsPerRun  int           `koanf:"max_llm_calls_per_run"` // shared across ALL loops in one run
	MaxDelegationDepth int           `koanf:"max_delegation_depth"`
	OracleTimeout      time.Duration `koanf:"oracle_timeout"`

	// OracleCommand, when set, consults an external process for each step
	// (request on stdin, decision on stdout). Empty uses the built-in
	// decision pipeline.
	OracleCommand string   `koanf:"oracle_command"`
	OracleArgs    []string `koanf:"oracle_args"`
}

// RetryConfig is the default retry policy applied to tools that do not
// declare their own.
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	Backoff    string        `koanf:"backoff"` // "linear", "exponential", "fixed"
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
}

// ToolsConfig controls the tool registry.
type ToolsConfig struct {
	DefaultTimeout time.Duration `koanf:"default_timeout"`
	HistoryLimit   int           `koanf:"history_limit"` // bounded execution audit history
	Retry          RetryConfig   `koanf:"retry"`
}

// MemoryConfig controls scoped memory capacities and expiry.
type MemoryConfig struct {
	WorkingCapacity   int           `koanf:"working_capacity"`
	ShortTermCapacity int           `koanf:"short_term_capacity"`
	ShortTermTTL      time.Duration `koanf:"short_term_ttl"`
	SweepInterval     time.Duration `koanf:"sweep_interval"` // background expiry sweep
}

// StorageConfig controls the optional SQLite backing store.
type StorageConfig struct {
	Path string `koanf:"path"` // empty disables durable storage
}

// Config is the top-level configuration.
type Config struct {
	Logging   logging.Config  `koanf:"logging"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Loop      LoopConfig      `koanf:"loop"`
	Tools     ToolsConfig     `koanf:"tools"`
	Memory    MemoryConfig    `koanf:"memory"`
	Storage   StorageConfig   `koanf:"storage"`
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.Scheduler.MaxParallelTasks <= 0 {
		return fmt.Errorf("scheduler.max_parallel_tasks must be > 0, got %d", c.Scheduler.MaxParallelTasks)
	}
	if c.Loop.MaxSubStepsPerTask <= 0 {
		return fmt.Errorf("loop.max_sub_steps_per_task must be > 0, got %d", c.Loop.MaxSubStepsPerTask)
	}
	if c.Loop.MaxLLMCallsPerRun <= 0 {
		return fmt.Errorf("loop.max_llm_calls_per_run must be > 0, got %d", c.Loop.MaxLLMCallsPerRun)
	}
	if c.Loop.MaxDelegationDepth < 0 {
		return fmt.Errorf("loop.max_delegation_depth must be >= 0, got %d", c.Loop.MaxDelegationDepth)
	}
	switch c.Tools.Retry.Backoff {
	case "linear", "exponential", "fixed":
	default:
		return fmt.Errorf("tools.retry.backoff must be linear, exponential or fixed, got %q", c.Tools.Retry.Backoff)
	}
	if c.Memory.WorkingCapacity <= 0 || c.Memory.ShortTermCapacity <= 0 {
		return fmt.Errorf("memory scope capacities must be > 0")
	}
	return nil
}
