// Package main implements the agentcore CLI: it executes a YAML plan of
// tasks as a DAG of reasoning loops.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/agentcore/internal/config"
	"github.com/aristath/agentcore/internal/decision"
	"github.com/aristath/agentcore/internal/events"
	"github.com/aristath/agentcore/internal/logging"
	"github.com/aristath/agentcore/internal/loop"
	"github.com/aristath/agentcore/internal/memory"
	"github.com/aristath/agentcore/internal/persistence"
	"github.com/aristath/agentcore/internal/plan"
	"github.com/aristath/agentcore/internal/scheduler"
	"github.com/aristath/agentcore/internal/task"
	"github.com/aristath/agentcore/internal/tool"
)

var (
	configPath string
	planPath   string
	goalText   string
)

var rootCmd = &cobra.Command{
	Use:   "agentcore",
	Short: "DAG scheduler for autonomous agent tasks",
	Long: `agentcore executes a YAML plan of dependent tasks. Each task is driven
by a reasoning loop that consults an oracle for the next tool call, bounded
by configurable step and call budgets.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a plan file",
	Long: `Execute every task in the plan, respecting dependencies and the
configured parallelism cap.

Examples:
  # Run a plan with defaults
  agentcore run --plan plan.yaml

  # Override the config file and the run goal
  agentcore run --plan plan.yaml --config agentcore.yaml --goal "ship v2"`,
	RunE: runPlan,
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (YAML), optional")
	runCmd.Flags().StringVarP(&planPath, "plan", "p", "plan.yaml", "plan file (YAML)")
	runCmd.Flags().StringVar(&goalText, "goal", "", "run-level goal context (defaults to the plan's goal)")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pf, err := plan.Load(planPath)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()
	logs := bus.Subscribe(events.TopicLog, 256)
	go func() {
		for ev := range logs {
			if le, ok := ev.(events.LogEvent); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "[%-7s] %s %s\n", le.Status, le.Task, le.Message)
			}
		}
	}()

	arena := task.NewArena(bus)
	for _, t := range pf.Build() {
		if t.MaxRetries == 0 {
			t.MaxRetries = cfg.Scheduler.DefaultMaxRetries
		}
		if err := arena.Add(t); err != nil {
			return err
		}
	}

	var backend memory.Backend
	var store *persistence.SQLiteStore
	if cfg.Storage.Path != "" {
		store, err = persistence.NewSQLiteStore(ctx, cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer func() { _ = store.Close() }()
		backend = store
	}

	mem, err := memory.NewStore(memory.Config{
		WorkingCapacity:   cfg.Memory.WorkingCapacity,
		ShortTermCapacity: cfg.Memory.ShortTermCapacity,
		ShortTermTTL:      cfg.Memory.ShortTermTTL,
		SweepInterval:     cfg.Memory.SweepInterval,
	}, backend, logger)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}
	defer mem.Close()

	reg := tool.NewRegistry(cfg.Tools.DefaultTimeout, tool.RetryPolicy{
		MaxRetries:            cfg.Tools.Retry.MaxRetries,
		Backoff:               cfg.Tools.Retry.Backoff,
		BaseDelay:             cfg.Tools.Retry.BaseDelay,
		MaxDelay:              cfg.Tools.Retry.MaxDelay,
		RetryableErrorClasses: []string{tool.ClassTimeout, tool.ClassTransient},
	}, cfg.Tools.HistoryLimit, logger)
	for _, tl := range tool.Builtins(mem) {
		if err := reg.Register(tl); err != nil {
			return err
		}
	}

	var oracle loop.Oracle = loop.NewPipelineOracle(decision.NewPipeline(reg, mem, nil, logger))
	if cfg.Loop.OracleCommand != "" {
		oracle = loop.NewCommandOracle(cfg.Loop.OracleCommand, cfg.Loop.OracleArgs, logger)
	}

	var artifacts loop.ArtifactStore
	if store != nil {
		artifacts = store
	}
	l := loop.New(loop.Config{
		MaxSubSteps:        cfg.Loop.MaxSubStepsPerTask,
		MaxDelegationDepth: cfg.Loop.MaxDelegationDepth,
		OracleTimeout:      cfg.Loop.OracleTimeout,
	}, loop.Deps{
		Oracle:    oracle,
		Tools:     reg,
		Arena:     arena,
		Memory:    mem,
		Budget:    loop.NewCallBudget(cfg.Loop.MaxLLMCallsPerRun),
		Bus:       bus,
		Artifacts: artifacts,
		Logger:    logger,
	})

	sched := scheduler.New(scheduler.Config{
		MaxParallelTasks: cfg.Scheduler.MaxParallelTasks,
		TaskRetryDelay:   cfg.Scheduler.TaskRetryDelay,
	}, scheduler.Deps{
		Arena:  arena,
		Loop:   l,
		Bus:    bus,
		Memory: mem,
		Logger: logger,
	})

	goal := goalText
	if goal == "" {
		goal = pf.Goal
	}
	out, runErr := sched.Run(ctx, goal)
	fmt.Fprint(cmd.OutOrStdout(), formatOutcome(out))
	return runErr
}

// formatOutcome renders the run summary.
func formatOutcome(out *scheduler.Outcome) string {
	var b strings.Builder
	if out.Success {
		b.WriteString("run succeeded")
	} else {
		b.WriteString("run failed")
	}
	fmt.Fprintf(&b, " in %s\n", out.Elapsed.Round(time.Millisecond))

	statuses := make([]string, 0, len(out.Counts))
	for s := range out.Counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(&b, "  %-14s %d\n", s, out.Counts[task.Status(s)])
	}
	if len(out.Failed) > 0 {
		fmt.Fprintf(&b, "  failed: %s\n", strings.Join(out.Failed, ", "))
	}
	if out.Unresolved > 0 {
		fmt.Fprintf(&b, "  unresolved: %d\n", out.Unresolved)
	}
	return b.String()
}
