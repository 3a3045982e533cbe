package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Execution is one audit record of a tool run.
type Execution struct {
	Tool     string
	Args     map[string]any
	Started  time.Time
	Duration time.Duration
	Retries  int
	Err      error
}

// appliedEffect journals a reversible effect for potential rollback.
type appliedEffect struct {
	tool   string
	effect Effect
	args   map[string]any
}

// Registry holds the tool set for one run. It is constructed explicitly and
// injected by the composition root; there is no process-wide instance.
type Registry struct {
	defaultTimeout time.Duration
	defaultRetry   RetryPolicy
	historyLimit   int
	logger         *zap.Logger

	mu      sync.Mutex
	tools   map[string]*Tool
	history []Execution
	journal []appliedEffect
}

// NewRegistry creates an empty registry.
func NewRegistry(defaultTimeout time.Duration, defaultRetry RetryPolicy, historyLimit int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if historyLimit <= 0 {
		historyLimit = 256
	}
	return &Registry{
		defaultTimeout: defaultTimeout,
		defaultRetry:   defaultRetry,
		historyLimit:   historyLimit,
		logger:         logger.Named("tools"),
		tools:          make(map[string]*Tool),
	}
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("tool must have a name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool. The decision pipeline ranks over this.
func (r *Registry) List() []*Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Execute runs a named tool under its declared contract:
// validate args, check preconditions (with one recovery attempt for
// recoverable ones), execute with per-attempt timeout under the retry
// policy, journal effects on success, and always record the execution.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, ec ExecContext) (any, error) {
	t, ok := r.Get(name)
	if !ok {
		err := &ValidationError{Tool: name, Reason: "unknown tool"}
		r.record(Execution{Tool: name, Args: args, Started: time.Now(), Err: err})
		return nil, err
	}

	started := time.Now()

	if err := r.validateArgs(t, args); err != nil {
		r.record(Execution{Tool: name, Args: args, Started: started, Err: err})
		return nil, err
	}

	if err := r.checkPreconditions(ctx, t, args, ec); err != nil {
		r.record(Execution{Tool: name, Args: args, Started: started, Duration: time.Since(started), Err: err})
		return nil, err
	}

	result, retries, err := r.executeWithRetry(ctx, t, args, ec)

	r.record(Execution{
		Tool:     name,
		Args:     args,
		Started:  started,
		Duration: time.Since(started),
		Retries:  retries,
		Err:      err,
	})

	if err != nil {
		return nil, err
	}

	r.applyEffects(t, args)
	return result, nil
}

// validateArgs rejects unknown and missing arguments and type mismatches
// before any precondition runs.
func (r *Registry) validateArgs(t *Tool, args map[string]any) error {
	for name := range args {
		if _, declared := t.Args[name]; !declared {
			return &ValidationError{Tool: t.Name, Reason: fmt.Sprintf("unknown argument %q", name)}
		}
	}
	for name, spec := range t.Args {
		v, present := args[name]
		if !present {
			if spec.Required {
				return &ValidationError{Tool: t.Name, Reason: fmt.Sprintf("missing required argument %q", name)}
			}
			continue
		}
		if !matchesType(v, spec.Type) {
			return &ValidationError{Tool: t.Name, Reason: fmt.Sprintf("argument %q is not a %s", name, spec.Type)}
		}
	}
	return nil
}

func matchesType(v any, at ArgType) bool {
	switch at {
	case ArgString:
		_, ok := v.(string)
		return ok
	case ArgBool:
		_, ok := v.(bool)
		return ok
	case ArgNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case ArgObject:
		_, ok := v.(map[string]any)
		return ok
	case ArgList:
		_, ok := v.([]any)
		return ok
	}
	return false
}

// checkPreconditions aborts on the first unmet non-recoverable precondition.
// A recoverable one gets a single recovery attempt followed by a re-check.
func (r *Registry) checkPreconditions(ctx context.Context, t *Tool, args map[string]any, ec ExecContext) error {
	for _, pc := range t.Preconditions {
		if pc.Check == nil {
			continue
		}
		err := pc.Check(ctx, args, ec)
		if err == nil {
			continue
		}
		if !pc.Recoverable || pc.Recover == nil {
			return &PreconditionError{Tool: t.Name, Precondition: pc.Name, Reason: err.Error(), Recoverable: pc.Recoverable}
		}
		r.logger.Warn("precondition failed, attempting recovery",
			zap.String("tool", t.Name),
			zap.String("precondition", pc.Name),
			zap.Error(err))
		if rerr := pc.Recover(ctx, args, ec); rerr != nil {
			return &PreconditionError{Tool: t.Name, Precondition: pc.Name,
				Reason: fmt.Sprintf("%s (recovery failed: %v)", err, rerr), Recoverable: true}
		}
		if err := pc.Check(ctx, args, ec); err != nil {
			return &PreconditionError{Tool: t.Name, Precondition: pc.Name,
				Reason: fmt.Sprintf("%s (still failing after recovery)", err), Recoverable: true}
		}
	}
	return nil
}

// executeWithRetry runs the handler under the tool's retry policy. Each
// attempt races against the declared timeout; a timeout is just another
// error class. Errors outside the retryable classes fail immediately.
func (r *Registry) executeWithRetry(ctx context.Context, t *Tool, args map[string]any, ec ExecContext) (any, int, error) {
	policy := r.defaultRetry
	if t.Retry != nil {
		policy = *t.Retry
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	var result any
	retries := -1 // first attempt is not a retry

	operation := func() error {
		retries++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		res, err := r.runOnce(ctx, t, args, ec, timeout)
		if err == nil {
			result = res
			return nil
		}

		class := ClassOf(err)
		if !policy.Retryable(class) {
			return backoff.Permanent(&ExecutionError{Tool: t.Name, Class: class, Retries: retries, Err: err})
		}
		r.logger.Warn("tool attempt failed, will retry",
			zap.String("tool", t.Name),
			zap.String("class", class),
			zap.Int("attempt", retries+1),
			zap.Error(err))
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(policy.newBackOff(), ctx))
	if err != nil {
		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			err = &ExecutionError{Tool: t.Name, Class: ClassOf(err), Retries: retries, Err: err}
		}
		return nil, retries, err
	}
	return result, retries, nil
}

// runOnce executes the handler racing against the attempt timeout. The
// handler keeps running in its goroutine after a timeout; the registry just
// stops waiting, which is what "races against its declared timeout" means.
func (r *Registry) runOnce(ctx context.Context, t *Tool, args map[string]any, ec ExecContext, timeout time.Duration) (any, error) {
	actx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := t.Handler(actx, args, ec)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-actx.Done():
		return nil, actx.Err()
	}
}

// applyEffects journals the reversible effects of a successful execution.
func (r *Registry) applyEffects(t *Tool, args map[string]any) {
	if len(t.Effects) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ef := range t.Effects {
		if ef.Reversible && ef.Rollback != nil {
			r.journal = append(r.journal, appliedEffect{tool: t.Name, effect: ef, args: args})
		}
	}
}

// Rollback undoes journaled effects in reverse application order,
// best-effort. Rollback failures are logged, never returned.
func (r *Registry) Rollback(ctx context.Context) {
	r.mu.Lock()
	journal := r.journal
	r.journal = nil
	r.mu.Unlock()

	for i := len(journal) - 1; i >= 0; i-- {
		ae := journal[i]
		if err := ae.effect.Rollback(ctx, ae.args); err != nil {
			r.logger.Error("effect rollback failed",
				zap.String("tool", ae.tool),
				zap.String("effect", string(ae.effect.Type)),
				zap.String("target", ae.effect.Target),
				zap.Error(err))
		}
	}
}

// record appends to the bounded execution history, evicting the oldest entry
// at capacity.
func (r *Registry) record(e Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) >= r.historyLimit {
		r.history = r.history[1:]
	}
	r.history = append(r.history, e)
}

// History returns a snapshot of the execution audit trail.
func (r *Registry) History() []Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Execution(nil), r.history...)
}
