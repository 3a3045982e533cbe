package tool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentcore/internal/memory"
)

func builtinEnv(t *testing.T) (*Registry, *memory.Store) {
	t.Helper()
	mem, err := memory.NewStore(memory.Config{WorkingCapacity: 10, ShortTermCapacity: 10, ShortTermTTL: time.Hour}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(mem.Close)

	r := NewRegistry(time.Second, RetryPolicy{Backoff: "fixed", BaseDelay: time.Millisecond}, 16, nil)
	for _, tl := range Builtins(mem) {
		require.NoError(t, r.Register(tl))
	}
	return r, mem
}

func TestBuiltinEcho(t *testing.T) {
	r, _ := builtinEnv(t)
	got, err := r.Execute(context.Background(), "echo", map[string]any{"text": "hi"}, ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "hi", got)
}

func TestBuiltinMemoryRoundTrip(t *testing.T) {
	r, mem := builtinEnv(t)
	ctx := context.Background()

	_, err := r.Execute(ctx, "memory_write",
		map[string]any{"scope": "working", "key": "note", "value": "remember this"}, ExecContext{})
	require.NoError(t, err)

	v, ok := mem.Read(memory.ScopeWorking, "note")
	require.True(t, ok)
	assert.Equal(t, "remember this", v)

	got, err := r.Execute(ctx, "memory_read",
		map[string]any{"scope": "working", "key": "note"}, ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "remember this", got)

	found, err := r.Execute(ctx, "memory_search",
		map[string]any{"scope": "working", "query": "remember"}, ExecContext{})
	require.NoError(t, err)
	assert.Contains(t, found.(string), "note: remember this")
}

func TestBuiltinUnknownScopeRejected(t *testing.T) {
	r, _ := builtinEnv(t)
	_, err := r.Execute(context.Background(), "memory_read",
		map[string]any{"scope": "nope", "key": "k"}, ExecContext{})
	var pcErr *PreconditionError
	require.ErrorAs(t, err, &pcErr)
}

func TestBuiltinMemoryWriteRollback(t *testing.T) {
	r, mem := builtinEnv(t)
	ctx := context.Background()

	_, err := r.Execute(ctx, "memory_write",
		map[string]any{"scope": "working", "key": "tmp", "value": "x"}, ExecContext{})
	require.NoError(t, err)

	r.Rollback(ctx)
	_, ok := mem.Read(memory.ScopeWorking, "tmp")
	assert.False(t, ok)
}
