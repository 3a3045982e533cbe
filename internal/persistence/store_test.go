package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentcore/internal/memory"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMemoryEntryRoundTrip(t *testing.T) {
	s := newStore(t)
	written := time.Now().Truncate(time.Millisecond)
	e := memory.Entry{
		Value:       "a learned fact",
		Timestamp:   written,
		TTL:         90 * time.Minute,
		AccessCount: 3,
	}
	require.NoError(t, s.Put("longterm", "fact:1", e))

	loaded, err := s.LoadScope("longterm")
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded["fact:1"]
	assert.Equal(t, "a learned fact", got.Value)
	assert.Equal(t, written.UnixMilli(), got.Timestamp.UnixMilli())
	assert.Equal(t, 90*time.Minute, got.TTL)
	assert.Equal(t, 3, got.AccessCount)
}

func TestPutUpserts(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Put("longterm", "k", memory.Entry{Value: "v1", Timestamp: time.Now()}))
	require.NoError(t, s.Put("longterm", "k", memory.Entry{Value: "v2", Timestamp: time.Now()}))

	loaded, err := s.LoadScope("longterm")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "v2", loaded["k"].Value)
}

func TestScopeIsolation(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Put("longterm", "k", memory.Entry{Value: "long", Timestamp: time.Now()}))
	require.NoError(t, s.Put("episodic", "k", memory.Entry{Value: "epi", Timestamp: time.Now()}))

	long, err := s.LoadScope("longterm")
	require.NoError(t, err)
	epi, err := s.LoadScope("episodic")
	require.NoError(t, err)

	assert.Equal(t, "long", long["k"].Value)
	assert.Equal(t, "epi", epi["k"].Value)

	require.NoError(t, s.DeleteScope("longterm"))
	long, err = s.LoadScope("longterm")
	require.NoError(t, err)
	assert.Empty(t, long)
	epi, err = s.LoadScope("episodic")
	require.NoError(t, err)
	assert.Len(t, epi, 1)
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Put("longterm", "k", memory.Entry{Value: "v", Timestamp: time.Now()}))
	require.NoError(t, s.Delete("longterm", "k"))

	loaded, err := s.LoadScope("longterm")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestArtifacts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveArtifact(ctx, "task-1", "report", "markdown", "# Findings"))
	require.NoError(t, s.SaveArtifact(ctx, "task-1", "patch", "code", "diff --git"))
	require.NoError(t, s.SaveArtifact(ctx, "task-2", "other", "preview", "..."))

	artifacts, err := s.ListArtifacts(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, "report", artifacts[0].Title)
	assert.Equal(t, "markdown", artifacts[0].Type)
	assert.Equal(t, "patch", artifacts[1].Title)
	assert.False(t, artifacts[0].CreatedAt.IsZero())
}

// TestStoreBacksMemoryStore wires the SQLite store as the durable backend of
// a memory store and verifies long-term entries survive a reopen.
func TestStoreBacksMemoryStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "core.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	mem1, err := memory.NewStore(memory.Config{WorkingCapacity: 10, ShortTermCapacity: 10}, s1, nil)
	require.NoError(t, err)
	require.NoError(t, mem1.Write(memory.ScopeLongTerm, "lesson:1", "retry transient failures", 0))
	mem1.Close()
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s2.Close()
	mem2, err := memory.NewStore(memory.Config{WorkingCapacity: 10, ShortTermCapacity: 10}, s2, nil)
	require.NoError(t, err)
	defer mem2.Close()

	got, ok := mem2.Read(memory.ScopeLongTerm, "lesson:1")
	require.True(t, ok)
	assert.Equal(t, "retry transient failures", got)
}
