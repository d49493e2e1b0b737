package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), &Config{Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := newTestStore(t)

	tables := []string{
		"memory_entries", "checkpoints", "reasoning_patterns",
		"task_patterns", "user_profiles", "feedback",
	}
	for _, table := range tables {
		var name string
		err := s.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), &Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store path is required")
}

func TestOpen_Reopenable(t *testing.T) {
	// Schema creation must be idempotent across restarts.
	path := t.TempDir() + "/test.db"

	s1, err := Open(context.Background(), &Config{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(context.Background(), &Config{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s2.Ping(context.Background()))
	require.NoError(t, s2.Close())
}
