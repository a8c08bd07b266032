package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/deep-stack/azimuth-watcher/storage"
)

// NewTestLogger creates a logger that writes through t.Log
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// NewTestSQLStore opens a migrated SQLite store in a temp dir, closed on cleanup
func NewTestSQLStore(t *testing.T) *storage.SQLStore {
	t.Helper()

	store, err := storage.NewSQLStore(context.Background(), &storage.SQLConfig{
		Engine:     storage.EngineSqlite,
		SqliteFile: filepath.Join(t.TempDir(), "watcher.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
