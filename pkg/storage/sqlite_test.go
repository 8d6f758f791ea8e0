package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) (*SQLiteBackend, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "services.db")
	backend, err := NewSQLiteBackend(&Config{Backend: BackendSQLite, Path: path, BusyTimeout: 1000})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend, path
}

func TestSQLiteBackend_EmptyLoad(t *testing.T) {
	backend, _ := newTestSQLite(t)

	rows, err := backend.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSQLiteBackend_SaveReplacesSnapshot(t *testing.T) {
	backend, _ := newTestSQLite(t)
	ctx := context.Background()

	first := []Row{
		{Type: "BLE", Fields: []string{"192.0.2.1", "1700000000", "alice", "open proxy"}},
		{Type: "BLE", Fields: []string{"192.0.2.2", "1700000001", "bob", "tor exit"}},
	}
	require.NoError(t, backend.Save(ctx, first))

	rows, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, rows)

	second := []Row{{Type: "BLE", Fields: []string{"198.51.100.7", "1700000100", "carol", "spam"}}}
	require.NoError(t, backend.Save(ctx, second))

	rows, err = backend.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, rows)
}

func TestSQLiteBackend_PersistsAcrossReopen(t *testing.T) {
	backend, path := newTestSQLite(t)
	ctx := context.Background()

	want := []Row{{Type: "BLE", Fields: []string{"192.0.2.1", "1700000000", "alice", "reason with spaces"}}}
	require.NoError(t, backend.Save(ctx, want))
	require.NoError(t, backend.Close())

	reopened, err := NewSQLiteBackend(&Config{Backend: BackendSQLite, Path: path})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	rows, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, rows)
}

func TestSQLiteBackend_NilFieldsStoredEmpty(t *testing.T) {
	backend, _ := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, backend.Save(ctx, []Row{{Type: "MARK"}}))
	rows, err := backend.Load(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "MARK", rows[0].Type)
	assert.Empty(t, rows[0].Fields)
}

func TestSQLiteBackend_Closed(t *testing.T) {
	backend, _ := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, backend.Close())
	require.NoError(t, backend.Close())

	_, err := backend.Load(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, backend.Save(ctx, nil), ErrClosed)
	assert.ErrorIs(t, backend.Ping(ctx), ErrClosed)
}
