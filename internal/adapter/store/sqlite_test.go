package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStateStore {
	t.Helper()
	s, err := NewSQLiteStateStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	value := json.RawMessage(`{"status":"idle","workload":2}`)
	require.NoError(t, s.Put(ctx, "fleet/worker/w1", value, []string{"worker"}))

	rec, err := s.Get(ctx, "fleet/worker/w1")
	require.NoError(t, err)
	assert.Equal(t, "fleet/worker/w1", rec.Key)
	assert.JSONEq(t, string(value), string(rec.Value))
	assert.Equal(t, []string{"worker"}, rec.Tags)
	assert.False(t, rec.UpdatedAt.IsZero())
}

func TestPutOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", json.RawMessage(`1`), nil))
	require.NoError(t, s.Put(ctx, "k", json.RawMessage(`2`), []string{"metrics"}))

	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "2", string(rec.Value))
	assert.Equal(t, []string{"metrics"}, rec.Tags)
}

func TestPutEmptyKey(t *testing.T) {
	s := newTestStore(t)

	err := s.Put(context.Background(), "", json.RawMessage(`{}`), nil)
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidInput, domain.ErrorCodeOf(err))
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueryByTag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "fleet/worker/a", json.RawMessage(`{}`), []string{"worker", "pool:gen"}))
	require.NoError(t, s.Put(ctx, "fleet/worker/b", json.RawMessage(`{}`), []string{"worker"}))
	require.NoError(t, s.Put(ctx, "router/backend/x", json.RawMessage(`{}`), []string{"backend"}))

	workers, err := s.Query(ctx, "worker")
	require.NoError(t, err)
	require.Len(t, workers, 2)

	pooled, err := s.Query(ctx, "pool:gen")
	require.NoError(t, err)
	require.Len(t, pooled, 1)
	assert.Equal(t, "fleet/worker/a", pooled[0].Key)

	none, err := s.Query(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueryTagIsNotSubstringMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", json.RawMessage(`{}`), []string{"workers"}))

	got, err := s.Query(ctx, "worker")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", json.RawMessage(`{}`), nil))
	require.NoError(t, s.Delete(ctx, "k"))

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, s.Delete(ctx, "k"))
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	ctx := context.Background()

	s, err := NewSQLiteStateStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", json.RawMessage(`{"v":1}`), []string{"worker"}))
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStateStore(path)
	require.NoError(t, err)
	defer s2.Close()

	rec, err := s2.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(rec.Value))
}
