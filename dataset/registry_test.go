package dataset

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	odinerrors "github.com/dls-controls/odin-data/errors"
	"github.com/dls-controls/odin-data/store"
)

func newRegistry(t *testing.T, datasets ...*Dataset) *Registry {
	t.Helper()
	r, err := NewRegistry(slog.Default(), datasets...)
	require.NoError(t, err)
	return r
}

func createAll(t *testing.T, r *Registry, size int64) *store.FileStore {
	t.Helper()
	s, err := store.Create(filepath.Join(t.TempDir(), "test_meta.dat"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, r.CreateAll(s, size))
	return s
}

func TestRegistry_RejectsDuplicateNames(t *testing.T) {
	_, err := NewRegistry(slog.Default(), Int64("frame"), Int64("frame"))
	require.Error(t, err)
}

func TestRegistry_OrderAndLookup(t *testing.T) {
	r := newRegistry(t, Int64("frame"), Int64("offset"), Float64("rate"))

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"frame", "offset", "rate"}, r.Names())

	d, ok := r.Dataset("offset")
	require.True(t, ok)
	assert.Equal(t, "offset", d.Name())

	_, ok = r.Dataset("missing")
	assert.False(t, ok)
}

func TestRegistry_WriteAndFlushRoundTrip(t *testing.T) {
	r := newRegistry(t, Int64("frame"), Int64("offset"))
	s := createAll(t, r, 2)

	require.NoError(t, r.WriteValue("frame", int64(0), 0))
	require.NoError(t, r.WriteValue("frame", int64(1), 1))
	require.NoError(t, r.WriteValue("offset", int64(100), 0))
	require.NoError(t, r.FlushAll())
	require.NoError(t, s.Close())

	snap, err := store.Read(s.Path())
	require.NoError(t, err)
	frame, _ := snap.Array("frame")
	assert.Equal(t, int64(0), frame.Values[0].Int64())
	assert.Equal(t, int64(1), frame.Values[1].Int64())
	off, _ := snap.Array("offset")
	assert.Equal(t, int64(100), off.Values[0].Int64())
	assert.Equal(t, int64(-1), off.Values[1].Int64())
}

func TestRegistry_WriteValueUnknownDataset(t *testing.T) {
	r := newRegistry(t, Int64("frame"))
	createAll(t, r, 1)

	err := r.WriteValue("nope", int64(1), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, odinerrors.ErrNoSuchDataset)
}

func TestRegistry_WriteValuesContinuesPastFailures(t *testing.T) {
	r := newRegistry(t, Int64("frame"), Int64("offset"), Int64("write_duration"))
	s := createAll(t, r, 4)

	data := map[string]any{
		"frame":          float64(7),
		"write_duration": float64(42),
		// "offset" deliberately absent
	}
	failed := r.WriteValues([]string{"frame", "offset", "write_duration"}, data, 3)
	assert.Equal(t, 1, failed)

	require.NoError(t, r.FlushAll())
	require.NoError(t, s.Close())

	snap, err := store.Read(s.Path())
	require.NoError(t, err)
	frame, _ := snap.Array("frame")
	assert.Equal(t, int64(7), frame.Values[3].Int64())
	wd, _ := snap.Array("write_duration")
	assert.Equal(t, int64(42), wd.Values[3].Int64())
}

func TestRegistry_AddDynamic(t *testing.T) {
	r := newRegistry(t, Int64("frame"))
	s := createAll(t, r, 2)

	values := []store.Value{store.Float64Value(1.5), store.Float64Value(2.5)}
	require.NoError(t, r.AddDynamic("temperature", values, 2))
	assert.Equal(t, 2, r.Len())

	// Re-adding the same name is a no-op
	require.NoError(t, r.AddDynamic("temperature", values, 2))
	assert.Equal(t, 2, r.Len())

	require.NoError(t, r.FlushAll())
	require.NoError(t, s.Close())

	snap, err := store.Read(s.Path())
	require.NoError(t, err)
	temp, ok := snap.Array("temperature")
	require.True(t, ok)
	require.Equal(t, int64(2), temp.Len())
	assert.Equal(t, 1.5, temp.Values[0].Float64())
	assert.Equal(t, 2.5, temp.Values[1].Float64())
}

func TestRegistry_AddDynamicValidation(t *testing.T) {
	r := newRegistry(t, Int64("frame"))

	// Store not open yet
	require.Error(t, r.AddDynamic("x", []store.Value{store.Int64Value(1)}, 1))

	createAll(t, r, 1)

	require.Error(t, r.AddDynamic("empty", nil, 1))
	require.Error(t, r.AddDynamic("mixed",
		[]store.Value{store.Int64Value(1), store.Float64Value(2)}, 1))
}

func TestRegistry_FlushAllContinuesPastFailures(t *testing.T) {
	r := newRegistry(t, Int64("frame"), Int64("offset"))
	s := createAll(t, r, 2)
	require.NoError(t, s.Close())

	// Every flush fails against a closed store but all are attempted
	err := r.FlushAll()
	require.Error(t, err)
}

func TestRegistry_CreateAllRejectsNegativeSize(t *testing.T) {
	r := newRegistry(t, Int64("frame"))

	s, err := store.Create(filepath.Join(t.TempDir(), "test_meta.dat"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	err = r.CreateAll(s, -1)
	require.Error(t, err)
	assert.ErrorIs(t, err, odinerrors.ErrInvalidData)
}
