package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowsync/shadowsync/internal/models"
)

func TestFileStoreSeedsDefaults(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)

	state, err := s.Load(context.Background(), "sample-device")
	require.NoError(t, err)

	assert.True(t, DefaultSeedState().Equal(state.Attributes))
	assert.False(t, state.LastUpdated.IsZero())

	// The seed record is persisted immediately.
	path := filepath.Join(dir, "sample-device", "device_state.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var onDisk DeviceState
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.True(t, DefaultSeedState().Equal(onDisk.Attributes))
}

func TestFileStoreMergePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := NewFileStore(dir)
	_, err := s.Load(ctx, "sample-device")
	require.NoError(t, err)

	state, err := s.Merge(ctx, models.Attributes{"temperature": 25.0, "target_mode": "eco"})
	require.NoError(t, err)
	assert.Equal(t, 25.0, state.Attributes["temperature"])
	assert.Equal(t, "eco", state.Attributes["target_mode"])
	assert.Equal(t, "online", state.Attributes["status"])

	// A fresh store sees the merged record.
	s2 := NewFileStore(dir)
	reloaded, err := s2.Load(ctx, "sample-device")
	require.NoError(t, err)
	assert.Equal(t, 25.0, reloaded.Attributes["temperature"])
	assert.Equal(t, "eco", reloaded.Attributes["target_mode"])
}

func TestFileStoreReplace(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := NewFileStore(dir)
	_, err := s.Load(ctx, "sample-device")
	require.NoError(t, err)

	full := models.Attributes{"mode": "test"}
	state, err := s.Replace(ctx, full)
	require.NoError(t, err)
	assert.True(t, full.Equal(state.Attributes))

	// Replace copies its input.
	full["mode"] = "changed"
	assert.Equal(t, "test", s.State().Attributes["mode"])
}

func TestFileStoreReset(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := NewFileStore(dir)
	_, err := s.Load(ctx, "sample-device")
	require.NoError(t, err)

	_, err = s.Merge(ctx, models.Attributes{"temperature": 99.0})
	require.NoError(t, err)

	state, err := s.Reset(ctx)
	require.NoError(t, err)
	assert.True(t, DefaultSeedState().Equal(state.Attributes))

	s2 := NewFileStore(dir)
	reloaded, err := s2.Load(ctx, "sample-device")
	require.NoError(t, err)
	assert.True(t, DefaultSeedState().Equal(reloaded.Attributes))
}

func TestFileStoreCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	path := filepath.Join(dir, "sample-device", "device_state.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))

	s := NewFileStore(dir)
	_, err := s.Load(ctx, "sample-device")
	require.Error(t, err)

	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "sample-device", corrupt.DeviceID)
	assert.Equal(t, path, corrupt.Location)

	// The record is not silently discarded.
	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, `{broken`, string(data))
}

func TestFileStoreRecordWithoutAttributes(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "sample-device", "device_state.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"last_updated":"2024-01-01T00:00:00Z"}`), 0o644))

	s := NewFileStore(dir)
	_, err := s.Load(context.Background(), "sample-device")

	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)
}

func TestFileStoreMutateBeforeLoad(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()

	_, err := s.Merge(ctx, models.Attributes{"temperature": 25.0})
	assert.ErrorIs(t, err, ErrNotLoaded)

	_, err = s.Replace(ctx, models.Attributes{"temperature": 25.0})
	assert.ErrorIs(t, err, ErrNotLoaded)

	_, err = s.Reset(ctx)
	assert.ErrorIs(t, err, ErrNotLoaded)
}
