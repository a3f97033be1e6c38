package rag

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/knowledgeflow/types"
)

func seededIndex(t *testing.T) *FlatIndex {
	t.Helper()
	idx := NewFlatIndex(IndexConfig{Dimension: 3}, nil)
	require.NoError(t, idx.Add(
		[][]float64{{1, 0, 0}, {0, 1, 0}, {0.5, 0.5, 0}},
		[]string{"a", "b", "c"},
		[]EntryMetadata{
			{DocumentID: 1, ChunkIndex: 0, Scope: "team-x"},
			{DocumentID: 1, ChunkIndex: 1},
			{DocumentID: 2, ChunkIndex: 0},
		},
	))
	idx.Delete([]string{"b"})
	return idx
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx")
	idx := seededIndex(t)
	require.NoError(t, idx.Snapshot(path))

	query := []float64{0.9, 0.2, 0}
	want, err := idx.Search(query, 5)
	require.NoError(t, err)

	restored := NewFlatIndex(IndexConfig{Dimension: 3}, nil)
	require.NoError(t, restored.Restore(path))

	got, err := restored.Search(query, 5)
	require.NoError(t, err)
	assert.Equal(t, want, got, "restored index must answer searches identically")
	assert.Equal(t, idx.Count(), restored.Count())
	assert.Equal(t, idx.TombstoneCount(), restored.TombstoneCount())

	// The insertion history travels with the snapshot.
	err = restored.Add([][]float64{{1, 1, 1}}, []string{"b"}, nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDuplicateID))
}

func TestRestoreMissingArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx")
	idx := seededIndex(t)
	require.NoError(t, idx.Snapshot(path))

	for _, suffix := range []string{".index", ".meta"} {
		t.Run("missing"+suffix, func(t *testing.T) {
			dir := t.TempDir()
			copyPath := filepath.Join(dir, "idx")
			require.NoError(t, idx.Snapshot(copyPath))
			require.NoError(t, os.Remove(copyPath+suffix))

			restored := NewFlatIndex(IndexConfig{Dimension: 3}, nil)
			err := restored.Restore(copyPath)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrCorruptIndex))
		})
	}
}

func TestRestoreMismatchedPair(t *testing.T) {
	dir := t.TempDir()
	idx := seededIndex(t)

	// Two separate snapshots, then a frankenstein pair from different runs.
	require.NoError(t, idx.Snapshot(filepath.Join(dir, "one")))
	require.NoError(t, idx.Snapshot(filepath.Join(dir, "two")))

	mixed := filepath.Join(dir, "mixed")
	require.NoError(t, os.Rename(filepath.Join(dir, "one.index"), mixed+".index"))
	require.NoError(t, os.Rename(filepath.Join(dir, "two.meta"), mixed+".meta"))

	restored := NewFlatIndex(IndexConfig{Dimension: 3}, nil)
	err := restored.Restore(mixed)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCorruptIndex))
	assert.Contains(t, err.Error(), "mismatch")
}

func TestRestoreTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx")
	idx := seededIndex(t)
	require.NoError(t, idx.Snapshot(path))
	require.NoError(t, os.WriteFile(path+".meta", []byte("garbage"), 0o644))

	restored := NewFlatIndex(IndexConfig{Dimension: 3}, nil)
	err := restored.Restore(path)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCorruptIndex))
}

func TestRestoreDimensionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx")
	idx := seededIndex(t)
	require.NoError(t, idx.Snapshot(path))

	restored := NewFlatIndex(IndexConfig{Dimension: 4}, nil)
	err := restored.Restore(path)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCorruptIndex))
}

func TestLoadOrInit(t *testing.T) {
	t.Run("no snapshot, empty allowed", func(t *testing.T) {
		idx := NewFlatIndex(IndexConfig{Dimension: 3}, nil)
		path := filepath.Join(t.TempDir(), "idx")
		require.NoError(t, idx.LoadOrInit(path, true))
		assert.Equal(t, 0, idx.Count())
	})

	t.Run("no snapshot, empty not allowed", func(t *testing.T) {
		idx := NewFlatIndex(IndexConfig{Dimension: 3}, nil)
		path := filepath.Join(t.TempDir(), "idx")
		err := idx.LoadOrInit(path, false)
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrCorruptIndex))
	})

	t.Run("snapshot present", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "idx")
		require.NoError(t, seededIndex(t).Snapshot(path))

		idx := NewFlatIndex(IndexConfig{Dimension: 3}, nil)
		require.NoError(t, idx.LoadOrInit(path, true))
		assert.Equal(t, 2, idx.Count())
	})

	t.Run("half a pair is corrupt, not empty", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "idx")
		require.NoError(t, seededIndex(t).Snapshot(path))
		require.NoError(t, os.Remove(path+".meta"))

		idx := NewFlatIndex(IndexConfig{Dimension: 3}, nil)
		err := idx.LoadOrInit(path, true)
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrCorruptIndex))
	})
}
