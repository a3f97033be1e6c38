package rag

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/knowledgeflow/types"
)

func newTestIndex(t *testing.T, dim int) *FlatIndex {
	t.Helper()
	return NewFlatIndex(IndexConfig{Dimension: dim}, nil)
}

func TestFlatIndexAddAndCount(t *testing.T) {
	idx := newTestIndex(t, 3)

	err := idx.Add(
		[][]float64{{1, 0, 0}, {0, 1, 0}},
		[]string{"a", "b"},
		[]EntryMetadata{{DocumentID: 1}, {DocumentID: 2}},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Count())
	assert.Equal(t, 0, idx.TombstoneCount())
}

func TestFlatIndexDimensionMismatch(t *testing.T) {
	idx := newTestIndex(t, 3)

	err := idx.Add([][]float64{{1, 0}}, []string{"a"}, nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDimensionMismatch))
	assert.Equal(t, 0, idx.Count(), "failed batch must leave the index unchanged")
}

func TestFlatIndexBatchAtomicity(t *testing.T) {
	idx := newTestIndex(t, 2)

	// Second vector is bad; the valid first vector must not land either.
	err := idx.Add([][]float64{{1, 0}, {1, 0, 0}}, []string{"ok", "bad"}, nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDimensionMismatch))
	assert.Equal(t, 0, idx.Count())

	// The rejected ids were never inserted and remain usable.
	require.NoError(t, idx.Add([][]float64{{1, 0}}, []string{"ok"}, nil))
}

func TestFlatIndexDuplicateID(t *testing.T) {
	idx := newTestIndex(t, 2)
	require.NoError(t, idx.Add([][]float64{{1, 0}}, []string{"a"}, nil))

	err := idx.Add([][]float64{{0, 1}}, []string{"a"}, nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDuplicateID))

	// Within-batch repetition is rejected too.
	err = idx.Add([][]float64{{0, 1}, {1, 1}}, []string{"b", "b"}, nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDuplicateID))
}

func TestFlatIndexIDsNeverReused(t *testing.T) {
	idx := newTestIndex(t, 2)
	require.NoError(t, idx.Add([][]float64{{1, 0}}, []string{"a"}, nil))

	idx.Delete([]string{"a"})
	err := idx.Add([][]float64{{0, 1}}, []string{"a"}, nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDuplicateID), "tombstoned id must stay burned")

	// A rebuild discards the tombstone but not the id's history.
	idx.Rebuild()
	err = idx.Add([][]float64{{0, 1}}, []string{"a"}, nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDuplicateID))
}

func TestFlatIndexSearchCosineOrder(t *testing.T) {
	idx := newTestIndex(t, 3)

	// Unnormalized inputs: magnitude must not influence ranking.
	require.NoError(t, idx.Add(
		[][]float64{{10, 0, 0}, {0, 0.5, 0}, {3, 3, 0}},
		[]string{"x-axis", "y-axis", "diagonal"},
		[]EntryMetadata{{DocumentID: 1}, {DocumentID: 2}, {DocumentID: 3}},
	))

	results, err := idx.Search([]float64{1, 0.1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "x-axis", results[0].ID)
	assert.Equal(t, "diagonal", results[1].ID)
	assert.Equal(t, "y-axis", results[2].ID)
	assert.Equal(t, uint(1), results[0].Metadata.DocumentID)

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
	}
	assert.Greater(t, results[0].Similarity, 0.9)
}

func TestFlatIndexSearchTieBreakInsertionOrder(t *testing.T) {
	idx := newTestIndex(t, 2)

	// Identical directions: equal similarity, insertion order decides.
	require.NoError(t, idx.Add(
		[][]float64{{2, 0}, {5, 0}, {1, 0}},
		[]string{"first", "second", "third"},
		nil,
	))

	results, err := idx.Search([]float64{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"first", "second", "third"},
		[]string{results[0].ID, results[1].ID, results[2].ID})
}

func TestFlatIndexSearchExcludesTombstones(t *testing.T) {
	idx := newTestIndex(t, 2)
	require.NoError(t, idx.Add(
		[][]float64{{1, 0}, {0.9, 0.1}},
		[]string{"keep", "drop"},
		nil,
	))

	idx.Delete([]string{"drop"})
	assert.Equal(t, 1, idx.Count())
	assert.Equal(t, 1, idx.TombstoneCount())

	results, err := idx.Search([]float64{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "keep", results[0].ID)
}

func TestFlatIndexDeleteIdempotent(t *testing.T) {
	idx := newTestIndex(t, 2)
	require.NoError(t, idx.Add([][]float64{{1, 0}}, []string{"a"}, nil))

	idx.Delete([]string{"a"})
	idx.Delete([]string{"a", "never-existed"})
	assert.Equal(t, 1, idx.TombstoneCount())
	assert.Equal(t, 0, idx.Count())
}

func TestFlatIndexSearchEmptyAndDimension(t *testing.T) {
	idx := newTestIndex(t, 2)

	results, err := idx.Search([]float64{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = idx.Search([]float64{1, 0, 0}, 5)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDimensionMismatch))
}

func TestFlatIndexRebuildPreservesLiveEntries(t *testing.T) {
	idx := newTestIndex(t, 2)
	require.NoError(t, idx.Add(
		[][]float64{{1, 0}, {0, 1}, {1, 1}},
		[]string{"a", "b", "c"},
		[]EntryMetadata{{DocumentID: 1}, {DocumentID: 2}, {DocumentID: 3}},
	))
	idx.Delete([]string{"b"})

	before, err := idx.Search([]float64{1, 0}, 5)
	require.NoError(t, err)

	idx.Rebuild()
	assert.Equal(t, 2, idx.Count())
	assert.Equal(t, 0, idx.TombstoneCount())

	after, err := idx.Search([]float64{1, 0}, 5)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rebuild must not change search results")
	assert.Equal(t, uint(3), after[1].Metadata.DocumentID)
}

func TestFlatIndexAutoRebuildAboveThreshold(t *testing.T) {
	idx := NewFlatIndex(IndexConfig{Dimension: 2, RebuildThreshold: 0.25}, nil)
	require.NoError(t, idx.Add(
		[][]float64{{1, 0}, {0, 1}, {1, 1}, {1, 2}},
		[]string{"a", "b", "c", "d"},
		nil,
	))

	// 1/4 tombstoned: at the threshold, not above it.
	idx.Delete([]string{"a"})
	assert.Equal(t, 1, idx.TombstoneCount())

	// 2/4 crosses it; the rebuild clears the backlog.
	idx.Delete([]string{"b"})
	assert.Equal(t, 0, idx.TombstoneCount())
	assert.Equal(t, 2, idx.Count())
}

func TestFlatIndexZeroVector(t *testing.T) {
	idx := newTestIndex(t, 2)
	require.NoError(t, idx.Add(
		[][]float64{{0, 0}, {1, 0}},
		[]string{"zero", "unit"},
		nil,
	))

	results, err := idx.Search([]float64{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "unit", results[0].ID)
	assert.InDelta(t, 0, results[1].Similarity, 1e-9)
}

func TestFlatIndexSearchProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dim := rapid.IntRange(2, 6).Draw(t, "dim")
		n := rapid.IntRange(0, 20).Draw(t, "n")

		idx := NewFlatIndex(IndexConfig{Dimension: dim}, nil)
		gen := rapid.Float64Range(-10, 10)

		vectors := make([][]float64, n)
		ids := make([]string, n)
		for i := range vectors {
			vec := make([]float64, dim)
			for d := range vec {
				vec[d] = gen.Draw(t, fmt.Sprintf("v%d_%d", i, d))
			}
			vectors[i] = vec
			ids[i] = fmt.Sprintf("id-%d", i)
		}
		if n > 0 {
			require.NoError(t, idx.Add(vectors, ids, nil))
		}

		deleted := map[string]struct{}{}
		for i := 0; i < n; i++ {
			if rapid.Bool().Draw(t, fmt.Sprintf("del%d", i)) {
				idx.Delete([]string{ids[i]})
				deleted[ids[i]] = struct{}{}
			}
		}

		query := make([]float64, dim)
		for d := range query {
			query[d] = gen.Draw(t, fmt.Sprintf("q%d", d))
		}
		topK := rapid.IntRange(1, 25).Draw(t, "topK")

		results, err := idx.Search(query, topK)
		require.NoError(t, err)

		live := n - len(deleted)
		expect := topK
		if live < expect {
			expect = live
		}
		require.Len(t, results, expect)

		for i, r := range results {
			_, dead := deleted[r.ID]
			require.False(t, dead, "tombstoned entry surfaced")
			require.LessOrEqual(t, r.Similarity, 1+1e-9)
			require.GreaterOrEqual(t, r.Similarity, -1-1e-9)
			require.False(t, math.IsNaN(r.Similarity))
			if i > 0 {
				require.GreaterOrEqual(t, results[i-1].Similarity, r.Similarity)
			}
		}
	})
}
