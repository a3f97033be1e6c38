package rag

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/BaSui01/knowledgeflow/types"
)

// memResolver is an in-memory ChunkResolver for engine tests.
type memResolver struct {
	chunks map[string]ChunkRef
	calls  int
}

func newMemResolver() *memResolver {
	return &memResolver{chunks: map[string]ChunkRef{}}
}

func (r *memResolver) put(c ChunkRef) { r.chunks[c.VectorID] = c }

func (r *memResolver) ChunkByVectorID(_ context.Context, vectorID string) (*ChunkRef, error) {
	r.calls++
	c, ok := r.chunks[vectorID]
	if !ok {
		return nil, nil
	}
	out := c
	return &out, nil
}

func (r *memResolver) VectorIDsForDocument(_ context.Context, documentID uint) ([]string, error) {
	var ids []string
	for _, c := range r.chunks {
		if c.DocumentID == documentID {
			ids = append(ids, c.VectorID)
		}
	}
	return ids, nil
}

// addEntry indexes a vector and registers its chunk. Accepts require.TestingT
// so property tests can pass a *rapid.T.
func addEntry(t require.TestingT, idx *FlatIndex, r *memResolver, id string, vec []float64, docID uint, scope string) {
	if h, ok := t.(interface{ Helper() }); ok {
		h.Helper()
	}
	require.NoError(t, idx.Add([][]float64{vec}, []string{id},
		[]EntryMetadata{{DocumentID: docID, Scope: scope}}))
	if r != nil {
		r.put(ChunkRef{DocumentID: docID, Text: "chunk " + id, Scope: scope, VectorID: id})
	}
}

func TestEngineSimilarityFloor(t *testing.T) {
	idx := NewFlatIndex(IndexConfig{Dimension: 2}, nil)
	r := newMemResolver()
	// Cosine similarities against query (1,0): 0.95, 0.82, 0.5.
	addEntry(t, idx, r, "hi", []float64{0.95, 0.3122}, 1, ScopeGlobal)
	addEntry(t, idx, r, "mid", []float64{0.82, 0.5724}, 2, ScopeGlobal)
	addEntry(t, idx, r, "low", []float64{0.5, 0.8660}, 3, ScopeGlobal)

	engine := NewEngine(idx, r, nil)
	got, err := engine.Retrieve(context.Background(), []float64{1, 0}, ScopeGlobal,
		RetrievalPolicy{TopK: 5, SimilarityFloor: 0.8, Oversample: 2})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].VectorID)
	assert.Equal(t, "mid", got[1].VectorID)
	assert.InDelta(t, 0.95, got[0].Similarity, 1e-3)
	assert.InDelta(t, 0.82, got[1].Similarity, 1e-3)
}

func TestEngineScopeGate(t *testing.T) {
	idx := NewFlatIndex(IndexConfig{Dimension: 2}, nil)
	r := newMemResolver()
	addEntry(t, idx, r, "global", []float64{1, 0}, 1, ScopeGlobal)
	addEntry(t, idx, r, "mine", []float64{0.99, 0.141}, 2, "team-a")
	addEntry(t, idx, r, "theirs", []float64{0.98, 0.199}, 3, "team-b")

	engine := NewEngine(idx, r, nil)
	policy := RetrievalPolicy{TopK: 5, SimilarityFloor: 0, Oversample: 2}

	got, err := engine.Retrieve(context.Background(), []float64{1, 0}, "team-a", policy)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "global", got[0].VectorID)
	assert.Equal(t, "mine", got[1].VectorID)

	// A requester with no scope sees only global chunks.
	got, err = engine.Retrieve(context.Background(), []float64{1, 0}, ScopeGlobal, policy)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "global", got[0].VectorID)
}

func TestEngineDropsStaleEntries(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	idx := NewFlatIndex(IndexConfig{Dimension: 2}, nil)
	r := newMemResolver()
	addEntry(t, idx, r, "live", []float64{0.9, 0.436}, 1, ScopeGlobal)
	// Indexed but never registered with the resolver: a stale reference.
	require.NoError(t, idx.Add([][]float64{{1, 0}}, []string{"stale"},
		[]EntryMetadata{{DocumentID: 9}}))

	engine := NewEngine(idx, r, zap.New(core))
	got, err := engine.Retrieve(context.Background(), []float64{1, 0}, ScopeGlobal,
		RetrievalPolicy{TopK: 5, SimilarityFloor: 0, Oversample: 2})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "live", got[0].VectorID)

	// The drop is logged with the stale-reference code.
	entries := logs.FilterMessage("dropping stale vector entry").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "stale", fields["vector_id"])
	errMsg, _ := fields["error"].(string)
	assert.Contains(t, errMsg, string(types.ErrStaleReference))
}

func TestEngineAdaptiveWiden(t *testing.T) {
	idx := NewFlatIndex(IndexConfig{Dimension: 2}, nil)
	r := newMemResolver()

	// Two high-similarity entries for the wrong scope fill the initial
	// pool (TopK*Oversample = 2); the requester's own chunk ranks third
	// and only a widened pass reaches it.
	addEntry(t, idx, r, "blocked1", []float64{1, 0}, 1, "team-b")
	addEntry(t, idx, r, "blocked2", []float64{0.99, 0.141}, 2, "team-b")
	addEntry(t, idx, r, "visible", []float64{0.9, 0.436}, 3, "team-a")

	engine := NewEngine(idx, r, nil)
	base := RetrievalPolicy{TopK: 1, SimilarityFloor: 0, Oversample: 2}

	widened := base
	widened.AdaptiveWiden = true
	got, err := engine.Retrieve(context.Background(), []float64{1, 0}, "team-a", widened)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "visible", got[0].VectorID)

	got, err = engine.Retrieve(context.Background(), []float64{1, 0}, "team-a", base)
	require.NoError(t, err)
	assert.Empty(t, got, "without widening the pool never reaches the visible chunk")
}

func TestEngineEmptyIndex(t *testing.T) {
	idx := NewFlatIndex(IndexConfig{Dimension: 2}, nil)
	engine := NewEngine(idx, newMemResolver(), nil)

	got, err := engine.Retrieve(context.Background(), []float64{1, 0}, ScopeGlobal,
		DefaultRetrievalPolicy())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEngineScopeGateProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		idx := NewFlatIndex(IndexConfig{Dimension: 3}, nil)
		r := newMemResolver()
		scopes := []string{ScopeGlobal, "alpha", "beta", "gamma"}

		n := rapid.IntRange(1, 15).Draw(t, "n")
		gen := rapid.Float64Range(-1, 1)
		for i := 0; i < n; i++ {
			vec := []float64{
				gen.Draw(t, fmt.Sprintf("x%d", i)),
				gen.Draw(t, fmt.Sprintf("y%d", i)),
				gen.Draw(t, fmt.Sprintf("z%d", i)),
			}
			scope := rapid.SampledFrom(scopes).Draw(t, fmt.Sprintf("scope%d", i))
			addEntry(t, idx, r, fmt.Sprintf("v%d", i), vec, uint(i), scope)
		}

		requester := rapid.SampledFrom(scopes).Draw(t, "requester")
		topK := rapid.IntRange(1, 8).Draw(t, "topK")

		engine := NewEngine(idx, r, nil)
		got, err := engine.Retrieve(context.Background(),
			[]float64{1, 0.5, -0.5}, requester,
			RetrievalPolicy{TopK: topK, SimilarityFloor: -1, Oversample: 2, AdaptiveWiden: true})
		require.NoError(t, err)

		require.LessOrEqual(t, len(got), topK)
		for i, c := range got {
			require.True(t, c.Scope == ScopeGlobal || c.Scope == requester,
				"chunk %s leaked across scope %q to %q", c.VectorID, c.Scope, requester)
			if i > 0 {
				require.GreaterOrEqual(t, got[i-1].Similarity, c.Similarity)
			}
		}
	})
}
