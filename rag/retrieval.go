package rag

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/knowledgeflow/types"
)

// ScopeGlobal marks a document or chunk visible to every requester.
const ScopeGlobal = ""

// ChunkRef is a resolved retrieval candidate: the chunk's persisted identity
// and text together with the similarity of the vector entry that produced it.
type ChunkRef struct {
	ChunkID    uint    `json:"chunk_id"`
	DocumentID uint    `json:"document_id"`
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	Scope      string  `json:"scope,omitempty"`
	VectorID   string  `json:"vector_id"`
	Similarity float64 `json:"similarity"`
}

// ChunkResolver looks up persisted chunks for the retrieval engine. It is a
// lookup-only dependency; chunk persistence is owned elsewhere.
type ChunkResolver interface {
	// ChunkByVectorID returns the live chunk backing a vector id, or
	// (nil, nil) when no such chunk exists.
	ChunkByVectorID(ctx context.Context, vectorID string) (*ChunkRef, error)

	// VectorIDsForDocument returns every vector id recorded for the
	// document regardless of scope. Deletion must reach private chunks
	// too, so compensating index deletes go through this, not a
	// scope-filtered lookup.
	VectorIDsForDocument(ctx context.Context, documentID uint) ([]string, error)
}

// RetrievalPolicy bundles the per-query retrieval parameters.
type RetrievalPolicy struct {
	// Maximum number of chunks returned
	TopK int `json:"top_k"`
	// Minimum cosine similarity for a candidate to be kept
	SimilarityFloor float64 `json:"similarity_floor"`
	// Candidate pool multiplier applied to TopK on the first pass;
	// oversampling compensates for candidates dropped by filtering
	Oversample int `json:"oversample"`
	// Retry once with a doubled pool when filtering leaves fewer than TopK
	AdaptiveWiden bool `json:"adaptive_widen"`
}

// DefaultRetrievalPolicy returns the default retrieval policy.
func DefaultRetrievalPolicy() RetrievalPolicy {
	return RetrievalPolicy{
		TopK:            5,
		SimilarityFloor: 0.3,
		Oversample:      2,
		AdaptiveWiden:   true,
	}
}

// Engine turns a query embedding into a ranked, access-filtered list of chunk
// references. Access control happens here and nowhere else: the vector index
// has no notion of identity, so the scope gate must not be left to callers.
type Engine struct {
	index    *FlatIndex
	resolver ChunkResolver
	logger   *zap.Logger
}

// NewEngine creates a retrieval engine over the given index and resolver.
func NewEngine(index *FlatIndex, resolver ChunkResolver, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		index:    index,
		resolver: resolver,
		logger:   logger,
	}
}

// Retrieve returns up to policy.TopK chunk references ordered by descending
// similarity, keeping only candidates that clear the similarity floor, still
// have a live backing chunk, and are visible to requesterScope (global chunks
// or chunks owned by that exact scope).
//
// Too few results is not an error: an empty or sparse index, or aggressive
// filtering, yields a short or empty list.
func (e *Engine) Retrieve(ctx context.Context, queryEmbedding []float64, requesterScope string, policy RetrievalPolicy) ([]ChunkRef, error) {
	if policy.TopK <= 0 {
		return []ChunkRef{}, nil
	}
	if policy.Oversample < 1 {
		policy.Oversample = 1
	}

	pool := policy.TopK * policy.Oversample
	accepted, exhausted, err := e.retrieveOnce(ctx, queryEmbedding, requesterScope, policy, pool)
	if err != nil {
		return nil, err
	}

	// The fixed oversampling factor is a heuristic; when filtering ate into
	// the pool and the index still has unseen candidates, one widened pass
	// recovers results that a short list would have dropped.
	if policy.AdaptiveWiden && len(accepted) < policy.TopK && !exhausted {
		widened := pool * 2
		e.logger.Debug("widening candidate pool",
			zap.Int("accepted", len(accepted)),
			zap.Int("pool", pool),
			zap.Int("widened", widened))
		accepted, _, err = e.retrieveOnce(ctx, queryEmbedding, requesterScope, policy, widened)
		if err != nil {
			return nil, err
		}
	}

	return accepted, nil
}

// retrieveOnce runs a single search-filter-resolve pass. exhausted reports
// whether the pass saw every candidate the index could offer.
func (e *Engine) retrieveOnce(ctx context.Context, queryEmbedding []float64, requesterScope string, policy RetrievalPolicy, pool int) (accepted []ChunkRef, exhausted bool, err error) {
	results, err := e.index.Search(queryEmbedding, pool)
	if err != nil {
		return nil, false, fmt.Errorf("index search: %w", err)
	}
	exhausted = len(results) < pool

	accepted = make([]ChunkRef, 0, policy.TopK)
	var droppedFloor, droppedStale, droppedScope int

	// Candidates arrive similarity-descending, so the accepted list stays
	// similarity-ordered without re-sorting.
	for _, result := range results {
		if result.Similarity < policy.SimilarityFloor {
			droppedFloor++
			continue
		}

		chunk, err := e.resolver.ChunkByVectorID(ctx, result.ID)
		if err != nil {
			return nil, false, fmt.Errorf("resolve vector id %s: %w", result.ID, err)
		}
		if chunk == nil {
			// The backing chunk vanished; the entry is stale. Dropped and
			// logged rather than failing the query.
			droppedStale++
			e.logger.Warn("dropping stale vector entry",
				zap.String("vector_id", result.ID),
				zap.Uint("document_id", result.Metadata.DocumentID),
				zap.Error(types.NewErrorf(types.ErrStaleReference,
					"vector %s has no backing chunk", result.ID)))
			continue
		}

		if chunk.Scope != ScopeGlobal && chunk.Scope != requesterScope {
			droppedScope++
			continue
		}

		chunk.Similarity = result.Similarity
		accepted = append(accepted, *chunk)
		if len(accepted) >= policy.TopK {
			break
		}
	}

	e.logger.Debug("retrieval pass",
		zap.Int("candidates", len(results)),
		zap.Int("accepted", len(accepted)),
		zap.Int("dropped_floor", droppedFloor),
		zap.Int("dropped_stale", droppedStale),
		zap.Int("dropped_scope", droppedScope))

	return accepted, exhausted, nil
}
