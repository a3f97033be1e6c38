package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"time"
)

// LocalProvider is a deterministic, dependency-free embedding provider based
// on hashed word features. It is not semantically meaningful enough for
// production retrieval quality, but it is stable across runs (same text, same
// vector), which makes it suitable for tests and offline development.
type LocalProvider struct {
	dimensions int
	maxBatch   int
}

// NewLocalProvider creates a local hash-based provider with the given
// dimension.
func NewLocalProvider(dimensions int) *LocalProvider {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &LocalProvider{
		dimensions: dimensions,
		maxBatch:   512,
	}
}

func (p *LocalProvider) Name() string      { return "local-hash" }
func (p *LocalProvider) Dimensions() int   { return p.dimensions }
func (p *LocalProvider) MaxBatchSize() int { return p.maxBatch }

// Embed generates embeddings for the given inputs.
func (p *LocalProvider) Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	embeddings := make([]EmbeddingData, len(req.Input))
	for i, text := range req.Input {
		embeddings[i] = EmbeddingData{
			Index:     i,
			Embedding: p.embedText(text),
		}
	}

	return &EmbeddingResponse{
		Provider:   p.Name(),
		Model:      "hash-v1",
		Embeddings: embeddings,
		CreatedAt:  time.Now(),
	}, nil
}

// EmbedQuery embeds a single query.
func (p *LocalProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	resp, err := p.Embed(ctx, &EmbeddingRequest{Input: []string{query}, InputType: InputTypeQuery})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0].Embedding, nil
}

// EmbedDocuments embeds multiple documents.
func (p *LocalProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	resp, err := p.Embed(ctx, &EmbeddingRequest{Input: documents, InputType: InputTypeDocument})
	if err != nil {
		return nil, err
	}
	result := make([][]float64, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		result[i] = emb.Embedding
	}
	return result, nil
}

// embedText hashes lowercased word unigrams and bigrams into buckets and
// L2-normalizes the result.
func (p *LocalProvider) embedText(text string) []float64 {
	vec := make([]float64, p.dimensions)

	words := strings.Fields(strings.ToLower(text))
	for i, w := range words {
		vec[p.bucket(w)]++
		if i+1 < len(words) {
			vec[p.bucket(w+" "+words[i+1])]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func (p *LocalProvider) bucket(feature string) int {
	h := fnv.New32a()
	h.Write([]byte(feature))
	return int(h.Sum32() % uint32(p.dimensions))
}
