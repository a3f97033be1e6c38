package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/knowledgeflow/embedding"
	"github.com/BaSui01/knowledgeflow/internal/cache"
	"github.com/BaSui01/knowledgeflow/internal/metrics"
	"github.com/BaSui01/knowledgeflow/types"
)

// ChunkWriter persists chunk records at ingestion time.
type ChunkWriter interface {
	// CreateChunks stores a document's chunk records in one batch.
	CreateChunks(ctx context.Context, chunks []ChunkRef) error
}

// ServiceConfig configures the orchestrating service.
type ServiceConfig struct {
	// Retrieval policy applied to Answer calls
	Retrieval RetrievalPolicy `json:"retrieval"`
	// Maximum prior turns included in assembled context
	MaxContextTurns int `json:"max_context_turns"`
	// Snapshot base path; empty disables snapshotting
	SnapshotPath string `json:"snapshot_path"`
	// Snapshot the index after every successful ingest
	SnapshotOnIngest bool `json:"snapshot_on_ingest"`
}

// IngestResult reports what an ingestion run accomplished. On failure it
// still carries every vector id that was added before the failure, so the
// document lifecycle owner can issue compensating deletes.
type IngestResult struct {
	DocumentID    uint     `json:"document_id"`
	ChunksCreated int      `json:"chunks_created"`
	VectorIDs     []string `json:"vector_ids"`
}

// AnswerResult is the retrieval half of answering a query: the ranked,
// access-filtered chunks and the assembled conversation context. Generation
// itself happens outside this core.
type AnswerResult struct {
	SessionID string     `json:"session_id"`
	Chunks    []ChunkRef `json:"chunks"`
	Context   []Message  `json:"context"`
	// Document ids of the top-ranked chunks, deduplicated, at most three
	Sources []uint `json:"sources"`
}

// retrievalCacheEntry is what the answer cache stores: retrieval output only.
// Conversation context is always assembled fresh, since it changes with every
// turn.
type retrievalCacheEntry struct {
	Chunks  []ChunkRef `json:"chunks"`
	Sources []uint     `json:"sources"`
}

// Service composes the chunker, embedding provider, vector index, retrieval
// engine and context assembler into the two operations external callers use:
// Ingest and Answer. All collaborators are injected at construction; the
// service owns no hidden process-wide state.
type Service struct {
	config    ServiceConfig
	chunker   *Chunker
	provider  embedding.Provider
	index     *FlatIndex
	engine    *Engine
	assembler *ContextAssembler
	history   HistoryStore
	writer    ChunkWriter
	resolver  ChunkResolver
	cache     *cache.Manager     // optional
	metrics   *metrics.Collector // optional
	logger    *zap.Logger
}

// ServiceDeps bundles the collaborators a Service is built from. Cache and
// Metrics may be nil.
type ServiceDeps struct {
	Chunker  *Chunker
	Provider embedding.Provider
	Index    *FlatIndex
	Resolver ChunkResolver
	Writer   ChunkWriter
	History  HistoryStore
	Cache    *cache.Manager
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// NewService creates the orchestrating service.
func NewService(config ServiceConfig, deps ServiceDeps) (*Service, error) {
	if deps.Chunker == nil || deps.Provider == nil || deps.Index == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "chunker, provider and index are required")
	}
	if deps.Resolver == nil || deps.History == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "chunk resolver and history store are required")
	}
	if deps.Provider.Dimensions() != deps.Index.Dimension() {
		return nil, types.NewErrorf(types.ErrDimensionMismatch,
			"provider emits %d dims, index expects %d",
			deps.Provider.Dimensions(), deps.Index.Dimension())
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Retrieval.TopK <= 0 {
		config.Retrieval = DefaultRetrievalPolicy()
	}
	if config.MaxContextTurns <= 0 {
		config.MaxContextTurns = 10
	}

	return &Service{
		config:    config,
		chunker:   deps.Chunker,
		provider:  deps.Provider,
		index:     deps.Index,
		engine:    NewEngine(deps.Index, deps.Resolver, logger),
		assembler: NewContextAssembler(deps.History, config.MaxContextTurns, logger),
		history:   deps.History,
		writer:    deps.Writer,
		resolver:  deps.Resolver,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
		logger:    logger.With(zap.String("component", "rag-service")),
	}, nil
}

// Ingest chunks document text, embeds the chunks in provider-sized batches
// and appends them to the vector index. Chunk records are persisted through
// the ChunkWriter before their vectors are indexed, so retrieval never
// resolves a vector id to nothing for freshly ingested data.
//
// A failure partway through is surfaced, never swallowed: the returned
// IngestResult carries the vector ids already added, and it is the caller's
// responsibility to mark the document failed and delete those ids. There is
// no automatic rollback because index Add is append-only by design.
func (s *Service) Ingest(ctx context.Context, documentID uint, text, scope string) (*IngestResult, error) {
	start := time.Now()
	result := &IngestResult{DocumentID: documentID, VectorIDs: []string{}}

	chunks := s.chunker.Chunk(text)
	if len(chunks) == 0 {
		s.logger.Info("document produced no chunks",
			zap.Uint("document_id", documentID))
		return result, nil
	}

	err := s.ingestChunks(ctx, documentID, scope, chunks, result)

	if s.metrics != nil {
		s.metrics.RecordIngest(time.Since(start), result.ChunksCreated, err)
		s.metrics.SetIndexState(s.index.Count(), s.index.TombstoneCount())
	}
	if err != nil {
		s.logger.Error("ingestion failed",
			zap.Uint("document_id", documentID),
			zap.Int("chunks_indexed", result.ChunksCreated),
			zap.Int("chunks_total", len(chunks)),
			zap.Error(err))
		return result, err
	}

	if s.config.SnapshotOnIngest && s.config.SnapshotPath != "" {
		if err := s.index.Snapshot(s.config.SnapshotPath); err != nil {
			// The index itself is intact; only durability is degraded.
			s.logger.Error("post-ingest snapshot failed", zap.Error(err))
		}
	}

	s.logger.Info("document ingested",
		zap.Uint("document_id", documentID),
		zap.Int("chunks", result.ChunksCreated),
		zap.String("scope", scope),
		zap.Duration("elapsed", time.Since(start)))

	return result, nil
}

// ingestChunks runs the embed-persist-index loop batch by batch, appending
// progress to result as it goes.
func (s *Service) ingestChunks(ctx context.Context, documentID uint, scope string, chunks []Chunk, result *IngestResult) error {
	batchSize := s.provider.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = len(chunks)
	}

	for offset := 0; offset < len(chunks); offset += batchSize {
		end := offset + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[offset:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		vectors, err := s.provider.EmbedDocuments(ctx, texts)
		if err != nil {
			return types.NewErrorf(types.ErrEmbeddingFailure,
				"embed batch starting at chunk %d", offset).WithCause(err)
		}

		ids := make([]string, len(batch))
		refs := make([]ChunkRef, len(batch))
		meta := make([]EntryMetadata, len(batch))
		for i, c := range batch {
			ids[i] = newVectorID(documentID, c.Index)
			refs[i] = ChunkRef{
				DocumentID: documentID,
				Index:      c.Index,
				Text:       c.Text,
				Scope:      scope,
				VectorID:   ids[i],
			}
			meta[i] = EntryMetadata{
				DocumentID: documentID,
				ChunkIndex: c.Index,
				Scope:      scope,
				Extra: map[string]string{
					"start": strconv.Itoa(c.Start),
					"end":   strconv.Itoa(c.End),
				},
			}
		}

		if s.writer != nil {
			if err := s.writer.CreateChunks(ctx, refs); err != nil {
				return fmt.Errorf("persist chunk batch starting at %d: %w", offset, err)
			}
		}
		if err := s.index.Add(vectors, ids, meta); err != nil {
			return fmt.Errorf("index chunk batch starting at %d: %w", offset, err)
		}

		result.VectorIDs = append(result.VectorIDs, ids...)
		result.ChunksCreated += len(batch)
	}

	return nil
}

// Answer embeds the query once, retrieves access-filtered chunks and
// assembles the session's conversation context, returning both for the
// external generation step. The user turn is recorded in the session log. An
// empty index is not an error; it yields an empty chunk list.
func (s *Service) Answer(ctx context.Context, query, requesterScope, userID, sessionID string) (*AnswerResult, error) {
	start := time.Now()
	if sessionID == "" {
		sessionID = "session_" + userID
	}

	result := &AnswerResult{
		SessionID: sessionID,
		Chunks:    []ChunkRef{},
		Context:   []Message{},
		Sources:   []uint{},
	}

	// Query embedding and context assembly are independent; run them
	// concurrently.
	var queryEmbedding []float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := s.provider.EmbedQuery(gctx, query)
		if err != nil {
			return types.NewError(types.ErrEmbeddingFailure, "embed query").WithCause(err)
		}
		queryEmbedding = vec
		return nil
	})
	g.Go(func() error {
		msgs, err := s.assembler.Context(gctx, userID, sessionID)
		if err != nil {
			return fmt.Errorf("assemble context: %w", err)
		}
		result.Context = msgs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	chunks, err := s.retrieveCached(ctx, queryEmbedding, query, requesterScope)
	if s.metrics != nil {
		s.metrics.RecordSearch(time.Since(start), len(chunks), err)
	}
	if err != nil {
		return nil, err
	}
	result.Chunks = chunks
	result.Sources = topSources(chunks, 3)

	if err := s.history.Append(ctx, userID, sessionID, RoleUser, query, nil); err != nil {
		// History is best-effort at query time; retrieval output stands.
		s.logger.Warn("failed to record user turn", zap.Error(err))
	}

	s.logger.Info("query answered",
		zap.String("session_id", sessionID),
		zap.Int("chunks", len(chunks)),
		zap.Int("context_turns", len(result.Context)),
		zap.Duration("elapsed", time.Since(start)))

	return result, nil
}

// retrieveCached consults the answer cache when configured, falling back to a
// live retrieval pass on miss or cache error.
func (s *Service) retrieveCached(ctx context.Context, queryEmbedding []float64, query, requesterScope string) ([]ChunkRef, error) {
	if s.cache == nil {
		return s.engine.Retrieve(ctx, queryEmbedding, requesterScope, s.config.Retrieval)
	}

	key := retrievalCacheKey(query, requesterScope)
	var entry retrievalCacheEntry
	err := s.cache.GetJSON(ctx, key, &entry)
	switch {
	case err == nil:
		if s.metrics != nil {
			s.metrics.RecordCacheHit()
		}
		return entry.Chunks, nil
	case !cache.IsCacheMiss(err):
		s.logger.Warn("answer cache read failed", zap.Error(err))
	default:
		if s.metrics != nil {
			s.metrics.RecordCacheMiss()
		}
	}

	chunks, err := s.engine.Retrieve(ctx, queryEmbedding, requesterScope, s.config.Retrieval)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetJSON(ctx, key, retrievalCacheEntry{
		Chunks:  chunks,
		Sources: topSources(chunks, 3),
	}); err != nil {
		s.logger.Warn("answer cache write failed", zap.Error(err))
	}
	return chunks, nil
}

// RecordAssistantTurn appends the generated answer to the session log,
// annotated with the documents that contributed to it.
func (s *Service) RecordAssistantTurn(ctx context.Context, userID, sessionID, text string, sources []uint, numChunks int) error {
	meta := map[string]string{
		"num_chunks": strconv.Itoa(numChunks),
	}
	for i, src := range sources {
		meta["source_"+strconv.Itoa(i)] = strconv.FormatUint(uint64(src), 10)
	}
	return s.history.Append(ctx, userID, sessionID, RoleAssistant, text, meta)
}

// ClearSession drops a session's conversation log.
func (s *Service) ClearSession(ctx context.Context, userID, sessionID string) (int64, error) {
	return s.history.ClearSession(ctx, userID, sessionID)
}

// DeleteDocument tombstones every index entry belonging to the document,
// private chunks included, and invalidates the retrieval cache so repeat
// queries cannot keep serving the deleted chunks. Chunk and document record
// removal is owned by the caller; this is the compensating index-side
// operation.
func (s *Service) DeleteDocument(ctx context.Context, documentID uint) (int, error) {
	ids, err := s.resolver.VectorIDsForDocument(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("list vector ids for document %d: %w", documentID, err)
	}
	s.index.Delete(ids)

	if s.cache != nil {
		if err := s.cache.DeletePrefix(ctx, retrievalCachePrefix); err != nil {
			return len(ids), fmt.Errorf("invalidate retrieval cache: %w", err)
		}
	}

	if s.metrics != nil {
		s.metrics.SetIndexState(s.index.Count(), s.index.TombstoneCount())
	}
	s.logger.Info("document vectors tombstoned",
		zap.Uint("document_id", documentID),
		zap.Int("vectors", len(ids)))

	return len(ids), nil
}

// IndexSize returns the number of live vectors in the index.
func (s *Service) IndexSize() int {
	return s.index.Count()
}

// Snapshot persists the index to the configured snapshot path.
func (s *Service) Snapshot() error {
	if s.config.SnapshotPath == "" {
		return types.NewError(types.ErrInvalidRequest, "no snapshot path configured")
	}
	return s.index.Snapshot(s.config.SnapshotPath)
}

// Close flushes a final snapshot when configured and releases the cache
// connection.
func (s *Service) Close() error {
	var firstErr error
	if s.config.SnapshotPath != "" {
		if err := s.index.Snapshot(s.config.SnapshotPath); err != nil {
			firstErr = err
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newVectorID builds a globally unique vector id. The document and chunk
// index make ids traceable in logs; the uuid suffix keeps them unique across
// re-ingestions of the same document, since ids are never reused.
func newVectorID(documentID uint, chunkIndex int) string {
	return fmt.Sprintf("doc_%d_chunk_%d_%s", documentID, chunkIndex, uuid.NewString()[:8])
}

// topSources returns the first-seen document ids of ranked chunks, at most n.
func topSources(chunks []ChunkRef, n int) []uint {
	sources := make([]uint, 0, n)
	seen := make(map[uint]struct{}, n)
	for _, c := range chunks {
		if _, ok := seen[c.DocumentID]; ok {
			continue
		}
		seen[c.DocumentID] = struct{}{}
		sources = append(sources, c.DocumentID)
		if len(sources) >= n {
			break
		}
	}
	return sources
}

// retrievalCachePrefix namespaces cached retrieval results so deletion can
// invalidate them wholesale.
const retrievalCachePrefix = "retrieval:"

// retrievalCacheKey hashes the query and scope into a stable cache key.
func retrievalCacheKey(query, scope string) string {
	h := sha256.Sum256([]byte(scope + "\x00" + query))
	return retrievalCachePrefix + hex.EncodeToString(h[:16])
}
