package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/knowledgeflow/config"
	"github.com/BaSui01/knowledgeflow/embedding"
	"github.com/BaSui01/knowledgeflow/internal/cache"
	"github.com/BaSui01/knowledgeflow/internal/metrics"
	"github.com/BaSui01/knowledgeflow/rag"
	"github.com/BaSui01/knowledgeflow/store"
	"github.com/BaSui01/knowledgeflow/types"
)

// server wires config into the retrieval service and exposes it over HTTP.
type server struct {
	cfg      *config.Config
	addr     string
	logger   *zap.Logger
	registry *prometheus.Registry

	store   *store.Store
	service *rag.Service
}

func newServer(cfg *config.Config, addr string, logger *zap.Logger) (*server, error) {
	s := &server{
		cfg:      cfg,
		addr:     addr,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}
	s.store = st

	provider, err := buildProvider(cfg.Embedding, cfg.Index.Dimension)
	if err != nil {
		return nil, err
	}

	index := rag.NewFlatIndex(rag.IndexConfig{
		Dimension:        cfg.Index.Dimension,
		RebuildThreshold: cfg.Index.RebuildThreshold,
	}, logger)
	if cfg.Index.Path != "" {
		if err := index.LoadOrInit(cfg.Index.Path, cfg.Index.AllowEmptyStart); err != nil {
			return nil, err
		}
	}

	var tokenizer rag.Tokenizer
	if cfg.Chunking.TokenizerModel != "" {
		tok, err := rag.NewTiktokenTokenizer(cfg.Chunking.TokenizerModel, logger)
		if err != nil {
			logger.Warn("tokenizer unavailable, falling back to estimation", zap.Error(err))
			tokenizer = rag.EstimateTokenizer{}
		} else {
			tokenizer = tok
		}
	}

	var cacheManager *cache.Manager
	if cfg.Cache.Enabled {
		cacheManager, err = cache.NewManager(context.Background(), cache.Config{
			Addr:       cfg.Cache.Addr,
			Password:   cfg.Cache.Password,
			DB:         cfg.Cache.DB,
			DefaultTTL: cfg.Cache.TTL,
		}, logger)
		if err != nil {
			// The cache is an accelerator, not a dependency.
			logger.Warn("answer cache unavailable, continuing without it", zap.Error(err))
			cacheManager = nil
		}
	}

	chunks := st.Chunks()
	svc, err := rag.NewService(rag.ServiceConfig{
		Retrieval: rag.RetrievalPolicy{
			TopK:            cfg.Retrieval.TopK,
			SimilarityFloor: cfg.Retrieval.SimilarityFloor,
			Oversample:      cfg.Retrieval.Oversample,
			AdaptiveWiden:   cfg.Retrieval.AdaptiveWiden,
		},
		MaxContextTurns:  cfg.Conversation.MaxTurns,
		SnapshotPath:     cfg.Index.Path,
		SnapshotOnIngest: cfg.Index.SnapshotOnIngest,
	}, rag.ServiceDeps{
		Chunker: rag.NewChunker(rag.ChunkingConfig{
			ChunkSize:    cfg.Chunking.ChunkSize,
			ChunkOverlap: cfg.Chunking.ChunkOverlap,
		}, tokenizer, logger),
		Provider: provider,
		Index:    index,
		Resolver: chunks,
		Writer:   chunks,
		History:  st.History(),
		Cache:    cacheManager,
		Metrics:  metrics.NewCollector("knowledgeflow", s.registry, logger),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	s.service = svc

	return s, nil
}

// buildProvider constructs the configured embedding provider, pinned to the
// index dimension so the service's dimension check holds.
func buildProvider(cfg config.EmbeddingConfig, dimension int) (embedding.Provider, error) {
	switch cfg.Provider {
	case "openai", "":
		return embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			Model:        cfg.Model,
			Dimensions:   dimension,
			Timeout:      cfg.Timeout,
			RateLimitRPS: cfg.RateLimitRPS,
		}), nil
	case "local":
		return embedding.NewLocalProvider(dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// Run serves HTTP until SIGINT/SIGTERM, then shuts down gracefully.
func (s *server) Run() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/v1/documents", s.handleDocuments)
	mux.HandleFunc("/api/v1/documents/", s.handleDocumentByID)
	mux.HandleFunc("/api/v1/query", s.handleQuery)
	mux.HandleFunc("/api/v1/sessions/clear", s.handleClearSession)

	httpServer := &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		s.logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", zap.Error(err))
	}
	if err := s.service.Close(); err != nil {
		s.logger.Error("service close failed", zap.Error(err))
	}
	return s.store.Close()
}

type ingestRequest struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	Scope string `json:"scope"`
}

type queryRequest struct {
	Query     string `json:"query"`
	Scope     string `json:"scope"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type clearSessionRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"vectors": s.service.IndexSize(),
		"version": Version,
	})
}

// handleDocuments registers a document and runs the full ingestion pipeline
// on POST, and lists documents on GET.
func (s *server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleIngest(w, r)
	case http.MethodGet:
		docs, err := s.store.ListDocuments(r.Context(), r.URL.Query().Get("scope"), 0)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, types.NewError(types.ErrInvalidRequest, "invalid request body").WithCause(err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, types.NewError(types.ErrInvalidRequest, "text must not be empty"))
		return
	}

	ctx := r.Context()
	doc, err := s.store.CreateDocument(ctx, req.Title, req.Scope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.MarkProcessing(ctx, doc.ID); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.service.Ingest(ctx, doc.ID, req.Text, req.Scope)
	if err != nil {
		// Roll back the vectors that made it in before the failure.
		if len(result.VectorIDs) > 0 {
			if _, derr := s.service.DeleteDocument(ctx, doc.ID); derr != nil {
				s.logger.Error("compensating delete failed",
					zap.Uint("document_id", doc.ID), zap.Error(derr))
			}
		}
		if merr := s.store.MarkFailed(ctx, doc.ID, err); merr != nil {
			s.logger.Error("failed to mark document failed",
				zap.Uint("document_id", doc.ID), zap.Error(merr))
		}
		s.writeError(w, err)
		return
	}

	if err := s.store.MarkCompleted(ctx, doc.ID, result.ChunksCreated); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *server) handleDocumentByID(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/api/v1/documents/")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		s.writeError(w, types.NewErrorf(types.ErrInvalidRequest, "invalid document id %q", idStr))
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		doc, err := s.store.GetDocument(ctx, uint(id))
		if err != nil {
			s.writeError(w, err)
			return
		}
		chunks, err := s.store.Chunks().ChunksForDocument(ctx, doc.ID, doc.Scope)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": doc, "chunks": chunks})

	case http.MethodDelete:
		doc, err := s.store.GetDocument(ctx, uint(id))
		if err != nil {
			s.writeError(w, err)
			return
		}
		removed, err := s.service.DeleteDocument(ctx, doc.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.store.DeleteDocument(ctx, doc.ID); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document_id": doc.ID, "vectors_removed": removed})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, types.NewError(types.ErrInvalidRequest, "invalid request body").WithCause(err))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, types.NewError(types.ErrInvalidRequest, "query must not be empty"))
		return
	}

	answer, err := s.service.Answer(r.Context(), req.Query, req.Scope, req.UserID, req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req clearSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, types.NewError(types.ErrInvalidRequest, "invalid request body").WithCause(err))
		return
	}
	removed, err := s.service.ClearSession(r.Context(), req.UserID, req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns_removed": removed})
}

// writeError maps structured error codes to HTTP status codes.
func (s *server) writeError(w http.ResponseWriter, err error) {
	code := types.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case types.ErrInvalidRequest, types.ErrDimensionMismatch, types.ErrDuplicateID:
		status = http.StatusBadRequest
	case types.ErrDocumentNotFound:
		status = http.StatusNotFound
	case types.ErrEmbeddingFailure, types.ErrUpstreamError:
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  string(code),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
