/*
Package rag implements the retrieval core of knowledgeflow: document chunking,
a cosine-similarity vector index with tombstone deletion and durable
snapshots, scope-filtered retrieval, conversation context assembly, and the
orchestrating Service that ties them together.

# Core types

  - Chunker: splits normalized document text into bounded, overlapping
    segments with stable 0-based indices and character spans
  - FlatIndex: exact nearest-neighbor index over L2-normalized vectors;
    batch add, tombstone delete, atomic rebuild, snapshot/restore
  - Engine: retrieval with oversampling, similarity floor, stale-reference
    dropping and per-requester scope filtering
  - ContextAssembler: bounded, oldest-first conversation context windows
  - Service: the only entry point external callers touch: Ingest and Answer

# Collaborator ports

  - ChunkResolver / ChunkWriter: chunk metadata persistence
  - HistoryStore: conversation turn persistence
  - embedding.Provider: text-to-vector capability
*/
package rag
