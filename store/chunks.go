package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/BaSui01/knowledgeflow/rag"
)

// ChunkRepository adapts chunk rows to the retrieval core's ChunkWriter and
// ChunkResolver ports.
type ChunkRepository struct {
	store *Store
}

// Chunks returns the chunk repository.
func (s *Store) Chunks() *ChunkRepository {
	return &ChunkRepository{store: s}
}

var (
	_ rag.ChunkWriter   = (*ChunkRepository)(nil)
	_ rag.ChunkResolver = (*ChunkRepository)(nil)
)

// CreateChunks stores a batch of chunk records in one transaction.
func (r *ChunkRepository) CreateChunks(ctx context.Context, chunks []rag.ChunkRef) error {
	if len(chunks) == 0 {
		return nil
	}
	rows := make([]DocumentChunk, len(chunks))
	for i, c := range chunks {
		rows[i] = DocumentChunk{
			DocumentID: c.DocumentID,
			ChunkIndex: c.Index,
			Text:       c.Text,
			Scope:      c.Scope,
			VectorID:   c.VectorID,
		}
	}
	return r.store.db.WithContext(ctx).Create(&rows).Error
}

// ChunkByVectorID returns the chunk backing a vector id, or (nil, nil) when
// the row no longer exists.
func (r *ChunkRepository) ChunkByVectorID(ctx context.Context, vectorID string) (*rag.ChunkRef, error) {
	var row DocumentChunk
	err := r.store.db.WithContext(ctx).Where("vector_id = ?", vectorID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ref := toChunkRef(row)
	return &ref, nil
}

// ChunksForDocument returns a document's chunks in sequence order, restricted
// to rows visible to scope.
func (r *ChunkRepository) ChunksForDocument(ctx context.Context, documentID uint, scope string) ([]rag.ChunkRef, error) {
	var rows []DocumentChunk
	err := r.store.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Where("scope = ? OR scope = ''", scope).
		Order("chunk_index ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	refs := make([]rag.ChunkRef, len(rows))
	for i, row := range rows {
		refs[i] = toChunkRef(row)
	}
	return refs, nil
}

// VectorIDsForDocument returns every vector id recorded for the document,
// regardless of scope, so index deletion reaches private chunks too.
func (r *ChunkRepository) VectorIDsForDocument(ctx context.Context, documentID uint) ([]string, error) {
	var ids []string
	err := r.store.db.WithContext(ctx).
		Model(&DocumentChunk{}).
		Where("document_id = ?", documentID).
		Pluck("vector_id", &ids).Error
	return ids, err
}

func toChunkRef(row DocumentChunk) rag.ChunkRef {
	return rag.ChunkRef{
		ChunkID:    row.ID,
		DocumentID: row.DocumentID,
		Index:      row.ChunkIndex,
		Text:       row.Text,
		Scope:      row.Scope,
		VectorID:   row.VectorID,
	}
}
