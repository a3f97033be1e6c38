package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/BaSui01/knowledgeflow/types"
)

// CreateDocument registers a new document in pending state.
func (s *Store) CreateDocument(ctx context.Context, title, scope string) (*Document, error) {
	doc := &Document{
		Title:  title,
		Scope:  scope,
		Status: DocumentStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return nil, err
	}
	return doc, nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id uint) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).First(&doc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrDocumentNotFound, "document %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// MarkProcessing moves a document into the processing state.
func (s *Store) MarkProcessing(ctx context.Context, id uint) error {
	return s.setStatus(ctx, id, DocumentStatusProcessing, "", 0)
}

// MarkCompleted records a successful ingestion with its chunk count.
func (s *Store) MarkCompleted(ctx context.Context, id uint, chunkCount int) error {
	return s.setStatus(ctx, id, DocumentStatusCompleted, "", chunkCount)
}

// MarkFailed records an ingestion failure with its cause for operators.
func (s *Store) MarkFailed(ctx context.Context, id uint, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.setStatus(ctx, id, DocumentStatusFailed, msg, 0)
}

func (s *Store) setStatus(ctx context.Context, id uint, status, errorMessage string, chunkCount int) error {
	updates := map[string]any{
		"status":        status,
		"error_message": errorMessage,
	}
	if chunkCount > 0 {
		updates["chunk_count"] = chunkCount
	}
	result := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.NewErrorf(types.ErrDocumentNotFound, "document %d", id)
	}
	return nil
}

// DeleteDocument removes the document row and its chunk rows. Vector index
// cleanup is the service's job and must happen before this call, while the
// chunk rows still map vector ids to the document.
func (s *Store) DeleteDocument(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&DocumentChunk{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&Document{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return types.NewErrorf(types.ErrDocumentNotFound, "document %d", id)
		}
		return nil
	})
}

// ListDocuments returns documents visible to scope, newest first.
func (s *Store) ListDocuments(ctx context.Context, scope string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 100
	}
	var docs []Document
	q := s.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if scope != "" {
		q = q.Where("scope = ? OR scope = ''", scope)
	} else {
		q = q.Where("scope = ''")
	}
	if err := q.Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}
