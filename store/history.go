package store

import (
	"context"
	"encoding/json"

	"github.com/BaSui01/knowledgeflow/rag"
)

// HistoryRepository adapts conversation turn rows to the retrieval core's
// HistoryStore port.
type HistoryRepository struct {
	store *Store
}

// History returns the conversation repository.
func (s *Store) History() *HistoryRepository {
	return &HistoryRepository{store: s}
}

var _ rag.HistoryStore = (*HistoryRepository)(nil)

// Append records a turn at the end of the (user, session) log.
func (r *HistoryRepository) Append(ctx context.Context, userID, sessionID, role, text string, metadata map[string]string) error {
	row := ConversationTurn{
		UserID:    userID,
		SessionID: sessionID,
		Role:      role,
		Text:      text,
	}
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		row.Metadata = string(encoded)
	}
	return r.store.db.WithContext(ctx).Create(&row).Error
}

// Recent returns at most limit of the newest turns for the session, ordered
// oldest first.
func (r *HistoryRepository) Recent(ctx context.Context, userID, sessionID string, limit int) ([]rag.Turn, error) {
	if limit <= 0 {
		return []rag.Turn{}, nil
	}

	var rows []ConversationTurn
	err := r.store.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	// Rows arrive newest first; reverse into chronological order.
	turns := make([]rag.Turn, len(rows))
	for i, row := range rows {
		turn := rag.Turn{
			Role:      row.Role,
			Text:      row.Text,
			CreatedAt: row.CreatedAt,
		}
		if row.Metadata != "" {
			if err := json.Unmarshal([]byte(row.Metadata), &turn.Metadata); err != nil {
				return nil, err
			}
		}
		turns[len(rows)-1-i] = turn
	}
	return turns, nil
}

// ClearSession removes every turn of the session, returning the count.
func (r *HistoryRepository) ClearSession(ctx context.Context, userID, sessionID string) (int64, error) {
	result := r.store.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Delete(&ConversationTurn{})
	return result.RowsAffected, result.Error
}
