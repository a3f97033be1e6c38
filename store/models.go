package store

import "time"

// Document lifecycle states.
const (
	DocumentStatusPending    = "pending"
	DocumentStatusProcessing = "processing"
	DocumentStatusCompleted  = "completed"
	DocumentStatusFailed     = "failed"
)

// Document is a registered knowledge source. Scope is fixed at registration
// and copied onto every chunk; changing visibility means re-ingesting.
type Document struct {
	ID           uint   `gorm:"primarykey" json:"id"`
	Title        string `gorm:"size:512" json:"title"`
	Scope        string `gorm:"size:128;index" json:"scope"`
	Status       string `gorm:"size:32;index;default:pending" json:"status"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`
	ChunkCount   int    `json:"chunk_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentChunk is one persisted chunk of a document. VectorID ties the row
// to its vector index entry and is unique for the lifetime of the system.
type DocumentChunk struct {
	ID         uint   `gorm:"primarykey" json:"id"`
	DocumentID uint   `gorm:"index" json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `gorm:"type:text" json:"text"`
	Scope      string `gorm:"size:128;index" json:"scope"`
	VectorID   string `gorm:"size:128;uniqueIndex" json:"vector_id"`
	TokenCount int    `json:"token_count"`

	CreatedAt time.Time `json:"created_at"`
}

// ConversationTurn is one turn in a (user, session) conversation log. The log
// is append-only; windowing happens at read time.
type ConversationTurn struct {
	ID        uint   `gorm:"primarykey" json:"id"`
	UserID    string `gorm:"size:128;index:idx_session,priority:1" json:"user_id"`
	SessionID string `gorm:"size:128;index:idx_session,priority:2" json:"session_id"`
	Role      string `gorm:"size:16" json:"role"`
	Text      string `gorm:"type:text" json:"text"`
	// Metadata is a JSON-encoded string map, empty when the turn has none.
	Metadata string `gorm:"type:text" json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
