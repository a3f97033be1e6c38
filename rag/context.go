package rag

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one persisted conversation turn in a (user, session) log.
type Turn struct {
	Role      string            `json:"role"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Message is a turn reduced to what prompt assembly consumes.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryStore persists and reads conversation turns. Sessions are unbounded
// append-only logs, windowed at read time.
type HistoryStore interface {
	// Append records a turn at the end of the (user, session) log.
	Append(ctx context.Context, userID, sessionID, role, text string, metadata map[string]string) error

	// Recent returns at most limit of the newest turns for the session,
	// ordered oldest first.
	Recent(ctx context.Context, userID, sessionID string, limit int) ([]Turn, error)

	// ClearSession removes every turn of the session, returning the count.
	ClearSession(ctx context.Context, userID, sessionID string) (int64, error)
}

// ContextAssembler produces bounded, ordered conversation context windows.
type ContextAssembler struct {
	store    HistoryStore
	maxTurns int
	logger   *zap.Logger
}

// NewContextAssembler creates an assembler that windows sessions to maxTurns.
func NewContextAssembler(store HistoryStore, maxTurns int, logger *zap.Logger) *ContextAssembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextAssembler{
		store:    store,
		maxTurns: maxTurns,
		logger:   logger,
	}
}

// Context returns the session's most recent turns as messages, oldest first,
// at most maxTurns of them. A session with no turns yields an empty slice,
// which callers read as "first message, no prior context".
func (a *ContextAssembler) Context(ctx context.Context, userID, sessionID string) ([]Message, error) {
	if a.maxTurns <= 0 {
		return []Message{}, nil
	}

	turns, err := a.store.Recent(ctx, userID, sessionID, a.maxTurns)
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, Message{
			Role:    turn.Role,
			Content: turn.Text,
		})
	}

	a.logger.Debug("conversation context assembled",
		zap.String("session_id", sessionID),
		zap.Int("turns", len(messages)))

	return messages, nil
}
