package rag

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memHistory is an in-memory HistoryStore for tests.
type memHistory struct {
	mu   sync.Mutex
	logs map[string][]Turn
	fail error
}

func newMemHistory() *memHistory {
	return &memHistory{logs: map[string][]Turn{}}
}

func historyKey(userID, sessionID string) string { return userID + "/" + sessionID }

func (h *memHistory) Append(_ context.Context, userID, sessionID, role, text string, metadata map[string]string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		return h.fail
	}
	key := historyKey(userID, sessionID)
	h.logs[key] = append(h.logs[key], Turn{
		Role:      role,
		Text:      text,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	})
	return nil
}

func (h *memHistory) Recent(_ context.Context, userID, sessionID string, limit int) ([]Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		return nil, h.fail
	}
	log := h.logs[historyKey(userID, sessionID)]
	if len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]Turn, len(log))
	copy(out, log)
	return out, nil
}

func (h *memHistory) ClearSession(_ context.Context, userID, sessionID string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := historyKey(userID, sessionID)
	n := int64(len(h.logs[key]))
	delete(h.logs, key)
	return n, nil
}

func TestContextAssemblerEmptySession(t *testing.T) {
	a := NewContextAssembler(newMemHistory(), 10, nil)

	msgs, err := a.Context(context.Background(), "u1", "session_u1")
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestContextAssemblerWindowsNewestTurns(t *testing.T) {
	h := newMemHistory()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		require.NoError(t, h.Append(ctx, "u1", "s1", role, fmt.Sprintf("turn %d", i), nil))
	}

	a := NewContextAssembler(h, 4, nil)
	msgs, err := a.Context(ctx, "u1", "s1")
	require.NoError(t, err)

	require.Len(t, msgs, 4)
	// Oldest first within the window, ending at the newest turn.
	assert.Equal(t, "turn 3", msgs[0].Content)
	assert.Equal(t, "turn 6", msgs[3].Content)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, RoleUser, msgs[3].Role)
}

func TestContextAssemblerSessionIsolation(t *testing.T) {
	h := newMemHistory()
	ctx := context.Background()
	require.NoError(t, h.Append(ctx, "u1", "s1", RoleUser, "in session one", nil))
	require.NoError(t, h.Append(ctx, "u1", "s2", RoleUser, "in session two", nil))
	require.NoError(t, h.Append(ctx, "u2", "s1", RoleUser, "other user", nil))

	a := NewContextAssembler(h, 10, nil)
	msgs, err := a.Context(ctx, "u1", "s1")
	require.NoError(t, err)

	require.Len(t, msgs, 1)
	assert.Equal(t, "in session one", msgs[0].Content)
}

func TestContextAssemblerZeroTurns(t *testing.T) {
	h := newMemHistory()
	require.NoError(t, h.Append(context.Background(), "u1", "s1", RoleUser, "hello", nil))

	a := NewContextAssembler(h, 0, nil)
	msgs, err := a.Context(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
