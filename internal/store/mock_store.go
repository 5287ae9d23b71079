// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// It enforces the same open-thread uniqueness constraints as SQLiteStore.
type MockStore struct {
	mu       sync.RWMutex
	threads  map[string]*Thread      // keyed by thread ID
	messages map[string]*ChatMessage // keyed by message ID
	order    []string                // message IDs in insertion order
	blocked  map[string]*BlockedUser // keyed by user ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		threads:  make(map[string]*Thread),
		messages: make(map[string]*ChatMessage),
		blocked:  make(map[string]*BlockedUser),
	}
}

// CreateThread stores a new thread, rejecting duplicates the way the
// partial unique indexes would.
func (m *MockStore) CreateThread(ctx context.Context, thread *Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := thread.Status
	if status == "" {
		status = ThreadStatusOpen
	}

	if status == ThreadStatusOpen {
		for _, t := range m.threads {
			if t.Status != ThreadStatusOpen {
				continue
			}
			if t.UserID == thread.UserID || t.ChannelID == thread.ChannelID {
				return ErrDuplicateThread
			}
		}
	}

	// Make a copy to avoid external modification
	t := *thread
	t.Status = status
	m.threads[t.ID] = &t

	return nil
}

// GetThread retrieves a thread by ID.
func (m *MockStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}

	result := *t
	return &result, nil
}

// GetOpenThreadByUser retrieves the user's open thread.
func (m *MockStore) GetOpenThreadByUser(ctx context.Context, userID string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.threads {
		if t.UserID == userID && t.Status == ThreadStatusOpen {
			result := *t
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// GetOpenThreadByChannel retrieves the open thread bound to a channel.
func (m *MockStore) GetOpenThreadByChannel(ctx context.Context, channelID string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.threads {
		if t.ChannelID == channelID && t.Status == ThreadStatusOpen {
			result := *t
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// CloseThread marks an open thread closed.
func (m *MockStore) CloseThread(ctx context.Context, id string, closedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status == ThreadStatusClosed {
		return false, nil
	}

	t.Status = ThreadStatusClosed
	at := closedAt
	t.ClosedAt = &at
	return true, nil
}

// ListClosedThreadsByUser returns closed threads in creation order.
func (m *MockStore) ListClosedThreadsByUser(ctx context.Context, userID string) ([]*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Thread
	for _, t := range m.threads {
		if t.UserID == userID && t.Status == ThreadStatusClosed {
			threadCopy := *t
			result = append(result, &threadCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// SaveMessage stores a chat message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgCopy := *msg
	msgCopy.Attachments = append([]Attachment(nil), msg.Attachments...)
	m.messages[msg.ID] = &msgCopy
	m.order = append(m.order, msg.ID)

	return nil
}

// GetMessage retrieves a chat message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}

	result := *msg
	return &result, nil
}

// GetMessageByExternalID retrieves a chat message by external ID.
func (m *MockStore) GetMessageByExternalID(ctx context.Context, externalID string) (*ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.order {
		if msg := m.messages[id]; msg.ExternalID == externalID && externalID != "" {
			result := *msg
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateMessageContent replaces a message's content in place.
func (m *MockStore) UpdateMessageContent(ctx context.Context, id, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Content = content
	return nil
}

// MarkMessageDeleted soft-deletes a message.
func (m *MockStore) MarkMessageDeleted(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Deleted = true
	return nil
}

// GetThreadMessages retrieves messages for a thread in insertion order.
// If limit > 0, only the most recent limit messages are returned.
func (m *MockStore) GetThreadMessages(ctx context.Context, threadID string, limit int) ([]*ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ChatMessage
	for _, id := range m.order {
		if msg := m.messages[id]; msg.ThreadID == threadID {
			msgCopy := *msg
			result = append(result, &msgCopy)
		}
	}

	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}

	return result, nil
}

// BlockUser adds a user to the blocklist (idempotent).
func (m *MockStore) BlockUser(ctx context.Context, userID string, blockedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blocked[userID]; ok {
		return nil
	}
	m.blocked[userID] = &BlockedUser{UserID: userID, BlockedAt: blockedAt}
	return nil
}

// UnblockUser removes a user from the blocklist (idempotent).
func (m *MockStore) UnblockUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blocked, userID)
	return nil
}

// ListBlockedUsers returns all blocklist entries.
func (m *MockStore) ListBlockedUsers(ctx context.Context) ([]*BlockedUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*BlockedUser, 0, len(m.blocked))
	for _, u := range m.blocked {
		userCopy := *u
		result = append(result, &userCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].BlockedAt.Before(result[j].BlockedAt)
	})

	return result, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Verify MockStore implements Store interface at compile time.
var _ Store = (*MockStore)(nil)
