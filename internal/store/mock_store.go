// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests and the local transport to run without SQLite

package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, in save order
	events        map[string][]*Event      // keyed by conversation ID, in save order

	// SaveErr, when set, is returned by every Save call.
	SaveErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		events:        make(map[string][]*Event),
	}
}

// SaveConversation stores a copy of the conversation snapshot.
func (m *MockStore) SaveConversation(ctx context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}

	cp := copyConversation(c)
	if prev, ok := m.conversations[c.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	m.conversations[c.ID] = cp
	return nil
}

// GetConversation retrieves a conversation snapshot by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// ListConversations returns snapshots in creation order.
func (m *MockStore) ListConversations(ctx context.Context, state string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if state == "" || c.State == state {
			out = append(out, copyConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SaveMessage stores a message once; repeated saves are ignored.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}

	for _, existing := range m.messages[msg.ConversationID] {
		if existing.ID == msg.ID {
			return nil
		}
	}
	cp := *msg
	cp.Recipients = slices.Clone(msg.Recipients)
	cp.VisibleTo = slices.Clone(msg.VisibleTo)
	cp.Metadata = maps.Clone(msg.Metadata)
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)
	return nil
}

// QueryMessages returns matching messages in sequence order.
func (m *MockStore) QueryMessages(ctx context.Context, conversationID string, f MessageFilter) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages[conversationID] {
		if msg.Sequence <= f.AfterSequence {
			continue
		}
		if f.SenderID != "" && msg.SenderID != f.SenderID {
			continue
		}
		if f.Since != nil && msg.CreatedAt.Before(*f.Since) {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit := clampLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveEvent appends an event.
func (m *MockStore) SaveEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}

	cp := *event
	m.events[event.ConversationID] = append(m.events[event.ConversationID], &cp)
	return nil
}

// QueryEvents returns matching events in save order.
func (m *MockStore) QueryEvents(ctx context.Context, conversationID string, f EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events[conversationID] {
		if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
			continue
		}
		if f.MessageID != "" && e.MessageID != f.MessageID {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == clampLimit(f.Limit) {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	cp.Metadata = maps.Clone(c.Metadata)
	return &cp
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
