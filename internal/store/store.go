// ABOUTME: Store interface and record types for relay persistence
// ABOUTME: Defines Conversation, Message and Event records plus query filters

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Conversation is the persisted snapshot of a conversation.
type Conversation struct {
	ID           string
	Name         string
	State        string
	FlowControl  string
	Participants []Participant
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Participant is a member entry in a Conversation snapshot.
type Participant struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Role string `json:"role"`
}

// Message is a delivered message as persisted for history.
type Message struct {
	ID              string
	ConversationID  string
	Sequence        uint64
	SenderID        string
	Recipients      []string
	Content         string
	Format          string
	Priority        string
	Strategy        string
	ParentMessageID string
	Restricted      bool
	VisibleTo       []string
	Metadata        map[string]any
	CreatedAt       time.Time
}

// EventType categorizes conversation events
type EventType string

const (
	EventStateChanged       EventType = "state_changed"
	EventParticipantAdded   EventType = "participant_added"
	EventParticipantRemoved EventType = "participant_removed"
	EventFlowControlChanged EventType = "flow_control_changed"
	EventDeliveryStatus     EventType = "delivery_status"
)

// Event is an append-only record of something that happened in a conversation.
type Event struct {
	ID             string
	ConversationID string
	Type           EventType
	ActorID        string
	MessageID      string // delivery events only
	RecipientID    string // delivery events only
	From           string
	To             string
	Detail         string
	Timestamp      time.Time
}

// MessageFilter narrows a message query. Zero values match everything.
type MessageFilter struct {
	SenderID      string
	AfterSequence uint64
	Since         *time.Time
	Limit         int // defaults to 100, max 500
}

// EventFilter narrows an event query. Zero values match everything.
type EventFilter struct {
	Types     []EventType
	MessageID string
	Since     *time.Time
	Limit     int // defaults to 100, max 500
}

// Store defines the persistence operations the relay needs
type Store interface {
	SaveConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, state string) ([]*Conversation, error)

	// SaveMessage is idempotent on (conversation, message ID).
	SaveMessage(ctx context.Context, msg *Message) error
	QueryMessages(ctx context.Context, conversationID string, f MessageFilter) ([]*Message, error)

	SaveEvent(ctx context.Context, event *Event) error
	QueryEvents(ctx context.Context, conversationID string, f EventFilter) ([]*Event, error)

	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 500 {
		return 500
	}
	return limit
}
