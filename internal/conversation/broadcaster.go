// ABOUTME: In-memory fan-out of conversation notifications to participant subscribers
// ABOUTME: Message notifications pass a per-subscriber visibility check before delivery

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/message"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// NotificationKind says what a Notification carries.
type NotificationKind string

const (
	NotifyMessage      NotificationKind = "message"
	NotifyState        NotificationKind = "state"
	NotifyParticipants NotificationKind = "participants"
	NotifyDelivery     NotificationKind = "delivery"
)

// Notification is pushed to subscribers of a conversation.
type Notification struct {
	Kind           NotificationKind
	ConversationID string
	At             time.Time

	// NotifyMessage
	Message *message.Message

	// NotifyState
	State State

	// NotifyParticipants
	ParticipantID string
	Joined        bool

	// NotifyDelivery
	MessageID   string
	RecipientID string
	Status      message.DeliveryStatus
}

type subscriber struct {
	participantID string
	ch            chan Notification
	done          chan struct{}
}

// close must be called with b.mu held, once, as the subscriber leaves the map.
func (s *subscriber) close() {
	close(s.done)
	close(s.ch)
}

// Broadcaster provides in-memory pub/sub of conversation notifications.
// Publishing never blocks: notifications are dropped for subscribers whose
// channels are full.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // conversationID -> subID -> sub
	watchers    sync.WaitGroup
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]*subscriber),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers participantID for notifications on conversationID.
// The subscription is removed when ctx is cancelled or the broadcaster
// closes it first.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID, participantID string) (<-chan Notification, string) {
	subID := uuid.New().String()
	sub := &subscriber{
		participantID: participantID,
		ch:            make(chan Notification, subscriberBufferSize),
		done:          make(chan struct{}),
	}

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]*subscriber)
	}
	b.subscribers[conversationID][subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"participant_id", participantID,
		"sub_id", subID)

	b.watchers.Add(1)
	go func() {
		defer b.watchers.Done()
		select {
		case <-ctx.Done():
			b.Unsubscribe(conversationID, subID)
		case <-sub.done:
		}
	}()

	return sub.ch, subID
}

// Publish sends n to every subscriber of its conversation for which allow
// returns true. A nil allow admits everyone.
func (b *Broadcaster) Publish(n Notification, allow func(participantID string) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, sub := range b.subscribers[n.ConversationID] {
		if allow != nil && !allow(sub.participantID) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			b.logger.Debug("dropped notification for slow subscriber",
				"conversation_id", n.ConversationID,
				"sub_id", subID,
				"kind", n.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}
	sub, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	sub.close()
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// DropParticipant closes every subscription participantID holds on conversationID.
func (b *Broadcaster) DropParticipant(conversationID, participantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[conversationID]
	for subID, sub := range subs {
		if sub.participantID == participantID {
			delete(subs, subID)
			sub.close()
		}
	}
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}
}

// CloseConversation closes every subscription on conversationID.
func (b *Broadcaster) CloseConversation(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, sub := range b.subscribers[conversationID] {
		sub.close()
		delete(b.subscribers[conversationID], subID)
	}
	delete(b.subscribers, conversationID)
}

// SubscriberCount returns the number of live subscriptions on conversationID.
func (b *Broadcaster) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, sub := range subs {
			sub.close()
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}

	b.logger.Debug("broadcaster closed")
}
