// ABOUTME: Bridges conversation and delivery outcomes to the storage collaborator
// ABOUTME: Store failures are logged and never change routing or lifecycle results

package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/message"
	"github.com/2389/coven-relay/internal/store"
)

// Recorder writes messages, events and snapshots to a store.Store. It
// satisfies router.Recorder.
type Recorder struct {
	store  store.Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder. A nil store records nothing.
func NewRecorder(s store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger.With("component", "recorder")}
}

// RecordDelivered persists msg. The router calls it once, on first delivery.
func (r *Recorder) RecordDelivered(ctx context.Context, msg *message.Message) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.SaveMessage(ctx, toStoreMessage(msg))
}

// RecordStatus appends a delivery status event.
func (r *Recorder) RecordStatus(ctx context.Context, msg *message.Message, recipientID string, status message.DeliveryStatus, cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	r.event(ctx, &store.Event{
		ConversationID: msg.ConversationID,
		Type:           store.EventDeliveryStatus,
		MessageID:      msg.ID,
		RecipientID:    recipientID,
		To:             status.String(),
		Detail:         detail,
	})
}

func (r *Recorder) event(ctx context.Context, e *store.Event) {
	if r == nil || r.store == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if err := r.store.SaveEvent(ctx, e); err != nil {
		r.logger.Error("failed to persist conversation event",
			"conversation_id", e.ConversationID,
			"type", e.Type,
			"error", err)
	}
}

func (r *Recorder) snapshot(ctx context.Context, c *Conversation) {
	if r == nil || r.store == nil {
		return
	}
	if err := r.store.SaveConversation(ctx, toStoreConversation(c)); err != nil {
		r.logger.Error("failed to persist conversation",
			"conversation_id", c.ID,
			"error", err)
	}
}

func toStoreMessage(m *message.Message) *store.Message {
	var recipients []string
	if m.Delivery != nil {
		recipients = m.Delivery.Recipients()
	}
	if len(recipients) == 0 {
		recipients = m.ExplicitRecipients()
	}
	return &store.Message{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		Sequence:        m.Sequence,
		SenderID:        m.SenderID,
		Recipients:      recipients,
		Content:         m.Content,
		Format:          string(m.Format),
		Priority:        m.Priority.String(),
		Strategy:        m.Strategy.String(),
		ParentMessageID: m.ParentMessageID,
		Restricted:      m.Restricted,
		VisibleTo:       m.VisibleTo,
		Metadata:        m.Metadata,
		CreatedAt:       m.Timestamp,
	}
}

func toStoreConversation(c *Conversation) *store.Conversation {
	participants := make([]store.Participant, len(c.Participants))
	for i, p := range c.Participants {
		participants[i] = store.Participant{ID: p.ID, Type: string(p.Type), Role: p.Role.String()}
	}
	return &store.Conversation{
		ID:           c.ID,
		Name:         c.Name,
		State:        c.State.String(),
		FlowControl:  c.FlowControl.String(),
		Participants: participants,
		Metadata:     c.Metadata,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}
