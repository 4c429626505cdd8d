// ABOUTME: Message submission, acknowledgement and history for conversations
// ABOUTME: Stamps sequence numbers, enforces turn and visibility, then delegates to the router

package conversation

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/message"
	"github.com/2389/coven-relay/internal/router"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transform"
)

// SubmitMessage routes msg within the conversation. It returns once the
// recipients are resolved; per-recipient outcomes arrive on the Result.
//
// A message without explicit recipients under the DIRECT strategy is
// conversation-wide and is routed as BROADCAST.
func (m *Manager) SubmitMessage(ctx context.Context, conversationID string, msg *message.Message) (*router.Result, error) {
	if msg == nil || msg.SenderID == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	}
	if !msg.Format.Valid() {
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidMessage, msg.Format)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if !m.auth.Authorize(ctx, msg.SenderID, OpSubmit, conversationID) {
		return nil, fmt.Errorf("%w: %s may not submit to %s", ErrUnauthorized, msg.SenderID, conversationID)
	}
	c, err := m.lookup(conversationID)
	if err != nil {
		return nil, err
	}

	key := dedupe.Key(conversationID, msg.ID)
	if m.dedupe != nil && !m.dedupe.Reserve(key) {
		return nil, fmt.Errorf("%w: %s in conversation %s", ErrDuplicateMessage, msg.ID, conversationID)
	}

	res, err := m.submit(c, msg)
	if m.dedupe != nil {
		if err != nil {
			m.dedupe.Release(key)
		} else {
			m.dedupe.Commit(key)
		}
	}
	if err != nil {
		m.logger.Debug("submission rejected",
			"conversation_id", conversationID,
			"message_id", msg.ID,
			"sender_id", msg.SenderID,
			"error", err)
		return nil, err
	}
	return res, nil
}

func (m *Manager) submit(c *conversation, msg *message.Message) (*router.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return nil, &StateError{ConversationID: c.id, Op: "submit", State: c.state}
	}
	sender, ok := c.participant(msg.SenderID)
	if !ok {
		return nil, fmt.Errorf("%w: sender %s", ErrNotParticipant, msg.SenderID)
	}
	if !sender.Role.CanWrite() {
		return nil, fmt.Errorf("%w: %s (%s) may not submit", ErrPermissionDenied, sender.ID, sender.Role)
	}
	if c.flow == FlowRoundRobin {
		if expected := c.currentTurn(); expected != sender.ID {
			return nil, &TurnViolationError{ConversationID: c.id, SenderID: sender.ID, Expected: expected}
		}
	}

	explicit := msg.ExplicitRecipients()
	for _, id := range explicit {
		if c.index(id) < 0 {
			return nil, fmt.Errorf("%w: recipient %s", ErrNotParticipant, id)
		}
		if !c.canSee(msg, id) {
			return nil, fmt.Errorf("%w: %s is not in the visibility list of message %s", ErrNotVisible, id, msg.ID)
		}
	}

	if msg.Strategy == message.StrategyDirect && len(explicit) == 0 {
		msg.Strategy = message.StrategyBroadcast
	}
	msg.ConversationID = c.id
	msg.Sequence = c.seq + 1
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	if msg.Delivery == nil {
		msg.Delivery = message.NewTracker()
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]any)
	}

	outgoing, err := m.enrichLocked(c, msg)
	if err != nil {
		msg.Sequence = 0
		return nil, err
	}

	rctx := router.RouteContext{
		ConversationID: c.id,
		Participants:   c.routable(outgoing),
		ThreadMembers:  c.threadMembers(outgoing.ParentMessageID),
	}
	res, err := m.router.Route(c.deliverCtx, outgoing, outgoing.Strategy, rctx)
	if err != nil {
		msg.Sequence = 0
		return nil, err
	}

	c.seq++
	c.remember(outgoing, m.historyLimit)
	if c.flow == FlowRoundRobin {
		c.advanceTurn()
	}
	now := m.now()
	sender.LastActiveAt = now
	c.updatedAt = now

	m.broadcaster.Publish(Notification{
		Kind:           NotifyMessage,
		ConversationID: c.id,
		Message:        outgoing.Clone(),
		At:             now,
	}, func(participantID string) bool {
		return participantID != outgoing.SenderID && c.canSee(outgoing, participantID)
	})

	m.logger.Debug("message submitted",
		"conversation_id", c.id,
		"message_id", outgoing.ID,
		"sequence", outgoing.Sequence,
		"strategy", outgoing.Strategy.String(),
		"recipients", res.Recipients)
	return res, nil
}

func (m *Manager) enrichLocked(c *conversation, msg *message.Message) (*message.Message, error) {
	if m.enricher == nil || len(m.enrichKinds) == 0 {
		return msg, nil
	}

	spec := transform.EnrichmentSpec{Kinds: m.enrichKinds, Knowledge: c.metadata}
	for _, h := range c.history {
		// Enrichment reaches every recipient, so only public history is shared.
		if h.VisibleToAll() {
			spec.History = append(spec.History, h)
		}
	}
	if m.capabilities != nil {
		spec.Capabilities = m.capabilities.CapabilitiesOf(msg.SenderID)
	}

	out, err := m.enricher.Enrich(msg, spec)
	if err != nil {
		return nil, fmt.Errorf("enriching message %s: %w", msg.ID, err)
	}
	return out, nil
}

// Acknowledge advances recipientID's delivery status for a message past
// DELIVERED, one step at a time. The message must have been delivered to
// recipientID first.
func (m *Manager) Acknowledge(ctx context.Context, conversationID, messageID, recipientID string, status message.DeliveryStatus) error {
	if status < message.StatusRead || status == message.StatusFailed {
		return fmt.Errorf("%w: acknowledgement must be read, processed or responded, got %s", ErrInvalidMessage, status)
	}
	if !m.auth.Authorize(ctx, recipientID, OpRead, conversationID) {
		return fmt.Errorf("%w: %s may not acknowledge in %s", ErrUnauthorized, recipientID, conversationID)
	}
	c, err := m.lookup(conversationID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := slices.IndexFunc(c.history, func(h *message.Message) bool { return h.ID == messageID })
	if idx < 0 {
		return fmt.Errorf("%w: %s in conversation %s", ErrUnknownMessage, messageID, c.id)
	}
	msg := c.history[idx]

	prev, tracked := msg.Delivery.Status(recipientID)
	if !tracked {
		return fmt.Errorf("%w: %s is not a recipient of %s", ErrNotDelivered, recipientID, messageID)
	}
	if prev < message.StatusDelivered {
		return fmt.Errorf("%w: %s has %s for %s", ErrNotDelivered, messageID, prev, recipientID)
	}
	if err := msg.Delivery.Advance(recipientID, status); err != nil {
		return err
	}
	if p, ok := c.participant(recipientID); ok {
		p.LastActiveAt = m.now()
	}

	m.recorder.event(ctx, &store.Event{
		ConversationID: c.id,
		Type:           store.EventDeliveryStatus,
		ActorID:        recipientID,
		MessageID:      messageID,
		RecipientID:    recipientID,
		From:           prev.String(),
		To:             status.String(),
	})
	m.broadcaster.Publish(Notification{
		Kind:           NotifyDelivery,
		ConversationID: c.id,
		MessageID:      messageID,
		RecipientID:    recipientID,
		Status:         status,
		At:             m.now(),
	}, func(participantID string) bool {
		if participantID == msg.SenderID {
			return true
		}
		p, ok := c.participant(participantID)
		return ok && p.Role.CanManage()
	})
	return nil
}

// History returns up to limit of the most recent messages viewerID may see,
// oldest first. A non-positive limit returns everything retained.
func (m *Manager) History(ctx context.Context, conversationID, viewerID string, limit int) ([]*message.Message, error) {
	if !m.auth.Authorize(ctx, viewerID, OpRead, conversationID) {
		return nil, fmt.Errorf("%w: %s may not read %s", ErrUnauthorized, viewerID, conversationID)
	}
	c, err := m.lookup(conversationID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.index(viewerID) < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, viewerID)
	}

	var out []*message.Message
	for _, h := range c.history {
		if h.SenderID == viewerID || c.canSee(h, viewerID) {
			out = append(out, h.Clone())
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// canSee applies the visibility rule: public messages, listed participants,
// and owners or admins.
func (c *conversation) canSee(msg *message.Message, participantID string) bool {
	p, ok := c.participant(participantID)
	if !ok {
		return false
	}
	return msg.VisibleToAll() || slices.Contains(msg.VisibleTo, participantID) || p.Role.CanManage()
}

// routable lists the participants allowed to receive msg, in join order.
func (c *conversation) routable(msg *message.Message) []router.Participant {
	out := make([]router.Participant, 0, len(c.participants))
	for _, p := range c.participants {
		if p.ID == msg.SenderID || c.canSee(msg, p.ID) {
			out = append(out, router.Participant{ID: p.ID, PreferredFormat: p.PreferredFormat})
		}
	}
	return out
}

// threadMembers returns the sender and recipients of parentID, if retained.
func (c *conversation) threadMembers(parentID string) []string {
	if parentID == "" {
		return nil
	}
	for _, h := range c.history {
		if h.ID == parentID {
			members := []string{h.SenderID}
			if h.Delivery != nil {
				members = append(members, h.Delivery.Recipients()...)
			}
			return members
		}
	}
	return nil
}

func (c *conversation) remember(msg *message.Message, limit int) {
	c.history = append(c.history, msg)
	if len(c.history) > limit {
		c.history = slices.Delete(c.history, 0, len(c.history)-limit)
	}
}
