// ABOUTME: In-process delivery hub with one attached handler per agent
// ABOUTME: Unattached agents are reported unavailable so the router retries them

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-relay/internal/message"
	"github.com/2389/coven-relay/internal/router"
)

// ErrAlreadyAttached indicates an agent with the same ID already has a handler.
var ErrAlreadyAttached = errors.New("agent already attached")

// Handler receives one adapted message for the agent it is attached for.
type Handler func(ctx context.Context, msg *message.Message) error

type inbox struct {
	agentID    string
	handler    Handler
	limiter    *rate.Limiter
	attachedAt time.Time
}

// Hub delivers messages to handlers attached in the same process.
type Hub struct {
	inboxes map[string]*inbox
	mu      sync.RWMutex

	limit  rate.Limit
	burst  int
	logger *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRateLimit caps deliveries to each agent at perSecond with the given
// burst. A non-positive perSecond disables limiting.
func WithRateLimit(perSecond float64, burst int) HubOption {
	return func(h *Hub) {
		if perSecond <= 0 {
			h.limit = rate.Inf
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limit = rate.Limit(perSecond)
		h.burst = burst
	}
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		inboxes: make(map[string]*inbox),
		limit:   rate.Inf,
		logger:  logger.With("component", "hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach registers handler for agentID.
func (h *Hub) Attach(agentID string, handler Handler) error {
	if agentID == "" || handler == nil {
		return fmt.Errorf("attach: agent id and handler are required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.inboxes[agentID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, agentID)
	}
	in := &inbox{agentID: agentID, handler: handler, attachedAt: time.Now()}
	if h.limit != rate.Inf {
		in.limiter = rate.NewLimiter(h.limit, h.burst)
	}
	h.inboxes[agentID] = in

	h.logger.Info("agent attached", "agent_id", agentID, "total_agents", len(h.inboxes))
	return nil
}

// Detach removes agentID's handler. Detaching an unknown agent is a no-op.
func (h *Hub) Detach(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.inboxes[agentID]; exists {
		delete(h.inboxes, agentID)
		h.logger.Info("agent detached", "agent_id", agentID, "total_agents", len(h.inboxes))
	}
}

// Attached returns the attached agent IDs, sorted.
func (h *Hub) Attached() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.inboxes))
	for id := range h.inboxes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Deliver hands msg to recipientID's handler, waiting for its rate limiter.
func (h *Hub) Deliver(ctx context.Context, recipientID string, msg *message.Message) error {
	h.mu.RLock()
	in, ok := h.inboxes[recipientID]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s is not attached", router.ErrRecipientUnavailable, recipientID)
	}
	if in.limiter != nil {
		if err := in.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// The limiter refuses waits that would outlast the deadline.
			return fmt.Errorf("%w: %s is rate limited: %v", router.ErrRecipientUnavailable, recipientID, err)
		}
	}

	if err := in.handler(ctx, msg); err != nil {
		return err
	}
	h.logger.Debug("message handed to agent",
		"agent_id", recipientID,
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID)
	return nil
}

// Mailbox is a buffered Handler target for agents that poll.
type Mailbox struct {
	ch chan *message.Message
}

// NewMailbox creates a mailbox holding up to size undelivered messages.
func NewMailbox(size int) *Mailbox {
	if size < 1 {
		size = 1
	}
	return &Mailbox{ch: make(chan *message.Message, size)}
}

// Handler accepts messages until the mailbox is full. A full mailbox is
// reported unavailable so the sender backs off.
func (m *Mailbox) Handler() Handler {
	return func(_ context.Context, msg *message.Message) error {
		select {
		case m.ch <- msg:
			return nil
		default:
			return fmt.Errorf("%w: mailbox full", router.ErrRecipientUnavailable)
		}
	}
}

// Messages returns the receive side of the mailbox.
func (m *Mailbox) Messages() <-chan *message.Message {
	return m.ch
}
