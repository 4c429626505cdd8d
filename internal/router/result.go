// ABOUTME: RoutingResult handle returned as soon as recipients are resolved
// ABOUTME: Per-recipient outcomes arrive on Updates(); Wait blocks until all settle

package router

import (
	"context"
	"sync"

	"github.com/2389/coven-relay/internal/message"
)

// Update reports that one recipient's delivery settled.
type Update struct {
	MessageID   string
	RecipientID string
	Status      message.DeliveryStatus
	Attempts    int
	Err         error
}

// Result lists every resolved recipient and tracks its delivery status.
type Result struct {
	ConversationID string
	MessageID      string
	Sequence       uint64
	Strategy       message.Strategy
	Recipients     []string

	tracker *message.Tracker

	mu   sync.RWMutex
	errs map[string]error

	updates     chan Update
	done        chan struct{}
	persistOnce sync.Once
}

func newResult(msg *message.Message, strategy message.Strategy, recipients []string) *Result {
	return &Result{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Sequence:       msg.Sequence,
		Strategy:       strategy,
		Recipients:     recipients,
		tracker:        msg.Delivery,
		errs:           make(map[string]error),
		updates:        make(chan Update, len(recipients)),
		done:           make(chan struct{}),
	}
}

// Status returns the current delivery status for recipientID.
func (r *Result) Status(recipientID string) (message.DeliveryStatus, bool) {
	return r.tracker.Status(recipientID)
}

// Statuses returns the current status of every recipient.
func (r *Result) Statuses() map[string]message.DeliveryStatus {
	out := make(map[string]message.DeliveryStatus, len(r.Recipients))
	for _, id := range r.Recipients {
		if s, ok := r.tracker.Status(id); ok {
			out[id] = s
		}
	}
	return out
}

// Err returns the terminal delivery error for recipientID, if any.
func (r *Result) Err(recipientID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errs[recipientID]
}

// Updates yields one Update per recipient and is closed once all settle.
func (r *Result) Updates() <-chan Update {
	return r.updates
}

// Done is closed when every recipient reached DELIVERED or FAILED.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until all deliveries settle or ctx ends, then returns the
// statuses observed at that moment.
func (r *Result) Wait(ctx context.Context) (map[string]message.DeliveryStatus, error) {
	select {
	case <-r.done:
		return r.Statuses(), nil
	case <-ctx.Done():
		return r.Statuses(), ctx.Err()
	}
}

func (r *Result) settle(u Update) {
	if u.Err != nil {
		r.mu.Lock()
		r.errs[u.RecipientID] = u.Err
		r.mu.Unlock()
	}
	r.updates <- u
}

func (r *Result) finish() {
	close(r.updates)
	close(r.done)
}
