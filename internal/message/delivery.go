// ABOUTME: Per-recipient delivery status lifecycle with forward-only transitions
// ABOUTME: PENDING -> DELIVERED -> READ -> PROCESSED -> RESPONDED, or FAILED before PROCESSED

package message

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DeliveryStatus is the lifecycle state of a message for one recipient.
type DeliveryStatus int

const (
	StatusPending DeliveryStatus = iota
	StatusDelivered
	StatusRead
	StatusProcessed
	StatusResponded
	StatusFailed
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusProcessed:
		return "processed"
	case StatusResponded:
		return "responded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusFailed || s == StatusResponded
}

// CanTransition reports whether next is the single step after s in the
// lifecycle. FAILED is reachable from any state before PROCESSED.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s < StatusProcessed
	}
	return next == s+1 && next <= StatusResponded
}

// ParseStatus converts a status name into a DeliveryStatus.
func ParseStatus(s string) (DeliveryStatus, error) {
	for st := StatusPending; st <= StatusFailed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown delivery status %q", s)
}

// Errors returned by Tracker.
var (
	ErrStatusRegression = errors.New("delivery status cannot move backwards")
	ErrStatusSkipped    = errors.New("delivery status must advance one step at a time")
	ErrUnknownRecipient = errors.New("recipient not tracked for message")
)

// Tracker records delivery status per recipient. It is safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]DeliveryStatus
	history  map[string][]DeliveryStatus
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		statuses: make(map[string]DeliveryStatus),
		history:  make(map[string][]DeliveryStatus),
	}
}

// Track starts tracking recipient at PENDING. Tracking an already tracked
// recipient is a no-op.
func (t *Tracker) Track(recipientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.statuses[recipientID]; ok {
		return
	}
	t.statuses[recipientID] = StatusPending
	t.history[recipientID] = []DeliveryStatus{StatusPending}
}

// Advance moves recipient to next. It returns ErrStatusRegression for a move
// backwards or out of a final state and ErrStatusSkipped for a forward jump
// over an intermediate state.
func (t *Tracker) Advance(recipientID string, next DeliveryStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.statuses[recipientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, recipientID)
	}
	if !cur.CanTransition(next) {
		if next > cur && next != StatusFailed && cur != StatusFailed {
			return fmt.Errorf("%w: %s -> %s for %s", ErrStatusSkipped, cur, next, recipientID)
		}
		return fmt.Errorf("%w: %s -> %s for %s", ErrStatusRegression, cur, next, recipientID)
	}
	t.statuses[recipientID] = next
	t.history[recipientID] = append(t.history[recipientID], next)
	return nil
}

// Status returns the current status of recipient.
func (t *Tracker) Status(recipientID string) (DeliveryStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.statuses[recipientID]
	return s, ok
}

// History returns every status recipient has passed through, in order.
func (t *Tracker) History(recipientID string) []DeliveryStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return append([]DeliveryStatus(nil), t.history[recipientID]...)
}

// Snapshot returns a copy of all current statuses.
func (t *Tracker) Snapshot() map[string]DeliveryStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]DeliveryStatus, len(t.statuses))
	for k, v := range t.statuses {
		out[k] = v
	}
	return out
}

// Recipients returns tracked recipient IDs in sorted order.
func (t *Tracker) Recipients() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.statuses))
	for id := range t.statuses {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
