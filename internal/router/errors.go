// ABOUTME: Routing and delivery error taxonomy
// ABOUTME: Resolution errors fail the route call; delivery errors are scoped to one recipient

package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-relay/internal/capability"
)

var (
	// ErrNoQualifiedRecipient is matched by *NoQualifiedRecipientError.
	ErrNoQualifiedRecipient = errors.New("no qualified recipient")
	// ErrNoRecipients means the strategy resolved to an empty set.
	ErrNoRecipients = errors.New("no recipients resolved")
	// ErrNotParticipant means an explicit recipient is not a conversation participant.
	ErrNotParticipant = errors.New("recipient is not a participant")
	// ErrRecipientsSaturated means every load-balancing candidate is at its in-flight ceiling.
	ErrRecipientsSaturated = errors.New("all candidates at in-flight ceiling")
	// ErrUnknownStrategy is returned for strategies outside the closed set.
	ErrUnknownStrategy = errors.New("unknown routing strategy")

	// ErrRecipientUnavailable is returned by transports when a recipient is
	// momentarily unreachable. It is retried.
	ErrRecipientUnavailable = errors.New("recipient unavailable")
	// ErrDeliveryTimeout marks an attempt that exceeded its deadline. It is retried.
	ErrDeliveryTimeout = errors.New("delivery timed out")
	// ErrDeliveryRejected is a permanent refusal by the recipient's transport.
	ErrDeliveryRejected = errors.New("delivery rejected")
	// ErrDeliveryCancelled marks deliveries stopped by a pause or close.
	ErrDeliveryCancelled = errors.New("delivery cancelled")
)

// NoQualifiedRecipientError reports that capability routing found no
// eligible participant. Callers may resubmit with a lower MinLevel.
type NoQualifiedRecipientError struct {
	ConversationID string
	MessageID      string
	Capabilities   []string
	MinLevel       capability.Level
}

func (e *NoQualifiedRecipientError) Error() string {
	return fmt.Sprintf("conversation %s message %s: no participant provides [%s] at level %s or above",
		e.ConversationID, e.MessageID, strings.Join(e.Capabilities, ", "), e.MinLevel)
}

func (e *NoQualifiedRecipientError) Unwrap() error { return ErrNoQualifiedRecipient }

// DeliveryError is the terminal failure recorded for one recipient.
type DeliveryError struct {
	ConversationID string
	MessageID      string
	RecipientID    string
	Attempts       int
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("conversation %s message %s to %s failed after %d attempt(s): %v",
		e.ConversationID, e.MessageID, e.RecipientID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Transient reports whether a delivery error is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrRecipientUnavailable) ||
		errors.Is(err, ErrDeliveryTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
