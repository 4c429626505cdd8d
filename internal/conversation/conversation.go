// ABOUTME: Conversation domain types: lifecycle states, roles, flow control and participants
// ABOUTME: Also holds the transition table and the typed errors surfaced by the manager

package conversation

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/message"
)

// State is a conversation lifecycle state.
type State int

const (
	StateInitializing State = iota
	StateActive
	StatePaused
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState converts a state name into a State.
func ParseState(s string) (State, error) {
	for st := StateInitializing; st <= StateFailed; st++ {
		if st.String() == strings.ToLower(strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown conversation state %q", s)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var transitions = map[State][]State{
	StateInitializing: {StateActive},
	StateActive:       {StatePaused, StateCompleted, StateFailed},
	StatePaused:       {StateActive, StateCompleted, StateFailed},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// Role governs what a participant may see and do.
type Role int

const (
	RoleObserver Role = iota
	RoleMember
	RoleAdmin
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleObserver:
		return "observer"
	case RoleMember:
		return "member"
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole converts a role name into a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "observer":
		return RoleObserver, nil
	case "member":
		return RoleMember, nil
	case "admin":
		return RoleAdmin, nil
	case "owner":
		return RoleOwner, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// CanWrite reports whether the role may submit messages.
func (r Role) CanWrite() bool { return r >= RoleMember }

// CanManage reports whether the role may change membership, flow control
// and lifecycle.
func (r Role) CanManage() bool { return r >= RoleAdmin }

// FlowControl decides who may submit next.
type FlowControl int

const (
	FlowFreeForm FlowControl = iota
	FlowRoundRobin
)

func (f FlowControl) String() string {
	switch f {
	case FlowFreeForm:
		return "free_form"
	case FlowRoundRobin:
		return "round_robin"
	default:
		return fmt.Sprintf("flow(%d)", int(f))
	}
}

// Valid reports whether f is a known flow-control strategy.
func (f FlowControl) Valid() bool {
	return f == FlowFreeForm || f == FlowRoundRobin
}

// ParseFlowControl converts a flow-control name into a FlowControl.
func ParseFlowControl(s string) (FlowControl, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "free_form", "freeform":
		return FlowFreeForm, nil
	case "round_robin", "roundrobin":
		return FlowRoundRobin, nil
	}
	return 0, fmt.Errorf("unknown flow control %q", s)
}

// ParticipantType distinguishes agents from humans.
type ParticipantType string

const (
	ParticipantAgent ParticipantType = "agent"
	ParticipantHuman ParticipantType = "human"
)

// Participant is a conversation member.
type Participant struct {
	ID              string
	Type            ParticipantType
	Role            Role
	PreferredFormat message.Format
	// Capabilities caches the capability IDs relevant to routing.
	Capabilities []string
	JoinedAt     time.Time
	LastActiveAt time.Time
}

func (p Participant) clone() Participant {
	p.Capabilities = slices.Clone(p.Capabilities)
	return p
}

// Conversation is a point-in-time snapshot returned by the manager.
type Conversation struct {
	ID           string
	Name         string
	State        State
	FlowControl  FlowControl
	Participants []Participant
	// CurrentTurn is the participant allowed to submit under round-robin.
	CurrentTurn string
	Sequence    uint64
	Metadata    map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Participant returns the member with id, if present.
func (c *Conversation) Participant(id string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Spec describes a conversation to create.
type Spec struct {
	ID           string // generated when empty
	Name         string
	CreatorID    string
	FlowControl  FlowControl
	Participants []Participant // must include the creator
	Metadata     map[string]string
}

var (
	// ErrInvalidState is matched by *StateError.
	ErrInvalidState = errors.New("operation invalid in conversation state")
	// ErrTurnViolation is matched by *TurnViolationError.
	ErrTurnViolation = errors.New("not this participant's turn")
	// ErrNotFound means the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrNotParticipant means an ID is not a current participant.
	ErrNotParticipant = errors.New("not a participant")
	// ErrAlreadyParticipant is returned when adding an existing member.
	ErrAlreadyParticipant = errors.New("already a participant")
	// ErrPermissionDenied means the participant's role does not allow the operation.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnauthorized means the authorizer refused the operation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidSpec means a creation spec or message failed validation.
	ErrInvalidSpec = errors.New("invalid conversation spec")
	// ErrInvalidMessage means a submitted message failed validation.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNotVisible means an explicit recipient may not see a restricted message.
	ErrNotVisible = errors.New("recipient cannot see message")
	// ErrDuplicateMessage means the message ID was already submitted recently.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrLastOwner is returned when removing the only owner.
	ErrLastOwner = errors.New("cannot remove the last owner")
	// ErrUnknownMessage means the message is not in the conversation's recent history.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotDelivered means an acknowledgement arrived before the message
	// reached DELIVERED for that recipient, or from someone it was not routed to.
	ErrNotDelivered = errors.New("message not delivered to recipient")
)

// StateError reports an operation attempted in a state that does not allow it.
type StateError struct {
	ConversationID string
	Op             string
	State          State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("conversation %s: cannot %s while %s", e.ConversationID, e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// TurnViolationError reports a round-robin submission out of turn.
type TurnViolationError struct {
	ConversationID string
	SenderID       string
	Expected       string
}

func (e *TurnViolationError) Error() string {
	return fmt.Sprintf("conversation %s: %s submitted out of turn, expected %s", e.ConversationID, e.SenderID, e.Expected)
}

func (e *TurnViolationError) Unwrap() error { return ErrTurnViolation }
