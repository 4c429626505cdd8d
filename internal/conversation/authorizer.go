// ABOUTME: Authorization hook consulted before submissions and management calls
// ABOUTME: The default implementation allows everything

package conversation

import "context"

// Operation names an action subject to authorization.
type Operation string

const (
	OpCreate             Operation = "create"
	OpSubmit             Operation = "submit"
	OpManageParticipants Operation = "manage_participants"
	OpSetFlowControl     Operation = "set_flow_control"
	OpLifecycle          Operation = "lifecycle"
	OpRead               Operation = "read"
)

// Authorizer decides whether principalID may perform op on conversationID.
type Authorizer interface {
	Authorize(ctx context.Context, principalID string, op Operation, conversationID string) bool
}

// AllowAll is the permissive default Authorizer.
type AllowAll struct{}

// Authorize always returns true.
func (AllowAll) Authorize(context.Context, string, Operation, string) bool { return true }
