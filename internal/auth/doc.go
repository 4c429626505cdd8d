// Package auth provides the grant-based authorizer for conversations.
//
// # Grants
//
// A grant names a principal, the conversation operations it may perform
// (create, submit, manage_participants, set_flow_control, lifecycle, read)
// and the conversation IDs it covers. "*" matches every operation or every
// conversation. Grants travel as HS256 JWTs:
//
//	{
//	  "sub":   "agent-7",
//	  "ops":   ["submit", "read"],
//	  "convs": ["*"],
//	  "exp":   1767225600
//	}
//
// # Authorization
//
// GrantAuthorizer implements conversation.Authorizer. A grant attached to
// the request context with WithGrant is checked first; otherwise the grant
// admitted for the principal with Admit is used. Principals without a
// covering, unexpired grant are denied. Revoke removes an admitted grant.
package auth
