// Package conversation manages multi-party conversations and is the entry
// point for message submission.
//
// # Lifecycle
//
//	INITIALIZING -> ACTIVE <-> PAUSED
//	ACTIVE|PAUSED -> COMPLETED | FAILED
//
// Transitions are checked against a table; anything else fails with a
// *StateError. Pausing cancels pending delivery retries, and completing or
// failing cancels them for good. Deliveries already marked DELIVERED stay
// that way.
//
// # Roles
//
//   - OBSERVER: reads only
//   - MEMBER: reads and submits
//   - ADMIN: also manages participants, flow control and lifecycle
//   - OWNER: as ADMIN, and may add other owners
//
// # Submission
//
//	res, err := mgr.SubmitMessage(ctx, convID, msg)
//
// SubmitMessage checks state, membership, role, round-robin turn and
// visibility, stamps a strictly increasing per-conversation sequence number
// and hands the message to the router. It returns as soon as recipients are
// resolved; per-recipient outcomes arrive on the router.Result.
//
// # Visibility
//
// A message is visible to a participant when it is unrestricted, when the
// participant is listed in VisibleTo, or when the participant is an OWNER or
// ADMIN. Routing and notifications are filtered with this rule before the
// router sees the participant list.
//
// # Notifications
//
// Subscribe returns a buffered channel per participant. Publishing never
// blocks; notifications for slow subscribers are dropped.
package conversation
