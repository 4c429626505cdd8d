// ABOUTME: Tests for the grant authorizer
// ABOUTME: Covers admit, revoke, context grants and wiring into the conversation manager

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/message"
	"github.com/2389/coven-relay/internal/router"
)

func TestGrantAuthorizer_AdmitAndRevoke(t *testing.T) {
	a := NewGrantAuthorizer(testSecret, nil)
	ctx := t.Context()

	assert.False(t, a.Authorize(ctx, "agent-1", conversation.OpSubmit, "conv-1"), "no grant yet")

	token, err := a.Issue(submitGrant("agent-1", "conv-1"), time.Hour)
	require.NoError(t, err)
	g, err := a.Admit(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", g.PrincipalID)

	assert.True(t, a.Authorize(ctx, "agent-1", conversation.OpSubmit, "conv-1"))
	assert.True(t, a.Authorize(ctx, "agent-1", conversation.OpRead, "conv-1"))
	assert.False(t, a.Authorize(ctx, "agent-1", conversation.OpLifecycle, "conv-1"))
	assert.False(t, a.Authorize(ctx, "agent-1", conversation.OpSubmit, "conv-2"))
	assert.False(t, a.Authorize(ctx, "agent-2", conversation.OpSubmit, "conv-1"))

	assert.True(t, a.Revoke("agent-1"))
	assert.False(t, a.Revoke("agent-1"))
	assert.False(t, a.Authorize(ctx, "agent-1", conversation.OpSubmit, "conv-1"))
}

func TestGrantAuthorizer_AdmitRejectsBadToken(t *testing.T) {
	a := NewGrantAuthorizer(testSecret, nil)
	_, err := a.Admit("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGrantAuthorizer_ExpiredGrantDenied(t *testing.T) {
	a := NewGrantAuthorizer(testSecret, nil)
	token, err := a.Issue(submitGrant("agent-1", "*"), time.Minute)
	require.NoError(t, err)
	_, err = a.Admit(token)
	require.NoError(t, err)

	a.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.False(t, a.Authorize(t.Context(), "agent-1", conversation.OpSubmit, "conv-1"))
}

func TestGrantAuthorizer_ContextGrant(t *testing.T) {
	a := NewGrantAuthorizer(testSecret, nil)
	token, err := a.Issue(submitGrant("agent-1", "conv-1"), time.Hour)
	require.NoError(t, err)
	g, err := a.Verify(token)
	require.NoError(t, err)

	ctx := WithGrant(t.Context(), g)
	assert.Same(t, g, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))

	assert.True(t, a.Authorize(ctx, "agent-1", conversation.OpSubmit, "conv-1"))
	// A context grant only speaks for its own principal.
	assert.False(t, a.Authorize(ctx, "agent-2", conversation.OpSubmit, "conv-1"))
}

type nopDeliverer struct{}

func (nopDeliverer) Deliver(context.Context, string, *message.Message) error { return nil }

func TestGrantAuthorizer_GuardsManager(t *testing.T) {
	a := NewGrantAuthorizer(testSecret, nil)
	rt := router.New(nil, nil, nopDeliverer{}, router.DefaultConfig())
	mgr := conversation.NewManager(rt, conversation.WithAuthorizer(a))
	defer mgr.Close()

	spec := conversation.Spec{
		ID:        "conv-1",
		CreatorID: "owner",
		Participants: []conversation.Participant{
			{ID: "owner"}, {ID: "agent-1", Role: conversation.RoleMember},
		},
	}
	_, err := mgr.Create(t.Context(), spec)
	require.ErrorIs(t, err, conversation.ErrUnauthorized)

	owner, err := a.Issue(Grant{
		PrincipalID:   "owner",
		Operations:    []conversation.Operation{Wildcard},
		Conversations: []string{Wildcard},
	}, time.Hour)
	require.NoError(t, err)
	_, err = a.Admit(owner)
	require.NoError(t, err)

	_, err = mgr.Create(t.Context(), spec)
	require.NoError(t, err)

	_, err = mgr.SubmitMessage(t.Context(), "conv-1", message.New("agent-1", "hi"))
	assert.ErrorIs(t, err, conversation.ErrUnauthorized)

	token, err := a.Issue(submitGrant("agent-1", "conv-1"), time.Hour)
	require.NoError(t, err)
	_, err = a.Admit(token)
	require.NoError(t, err)

	res, err := mgr.SubmitMessage(t.Context(), "conv-1", message.New("agent-1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"owner"}, res.Recipients)
}
