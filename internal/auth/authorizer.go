// ABOUTME: Grant-based implementation of the conversation authorization hook
// ABOUTME: Principals are admitted by presenting a signed token; revocation drops the grant

package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/conversation"
)

// GrantAuthorizer allows an operation when the principal holds an unexpired
// grant covering it. Principals without a grant are denied.
type GrantAuthorizer struct {
	verifier *JWTVerifier

	mu     sync.RWMutex
	grants map[string]*Grant

	now    func() time.Time
	logger *slog.Logger
}

var _ conversation.Authorizer = (*GrantAuthorizer)(nil)

// NewGrantAuthorizer creates an authorizer verifying tokens signed with secret.
func NewGrantAuthorizer(secret []byte, logger *slog.Logger) *GrantAuthorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GrantAuthorizer{
		verifier: NewJWTVerifier(secret),
		grants:   make(map[string]*Grant),
		now:      time.Now,
		logger:   logger.With("component", "auth"),
	}
}

// Issue signs a token for g.
func (a *GrantAuthorizer) Issue(g Grant, ttl time.Duration) (string, error) {
	return a.verifier.Sign(g, ttl)
}

// Admit verifies token and stores its grant, replacing any earlier grant
// for the same principal.
func (a *GrantAuthorizer) Admit(token string) (*Grant, error) {
	g, err := a.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.grants[g.PrincipalID] = g
	a.mu.Unlock()

	a.logger.Info("grant admitted",
		"principal_id", g.PrincipalID,
		"operations", g.Operations,
		"conversations", g.Conversations)
	return g, nil
}

// Verify checks token without admitting it, for request-scoped use with
// WithGrant.
func (a *GrantAuthorizer) Verify(token string) (*Grant, error) {
	return a.verifier.Verify(token)
}

// Revoke drops principalID's admitted grant. It reports whether one existed.
func (a *GrantAuthorizer) Revoke(principalID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.grants[principalID]; !ok {
		return false
	}
	delete(a.grants, principalID)
	a.logger.Info("grant revoked", "principal_id", principalID)
	return true
}

// Authorize implements conversation.Authorizer.
func (a *GrantAuthorizer) Authorize(ctx context.Context, principalID string, op conversation.Operation, conversationID string) bool {
	g := FromContext(ctx)
	if g == nil || g.PrincipalID != principalID {
		a.mu.RLock()
		g = a.grants[principalID]
		a.mu.RUnlock()
	}

	if g != nil && g.Allows(op, conversationID, a.now()) {
		return true
	}
	a.logger.Debug("operation denied",
		"principal_id", principalID,
		"operation", string(op),
		"conversation_id", conversationID)
	return false
}
