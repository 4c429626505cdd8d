// ABOUTME: Unit tests for grant token signing and verification
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and missing claims

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/coven-relay/internal/conversation"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func submitGrant(principal string, convs ...string) Grant {
	return Grant{
		PrincipalID:   principal,
		Operations:    []conversation.Operation{conversation.OpSubmit, conversation.OpRead},
		Conversations: convs,
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Sign(submitGrant("agent-1", "conv-1"), time.Hour)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	g, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if g.PrincipalID != "agent-1" {
		t.Errorf("PrincipalID = %q, want %q", g.PrincipalID, "agent-1")
	}
	if len(g.Operations) != 2 || g.Operations[0] != conversation.OpSubmit {
		t.Errorf("Operations = %v", g.Operations)
	}
	if len(g.Conversations) != 1 || g.Conversations[0] != "conv-1" {
		t.Errorf("Conversations = %v", g.Conversations)
	}
	if g.ExpiresAt.IsZero() {
		t.Error("ExpiresAt not set")
	}
}

func TestJWTVerifier_NoExpiry(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	token, err := verifier.Sign(submitGrant("agent-1", "*"), 0)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	g, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !g.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero", g.ExpiresAt)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "empty token",
			token: "",
		},
		{
			name:  "garbage token",
			token: "not-a-jwt-token",
		},
		{
			name:  "malformed JWT",
			token: "header.payload.signature",
		},
		{
			name: "wrong secret",
			token: func() string {
				other := NewJWTVerifier([]byte("different-secret"))
				token, _ := other.Sign(submitGrant("agent-1", "*"), time.Hour)
				return token
			}(),
		},
		{
			name: "wrong algorithm",
			token: func() string {
				token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
					"sub": "agent-1", "ops": []string{"submit"}, "convs": []string{"*"},
				})
				s, _ := token.SignedString(testSecret)
				return s
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	verifier.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, err := verifier.Sign(submitGrant("agent-1", "*"), time.Hour)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	verifier.now = time.Now
	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_MissingClaims(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	if _, err := verifier.Sign(Grant{Operations: []conversation.Operation{"*"}}, time.Hour); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Sign() without principal error = %v, want ErrMissingClaim", err)
	}

	tests := []struct {
		name   string
		claims jwt.MapClaims
	}{
		{"no ops", jwt.MapClaims{"sub": "agent-1", "convs": []string{"*"}}},
		{"no convs", jwt.MapClaims{"sub": "agent-1", "ops": []string{"submit"}}},
		{"no sub", jwt.MapClaims{"ops": []string{"submit"}, "convs": []string{"*"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tt.claims).SignedString(testSecret)
			if err != nil {
				t.Fatalf("signing: %v", err)
			}
			if _, err := verifier.Verify(token); !errors.Is(err, ErrMissingClaim) {
				t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
			}
		})
	}
}

func TestGrant_Allows(t *testing.T) {
	now := time.Now()
	g := &Grant{
		PrincipalID:   "agent-1",
		Operations:    []conversation.Operation{conversation.OpSubmit},
		Conversations: []string{"conv-1"},
		ExpiresAt:     now.Add(time.Minute),
	}

	if !g.Allows(conversation.OpSubmit, "conv-1", now) {
		t.Error("submit to conv-1 should be allowed")
	}
	if g.Allows(conversation.OpLifecycle, "conv-1", now) {
		t.Error("lifecycle should not be allowed")
	}
	if g.Allows(conversation.OpSubmit, "conv-2", now) {
		t.Error("conv-2 should not be allowed")
	}
	if g.Allows(conversation.OpSubmit, "conv-1", now.Add(time.Minute)) {
		t.Error("expired grant should not allow anything")
	}

	all := &Grant{PrincipalID: "root", Operations: []conversation.Operation{Wildcard}, Conversations: []string{Wildcard}}
	if !all.Allows(conversation.OpManageParticipants, "anything", now) {
		t.Error("wildcard grant should allow everything")
	}
}
