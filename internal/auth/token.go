// ABOUTME: Signed conversation grants carried as HS256 JWTs
// ABOUTME: A grant names a principal, the operations it may perform and the conversations it covers

package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/coven-relay/internal/conversation"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Wildcard matches every operation or every conversation.
const Wildcard = "*"

// Grant is the permission set carried by a token.
type Grant struct {
	PrincipalID   string
	Operations    []conversation.Operation
	Conversations []string
	ExpiresAt     time.Time
}

// Allows reports whether the grant covers op on conversationID at now.
func (g *Grant) Allows(op conversation.Operation, conversationID string, now time.Time) bool {
	if !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt) {
		return false
	}
	opOK := slices.ContainsFunc(g.Operations, func(o conversation.Operation) bool {
		return o == op || o == Wildcard
	})
	convOK := slices.Contains(g.Conversations, Wildcard) || slices.Contains(g.Conversations, conversationID)
	return opOK && convOK
}

type grantClaims struct {
	Operations    []string `json:"ops"`
	Conversations []string `json:"convs"`
	jwt.RegisteredClaims
}

// JWTVerifier signs and verifies grant tokens with HS256.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret, now: time.Now}
}

// Sign issues a token for g valid for ttl. A non-positive ttl never expires.
func (v *JWTVerifier) Sign(g Grant, ttl time.Duration) (string, error) {
	if g.PrincipalID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := v.now()
	claims := grantClaims{
		Conversations: g.Conversations,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  g.PrincipalID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	for _, op := range g.Operations {
		claims.Operations = append(claims.Operations, string(op))
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify validates tokenString and returns the grant it carries.
func (v *JWTVerifier) Verify(tokenString string) (*Grant, error) {
	var claims grantClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if len(claims.Operations) == 0 {
		return nil, fmt.Errorf("%w: ops", ErrMissingClaim)
	}
	if len(claims.Conversations) == 0 {
		return nil, fmt.Errorf("%w: convs", ErrMissingClaim)
	}

	g := &Grant{PrincipalID: claims.Subject, Conversations: claims.Conversations}
	for _, op := range claims.Operations {
		g.Operations = append(g.Operations, conversation.Operation(op))
	}
	if claims.ExpiresAt != nil {
		g.ExpiresAt = claims.ExpiresAt.Time
	}
	return g, nil
}
