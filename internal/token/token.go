// Package token issues short-lived proof-of-decision tokens for ALLOW
// outcomes. Downstream executors verify the token instead of trusting
// the agent's claim that it was approved.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

// DefaultTTL bounds how long an approval stays executable.
const DefaultTTL = 15 * time.Minute

// ErrNotAllowed is returned when a token is requested for a non-ALLOW
// decision. Denials never get tokens.
var ErrNotAllowed = errors.New("decision token requires an allow outcome")

// Claims is the decision token payload.
type Claims struct {
	jwt.RegisteredClaims
	AgentID     string   `json:"agent_id"`
	AgentTier   int      `json:"agent_tier"`
	Namespace   string   `json:"namespace"`
	Verb        string   `json:"verb"`
	Category    string   `json:"category"`
	Subcategory string   `json:"subcategory"`
	Route       string   `json:"route"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Guardrails  []string `json:"guardrails,omitempty"`
}

// Issuer signs and verifies decision tokens with a shared HMAC key.
type Issuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

// NewIssuer creates an Issuer. A zero ttl falls back to DefaultTTL.
func NewIssuer(key []byte, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("token signing key must be at least 32 bytes, got %d", len(key))
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{key: key, issuer: issuer, ttl: ttl}, nil
}

// Issue mints a token for an allowed decision. The token subject is the
// request ID, so one approval maps to one executable action.
func (i *Issuer) Issue(req *engine.GovernanceRequest, res *engine.Result) (string, error) {
	if res.Decision.Outcome != engine.OutcomeAllow {
		return "", ErrNotAllowed
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   res.RequestID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        res.RequestID,
		},
		AgentID:     req.AgentID,
		AgentTier:   req.AgentTier,
		Namespace:   req.Namespace,
		Verb:        req.Verb.String(),
		Category:    res.Intent.Category,
		Subcategory: res.Intent.Subcategory,
		Route:       res.Decision.Route.String(),
		Fingerprint: res.Fingerprint,
		Guardrails:  res.Decision.Guardrails,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
}

// Verify parses and validates a decision token, enforcing the HMAC
// signing method and expiry.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("verify decision token: %w", err)
	}
	return claims, nil
}
