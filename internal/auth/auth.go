// Package auth authenticates calling agents and resolves their
// registered tier. The registry is authoritative for tiers: a request
// claiming a higher tier than the registry records is clamped before the
// engine ever sees it.
package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("authentication backend unavailable")
)

// AgentContext holds the authenticated agent's registry record.
type AgentContext struct {
	AgentID string
	Tier    int // 1-4, registry-authoritative
	Halted  bool
}

// Authenticator validates an API key and returns the agent's context.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*AgentContext, error)
}

// ExtractBearer pulls the key out of an Authorization header value.
// The "Bearer" scheme is case-insensitive per RFC 6750.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingAPIKey
	}
	token := header
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, "gk_") {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}

// StaticAuthenticator resolves agents from a fixed key table. Used in
// development and tests; production deployments use the Postgres
// authenticator.
type StaticAuthenticator struct {
	agents map[string]AgentContext // key -> agent
}

// NewStaticAuthenticator creates an authenticator over a fixed table.
func NewStaticAuthenticator(agents map[string]AgentContext) *StaticAuthenticator {
	return &StaticAuthenticator{agents: agents}
}

// Authenticate implements Authenticator.
func (a *StaticAuthenticator) Authenticate(_ context.Context, apiKey string) (*AgentContext, error) {
	agent, ok := a.agents[apiKey]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return &agent, nil
}
