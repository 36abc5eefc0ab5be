package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// AgentStore abstracts registry queries for testability.
type AgentStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*AgentRow, error)
}

// AgentRow is one agents-table record.
type AgentRow struct {
	AgentID    string
	APIKeyHash string
	Tier       int
	Halted     bool
}

// PostgresAuthenticator validates API keys against the agents table.
// Uses Cache with stale-while-revalidate to keep DB + bcrypt off the hot
// path. Auth failures always return an error; nothing is decided for an
// unauthenticated caller.
type PostgresAuthenticator struct {
	store  AgentStore
	cache  *Cache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	Store    AgentStore
	CacheTTL time.Duration // default 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates an authenticator backed by the agent
// registry.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  cfg.Store,
		cache:  NewCache(ttl),
		logger: cfg.Logger,
	}
}

// Authenticate implements Authenticator.
//
// Flow:
//  1. Cache lookup (stale-while-revalidate):
//     fresh hit returns immediately; stale hit returns the stale agent
//     and spawns a background refresh; a miss does the full lookup.
//  2. Full lookup: prefix index scan, then bcrypt verify.
//  3. DB errors surface as ErrAuthUnavailable, never as a silent allow.
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, apiKey string) (*AgentContext, error) {
	result := a.cache.Get(apiKey)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return result.Agent, nil
	}

	agent, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			return nil, ErrInvalidAPIKey
		}
		a.logger.Warn("auth DB unreachable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}

	a.cache.Set(apiKey, agent)
	return agent, nil
}

// backgroundRefresh re-verifies a stale key off the request path. On
// failure the entry is evicted so the next stale read retries.
func (a *PostgresAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		a.cache.Delete(apiKey)
		return
	}
	a.cache.Set(apiKey, agent)
}

// lookupAndVerify does the prefix lookup plus bcrypt verification.
// api_key_prefix is the first 8 chars (e.g. "gk_ab12c").
func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*AgentContext, error) {
	if len(apiKey) < 8 {
		return nil, ErrInvalidAPIKey
	}
	prefix := apiKey[:8]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	if row.Tier < 1 || row.Tier > 4 {
		return nil, fmt.Errorf("agent %s has invalid registered tier %d", row.AgentID, row.Tier)
	}

	return &AgentContext{
		AgentID: row.AgentID,
		Tier:    row.Tier,
		Halted:  row.Halted,
	}, nil
}
