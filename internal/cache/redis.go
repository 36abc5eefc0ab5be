package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

const redisKeyPrefix = "gatekeeper:decision:"

// Redis is a decision cache backed by a shared Redis instance, for
// deployments running more than one engine replica. Redis handles expiry
// server-side, so the no-expired-reads invariant holds without a sweep.
//
// Lookup and store errors are treated as misses and no-ops: the cache is
// an optimization, never a correctness dependency.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedis creates a Redis-backed cache from a DSN like
// redis://host:6379/0 and verifies connectivity.
func NewRedis(ctx context.Context, dsn string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{client: client, logger: logger}, nil
}

// Lookup implements engine.Cache.
func (r *Redis) Lookup(ctx context.Context, fingerprint string) (engine.Decision, bool) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("redis cache lookup failed", zap.Error(err))
		}
		return engine.Decision{}, false
	}
	var entry cachedDecision
	if err := json.Unmarshal(raw, &entry); err != nil {
		r.logger.Warn("redis cache entry corrupt, treating as miss", zap.Error(err))
		return engine.Decision{}, false
	}
	return entry.toDecision(), true
}

// Store implements engine.Cache. SET with expiry is atomic per key, so
// concurrent stores resolve to last-writer-wins.
func (r *Redis) Store(ctx context.Context, fingerprint string, d engine.Decision, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(fromDecision(d))
	if err != nil {
		r.logger.Warn("redis cache marshal failed", zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+fingerprint, raw, ttl).Err(); err != nil {
		r.logger.Warn("redis cache store failed", zap.Error(err))
	}
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error { return r.client.Close() }

// cachedDecision is the wire form of a decision in Redis. Enum fields are
// stored as strings so entries survive reordering of the Go constants.
type cachedDecision struct {
	Outcome              string   `json:"outcome"`
	Reason               string   `json:"reason"`
	Justification        string   `json:"justification"`
	Guardrails           []string `json:"guardrails,omitempty"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	SimulationRequired   bool     `json:"simulation_required"`
	Escalate             bool     `json:"escalate"`
	Confidence           float32  `json:"confidence"`
	Route                string   `json:"route"`
}

func fromDecision(d engine.Decision) cachedDecision {
	return cachedDecision{
		Outcome:              d.Outcome.String(),
		Reason:               d.Reason,
		Justification:        d.Justification,
		Guardrails:           d.Guardrails,
		RequiresConfirmation: d.RequiresConfirmation,
		SimulationRequired:   d.SimulationRequired,
		Escalate:             d.Escalate,
		Confidence:           d.Confidence,
		Route:                d.Route.String(),
	}
}

func (c cachedDecision) toDecision() engine.Decision {
	outcome := engine.OutcomeDeny
	if c.Outcome == "allow" {
		outcome = engine.OutcomeAllow
	}
	route := engine.RouteUnspecified
	switch c.Route {
	case "cache_hit":
		route = engine.RouteCacheHit
	case "rule_engine":
		route = engine.RouteRuleEngine
	case "escalation":
		route = engine.RouteEscalation
	case "rejected":
		route = engine.RouteRejected
	}
	return engine.Decision{
		Outcome:              outcome,
		Reason:               c.Reason,
		Justification:        c.Justification,
		Guardrails:           c.Guardrails,
		RequiresConfirmation: c.RequiresConfirmation,
		SimulationRequired:   c.SimulationRequired,
		Escalate:             c.Escalate,
		Confidence:           c.Confidence,
		Route:                route,
	}
}
