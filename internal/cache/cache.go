// Package cache provides the decision cache: a fingerprint-keyed store of
// previously computed decisions with risk-aware expiry. Expired entries
// are logically absent; a lookup never returns one.
package cache

import (
	"time"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

// Policy selects the write-time TTL for a decision from its risk level and
// target namespace. Critical risk always yields zero (never cached);
// production namespaces cap the TTL regardless of risk.
type Policy struct {
	TTLByRisk            map[engine.RiskLevel]time.Duration
	ProductionNamespaces map[string]bool
	ProductionCap        time.Duration
}

// TTL implements engine.TTLPolicy.
func (p *Policy) TTL(risk engine.RiskLevel, namespace string) time.Duration {
	if risk >= engine.RiskCritical {
		return 0
	}
	ttl, ok := p.TTLByRisk[risk]
	if !ok {
		return 0
	}
	if p.ProductionNamespaces[namespace] && ttl > p.ProductionCap {
		ttl = p.ProductionCap
	}
	return ttl
}
