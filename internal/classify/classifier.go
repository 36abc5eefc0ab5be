// Package classify implements the cheap classifier stage: a low-cost
// model call that characterizes a request's intent and cacheability. The
// classifier never decides outcomes, and its failure is never fatal; the
// engine falls back to locally-derived signals.
package classify

import (
	"context"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

// intentResponse is the JSON shape the classifier model is prompted to
// return.
type intentResponse struct {
	Category    string   `json:"category"`
	Subcategory string   `json:"subcategory"`
	Risk        string   `json:"risk"`
	Guardrails  []string `json:"guardrails"`
	Confidence  float32  `json:"confidence"`
	Cacheable   bool     `json:"cacheable"`
}

// Local is a deterministic, zero-cost classifier used standalone in
// development and as the shape for the engine's fallback intent. It
// derives everything from tier, namespace, and verb.
type Local struct {
	MinTierByVerb        map[engine.ActionVerb]int
	ProductionNamespaces map[string]bool
	ProductionMinTier    int
}

// Classify implements engine.Classifier. Local intents are never marked
// cacheable: with no model behind them their confidence stays below any
// sane cacheable threshold.
func (l *Local) Classify(_ context.Context, req *engine.GovernanceRequest) (*engine.Classification, error) {
	production := l.ProductionNamespaces[req.Namespace]
	intent := engine.Intent{
		Subcategory: "general",
		Guardrails:  []string{"namespace_isolation"},
		Confidence:  0.5,
	}

	switch req.Verb {
	case engine.VerbAccess:
		intent.Category = "data_access"
		intent.Risk = engine.RiskLow
	case engine.VerbComply:
		intent.Category = "compliance"
		intent.Risk = engine.RiskLow
	case engine.VerbCreate:
		intent.Category = "provisioning"
		intent.Risk = engine.RiskMedium
	case engine.VerbModify:
		intent.Category = "configuration"
		intent.Risk = engine.RiskMedium
	case engine.VerbDelete:
		intent.Category = "decommission"
		intent.Risk = engine.RiskHigh
		if production {
			intent.Risk = engine.RiskCritical
		}
	default:
		intent.Category = "unknown"
		intent.Risk = engine.RiskHigh
	}

	if req.Context != nil {
		if res := req.Context.Labels["resource"]; res != "" {
			intent.Subcategory = res
		}
	}

	if minTier, ok := l.MinTierByVerb[req.Verb]; ok && req.AgentTier < minTier {
		intent.TierViolation = true
	}
	if production && req.AgentTier < l.ProductionMinTier {
		intent.TierViolation = true
	}
	if intent.TierViolation {
		intent.Guardrails = append(intent.Guardrails, "tier_enforcement")
	}

	return &engine.Classification{Intent: intent, Cacheable: false}, nil
}
