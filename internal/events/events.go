// Package events publishes decision notifications for downstream
// consumers (dashboards, alerting, ticketing on human escalations).
// Emission is fire-and-forget: a lost event never affects the decision
// or the audit trail.
package events

import "time"

// DecisionEvent is the published notification schema.
type DecisionEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	AgentID     string    `json:"agent_id"`
	AgentTier   int       `json:"agent_tier"`
	Namespace   string    `json:"namespace"`
	Verb        string    `json:"verb"`
	Category    string    `json:"category"`
	Subcategory string    `json:"subcategory"`
	Risk        string    `json:"risk"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason"`
	Route       string    `json:"route"`
	Escalate    bool      `json:"escalate"`
	LatencyMs   float64   `json:"latency_ms"`
}

// Emitter publishes decision events. Implementations must not block the
// caller on downstream latency.
type Emitter interface {
	Emit(event DecisionEvent)
}
