package api

import "time"

// --- POST /v1/decide ---

// RequestContextReq carries optional structured fields alongside the
// request text.
type RequestContextReq struct {
	ResourceCounts map[string]int    `json:"resource_counts,omitempty"`
	Quotas         map[string]int    `json:"quotas,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Paths          []string          `json:"paths,omitempty"`
}

// DecideRequest is the JSON body for POST /v1/decide. The caller's
// identity and registered tier come from the API key; agent_tier here is
// the tier the request claims to act at and may only lower it.
type DecideRequest struct {
	RequestID string             `json:"request_id,omitempty"`
	AgentTier int                `json:"agent_tier,omitempty"`
	Namespace string             `json:"namespace"`
	Action    string             `json:"action"`
	Text      string             `json:"text"`
	Context   *RequestContextReq `json:"context,omitempty"`
}

// DecideResponse is the decision returned to the agent.
type DecideResponse struct {
	RequestID            string   `json:"request_id"`
	Outcome              string   `json:"outcome"`
	Reason               string   `json:"reason"`
	Justification        string   `json:"justification"`
	Guardrails           []string `json:"guardrails,omitempty"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	SimulationRequired   bool     `json:"simulation_required"`
	Escalate             bool     `json:"escalate"`
	Confidence           float32  `json:"confidence"`
	Route                string   `json:"route"`
	Category             string   `json:"category"`
	Subcategory          string   `json:"subcategory"`
	Risk                 string   `json:"risk"`
	Fingerprint          string   `json:"fingerprint,omitempty"`
	LatencyMs            float64  `json:"latency_ms"`
	DecisionToken        string   `json:"decision_token,omitempty"`
}

// ErrorResp is the uniform error body.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// --- Admin surface ---

// RulesResp describes the active rule snapshot.
type RulesResp struct {
	Version  string    `json:"version"`
	Hash     string    `json:"hash"`
	Rules    int       `json:"rules"`
	LoadedAt time.Time `json:"loaded_at"`
}

// KillSwitchReq is the JSON body for POST /api/gatekeeper/killswitch.
type KillSwitchReq struct {
	Global  *bool  `json:"global,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Halted  *bool  `json:"halted,omitempty"`
}

// KillSwitchResp reports the switch state after the change.
type KillSwitchResp struct {
	Global bool `json:"global"`
}
