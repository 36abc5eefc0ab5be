package engine

import "time"

// Outcome represents the final governance decision.
type Outcome int

const (
	OutcomeAllow Outcome = iota + 1
	OutcomeDeny
)

// String returns the lowercase outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeDeny:
		return "deny"
	default:
		return "unspecified"
	}
}

// Route identifies which pipeline stage produced a decision.
type Route int

const (
	RouteUnspecified Route = iota
	RouteRejected          // sanitizer or pre-flight short-circuit
	RouteCacheHit          // cache_hit
	RouteRuleEngine        // rule_engine
	RouteEscalation        // escalation
)

// String returns the audit-record route name.
func (r Route) String() string {
	switch r {
	case RouteRejected:
		return "rejected"
	case RouteCacheHit:
		return "cache_hit"
	case RouteRuleEngine:
		return "rule_engine"
	case RouteEscalation:
		return "escalation"
	default:
		return "unspecified"
	}
}

// RiskLevel is the ordinal risk classification of an intent.
type RiskLevel int

const (
	RiskUnspecified RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns the lowercase risk name.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unspecified"
	}
}

// ParseRiskLevel maps a risk string to its ordinal level.
// Unknown strings map to RiskUnspecified.
func ParseRiskLevel(s string) RiskLevel {
	switch s {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	case "critical":
		return RiskCritical
	default:
		return RiskUnspecified
	}
}

// ActionVerb is the closed set of actions an agent can request.
type ActionVerb int

const (
	VerbUnspecified ActionVerb = iota
	VerbCreate
	VerbModify
	VerbDelete
	VerbAccess
	VerbComply
)

// String returns the lowercase verb name.
func (v ActionVerb) String() string {
	switch v {
	case VerbCreate:
		return "create"
	case VerbModify:
		return "modify"
	case VerbDelete:
		return "delete"
	case VerbAccess:
		return "access"
	case VerbComply:
		return "comply"
	default:
		return "unspecified"
	}
}

// ParseActionVerb maps a verb string to its ActionVerb.
func ParseActionVerb(s string) ActionVerb {
	switch s {
	case "create":
		return VerbCreate
	case "modify":
		return VerbModify
	case "delete":
		return VerbDelete
	case "access":
		return VerbAccess
	case "comply":
		return VerbComply
	default:
		return VerbUnspecified
	}
}

// Machine-readable reason codes carried on every decision.
const (
	ReasonInputRejected          = "input_rejected"
	ReasonHalted                 = "halted"
	ReasonPolicyIntegrityFailure = "policy_integrity_failure"
	ReasonCacheHit               = "cache_hit"
	ReasonRuleMatch              = "rule_match"
	ReasonEscalationDecision     = "escalation_decision"
	ReasonEscalationUnavailable  = "escalation_unavailable"
	ReasonAuditFailure           = "audit_failure"
)

// RequestContext carries optional structured fields alongside the raw text.
// Paths holds any file-path-shaped values so the sanitizer can check them
// for traversal sequences.
type RequestContext struct {
	ResourceCounts map[string]int    `json:"resource_counts,omitempty"`
	Quotas         map[string]int    `json:"quotas,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Paths          []string          `json:"paths,omitempty"`
}

// GovernanceRequest is an immutable inbound request. Created once per call
// and consumed by every pipeline stage; never mutated after sanitization.
type GovernanceRequest struct {
	RequestID string
	AgentID   string
	AgentTier int // 1-4
	Namespace string
	Verb      ActionVerb
	Text      string
	Context   *RequestContext
}

// Intent is the structured characterization of a request, produced by the
// classifier (or derived locally when the classifier is unavailable).
type Intent struct {
	Category      string
	Subcategory   string
	Risk          RiskLevel
	TierViolation bool
	Guardrails    []string
	Confidence    float32
}

// Decision is the immutable result of the pipeline. Once produced it is
// never altered; it may be cached or discarded depending on risk.
type Decision struct {
	Outcome              Outcome
	Reason               string // machine-readable reason code
	Justification        string // human-readable explanation
	Guardrails           []string
	RequiresConfirmation bool
	SimulationRequired   bool
	Escalate             bool
	Confidence           float32
	Route                Route
}

// Usage tracks token and cost consumption for a request.
type Usage struct {
	TokensIn  int
	TokensOut int
	CostUSD   float64
}

// Add accumulates another usage into this one.
func (u *Usage) Add(other Usage) {
	u.TokensIn += other.TokensIn
	u.TokensOut += other.TokensOut
	u.CostUSD += other.CostUSD
}

// AuditRecord is the append-only trail entry written once per processed
// request, before the caller receives the decision. RecordHash and PrevHash
// are filled in by the audit sink to chain records.
type AuditRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	AgentID     string    `json:"agent_id"`
	AgentTier   int       `json:"agent_tier"`
	Namespace   string    `json:"namespace"`
	Verb        string    `json:"verb"`
	Fingerprint string    `json:"fingerprint"`

	Category      string  `json:"category"`
	Subcategory   string  `json:"subcategory"`
	Risk          string  `json:"risk"`
	TierViolation bool    `json:"tier_violation"`
	IntentConf    float32 `json:"intent_confidence"`

	Outcome              string   `json:"outcome"`
	Reason               string   `json:"reason"`
	Justification        string   `json:"justification"`
	Guardrails           []string `json:"guardrails,omitempty"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	SimulationRequired   bool     `json:"simulation_required"`
	Escalate             bool     `json:"escalate"`
	DecisionConf         float32  `json:"decision_confidence"`
	Route                string   `json:"route"`

	TokensIn   int     `json:"tokens_in"`
	TokensOut  int     `json:"tokens_out"`
	CostUSD    float64 `json:"cost_usd"`
	LatencyMs  float64 `json:"latency_ms"`
	PolicyHash string  `json:"policy_hash"`

	PrevHash   string `json:"prev_hash,omitempty"`
	RecordHash string `json:"record_hash,omitempty"`
}

// Result is what the engine returns to the caller: the decision, the
// intent it was decided under, and routing metadata.
type Result struct {
	Decision    Decision
	Intent      Intent
	RequestID   string
	Fingerprint string
	Usage       Usage
	Latency     time.Duration
}
