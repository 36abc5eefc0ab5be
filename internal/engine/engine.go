// Package engine implements the tiered governance decision pipeline:
// sanitize, pre-flight guards, cache lookup, cheap classification, rule
// evaluation, and escalation to the expensive reasoning backend, with a
// synchronous audit append before any decision leaves the engine.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sanitizer validates and cleans an inbound request. A non-nil error
// (wrapping ErrInvalidInput) rejects the request before any other stage.
type Sanitizer interface {
	Sanitize(req *GovernanceRequest) error
}

// Preflight is an O(1), side-effect-free check consulted at the start of
// every decision (kill switch, policy integrity).
type Preflight interface {
	Name() string
	Check(req *GovernanceRequest) error
}

// Classification is the cheap classifier's characterization of a request.
type Classification struct {
	Intent    Intent
	Cacheable bool
	Usage     Usage
}

// Classifier estimates a structured intent and cacheability. It never
// decides outcomes. Implementations must respect ctx deadlines.
type Classifier interface {
	Classify(ctx context.Context, req *GovernanceRequest) (*Classification, error)
}

// Cache maps request fingerprints to previously computed decisions.
// Lookup must never return an expired entry; Store with ttl <= 0 is a no-op.
type Cache interface {
	Lookup(ctx context.Context, fingerprint string) (Decision, bool)
	Store(ctx context.Context, fingerprint string, d Decision, ttl time.Duration)
}

// TTLPolicy selects the cache TTL for a decision at write time.
type TTLPolicy interface {
	TTL(risk RiskLevel, namespace string) time.Duration
}

// RuleMatcher evaluates an intent against the loaded rule table at zero
// remote-call cost. The boolean reports whether a rule fired.
type RuleMatcher interface {
	Match(req *GovernanceRequest, intent Intent) (*Decision, bool)
}

// Escalated carries a decision from the reasoning backend plus its cost.
type Escalated struct {
	Decision Decision
	Usage    Usage
}

// Escalator invokes the expensive reasoning backend under a bounded
// timeout and budget. Errors wrap ErrEscalationUnavailable.
type Escalator interface {
	Escalate(ctx context.Context, req *GovernanceRequest, intent Intent) (*Escalated, error)
}

// AuditSink appends one immutable record per processed request. Record is
// called synchronously before the caller receives the decision.
type AuditSink interface {
	Record(ctx context.Context, rec *AuditRecord) error
}

// DistillCandidate is a high-confidence escalated decision offered to the
// distillation pipeline.
type DistillCandidate struct {
	Signature string
	Intent    Intent
	Decision  Decision
	Namespace string
	AgentTier int
	At        time.Time
}

// DistillSink receives candidates off the hot path. Offer must never
// block; it reports false when the candidate was dropped.
type DistillSink interface {
	Offer(c DistillCandidate) bool
}

// Options holds the thresholds and tier tables the engine needs locally.
type Options struct {
	CacheableThreshold   float32
	DistillThreshold     float32
	MinTierByVerb        map[ActionVerb]int
	ProductionNamespaces map[string]bool
	ProductionMinTier    int
}

// Engine orchestrates the decision cascade. All collaborators are
// injected; there is no ambient global state, so tests can substitute
// isolated instances of every stage.
type Engine struct {
	sanitizer  Sanitizer
	preflights []Preflight
	cache      Cache
	ttl        TTLPolicy
	classifier Classifier
	rules      RuleMatcher
	escalator  Escalator
	audit      AuditSink
	distill    DistillSink
	policyHash func() string
	opts       Options
	logger     *zap.Logger
}

// Deps bundles the engine's injected collaborators.
type Deps struct {
	Sanitizer  Sanitizer
	Preflights []Preflight
	Cache      Cache
	TTL        TTLPolicy
	Classifier Classifier
	Rules      RuleMatcher
	Escalator  Escalator
	Audit      AuditSink
	Distill    DistillSink
	PolicyHash func() string
	Logger     *zap.Logger
}

// New creates an Engine with the given collaborators and options.
func New(deps Deps, opts Options) *Engine {
	hash := deps.PolicyHash
	if hash == nil {
		hash = func() string { return "" }
	}
	return &Engine{
		sanitizer:  deps.Sanitizer,
		preflights: deps.Preflights,
		cache:      deps.Cache,
		ttl:        deps.TTL,
		classifier: deps.Classifier,
		rules:      deps.Rules,
		escalator:  deps.Escalator,
		audit:      deps.Audit,
		distill:    deps.Distill,
		policyHash: hash,
		opts:       opts,
		logger:     deps.Logger,
	}
}

// Decide runs the full pipeline for one request. It always returns a
// non-nil Result carrying a Decision; the error is non-nil only when the
// audit trail could not be written (the Decision is then DENY).
//
// Exactly one audit record is written per call, before the result is
// returned. No error path ever resolves to ALLOW.
func (e *Engine) Decide(ctx context.Context, req *GovernanceRequest) (*Result, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	var usage Usage

	local := e.localIntent(req)

	// 1. Sanitize. Rejection short-circuits before any external call.
	if err := e.sanitizer.Sanitize(req); err != nil {
		d := denyDecision(ReasonInputRejected, err.Error())
		return e.finish(ctx, req, local, d, "", usage, start)
	}

	// 2. Pre-flight guards: kill switch, policy integrity.
	for _, pf := range e.preflights {
		if err := pf.Check(req); err != nil {
			d := denyDecision(ReasonForError(err), err.Error())
			return e.finish(ctx, req, local, d, "", usage, start)
		}
	}

	// 3. Cache lookup, keyed on the locally-derived intent so the
	// fingerprint is computable without any backend call.
	fp, err := Fingerprint(req, local)
	if err != nil {
		d := denyDecision(ReasonInputRejected, "unfingerprintable request: "+err.Error())
		return e.finish(ctx, req, local, d, "", usage, start)
	}
	if cached, ok := e.cache.Lookup(ctx, fp); ok {
		cached.Route = RouteCacheHit
		return e.finish(ctx, req, local, cached, fp, usage, start)
	}

	// 4. Cheap classification. Failure degrades to the local intent with
	// zero confidence; it never fails the request.
	intent := local
	cacheable := false
	if cls, cerr := e.classifier.Classify(ctx, req); cerr != nil {
		e.logger.Warn("classifier unavailable, falling back to local intent",
			zap.String("request_id", req.RequestID),
			zap.Error(cerr),
		)
		intent.Confidence = 0
	} else {
		usage.Add(cls.Usage)
		intent = cls.Intent
		// Local tier-violation detection is authoritative: the classifier
		// can add a violation but never clear one.
		intent.TierViolation = intent.TierViolation || local.TierViolation
		cacheable = cls.Cacheable && cls.Intent.Confidence >= e.opts.CacheableThreshold
	}

	// 5. Rule evaluation, only for medium-or-lower risk with no tier
	// violation. High/critical risk always escalates.
	if intent.Risk <= RiskMedium && intent.Risk != RiskUnspecified && !intent.TierViolation {
		if matched, ok := e.rules.Match(req, intent); ok {
			d := *matched
			d.Route = RouteRuleEngine
			res, ferr := e.finish(ctx, req, intent, d, fp, usage, start)
			if ferr == nil {
				e.writeBack(ctx, fp, req, intent, d, cacheable)
			}
			return res, ferr
		}
	}

	// 6. Escalation. Timeout or backend error fails safe to DENY.
	esc, eerr := e.escalator.Escalate(ctx, req, intent)
	if eerr != nil {
		e.logger.Warn("escalation unavailable, failing safe",
			zap.String("request_id", req.RequestID),
			zap.Error(eerr),
		)
		d := denyDecision(ReasonEscalationUnavailable, "reasoning backend unavailable; failing safe")
		d.Route = RouteEscalation
		return e.finish(ctx, req, intent, d, fp, usage, start)
	}
	usage.Add(esc.Usage)
	d := esc.Decision
	d.Route = RouteEscalation

	// High-confidence escalated decisions feed distillation. Best-effort,
	// never blocks the response path.
	if e.distill != nil && d.Confidence >= e.opts.DistillThreshold {
		if !e.distill.Offer(DistillCandidate{
			Signature: fp,
			Intent:    intent,
			Decision:  d,
			Namespace: req.Namespace,
			AgentTier: req.AgentTier,
			At:        time.Now(),
		}) {
			e.logger.Warn("distillation queue full, dropping candidate",
				zap.String("fingerprint", fp),
			)
		}
	}

	res, ferr := e.finish(ctx, req, intent, d, fp, usage, start)
	if ferr == nil {
		e.writeBack(ctx, fp, req, intent, d, cacheable)
	}
	return res, ferr
}

// writeBack stores a decision in the cache when the classifier marked the
// request cacheable. TTL selection enforces the risk and namespace rules;
// a zero TTL (critical risk) makes the store a no-op.
func (e *Engine) writeBack(ctx context.Context, fp string, req *GovernanceRequest, intent Intent, d Decision, cacheable bool) {
	if !cacheable || intent.Risk >= RiskCritical {
		return
	}
	ttl := e.ttl.TTL(intent.Risk, req.Namespace)
	if ttl <= 0 {
		return
	}
	e.cache.Store(ctx, fp, d, ttl)
}

// finish writes the audit record and assembles the result. If the audit
// append fails the decision is replaced with DENY audit_failure: an
// unaudited ALLOW is a compliance violation worse than an unnecessary
// denial.
func (e *Engine) finish(ctx context.Context, req *GovernanceRequest, intent Intent, d Decision, fp string, usage Usage, start time.Time) (*Result, error) {
	latency := time.Since(start)
	rec := &AuditRecord{
		Timestamp:   time.Now().UTC(),
		RequestID:   req.RequestID,
		AgentID:     req.AgentID,
		AgentTier:   req.AgentTier,
		Namespace:   req.Namespace,
		Verb:        req.Verb.String(),
		Fingerprint: fp,

		Category:      intent.Category,
		Subcategory:   intent.Subcategory,
		Risk:          intent.Risk.String(),
		TierViolation: intent.TierViolation,
		IntentConf:    intent.Confidence,

		Outcome:              d.Outcome.String(),
		Reason:               d.Reason,
		Justification:        d.Justification,
		Guardrails:           d.Guardrails,
		RequiresConfirmation: d.RequiresConfirmation,
		SimulationRequired:   d.SimulationRequired,
		Escalate:             d.Escalate,
		DecisionConf:         d.Confidence,
		Route:                d.Route.String(),

		TokensIn:   usage.TokensIn,
		TokensOut:  usage.TokensOut,
		CostUSD:    usage.CostUSD,
		LatencyMs:  float64(latency) / float64(time.Millisecond),
		PolicyHash: e.policyHash(),
	}

	if err := e.audit.Record(ctx, rec); err != nil {
		e.logger.Error("audit write failed, denying request",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		denied := denyDecision(ReasonAuditFailure, "audit trail unavailable; unaudited decisions are not returned")
		denied.Route = d.Route
		return &Result{
			Decision:    denied,
			Intent:      intent,
			RequestID:   req.RequestID,
			Fingerprint: fp,
			Usage:       usage,
			Latency:     time.Since(start),
		}, fmt.Errorf("%w: %v", ErrAuditWriteFailure, err)
	}

	return &Result{
		Decision:    d,
		Intent:      intent,
		RequestID:   req.RequestID,
		Fingerprint: fp,
		Usage:       usage,
		Latency:     time.Since(start),
	}, nil
}

// localIntent derives a deterministic intent from signals available
// without any backend call: tier, namespace, and action verb. It keys the
// cache fingerprint and is the fallback when the classifier is down.
func (e *Engine) localIntent(req *GovernanceRequest) Intent {
	intent := Intent{
		Subcategory: "general",
		Guardrails:  []string{"namespace_isolation"},
		Confidence:  0.5,
	}

	production := e.opts.ProductionNamespaces[req.Namespace]

	switch req.Verb {
	case VerbAccess:
		intent.Category = "data_access"
		intent.Risk = RiskLow
	case VerbComply:
		intent.Category = "compliance"
		intent.Risk = RiskLow
	case VerbCreate:
		intent.Category = "provisioning"
		intent.Risk = RiskMedium
	case VerbModify:
		intent.Category = "configuration"
		intent.Risk = RiskMedium
	case VerbDelete:
		intent.Category = "decommission"
		intent.Risk = RiskHigh
		if production {
			intent.Risk = RiskCritical
		}
	default:
		intent.Category = "unknown"
		intent.Risk = RiskHigh
	}

	if req.Context != nil && req.Context.Labels != nil {
		if res := req.Context.Labels["resource"]; res != "" {
			intent.Subcategory = res
		}
	}

	if minTier, ok := e.opts.MinTierByVerb[req.Verb]; ok && req.AgentTier < minTier {
		intent.TierViolation = true
	}
	if production && req.AgentTier < e.opts.ProductionMinTier {
		intent.TierViolation = true
	}
	if intent.TierViolation {
		intent.Guardrails = append(intent.Guardrails, "tier_enforcement")
	}

	return intent
}

func denyDecision(reason, justification string) Decision {
	return Decision{
		Outcome:       OutcomeDeny,
		Reason:        reason,
		Justification: justification,
		Route:         RouteRejected,
		Confidence:    1,
	}
}
