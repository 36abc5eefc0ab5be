package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
)

// --- fakes ---

type fakeSanitizer struct {
	err   error
	calls int
}

func (f *fakeSanitizer) Sanitize(*GovernanceRequest) error {
	f.calls++
	return f.err
}

type fakePreflight struct {
	name string
	err  error
}

func (f *fakePreflight) Name() string                   { return f.name }
func (f *fakePreflight) Check(*GovernanceRequest) error { return f.err }

type fakeCache struct {
	entries map[string]Decision
	stores  map[string]time.Duration
	lookups int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries: make(map[string]Decision),
		stores:  make(map[string]time.Duration),
	}
}

func (f *fakeCache) Lookup(_ context.Context, fp string) (Decision, bool) {
	f.lookups++
	d, ok := f.entries[fp]
	return d, ok
}

func (f *fakeCache) Store(_ context.Context, fp string, d Decision, ttl time.Duration) {
	f.entries[fp] = d
	f.stores[fp] = ttl
}

type fakeTTL struct{ ttl time.Duration }

func (f *fakeTTL) TTL(risk RiskLevel, _ string) time.Duration {
	if risk >= RiskCritical {
		return 0
	}
	return f.ttl
}

type fakeClassifier struct {
	cls   *Classification
	err   error
	calls int
}

func (f *fakeClassifier) Classify(_ context.Context, _ *GovernanceRequest) (*Classification, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.cls, nil
}

type fakeRules struct {
	decision *Decision
	calls    int
}

func (f *fakeRules) Match(_ *GovernanceRequest, _ Intent) (*Decision, bool) {
	f.calls++
	if f.decision == nil {
		return nil, false
	}
	d := *f.decision
	return &d, true
}

type fakeEscalator struct {
	result *Escalated
	err    error
	calls  int
}

func (f *fakeEscalator) Escalate(_ context.Context, _ *GovernanceRequest, _ Intent) (*Escalated, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeAudit struct {
	records []*AuditRecord
	err     error
}

func (f *fakeAudit) Record(_ context.Context, rec *AuditRecord) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

type fakeDistill struct {
	offered []DistillCandidate
	full    bool
}

func (f *fakeDistill) Offer(c DistillCandidate) bool {
	if f.full {
		return false
	}
	f.offered = append(f.offered, c)
	return true
}

// --- harness ---

type harness struct {
	sanitizer  *fakeSanitizer
	preflights []Preflight
	cache      *fakeCache
	classifier *fakeClassifier
	rules      *fakeRules
	escalator  *fakeEscalator
	audit      *fakeAudit
	distill    *fakeDistill
}

func newHarness() *harness {
	return &harness{
		sanitizer:  &fakeSanitizer{},
		cache:      newFakeCache(),
		classifier: &fakeClassifier{cls: &Classification{
			Intent: Intent{
				Category:    "provisioning",
				Subcategory: "general",
				Risk:        RiskMedium,
				Confidence:  0.95,
			},
			Cacheable: true,
		}},
		rules:     &fakeRules{},
		escalator: &fakeEscalator{result: &Escalated{Decision: Decision{
			Outcome:       OutcomeAllow,
			Reason:        ReasonEscalationDecision,
			Justification: "approved by reviewer",
			Confidence:    0.9,
		}}},
		audit:   &fakeAudit{},
		distill: &fakeDistill{},
	}
}

func (h *harness) engine() *Engine {
	return New(Deps{
		Sanitizer:  h.sanitizer,
		Preflights: h.preflights,
		Cache:      h.cache,
		TTL:        &fakeTTL{ttl: time.Hour},
		Classifier: h.classifier,
		Rules:      h.rules,
		Escalator:  h.escalator,
		Audit:      h.audit,
		Distill:    h.distill,
		Logger:     zap.NewNop(),
	}, Options{
		CacheableThreshold: 0.85,
		DistillThreshold:   0.85,
		MinTierByVerb: map[ActionVerb]int{
			VerbCreate: 2,
			VerbModify: 2,
			VerbDelete: 3,
			VerbAccess: 1,
			VerbComply: 1,
		},
		ProductionNamespaces: map[string]bool{"production": true},
		ProductionMinTier:    3,
	})
}

func testRequest() *GovernanceRequest {
	return &GovernanceRequest{
		AgentID:   "agent-1",
		AgentTier: 2,
		Namespace: "staging",
		Verb:      VerbCreate,
		Text:      "provision a test database",
	}
}

// --- tests ---

func TestDecide_SanitizerRejection_DeniesBeforeAnyBackend(t *testing.T) {
	h := newHarness()
	h.sanitizer.err = fmt.Errorf("%w: injection pattern", ErrInvalidInput)

	res, err := h.engine().Decide(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decision.Outcome != OutcomeDeny {
		t.Fatal("rejected input must be denied")
	}
	if res.Decision.Reason != ReasonInputRejected {
		t.Errorf("reason = %q, want %q", res.Decision.Reason, ReasonInputRejected)
	}
	if h.classifier.calls != 0 || h.escalator.calls != 0 {
		t.Error("no backend call may happen after sanitizer rejection")
	}
	if len(h.audit.records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(h.audit.records))
	}
}

func TestDecide_KillSwitch_DeniesWithHaltedReason(t *testing.T) {
	h := newHarness()
	h.preflights = []Preflight{&fakePreflight{name: "kill_switch", err: fmt.Errorf("%w: global", ErrHalted)}}

	res, err := h.engine().Decide(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decision.Outcome != OutcomeDeny || res.Decision.Reason != ReasonHalted {
		t.Errorf("got %s/%s, want deny/halted", res.Decision.Outcome, res.Decision.Reason)
	}
	if h.classifier.calls != 0 {
		t.Error("halted request must not reach the classifier")
	}
}

func TestDecide_PolicyIntegrityFailure_Denies(t *testing.T) {
	h := newHarness()
	h.preflights = []Preflight{&fakePreflight{name: "policy_integrity", err: fmt.Errorf("%w: hash mismatch", ErrPolicyIntegrity)}}

	res, _ := h.engine().Decide(context.Background(), testRequest())
	if res.Decision.Reason != ReasonPolicyIntegrityFailure {
		t.Errorf("reason = %q, want %q", res.Decision.Reason, ReasonPolicyIntegrityFailure)
	}
	if res.Decision.Outcome != OutcomeDeny {
		t.Error("integrity failure must deny")
	}
}

func TestDecide_CacheHit_SkipsClassifierAndEscalation(t *testing.T) {
	h := newHarness()
	req := testRequest()

	// Prime the cache under the locally-derived fingerprint.
	eng := h.engine()
	fp, err := Fingerprint(req, eng.localIntent(req))
	if err != nil {
		t.Fatal(err)
	}
	h.cache.entries[fp] = Decision{Outcome: OutcomeAllow, Reason: ReasonRuleMatch, Confidence: 1}

	res, err := eng.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decision.Route != RouteCacheHit {
		t.Errorf("route = %s, want cache_hit", res.Decision.Route)
	}
	if h.classifier.calls != 0 || h.escalator.calls != 0 {
		t.Error("cache hit must not call any backend")
	}
	if len(h.audit.records) != 1 {
		t.Error("cache hits are audited like any other decision")
	}
}

func TestDecide_ClassifierFailure_FallsBackAndStillDecides(t *testing.T) {
	h := newHarness()
	h.classifier.err = fmt.Errorf("%w: timeout", ErrClassifierUnavailable)

	res, err := h.engine().Decide(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// create in staging derives medium risk locally; no rule matched, so
	// escalation decides.
	if h.escalator.calls != 1 {
		t.Fatal("fallback intent should still reach escalation")
	}
	if res.Intent.Confidence != 0 {
		t.Error("fallback intent carries zero confidence")
	}
	if len(h.cache.stores) != 0 {
		t.Error("classifier-failure decisions are never cached")
	}
	if res.Decision.Outcome != OutcomeAllow {
		t.Error("fallback must not change the escalated outcome")
	}
}

func TestDecide_RuleMatch_ShortCircuitsEscalation(t *testing.T) {
	h := newHarness()
	h.rules.decision = &Decision{
		Outcome:       OutcomeAllow,
		Reason:        ReasonRuleMatch,
		Justification: "routine provisioning",
		Confidence:    1,
	}

	res, err := h.engine().Decide(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decision.Route != RouteRuleEngine {
		t.Errorf("route = %s, want rule_engine", res.Decision.Route)
	}
	if h.escalator.calls != 0 {
		t.Error("rule match must bypass escalation")
	}
	if len(h.cache.stores) != 1 {
		t.Error("cacheable rule decision should be written back")
	}
}

func TestDecide_HighRisk_BypassesRuleEngine(t *testing.T) {
	h := newHarness()
	h.classifier.cls.Intent.Risk = RiskHigh
	h.rules.decision = &Decision{Outcome: OutcomeAllow, Reason: ReasonRuleMatch}

	_, err := h.engine().Decide(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.rules.calls != 0 {
		t.Error("high risk must never consult the rule engine")
	}
	if h.escalator.calls != 1 {
		t.Error("high risk must escalate")
	}
}

func TestDecide_TierViolation_BypassesRuleEngine(t *testing.T) {
	h := newHarness()
	h.classifier.cls.Intent.TierViolation = true
	h.rules.decision = &Decision{Outcome: OutcomeAllow, Reason: ReasonRuleMatch}

	_, err := h.engine().Decide(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.rules.calls != 0 {
		t.Error("tier violations must never resolve via rules")
	}
	if h.escalator.calls != 1 {
		t.Error("tier violations must escalate")
	}
}

func TestDecide_LocalTierViolation_SurvivesClassifier(t *testing.T) {
	h := newHarness()
	// Classifier reports no violation, but a tier-1 agent creating is a
	// local violation the classifier cannot clear.
	req := testRequest()
	req.AgentTier = 1

	res, err := h.engine().Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Intent.TierViolation {
		t.Error("locally detected tier violation must stick")
	}
	if h.rules.calls != 0 {
		t.Error("tier violation must bypass the rule engine")
	}
}

func TestDecide_EscalationFailure_FailsSafeToDeny(t *testing.T) {
	h := newHarness()
	h.escalator.err = fmt.Errorf("%w: deadline exceeded", ErrEscalationUnavailable)

	res, err := h.engine().Decide(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decision.Outcome != OutcomeDeny {
		t.Fatal("escalation failure must never resolve to allow")
	}
	if res.Decision.Reason != ReasonEscalationUnavailable {
		t.Errorf("reason = %q, want %q", res.Decision.Reason, ReasonEscalationUnavailable)
	}
	if len(h.cache.stores) != 0 {
		t.Error("fail-safe denials are never cached")
	}
	if len(h.audit.records) != 1 {
		t.Error("fail-safe denials are audited")
	}
}

func TestDecide_AuditFailure_DeniesEvenOnAllow(t *testing.T) {
	h := newHarness()
	h.audit.err = errors.New("disk full")
	h.rules.decision = &Decision{Outcome: OutcomeAllow, Reason: ReasonRuleMatch}

	res, err := h.engine().Decide(context.Background(), testRequest())
	if !errors.Is(err, ErrAuditWriteFailure) {
		t.Fatalf("error = %v, want ErrAuditWriteFailure", err)
	}
	if res.Decision.Outcome != OutcomeDeny {
		t.Fatal("unaudited decisions must come back as deny")
	}
	if res.Decision.Reason != ReasonAuditFailure {
		t.Errorf("reason = %q, want %q", res.Decision.Reason, ReasonAuditFailure)
	}
	if len(h.cache.stores) != 0 {
		t.Error("nothing is cached when the audit write failed")
	}
}

func TestDecide_HighConfidenceEscalation_OffersDistillCandidate(t *testing.T) {
	h := newHarness()

	res, err := h.engine().Decide(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.distill.offered) != 1 {
		t.Fatalf("distill candidates = %d, want 1", len(h.distill.offered))
	}
	c := h.distill.offered[0]
	if c.Signature != res.Fingerprint {
		t.Error("candidate signature must match the request fingerprint")
	}
	if c.Decision.Outcome != OutcomeAllow {
		t.Error("candidate must carry the escalated decision")
	}
}

func TestDecide_LowConfidenceEscalation_NotOfferedToDistill(t *testing.T) {
	h := newHarness()
	h.escalator.result.Decision.Confidence = 0.5

	if _, err := h.engine().Decide(context.Background(), testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.distill.offered) != 0 {
		t.Error("low-confidence decisions must not feed distillation")
	}
}

func TestDecide_FullDistillQueue_DoesNotAffectDecision(t *testing.T) {
	h := newHarness()
	h.distill.full = true

	res, err := h.engine().Decide(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decision.Outcome != OutcomeAllow {
		t.Error("a dropped distill candidate must not change the outcome")
	}
}

func TestDecide_CriticalRisk_NeverCached(t *testing.T) {
	h := newHarness()
	h.classifier.cls.Intent.Risk = RiskCritical
	h.classifier.cls.Cacheable = true

	if _, err := h.engine().Decide(context.Background(), testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.cache.stores) != 0 {
		t.Error("critical-risk decisions must never be cached")
	}
}

func TestDecide_BelowThresholdConfidence_NotCached(t *testing.T) {
	h := newHarness()
	h.classifier.cls.Intent.Confidence = 0.5
	h.rules.decision = &Decision{Outcome: OutcomeAllow, Reason: ReasonRuleMatch}

	if _, err := h.engine().Decide(context.Background(), testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.cache.stores) != 0 {
		t.Error("below-threshold confidence must suppress write-back")
	}
}

func TestDecide_AssignsRequestID(t *testing.T) {
	h := newHarness()

	res, err := h.engine().Decide(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RequestID == "" {
		t.Error("a request without an ID must get one assigned")
	}
	if h.audit.records[0].RequestID != res.RequestID {
		t.Error("audit record and result must carry the same request ID")
	}
}

func TestDecide_EveryPathWritesExactlyOneAuditRecord(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*harness)
	}{
		{"sanitizer rejection", func(h *harness) {
			h.sanitizer.err = fmt.Errorf("%w: bad", ErrInvalidInput)
		}},
		{"kill switch", func(h *harness) {
			h.preflights = []Preflight{&fakePreflight{name: "kill_switch", err: ErrHalted}}
		}},
		{"rule match", func(h *harness) {
			h.rules.decision = &Decision{Outcome: OutcomeAllow, Reason: ReasonRuleMatch}
		}},
		{"escalation allow", func(h *harness) {}},
		{"escalation failure", func(h *harness) {
			h.escalator.err = ErrEscalationUnavailable
		}},
		{"classifier failure", func(h *harness) {
			h.classifier.err = ErrClassifierUnavailable
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			tc.mut(h)
			if _, err := h.engine().Decide(context.Background(), testRequest()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(h.audit.records) != 1 {
				t.Fatalf("audit records = %d, want exactly 1", len(h.audit.records))
			}
		})
	}
}

func TestLocalIntent_DeleteInProduction_IsCritical(t *testing.T) {
	h := newHarness()
	eng := h.engine()

	req := testRequest()
	req.Verb = VerbDelete
	req.Namespace = "production"
	req.AgentTier = 4

	intent := eng.localIntent(req)
	if intent.Risk != RiskCritical {
		t.Errorf("risk = %s, want critical", intent.Risk)
	}
	if intent.Category != "decommission" {
		t.Errorf("category = %q, want decommission", intent.Category)
	}
	if intent.TierViolation {
		t.Error("tier-4 delete should not be a tier violation")
	}
}

func TestLocalIntent_LowTierInProduction_IsViolation(t *testing.T) {
	h := newHarness()
	eng := h.engine()

	req := testRequest()
	req.Verb = VerbAccess
	req.Namespace = "production"
	req.AgentTier = 2

	intent := eng.localIntent(req)
	if !intent.TierViolation {
		t.Error("tier-2 agent in production must violate the tier floor")
	}
}

func TestDecide_ProductionDelete_RuleEngineDeniesAndEscalates(t *testing.T) {
	h := newHarness()
	h.classifier.cls = &Classification{
		Intent: Intent{
			Category:    "decommission",
			Subcategory: "general",
			Risk:        RiskMedium,
			Confidence:  0.9,
		},
	}
	h.rules.decision = &Decision{
		Outcome:       OutcomeDeny,
		Reason:        ReasonRuleMatch,
		Justification: "production deletions require escalated review",
		Escalate:      true,
		Confidence:    1.0,
	}

	req := testRequest()
	req.Verb = VerbDelete
	req.Namespace = "production"
	req.AgentTier = 4

	res, err := h.engine().Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decision.Outcome != OutcomeDeny {
		t.Fatal("production delete must be denied")
	}
	if res.Decision.Route != RouteRuleEngine {
		t.Errorf("route = %s, want rule_engine", res.Decision.Route)
	}
	if !res.Decision.Escalate {
		t.Error("denial must surface escalate=true to the caller")
	}
	if h.rules.calls != 1 {
		t.Errorf("rule engine calls = %d, want 1", h.rules.calls)
	}
	if h.escalator.calls != 0 {
		t.Error("rule denial must not invoke the reasoning backend")
	}
}

func TestDecide_ProductionDelete_ClassifierDown_FailsSafe(t *testing.T) {
	h := newHarness()
	h.classifier.err = fmt.Errorf("%w: timeout", ErrClassifierUnavailable)
	h.escalator.err = fmt.Errorf("%w: timeout", ErrEscalationUnavailable)
	h.rules.decision = &Decision{Outcome: OutcomeDeny, Escalate: true}

	req := testRequest()
	req.Verb = VerbDelete
	req.Namespace = "production"
	req.AgentTier = 4

	res, err := h.engine().Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The local fallback derives critical risk, which skips the rule
	// engine entirely; with the backend down the outcome is still DENY.
	if res.Decision.Outcome != OutcomeDeny {
		t.Fatal("degraded production delete must be denied")
	}
	if res.Decision.Reason != ReasonEscalationUnavailable {
		t.Errorf("reason = %q, want %q", res.Decision.Reason, ReasonEscalationUnavailable)
	}
	if h.rules.calls != 0 {
		t.Error("critical-risk intent must bypass the rule engine")
	}
}

func TestDecide_RepeatedRequest_SecondHitsCacheWithIdenticalDecision(t *testing.T) {
	h := newHarness()
	eng := h.engine()
	ctx := context.Background()

	first, err := eng.Decide(ctx, testRequest())
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.Decision.Route != RouteEscalation {
		t.Fatalf("first route = %s, want escalation", first.Decision.Route)
	}

	second, err := eng.Decide(ctx, testRequest())
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second.Decision.Route != RouteCacheHit {
		t.Fatalf("second route = %s, want cache_hit", second.Decision.Route)
	}
	if h.classifier.calls != 1 || h.escalator.calls != 1 {
		t.Errorf("backend calls = %d/%d, second request must be served from cache",
			h.classifier.calls, h.escalator.calls)
	}

	want := first.Decision
	want.Route = RouteCacheHit
	if !reflect.DeepEqual(second.Decision, want) {
		t.Errorf("cached decision differs:\n got %+v\nwant %+v", second.Decision, want)
	}
	if second.Fingerprint != first.Fingerprint {
		t.Errorf("fingerprints differ: %q vs %q", second.Fingerprint, first.Fingerprint)
	}
}
