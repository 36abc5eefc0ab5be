package classify

import (
	"context"
	"testing"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

func testLocal() *Local {
	return &Local{
		MinTierByVerb: map[engine.ActionVerb]int{
			engine.VerbCreate: 2,
			engine.VerbModify: 2,
			engine.VerbDelete: 3,
			engine.VerbAccess: 1,
			engine.VerbComply: 1,
		},
		ProductionNamespaces: map[string]bool{"production": true, "prod": true},
		ProductionMinTier:    3,
	}
}

func TestLocal_VerbMapping(t *testing.T) {
	cases := []struct {
		verb     engine.ActionVerb
		category string
		risk     engine.RiskLevel
	}{
		{engine.VerbAccess, "data_access", engine.RiskLow},
		{engine.VerbComply, "compliance", engine.RiskLow},
		{engine.VerbCreate, "provisioning", engine.RiskMedium},
		{engine.VerbModify, "configuration", engine.RiskMedium},
		{engine.VerbDelete, "decommission", engine.RiskHigh},
		{engine.VerbUnspecified, "unknown", engine.RiskHigh},
	}
	for _, tc := range cases {
		t.Run(tc.verb.String(), func(t *testing.T) {
			req := &engine.GovernanceRequest{AgentID: "a", AgentTier: 4, Namespace: "staging", Verb: tc.verb}
			c, err := testLocal().Classify(context.Background(), req)
			if err != nil {
				t.Fatal(err)
			}
			if c.Intent.Category != tc.category {
				t.Errorf("category = %q, want %q", c.Intent.Category, tc.category)
			}
			if c.Intent.Risk != tc.risk {
				t.Errorf("risk = %v, want %v", c.Intent.Risk, tc.risk)
			}
			if c.Intent.TierViolation {
				t.Error("tier 4 agent flagged as violation")
			}
		})
	}
}

func TestLocal_ProductionDeleteIsCritical(t *testing.T) {
	req := &engine.GovernanceRequest{AgentID: "a", AgentTier: 4, Namespace: "production", Verb: engine.VerbDelete}
	c, err := testLocal().Classify(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if c.Intent.Risk != engine.RiskCritical {
		t.Errorf("risk = %v, want critical", c.Intent.Risk)
	}
}

func TestLocal_TierViolations(t *testing.T) {
	cases := []struct {
		name      string
		tier      int
		namespace string
		verb      engine.ActionVerb
		violation bool
	}{
		{"tier below verb minimum", 1, "staging", engine.VerbCreate, true},
		{"tier at verb minimum", 2, "staging", engine.VerbCreate, false},
		{"delete needs tier 3", 2, "staging", engine.VerbDelete, true},
		{"low tier in production", 2, "production", engine.VerbAccess, true},
		{"tier 3 in production", 3, "production", engine.VerbAccess, false},
		{"prod alias enforced", 1, "prod", engine.VerbAccess, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := &engine.GovernanceRequest{AgentID: "a", AgentTier: tc.tier, Namespace: tc.namespace, Verb: tc.verb}
			c, err := testLocal().Classify(context.Background(), req)
			if err != nil {
				t.Fatal(err)
			}
			if c.Intent.TierViolation != tc.violation {
				t.Errorf("tier_violation = %v, want %v", c.Intent.TierViolation, tc.violation)
			}
		})
	}
}

func TestLocal_ViolationAddsGuardrail(t *testing.T) {
	req := &engine.GovernanceRequest{AgentID: "a", AgentTier: 1, Namespace: "staging", Verb: engine.VerbCreate}
	c, err := testLocal().Classify(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, g := range c.Intent.Guardrails {
		if g == "tier_enforcement" {
			found = true
		}
	}
	if !found {
		t.Errorf("guardrails = %v, want tier_enforcement present", c.Intent.Guardrails)
	}
}

func TestLocal_ResourceLabelBecomesSubcategory(t *testing.T) {
	req := &engine.GovernanceRequest{
		AgentID:   "a",
		AgentTier: 3,
		Namespace: "staging",
		Verb:      engine.VerbModify,
		Context:   &engine.RequestContext{Labels: map[string]string{"resource": "secrets"}},
	}
	c, err := testLocal().Classify(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if c.Intent.Subcategory != "secrets" {
		t.Errorf("subcategory = %q, want secrets", c.Intent.Subcategory)
	}
}

func TestLocal_NeverCacheable(t *testing.T) {
	req := &engine.GovernanceRequest{AgentID: "a", AgentTier: 4, Namespace: "staging", Verb: engine.VerbAccess}
	c, err := testLocal().Classify(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if c.Cacheable {
		t.Error("local intents must never be cacheable")
	}
	if c.Intent.Confidence >= 0.85 {
		t.Errorf("confidence = %v, must stay below cacheable thresholds", c.Intent.Confidence)
	}
}
