package engine

import "testing"

func TestFingerprint_DeterministicForSameTuple(t *testing.T) {
	req := &GovernanceRequest{AgentTier: 2, Namespace: "staging"}
	intent := Intent{Category: "provisioning", Subcategory: "general", Risk: RiskMedium}

	a, err := Fingerprint(req, intent)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Fingerprint(req, intent)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("identical tuples must fingerprint identically")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprint_TextDoesNotAffectKey(t *testing.T) {
	intent := Intent{Category: "data_access", Subcategory: "logs", Risk: RiskLow}
	a, _ := Fingerprint(&GovernanceRequest{AgentTier: 1, Namespace: "dev", Text: "show me the logs"}, intent)
	b, _ := Fingerprint(&GovernanceRequest{AgentTier: 1, Namespace: "dev", Text: "please display logs"}, intent)
	if a != b {
		t.Error("free text must not enter the cache key")
	}
}

func TestFingerprint_EveryTupleFieldChangesKey(t *testing.T) {
	base := &GovernanceRequest{AgentTier: 2, Namespace: "staging"}
	baseIntent := Intent{Category: "provisioning", Subcategory: "general", Risk: RiskMedium}
	ref, _ := Fingerprint(base, baseIntent)

	cases := []struct {
		name   string
		req    *GovernanceRequest
		intent Intent
	}{
		{"tier", &GovernanceRequest{AgentTier: 3, Namespace: "staging"}, baseIntent},
		{"namespace", &GovernanceRequest{AgentTier: 2, Namespace: "prod"}, baseIntent},
		{"category", base, Intent{Category: "configuration", Subcategory: "general", Risk: RiskMedium}},
		{"subcategory", base, Intent{Category: "provisioning", Subcategory: "db", Risk: RiskMedium}},
		{"risk", base, Intent{Category: "provisioning", Subcategory: "general", Risk: RiskHigh}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Fingerprint(tc.req, tc.intent)
			if err != nil {
				t.Fatal(err)
			}
			if got == ref {
				t.Errorf("changing %s must change the fingerprint", tc.name)
			}
		})
	}
}
