package rules

// DraftRecord assembles a candidate rule record from a recurring
// escalation decision. The draft is scoped to the namespace and minimum
// tier it was observed under; promotion into the live table stays a
// human step, so the record only needs to be loadable, not active.
func DraftRecord(category, subcategory, risk, outcome, namespace string, minTier int, guardrails []string, justification string) RuleRecord {
	tier := float64(minTier)
	return RuleRecord{
		Category:      category,
		Subcategory:   subcategory,
		Risk:          risk,
		Outcome:       outcome,
		Justification: justification,
		Guardrails:    guardrails,
		Conditions: []condSpec{
			{Kind: "eq", Field: "namespace", Value: namespace},
			{Kind: "range", Field: "agent_tier", Min: &tier},
		},
	}
}
