// Package rules implements the zero-cost rule engine: a table of
// pre-vetted decision rules keyed by (category, subcategory, risk),
// loaded from external configuration under integrity verification.
//
// The engine only ever reads a versioned, hash-verified Snapshot swapped
// in atomically; the live structure never mutates, which keeps the read
// path free of the distillation feedback cycle.
package rules

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

// Key identifies the single canonical rule for an intent tuple.
type Key struct {
	Category    string
	Subcategory string
	Risk        engine.RiskLevel
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Category, k.Subcategory, k.Risk)
}

// Rule is one pre-vetted decision. All conditions must hold for it to
// fire.
type Rule struct {
	Key                  Key
	Outcome              engine.Outcome
	Justification        string
	Guardrails           []string
	RequiresConfirmation bool
	SimulationRequired   bool
	Escalate             bool
	Conditions           []Condition
}

// Snapshot is an immutable, hash-stamped rule table. Built once at load
// time and never mutated afterward.
type Snapshot struct {
	rules    map[Key]*Rule
	hash     string
	version  string
	loadedAt time.Time
}

// NewSnapshot assembles a snapshot, rejecting duplicate keys: two rules
// for the same tuple is a configuration error, never a silent pick.
func NewSnapshot(rules []*Rule, version, hash string) (*Snapshot, error) {
	table := make(map[Key]*Rule, len(rules))
	for _, r := range rules {
		if _, dup := table[r.Key]; dup {
			return nil, fmt.Errorf("duplicate rule key %s", r.Key)
		}
		table[r.Key] = r
	}
	return &Snapshot{
		rules:    table,
		hash:     hash,
		version:  version,
		loadedAt: time.Now(),
	}, nil
}

// Hash returns the content hash the snapshot was verified against.
func (s *Snapshot) Hash() string { return s.hash }

// Version returns the configured rule-table version string.
func (s *Snapshot) Version() string { return s.version }

// Len reports the number of rules.
func (s *Snapshot) Len() int { return len(s.rules) }

// LoadedAt returns when the snapshot was assembled.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Rules returns the table's rules in no particular order, for the admin
// surface.
func (s *Snapshot) Rules() []*Rule {
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out
}

// Match looks up the rule for the intent tuple and evaluates its
// conditions. No conditions means the rule fires unconditionally (the
// pre-approved fast path).
func (s *Snapshot) Match(req *engine.GovernanceRequest, intent engine.Intent) (*engine.Decision, bool) {
	rule, ok := s.rules[Key{
		Category:    intent.Category,
		Subcategory: intent.Subcategory,
		Risk:        intent.Risk,
	}]
	if !ok {
		// Fall back to the wildcard subcategory entry if one exists.
		rule, ok = s.rules[Key{
			Category:    intent.Category,
			Subcategory: "*",
			Risk:        intent.Risk,
		}]
		if !ok {
			return nil, false
		}
	}

	for _, cond := range rule.Conditions {
		if !cond.Eval(req, intent) {
			return nil, false
		}
	}

	guardrails := append([]string(nil), intent.Guardrails...)
	guardrails = mergeGuardrails(guardrails, rule.Guardrails)

	return &engine.Decision{
		Outcome:              rule.Outcome,
		Reason:               engine.ReasonRuleMatch,
		Justification:        rule.Justification,
		Guardrails:           guardrails,
		RequiresConfirmation: rule.RequiresConfirmation,
		SimulationRequired:   rule.SimulationRequired,
		Escalate:             rule.Escalate,
		Confidence:           1.0,
		Route:                engine.RouteRuleEngine,
	}, true
}

func mergeGuardrails(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := base[:0]
	for _, g := range base {
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	for _, g := range extra {
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	return out
}

// Table is the injected holder of the current snapshot. Reads are atomic
// pointer loads; Swap installs a freshly verified snapshot.
type Table struct {
	current atomic.Pointer[Snapshot]
}

// NewTable creates a table holding the given snapshot.
func NewTable(s *Snapshot) *Table {
	t := &Table{}
	t.current.Store(s)
	return t
}

// Current returns the active snapshot.
func (t *Table) Current() *Snapshot { return t.current.Load() }

// Swap installs a new snapshot.
func (t *Table) Swap(s *Snapshot) { t.current.Store(s) }

// Hash returns the active snapshot's content hash.
func (t *Table) Hash() string { return t.current.Load().hash }

// Match implements engine.RuleMatcher against the active snapshot.
func (t *Table) Match(req *engine.GovernanceRequest, intent engine.Intent) (*engine.Decision, bool) {
	return t.current.Load().Match(req, intent)
}

// IntegrityGuard is the pre-flight check comparing the active snapshot's
// hash to the last hash verified against the governance registry. Both
// sides are atomic loads, so the check is O(1) and side-effect-free.
type IntegrityGuard struct {
	table    *Table
	verified atomic.Value // string
}

// NewIntegrityGuard creates a guard trusting the given registry hash.
func NewIntegrityGuard(table *Table, verifiedHash string) *IntegrityGuard {
	g := &IntegrityGuard{table: table}
	g.verified.Store(verifiedHash)
	return g
}

// SetVerified records a new registry-verified hash (after an external
// activation step, e.g. a promoted distilled rule going live).
func (g *IntegrityGuard) SetVerified(hash string) {
	g.verified.Store(hash)
}

// Name implements engine.Preflight.
func (g *IntegrityGuard) Name() string { return "policy_integrity" }

// Check implements engine.Preflight.
func (g *IntegrityGuard) Check(_ *engine.GovernanceRequest) error {
	want, _ := g.verified.Load().(string)
	if got := g.table.Hash(); got != want {
		return fmt.Errorf("%w: loaded %s, registry verified %s", engine.ErrPolicyIntegrity, got, want)
	}
	return nil
}
