package rules

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

// ruleFileSchema constrains the serialized rule table. Anything that does
// not validate is rejected at load time.
const ruleFileSchema = `{
  "type": "object",
  "required": ["version", "rules"],
  "properties": {
    "version": {"type": "string"},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["category", "subcategory", "risk", "outcome"],
        "properties": {
          "category": {"type": "string", "minLength": 1},
          "subcategory": {"type": "string", "minLength": 1},
          "risk": {"enum": ["low", "medium", "high", "critical"]},
          "outcome": {"enum": ["allow", "deny"]},
          "justification": {"type": "string"},
          "guardrails": {"type": "array", "items": {"type": "string"}},
          "requires_confirmation": {"type": "boolean"},
          "simulation_required": {"type": "boolean"},
          "escalate": {"type": "boolean"},
          "conditions": {"type": "array"}
        }
      }
    }
  }
}`

// ruleFile is the YAML shape of the externally supplied rule table.
type ruleFile struct {
	Version string       `yaml:"version" json:"version"`
	Rules   []RuleRecord `yaml:"rules" json:"rules"`
}

// RuleRecord is one serialized rule definition, shared by the file loader
// and the Postgres loader.
type RuleRecord struct {
	Category             string     `yaml:"category" json:"category"`
	Subcategory          string     `yaml:"subcategory" json:"subcategory"`
	Risk                 string     `yaml:"risk" json:"risk"`
	Outcome              string     `yaml:"outcome" json:"outcome"`
	Justification        string     `yaml:"justification" json:"justification"`
	Guardrails           []string   `yaml:"guardrails" json:"guardrails,omitempty"`
	RequiresConfirmation bool       `yaml:"requires_confirmation" json:"requires_confirmation"`
	SimulationRequired   bool       `yaml:"simulation_required" json:"simulation_required"`
	Escalate             bool       `yaml:"escalate" json:"escalate"`
	Conditions           []condSpec `yaml:"conditions" json:"conditions,omitempty"`
}

// Parse validates and compiles a serialized rule table. The snapshot hash
// is the SHA-256 of the raw bytes, matching what the governance registry
// signs off on.
func Parse(raw []byte) (*Snapshot, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var file ruleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse rule table: %w", err)
	}

	compiled := make([]*Rule, 0, len(file.Rules))
	for i, rec := range file.Rules {
		rule, err := compileRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s/%s/%s): %w", i, rec.Category, rec.Subcategory, rec.Risk, err)
		}
		compiled = append(compiled, rule)
	}

	sum := sha256.Sum256(raw)
	return NewSnapshot(compiled, file.Version, hex.EncodeToString(sum[:]))
}

// LoadFile reads a rule table from disk, verifying its content hash
// against the registry-provided hash when one is supplied.
func LoadFile(path, wantHash string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule table: %w", err)
	}
	if wantHash != "" {
		sum := sha256.Sum256(raw)
		if got := hex.EncodeToString(sum[:]); got != wantHash {
			return nil, fmt.Errorf("%w: rule table hash %s, registry says %s", engine.ErrPolicyIntegrity, got, wantHash)
		}
	}
	return Parse(raw)
}

// FromRecords builds a snapshot from rule records loaded out of a
// database. The hash covers the canonical JSON of the records, so the
// same logical table hashes identically regardless of row order quirks.
func FromRecords(records []RuleRecord, version string) (*Snapshot, error) {
	compiled := make([]*Rule, 0, len(records))
	for i, rec := range records {
		rule, err := compileRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s/%s/%s): %w", i, rec.Category, rec.Subcategory, rec.Risk, err)
		}
		compiled = append(compiled, rule)
	}

	canonical, err := json.Marshal(ruleFile{Version: version, Rules: records})
	if err != nil {
		return nil, fmt.Errorf("hash rule records: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return NewSnapshot(compiled, version, hex.EncodeToString(sum[:]))
}

func compileRecord(rec RuleRecord) (*Rule, error) {
	risk := engine.ParseRiskLevel(rec.Risk)
	if risk == engine.RiskUnspecified {
		return nil, fmt.Errorf("unknown risk level %q", rec.Risk)
	}

	var outcome engine.Outcome
	switch rec.Outcome {
	case "allow":
		outcome = engine.OutcomeAllow
	case "deny":
		outcome = engine.OutcomeDeny
	default:
		return nil, fmt.Errorf("unknown outcome %q", rec.Outcome)
	}

	conditions := make([]Condition, 0, len(rec.Conditions))
	for _, spec := range rec.Conditions {
		cond, err := compileCondition(spec)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, cond)
	}

	justification := rec.Justification
	if justification == "" {
		justification = fmt.Sprintf("matched governance rule %s/%s at %s risk", rec.Category, rec.Subcategory, rec.Risk)
	}

	return &Rule{
		Key: Key{
			Category:    strings.TrimSpace(rec.Category),
			Subcategory: strings.TrimSpace(rec.Subcategory),
			Risk:        risk,
		},
		Outcome:              outcome,
		Justification:        justification,
		Guardrails:           rec.Guardrails,
		RequiresConfirmation: rec.RequiresConfirmation,
		SimulationRequired:   rec.SimulationRequired,
		Escalate:             rec.Escalate,
		Conditions:           conditions,
	}, nil
}

// validateSchema checks the YAML document against the rule-file JSON
// schema. The YAML is round-tripped through JSON so the validator sees
// canonical JSON types.
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("rule table is not valid YAML: %w", err)
	}
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("rule table not representable as JSON: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("rule table re-parse: %w", err)
	}

	schemaObj, err := jsonschema.UnmarshalJSON(strings.NewReader(ruleFileSchema))
	if err != nil {
		return fmt.Errorf("rule schema parse: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("rules.schema.json", schemaObj); err != nil {
		return fmt.Errorf("rule schema compile: %w", err)
	}
	sch, err := c.Compile("rules.schema.json")
	if err != nil {
		return fmt.Errorf("rule schema compile: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("rule table schema validation: %w", err)
	}
	return nil
}
