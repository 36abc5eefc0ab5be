package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

// Condition is one compiled rule predicate. The set of kinds is closed:
// anything that does not parse into one of these is rejected at load
// time, never evaluated dynamically.
type Condition interface {
	Eval(req *engine.GovernanceRequest, intent engine.Intent) bool
	String() string
}

// condSpec is the serialized (duck-typed) form of a condition as it
// appears in rule configuration.
type condSpec struct {
	Kind   string     `yaml:"kind" json:"kind"`
	Field  string     `yaml:"field,omitempty" json:"field,omitempty"`
	Value  any        `yaml:"value,omitempty" json:"value,omitempty"`
	Min    *float64   `yaml:"min,omitempty" json:"min,omitempty"`
	Max    *float64   `yaml:"max,omitempty" json:"max,omitempty"`
	Values []string   `yaml:"values,omitempty" json:"values,omitempty"`
	Key    string     `yaml:"key,omitempty" json:"key,omitempty"`
	Of     []condSpec `yaml:"of,omitempty" json:"of,omitempty"`
}

// compileCondition turns a serialized condition into its typed form.
func compileCondition(spec condSpec) (Condition, error) {
	switch spec.Kind {
	case "eq":
		if spec.Field == "" {
			return nil, fmt.Errorf("eq condition missing field")
		}
		if spec.Value == nil {
			return nil, fmt.Errorf("eq condition on %q missing value", spec.Field)
		}
		return &eqCond{field: spec.Field, want: fmt.Sprintf("%v", spec.Value)}, nil

	case "range":
		if spec.Field == "" {
			return nil, fmt.Errorf("range condition missing field")
		}
		if spec.Min == nil && spec.Max == nil {
			return nil, fmt.Errorf("range condition on %q needs min or max", spec.Field)
		}
		return &rangeCond{field: spec.Field, min: spec.Min, max: spec.Max}, nil

	case "in":
		if spec.Field == "" {
			return nil, fmt.Errorf("in condition missing field")
		}
		if len(spec.Values) == 0 {
			return nil, fmt.Errorf("in condition on %q has empty value set", spec.Field)
		}
		set := make(map[string]bool, len(spec.Values))
		for _, v := range spec.Values {
			set[v] = true
		}
		return &inCond{field: spec.Field, set: set, values: spec.Values}, nil

	case "has_label":
		if spec.Key == "" {
			return nil, fmt.Errorf("has_label condition missing key")
		}
		var want string
		if spec.Value != nil {
			want = fmt.Sprintf("%v", spec.Value)
		}
		return &labelCond{key: spec.Key, want: want, exact: spec.Value != nil}, nil

	case "all", "any", "not":
		if len(spec.Of) == 0 {
			return nil, fmt.Errorf("%s condition has no sub-conditions", spec.Kind)
		}
		if spec.Kind == "not" && len(spec.Of) != 1 {
			return nil, fmt.Errorf("not condition takes exactly one sub-condition, got %d", len(spec.Of))
		}
		subs := make([]Condition, 0, len(spec.Of))
		for _, sub := range spec.Of {
			c, err := compileCondition(sub)
			if err != nil {
				return nil, err
			}
			subs = append(subs, c)
		}
		return &boolCond{op: spec.Kind, subs: subs}, nil

	default:
		return nil, fmt.Errorf("unknown condition kind %q", spec.Kind)
	}
}

// resolveField maps a condition field name to its current value.
// Supported fields: namespace, agent_tier, agent_id, verb, category,
// subcategory, risk, label.<key>, count.<key>, quota.<key>.
func resolveField(field string, req *engine.GovernanceRequest, intent engine.Intent) (string, bool) {
	switch field {
	case "namespace":
		return req.Namespace, true
	case "agent_tier":
		return strconv.Itoa(req.AgentTier), true
	case "agent_id":
		return req.AgentID, true
	case "verb":
		return req.Verb.String(), true
	case "category":
		return intent.Category, true
	case "subcategory":
		return intent.Subcategory, true
	case "risk":
		return intent.Risk.String(), true
	}
	if req.Context == nil {
		return "", false
	}
	if key, ok := strings.CutPrefix(field, "label."); ok {
		v, present := req.Context.Labels[key]
		return v, present
	}
	if key, ok := strings.CutPrefix(field, "count."); ok {
		v, present := req.Context.ResourceCounts[key]
		return strconv.Itoa(v), present
	}
	if key, ok := strings.CutPrefix(field, "quota."); ok {
		v, present := req.Context.Quotas[key]
		return strconv.Itoa(v), present
	}
	return "", false
}

type eqCond struct {
	field string
	want  string
}

func (c *eqCond) Eval(req *engine.GovernanceRequest, intent engine.Intent) bool {
	got, ok := resolveField(c.field, req, intent)
	return ok && got == c.want
}

func (c *eqCond) String() string { return fmt.Sprintf("eq(%s=%s)", c.field, c.want) }

type rangeCond struct {
	field    string
	min, max *float64
}

func (c *rangeCond) Eval(req *engine.GovernanceRequest, intent engine.Intent) bool {
	got, ok := resolveField(c.field, req, intent)
	if !ok {
		return false
	}
	n, err := strconv.ParseFloat(got, 64)
	if err != nil {
		return false
	}
	if c.min != nil && n < *c.min {
		return false
	}
	if c.max != nil && n > *c.max {
		return false
	}
	return true
}

func (c *rangeCond) String() string { return fmt.Sprintf("range(%s)", c.field) }

type inCond struct {
	field  string
	set    map[string]bool
	values []string
}

func (c *inCond) Eval(req *engine.GovernanceRequest, intent engine.Intent) bool {
	got, ok := resolveField(c.field, req, intent)
	return ok && c.set[got]
}

func (c *inCond) String() string {
	return fmt.Sprintf("in(%s:{%s})", c.field, strings.Join(c.values, ","))
}

type labelCond struct {
	key   string
	want  string
	exact bool
}

func (c *labelCond) Eval(req *engine.GovernanceRequest, _ engine.Intent) bool {
	if req.Context == nil {
		return false
	}
	got, present := req.Context.Labels[c.key]
	if !present {
		return false
	}
	return !c.exact || got == c.want
}

func (c *labelCond) String() string { return fmt.Sprintf("has_label(%s)", c.key) }

type boolCond struct {
	op   string // all | any | not
	subs []Condition
}

func (c *boolCond) Eval(req *engine.GovernanceRequest, intent engine.Intent) bool {
	switch c.op {
	case "all":
		for _, s := range c.subs {
			if !s.Eval(req, intent) {
				return false
			}
		}
		return true
	case "any":
		for _, s := range c.subs {
			if s.Eval(req, intent) {
				return true
			}
		}
		return false
	case "not":
		return !c.subs[0].Eval(req, intent)
	}
	return false
}

func (c *boolCond) String() string { return c.op }
