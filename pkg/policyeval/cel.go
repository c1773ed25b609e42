package policyeval

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

const ReasonNoMatchingRule = "no_matching_rule"

type Rule struct {
	Name   string `yaml:"name"`
	Effect Effect `yaml:"effect"`
	When   string `yaml:"when"`
	Reason string `yaml:"reason"`
}

type RuleSet struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

//go:embed rules/default.yaml
var defaultRulesYAML []byte

// DefaultRules returns the built-in rule set.
func DefaultRules() RuleSet {
	rs, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("policyeval: built-in rules invalid: %v", err))
	}
	return rs
}

func ParseRules(data []byte) (RuleSet, error) {
	var rs RuleSet
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules: %w", err)
	}
	if len(rs.Rules) == 0 {
		return RuleSet{}, errors.New("parse rules: no rules defined")
	}
	for i := range rs.Rules {
		r := &rs.Rules[i]
		r.Name = strings.TrimSpace(r.Name)
		r.When = strings.TrimSpace(r.When)
		r.Effect = Effect(strings.ToLower(strings.TrimSpace(string(r.Effect))))
		if r.Name == "" {
			return RuleSet{}, fmt.Errorf("parse rules: rule %d has no name", i)
		}
		if r.Effect != EffectAllow && r.Effect != EffectDeny {
			return RuleSet{}, fmt.Errorf("parse rules: rule %q has effect %q", r.Name, r.Effect)
		}
		if r.When == "" {
			return RuleSet{}, fmt.Errorf("parse rules: rule %q has no condition", r.Name)
		}
	}
	return rs, nil
}

func LoadRules(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// CELBackend evaluates rules in process. Every rule is compiled once up
// front; a deny match overrides any allow match.
type CELBackend struct {
	version string
	rules   []compiledRule
}

func NewCELBackend(rs RuleSet) (*CELBackend, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	b := &CELBackend{version: rs.Version}
	if b.version == "" {
		b.version = "unversioned"
	}
	for _, r := range rs.Rules {
		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile rule %q: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("program rule %q: %w", r.Name, err)
		}
		b.rules = append(b.rules, compiledRule{Rule: r, prg: prg})
	}
	if len(b.rules) == 0 {
		return nil, errors.New("cel backend: no rules")
	}
	return b, nil
}

func (b *CELBackend) Name() string { return "cel" }

func (b *CELBackend) Version() string { return b.version }

func (b *CELBackend) Evaluate(ctx context.Context, in Input) (Output, error) {
	vars := map[string]any{"input": in.Document()}
	var allowed *compiledRule
	for i := range b.rules {
		r := &b.rules[i]
		matched, err := r.eval(ctx, vars)
		if err != nil {
			return Output{}, err
		}
		if !matched {
			continue
		}
		if r.Effect == EffectDeny {
			return Output{Allow: false, Reason: r.reason("policy_deny"), PolicyRef: b.ref(r.Name)}, nil
		}
		if allowed == nil {
			allowed = r
		}
	}
	if allowed != nil {
		return Output{Allow: true, Reason: allowed.reason("policy_allow"), PolicyRef: b.ref(allowed.Name)}, nil
	}
	return Output{Allow: false, Reason: ReasonNoMatchingRule, PolicyRef: b.ref("")}, nil
}

func (r *compiledRule) eval(ctx context.Context, vars map[string]any) (bool, error) {
	out, _, err := r.prg.ContextEval(ctx, vars)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, fmt.Errorf("rule %q: %w", r.Name, err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q yielded %T: %w", r.Name, out.Value(), ErrMalformedResponse)
	}
	return v, nil
}

func (r *compiledRule) reason(fallback string) string {
	if r.Reason != "" {
		return r.Reason
	}
	return fallback
}

func (b *CELBackend) ref(rule string) string {
	if rule == "" {
		return "cel:" + b.version
	}
	return "cel:" + b.version + ":" + rule
}
