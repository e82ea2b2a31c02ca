package risk

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"os"
	"sort"
	"strings"

	"risk-auth-service/internal/model"
	"risk-auth-service/internal/util"

	"gopkg.in/yaml.v3"
)

var ErrInvalidRule = errors.New("invalid override rule")

// OutcomeKind classifies what a rule set decided for an attempt.
type OutcomeKind int

const (
	NoOverride OutcomeKind = iota
	ForceScore
	ForceDecision
)

func (k OutcomeKind) String() string {
	switch k {
	case ForceScore:
		return "force_score"
	case ForceDecision:
		return "force_decision"
	default:
		return "none"
	}
}

// Adjustment is one score change contributed by a matching rule. Set replaces
// the running score; otherwise Delta is added. The Scorer clamps after each step.
type Adjustment struct {
	Rule  string
	Set   *float64
	Delta float64
}

type Outcome struct {
	Kind        OutcomeKind
	Decision    model.Decision
	Rule        string
	Adjustments []Adjustment
}

// Predicate fields are ANDed; empty fields match anything.
type Predicate struct {
	Identities     []string `yaml:"identities,omitempty"`
	Countries      []string `yaml:"countries,omitempty"`
	Hours          string   `yaml:"hours,omitempty"`
	Device         string   `yaml:"device,omitempty"`
	Networks       []string `yaml:"networks,omitempty"`
	PrivateNetwork *bool    `yaml:"private_network,omitempty"`

	prefixes []netip.Prefix
}

type Effect struct {
	ForceDecision model.Decision `yaml:"force_decision,omitempty"`
	ForceScore    *float64       `yaml:"force_score,omitempty"`
	Adjust        *float64       `yaml:"adjust,omitempty"`
}

type Rule struct {
	Name     string    `yaml:"name"`
	Priority int       `yaml:"priority"`
	Disabled bool      `yaml:"disabled,omitempty"`
	When     Predicate `yaml:"when"`
	Effect   Effect    `yaml:"effect"`
}

// RuleSet is an immutable, priority-ordered list of rules. Lower priority
// values run first; equal priorities keep file order.
type RuleSet struct {
	rules []Rule
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleSet validates, normalizes and orders rules.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	seen := make(map[string]bool, len(rules))
	out := make([]Rule, 0, len(rules))
	for i := range rules {
		r := rules[i]
		if r.Disabled {
			continue
		}
		if err := r.normalize(); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("%w: duplicate rule name %q", ErrInvalidRule, r.Name)
		}
		seen[r.Name] = true
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return &RuleSet{rules: out}, nil
}

// LoadRules reads a YAML rule file; an empty path returns DefaultRules.
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return NewRuleSet(DefaultRules())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

func ParseRules(data []byte) (*RuleSet, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return NewRuleSet(f.Rules)
}

func (r *Rule) normalize() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return fmt.Errorf("%w: rule without name", ErrInvalidRule)
	}

	effects := 0
	if r.Effect.ForceDecision != "" {
		r.Effect.ForceDecision = model.Decision(strings.ToUpper(string(r.Effect.ForceDecision)))
		if !r.Effect.ForceDecision.Valid() {
			return fmt.Errorf("%w: %s: unknown decision %q", ErrInvalidRule, r.Name, r.Effect.ForceDecision)
		}
		effects++
	}
	if v := r.Effect.ForceScore; v != nil {
		if math.IsNaN(*v) || *v < 0 || *v > 1 {
			return fmt.Errorf("%w: %s: force_score must be within [0,1]", ErrInvalidRule, r.Name)
		}
		effects++
	}
	if v := r.Effect.Adjust; v != nil {
		if math.IsNaN(*v) || *v < -1 || *v > 1 {
			return fmt.Errorf("%w: %s: adjust must be within [-1,1]", ErrInvalidRule, r.Name)
		}
		effects++
	}
	if effects != 1 {
		return fmt.Errorf("%w: %s: exactly one effect required", ErrInvalidRule, r.Name)
	}

	p := &r.When
	ids := make([]string, 0, len(p.Identities))
	for _, id := range p.Identities {
		ids = append(ids, util.NormalizeIdentity(id))
	}
	p.Identities = ids
	countries := make([]string, 0, len(p.Countries))
	for _, c := range p.Countries {
		countries = append(countries, strings.ToUpper(strings.TrimSpace(c)))
	}
	p.Countries = countries
	p.Hours = strings.ToLower(strings.TrimSpace(p.Hours))
	switch model.HourBucket(p.Hours) {
	case "", model.HourBusiness, model.HourOff:
	default:
		return fmt.Errorf("%w: %s: hours must be business or off", ErrInvalidRule, r.Name)
	}
	p.Device = strings.ToLower(strings.TrimSpace(p.Device))
	switch p.Device {
	case "", "known", "unknown", "trusted", "untrusted":
	default:
		return fmt.Errorf("%w: %s: device must be known, unknown, trusted or untrusted", ErrInvalidRule, r.Name)
	}
	p.prefixes = nil
	for _, n := range p.Networks {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(n))
		if err != nil {
			return fmt.Errorf("%w: %s: network %q: %v", ErrInvalidRule, r.Name, n, err)
		}
		p.prefixes = append(p.prefixes, prefix.Masked())
	}
	return nil
}

func (p *Predicate) Match(f *model.FeatureSet) bool {
	if len(p.Identities) > 0 && !contains(p.Identities, f.Identity) {
		return false
	}
	if len(p.Countries) > 0 && !contains(p.Countries, f.CountryCode) {
		return false
	}
	if p.Hours != "" && model.HourBucket(p.Hours) != f.HourBucket {
		return false
	}
	switch p.Device {
	case "known":
		if !f.DeviceKnown {
			return false
		}
	case "unknown":
		if f.DeviceKnown {
			return false
		}
	case "trusted":
		if !f.DeviceTrusted {
			return false
		}
	case "untrusted":
		if f.DeviceTrusted {
			return false
		}
	}
	if p.PrivateNetwork != nil && *p.PrivateNetwork != f.PrivateNetwork {
		return false
	}
	if len(p.prefixes) > 0 {
		addr := f.NetworkAddress.Unmap()
		hit := false
		for _, prefix := range p.prefixes {
			if prefix.Contains(addr) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// Apply walks the rules in priority order. The first matching force_decision
// rule ends evaluation; score rules before it are discarded because the
// decision no longer depends on the score.
func (s *RuleSet) Apply(f *model.FeatureSet) Outcome {
	var out Outcome
	if s == nil {
		return out
	}
	for i := range s.rules {
		r := &s.rules[i]
		if !r.When.Match(f) {
			continue
		}
		switch {
		case r.Effect.ForceDecision != "":
			return Outcome{Kind: ForceDecision, Decision: r.Effect.ForceDecision, Rule: r.Name}
		case r.Effect.ForceScore != nil:
			v := *r.Effect.ForceScore
			out.Adjustments = append(out.Adjustments, Adjustment{Rule: r.Name, Set: &v})
		case r.Effect.Adjust != nil:
			out.Adjustments = append(out.Adjustments, Adjustment{Rule: r.Name, Delta: *r.Effect.Adjust})
		}
	}
	if len(out.Adjustments) > 0 {
		out.Kind = ForceScore
	}
	return out
}

func (s *RuleSet) Rules() []Rule {
	if s == nil {
		return nil
	}
	return append([]Rule(nil), s.rules...)
}

func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// DefaultRules are used when no rule file is configured.
func DefaultRules() []Rule {
	yes := true
	return []Rule{
		{
			Name:     "forced-2fa-identities",
			Priority: 10,
			When:     Predicate{Identities: []string{"india_user"}},
			Effect:   Effect{ForceDecision: model.DecisionChallenge},
		},
		{
			Name:     "forced-2fa-countries",
			Priority: 20,
			When:     Predicate{Countries: []string{"IN"}},
			Effect:   Effect{ForceDecision: model.DecisionChallenge},
		},
		{
			Name:     "high-risk-countries",
			Priority: 40,
			When:     Predicate{Countries: append([]string(nil), HighRiskCountries...)},
			Effect:   Effect{Adjust: ptr(0.10)},
		},
		{
			Name:     "private-network",
			Priority: 50,
			When:     Predicate{PrivateNetwork: &yes},
			Effect:   Effect{Adjust: ptr(0.25)},
		},
		{
			Name:     "off-hours",
			Priority: 60,
			When:     Predicate{Hours: string(model.HourOff)},
			Effect:   Effect{Adjust: ptr(0.05)},
		},
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func ptr(v float64) *float64 { return &v }
