package qosbroker

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/chosenoffset/qosbroker/pkg/qosbroker/expr"
)

// Rule is a single QoS rule. The condition matches requests; the
// conclusion is what the rule concludes about them: a starting priority
// for priority rules, an allow/deny verdict for permission rules, a
// capacity for limit rules. The info expression describes the rule and,
// for permissions, becomes the cancellation reason of denied requests.
type Rule struct {
	Kind       string
	Info       expr.Expression
	Condition  expr.Expression
	Conclusion expr.Expression

	env *Environment
}

// Context builds the evaluation context for a request against this rule's
// environment.
func (r *Rule) Context(req expr.Subject) *expr.Context {
	return &expr.Context{Request: req, Environment: r.env}
}

// Match reports whether the rule's condition holds for the request.
func (r *Rule) Match(req expr.Subject) (bool, error) {
	v, err := r.Condition.Evaluate(r.Context(req))
	if err != nil {
		return false, err
	}
	return expr.Truthy(v), nil
}

// Evaluate computes the rule's conclusion for the request.
func (r *Rule) Evaluate(req expr.Subject) (expr.Value, error) {
	return r.Conclusion.Evaluate(r.Context(req))
}

func (r *Rule) String() string {
	return fmt.Sprintf("%s %s %s : %s", r.Kind, r.Info, r.Condition, r.Conclusion)
}

// Limit is a rule with a live occupancy counter. The counter is guarded
// by the QoS engine's lock, not by the limit itself.
type Limit struct {
	Rule
	value int
}

// Increment records one more running request under this limit.
func (l *Limit) Increment() { l.value++ }

// Decrement records a completion. The counter never goes below zero even
// if accounting was disturbed by a reload.
func (l *Limit) Decrement() {
	if l.value == 0 {
		slog.Warn("limit counter already at zero", "limit", l.String())
		return
	}
	l.value--
}

// Value is the current number of running requests counted by this limit.
func (l *Limit) Value() int { return l.value }

func (l *Limit) reset() { l.value = 0 }

// Capacity evaluates the conclusion as the number of requests the limit
// admits concurrently.
func (l *Limit) Capacity(req expr.Subject) (int64, error) {
	v, err := l.Evaluate(req)
	if err != nil {
		return 0, err
	}
	n, ok := expr.AsInt(v)
	if !ok {
		return 0, fmt.Errorf("limit %s: capacity %s is not an integer", l.Info, v.Inspect())
	}
	return n, nil
}

// Full reports whether the limit cannot admit the request. The counter
// can exceed the capacity after a rule reload, in which case the limit
// stays full until completions bring it back under.
func (l *Limit) Full(req expr.Subject) (bool, error) {
	capacity, err := l.Capacity(req)
	if err != nil {
		return false, err
	}
	return int64(l.value) >= capacity, nil
}

// Clone returns a copy with a fresh counter. Per-user limits are cloned
// once per distinct user so users do not share a counter.
func (l *Limit) Clone() *Limit {
	return &Limit{Rule: l.Rule}
}

// RuleSet holds the parsed rules in declaration order, one list per kind.
type RuleSet struct {
	Priorities   []*Rule
	GlobalLimits []*Limit
	Permissions  []*Rule
	UserLimits   []*Limit
}

func NewRuleSet() *RuleSet {
	return &RuleSet{}
}

func (s *RuleSet) AddPriority(env *Environment, info, condition, conclusion expr.Expression) {
	s.Priorities = append(s.Priorities, &Rule{Kind: "priority", Info: info, Condition: condition, Conclusion: conclusion, env: env})
}

func (s *RuleSet) AddPermission(env *Environment, info, condition, conclusion expr.Expression) {
	s.Permissions = append(s.Permissions, &Rule{Kind: "permission", Info: info, Condition: condition, Conclusion: conclusion, env: env})
}

func (s *RuleSet) AddGlobalLimit(env *Environment, info, condition, conclusion expr.Expression) {
	s.GlobalLimits = append(s.GlobalLimits, &Limit{Rule: Rule{Kind: "limit", Info: info, Condition: condition, Conclusion: conclusion, env: env}})
}

func (s *RuleSet) AddUserLimit(env *Environment, info, condition, conclusion expr.Expression) {
	s.UserLimits = append(s.UserLimits, &Limit{Rule: Rule{Kind: "user", Info: info, Condition: condition, Conclusion: conclusion, env: env}})
}

// Dump writes the rule set, one section per kind.
func (s *RuleSet) Dump(w io.Writer) {
	fmt.Fprintf(w, "\n# Permissions:\n\n")
	for _, r := range s.Permissions {
		fmt.Fprintln(w, r)
	}
	fmt.Fprintf(w, "\n# Global limits:\n\n")
	for _, l := range s.GlobalLimits {
		fmt.Fprintln(w, l)
	}
	fmt.Fprintf(w, "\n# Per user limits:\n\n")
	for _, l := range s.UserLimits {
		fmt.Fprintln(w, l)
	}
	fmt.Fprintf(w, "\n# Priorities:\n\n")
	for _, r := range s.Priorities {
		fmt.Fprintln(w, r)
	}
}

// RulesParser parses rules text: a sequence of statements of the form
//
//	priority   <info> <condition> : <conclusion>
//	permission <info> <condition> : <conclusion>
//	limit      <info> <condition> : <conclusion>
//	user       <info> <condition> : <conclusion>
//
// where info is a string literal and condition/conclusion are rule
// expressions. Comments run from '#' to end of line.
type RulesParser struct {
	*expr.Parser
}

// NewRulesParser returns a parser over the given rules text. Function
// names in expressions resolve against registry.
func NewRulesParser(input string, registry *expr.Registry) *RulesParser {
	return &RulesParser{Parser: expr.NewParser(input, registry)}
}

// ParseRules parses every statement in the input into rules, evaluated
// against env.
func (p *RulesParser) ParseRules(rules *RuleSet, env *Environment) error {
	for p.More() {
		ident, err := p.ParseIdent()
		if err != nil {
			return err
		}

		var add func(*Environment, expr.Expression, expr.Expression, expr.Expression)
		switch ident {
		case "limit":
			add = rules.AddGlobalLimit
		case "priority":
			add = rules.AddPriority
		case "permission":
			add = rules.AddPermission
		case "user":
			add = rules.AddUserLimit
		default:
			return p.Errorf("unknown rule %q", ident)
		}

		info, condition, conclusion, err := p.parseRule()
		if err != nil {
			return err
		}
		add(env, info, condition, conclusion)
	}
	return nil
}

func (p *RulesParser) parseRule() (info, condition, conclusion expr.Expression, err error) {
	if info, err = p.ParseString(); err != nil {
		return nil, nil, nil, err
	}
	if condition, err = p.ParseExpression(); err != nil {
		return nil, nil, nil, err
	}
	if err = p.Consume(":"); err != nil {
		return nil, nil, nil, err
	}
	if conclusion, err = p.ParseExpression(); err != nil {
		return nil, nil, nil, err
	}
	return info, condition, conclusion, nil
}

// ParseRulesFile reads and parses a broker.rules file.
func ParseRulesFile(path string, registry *expr.Registry, env *Environment) (*RuleSet, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}
	rules := NewRuleSet()
	if err := NewRulesParser(string(text), registry).ParseRules(rules, env); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return rules, nil
}
