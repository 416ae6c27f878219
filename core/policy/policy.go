// Package policy implements the policy compiler and enforcer: declarative
// capability/label-flow/risk rules compiled into an
// immutable table, evaluated per operation, and composed across layers
// toward the most restrictive interpretation.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mlld-lang/sec/core/env"
	"github.com/mlld-lang/sec/core/guard"
	"github.com/mlld-lang/sec/core/label"
	"github.com/mlld-lang/sec/core/opctx"
)

// RiskTag is an operation-risk category. exfil, destructive, and privileged
// are the three the built-in rule bundles key off; arbitrary tags are legal
// and simply never matched by a built-in.
type RiskTag string

const (
	RiskExfil       RiskTag = "exfil"
	RiskDestructive RiskTag = "destructive"
	RiskPrivileged  RiskTag = "privileged"
)

// FlowAction is the outcome a label-flow rule assigns.
type FlowAction int

const (
	FlowAllow FlowAction = iota
	FlowDeny
)

// FlowRule is one (dataLabelPattern, operationLabelPattern) → action entry.
type FlowRule struct {
	DataLabel label.Label
	OpLabel   label.Label
	Action    FlowAction
}

// AuthBinding maps a credential name to its sealed-path source and the
// environment variable it is exposed as.
type AuthBinding struct {
	From string
	As   string
}

// UnlabeledDefault controls what trust label an otherwise-unlabeled value is
// treated as carrying for policy purposes.
type UnlabeledDefault string

const (
	UnlabeledNone      UnlabeledDefault = ""
	UnlabeledTrusted   UnlabeledDefault = "trusted"
	UnlabeledUntrusted UnlabeledDefault = "untrusted"
)

// Policy is both the declarative input shape (one per config source or
// `policy` directive) and, once merged via Merge/Compile, the immutable
// compiled record the enforcer reads.
type Policy struct {
	CapabilityAllow       []string
	CapabilityDeny        []string
	CapabilityDanger      []string
	OperationRisk         map[label.Label][]RiskTag
	LabelFlow             []FlowRule
	DefaultsRules         []string
	UnlabeledDefault      UnlabeledDefault
	AuthTable             map[string]AuthBinding
	TrustConflictResolver label.ConflictResolver
	Limits                env.Limits
	hasLimits             bool
	// allowConstrained distinguishes "no layer constrained capabilityAllow"
	// (every operation passes the allow gate) from "layers constrained it
	// and their intersection is empty" (every operation is blocked).
	allowConstrained bool
}

// WithLimits marks the policy as carrying an explicit Limits override
// (composition must otherwise leave Limits untouched rather than treating
// the zero value as "0 = unconstrained").
func (p Policy) WithLimits(l env.Limits) Policy {
	p.Limits = l
	p.hasLimits = true
	return p
}

// builtinRules is the exhaustive built-in rule bundle table.
var builtinRules = map[string]func() *guard.Definition{
	"no-secret-exfil":               func() *guard.Definition { return exfilRule("no-secret-exfil", label.Secret) },
	"no-sensitive-exfil":            func() *guard.Definition { return exfilRule("no-sensitive-exfil", label.Sensitive) },
	"no-untrusted-destructive":      func() *guard.Definition { return riskRule("no-untrusted-destructive", RiskDestructive) },
	"no-untrusted-privileged":       func() *guard.Definition { return riskRule("no-untrusted-privileged", RiskPrivileged) },
	"untrusted-llms-get-influenced": untrustedLLMsGetInfluenced,
}

func exfilRule(id string, sensitivity label.Label) *guard.Definition {
	return &guard.Definition{
		Name:             "builtin:" + id,
		Privileged:       true,
		Timing:           guard.Before,
		FilterKind:       guard.FilterDataLabel,
		FilterValue:      sensitivity,
		DeclarationOrder: guard.BuiltinOrder,
		Block: func(_ context.Context, scope guard.Scope) (guard.Action, error) {
			if !hasLabel(scope, sensitivity) {
				return guard.Allow(), nil
			}
			if !opHasLabel(scope, label.Label(RiskExfil)) {
				return guard.Allow(), nil
			}
			return guard.DenyRule(
				fmt.Sprintf("%s cannot flow to an exfil-risk operation", sensitivity),
				id,
				fmt.Sprintf("remove %q via a privileged guard", sensitivity),
				"add the exe to capabilities.danger",
			), nil
		},
	}
}

func riskRule(id string, risk RiskTag) *guard.Definition {
	return &guard.Definition{
		Name:             "builtin:" + id,
		Privileged:       true,
		Timing:           guard.Before,
		FilterKind:       guard.FilterDataLabel,
		FilterValue:      label.Untrusted,
		DeclarationOrder: guard.BuiltinOrder,
		Block: func(_ context.Context, scope guard.Scope) (guard.Action, error) {
			if !hasLabel(scope, label.Untrusted) {
				return guard.Allow(), nil
			}
			if !opHasLabel(scope, label.Label(risk)) {
				return guard.Allow(), nil
			}
			return guard.DenyRule(
				fmt.Sprintf("untrusted data cannot flow to a %s operation", risk),
				id,
				"remove untrusted via a privileged guard",
				"add the exe to capabilities.danger",
			), nil
		},
	}
}

// untrustedLLMsGetInfluenced is primarily an audit-trail declaration: the
// actual "influenced" label is applied by the dispatcher's auto-influence
// logic ("implemented in the operation dispatcher, not the
// algebra"), not by this guard mutating the value. The guard still runs so
// that the decision shows up in the audit ledger under its rule id.
func untrustedLLMsGetInfluenced() *guard.Definition {
	return &guard.Definition{
		Name:             "builtin:untrusted-llms-get-influenced",
		Privileged:       true,
		Timing:           guard.After,
		FilterKind:       guard.FilterOpLabel,
		FilterValue:      label.Label("op:llm"),
		DeclarationOrder: guard.BuiltinOrder,
		Block: func(_ context.Context, _ guard.Scope) (guard.Action, error) {
			return guard.Allow(), nil
		},
	}
}

func hasLabel(scope guard.Scope, l label.Label) bool {
	if scope.Input != nil {
		return scope.Input.Contains(l)
	}
	if scope.Inputs != nil {
		return scope.Inputs.Any(l)
	}
	return false
}

func opHasLabel(scope guard.Scope, l label.Label) bool {
	return scope.Op.Labels.Contains(l)
}

// Compile merges zero or more policy layers toward the most restrictive
// interpretation and synthesizes the privileged guards for every rule id named in the
// merged DefaultsRules. Layers are typically one per config source plus one
// per `policy` directive encountered during module load.
func Compile(layers ...Policy) (*Policy, []*guard.Definition, error) {
	merged := Policy{
		OperationRisk: map[label.Label][]RiskTag{},
		AuthTable:     map[string]AuthBinding{},
	}

	allowSeeded, dangerSeeded, limitsSeeded := false, false, false

	for _, l := range layers {
		merged.CapabilityDeny = unionStrings(merged.CapabilityDeny, l.CapabilityDeny)
		merged.DefaultsRules = unionStrings(merged.DefaultsRules, l.DefaultsRules)
		merged.LabelFlow = mergeFlow(merged.LabelFlow, l.LabelFlow)

		if len(l.CapabilityAllow) > 0 {
			merged.allowConstrained = true
			if !allowSeeded {
				merged.CapabilityAllow = append([]string{}, l.CapabilityAllow...)
				allowSeeded = true
			} else {
				merged.CapabilityAllow = intersectStringsList(merged.CapabilityAllow, l.CapabilityAllow)
			}
		}
		if len(l.CapabilityDanger) > 0 {
			if !dangerSeeded {
				merged.CapabilityDanger = append([]string{}, l.CapabilityDanger...)
				dangerSeeded = true
			} else {
				merged.CapabilityDanger = intersectStringsList(merged.CapabilityDanger, l.CapabilityDanger)
			}
		}

		for k, v := range l.OperationRisk {
			merged.OperationRisk[k] = unionRisk(merged.OperationRisk[k], v)
		}

		switch {
		case l.UnlabeledDefault == UnlabeledUntrusted:
			merged.UnlabeledDefault = UnlabeledUntrusted
		case l.UnlabeledDefault == UnlabeledTrusted && merged.UnlabeledDefault != UnlabeledUntrusted:
			merged.UnlabeledDefault = UnlabeledTrusted
		}

		for k, v := range l.AuthTable {
			if _, dup := merged.AuthTable[k]; dup {
				return nil, nil, fmt.Errorf("%w: %q", ErrDuplicateAuthBinding, k)
			}
			merged.AuthTable[k] = v
		}

		// The resolver is a scalar policy-wide setting, not a per-layer
		// list; later layers (composed last, e.g. a module-local `policy`
		// directive overriding a project-wide config file) take precedence.
		if l.TrustConflictResolver != label.ResolveWarn || len(layers) == 1 {
			merged.TrustConflictResolver = l.TrustConflictResolver
		}

		if l.hasLimits {
			if !limitsSeeded {
				merged = merged.WithLimits(l.Limits)
				limitsSeeded = true
			} else {
				merged = merged.WithLimits(env.Limits{
					MemBytes:  minNonZero(merged.Limits.MemBytes, l.Limits.MemBytes),
					CPUShares: minNonZero(merged.Limits.CPUShares, l.Limits.CPUShares),
					TimeoutMs: minNonZero(merged.Limits.TimeoutMs, l.Limits.TimeoutMs),
				})
			}
		}
	}

	var synthesized []*guard.Definition
	seen := map[string]bool{}
	// Stable order: iterate DefaultsRules as merged (already deduplicated
	// and sorted by merge), so synthesized guard declaration order is
	// deterministic across runs.
	for _, id := range merged.DefaultsRules {
		if seen[id] {
			continue
		}
		seen[id] = true
		factory, ok := builtinRules[id]
		if !ok {
			return nil, nil, fmt.Errorf("policy: unknown built-in rule %q", id)
		}
		synthesized = append(synthesized, factory())
	}

	return &merged, synthesized, nil
}

// ErrDuplicateAuthBinding is returned by Compile when two layers bind the
// same credential name (Q1: treated as an error, not a merge).
var ErrDuplicateAuthBinding = fmt.Errorf("policy: duplicate auth binding")

func minNonZero(a, b int64) int64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func unionRisk(a, b []RiskTag) []RiskTag {
	seen := map[RiskTag]bool{}
	var out []RiskTag
	for _, t := range append(append([]RiskTag{}, a...), b...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// intersectStringsList returns the patterns present in both a and b,
// implementing the "most-restrictive" composition rule for capabilityAllow
// and capabilityDanger: once two layers have both constrained a
// field, only patterns both agree on survive.
func intersectStringsList(a, b []string) []string {
	as := map[string]bool{}
	for _, s := range a {
		as[s] = true
	}
	var out []string
	for _, s := range b {
		if as[s] {
			out = append(out, s)
		}
	}
	return out
}

func mergeFlow(a, b []FlowRule) []FlowRule {
	all := append(append([]FlowRule{}, a...), b...)
	denies := map[string]bool{}
	for _, r := range all {
		if r.Action == FlowDeny {
			denies[flowKey(r)] = true
		}
	}
	seen := map[string]bool{}
	var out []FlowRule
	for _, r := range all {
		k := flowKey(r)
		if r.Action == FlowAllow && denies[k] {
			continue // allow rules discarded on conflict with a deny
		}
		if seen[k+string(rune(r.Action))] {
			continue
		}
		seen[k+string(rune(r.Action))] = true
		out = append(out, r)
	}
	return out
}

func flowKey(r FlowRule) string { return string(r.DataLabel) + "\x00" + string(r.OpLabel) }

// Decision is the outcome of evaluating an operation against a compiled
// Policy.
type Decision struct {
	Permit bool
	Err    *Error
}

// ErrorKind classifies a non-permit Decision.
type ErrorKind int

const (
	ErrCapability ErrorKind = iota
	ErrLabelFlow
	ErrAuth
)

func (k ErrorKind) String() string {
	switch k {
	case ErrCapability:
		return "capability"
	case ErrLabelFlow:
		return "labelFlow"
	case ErrAuth:
		return "auth"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is PolicyError: a hard, uncatchable decision
type Error struct {
	Kind        ErrorKind
	Pattern     string
	DataLabel   label.Label
	OpLabel     label.Label
	RuleID      string
	Reason      string
	Suggestions []string
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrCapability:
		return fmt.Sprintf("PolicyError(capability): %q is not permitted", e.Pattern)
	case ErrLabelFlow:
		return fmt.Sprintf("PolicyError(labelFlow): %s -> %s denied by rule %s", e.DataLabel, e.OpLabel, e.RuleID)
	case ErrAuth:
		return fmt.Sprintf("PolicyError(auth): %s", e.Reason)
	default:
		return "PolicyError"
	}
}

// Enforcer provides Decide, backed by one compiled, immutable Policy.
type Enforcer struct {
	policy *Policy
}

// NewEnforcer wraps a compiled Policy.
func NewEnforcer(p *Policy) *Enforcer { return &Enforcer{policy: p} }

// Policy returns the enforcer's compiled policy.
func (e *Enforcer) Policy() *Policy { return e.policy }

// Decide evaluates op against the compiled policy. A nil return means
// permit; any non-nil *Error is a hard PolicyError the dispatcher raises
// uncaught. environment may be nil when no credential check is needed (no
// `using auth:` clause on the op).
func (e *Enforcer) Decide(op *opctx.Context, environment *env.Context) *Error {
	name := op.Name

	// capabilityDeny is an override that beats both other gates.
	if matchesAny(e.policy.CapabilityDeny, name) {
		return &Error{Kind: ErrCapability, Pattern: name, Reason: "explicitly denied"}
	}
	if e.policy.allowConstrained && !matchesAny(e.policy.CapabilityAllow, name) {
		return &Error{Kind: ErrCapability, Pattern: name, Reason: "not covered by capabilities.allow"}
	}
	if matchesAny(e.policy.CapabilityDanger, name) && !op.Danger {
		return &Error{
			Kind:        ErrCapability,
			Pattern:     name,
			Reason:      "in capabilities.danger without a danger opt-in",
			Suggestions: []string{"add a danger opt-in to the invoking directive"},
		}
	}

	for _, cred := range op.Auth {
		binding, ok := e.policy.AuthTable[cred]
		if !ok {
			return &Error{Kind: ErrAuth, Reason: fmt.Sprintf("credential %q has no auth table entry", cred)}
		}
		if environment != nil {
			if _, bound := environment.Resolve(binding.As); !bound {
				return &Error{Kind: ErrAuth, Reason: fmt.Sprintf("credential %q is not bound in the active environment", cred)}
			}
		}
	}

	for _, in := range op.Inputs {
		for _, rule := range e.policy.LabelFlow {
			if rule.Action != FlowDeny {
				continue
			}
			if !in.Descriptor.TaintContains(rule.DataLabel) {
				continue
			}
			if !flowMatchesOp(rule.OpLabel, op) {
				continue
			}
			return &Error{
				Kind:      ErrLabelFlow,
				DataLabel: rule.DataLabel,
				OpLabel:   rule.OpLabel,
				RuleID:    fmt.Sprintf("flow:%s->%s", rule.DataLabel, rule.OpLabel),
				Suggestions: []string{
					fmt.Sprintf("remove %q via a privileged guard", rule.DataLabel),
				},
			}
		}
	}

	return nil
}

func flowMatchesOp(opPattern label.Label, op *opctx.Context) bool {
	if op.OpLabels.Contains(opPattern) {
		return true
	}
	synthetic := label.NewSet(op.Type.OpLabel(), label.Label(fmt.Sprintf("op:%s:%s", op.Type, op.Name)))
	return synthetic.Contains(opPattern)
}

// matchesAny reports whether name matches any of the glob-style patterns.
// Patterns use "*" as a trailing wildcard over ":"-delimited segments, e.g.
// "cmd:git:*" matches "cmd:git:push" but not "cmd:echo:hi".
func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if matchesGlob(p, name) {
			return true
		}
	}
	return false
}

func matchesGlob(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(name, prefix)
	}
	return false
}
