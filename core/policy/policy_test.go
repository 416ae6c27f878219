package policy

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/mlld-lang/sec/core/env"
	"github.com/mlld-lang/sec/core/guard"
	"github.com/mlld-lang/sec/core/label"
	"github.com/mlld-lang/sec/core/opctx"
)

func mustCompile(t *testing.T, layers ...Policy) *Policy {
	t.Helper()
	p, _, err := Compile(layers...)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func mustDescriptor(t *testing.T, labels ...label.Label) label.Descriptor {
	t.Helper()
	d, err := label.Of(label.ResolveWarn, labels...)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestCompile_AllowIntersection(t *testing.T) {
	// Two layers with disjoint allow lists: the intersection is empty
	// and every operation is blocked.
	p := mustCompile(t,
		Policy{CapabilityAllow: []string{"cmd:echo:*"}},
		Policy{CapabilityAllow: []string{"cmd:git:*"}},
	)
	if len(p.CapabilityAllow) != 0 {
		t.Fatalf("expected empty intersection, got %v", p.CapabilityAllow)
	}

	enf := NewEnforcer(p)
	op := &opctx.Context{Type: opctx.TypeRun, Name: "cmd:echo:hi"}
	perr := enf.Decide(op, nil)
	if perr == nil || perr.Kind != ErrCapability {
		t.Fatalf("expected capability denial, got %v", perr)
	}
}

func TestCompile_UnconstrainedAllowPermitsAll(t *testing.T) {
	// A policy that never mentions capabilities.allow does not block
	// operations; only a constrained-and-empty intersection does. A policy
	// carrying just default rules still lets runs reach the guards.
	p := mustCompile(t, Policy{DefaultsRules: []string{"no-secret-exfil"}})
	enf := NewEnforcer(p)
	op := &opctx.Context{Type: opctx.TypeRun, Name: "cmd:curl:post"}
	if perr := enf.Decide(op, nil); perr != nil {
		t.Fatalf("expected permit, got %v", perr)
	}
}

func TestCompile_DenyUnion(t *testing.T) {
	// Composed deny lists union.
	p := mustCompile(t,
		Policy{CapabilityDeny: []string{"cmd:rm:*"}},
		Policy{CapabilityDeny: []string{"cmd:dd:*"}},
	)
	want := []string{"cmd:dd:*", "cmd:rm:*"}
	if !reflect.DeepEqual(p.CapabilityDeny, want) {
		t.Fatalf("deny union = %v, want %v", p.CapabilityDeny, want)
	}
}

func TestCompile_DenyBeatsAllow(t *testing.T) {
	p := mustCompile(t, Policy{
		CapabilityAllow: []string{"*"},
		CapabilityDeny:  []string{"cmd:rm:*"},
	})
	enf := NewEnforcer(p)
	op := &opctx.Context{Type: opctx.TypeRun, Name: "cmd:rm:rf"}
	perr := enf.Decide(op, nil)
	if perr == nil || perr.Kind != ErrCapability {
		t.Fatalf("expected capability denial, got %v", perr)
	}
}

func TestCompile_DangerRequiresOptIn(t *testing.T) {
	p := mustCompile(t, Policy{
		CapabilityAllow:  []string{"*"},
		CapabilityDanger: []string{"cmd:git:push"},
	})
	enf := NewEnforcer(p)

	op := &opctx.Context{Type: opctx.TypeRun, Name: "cmd:git:push"}
	if perr := enf.Decide(op, nil); perr == nil || perr.Kind != ErrCapability {
		t.Fatalf("expected danger denial without opt-in, got %v", perr)
	}

	op.Danger = true
	if perr := enf.Decide(op, nil); perr != nil {
		t.Fatalf("expected permit with danger opt-in, got %v", perr)
	}
}

func TestCompile_DangerIntersection(t *testing.T) {
	// Both layers must opt an operation into the danger set.
	p := mustCompile(t,
		Policy{CapabilityDanger: []string{"cmd:git:push", "cmd:rm:rf"}},
		Policy{CapabilityDanger: []string{"cmd:git:push"}},
	)
	if !reflect.DeepEqual(p.CapabilityDanger, []string{"cmd:git:push"}) {
		t.Fatalf("danger intersection = %v", p.CapabilityDanger)
	}
}

func TestCompile_RiskUnion(t *testing.T) {
	p := mustCompile(t,
		Policy{OperationRisk: map[label.Label][]RiskTag{"net:w": {RiskExfil}}},
		Policy{OperationRisk: map[label.Label][]RiskTag{"net:w": {RiskDestructive}}},
	)
	got := p.OperationRisk["net:w"]
	if len(got) != 2 {
		t.Fatalf("expected both risks to apply, got %v", got)
	}
}

func TestCompile_LabelFlowDenyWinsOverAllow(t *testing.T) {
	p := mustCompile(t,
		Policy{LabelFlow: []FlowRule{{DataLabel: label.Secret, OpLabel: "op:run", Action: FlowAllow}}},
		Policy{LabelFlow: []FlowRule{{DataLabel: label.Secret, OpLabel: "op:run", Action: FlowDeny}}},
	)
	for _, r := range p.LabelFlow {
		if r.Action == FlowAllow {
			t.Fatalf("allow rule should have been discarded on conflict: %+v", r)
		}
	}
}

func TestCompile_UnlabeledDefaultUntrustedWins(t *testing.T) {
	p := mustCompile(t,
		Policy{UnlabeledDefault: UnlabeledTrusted},
		Policy{UnlabeledDefault: UnlabeledUntrusted},
	)
	if p.UnlabeledDefault != UnlabeledUntrusted {
		t.Fatalf("expected untrusted to win, got %q", p.UnlabeledDefault)
	}
}

func TestCompile_DuplicateAuthBindingIsError(t *testing.T) {
	_, _, err := Compile(
		Policy{AuthTable: map[string]AuthBinding{"slack": {From: "keychain:slack", As: "SLACK_TOKEN"}}},
		Policy{AuthTable: map[string]AuthBinding{"slack": {From: "vault:slack", As: "SLACK_TOKEN"}}},
	)
	if !errors.Is(err, ErrDuplicateAuthBinding) {
		t.Fatalf("expected ErrDuplicateAuthBinding, got %v", err)
	}
}

func TestCompile_LimitsComponentWiseMinimum(t *testing.T) {
	p := mustCompile(t,
		Policy{}.WithLimits(env.Limits{MemBytes: 100, TimeoutMs: 5000}),
		Policy{}.WithLimits(env.Limits{MemBytes: 50, CPUShares: 2, TimeoutMs: 10000}),
	)
	want := env.Limits{MemBytes: 50, CPUShares: 2, TimeoutMs: 5000}
	if p.Limits != want {
		t.Fatalf("limits = %+v, want %+v", p.Limits, want)
	}
}

func TestCompile_UnknownBuiltinRule(t *testing.T) {
	_, _, err := Compile(Policy{DefaultsRules: []string{"no-such-rule"}})
	if err == nil {
		t.Fatal("expected error for unknown built-in rule")
	}
}

func TestCompile_SynthesizesPrivilegedBuiltins(t *testing.T) {
	_, synthesized, err := Compile(Policy{
		DefaultsRules: []string{"no-secret-exfil", "no-untrusted-destructive"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(synthesized) != 2 {
		t.Fatalf("expected 2 synthesized guards, got %d", len(synthesized))
	}
	for _, g := range synthesized {
		if !g.Privileged {
			t.Errorf("builtin %q must be privileged", g.Name)
		}
		if g.DeclarationOrder != guard.BuiltinOrder {
			t.Errorf("builtin %q must run first, got order %d", g.Name, g.DeclarationOrder)
		}
	}
}

func TestBuiltinNoSecretExfil(t *testing.T) {
	def := builtinRules["no-secret-exfil"]()

	d := mustDescriptor(t, label.Secret)
	scope := guard.Scope{
		Inputs: &guard.AggregateInput{Descriptors: []label.Descriptor{d}},
		Op:     guard.OpView{Type: "exe", Name: "@send", Labels: label.NewSet("exfil", "net:w")},
	}
	action, err := def.Block(context.Background(), scope)
	if err != nil {
		t.Fatal(err)
	}
	if action.Kind != guard.ActionDeny {
		t.Fatalf("expected deny, got %v", action.Kind)
	}
	if action.RuleID != "no-secret-exfil" {
		t.Fatalf("expected rule id, got %q", action.RuleID)
	}

	// Without the exfil op label the same input is allowed through.
	scope.Op.Labels = label.NewSet("net:r")
	action, err = def.Block(context.Background(), scope)
	if err != nil {
		t.Fatal(err)
	}
	if action.Kind != guard.ActionAllow {
		t.Fatalf("expected allow, got %v", action.Kind)
	}
}

func TestBuiltinNoUntrustedDestructive(t *testing.T) {
	def := builtinRules["no-untrusted-destructive"]()

	d := mustDescriptor(t, label.Untrusted)
	scope := guard.Scope{
		Inputs: &guard.AggregateInput{Descriptors: []label.Descriptor{d}},
		Op:     guard.OpView{Type: "exe", Name: "@wipe", Labels: label.NewSet("destructive")},
	}
	action, err := def.Block(context.Background(), scope)
	if err != nil {
		t.Fatal(err)
	}
	if action.Kind != guard.ActionDeny {
		t.Fatalf("expected deny, got %v", action.Kind)
	}
}

func TestDecide_LabelFlowDeny(t *testing.T) {
	p := mustCompile(t, Policy{
		LabelFlow: []FlowRule{{DataLabel: label.Untrusted, OpLabel: "op:cmd:git", Action: FlowDeny}},
	})
	enf := NewEnforcer(p)

	op := &opctx.Context{
		Type:     opctx.TypeRun,
		Name:     "cmd:git:push",
		OpLabels: label.NewSet("op:cmd:git:push"),
		Inputs:   []opctx.Input{{Variable: "x", Descriptor: mustDescriptor(t, label.Untrusted)}},
	}
	perr := enf.Decide(op, nil)
	if perr == nil || perr.Kind != ErrLabelFlow {
		t.Fatalf("expected label-flow denial, got %v", perr)
	}
	if perr.DataLabel != label.Untrusted {
		t.Fatalf("expected untrusted data label, got %q", perr.DataLabel)
	}
}

func TestDecide_AuthUnboundCredential(t *testing.T) {
	p := mustCompile(t, Policy{
		AuthTable: map[string]AuthBinding{"slack": {From: "keychain:slack", As: "SLACK_TOKEN"}},
	})
	enf := NewEnforcer(p)

	op := &opctx.Context{Type: opctx.TypeRun, Name: "cmd:slack:post", Auth: []string{"slack"}}

	// No binding in the environment: denied.
	bare := env.Root(env.Config{})
	if perr := enf.Decide(op, bare); perr == nil || perr.Kind != ErrAuth {
		t.Fatalf("expected auth denial, got %v", perr)
	}

	// Bound in the environment: permitted.
	bound := env.Root(env.Config{AuthBindings: map[string]env.SealedCredential{
		"SLACK_TOKEN": env.Seal("slack", "xoxb-1"),
	}})
	if perr := enf.Decide(op, bound); perr != nil {
		t.Fatalf("expected permit, got %v", perr)
	}

	// Credential name missing from the auth table entirely: denied even
	// with a permissive environment.
	op.Auth = []string{"github"}
	if perr := enf.Decide(op, bound); perr == nil || perr.Kind != ErrAuth {
		t.Fatalf("expected auth denial for unknown credential, got %v", perr)
	}
}

func TestMatchesGlob(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "cmd:anything", true},
		{"cmd:git:*", "cmd:git:push", true},
		{"cmd:git:*", "cmd:echo:hi", false},
		{"cmd:git:push", "cmd:git:push", true},
		{"cmd:git:push", "cmd:git:pull", false},
	}
	for _, tt := range tests {
		if got := matchesGlob(tt.pattern, tt.name); got != tt.want {
			t.Errorf("matchesGlob(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}
