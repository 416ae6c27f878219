package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/mlld-lang/sec/core/audit"
	"github.com/mlld-lang/sec/core/env"
	"github.com/mlld-lang/sec/core/guard"
	"github.com/mlld-lang/sec/core/label"
	"github.com/mlld-lang/sec/core/opctx"
	"github.com/mlld-lang/sec/core/policy"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestLedger() *audit.Ledger {
	return audit.NewLedger(audit.NewWriter(discardWriter{}, nil), audit.NewWriter(discardWriter{}, nil))
}

func testEnv() *env.Context {
	return env.Root(env.Config{Net: env.NetworkHost, FSRead: env.GlobList{"**"}, FSWrite: env.GlobList{"**"}})
}

func mustDescriptor(t *testing.T, labels ...label.Label) label.Descriptor {
	t.Helper()
	d, err := label.Of(label.ResolveWarn, labels...)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// TestPerformDeniesSecretExfil: a secret-labeled input flowing
// into an exfil-risk operation is denied by the synthesized builtin rule.
func TestPerformDeniesSecretExfil(t *testing.T) {
	compiled, synthesized, err := policy.Compile(policy.Policy{
		CapabilityAllow: []string{"*"},
		DefaultsRules:   []string{"no-secret-exfil"},
	})
	if err != nil {
		t.Fatal(err)
	}

	reg := guard.NewRegistry()
	for _, g := range synthesized {
		if err := reg.Register(g); err != nil {
			t.Fatal(err)
		}
	}
	reg.Freeze()

	enf := policy.NewEnforcer(compiled)
	d := New(reg, enf, newTestLedger())

	op := &opctx.Context{
		Type:     opctx.TypeExe,
		Name:     "exe:send",
		OpLabels: label.NewSet("exfil"),
		Inputs:   []opctx.Input{{Variable: "v", Descriptor: mustDescriptor(t, label.Secret)}},
	}

	_, _, err = d.Perform(context.Background(), op, testEnv(), func(ctx context.Context, e *env.Context, in []opctx.Input) (any, string, error) {
		return "sent", "sent", nil
	}, nil)

	var denyErr *GuardDenyError
	if err == nil {
		t.Fatal("expected a GuardDenyError")
	}
	if !errors.As(err, &denyErr) {
		t.Fatalf("expected *GuardDenyError, got %T: %v", err, err)
	}
	if denyErr.RuleID != "no-secret-exfil" {
		t.Fatalf("expected rule no-secret-exfil, got %q", denyErr.RuleID)
	}
}

// TestPerformRetryThenAllow: a before-guard retries twice before
// allowing on the third attempt.
func TestPerformRetryThenAllow(t *testing.T) {
	reg := guard.NewRegistry()
	tries := 0
	err := reg.Register(&guard.Definition{
		Name:        "retry-twice",
		Timing:      guard.Before,
		FilterKind:  guard.FilterOpLabel,
		FilterValue: label.Label("op:exe"),
		Block: func(_ context.Context, scope guard.Scope) (guard.Action, error) {
			tries++
			if scope.Guard.Try < 3 {
				return guard.Retry("try again"), nil
			}
			return guard.Allow(), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	reg.Freeze()

	compiled, _, err := policy.Compile(policy.Policy{CapabilityAllow: []string{"*"}})
	if err != nil {
		t.Fatal(err)
	}
	enf := policy.NewEnforcer(compiled)
	d := New(reg, enf, newTestLedger())

	op := &opctx.Context{Type: opctx.TypeExe, Name: "exe:whatever", OpLabels: label.NewSet()}
	executed := false

	_, _, err = d.Perform(context.Background(), op, testEnv(), func(ctx context.Context, e *env.Context, in []opctx.Input) (any, string, error) {
		executed = true
		return "ok", "ok", nil
	}, nil)
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if tries != 3 {
		t.Fatalf("expected 3 guard evaluations, got %d", tries)
	}
	if !executed {
		t.Fatal("expected execute to run after allow")
	}
}

// TestPerformDeniedByPolicyIsUncatchable: a capability-deny
// decision short-circuits before any guard runs and cannot be intercepted by
// a denied handler.
func TestPerformDeniedByPolicyIsUncatchable(t *testing.T) {
	reg := guard.NewRegistry()
	reg.Freeze()

	compiled, _, err := policy.Compile(policy.Policy{CapabilityDeny: []string{"exe:rm"}})
	if err != nil {
		t.Fatal(err)
	}
	enf := policy.NewEnforcer(compiled)
	d := New(reg, enf, newTestLedger())

	op := &opctx.Context{Type: opctx.TypeExe, Name: "exe:rm", OpLabels: label.NewSet()}
	handlerCalled := false

	_, _, err = d.Perform(context.Background(), op, testEnv(), func(ctx context.Context, e *env.Context, in []opctx.Input) (any, string, error) {
		t.Fatal("execute must not run when policy denies")
		return nil, "", nil
	}, func(derr *GuardDenyError) (any, label.Descriptor, bool) {
		handlerCalled = true
		return nil, label.Descriptor{}, true
	})

	var perr *PolicyError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PolicyError, got %T: %v", err, err)
	}
	if handlerCalled {
		t.Fatal("denied handler must not intercept a PolicyError")
	}
}
