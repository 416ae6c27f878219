package guardeval

import (
	"context"
	"testing"

	"github.com/mlld-lang/sec/core/guard"
	"github.com/mlld-lang/sec/core/label"
	"github.com/mlld-lang/sec/core/opctx"
)

func mustDescriptor(t *testing.T, labels ...label.Label) label.Descriptor {
	t.Helper()
	d, err := label.Of(label.ResolveWarn, labels...)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestEvaluateRedactsSecretForNonPrivilegedGuard(t *testing.T) {
	d := mustDescriptor(t, label.Secret)
	var seenPreview string
	def := &guard.Definition{
		Name:       "test-guard",
		Privileged: false,
		Timing:     guard.Before,
		Block: func(_ context.Context, scope guard.Scope) (guard.Action, error) {
			seenPreview = scope.InputPreview
			return guard.Allow(), nil
		},
	}
	op := &opctx.Context{Type: opctx.TypeExe, Name: "@send", OpLabels: label.NewSet()}

	_, err := Evaluate(context.Background(), Request{
		Def:          def,
		Op:           op,
		Candidate:    Candidate{Single: &d},
		InputPreview: "sk-abc-super-secret",
		Timing:       guard.Before,
	})
	if err != nil {
		t.Fatal(err)
	}
	if seenPreview != Redacted {
		t.Fatalf("expected redacted preview, got %q", seenPreview)
	}
}

func TestEvaluatePrivilegedGuardSeesPreview(t *testing.T) {
	d := mustDescriptor(t, label.Secret)
	var seenPreview string
	def := &guard.Definition{
		Name:       "builtin:blessed",
		Privileged: true,
		Timing:     guard.Before,
		Block: func(_ context.Context, scope guard.Scope) (guard.Action, error) {
			seenPreview = scope.InputPreview
			return guard.Allow(), nil
		},
	}
	op := &opctx.Context{Type: opctx.TypeExe, Name: "@send", OpLabels: label.NewSet()}

	_, err := Evaluate(context.Background(), Request{
		Def:          def,
		Op:           op,
		Candidate:    Candidate{Single: &d},
		InputPreview: "sk-abc-super-secret",
		Timing:       guard.Before,
	})
	if err != nil {
		t.Fatal(err)
	}
	if seenPreview == Redacted {
		t.Fatal("privileged guard should see the unredacted preview")
	}
}

func TestEvaluateAggregateScope(t *testing.T) {
	d1 := mustDescriptor(t, label.Untrusted)
	d2 := mustDescriptor(t, label.Trusted)
	def := &guard.Definition{
		Name:   "agg-guard",
		Timing: guard.Before,
		Block: func(_ context.Context, scope guard.Scope) (guard.Action, error) {
			if scope.Inputs == nil {
				t.Fatal("expected aggregate scope")
			}
			if !scope.Inputs.Any(label.Untrusted) {
				t.Fatal("expected .any(untrusted) to be true")
			}
			if scope.Inputs.All(label.Untrusted) {
				t.Fatal("expected .all(untrusted) to be false")
			}
			return guard.Allow(), nil
		},
	}
	op := &opctx.Context{Type: opctx.TypeRun, Name: "cmd:git:push", OpLabels: label.NewSet()}
	_, err := Evaluate(context.Background(), Request{
		Def:       def,
		Op:        op,
		Candidate: Candidate{All: []label.Descriptor{d1, d2}},
		Timing:    guard.Before,
	})
	if err != nil {
		t.Fatal(err)
	}
}
