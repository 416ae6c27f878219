package evalsdk

import (
	"context"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mlld-lang/sec/core/guard"
	"github.com/mlld-lang/sec/core/label"
	"github.com/mlld-lang/sec/evalrpc"
)

func TestHandshakeRejectsWrongAPIVersion(t *testing.T) {
	s := NewBridgeServer(Declaration{Name: "test-backend"})

	req, err := structpb.NewStruct(map[string]any{"api_version": "v0"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Handshake(context.Background(), req); err == nil {
		t.Fatal("expected version mismatch error")
	}
}

func TestHandshakeDeclaresGuards(t *testing.T) {
	s := NewBridgeServer(Declaration{Name: "test-backend", RiskClass: "passive"}).
		HandleGuard("sanitize-untrusted", func(_ context.Context, _ guard.Scope) (guard.Action, error) {
			return guard.Allow(), nil
		})

	req, err := structpb.NewStruct(map[string]any{"api_version": evalrpc.BridgeAPIVersion})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := s.Handshake(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	m := resp.AsMap()
	if m["name"] != "test-backend" {
		t.Fatalf("name = %v", m["name"])
	}
	guards := m["guards"].([]any)
	if len(guards) != 1 || guards[0] != "sanitize-untrusted" {
		t.Fatalf("guards = %v", guards)
	}
}

func TestEvaluateRoutesToHandler(t *testing.T) {
	var seenTiming string
	s := NewBridgeServer(Declaration{Name: "test-backend"}).
		HandleGuard("deny-untrusted", func(_ context.Context, scope guard.Scope) (guard.Action, error) {
			seenTiming = scope.Guard.Timing
			if scope.Taint.Contains(label.Untrusted) {
				return guard.Deny("untrusted input"), nil
			}
			return guard.Allow(), nil
		})

	payload, err := evalrpc.ScopeToStruct(guard.Scope{
		Taint: label.NewSet(label.Untrusted),
		Guard: guard.GuardView{Try: 1, Timing: "before"},
	})
	if err != nil {
		t.Fatal(err)
	}
	payload.Fields["guard_name"] = structpb.NewStringValue("deny-untrusted")

	resp, err := s.Evaluate(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}

	action, err := evalrpc.ActionFromStruct(resp)
	if err != nil {
		t.Fatal(err)
	}
	if action.Kind != guard.ActionDeny {
		t.Fatalf("kind = %v, want deny", action.Kind)
	}
	if seenTiming != "before" {
		t.Fatalf("handler saw timing %q", seenTiming)
	}
}

func TestEvaluateUnknownGuard(t *testing.T) {
	s := NewBridgeServer(Declaration{Name: "test-backend"})

	payload, err := evalrpc.ScopeToStruct(guard.Scope{})
	if err != nil {
		t.Fatal(err)
	}
	payload.Fields["guard_name"] = structpb.NewStringValue("nope")

	if _, err := s.Evaluate(context.Background(), payload); err == nil {
		t.Fatal("expected unknown guard error")
	}
}
