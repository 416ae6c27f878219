package secctlcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mlld-lang/sec/core/env"
	"github.com/mlld-lang/sec/core/label"
	"github.com/mlld-lang/sec/core/opctx"
	"github.com/mlld-lang/sec/core/policy"
)

const sampleConfig = `
policy:
  defaults:
    rules: [no-secret-exfil, untrusted-llms-get-influenced]
  capabilities:
    allow: ["cmd:echo:*", "cmd:git:*"]
    deny: ["cmd:rm:*"]
    danger: ["cmd:git:push"]
  operations:
    net:w: exfil
    fs:w: destructive
  labels:
    - data: untrusted
      op: "op:cmd:git"
      action: deny
  unlabeled: untrusted
  trust_conflict: warn
  auth:
    slack:
      from: keychain:slack
      as: SLACK_TOKEN
  limits:
    timeout_ms: 30000
environment:
  provider: local
  fs:
    read: ["/project/**"]
    write: ["/project/out/*"]
  net: limited
  tools: [Bash, Read]
  mcps: [mlld-sec]
guards:
  - name: scrub-untrusted
    timing: before
    filter: untrusted
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sec.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndConvert(t *testing.T) {
	doc, err := Load(writeTemp(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	layer, err := doc.ToPolicy()
	if err != nil {
		t.Fatal(err)
	}
	if len(layer.DefaultsRules) != 2 {
		t.Fatalf("rules = %v", layer.DefaultsRules)
	}
	if layer.UnlabeledDefault != policy.UnlabeledUntrusted {
		t.Fatalf("unlabeled = %q", layer.UnlabeledDefault)
	}
	if got := layer.OperationRisk["net:w"]; len(got) != 1 || got[0] != policy.RiskExfil {
		t.Fatalf("operationRisk[net:w] = %v", got)
	}
	if len(layer.LabelFlow) != 1 || layer.LabelFlow[0].Action != policy.FlowDeny {
		t.Fatalf("labelFlow = %v", layer.LabelFlow)
	}
	if layer.AuthTable["slack"].As != "SLACK_TOKEN" {
		t.Fatalf("auth = %v", layer.AuthTable)
	}
	if layer.Limits.TimeoutMs != 30000 {
		t.Fatalf("limits = %v", layer.Limits)
	}

	// The layer must compile cleanly end to end.
	compiled, synthesized, err := policy.Compile(layer)
	if err != nil {
		t.Fatal(err)
	}
	if len(synthesized) != 2 {
		t.Fatalf("synthesized = %d", len(synthesized))
	}
	if compiled.TrustConflictResolver != label.ResolveWarn {
		t.Fatalf("resolver = %v", compiled.TrustConflictResolver)
	}

	cfg, err := doc.ToEnvConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Net != env.NetworkLimited {
		t.Fatalf("net = %v", cfg.Net)
	}
	if len(cfg.MCPs) != 1 || cfg.MCPs[0] != "mlld-sec" {
		t.Fatalf("mcps = %v", cfg.MCPs)
	}

	if len(doc.Guards) != 1 || doc.Guards[0].Name != "scrub-untrusted" {
		t.Fatalf("guards = %v", doc.Guards)
	}
}

func TestToPolicyRejectsUnknownValues(t *testing.T) {
	doc := &Document{}
	doc.Policy.Unlabeled = "maybe"
	if _, err := doc.ToPolicy(); err == nil {
		t.Fatal("unknown unlabeled default must error")
	}

	doc = &Document{}
	doc.Policy.Labels = []FlowRuleConfig{{Data: "x", Op: "op:y", Action: "shrug"}}
	if _, err := doc.ToPolicy(); err == nil {
		t.Fatal("unknown flow action must error")
	}

	doc = &Document{}
	doc.Environment.Net = "wifi"
	if _, err := doc.ToEnvConfig(); err == nil {
		t.Fatal("unknown net mode must error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing config must be an error, not a default policy")
	}
}

const sampleScenario = `
ops:
  - type: run
    name: "cmd:echo:hi"
    result: "hi"
  - type: exe
    name: "@send"
    op_labels: [exfil, net:w]
    danger: true
    auth: [slack]
    inputs:
      - var: k
        labels: [secret]
        value: "sk-abc"
`

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.yaml")
	if err := os.WriteFile(path, []byte(sampleScenario), 0o644); err != nil {
		t.Fatal(err)
	}

	sc, err := LoadScenario(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(sc.Ops) != 2 {
		t.Fatalf("ops = %d", len(sc.Ops))
	}

	op, err := sc.Ops[1].ToContext(label.ResolveWarn)
	if err != nil {
		t.Fatal(err)
	}
	if op.Type != opctx.TypeExe {
		t.Fatalf("type = %v", op.Type)
	}
	if !op.OpLabels.Contains("exfil") {
		t.Fatal("op labels must carry exfil")
	}
	if !op.OpLabels.Contains("op:exe") {
		t.Fatal("intrinsic type label must be present")
	}
	if !op.Danger || len(op.Auth) != 1 {
		t.Fatalf("danger/auth not carried: %+v", op)
	}
	if len(op.Inputs) != 1 || !op.Inputs[0].Descriptor.Contains(label.Secret) {
		t.Fatalf("inputs = %+v", op.Inputs)
	}
}

func TestToContextUnknownType(t *testing.T) {
	oc := OpConfig{Type: "teleport", Name: "x"}
	if _, err := oc.ToContext(label.ResolveWarn); err == nil {
		t.Fatal("unknown op type must error")
	}
}
