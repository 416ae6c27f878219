// Package main is the entry point for the secctl CLI: it compiles a
// policy+guard document, dry-runs a scripted operation sequence through the
// full dispatcher, and prints the resulting audit trail.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mlld-lang/sec/core/audit"
	"github.com/mlld-lang/sec/core/detect"
	"github.com/mlld-lang/sec/core/dispatch"
	"github.com/mlld-lang/sec/core/env"
	"github.com/mlld-lang/sec/core/guard"
	"github.com/mlld-lang/sec/core/label"
	"github.com/mlld-lang/sec/core/opctx"
	"github.com/mlld-lang/sec/core/policy"
	"github.com/mlld-lang/sec/core/readtaint"
	"github.com/mlld-lang/sec/evalhost"
	"github.com/mlld-lang/sec/mcpserve"
	"github.com/mlld-lang/sec/secctlcfg"
	"github.com/mlld-lang/sec/sign"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	switch args[0] {
	case "check":
		return runCheck(args[1:])
	case "serve-mcp":
		return runServeMCP(args[1:])
	case "keygen":
		return runKeygen(args[1:])
	case "--version", "version":
		fmt.Printf("secctl %s\n", version)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "secctl: unknown command %q\n", args[0])
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  secctl check <config.yaml> --scenario <ops.yaml> [--audit-dir DIR] [-v]
  secctl serve-mcp <config.yaml> [--audit-dir DIR]
  secctl keygen --out <dir>`)
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	scenarioPath := fs.String("scenario", "", "path to the operation scenario file")
	auditDir := fs.String("audit-dir", ".mlld/sec", "directory for the audit ledger")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 || *scenarioPath == "" {
		usage()
		return 2
	}

	logger := newLogger(*verbose)

	doc, err := secctlcfg.Load(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	sc, err := secctlcfg.LoadScenario(*scenarioPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	layer, err := doc.ToPolicy()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	compiled, synthesized, err := policy.Compile(layer)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ledger, auditPath, cleanup, err := openLedger(*auditDir, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	host := evalhost.NewHost(evalhost.WithLogger(logger))
	defer host.Close()
	if len(doc.Evaluators) > 0 {
		if err := host.RegisterBinaries(context.Background(), doc.Evaluators); err != nil {
			fmt.Fprintln(os.Stderr, "secctl: evaluator pool:", err)
			return 1
		}
	}

	registry := guard.NewRegistry()
	for _, g := range synthesized {
		if err := registry.Register(g); err != nil {
			fmt.Fprintln(os.Stderr, "secctl:", err)
			return 1
		}
	}
	for i, gc := range doc.Guards {
		def, err := guardFromConfig(gc, i, host)
		if err != nil {
			fmt.Fprintln(os.Stderr, "secctl:", err)
			return 1
		}
		if err := registry.Register(def); err != nil {
			fmt.Fprintln(os.Stderr, "secctl:", err)
			return 1
		}
	}
	registry.Freeze()

	envCfg, err := doc.ToEnvConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	root := env.Root(envCfg)

	d := dispatch.New(registry, policy.NewEnforcer(compiled), ledger,
		dispatch.WithResolver(compiled.TrustConflictResolver),
		dispatch.WithReadTaint(readtaint.NewFromEnv(auditPath)),
		dispatch.WithSecretDetector(detect.Detected),
	)

	failures := 0
	for i, oc := range sc.Ops {
		op, err := oc.ToContext(compiled.TrustConflictResolver)
		if err != nil {
			fmt.Fprintln(os.Stderr, "secctl:", err)
			return 1
		}

		result := oc.Result
		_, desc, err := d.Perform(context.Background(), op, root, func(_ context.Context, _ *env.Context, _ []opctx.Input) (any, string, error) {
			return result, result, nil
		}, nil)

		if err != nil {
			failures++
			fmt.Printf("op %d %s %s: DENIED: %v\n", i+1, oc.Type, oc.Name, err)
			continue
		}
		fmt.Printf("op %d %s %s: ok, labels %v\n", i+1, oc.Type, oc.Name, desc.Labels().Slice())
	}

	fmt.Printf("\n%d/%d operations permitted; audit trail at %s\n", len(sc.Ops)-failures, len(sc.Ops), auditPath)
	if failures > 0 {
		return 1
	}
	return 0
}

func runServeMCP(args []string) int {
	fs := flag.NewFlagSet("serve-mcp", flag.ContinueOnError)
	auditDir := fs.String("audit-dir", ".mlld/sec", "directory for the audit ledger")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		usage()
		return 2
	}

	doc, err := secctlcfg.Load(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	layer, err := doc.ToPolicy()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	compiled, _, err := policy.Compile(layer)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	envCfg, err := doc.ToEnvConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	srv := mcpserve.New(version, compiled, env.Root(envCfg),
		mcpserve.WithAuditLog(filepath.Join(*auditDir, "audit.jsonl")))
	if err := srv.Serve(); err != nil {
		fmt.Fprintln(os.Stderr, "secctl:", err)
		return 1
	}
	return 0
}

func runKeygen(args []string) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", ".sig", "directory for the generated key pair")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	pub, _, err := sign.GenerateKeyPair()
	if err != nil {
		fmt.Fprintln(os.Stderr, "secctl:", err)
		return 1
	}

	if err := os.MkdirAll(*out, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "secctl:", err)
		return 1
	}
	pubPath := filepath.Join(*out, "ledger.pub.pem")
	if err := os.WriteFile(pubPath, sign.ExportKeyPEM(pub), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "secctl:", err)
		return 1
	}

	kr := sign.NewKeyring()
	key, err := sign.NewKey("ledger", sign.ExportKeyPEM(pub), "audit", "sig")
	if err != nil {
		fmt.Fprintln(os.Stderr, "secctl:", err)
		return 1
	}
	kr.Add(key)
	if err := sign.SaveKeyring(filepath.Join(*out, "keyring.json"), kr); err != nil {
		fmt.Fprintln(os.Stderr, "secctl:", err)
		return 1
	}

	fmt.Printf("wrote %s (fingerprint %s)\n", pubPath, key.Fingerprint)
	return 0
}

// guardFromConfig builds a registry definition from a config-declared guard.
// Config guards always live in an evaluator backend; their blocks dispatch
// over the GuardBridge.
func guardFromConfig(gc secctlcfg.GuardConfig, order int, host *evalhost.Host) (*guard.Definition, error) {
	var timing guard.Timing
	switch gc.Timing {
	case "before", "":
		timing = guard.Before
	case "after":
		timing = guard.After
	case "always":
		timing = guard.Always
	default:
		return nil, fmt.Errorf("guard %q: unknown timing %q", gc.Name, gc.Timing)
	}

	return &guard.Definition{
		Name:             gc.Name,
		Privileged:       gc.Privileged,
		Timing:           timing,
		FilterKind:       guard.FilterAuto,
		FilterValue:      label.Label(gc.Filter),
		Block:            host.BlockRunner(gc.Name),
		DeclarationOrder: order,
	}, nil
}

// openLedger opens the audit and sig streams. MLLD_EPHEMERAL=true binds both
// to an in-memory sink so nothing persists.
func openLedger(dir string, logger *slog.Logger) (*audit.Ledger, string, func(), error) {
	if os.Getenv("MLLD_EPHEMERAL") == "true" {
		l := audit.NewLedger(audit.NewWriter(discard{}, logger), audit.NewWriter(discard{}, logger))
		return l, "(ephemeral)", func() {}, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", nil, fmt.Errorf("secctl: creating audit dir: %w", err)
	}
	sigDir := ".sig"
	if err := os.MkdirAll(sigDir, 0o755); err != nil {
		return nil, "", nil, fmt.Errorf("secctl: creating sig dir: %w", err)
	}

	auditPath := filepath.Join(dir, "audit.jsonl")
	auditFile, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", nil, fmt.Errorf("secctl: opening audit log: %w", err)
	}
	sigFile, err := os.OpenFile(filepath.Join(sigDir, "audit.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		auditFile.Close()
		return nil, "", nil, fmt.Errorf("secctl: opening sig log: %w", err)
	}

	auditW := audit.NewWriter(auditFile, logger)
	sigW := audit.NewWriter(sigFile, logger)
	cleanup := func() {
		_ = auditW.Close()
		_ = sigW.Close()
	}
	return audit.NewLedger(auditW, sigW), auditPath, cleanup, nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
