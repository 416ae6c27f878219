// Package dispatch implements the Operation Dispatcher: the single
// entry point through which the evaluator performs every observable
// operation. It assembles the policy pre-decision, runs before-guards,
// executes the external side effect, computes the resulting descriptor, runs
// after-guards, and emits audit records in phase order.
package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/mlld-lang/sec/core/audit"
	"github.com/mlld-lang/sec/core/env"
	"github.com/mlld-lang/sec/core/guard"
	"github.com/mlld-lang/sec/core/guardeval"
	"github.com/mlld-lang/sec/core/label"
	"github.com/mlld-lang/sec/core/opctx"
	"github.com/mlld-lang/sec/core/policy"
)

// MaxAttempts bounds the guard retry loop.
const MaxAttempts = 3

// Execute is the operation execution callback the evaluator supplies per op
// kind. It is opaque to the dispatcher: the dispatcher re-enters the
// evaluator only to run guard blocks, never to interpret execute's result.
// preview is a short string representation of the result used for after-guard
// redaction and audit previews.
type Execute func(ctx context.Context, environment *env.Context, inputs []opctx.Input) (result any, preview string, err error)

// DeniedHandler is invoked when before/after-guard composition denies an
// operation, corresponding to a `denied =>` handler at the exe's call site.
// Returning ok=false propagates the GuardDenyError to the caller.
type DeniedHandler func(err *GuardDenyError) (result any, descriptor label.Descriptor, ok bool)

// ReadTaintRecovery restores labels from prior write records on a file read
//. The dispatcher consults it for op.Type == opctx.TypeRead.
type ReadTaintRecovery interface {
	Recover(path string) (label.Descriptor, bool)
}

// SecretDetector inspects the raw content of a read/import result and
// reports whether it matches a known secret pattern. Hits auto-apply the
// secret label on first contact, before any write record exists for
// read-taint recovery to restore.
type SecretDetector func(content []byte) bool

// Dispatcher ties together the guard registry, policy enforcer, and audit
// ledger into the single Perform entry point. One Dispatcher instance
// belongs to one evaluation thread: the reentrancy stack is built fresh
// per Perform call and the attempt store is cleared on dispatcher exit,
// never shared across concurrent dispatches.
type Dispatcher struct {
	Registry  *guard.Registry
	Enforcer  *policy.Enforcer
	Ledger    *audit.Ledger
	Resolver  label.ConflictResolver
	ReadTaint ReadTaintRecovery
	Detector  SecretDetector
	Attempts  *guard.AttemptStore

	checkpoints map[string]bool
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

// WithResolver overrides the trust-conflict resolver used for auto-applied
// labels (default ResolveWarn, matching the policy default).
func WithResolver(r label.ConflictResolver) Option {
	return func(d *Dispatcher) { d.Resolver = r }
}

// WithReadTaint wires a read-taint recovery source.
func WithReadTaint(r ReadTaintRecovery) Option {
	return func(d *Dispatcher) { d.ReadTaint = r }
}

// WithSecretDetector wires content-based secret detection into the read
// path.
func WithSecretDetector(det SecretDetector) Option {
	return func(d *Dispatcher) { d.Detector = det }
}

// New constructs a Dispatcher.
func New(reg *guard.Registry, enf *policy.Enforcer, ledger *audit.Ledger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		Registry:    reg,
		Enforcer:    enf,
		Ledger:      ledger,
		Resolver:    label.ResolveWarn,
		Attempts:    guard.NewAttemptStore(),
		checkpoints: map[string]bool{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// PolicyError wraps a hard, uncatchable policy.Error: never caught by
// guards or user code.
type PolicyError struct{ Cause *policy.Error }

func (e *PolicyError) Error() string { return e.Cause.Error() }
func (e *PolicyError) Unwrap() error { return e.Cause }

// GuardDenyError is a recoverable denial a `denied =>` handler may intercept.
type GuardDenyError struct {
	Reason      string
	RuleID      string
	Suggestions []string
}

func (e *GuardDenyError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("GuardDenyError(%s): %s", e.RuleID, e.Reason)
	}
	return fmt.Sprintf("GuardDenyError: %s", e.Reason)
}

// GuardRetryExhaustedError is raised when the before-guard retry budget is
// exceeded without reaching allow.
type GuardRetryExhaustedError struct {
	Attempts int
	LastHint string
}

func (e *GuardRetryExhaustedError) Error() string {
	return fmt.Sprintf("GuardRetryExhausted: exhausted %d attempts, last hint %q", e.Attempts, e.LastHint)
}

// TimeoutError is raised when an operation's environment deadline expires
// during execute.
type TimeoutError struct{ Op string }

func (e *TimeoutError) Error() string { return fmt.Sprintf("Timeout: operation %q exceeded its deadline", e.Op) }

// CheckpointError is raised by invalid checkpoint placement/naming.
type CheckpointError struct{ Reason string }

func (e *CheckpointError) Error() string { return fmt.Sprintf("checkpoint error: %s", e.Reason) }

// Checkpoint enforces the checkpoint placement rules: names must be non-empty and
// unique across the dispatcher's lifetime. Top-level/direct-result-of-a-
// top-level-when placement is an AST-shape invariant enforced by the
// (external) evaluator before it ever calls Checkpoint; this method only
// owns the part of the invariant the core can actually observe: the name.
func (d *Dispatcher) Checkpoint(name string) error {
	if name == "" {
		return &CheckpointError{Reason: "checkpoint name must not be empty"}
	}
	if d.checkpoints[name] {
		return &CheckpointError{Reason: fmt.Sprintf("checkpoint name %q already used", name)}
	}
	d.checkpoints[name] = true
	return nil
}

// Perform is the single public contract: policy pre-decision,
// before-guard loop with retry/env-switch/deny handling, execute, descriptor
// computation (auto-source + auto-influence + read-taint recovery),
// after-guard chain, audit emission.
func (d *Dispatcher) Perform(ctx context.Context, op *opctx.Context, environment *env.Context, execute Execute, denied DeniedHandler) (any, label.Descriptor, error) {
	corrID := uuid.NewString()
	op.CorrID = corrID

	if op.Type == opctx.TypeCheckpoint {
		if err := d.Checkpoint(op.Name); err != nil {
			return nil, label.Descriptor{}, err
		}
	}

	d.applyUnlabeledDefault(op)

	if perr := d.Enforcer.Decide(op, environment); perr != nil {
		d.emitPolicy(op, perr, corrID)
		return nil, label.Descriptor{}, &PolicyError{Cause: perr}
	}
	d.emitPolicyPermit(op, corrID)

	stack := guard.NewReentrancyStack()
	defer d.Attempts.Reset()

	currentEnv := environment
	var tries []opctx.GuardAttemptEntry
	attempt := 1

	var raw any
	var descriptor label.Descriptor

	for {
		if attempt > MaxAttempts {
			return nil, label.Descriptor{}, &GuardRetryExhaustedError{Attempts: attempt - 1, LastHint: lastHint(tries)}
		}
		op.Attempt = attempt
		op.Tries = append([]opctx.GuardAttemptEntry{}, tries...)

		before := guard.Exclude(d.Registry.Match(op, guard.Before, guard.Always), stack)
		composite, recErr := d.runPhase(ctx, op, currentEnv, before, guard.Before, "", corrID, stack)
		if recErr != nil {
			return nil, label.Descriptor{}, recErr
		}

		switch composite.Kind {
		case guard.ActionDeny:
			tries = append(tries, opctx.GuardAttemptEntry{Attempt: attempt, Decision: "deny", Hint: composite.Reason})
			derr := &GuardDenyError{Reason: composite.Reason, RuleID: composite.RuleID, Suggestions: composite.Suggestions}
			d.emitGuard(op, "deny", composite.Reason, composite.RuleID, corrID)
			if denied != nil {
				if res, desc, ok := denied(derr); ok {
					return res, desc, nil
				}
			}
			return nil, label.Descriptor{}, derr
		case guard.ActionRetry:
			tries = append(tries, opctx.GuardAttemptEntry{Attempt: attempt, Decision: "retry", Hint: composite.Hint})
			d.emitGuard(op, "retry", composite.Hint, "", corrID)
			attempt++
			continue
		case guard.ActionEnv:
			narrowed, nerr := env.Narrow(currentEnv, composite.EnvConfig)
			if nerr != nil {
				return nil, label.Descriptor{}, nerr
			}
			currentEnv = narrowed
			continue // same attempt, re-match before-guards under the narrowed env
		default: // ActionAllow / ActionAllowReplacement
		}

		var preview string
		var execErr error
		raw, preview, execErr = d.executeWithDeadline(ctx, op, currentEnv, execute, corrID)
		if execErr != nil {
			return nil, label.Descriptor{}, execErr
		}

		descriptor = label.Union(op.InputDescriptors()...)
		descriptor = applyAutoSource(descriptor, op)
		if op.Type == opctx.TypeLLM && label.AnyContains(op.InputDescriptors(), label.Untrusted) {
			descriptor, _ = descriptor.AddLabel(d.Resolver, label.Influenced)
		}
		if op.Type == opctx.TypeRead && d.ReadTaint != nil {
			if recovered, ok := d.ReadTaint.Recover(op.Name); ok {
				descriptor = label.Union(descriptor, recovered)
			}
		}
		if (op.Type == opctx.TypeRead || op.Type == opctx.TypeImport) && d.Detector != nil {
			if content := contentBytes(raw); content != nil && d.Detector(content) {
				if nd, aerr := descriptor.AddLabel(d.Resolver, label.Secret); aerr == nil {
					descriptor = nd
				}
			}
		}

		after := guard.Exclude(d.Registry.Match(op, guard.After, guard.Always), stack)
		var hint string
		var retried bool
		descriptor, hint, retried, execErr = d.runAfter(ctx, op, currentEnv, after, preview, corrID, stack, descriptor)
		if execErr != nil {
			return nil, label.Descriptor{}, execErr
		}
		if retried {
			// An after-guard retry re-runs the operation from scratch under
			// the same budget; its try is visible to both phases.
			tries = append(tries, opctx.GuardAttemptEntry{Attempt: attempt, Decision: "retry", Hint: hint})
			d.emitGuard(op, "retry", hint, "", corrID)
			attempt++
			continue
		}
		break
	}

	d.emitFinal(op, descriptor, corrID)
	return raw, descriptor, nil
}

// executeWithDeadline runs the external side effect under the environment's
// timeout; after-guards never run for a timed-out operation and a synthetic
// deny(TIMEOUT) is audited.
func (d *Dispatcher) executeWithDeadline(ctx context.Context, op *opctx.Context, environment *env.Context, execute Execute, corrID string) (any, string, error) {
	deadline := environment.Limits.Timeout()
	execCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	raw, preview, err := execute(execCtx, environment, op.Inputs)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			d.emitGuard(op, "deny", "TIMEOUT", "", corrID)
			return nil, "", &TimeoutError{Op: op.Name}
		}
		return nil, "", err
	}
	return raw, preview, nil
}

// runPhase executes every matched before-phase guard in declaration order
// and composes their results by precedence: deny beats retry beats
// env-switch beats allow(replacement) beats allow. A per-input guard runs
// once per matching input and contributes one action per run, all feeding
// the same precedence buckets.
func (d *Dispatcher) runPhase(ctx context.Context, op *opctx.Context, environment *env.Context, defs []*guard.Definition, timing guard.Timing, outputPreview, corrID string, stack *guard.ReentrancyStack) (guard.Action, error) {
	var denyAction, retryAction, envAction, replAction *guard.Action

	fingerprint := op.Fingerprint()

	for _, def := range defs {
		for _, candidate := range beforeCandidates(def, op) {
			if err := stack.Push(def.Name); err != nil {
				return guard.Action{}, err
			}
			action, err := guardeval.Evaluate(ctx, guardeval.Request{
				Def:           def,
				Op:            op,
				Candidate:     candidate,
				OutputPreview: outputPreview,
				Timing:        timing,
				MaxAttempts:   MaxAttempts,
			})
			stack.Pop()
			if err != nil {
				return guard.Action{}, err
			}

			d.Attempts.Record(def.Name, fingerprint, opctx.GuardAttemptEntry{
				Attempt:  op.Attempt,
				Decision: action.Kind.String(),
				Hint:     action.Hint,
			})

			switch action.Kind {
			case guard.ActionDeny:
				if denyAction == nil {
					a := action
					denyAction = &a
				}
			case guard.ActionRetry:
				a := action
				retryAction = &a
			case guard.ActionEnv:
				a := action
				envAction = &a
			case guard.ActionAllowReplacement:
				a := action
				replAction = &a
			}
		}
	}

	switch {
	case denyAction != nil:
		return *denyAction, nil
	case retryAction != nil:
		return *retryAction, nil
	case envAction != nil:
		return *envAction, nil
	case replAction != nil:
		return *replAction, nil
	default:
		return guard.Allow(), nil
	}
}

// beforeCandidates returns the evaluation candidates for one matched guard.
// A per-input (data-label) guard runs once per input whose taint matches its
// filter, each run seeing that single labeled value as scope.Input; when no
// input matches (the guard matched via the operation's labels instead), and
// for operation-side guards, a single run sees the aggregate of all inputs.
func beforeCandidates(def *guard.Definition, op *opctx.Context) []guardeval.Candidate {
	if def.ResolvedKind() == guard.FilterDataLabel {
		var out []guardeval.Candidate
		for _, in := range op.Inputs {
			if in.Descriptor.TaintContains(def.FilterValue) {
				single := in.Descriptor
				out = append(out, guardeval.Candidate{Single: &single})
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []guardeval.Candidate{{All: op.InputDescriptors()}}
}

// runAfter runs after-phase guards sequentially: each sees the output of the
// previous. A deny aborts and raises; a retry means "re-run the operation
// from scratch" and is surfaced to Perform via the retried flag so the outer
// attempt loop can re-execute under the shared budget.
func (d *Dispatcher) runAfter(ctx context.Context, op *opctx.Context, environment *env.Context, defs []*guard.Definition, outputPreview, corrID string, stack *guard.ReentrancyStack, descriptor label.Descriptor) (label.Descriptor, string, bool, error) {
	current := descriptor
	preview := outputPreview
	fingerprint := op.Fingerprint()
	for _, def := range defs {
		if err := stack.Push(def.Name); err != nil {
			return label.Descriptor{}, "", false, err
		}
		action, err := guardeval.Evaluate(ctx, guardeval.Request{
			Def:           def,
			Op:            op,
			Candidate:     guardeval.Candidate{Single: &current},
			OutputPreview: preview,
			Timing:        guard.After,
			MaxAttempts:   MaxAttempts,
		})
		stack.Pop()
		if err != nil {
			return label.Descriptor{}, "", false, err
		}

		d.Attempts.Record(def.Name, fingerprint, opctx.GuardAttemptEntry{
			Attempt:  op.Attempt,
			Decision: action.Kind.String(),
			Hint:     action.Hint,
		})

		switch action.Kind {
		case guard.ActionDeny:
			d.emitGuard(op, "deny", action.Reason, action.RuleID, corrID)
			return label.Descriptor{}, "", false, &GuardDenyError{Reason: action.Reason, RuleID: action.RuleID, Suggestions: action.Suggestions}
		case guard.ActionRetry:
			return label.Descriptor{}, action.Hint, true, nil
		case guard.ActionAllowReplacement:
			if replaced, ok := action.Replacement.(label.Descriptor); ok {
				current = label.Union(current, replaced)
			}
			d.emitGuard(op, "allow", "", def.Name, corrID)
		default:
			d.emitGuard(op, "allow", "", def.Name, corrID)
		}
	}
	return current, "", false, nil
}

// applyUnlabeledDefault stamps the policy's configured trust label onto any
// input whose descriptor carries no labels at all, so label-flow rules and
// guards see unlabeled values under the policy's chosen default.
func (d *Dispatcher) applyUnlabeledDefault(op *opctx.Context) {
	var l label.Label
	switch d.Enforcer.Policy().UnlabeledDefault {
	case policy.UnlabeledTrusted:
		l = label.Trusted
	case policy.UnlabeledUntrusted:
		l = label.Untrusted
	default:
		return
	}
	for i, in := range op.Inputs {
		if len(in.Descriptor.Labels()) != 0 {
			continue
		}
		if nd, err := in.Descriptor.AddLabel(d.Resolver, l); err == nil {
			op.Inputs[i].Descriptor = nd
		}
	}
}

// contentBytes extracts inspectable content from an executor result.
func contentBytes(raw any) []byte {
	switch v := raw.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

func lastHint(tries []opctx.GuardAttemptEntry) string {
	if len(tries) == 0 {
		return ""
	}
	return tries[len(tries)-1].Hint
}

// applyAutoSource adds the intrinsic src:* marker for the operation type and
// dir:* markers for every parent of a read/write path.
func applyAutoSource(d label.Descriptor, op *opctx.Context) label.Descriptor {
	var src label.Label
	switch op.Type {
	case opctx.TypeRun:
		src = "src:cmd"
	case opctx.TypeExe:
		if strings.HasPrefix(op.Name, "mcp:") {
			src = "src:mcp"
		}
	case opctx.TypeRead:
		src = "src:file"
	case opctx.TypeImport:
		src = "src:file"
	}
	if src != "" {
		nd, err := d.AddLabel(label.ResolveWarn, src)
		if err == nil {
			d = nd
		}
		d = d.WithSource(string(src))
	}
	if op.Type == opctx.TypeRead || op.Type == opctx.TypeImport {
		for _, dir := range parentDirs(op.Name) {
			nd, err := d.AddLabel(label.ResolveWarn, label.Label("dir:"+dir))
			if err == nil {
				d = nd
			}
		}
	}
	return d
}

// parentDirs returns every parent directory of path, from immediate parent
// to root, one label per parent directory.
func parentDirs(path string) []string {
	var out []string
	dir := filepath.Dir(path)
	for {
		out = append(out, dir)
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return out
}

func (d *Dispatcher) emitPolicy(op *opctx.Context, perr *policy.Error, corrID string) {
	if d.Ledger == nil {
		return
	}
	_ = d.Ledger.EmitAudit(audit.Record{
		Kind:     audit.KindPolicy,
		Op:       opSummary(op),
		Decision: "deny",
		Reason:   perr.Error(),
		Corr:     corrID,
		Policy:   perr.Kind.String(),
	})
}

func (d *Dispatcher) emitPolicyPermit(op *opctx.Context, corrID string) {
	if d.Ledger == nil {
		return
	}
	_ = d.Ledger.EmitAudit(audit.Record{
		Kind:     audit.KindPolicy,
		Op:       opSummary(op),
		Decision: "permit",
		Corr:     corrID,
	})
}

func (d *Dispatcher) emitGuard(op *opctx.Context, decision, reason, rule, corrID string) {
	if d.Ledger == nil {
		return
	}
	_ = d.Ledger.EmitAudit(audit.Record{
		Kind:     audit.KindGuard,
		Op:       opSummary(op),
		Decision: decision,
		Reason:   reason,
		Rule:     rule,
		Corr:     corrID,
	})
}

func (d *Dispatcher) emitFinal(op *opctx.Context, descriptor label.Descriptor, corrID string) {
	if d.Ledger == nil {
		return
	}
	after := audit.FromLabel(descriptor)
	_ = d.Ledger.EmitAudit(audit.Record{
		Kind:     finalKind(op.Type),
		Op:       opSummary(op),
		After:    &after,
		Decision: "complete",
		Corr:     corrID,
	})
}

// finalKind maps an operation type to its audit record kind: writes and
// reads get their own kind so Read-Taint Recovery can find the most
// recent write to a path by scanning the audit stream.
func finalKind(t opctx.Type) audit.Kind {
	switch t {
	case opctx.TypeWrite:
		return audit.KindWrite
	case opctx.TypeRead:
		return audit.KindRead
	default:
		return audit.KindLabel
	}
}

func opSummary(op *opctx.Context) audit.OpSummary {
	labels := op.OpLabels.Slice()
	strs := make([]string, len(labels))
	for i, l := range labels {
		strs[i] = string(l)
	}
	return audit.OpSummary{Type: op.Type.String(), Name: op.Name, OpLabels: strs}
}
