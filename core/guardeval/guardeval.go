// Package guardeval implements the guard evaluator: it runs a single guard
// definition against a concrete operation by building the child scope,
// redacting previews when secret is present, invoking the guard's block, and
// handing back the resulting GuardAction for the dispatcher to record and
// compose.
package guardeval

import (
	"context"
	"fmt"

	"github.com/mlld-lang/sec/core/guard"
	"github.com/mlld-lang/sec/core/label"
	"github.com/mlld-lang/sec/core/opctx"
)

// Redacted is the placeholder substituted for input/output previews when
// secret is present in scope and the guard is not privileged.
const Redacted = "[REDACTED]"

// Candidate is the value a guard is being evaluated against: either a single
// per-input descriptor (FilterDataLabel guards matched against one input) or
// the full operation (per-operation / FilterOpLabel guards, which see every
// input as an aggregate).
type Candidate struct {
	// Single is set for a per-input guard.
	Single *label.Descriptor
	// All is set for a per-operation guard.
	All []label.Descriptor
}

// Request bundles everything the evaluator needs to build one guard's scope.
type Request struct {
	Def           *guard.Definition
	Op            *opctx.Context
	Candidate     Candidate
	InputPreview  string
	OutputPreview string // empty in the before phase
	Timing        guard.Timing
	MaxAttempts   int
}

// Evaluate runs def's block (or, for policy-synthesized guards, its
// precompiled predicate, indistinguishable here since both are a
// guard.Block) against req and returns the resulting action.
func Evaluate(ctx context.Context, req Request) (guard.Action, error) {
	scope := buildScope(req)
	if req.Def.Block == nil {
		return guard.Action{}, fmt.Errorf("guardeval: guard %q has no block", req.Def.Name)
	}
	return req.Def.Block(ctx, scope)
}

func buildScope(req Request) guard.Scope {
	var all []label.Descriptor
	var opLabels label.Set
	if req.Candidate.Single != nil {
		all = []label.Descriptor{*req.Candidate.Single}
	} else {
		all = req.Candidate.All
	}
	opLabels = req.Op.OpLabels

	secretPresent := false
	for _, d := range all {
		if d.TaintContains(label.Secret) {
			secretPresent = true
			break
		}
	}

	inputPreview, outputPreview := req.InputPreview, req.OutputPreview
	if secretPresent && !req.Def.Privileged {
		inputPreview = Redacted
		if outputPreview != "" {
			outputPreview = Redacted
		}
	}

	labels := label.UnionSets(descriptorLabelSets(all)...)
	taint := label.UnionSets(descriptorTaintSets(all)...)
	var sources []string
	for _, d := range all {
		sources = append(sources, d.Sources()...)
	}

	scope := guard.Scope{
		InputPreview:  inputPreview,
		OutputPreview: outputPreview,
		Op: guard.OpView{
			Type:   req.Op.Type.String(),
			Name:   req.Op.Name,
			Labels: opLabels,
		},
		Labels:  labels,
		Taint:   taint,
		Sources: sources,
		Guard: guard.GuardView{
			Try:         req.Op.Attempt,
			Tries:       len(req.Op.Tries),
			Max:         req.MaxAttempts,
			HintHistory: hintHistory(req.Op.Tries),
			Timing:      req.Timing.String(),
		},
	}

	if req.Candidate.Single != nil {
		d := *req.Candidate.Single
		scope.Input = &d
	} else {
		scope.Inputs = &guard.AggregateInput{Descriptors: req.Candidate.All}
	}
	return scope
}

func descriptorLabelSets(ds []label.Descriptor) []label.Set {
	out := make([]label.Set, len(ds))
	for i, d := range ds {
		out[i] = d.Labels()
	}
	return out
}

func descriptorTaintSets(ds []label.Descriptor) []label.Set {
	out := make([]label.Set, len(ds))
	for i, d := range ds {
		out[i] = d.Taint()
	}
	return out
}

func hintHistory(tries []opctx.GuardAttemptEntry) []string {
	out := make([]string, 0, len(tries))
	for _, t := range tries {
		if t.Hint != "" {
			out = append(out, t.Hint)
		}
	}
	return out
}
