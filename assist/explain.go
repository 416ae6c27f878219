package assist

import (
	"context"
	"fmt"
	"strings"

	"github.com/mlld-lang/sec/core/dispatch"
	"github.com/mlld-lang/sec/core/label"
)

const systemPrompt = `You explain security policy denials in an mlld document
pipeline to the document's author. You receive the denial reason, the rule
that fired, and the labels involved. Reply with one short paragraph: what was
blocked, why the rule exists, and what the author can change. Never suggest
weakening a policy as the first resort. Never reproduce credential material.`

// Denial is the sanitized view of a guard denial handed to the explainer.
// Callers build it from a GuardDenyError plus the labels the dispatcher had
// in scope; secrets must already be redacted per the error-message contract.
type Denial struct {
	Reason      string
	RuleID      string
	Suggestions []string
	DataLabels  []label.Label
	OpLabels    []label.Label
}

// FromError builds a Denial from a dispatch.GuardDenyError.
func FromError(err *dispatch.GuardDenyError, dataLabels, opLabels []label.Label) Denial {
	return Denial{
		Reason:      err.Reason,
		RuleID:      err.RuleID,
		Suggestions: err.Suggestions,
		DataLabels:  dataLabels,
		OpLabels:    opLabels,
	}
}

// Explainer turns denials into prose via a Provider.
type Explainer struct {
	provider Provider
}

// NewExplainer creates an Explainer with the given provider.
func NewExplainer(provider Provider) *Explainer {
	return &Explainer{provider: provider}
}

// Explain asks the provider for a one-paragraph explanation of the denial.
//
// If the provider fails, the explainer degrades gracefully: it returns a
// deterministic fallback built from the denial itself, and the error for
// visibility.
func (e *Explainer) Explain(ctx context.Context, d Denial) (string, error) {
	resp, err := e.provider.Complete(ctx, []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: renderDenial(d)},
	})
	if err != nil {
		return fallback(d), fmt.Errorf("assist: explain: %w", err)
	}
	return resp.Content, nil
}

func renderDenial(d Denial) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Denial reason: %s\n", d.Reason)
	if d.RuleID != "" {
		fmt.Fprintf(&b, "Rule: %s\n", d.RuleID)
	}
	if len(d.DataLabels) > 0 {
		fmt.Fprintf(&b, "Data labels: %s\n", joinLabels(d.DataLabels))
	}
	if len(d.OpLabels) > 0 {
		fmt.Fprintf(&b, "Operation labels: %s\n", joinLabels(d.OpLabels))
	}
	if len(d.Suggestions) > 0 {
		fmt.Fprintf(&b, "Suggested remediations: %s\n", strings.Join(d.Suggestions, "; "))
	}
	return b.String()
}

func fallback(d Denial) string {
	msg := fmt.Sprintf("The operation was blocked: %s.", d.Reason)
	if d.RuleID != "" {
		msg += fmt.Sprintf(" Rule %s fired.", d.RuleID)
	}
	if len(d.Suggestions) > 0 {
		msg += " Possible remediations: " + strings.Join(d.Suggestions, "; ") + "."
	}
	return msg
}

func joinLabels(ls []label.Label) string {
	ss := make([]string, len(ls))
	for i, l := range ls {
		ss[i] = string(l)
	}
	return strings.Join(ss, ", ")
}
