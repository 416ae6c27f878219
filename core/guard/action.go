package guard

import (
	"fmt"

	"github.com/mlld-lang/sec/core/env"
	"github.com/mlld-lang/sec/core/label"
)

// ActionKind enumerates the GuardAction variants a guard block may return
//.
type ActionKind int

const (
	ActionAllow ActionKind = iota
	ActionAllowReplacement
	ActionDeny
	ActionRetry
	ActionEnv
)

func (k ActionKind) String() string {
	switch k {
	case ActionAllow:
		return "allow"
	case ActionAllowReplacement:
		return "allow(replacement)"
	case ActionDeny:
		return "deny"
	case ActionRetry:
		return "retry"
	case ActionEnv:
		return "env"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is the tagged-union result of running a single guard.
type Action struct {
	Kind        ActionKind
	Warning     string        // set when Kind == ActionAllow with a warning
	Replacement any           // set when Kind == ActionAllowReplacement
	Reason      string        // set when Kind == ActionDeny
	RuleID      string        // set by policy-synthesized denials
	Suggestions []string      // set by policy-synthesized denials
	Hint        string        // set when Kind == ActionRetry
	EnvConfig   env.Config    // set when Kind == ActionEnv
}

// Allow constructs a plain allow action.
func Allow() Action { return Action{Kind: ActionAllow} }

// AllowWithWarning constructs an allow action carrying a warning message.
func AllowWithWarning(w string) Action { return Action{Kind: ActionAllow, Warning: w} }

// AllowReplacement constructs an allow action that substitutes a new value.
func AllowReplacement(v any) Action { return Action{Kind: ActionAllowReplacement, Replacement: v} }

// Deny constructs a denial action.
func Deny(reason string) Action { return Action{Kind: ActionDeny, Reason: reason} }

// DenyRule constructs a denial action synthesized from a policy rule,
// carrying the rule id and remediation suggestions for the error message.
func DenyRule(reason, ruleID string, suggestions ...string) Action {
	return Action{Kind: ActionDeny, Reason: reason, RuleID: ruleID, Suggestions: suggestions}
}

// Retry constructs a retry action with a hint string visible to the next
// attempt via mx.guard.hintHistory.
func Retry(hint string) Action { return Action{Kind: ActionRetry, Hint: hint} }

// EnvSwitch constructs an action that narrows the environment for this
// operation attempt only.
func EnvSwitch(cfg env.Config) Action { return Action{Kind: ActionEnv, EnvConfig: cfg} }

// AggregateInput exposes the ".any/.all/.none" helpers guard blocks use when
// a guard is registered against an operation (all inputs) rather than a
// single input.
type AggregateInput struct {
	Descriptors []label.Descriptor
}

func (a AggregateInput) Any(l label.Label) bool  { return label.AnyContains(a.Descriptors, l) }
func (a AggregateInput) All(l label.Label) bool  { return label.AllContain(a.Descriptors, l) }
func (a AggregateInput) None(l label.Label) bool { return label.NoneContain(a.Descriptors, l) }

// OpView exposes mx.op.{type,name,labels} to a guard block.
type OpView struct {
	Type   string
	Name   string
	Labels label.Set
}

// GuardView exposes mx.guard.{try,tries,max,hintHistory,timing} to a guard
// block.
type GuardView struct {
	Try         int
	Tries       int
	Max         int
	HintHistory []string
	Timing      string
}

// Scope is the child scope a guard block executes in.
type Scope struct {
	// Input is set for per-input guards (single labeled value).
	Input *label.Descriptor
	// Inputs is set for per-operation guards (aggregate view over all
	// inputs).
	Inputs *AggregateInput
	// InputPreview/OutputPreview are content previews, redacted to
	// "[REDACTED]" by the evaluator when secret is present and the
	// guard is not privileged. OutputPreview is empty before-phase.
	InputPreview  string
	OutputPreview string
	Op            OpView
	Labels        label.Set
	Taint         label.Set
	Sources       []string
	Guard         GuardView
}
