// Package opctx defines the OperationContext shape shared by the policy
// enforcer, guard scheduler, guard evaluator, and operation dispatcher. It
// exists as its own package so those four packages can depend on a common
// vocabulary without importing one another.
package opctx

import (
	"fmt"

	"github.com/mlld-lang/sec/core/label"
)

// Type enumerates the observable operation kinds the evaluator dispatches.
type Type int

const (
	TypeShow Type = iota
	TypeRun
	TypeExe
	TypeRead
	TypeWrite
	TypeLLM
	TypeImport
	TypeCheckpoint
)

func (t Type) String() string {
	switch t {
	case TypeShow:
		return "show"
	case TypeRun:
		return "run"
	case TypeExe:
		return "exe"
	case TypeRead:
		return "read"
	case TypeWrite:
		return "write"
	case TypeLLM:
		return "llm"
	case TypeImport:
		return "import"
	case TypeCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// OpLabel returns the intrinsic "op:<type>" label automatically present on
// every OperationContext of this type.
func (t Type) OpLabel() label.Label { return label.Label("op:" + t.String()) }

// Input pairs a named variable with its security descriptor.
type Input struct {
	Variable   string
	Descriptor label.Descriptor
}

// GuardAttemptEntry records one prior attempt's outcome for a given guard
// against a given operation fingerprint.
type GuardAttemptEntry struct {
	Attempt  int
	Decision string
	Hint     string
}

// Context is built fresh per dispatch by the Operation Dispatcher and
// threaded through the Policy Enforcer, Guard Scheduler, and Guard
// Evaluator.
type Context struct {
	Type     Type
	Name     string
	OpLabels label.Set
	Inputs   []Input
	// Auth lists the credential names this operation references (e.g. a
	// `using auth:slack` clause). The enforcer verifies each is bound.
	Auth []string
	// Danger is set by the evaluator when the directive carries an explicit
	// danger opt-in marker; required for operations matching the policy's
	// capabilityDanger patterns.
	Danger  bool
	EnvRef  any // opaque reference to the active *env.Context; typed by dispatch.
	Attempt int
	Tries   []GuardAttemptEntry
	CorrID  string
}

// Fingerprint identifies an operation for attempt-state and reentrancy
// bookkeeping: (type, name, stable digest of inputs).
func (c *Context) Fingerprint() string {
	digest := 0
	for _, in := range c.Inputs {
		for _, l := range in.Descriptor.Taint().Slice() {
			for _, ch := range l {
				digest = digest*31 + int(ch)
			}
		}
	}
	return fmt.Sprintf("%s:%s:%d", c.Type, c.Name, digest)
}

// InputDescriptors extracts the bare descriptors from Inputs, in order.
func (c *Context) InputDescriptors() []label.Descriptor {
	out := make([]label.Descriptor, len(c.Inputs))
	for i, in := range c.Inputs {
		out[i] = in.Descriptor
	}
	return out
}
