package label

import (
	"fmt"
	"sort"
)

// ConflictResolver controls what happens when a descriptor already bearing
// "untrusted" receives "trusted".
type ConflictResolver int

const (
	// ResolveWarn keeps both labels, emits a warning, and treats the value
	// as untrusted for policy purposes. This is the default.
	ResolveWarn ConflictResolver = iota
	// ResolveSilent keeps both labels without any warning.
	ResolveSilent
	// ResolveError raises TrustConflictError instead of resolving.
	ResolveError
)

func (r ConflictResolver) String() string {
	switch r {
	case ResolveWarn:
		return "warn"
	case ResolveSilent:
		return "silent"
	case ResolveError:
		return "error"
	default:
		return fmt.Sprintf("ConflictResolver(%d)", int(r))
	}
}

// ParseConflictResolver parses the resolver names used in policy config,
// defaulting unknown input to the most conservative choice (warn).
func ParseConflictResolver(s string) ConflictResolver {
	switch s {
	case "silent":
		return ResolveSilent
	case "error":
		return ResolveError
	case "warn", "":
		return ResolveWarn
	default:
		return ResolveWarn
	}
}

// TrustConflictError is raised by Of/AddLabel under the "error" resolver when
// a descriptor would hold both trusted and untrusted.
type TrustConflictError struct {
	Label string
}

func (e *TrustConflictError) Error() string {
	return fmt.Sprintf("trust conflict: cannot add %q, descriptor already resolved to the opposite trust", e.Label)
}

// ProtectedLabelRemovalError is raised when a non-privileged caller attempts
// to remove a protected label.
type ProtectedLabelRemovalError struct {
	Label Label
}

func (e *ProtectedLabelRemovalError) Error() string {
	return fmt.Sprintf("PROTECTED_LABEL_REMOVAL: %q may only be removed by a privileged guard", e.Label)
}

// Set is an unordered, deduplicated collection of labels. The zero value is
// an empty set.
type Set map[Label]struct{}

// NewSet builds a Set from the given labels.
func NewSet(labels ...Label) Set {
	s := make(Set, len(labels))
	for _, l := range labels {
		s[l] = struct{}{}
	}
	return s
}

// Has reports exact membership (no hierarchical matching).
func (s Set) Has(l Label) bool {
	_, ok := s[l]
	return ok
}

// Contains reports hierarchical membership: for op:/dir: labels,
// left-anchored segment-prefix matching; for all other kinds, exact match.
func (s Set) Contains(want Label) bool {
	if want.Kind() != KindOperation && want.Kind() != KindDirectory {
		return s.Has(want)
	}
	for have := range s {
		if hierarchicalContains(have, want) {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for l := range s {
		out[l] = struct{}{}
	}
	return out
}

// UnionSets returns a new Set containing the members of all inputs.
func UnionSets(sets ...Set) Set {
	out := Set{}
	for _, s := range sets {
		for l := range s {
			out[l] = struct{}{}
		}
	}
	return out
}

// Slice returns the set's members in a stable, sorted order. Useful for
// deterministic audit serialization and tests.
func (s Set) Slice() []Label {
	out := make([]Label, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Descriptor is the immutable security record attached to every value. It is
// never mutated in place; every algebra function returns a new Descriptor.
type Descriptor struct {
	labels  Set
	taint   Set
	sources []string
}

// Empty is the descriptor with no labels, no taint, and no provenance.
var Empty = Descriptor{}

// Of constructs a Descriptor from a label list, normalizing trust conflicts
// per resolver. Directory and source markers passed in labels are folded
// into taint automatically, matching the invariant that taint ⊇ labels.
func Of(resolver ConflictResolver, labels ...Label) (Descriptor, error) {
	d := Descriptor{labels: Set{}, taint: Set{}}
	for _, l := range labels {
		nd, err := d.AddLabel(resolver, l)
		if err != nil {
			return Descriptor{}, err
		}
		d = nd
	}
	return d, nil
}

// Labels returns the descriptor's label set (not taint).
func (d Descriptor) Labels() Set { return d.labels.Clone() }

// Taint returns labels ∪ source markers ∪ directory markers, the set guards
// inspect.
func (d Descriptor) Taint() Set { return d.taint.Clone() }

// Sources returns the append-only, order-preserving provenance trail.
func (d Descriptor) Sources() []string {
	out := make([]string, len(d.sources))
	copy(out, d.sources)
	return out
}

// Influenced reports whether "influenced" is present in labels.
func (d Descriptor) Influenced() bool { return d.labels.Has(Influenced) }

// Contains delegates to the label set's hierarchical matching over labels.
func (d Descriptor) Contains(l Label) bool { return d.labels.Contains(l) }

// TaintContains delegates to the taint set's hierarchical matching; this is
// what guard predicates and policy label-flow rules consult.
func (d Descriptor) TaintContains(l Label) bool { return d.taint.Contains(l) }

// AddLabel returns a new Descriptor with l added, applying trust asymmetry
// applying trust asymmetry: adding untrusted always succeeds and discards trusted; adding
// trusted to an untrusted descriptor runs the resolver.
func (d Descriptor) AddLabel(resolver ConflictResolver, l Label) (Descriptor, error) {
	nd := Descriptor{labels: d.labels.Clone(), taint: d.taint.Clone(), sources: d.sources}

	if l == Untrusted {
		delete(nd.labels, Trusted)
		nd.labels[Untrusted] = struct{}{}
		nd.taint[Untrusted] = struct{}{}
		return nd, nil
	}

	if l == Trusted && nd.labels.Has(Untrusted) {
		switch resolver {
		case ResolveError:
			return Descriptor{}, &TrustConflictError{Label: string(l)}
		case ResolveSilent, ResolveWarn:
			nd.labels[Trusted] = struct{}{}
			nd.taint[Trusted] = struct{}{}
			// Untrusted remains; effective policy still treats this as
			// untrusted (TaintContains(Untrusted) stays true). Callers that
			// need to surface the warning event do so via the audit ledger.
			return nd, nil
		}
	}

	nd.labels[l] = struct{}{}
	nd.taint[l] = struct{}{}
	return nd, nil
}

// RemoveLabel returns a new Descriptor with l removed. Protected labels
// (secret, untrusted, src:*) require privileged=true or it fails with
// ProtectedLabelRemovalError. Factual labels (src:*, dir:*) are never
// stripped from taint even when removed from labels.
func (d Descriptor) RemoveLabel(l Label, privileged bool) (Descriptor, error) {
	if l.Protected() && !privileged {
		return Descriptor{}, &ProtectedLabelRemovalError{Label: l}
	}
	nd := Descriptor{labels: d.labels.Clone(), taint: d.taint.Clone(), sources: d.sources}
	delete(nd.labels, l)
	if !l.Factual() {
		delete(nd.taint, l)
	}
	return nd, nil
}

// ClearNonFactual requires privilege and strips every label not matching
// src:*/dir:* from both labels and taint.
func (d Descriptor) ClearNonFactual(privileged bool) (Descriptor, error) {
	if !privileged {
		return Descriptor{}, &ProtectedLabelRemovalError{Label: "*"}
	}
	nd := Descriptor{labels: Set{}, taint: Set{}, sources: d.sources}
	for l := range d.labels {
		if l.Factual() {
			nd.labels[l] = struct{}{}
		}
	}
	for l := range d.taint {
		if l.Factual() {
			nd.taint[l] = struct{}{}
		}
	}
	return nd, nil
}

// Bless is the privileged-only "blessing" transition: remove untrusted, add
// trusted. Only a privileged guard may call this.
func (d Descriptor) Bless(resolver ConflictResolver) (Descriptor, error) {
	nd, err := d.RemoveLabel(Untrusted, true)
	if err != nil {
		return Descriptor{}, err
	}
	return nd.AddLabel(resolver, Trusted)
}

// WithSource appends a provenance tag, deduplicating consecutive repeats.
func (d Descriptor) WithSource(tag string) Descriptor {
	nd := Descriptor{labels: d.labels.Clone(), taint: d.taint.Clone(), sources: d.sources}
	if len(nd.sources) > 0 && nd.sources[len(nd.sources)-1] == tag {
		return nd
	}
	nd.sources = append(append([]string{}, nd.sources...), tag)
	return nd
}

// Union combines this descriptor with others: set union of labels, set union
// of taint, append-concatenation of sources preserving order and
// deduplicating consecutive repeats across the join. Operation labels never
// participate (callers must not pass op: labels into union inputs).
func Union(ds ...Descriptor) Descriptor {
	labelSets := make([]Set, len(ds))
	taintSets := make([]Set, len(ds))
	for i, d := range ds {
		labelSets[i] = d.labels
		taintSets[i] = d.taint
	}
	out := Descriptor{labels: NewSet().unionWith(labelSets...), taint: NewSet().unionWith(taintSets...)}
	for _, d := range ds {
		for _, src := range d.sources {
			if len(out.sources) > 0 && out.sources[len(out.sources)-1] == src {
				continue
			}
			out.sources = append(out.sources, src)
		}
	}
	return out
}

func (s Set) unionWith(others ...Set) Set {
	out := s.Clone()
	for _, o := range others {
		for l := range o {
			out[l] = struct{}{}
		}
	}
	return out
}

// AnyContains reports whether any descriptor's labels hierarchically contain
// l (guard aggregate helper ".any").
func AnyContains(ds []Descriptor, l Label) bool {
	for _, d := range ds {
		if d.Contains(l) {
			return true
		}
	}
	return false
}

// AllContain reports whether every descriptor's labels hierarchically
// contain l (guard aggregate helper ".all"). Returns false for an empty
// slice, matching "no input vacuously satisfies all" semantics used by the
// built-in rule bundles (which only fire when at least one input matches).
func AllContain(ds []Descriptor, l Label) bool {
	if len(ds) == 0 {
		return false
	}
	for _, d := range ds {
		if !d.Contains(l) {
			return false
		}
	}
	return true
}

// NoneContain reports whether no descriptor's labels contain l (guard
// aggregate helper ".none").
func NoneContain(ds []Descriptor, l Label) bool {
	return !AnyContains(ds, l)
}
