// Package env implements the Environment Context: scoped execution contexts
// that narrow filesystem, network, tool, and MCP access, and the sealed
// credential paths that keep secrets out of string interpolation.
package env

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Network describes the network posture of an environment.
type Network int

const (
	// NetworkNone disallows all network access.
	NetworkNone Network = iota
	// NetworkLimited allows access restricted to an allowlist.
	NetworkLimited
	// NetworkHost allows unrestricted host network access.
	NetworkHost
)

func (n Network) String() string {
	switch n {
	case NetworkNone:
		return "none"
	case NetworkLimited:
		return "limited"
	case NetworkHost:
		return "host"
	default:
		return fmt.Sprintf("Network(%d)", int(n))
	}
}

// narrower reports whether n is no more permissive than other (used by
// Narrow's attenuation check).
func (n Network) narrower(other Network) bool { return n <= other }

// GlobList is an ordered list of glob-style path/pattern strings.
type GlobList []string

// intersect returns the patterns present in both lists (order of a
// preserved). An empty parent list is treated as "no access", so the
// intersection of an empty parent with anything is empty; attenuation can
// never grant more than the parent held.
func (a GlobList) intersect(b GlobList) GlobList {
	bs := make(map[string]bool, len(b))
	for _, p := range b {
		bs[p] = true
	}
	var out GlobList
	for _, p := range a {
		if bs[p] {
			out = append(out, p)
		}
	}
	return out
}

// Limits holds numeric resource bounds.
type Limits struct {
	MemBytes  int64
	CPUShares int64
	TimeoutMs int64
}

// minLimits returns the component-wise minimum of two Limits, used by both
// policy composition and Narrow.
func minLimits(a, b Limits) Limits {
	return Limits{
		MemBytes:  minInt64(a.MemBytes, b.MemBytes),
		CPUShares: minInt64(a.CPUShares, b.CPUShares),
		TimeoutMs: minInt64(a.TimeoutMs, b.TimeoutMs),
	}
}

func minInt64(a, b int64) int64 {
	// Zero means "unset"; unset never constrains below a real limit.
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// Timeout returns the TimeoutMs limit as a time.Duration, or 0 if unset.
func (l Limits) Timeout() time.Duration {
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

// SealedCredential is an opaque handle to a resolved credential value. It
// deliberately does not implement fmt.Stringer and exposes no method that
// returns the plaintext, so that a CREDENTIAL_LEAK can only occur through
// the explicit Reveal escape hatch the executor uses to set a subprocess
// environment variable.
type SealedCredential struct {
	name  string
	value string
}

// Seal wraps a resolved credential value in an opaque handle.
func Seal(name, value string) SealedCredential {
	return SealedCredential{name: name, value: value}
}

// Name returns the credential's logical name (not its value), safe to log.
func (s SealedCredential) Name() string { return s.name }

// Reveal returns the plaintext value. Only the operation executor, acting on
// behalf of the dispatcher immediately before spawning a subprocess or
// making an HTTP call, may call this. Any other caller that strings.Contains
// or otherwise interpolates the result into a template is producing a
// CREDENTIAL_LEAK; that check happens at the interpolation site (the
// evaluator collaborator), not here; this type only prevents *accidental*
// stringification (no String()/Error() method, no json tag).
func (s SealedCredential) Reveal() string { return s.value }

// CredentialLeakError is raised when code attempts to interpolate a sealed
// path into a string template.
type CredentialLeakError struct {
	Name string
}

func (e *CredentialLeakError) Error() string {
	return fmt.Sprintf("CREDENTIAL_LEAK: credential %q cannot be interpolated into a string", e.Name)
}

// EnvWideningError is raised when a child environment configuration would
// widen a capability beyond its parent's.
type EnvWideningError struct {
	Field string
}

func (e *EnvWideningError) Error() string {
	return fmt.Sprintf("ENV_WIDENING: child environment widens %q beyond parent", e.Field)
}

// Config is the declarative shape an `env config [body]` directive delivers
// to the core; it is narrowed against the active environment, never used to
// construct a root environment directly.
type Config struct {
	Provider       string
	FSRead         GlobList
	FSWrite        GlobList
	Net            Network
	Limits         Limits
	Tools          []string
	MCPs           []string
	AuthBindings   map[string]SealedCredential
}

// Context is an immutable, sealed environment. It is constructed only via
// Root (the outermost environment, supplied by the host) and Narrow (every
// subsequent scope).
type Context struct {
	Provider     string
	FSRead       GlobList
	FSWrite      GlobList
	Net          Network
	Limits       Limits
	Tools        []string
	MCPs         []string
	AuthBindings map[string]SealedCredential
	parent       *Context
}

// Root constructs the outermost environment from a host-supplied config. It
// has no parent, so attenuation is not checked against it.
func Root(cfg Config) *Context {
	return &Context{
		Provider:     cfg.Provider,
		FSRead:       cfg.FSRead,
		FSWrite:      cfg.FSWrite,
		Net:          cfg.Net,
		Limits:       cfg.Limits,
		Tools:        append([]string{}, cfg.Tools...),
		MCPs:         append([]string{}, cfg.MCPs...),
		AuthBindings: cfg.AuthBindings,
	}
}

// Narrow returns a new environment where every numeric limit is
// min(parent, config), every list field is parent ∩ config, and every
// boolean/ordinal capability is the more restrictive of the two. A
// config that asks to widen network class, or that references tools/MCPs/
// fs globs the parent did not already grant, is rejected with
// EnvWideningError rather than silently clamped, so authoring mistakes in
// policy/guard env blocks surface immediately.
func Narrow(parent *Context, cfg Config) (*Context, error) {
	if parent == nil {
		return nil, fmt.Errorf("env: cannot narrow a nil parent")
	}

	if cfg.Net > parent.Net {
		return nil, &EnvWideningError{Field: "net"}
	}
	net := cfg.Net
	if net == 0 && len(cfg.FSRead) == 0 && len(cfg.FSWrite) == 0 && len(cfg.Tools) == 0 {
		// Zero-value Config means "inherit unchanged" for omitted fields.
		net = parent.Net
	}

	fsRead := intersectOrInherit(parent.FSRead, cfg.FSRead)
	fsWrite := intersectOrInherit(parent.FSWrite, cfg.FSWrite)
	tools := intersectStrings(parent.Tools, cfg.Tools)
	mcps := intersectStrings(parent.MCPs, cfg.MCPs)

	auth := map[string]SealedCredential{}
	for k, v := range parent.AuthBindings {
		auth[k] = v
	}
	for k, v := range cfg.AuthBindings {
		if _, ok := parent.AuthBindings[k]; !ok && len(parent.AuthBindings) > 0 {
			return nil, &EnvWideningError{Field: "auth:" + k}
		}
		auth[k] = v
	}

	child := &Context{
		Provider:     parent.Provider,
		FSRead:       fsRead,
		FSWrite:      fsWrite,
		Net:          net,
		Limits:       minLimits(parent.Limits, cfg.Limits),
		Tools:        tools,
		MCPs:         mcps,
		AuthBindings: auth,
		parent:       parent,
	}
	return child, nil
}

func intersectOrInherit(parent, cfg GlobList) GlobList {
	if len(cfg) == 0 {
		return parent
	}
	return parent.intersect(cfg)
}

func intersectStrings(parent, cfg []string) []string {
	if len(cfg) == 0 {
		return parent
	}
	set := make(map[string]bool, len(parent))
	for _, p := range parent {
		set[p] = true
	}
	var out []string
	for _, c := range cfg {
		if set[c] {
			out = append(out, c)
		}
	}
	return out
}

// Parent returns the environment this one was narrowed from, or nil for a
// root environment.
func (c *Context) Parent() *Context { return c.parent }

// ReadAllowed reports whether path matches the read glob list.
func (c *Context) ReadAllowed(path string) bool { return matchAny(c.FSRead, path) }

// WriteAllowed reports whether path matches the write glob list.
func (c *Context) WriteAllowed(path string) bool { return matchAny(c.FSWrite, path) }

func matchAny(globs GlobList, path string) bool {
	for _, g := range globs {
		if ok, err := filepath.Match(g, path); err == nil && ok {
			return true
		}
		if strings.HasSuffix(g, "/**") && strings.HasPrefix(path, strings.TrimSuffix(g, "**")) {
			return true
		}
	}
	return false
}

// HasTool reports whether the given runtime tool is in the allowlist.
func (c *Context) HasTool(name string) bool { return contains(c.Tools, name) }

// HasMCP reports whether the given MCP server config is in the allowlist.
func (c *Context) HasMCP(name string) bool { return contains(c.MCPs, name) }

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Resolve returns the sealed credential bound to envVar, or false if none is
// bound in this environment.
func (c *Context) Resolve(envVar string) (SealedCredential, bool) {
	v, ok := c.AuthBindings[envVar]
	return v, ok
}
